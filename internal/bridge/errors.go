package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned for requests pending when the protocol shut down
	// and for sends after that.
	ErrClosed = errors.New("bridge closed")
	// ErrCanceled is returned by Wait after Cancel.
	ErrCanceled = errors.New("request canceled")
	// ErrUnknownType rejects sends outside the recognized type set.
	ErrUnknownType = errors.New("unknown message type")
)

// RequestTimeoutError reports a request that got no reply in time.
type RequestTimeoutError struct {
	Request Request
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	req, err := json.Marshal(e.Request)
	if err != nil {
		return fmt.Sprintf("request %s#%d timed out after %dms", e.Request.Type, e.Request.ID, e.Timeout.Milliseconds())
	}
	return fmt.Sprintf("request timed out after %dms: %s", e.Timeout.Milliseconds(), req)
}

// Friendly renders the timeout for a notification.
func (e *RequestTimeoutError) Friendly() string {
	d := e.Timeout.Round(time.Second)
	var span string
	switch {
	case d == time.Minute:
		span = "1 min"
	case d > time.Minute && d%time.Minute == 0:
		span = fmt.Sprintf("%d mins", int(d/time.Minute))
	default:
		span = d.String()
	}
	return fmt.Sprintf("%s timed out after %s, please try again later", e.Request.Type, span)
}

// RemoteOperationError carries a reply with a non-zero code.
type RemoteOperationError struct {
	Request Request
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RemoteOperationError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "error"
	}
	return fmt.Sprintf("%s failed: %s", e.Request.Type, msg)
}

// IsTimeout reports whether err is a protocol timeout.
func IsTimeout(err error) bool {
	var te *RequestTimeoutError
	return errors.As(err, &te)
}
