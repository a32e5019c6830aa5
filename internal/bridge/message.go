package bridge

import (
	"encoding/json"
	"fmt"
)

// MsgType tags a request envelope. The set is closed: senders reject
// anything else, receivers ignore anything else.
type MsgType string

// Requests from the sandboxed view to the host.
const (
	TypeFetchRemoteResource       MsgType = "fetch-remote-resource"
	TypeGetActiveConfiguration    MsgType = "get-active-configuration"
	TypeOpenNativeSettings        MsgType = "open-native-settings-surface"
	TypePersistDocument           MsgType = "persist-document-to-disk"
	TypeExecuteHostCommand        MsgType = "execute-host-command"
	TypeReadHostObjectPath        MsgType = "read-host-object-path"
	TypeFetchDiffSummary          MsgType = "fetch-diff-summary"
	TypeReportUploadHistoryChange MsgType = "report-upload-history-change"
	TypeGetSpecAnalyses           MsgType = "get-spec-analyses"
	TypeAppIsReady                MsgType = "app-is-ready"
)

// Pushes from the host to the sandboxed view. They carry ids but are never
// answered.
const (
	TypeConfigurationChanged MsgType = "configuration-changed"
	TypeDiffSummaryUpdate    MsgType = "diff-summary-update"
	TypeUploadHistoryUpdate  MsgType = "upload-history-update"
	TypeDiagnosticsUpdate    MsgType = "diagnostics-update"
	TypeStatusUpdate         MsgType = "status-update"
	TypeShowNotification     MsgType = "show-notification"
)

var knownTypes = map[MsgType]struct{}{
	TypeFetchRemoteResource:       {},
	TypeGetActiveConfiguration:    {},
	TypeOpenNativeSettings:        {},
	TypePersistDocument:           {},
	TypeExecuteHostCommand:        {},
	TypeReadHostObjectPath:        {},
	TypeFetchDiffSummary:          {},
	TypeReportUploadHistoryChange: {},
	TypeGetSpecAnalyses:           {},
	TypeAppIsReady:                {},
	TypeConfigurationChanged:      {},
	TypeDiffSummaryUpdate:         {},
	TypeUploadHistoryUpdate:       {},
	TypeDiagnosticsUpdate:         {},
	TypeStatusUpdate:              {},
	TypeShowNotification:          {},
}

// Known reports whether t belongs to the recognized set.
func (t MsgType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Response codes.
const (
	CodeOK    = 0
	CodeError = -1
)

// Request is the envelope for requests and pushes.
type Request struct {
	ID   uint64          `json:"id"`
	Type MsgType         `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the request payload into v. An absent payload leaves v
// untouched.
func (r *Request) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", r.Type, err)
	}
	return nil
}

// Response answers a Request. Req echoes the original request.
type Response struct {
	Req  Request         `json:"req"`
	Code int             `json:"code"`
	Data json.RawMessage `json:"data,omitempty"`
	Msg  string          `json:"msg,omitempty"`
}

// envelope is the union used for decoding inbound frames.
type envelope struct {
	ID   uint64          `json:"id,omitempty"`
	Type MsgType         `json:"type,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	Req  *Request        `json:"req,omitempty"`
	Code int             `json:"code,omitempty"`
	Msg  string          `json:"msg,omitempty"`
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
