package bridge

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// StreamTransport frames messages with Content-Length headers over a byte
// stream such as a child process's stdio.
type StreamTransport struct {
	in     *bufio.Reader
	out    io.Writer
	sendMu sync.Mutex

	closers   []io.Closer
	closeOnce sync.Once
	closeErr  error
}

func NewStreamTransport(r io.Reader, w io.Writer) *StreamTransport {
	t := &StreamTransport{in: bufio.NewReader(r), out: w}
	if c, ok := r.(io.Closer); ok {
		t.closers = append(t.closers, c)
	}
	if c, ok := w.(io.Closer); ok {
		t.closers = append(t.closers, c)
	}
	return t
}

func (t *StreamTransport) Send(frame []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := writeFrame(t.out, frame); err != nil {
		return err
	}
	if f, ok := t.out.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (t *StreamTransport) Recv() ([]byte, error) {
	return readFrame(t.in)
}

func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		var errs []error
		for _, c := range t.closers {
			errs = append(errs, c.Close())
		}
		t.closeErr = errors.Join(errs...)
	})
	return t.closeErr
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	contentLength := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid Content-Length %q", value)
			}
			contentLength = n
		}
	}
	if contentLength < 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}
	payload := make([]byte, contentLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
