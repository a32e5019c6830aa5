package bridge

import (
	"io"
	"sync"
)

// Transport moves opaque frames in both directions, FIFO per direction.
// Send must be safe for concurrent use; Recv is called from one goroutine.
// Close unblocks a pending Recv.
type Transport interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	Close() error
}

const pipeBuffer = 64

type pipeShared struct {
	closed chan struct{}
	once   sync.Once
}

type pipeEnd struct {
	in     <-chan []byte
	out    chan<- []byte
	shared *pipeShared
}

// NewPipe returns two connected in-memory transports. Closing either end
// closes both.
func NewPipe() (Transport, Transport) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	shared := &pipeShared{closed: make(chan struct{})}
	return &pipeEnd{in: ba, out: ab, shared: shared}, &pipeEnd{in: ab, out: ba, shared: shared}
}

func (p *pipeEnd) Send(frame []byte) error {
	select {
	case <-p.shared.closed:
		return ErrClosed
	default:
	}
	buf := append([]byte(nil), frame...)
	select {
	case p.out <- buf:
		return nil
	case <-p.shared.closed:
		return ErrClosed
	}
}

func (p *pipeEnd) Recv() ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.shared.closed:
		return nil, io.EOF
	}
}

func (p *pipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.closed) })
	return nil
}
