// Package bridge correlates requests and replies between the sandboxed view
// and the host over an unordered message transport.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"specbridge/internal/trace"
)

// DefaultTimeout bounds a request unless the caller overrides it.
const DefaultTimeout = 120 * time.Second

// Handler serves inbound requests and pushes. It runs on its own goroutine;
// ctx is canceled when the protocol closes.
type Handler interface {
	ServeMessage(ctx context.Context, p *Protocol, req *Request)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, p *Protocol, req *Request)

func (f HandlerFunc) ServeMessage(ctx context.Context, p *Protocol, req *Request) {
	f(ctx, p, req)
}

// Options configures a Protocol.
type Options struct {
	Codec   Codec         // defaults to JSONCodec
	Handler Handler       // nil drops inbound requests
	Timeout time.Duration // default per-request timeout; zero selects DefaultTimeout
	Logger  *zap.Logger
	Tracer  trace.Tracer
}

// Protocol owns the pending-request table for one transport.
type Protocol struct {
	tr      Transport
	codec   Codec
	handler Handler
	timeout time.Duration
	log     *zap.Logger
	tracer  trace.Tracer

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingRequest
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

type pendingRequest struct {
	req     Request
	created time.Time
	span    *trace.Span
	done    chan struct{}

	// set once under Protocol.mu before done is closed
	resp *Response
	err  error
}

// New starts reading from tr. Close must be called to release it.
func New(tr Transport, opts Options) *Protocol {
	if opts.Codec == nil {
		opts.Codec = JSONCodec{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = trace.Nop
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Protocol{
		tr:      tr,
		codec:   opts.Codec,
		handler: opts.Handler,
		timeout: opts.Timeout,
		log:     opts.Logger,
		tracer:  opts.Tracer,
		pending: make(map[uint64]*pendingRequest),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.readLoop()
	return p
}

// CallOption adjusts a single request.
type CallOption func(*callConfig)

type callConfig struct {
	timeout time.Duration
}

// WithTimeout overrides the request timeout. Zero waits indefinitely.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callConfig) { c.timeout = d }
}

// Call is an in-flight request.
type Call struct {
	p       *Protocol
	entry   *pendingRequest
	timeout time.Duration
}

// Start registers and transmits a request without waiting for the reply.
func (p *Protocol) Start(typ MsgType, payload any, opts ...CallOption) (*Call, error) {
	if !typ.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	cfg := callConfig{timeout: p.timeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	entry := &pendingRequest{
		req:     Request{ID: p.nextID.Add(1), Type: typ, Data: data},
		created: time.Now(),
		done:    make(chan struct{}),
	}
	frame, err := p.codec.Marshal(&entry.req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", typ, err)
	}

	entry.span = trace.Begin(p.tracer, trace.ScopeRequest, string(typ), 0).
		WithExtra("id", strconv.FormatUint(entry.req.ID, 10))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		entry.span.End("closed")
		return nil, ErrClosed
	}
	p.pending[entry.req.ID] = entry
	p.mu.Unlock()

	if err := p.tr.Send(frame); err != nil {
		p.release(entry, fmt.Errorf("send %s: %w", typ, err), "send failed")
		return nil, entry.err
	}
	return &Call{p: p, entry: entry, timeout: cfg.timeout}, nil
}

// Send transmits a request and waits for its outcome.
func (p *Protocol) Send(ctx context.Context, typ MsgType, payload any, opts ...CallOption) (json.RawMessage, error) {
	call, err := p.Start(typ, payload, opts...)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// SendInto is Send followed by decoding the reply data into out.
func (p *Protocol) SendInto(ctx context.Context, typ MsgType, payload, out any, opts ...CallOption) error {
	data, err := p.Send(ctx, typ, payload, opts...)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", typ, err)
	}
	return nil
}

// ID returns the correlation id of the request.
func (c *Call) ID() uint64 { return c.entry.req.ID }

// Request returns the transmitted envelope.
func (c *Call) Request() Request { return c.entry.req }

// Wait blocks until the reply, the timeout, ctx, Cancel or Close. Repeated
// calls return the same outcome.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	e := c.entry
	var timeout <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(time.Until(e.created.Add(c.timeout)))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-e.done:
	case <-timeout:
		c.p.release(e, &RequestTimeoutError{Request: e.req, Timeout: c.timeout}, "timeout")
	case <-ctx.Done():
		c.p.release(e, ctx.Err(), "context done")
	}
	// a reply may have won the race against the timer or ctx
	<-e.done
	return e.outcome()
}

// Cancel forgets the request locally. The remote side is not told; a later
// reply is dropped.
func (c *Call) Cancel() {
	c.p.release(c.entry, ErrCanceled, "canceled")
}

func (e *pendingRequest) outcome() (json.RawMessage, error) {
	if e.resp == nil {
		return nil, e.err
	}
	if e.resp.Code != CodeOK {
		return nil, &RemoteOperationError{
			Request: e.req,
			Code:    e.resp.Code,
			Message: e.resp.Msg,
			Data:    e.resp.Data,
		}
	}
	return e.resp.Data, nil
}

// release settles e with err if it is still pending.
func (p *Protocol) release(e *pendingRequest, err error, detail string) bool {
	p.mu.Lock()
	if p.pending[e.req.ID] != e {
		p.mu.Unlock()
		return false
	}
	delete(p.pending, e.req.ID)
	e.err = err
	close(e.done)
	p.mu.Unlock()

	e.span.End(detail)
	return true
}

func (p *Protocol) resolve(resp *Response) {
	id := resp.Req.ID
	p.mu.Lock()
	e, ok := p.pending[id]
	if !ok {
		p.mu.Unlock()
		p.log.Debug("dropping reply without pending request", zap.Uint64("id", id), zap.String("type", string(resp.Req.Type)))
		trace.Point(p.tracer, trace.ScopeDetail, "stale-reply", strconv.FormatUint(id, 10), 0)
		return
	}
	delete(p.pending, id)
	e.resp = resp
	close(e.done)
	p.mu.Unlock()

	if resp.Code == CodeOK {
		e.span.End("ok")
	} else {
		e.span.End("error")
	}
}

// Reply answers req with data.
func (p *Protocol) Reply(req *Request, data any) error {
	payload, err := encodePayload(data)
	if err != nil {
		return err
	}
	return p.write(&Response{Req: *req, Code: CodeOK, Data: payload})
}

// ReplyError answers req with a failure carrying err's message.
func (p *Protocol) ReplyError(req *Request, err error) error {
	msg := "error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return p.write(&Response{Req: *req, Code: CodeError, Msg: msg})
}

// Notify pushes a message that expects no reply.
func (p *Protocol) Notify(typ MsgType, payload any) error {
	if !typ.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return p.write(&Request{ID: p.nextID.Add(1), Type: typ, Data: data})
}

func (p *Protocol) write(v any) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	frame, err := p.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return p.tr.Send(frame)
}

// Pending returns the number of requests awaiting a reply.
func (p *Protocol) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Done is closed once the read loop has stopped.
func (p *Protocol) Done() <-chan struct{} { return p.done }

// Close releases every pending request with ErrClosed, closes the transport
// and waits for handlers to return.
func (p *Protocol) Close() error {
	p.releaseAll()
	err := p.tr.Close()
	p.cancel()
	p.wg.Wait()
	return err
}

func (p *Protocol) releaseAll() {
	p.mu.Lock()
	p.closed = true
	entries := make([]*pendingRequest, 0, len(p.pending))
	for id, e := range p.pending {
		delete(p.pending, id)
		e.err = ErrClosed
		close(e.done)
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		e.span.End("closed")
	}
}

func (p *Protocol) readLoop() {
	defer p.wg.Done()
	defer close(p.done)
	for {
		frame, err := p.tr.Recv()
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if !closed {
				p.log.Debug("transport ended", zap.Error(err))
			}
			p.releaseAll()
			p.cancel()
			return
		}
		p.dispatch(frame)
	}
}

func (p *Protocol) dispatch(frame []byte) {
	var env envelope
	if err := p.codec.Unmarshal(frame, &env); err != nil {
		p.log.Warn("dropping undecodable frame", zap.Error(err), zap.Int("bytes", len(frame)))
		return
	}
	if env.Req != nil {
		p.resolve(&Response{Req: *env.Req, Code: env.Code, Data: env.Data, Msg: env.Msg})
		return
	}
	if !env.Type.Known() {
		p.log.Debug("ignoring unrecognized message type", zap.String("type", string(env.Type)))
		return
	}
	if p.handler == nil {
		return
	}
	req := &Request{ID: env.ID, Type: env.Type, Data: env.Data}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("handler panicked", zap.String("type", string(req.Type)), zap.Any("panic", r))
				_ = p.ReplyError(req, errors.New("internal error"))
			}
		}()
		p.handler.ServeMessage(p.ctx, p, req)
	}()
}
