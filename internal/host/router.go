// Package host serves the requests a sandboxed view sends to the privileged
// host process and pushes host-side changes back to every attached view.
package host

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"specbridge/internal/bridge"
	"specbridge/internal/trace"
)

// Interceptor serves one request type. A returned error is sent back as a
// failure reply; on success the interceptor replies itself, or not at all
// for fire-and-forget types.
type Interceptor func(ctx context.Context, p *bridge.Protocol, req *bridge.Request) error

// Router dispatches inbound requests to the interceptor registered for their
// type. Types without an interceptor are ignored.
type Router struct {
	log    *zap.Logger
	tracer trace.Tracer

	mu     sync.RWMutex
	routes map[bridge.MsgType]Interceptor
}

func NewRouter(log *zap.Logger, tracer trace.Tracer) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if tracer == nil {
		tracer = trace.Nop
	}
	return &Router{log: log, tracer: tracer, routes: make(map[bridge.MsgType]Interceptor)}
}

// Handle registers fn for typ. Registering a type twice panics.
func (r *Router) Handle(typ bridge.MsgType, fn Interceptor) {
	if !typ.Known() {
		panic(fmt.Sprintf("host: cannot route unknown message type %q", typ))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.routes[typ]; dup {
		panic(fmt.Sprintf("host: multiple interceptors for %q", typ))
	}
	r.routes[typ] = fn
}

// ServeMessage implements bridge.Handler.
func (r *Router) ServeMessage(ctx context.Context, p *bridge.Protocol, req *bridge.Request) {
	r.mu.RLock()
	fn, ok := r.routes[req.Type]
	r.mu.RUnlock()
	if !ok {
		r.log.Debug("no interceptor for message", zap.String("type", string(req.Type)), zap.Uint64("id", req.ID))
		return
	}

	span := trace.Begin(r.tracer, trace.ScopeHost, string(req.Type), 0)
	ctx = trace.WithSpan(trace.WithTracer(ctx, r.tracer), span)
	if err := fn(ctx, p, req); err != nil {
		span.End(err.Error())
		r.log.Debug("interceptor failed", zap.String("type", string(req.Type)), zap.Uint64("id", req.ID), zap.Error(err))
		if rerr := p.ReplyError(req, err); rerr != nil {
			r.log.Debug("failed to send error reply", zap.Error(rerr))
		}
		return
	}
	span.End("ok")
}
