// Package coalesce runs at most one instance of an operation per key and
// shares its outcome with every caller that asked while it was in flight.
package coalesce

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"specbridge/internal/trace"
)

// Group coalesces calls returning T.
type Group[T any] struct {
	sf   singleflight.Group
	log  *zap.Logger
	name string

	mu      sync.Mutex
	waiting map[string]int

	joined atomic.Uint64
	runs   atomic.Uint64
}

// New returns a group whose log lines carry name.
func New[T any](name string, log *zap.Logger) *Group[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Group[T]{
		log:     log.With(zap.String("group", name)),
		name:    name,
		waiting: make(map[string]int),
	}
}

// Do returns the outcome of work for key. If a call for key is already in
// flight, Do waits for it instead of invoking work.
//
// work runs detached from the caller: a caller whose ctx ends stops waiting
// with ctx.Err(), while work continues for the remaining waiters. work
// receives a context that keeps ctx's values but not its cancellation.
func (g *Group[T]) Do(ctx context.Context, key string, work func(ctx context.Context) (T, error)) (T, error) {
	v, err, _ := g.DoShared(ctx, key, work)
	return v, err
}

// DoShared is Do that also reports whether the outcome was shared with other
// callers.
func (g *Group[T]) DoShared(ctx context.Context, key string, work func(ctx context.Context) (T, error)) (T, error, bool) {
	g.enter(key)
	defer g.leave(key)

	// ran is only read after the result arrives, which happens after the
	// closure returned.
	ran := false
	ch := g.sf.DoChan(key, func() (any, error) {
		ran = true
		g.runs.Add(1)
		span := trace.Begin(trace.FromContext(ctx), trace.ScopeRequest, g.name, trace.ParentFromContext(ctx)).
			WithExtra("key", key)
		v, err := runGuarded(context.WithoutCancel(ctx), work)
		if err != nil {
			span.End(err.Error())
		} else {
			span.End("ok")
		}
		return v, err
	})

	var zero T
	select {
	case res := <-ch:
		if !ran {
			g.joined.Add(1)
			g.log.Debug("joined in-flight call", zap.String("key", key))
			trace.Point(trace.FromContext(ctx), trace.ScopeDetail, g.name+":joined", key, trace.ParentFromContext(ctx))
		}
		if res.Err != nil {
			return zero, res.Err, res.Shared
		}
		v, _ := res.Val.(T)
		return v, nil, res.Shared
	case <-ctx.Done():
		return zero, ctx.Err(), false
	}
}

func (g *Group[T]) enter(key string) {
	g.mu.Lock()
	g.waiting[key]++
	g.mu.Unlock()
}

func (g *Group[T]) leave(key string) {
	g.mu.Lock()
	if g.waiting[key] <= 1 {
		delete(g.waiting, key)
	} else {
		g.waiting[key]--
	}
	g.mu.Unlock()
}

// Waiting returns the number of callers currently waiting on key.
func (g *Group[T]) Waiting(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiting[key]
}

// Forget drops key so the next call starts fresh work even while an old call
// is still running.
func (g *Group[T]) Forget(key string) {
	g.sf.Forget(key)
}

// Stats reports how many times work ran and how many callers were served by
// a run they did not start.
func (g *Group[T]) Stats() (runs, joined uint64) {
	return g.runs.Load(), g.joined.Load()
}

func runGuarded[T any](ctx context.Context, work func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("coalesced work panicked: %v", r)
		}
	}()
	return work(ctx)
}
