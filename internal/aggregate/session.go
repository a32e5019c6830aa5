// Package aggregate merges the results of independently completing sources
// into one view model per key, and drops results from sessions that a newer
// session for the same key has replaced.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"specbridge/internal/trace"
)

// Class selects how a session reports progress.
type Class uint8

const (
	// ClassOpen shows a new subject: every source field starts empty and
	// each source reports as soon as it completes.
	ClassOpen Class = iota
	// ClassSave refreshes the current subject: only the cleared fields
	// start empty and a single full snapshot is reported at the end.
	ClassSave
)

func (c Class) String() string {
	if c == ClassSave {
		return "save"
	}
	return "open"
}

// Fields maps view-model field names to values. A nil value is an empty
// field.
type Fields map[string]any

// SourceError is the failure of one source.
type SourceError struct {
	Source string
	Err    error
}

func (e SourceError) Error() string { return e.Source + ": " + e.Err.Error() }

func (e SourceError) Unwrap() error { return e.Err }

// Update is one state of a session as delivered to a Sink.
type Update struct {
	Key        string
	Generation uint64
	Class      Class
	Loading    bool
	// Fields is what changed: every field on a loading update, one source's
	// fields on a partial, nothing on an open final, the full snapshot on a
	// save final.
	Fields Fields
	// State is the merged view model after the update.
	State  Fields
	Failed []SourceError // final updates only
	Err    error         // final updates only, set when every source failed
}

// Payload flattens u into the shape pushed to the view: the fields plus
// "loading" and, on total failure, "error".
func (u Update) Payload() map[string]any {
	out := make(map[string]any, len(u.Fields)+2)
	for k, v := range u.Fields {
		out[k] = v
	}
	out["loading"] = u.Loading
	if u.Err != nil {
		out["error"] = u.Err.Error()
	}
	return out
}

// Source produces some fields of the view model.
type Source struct {
	Name string
	// Fields lists what Run may produce; an open session empties them first.
	Fields []string
	Run    func(ctx context.Context) (Fields, error)
}

// Sink receives updates. Emit is called with the key's lock held, so updates
// for one key arrive in order and never after a newer session began; it must
// not start a session for the same key.
type Sink interface {
	Emit(u Update)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(u Update)

func (f SinkFunc) Emit(u Update) { f(u) }

// ChannelSink delivers updates on a channel. Sends block, so the channel
// needs a reader or enough buffer.
type ChannelSink chan<- Update

func (c ChannelSink) Emit(u Update) { c <- u }

// StartOptions configures a session.
type StartOptions struct {
	Class Class
	// Initial fields are part of the loading update and of a save snapshot.
	Initial Fields
	// Clear lists the fields a save session empties in its loading update.
	Clear []string
	// Baseline is the state a save snapshot is built on.
	Baseline Fields
}

type keyState struct {
	mu  sync.Mutex
	gen uint64
}

// Manager allocates generations per key and routes session updates to its
// sink.
type Manager struct {
	sink   Sink
	log    *zap.Logger
	tracer trace.Tracer

	mu   sync.Mutex
	keys map[string]*keyState
}

func NewManager(sink Sink, log *zap.Logger, tracer trace.Tracer) *Manager {
	if sink == nil {
		sink = SinkFunc(func(Update) {})
	}
	if log == nil {
		log = zap.NewNop()
	}
	if tracer == nil {
		tracer = trace.Nop
	}
	return &Manager{sink: sink, log: log, tracer: tracer, keys: make(map[string]*keyState)}
}

func (m *Manager) state(key string) *keyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks, ok := m.keys[key]
	if !ok {
		ks = &keyState{}
		m.keys[key] = ks
	}
	return ks
}

// Generation returns the newest generation started for key, 0 if none.
func (m *Manager) Generation(key string) uint64 {
	ks := m.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.gen
}

// Session is one run of a set of sources for a key.
type Session struct {
	m     *Manager
	ks    *keyState
	key   string
	gen   uint64
	class Class

	// guarded by ks.mu
	fields Fields

	done  chan struct{}
	final Update
}

// Start begins a new generation for key, superseding any running session,
// emits the loading update and runs every source concurrently. A failing
// source never stops its siblings.
func (m *Manager) Start(ctx context.Context, key string, opts StartOptions, sources ...Source) *Session {
	ks := m.state(key)

	loading := Fields{}
	switch opts.Class {
	case ClassOpen:
		for _, src := range sources {
			for _, f := range src.Fields {
				loading[f] = nil
			}
		}
	case ClassSave:
		for _, f := range opts.Clear {
			loading[f] = nil
		}
	}
	maps.Copy(loading, opts.Initial)

	ks.mu.Lock()
	ks.gen++
	s := &Session{
		m:      m,
		ks:     ks,
		key:    key,
		gen:    ks.gen,
		class:  opts.Class,
		fields: maps.Clone(loading),
		done:   make(chan struct{}),
	}
	m.sink.Emit(Update{Key: key, Generation: s.gen, Class: s.class, Loading: true, Fields: loading, State: maps.Clone(loading)})
	ks.mu.Unlock()

	m.log.Debug("aggregation started",
		zap.String("key", key),
		zap.Uint64("generation", s.gen),
		zap.Stringer("class", opts.Class),
		zap.Int("sources", len(sources)))

	go s.run(ctx, opts, sources)
	return s
}

// Key returns the session key.
func (s *Session) Key() string { return s.key }

// Generation returns the generation the session runs as.
func (s *Session) Generation() uint64 { return s.gen }

// Current reports whether no newer session for the key has started.
func (s *Session) Current() bool {
	s.ks.mu.Lock()
	defer s.ks.mu.Unlock()
	return s.ks.gen == s.gen
}

// Done is closed when every source has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait returns the final state once every source has finished. A superseded
// session still returns its own final state, which was never emitted.
func (s *Session) Wait(ctx context.Context) (Update, error) {
	select {
	case <-s.done:
		return s.final, nil
	case <-ctx.Done():
		return Update{}, ctx.Err()
	}
}

type outcome struct {
	name   string
	fields Fields
	err    error
}

func (s *Session) run(ctx context.Context, opts StartOptions, sources []Source) {
	defer close(s.done)

	span := trace.Begin(s.m.tracer, trace.ScopeRequest, "aggregate", trace.ParentFromContext(ctx)).
		WithExtra("key", s.key).
		WithExtra("generation", strconv.FormatUint(s.gen, 10))
	ctx = trace.WithSpan(trace.WithTracer(ctx, s.m.tracer), span)

	outcomes := make([]outcome, len(sources))
	var g errgroup.Group
	for i, src := range sources {
		g.Go(func() error {
			fields, err := s.runSource(ctx, src)
			outcomes[i] = outcome{name: src.Name, fields: fields, err: err}
			if err == nil && s.class == ClassOpen {
				s.partial(fields)
			}
			return nil
		})
	}
	_ = g.Wait()

	final := Update{Key: s.key, Generation: s.gen, Class: s.class}
	snapshot := Fields{}
	maps.Copy(snapshot, opts.Baseline)
	maps.Copy(snapshot, opts.Initial)
	succeeded := 0
	for _, o := range outcomes {
		if o.err != nil {
			final.Failed = append(final.Failed, SourceError{Source: o.name, Err: o.err})
			continue
		}
		succeeded++
		maps.Copy(snapshot, o.fields)
	}
	sort.Slice(final.Failed, func(i, j int) bool { return final.Failed[i].Source < final.Failed[j].Source })
	if len(sources) > 0 && succeeded == 0 {
		final.Err = errors.Join(sourceErrors(final.Failed)...)
	}
	if s.class == ClassSave {
		final.Fields = snapshot
	}

	s.ks.mu.Lock()
	current := s.ks.gen == s.gen
	if s.class == ClassOpen {
		state := maps.Clone(s.fields)
		maps.Copy(state, snapshot)
		snapshot = state
	}
	final.State = snapshot
	if current {
		s.m.sink.Emit(final)
	}
	s.ks.mu.Unlock()
	s.final = final

	switch {
	case !current:
		span.End("superseded")
	case final.Err != nil:
		span.End("failed")
	default:
		span.End(fmt.Sprintf("ok %d/%d", succeeded, len(sources)))
	}
	if len(final.Failed) > 0 {
		s.m.log.Debug("aggregation sources failed",
			zap.String("key", s.key),
			zap.Uint64("generation", s.gen),
			zap.Errors("errors", sourceErrors(final.Failed)))
	}
}

func sourceErrors(failed []SourceError) []error {
	out := make([]error, len(failed))
	for i, f := range failed {
		out[i] = f
	}
	return out
}

func (s *Session) runSource(ctx context.Context, src Source) (fields Fields, err error) {
	span := trace.Begin(trace.FromContext(ctx), trace.ScopeSource, src.Name, trace.ParentFromContext(ctx))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source %s panicked: %v", src.Name, r)
		}
		if err != nil {
			span.End(err.Error())
		} else {
			span.End("ok")
		}
	}()
	if src.Run == nil {
		return nil, fmt.Errorf("source %s has no work", src.Name)
	}
	return src.Run(trace.WithSpan(ctx, span))
}

func (s *Session) partial(fields Fields) {
	s.ks.mu.Lock()
	defer s.ks.mu.Unlock()
	if s.ks.gen != s.gen {
		trace.Point(s.m.tracer, trace.ScopeDetail, "stale-partial", s.key, 0)
		return
	}
	maps.Copy(s.fields, fields)
	s.m.sink.Emit(Update{
		Key:        s.key,
		Generation: s.gen,
		Class:      s.class,
		Loading:    true,
		Fields:     maps.Clone(fields),
		State:      maps.Clone(s.fields),
	})
}
