package aggregate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) Emit(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

func gated(name, field string, value any, gate <-chan struct{}) Source {
	return Source{
		Name:   name,
		Fields: []string{field},
		Run: func(ctx context.Context) (Fields, error) {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return Fields{field: value}, nil
		},
	}
}

func after(d time.Duration, field string, value any) Source {
	return Source{
		Name:   field,
		Fields: []string{field},
		Run: func(ctx context.Context) (Fields, error) {
			time.Sleep(d)
			return Fields{field: value}, nil
		},
	}
}

func failing(name, field string, err error) Source {
	return Source{Name: name, Fields: []string{field}, Run: func(context.Context) (Fields, error) { return nil, err }}
}

func payloads(updates []Update) []map[string]any {
	out := make([]map[string]any, len(updates))
	for i, u := range updates {
		out[i] = u.Payload()
	}
	return out
}

func TestOpenSessionStreamsPartials(t *testing.T) {
	ch := make(chan Update, 8)
	m := NewManager(ChannelSink(ch), nil, nil)

	s := m.Start(context.Background(), "pets:1:2", StartOptions{Class: ClassOpen},
		after(10*time.Millisecond, "summaryA", map[string]int{"errors": 1}),
		after(50*time.Millisecond, "summaryB", map[string]int{"errors": 2}),
	)
	final, err := s.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	close(ch)
	var got []Update
	for u := range ch {
		got = append(got, u)
	}

	want := []map[string]any{
		{"summaryA": nil, "summaryB": nil, "loading": true},
		{"summaryA": map[string]int{"errors": 1}, "loading": true},
		{"summaryB": map[string]int{"errors": 2}, "loading": true},
		{"loading": false},
	}
	if diff := cmp.Diff(want, payloads(got)); diff != "" {
		t.Fatalf("update sequence mismatch (-want +got):\n%s", diff)
	}
	wantState := Fields{"summaryA": map[string]int{"errors": 1}, "summaryB": map[string]int{"errors": 2}}
	if diff := cmp.Diff(wantState, final.State); diff != "" {
		t.Fatalf("final state mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantState, got[2].State); diff != "" {
		t.Fatalf("partial state should merge earlier fields (-want +got):\n%s", diff)
	}
}

func TestSupersededSessionEmitsNothing(t *testing.T) {
	rec := &recorder{}
	m := NewManager(rec, nil, nil)
	ctx := context.Background()

	gate1 := make(chan struct{})
	old := m.Start(ctx, "k", StartOptions{Class: ClassOpen}, gated("a", "a", "old", gate1))
	gate2 := make(chan struct{})
	cur := m.Start(ctx, "k", StartOptions{Class: ClassOpen}, gated("a", "a", "new", gate2))

	if old.Current() || !cur.Current() || m.Generation("k") != cur.Generation() {
		t.Fatalf("generation bookkeeping wrong: old=%d cur=%d latest=%d", old.Generation(), cur.Generation(), m.Generation("k"))
	}

	close(gate1)
	oldFinal, err := old.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if oldFinal.State["a"] != "old" {
		t.Fatalf("superseded session should still report its own result, got %v", oldFinal.State)
	}
	close(gate2)
	if _, err := cur.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	seenNewer := false
	for _, u := range rec.all() {
		if u.Generation == cur.Generation() {
			seenNewer = true
			continue
		}
		if seenNewer {
			t.Fatalf("generation %d emitted after %d started: %+v", u.Generation, cur.Generation(), u)
		}
	}
	got := rec.all()
	last := got[len(got)-1]
	if last.Generation != cur.Generation() || last.Loading {
		t.Fatalf("last update should be the current final, got %+v", last)
	}
	for _, u := range got {
		if u.Fields["a"] == "old" {
			t.Fatalf("stale value reached the sink")
		}
	}
}

func TestKeysAreIndependent(t *testing.T) {
	rec := &recorder{}
	m := NewManager(rec, nil, nil)
	a := m.Start(context.Background(), "a", StartOptions{}, after(time.Millisecond, "x", 1))
	b := m.Start(context.Background(), "b", StartOptions{}, after(time.Millisecond, "x", 2))
	if !a.Current() || !b.Current() {
		t.Fatalf("sessions for different keys must not supersede each other")
	}
	for _, s := range []*Session{a, b} {
		if _, err := s.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if n := len(rec.all()); n != 6 {
		t.Fatalf("expected 3 updates per key, got %d", n)
	}
}

func TestFailingSourceDoesNotBlockSiblings(t *testing.T) {
	rec := &recorder{}
	m := NewManager(rec, nil, nil)
	boom := errors.New("diff service unavailable")
	s := m.Start(context.Background(), "k", StartOptions{Class: ClassOpen},
		failing("diff", "diffSummary", boom),
		after(5*time.Millisecond, "newSpecAnalyseSummary", "ok"),
	)
	final, _ := s.Wait(context.Background())

	if final.Err != nil {
		t.Fatalf("partial failure must not fail the session: %v", final.Err)
	}
	if len(final.Failed) != 1 || final.Failed[0].Source != "diff" || !errors.Is(final.Failed[0], boom) {
		t.Fatalf("unexpected failures %+v", final.Failed)
	}
	if v, ok := final.State["diffSummary"]; !ok || v != nil {
		t.Fatalf("failed field should stay empty, got %v (present=%v)", v, ok)
	}
	if final.State["newSpecAnalyseSummary"] != "ok" {
		t.Fatalf("sibling result lost: %v", final.State)
	}
	for _, u := range rec.all() {
		if _, ok := u.Payload()["error"]; ok {
			t.Fatalf("no update should carry an error: %+v", u)
		}
	}
}

func TestAllSourcesFailing(t *testing.T) {
	rec := &recorder{}
	m := NewManager(rec, nil, nil)
	s := m.Start(context.Background(), "k", StartOptions{Class: ClassOpen},
		failing("a", "a", errors.New("a down")),
		Source{Name: "b", Fields: []string{"b"}, Run: func(context.Context) (Fields, error) { panic("b exploded") }},
	)
	final, _ := s.Wait(context.Background())
	if final.Err == nil || len(final.Failed) != 2 {
		t.Fatalf("expected total failure, got %+v", final)
	}
	got := rec.all()
	p := got[len(got)-1].Payload()
	if p["loading"] != false || p["error"] == nil {
		t.Fatalf("final payload should carry the error: %v", p)
	}
	if len(got) != 2 {
		t.Fatalf("failed sources must not emit partials, got %d updates", len(got))
	}
}

func TestSaveSessionEmitsSnapshot(t *testing.T) {
	rec := &recorder{}
	m := NewManager(rec, nil, nil)
	s := m.Start(context.Background(), "k", StartOptions{
		Class:    ClassSave,
		Initial:  Fields{"oldSpec": false, "oldSpecAnalyseSummary": false},
		Clear:    []string{"newSpec"},
		Baseline: Fields{"newSpec": "v1", "diffSummary": "stale"},
	},
		after(time.Millisecond, "newSpec", "v2"),
		after(3*time.Millisecond, "diffSummary", "fresh"),
	)
	if _, err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	want := []map[string]any{
		{"newSpec": nil, "oldSpec": false, "oldSpecAnalyseSummary": false, "loading": true},
		{"newSpec": "v2", "diffSummary": "fresh", "oldSpec": false, "oldSpecAnalyseSummary": false, "loading": false},
	}
	if diff := cmp.Diff(want, payloads(rec.all())); diff != "" {
		t.Fatalf("save updates mismatch (-want +got):\n%s", diff)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	gate := make(chan struct{})
	m := NewManager(nil, nil, nil)
	s := m.Start(context.Background(), "k", StartOptions{}, gated("a", "a", 1, gate))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	close(gate)
	<-s.Done()
}
