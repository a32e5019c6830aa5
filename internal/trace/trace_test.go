package trace

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestLevelShouldEmit(t *testing.T) {
	tests := []struct {
		level Level
		scope Scope
		want  bool
	}{
		{LevelOff, ScopeHost, false},
		{LevelHost, ScopeHost, true},
		{LevelHost, ScopeRequest, false},
		{LevelRequest, ScopeRequest, true},
		{LevelRequest, ScopeSource, false},
		{LevelSource, ScopeSource, true},
		{LevelSource, ScopeDetail, false},
		{LevelDebug, ScopeDetail, true},
	}
	for _, tt := range tests {
		if got := tt.level.ShouldEmit(tt.scope); got != tt.want {
			t.Fatalf("%s.ShouldEmit(%s) = %v, want %v", tt.level, tt.scope, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if lvl, err := ParseLevel("REQUEST"); err != nil || lvl != LevelRequest {
		t.Fatalf("ParseLevel(REQUEST) = %v, %v", lvl, err)
	}
	if _, err := ParseLevel("phase"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestRingTracerWraps(t *testing.T) {
	r := NewRingTracer(3, LevelDebug)
	for _, name := range []string{"a", "b", "c", "d"} {
		Point(r, ScopeDetail, name, "", 0)
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 events, got %d", len(snap))
	}
	var names []string
	for _, ev := range snap {
		names = append(names, ev.Name)
	}
	if got := strings.Join(names, ","); got != "b,c,d" {
		t.Fatalf("unexpected order %q", got)
	}
}

func TestSpanThroughContext(t *testing.T) {
	var buf bytes.Buffer
	tr := NewStreamTracer(&buf, LevelSource, FormatText)
	ctx := WithTracer(context.Background(), tr)

	parent := Begin(FromContext(ctx), ScopeRequest, "fetch-diff-summary", 0)
	ctx = WithSpan(ctx, parent)
	child := Begin(FromContext(ctx), ScopeSource, "source:oldSpec", ParentFromContext(ctx))
	child.WithExtra("generation", "2").End("ok")
	parent.End("")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 events, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "request begin") || !strings.HasSuffix(lines[0], " fetch-diff-summary") {
		t.Fatalf("unexpected begin line %q", lines[0])
	}
	end := lines[2]
	for _, want := range []string{"source  end", "  source:oldSpec (ok) {elapsed=", ", generation=2}"} {
		if !strings.Contains(end, want) {
			t.Fatalf("end line %q missing %q", end, want)
		}
	}
}

func TestHeartbeatCarriesSample(t *testing.T) {
	r := NewRingTracer(8, LevelHost)
	hb := StartHeartbeat(r, time.Millisecond, func() map[string]string {
		return map[string]string{"pending": "3"}
	})
	deadline := time.Now().Add(2 * time.Second)
	for len(r.Snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	hb.Stop()
	hb.Stop()

	snap := r.Snapshot()
	if len(snap) == 0 {
		t.Fatalf("no heartbeat emitted")
	}
	if snap[0].Kind != KindHeartbeat || snap[0].Detail != "1" || snap[0].Extra["pending"] != "3" {
		t.Fatalf("unexpected heartbeat %+v", snap[0])
	}
	if StartHeartbeat(Nop, time.Millisecond, nil) != nil {
		t.Fatalf("heartbeat on a disabled tracer should be nil")
	}
}

func TestDisabledSpanIsInert(t *testing.T) {
	s := Begin(Nop, ScopeHost, "serve", 0)
	if s.ID() != 0 {
		t.Fatalf("expected inert span")
	}
	if d := s.WithExtra("k", "v").End(""); d != 0 {
		t.Fatalf("expected zero duration, got %v", d)
	}
}
