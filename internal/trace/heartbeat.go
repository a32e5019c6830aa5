package trace

import (
	"strconv"
	"sync"
	"time"
)

// Sampler reports state worth recording on every beat, such as open requests
// or attached views.
type Sampler func() map[string]string

// Heartbeat emits periodic liveness events. A host that keeps beating while a
// request span never ends is waiting on the other side of the bridge.
type Heartbeat struct {
	tracer   Tracer
	interval time.Duration
	sample   Sampler
	stopCh   chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// StartHeartbeat returns nil when tracing is off or interval <= 0. sample may
// be nil.
func StartHeartbeat(tracer Tracer, interval time.Duration, sample Sampler) *Heartbeat {
	if tracer == nil || !tracer.Enabled() || interval <= 0 {
		return nil
	}
	h := &Heartbeat{tracer: tracer, interval: interval, sample: sample, stopCh: make(chan struct{})}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *Heartbeat) run() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var beats uint64
	for {
		select {
		case <-ticker.C:
			beats++
			ev := &Event{
				Time:   time.Now(),
				Kind:   KindHeartbeat,
				Scope:  ScopeHost,
				Name:   "heartbeat",
				Detail: strconv.FormatUint(beats, 10),
			}
			if h.sample != nil {
				ev.Extra = h.sample()
			}
			h.tracer.Emit(ev)
		case <-h.stopCh:
			return
		}
	}
}

// Stop halts the goroutine and waits for it. Safe on nil and on repeat calls.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}
