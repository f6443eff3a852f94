package contrib

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"phasehost/internal/idle"
	"phasehost/internal/lifecycle"
	logx "phasehost/pkg/logx"
)

// manualIdle queues callbacks until the test runs them with step.
type manualIdle struct {
	mu       sync.Mutex
	queue    []manualReq
	timeouts []time.Duration
}

type manualReq struct {
	fn       func(idle.Deadline)
	canceled *bool
}

type fixedDeadline time.Duration

func (d fixedDeadline) TimeRemaining() time.Duration { return time.Duration(d) }
func (d fixedDeadline) DidTimeout() bool             { return d <= 0 }

func (m *manualIdle) RunWhenIdle(fn func(idle.Deadline), timeout time.Duration) func() {
	canceled := new(bool)
	m.mu.Lock()
	m.queue = append(m.queue, manualReq{fn: fn, canceled: canceled})
	m.timeouts = append(m.timeouts, timeout)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		*canceled = true
		m.mu.Unlock()
	}
}

func (m *manualIdle) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// step runs the oldest queued callback with the given remaining time.
func (m *manualIdle) step(remaining time.Duration) bool {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return false
	}
	r := m.queue[0]
	m.queue = m.queue[1:]
	canceled := *r.canceled
	m.mu.Unlock()
	if !canceled {
		r.fn(fixedDeadline(remaining))
	}
	return true
}

// drain runs callbacks until the queue is empty and returns the slice count.
func (m *manualIdle) drain(remaining time.Duration) int {
	n := 0
	for m.step(remaining) {
		n++
	}
	return n
}

// record collects construction order.
type record struct {
	mu    sync.Mutex
	order []string
	calls map[string]int
}

func newRecord() *record { return &record{calls: map[string]int{}} }

func (r *record) factory(name string) Factory {
	return func(context.Context) (Contribution, error) {
		r.mu.Lock()
		r.order = append(r.order, name)
		r.calls[name]++
		r.mu.Unlock()
		return &struct{ name string }{name}, nil
	}
}

func (r *record) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *record) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) count(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Count(s.b.String(), substr)
}

type harness struct {
	reg  *Registry
	lc   *lifecycle.Service
	idle *manualIdle
	logs *syncBuffer
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logs := &syncBuffer{}
	opts = append([]Option{WithLogger(logx.NewWriter(logs, "debug"))}, opts...)
	h := &harness{
		reg:  New(opts...),
		lc:   lifecycle.New(logx.Nop(), nil),
		idle: &manualIdle{},
		logs: logs,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.reg.Stop(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.reg.Start(context.Background(), StartDeps{Phases: h.lc, Idle: h.idle}); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) set(t *testing.T, p lifecycle.Phase) {
	t.Helper()
	if err := h.lc.Set(p); err != nil {
		t.Fatalf("Set(%s): %v", p, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
