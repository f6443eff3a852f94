package idle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	logx "phasehost/pkg/logx"
)

// Deadline describes the idle time left in the current slice.
type Deadline interface {
	TimeRemaining() time.Duration
	// DidTimeout reports whether the slice was granted by the forced
	// timeout rather than by the host becoming idle.
	DidTimeout() bool
}

// Scheduler runs callbacks when the host is idle. A callback is guaranteed
// to run within timeout even if the host never becomes idle.
type Scheduler interface {
	RunWhenIdle(fn func(Deadline), timeout time.Duration) (cancel func())
}

// DefaultSliceBudget is the idle time granted per slice, matching the
// common 50ms idle-period upper bound.
const DefaultSliceBudget = 50 * time.Millisecond

type deadline struct {
	end      time.Time
	timedOut bool
	now      func() time.Time
}

func (d deadline) TimeRemaining() time.Duration {
	if d.timedOut {
		return 0
	}
	rem := d.end.Sub(d.now())
	if rem < 0 {
		return 0
	}
	return rem
}

func (d deadline) DidTimeout() bool { return d.timedOut }

type request struct {
	fn       func(Deadline)
	timeout  time.Duration
	queuedAt time.Time
	canceled atomic.Bool
}

// Loop is a single-goroutine idle scheduler.
//
// Host work brackets itself with Busy(); while any Busy token is held the
// loop holds queued callbacks back until either every token is released or
// the callback's forced timeout elapses. Callbacks run one at a time, in
// FIFO order, on the goroutine executing Run.
type Loop struct {
	budget time.Duration
	log    logx.Logger
	now    func() time.Time

	mu    sync.Mutex
	queue []*request
	busy  int

	wake chan struct{} // queue grew or busy dropped to zero

	slices   atomic.Uint64
	timeouts atomic.Uint64
}

type Option func(*Loop)

func WithSliceBudget(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.budget = d
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(l *Loop) { l.log = log } }

func NewLoop(opts ...Option) *Loop {
	l := &Loop{
		budget: DefaultSliceBudget,
		log:    logx.Nop(),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// RunWhenIdle queues fn. It never blocks; the returned cancel func drops fn
// if it has not started yet.
func (l *Loop) RunWhenIdle(fn func(Deadline), timeout time.Duration) func() {
	r := &request{fn: fn, timeout: timeout, queuedAt: l.now()}
	l.mu.Lock()
	l.queue = append(l.queue, r)
	l.mu.Unlock()
	l.signal()
	return func() { r.canceled.Store(true) }
}

// Busy marks the host as busy until the returned func is called.
func (l *Loop) Busy() (done func()) {
	l.mu.Lock()
	l.busy++
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.busy--
			idle := l.busy == 0
			l.mu.Unlock()
			if idle {
				l.signal()
			}
		})
	}
}

// Stats reports how many slices ran and how many were forced by timeout.
func (l *Loop) Stats() (slices, forced uint64) {
	return l.slices.Load(), l.timeouts.Load()
}

func (l *Loop) pop() *request {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.queue) > 0 {
		r := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		if !r.canceled.Load() {
			return r
		}
	}
	return nil
}

func (l *Loop) isIdle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busy == 0
}

// Run serves queued callbacks until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		r := l.pop()
		if r == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-l.wake:
				continue
			}
		}
		if !l.serve(ctx, r) {
			return nil
		}
	}
}

// serve waits for idleness or the forced timeout, then runs r.
// It returns false when ctx was canceled first.
func (l *Loop) serve(ctx context.Context, r *request) bool {
	var forced <-chan time.Time
	if r.timeout > 0 {
		rem := r.timeout - l.now().Sub(r.queuedAt)
		if rem < 0 {
			rem = 0
		}
		t := time.NewTimer(rem)
		defer t.Stop()
		forced = t.C
	}
	for {
		if l.isIdle() {
			l.run(r, false)
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-forced:
			l.run(r, true)
			return true
		case <-l.wake:
		}
	}
}

func (l *Loop) run(r *request, timedOut bool) {
	if r.canceled.Load() {
		return
	}
	l.slices.Add(1)
	if timedOut {
		l.timeouts.Add(1)
		l.log.Debug("idle slice forced by timeout", logx.Duration("timeout", r.timeout))
	}
	defer func() {
		if p := recover(); p != nil {
			l.log.Error("idle callback panicked", logx.Any("panic", p))
		}
	}()
	r.fn(deadline{end: l.now().Add(l.budget), timedOut: timedOut, now: l.now})
}
