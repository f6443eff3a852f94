package contrib

import (
	"time"

	"phasehost/internal/idle"
	"phasehost/internal/lifecycle"
	logx "phasehost/pkg/logx"
)

// A slice stops once less than this much idle time remains.
const minSliceRemaining = time.Millisecond

func (r *Registry) forcedTimeout(phase lifecycle.Phase) time.Duration {
	if phase == lifecycle.Eventually {
		return r.eventuallyTimeout
	}
	return r.restoredTimeout
}

// runInline creates a batch synchronously, in order.
func (r *Registry) runInline(batch []*descriptor, phase lifecycle.Phase) {
	r.mark("willCreateContributions/%s", phase)
	for _, d := range batch {
		r.safeCreate(r.ctx, d, phase)
	}
	r.mark("didCreateContributions/%s", phase)
}

// drainWhenIdle creates a batch across as many idle slices as needed.
// At least one descriptor is created per slice, so a host that never
// reports idle time still makes progress through the forced timeout.
// done runs once the batch is exhausted (also for an empty batch).
func (r *Registry) drainWhenIdle(batch []*descriptor, phase lifecycle.Phase, done func()) {
	timeout := r.forcedTimeout(phase)
	ctx := r.ctx
	r.mark("willCreateContributions/%s", phase)

	i, slices := 0, 0
	var slice func(idle.Deadline)
	slice = func(dl idle.Deadline) {
		if ctx.Err() != nil {
			return
		}
		slices++
		for i < len(batch) {
			d := batch[i]
			i++
			r.safeCreate(ctx, d, phase)
			if i < len(batch) && dl.TimeRemaining() < minSliceRemaining {
				r.scheduleIdle(phase, slice, timeout)
				return
			}
		}
		r.clearIdle(phase)
		r.mark("didCreateContributions/%s", phase)
		r.log.Debug("idle batch drained",
			logx.String("phase", phase.String()), logx.Int("count", len(batch)), logx.Int("slices", slices))
		if done != nil {
			done()
		}
	}
	r.scheduleIdle(phase, slice, timeout)
}

// scheduleIdle queues the next slice of the phase's batch. Each batch has
// at most one queued slice, so its cancel func replaces the previous one.
func (r *Registry) scheduleIdle(phase lifecycle.Phase, fn func(idle.Deadline), timeout time.Duration) {
	cancel := r.idle.RunWhenIdle(fn, timeout)
	r.mu.Lock()
	if r.idleCancel == nil {
		// Stopped while the slice was running.
		r.mu.Unlock()
		cancel()
		return
	}
	r.idleCancel[phase] = cancel
	r.mu.Unlock()
}

func (r *Registry) clearIdle(phase lifecycle.Phase) {
	r.mu.Lock()
	delete(r.idleCancel, phase)
	r.mu.Unlock()
}
