package contrib

import (
	"context"
	"errors"

	"phasehost/internal/lifecycle"
	logx "phasehost/pkg/logx"
)

// Start wires the registry to its collaborators and begins phase
// processing. Phases already reached are processed before Start returns;
// later phases are processed as they are reached, strictly in order.
// ctx bounds the registry's lifetime (see Stop).
func (r *Registry) Start(ctx context.Context, deps StartDeps) error {
	if deps.Phases == nil || deps.Idle == nil {
		return errors.New("contrib: start requires a phase source and an idle scheduler")
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		r.log.Error("contribution registry started twice")
		return ErrAlreadyStarted
	}
	r.started = true
	r.phases = deps.Phases
	r.idle = deps.Idle
	r.runner = deps.Runner
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	all := lifecycle.Phases()
	i := 0
	for ; i < len(all) && deps.Phases.Phase() >= all[i]; i++ {
		r.process(all[i])
	}
	if i == len(all) {
		return nil
	}
	rest := all[i:]
	r.goDriver("contrib.phases", func(ctx context.Context) {
		for _, p := range rest {
			select {
			case <-ctx.Done():
				return
			case <-deps.Phases.When(p):
			}
			r.process(p)
		}
	})
	return nil
}

// process dispatches one phase. It runs exactly once per phase.
func (r *Registry) process(p lifecycle.Phase) {
	switch p {
	case lifecycle.Starting, lifecycle.Ready:
		r.runInline(r.take(p), p)
	case lifecycle.Restored:
		r.drainWhenIdle(r.take(p), p, r.fireRestored)
	case lifecycle.Eventually:
		// The eventually batch is taken only after the restored batch has
		// drained, so earlier registrations for it stay queued until then.
		r.goDriver("contrib.eventually", func(ctx context.Context) {
			select {
			case <-ctx.Done():
				return
			case <-r.restored:
			}
			r.drainWhenIdle(r.take(p), p, nil)
		})
	}
}

// take removes the pending list for p and marks p as dispatched, so later
// registrations for p are created inline instead of being queued.
func (r *Registry) take(p lifecycle.Phase) []*descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := r.byPhase[p]
	delete(r.byPhase, p)
	if p > r.dispatched {
		r.dispatched = p
	}
	r.log.Debug("contribution phase dispatched", logx.String("phase", p.String()), logx.Int("count", len(batch)))
	return batch
}

func (r *Registry) fireRestored() {
	r.restoredOnce.Do(func() {
		close(r.restored)
		r.mark("restoredContributionsComplete")
	})
}

func (r *Registry) goDriver(name string, fn func(ctx context.Context)) {
	ctx := r.ctx
	r.wg.Add(1)
	if r.runner == nil {
		go func() {
			defer r.wg.Done()
			fn(ctx)
		}()
		return
	}
	r.runner.Go0(name, func(sctx context.Context) {
		defer r.wg.Done()
		stop := context.AfterFunc(sctx, r.cancel)
		defer stop()
		fn(ctx)
	})
}

// Stop abandons phases not reached yet and idle slices not run yet, then
// waits for the driver goroutines. Created contributions are kept.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	if cancel == nil {
		r.mu.Unlock()
		return nil
	}
	pending := r.idleCancel
	r.idleCancel = nil
	r.mu.Unlock()
	cancel()
	for _, c := range pending {
		c()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
