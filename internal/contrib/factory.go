package contrib

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"phasehost/internal/lifecycle"
	logx "phasehost/pkg/logx"
)

const markPrefix = "phasehost/"

func (r *Registry) mark(format string, args ...any) {
	if r.marker == nil {
		return
	}
	r.marker.Mark(markPrefix + fmt.Sprintf(format, args...))
}

func (r *Registry) slowThreshold(phase lifecycle.Phase) time.Duration {
	if phase < lifecycle.Restored {
		return r.slowEarly
	}
	return r.slowLate
}

// safeCreate creates d unless an instance already exists for its id.
// Concurrent calls for the same id share a single construction.
// Failures are logged and swallowed.
func (r *Registry) safeCreate(ctx context.Context, d *descriptor, phase lifecycle.Phase) {
	if d.id == "" {
		r.create(ctx, d, phase)
		return
	}
	_, _, _ = r.flight.Do(d.id, func() (any, error) {
		r.create(ctx, d, phase)
		return nil, nil
	})
}

func (r *Registry) create(ctx context.Context, d *descriptor, phase lifecycle.Phase) {
	if d.id != "" {
		r.mu.Lock()
		_, exists := r.instances[d.id]
		r.mu.Unlock()
		if exists {
			return
		}
	}

	// Anonymous contributions of built binaries are not tracked individually.
	tracked := d.id != "" || !r.built
	if tracked {
		r.mark("willCreateContribution/%s/%s", phase, d.name)
	}

	start := time.Now()
	c, err := r.instantiate(ctx, d, phase)
	took := time.Since(start)

	r.mu.Lock()
	if err == nil {
		if d.id != "" {
			r.instances[d.id] = c
			delete(r.byID, d.id)
		}
		r.created = append(r.created, c)
	}
	if tracked && d.id != "" {
		r.timings[phase] = append(r.timings[phase], Timing{ID: d.id, Elapsed: took})
	}
	r.mu.Unlock()

	if err != nil {
		var stack string
		if ce, ok := err.(*ConstructionError); ok {
			stack = ce.Stack
		}
		r.log.Error("contribution creation failed",
			logx.String("contribution", d.name), logx.String("phase", phase.String()),
			logx.Err(err), logx.Stack(stack))
	}
	if r.obs != nil {
		r.obs.ObserveCreate(phase, d.id, took, err)
	}
	if tracked {
		r.mark("didCreateContribution/%s/%s", phase, d.name)
		if took > r.slowThreshold(phase) {
			r.log.Warn("slow contribution creation",
				logx.String("contribution", d.name), logx.String("phase", phase.String()),
				logx.Duration("took", took))
		}
	}
}

// instantiate runs the factory through the Instantiator, turning errors,
// panics and nil results into a *ConstructionError.
func (r *Registry) instantiate(ctx context.Context, d *descriptor, phase lifecycle.Phase) (c Contribution, err error) {
	defer func() {
		if p := recover(); p != nil {
			c = nil
			err = &ConstructionError{
				ID: d.id, Name: d.name, Phase: phase,
				Err:   fmt.Errorf("panic: %v", p),
				Stack: string(debug.Stack()),
			}
		}
	}()
	c, err = r.inst.CreateInstance(ctx, d.factory)
	if err == nil && c == nil {
		err = errNilInstance
	}
	if err != nil {
		return nil, &ConstructionError{ID: d.id, Name: d.name, Phase: phase, Err: err}
	}
	return c, nil
}
