package contrib

import (
	"context"
	"time"

	"phasehost/internal/idle"
	"phasehost/internal/lifecycle"
)

// Contribution is an opaque instance created once by the registry.
// Instances implementing io.Closer are closed by the host at shutdown.
type Contribution any

// Factory constructs one contribution. A nil contribution counts as a
// construction failure.
type Factory func(ctx context.Context) (Contribution, error)

// Policy says when a contribution is instantiated: at a lifecycle phase,
// or only on explicit lookup (Lazy).
type Policy struct {
	phase lifecycle.Phase
	lazy  bool
}

var (
	// BlockStartup contributions are created synchronously once Starting is reached.
	BlockStartup = Policy{phase: lifecycle.Starting}
	// BlockRestore contributions are created synchronously once Ready is reached.
	BlockRestore = Policy{phase: lifecycle.Ready}
	// AfterRestored contributions are created in idle time after Restored.
	AfterRestored = Policy{phase: lifecycle.Restored}
	// Eventually contributions are created in idle time after the
	// AfterRestored batch has fully drained.
	Eventually = Policy{phase: lifecycle.Eventually}
	// Lazy contributions are only created by GetOrCreate.
	Lazy = Policy{lazy: true}
)

// AtPhase returns the policy bound to phase p.
func AtPhase(p lifecycle.Phase) Policy { return Policy{phase: p} }

// Phase returns the phase the policy is bound to; ok is false for Lazy
// and for the zero Policy.
func (p Policy) Phase() (phase lifecycle.Phase, ok bool) {
	if p.lazy || !p.phase.Valid() {
		return 0, false
	}
	return p.phase, true
}

func (p Policy) IsLazy() bool { return p.lazy }

func (p Policy) String() string {
	if p.lazy {
		return "lazy"
	}
	return p.phase.String()
}

// Timing is one entry of the per-phase timing log.
type Timing struct {
	ID      string        `json:"id"`
	Elapsed time.Duration `json:"elapsed"`
}

// PhaseSource reports the current lifecycle phase and lets callers wait for
// a phase. *lifecycle.Service implements it.
type PhaseSource interface {
	Phase() lifecycle.Phase
	When(p lifecycle.Phase) <-chan struct{}
}

// Instantiator builds a contribution from its factory. Hosts with a
// dependency-injection container plug it in here.
type Instantiator interface {
	CreateInstance(ctx context.Context, f Factory) (Contribution, error)
}

// Direct is the Instantiator that simply calls the factory.
type Direct struct{}

func (Direct) CreateInstance(ctx context.Context, f Factory) (Contribution, error) { return f(ctx) }

// Marker receives fire-and-forget performance marks. *perf.Recorder implements it.
type Marker interface {
	Mark(label string)
}

// Observer is told about every construction attempt.
type Observer interface {
	ObserveCreate(phase lifecycle.Phase, id string, took time.Duration, err error)
}

// Runner starts named background goroutines. *supervisor.Supervisor implements it.
type Runner interface {
	Go0(name string, fn func(ctx context.Context))
}

// StartDeps are the collaborators wired in by Start.
type StartDeps struct {
	Phases PhaseSource
	Idle   idle.Scheduler
	// Runner is optional; plain goroutines are used when nil.
	Runner Runner
}
