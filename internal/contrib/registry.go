package contrib

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"phasehost/internal/idle"
	"phasehost/internal/lifecycle"
	logx "phasehost/pkg/logx"
)

const (
	defaultRestoredTimeout   = 500 * time.Millisecond
	defaultEventuallyTimeout = 3000 * time.Millisecond
	defaultSlowEarly         = 20 * time.Millisecond
	defaultSlowLate          = 100 * time.Millisecond
)

type descriptor struct {
	id      string
	name    string
	policy  Policy
	factory Factory
}

// Registry owns pending contribution descriptors and the instances created
// from them. Create one per host, Register contributions, then Start it.
//
// All index and cache mutation happens under mu; factories run outside the
// lock so they may Register or GetOrCreate other contributions.
type Registry struct {
	log    logx.Logger
	marker Marker
	inst   Instantiator
	obs    Observer
	built  bool

	restoredTimeout   time.Duration
	eventuallyTimeout time.Duration
	slowEarly         time.Duration
	slowLate          time.Duration

	mu         sync.Mutex
	started    bool
	phases     PhaseSource
	idle       idle.Scheduler
	runner     Runner
	ctx        context.Context
	cancel     context.CancelFunc
	dispatched lifecycle.Phase
	byPhase    map[lifecycle.Phase][]*descriptor
	byID       map[string]*descriptor
	instances  map[string]Contribution
	created    []Contribution
	timings    map[lifecycle.Phase][]Timing
	idleCancel map[lifecycle.Phase]func()

	restored     chan struct{}
	restoredOnce sync.Once

	flight singleflight.Group
	wg     sync.WaitGroup
}

type Option func(*Registry)

func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }

func WithMarker(m Marker) Option { return func(r *Registry) { r.marker = m } }

func WithInstantiator(i Instantiator) Option { return func(r *Registry) { r.inst = i } }

func WithObserver(o Observer) Option { return func(r *Registry) { r.obs = o } }

// WithBuilt marks the host as a built (production) binary: anonymous
// contributions are then neither marked nor checked for slowness.
func WithBuilt(built bool) Option { return func(r *Registry) { r.built = built } }

// WithForcedTimeouts overrides the idle fallback timeouts (500ms/3s).
func WithForcedTimeouts(restored, eventually time.Duration) Option {
	return func(r *Registry) {
		if restored > 0 {
			r.restoredTimeout = restored
		}
		if eventually > 0 {
			r.eventuallyTimeout = eventually
		}
	}
}

// WithSlowThresholds overrides the slow-creation warning thresholds for
// phases before Restored (early) and from Restored on (late).
func WithSlowThresholds(early, late time.Duration) Option {
	return func(r *Registry) {
		if early > 0 {
			r.slowEarly = early
		}
		if late > 0 {
			r.slowLate = late
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		inst:              Direct{},
		restoredTimeout:   defaultRestoredTimeout,
		eventuallyTimeout: defaultEventuallyTimeout,
		slowEarly:         defaultSlowEarly,
		slowLate:          defaultSlowLate,
		byPhase:           map[lifecycle.Phase][]*descriptor{},
		byID:              map[string]*descriptor{},
		instances:         map[string]Contribution{},
		timings:           map[lifecycle.Phase][]Timing{},
		idleCancel:        map[lifecycle.Phase]func(){},
		restored:          make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	if r.inst == nil {
		r.inst = Direct{}
	}
	return r
}

// Register adds a contribution. id may be empty for anonymous contributions
// (not allowed with Lazy). Problems are logged, never returned: a duplicate
// id keeps the first registration.
//
// Once the registry has dispatched the policy's phase, the contribution is
// created inline before Register returns.
func (r *Registry) Register(id string, policy Policy, f Factory) {
	if f == nil {
		r.log.Error("contribution registered without a factory", logx.String("id", id))
		return
	}
	phase, phased := policy.Phase()
	if !phased && !policy.IsLazy() {
		r.log.Error("contribution registered with an invalid policy", logx.String("id", id))
		return
	}
	if !phased && id == "" {
		r.log.Error("lazy contribution registered without an id")
		return
	}
	d := &descriptor{id: id, name: describe(id, f), policy: policy, factory: f}

	r.mu.Lock()
	if id != "" {
		_, pending := r.byID[id]
		_, created := r.instances[id]
		if pending || created {
			r.mu.Unlock()
			r.log.Error("duplicate contribution id; keeping the first registration",
				logx.String("id", id), logx.String("policy", policy.String()),
				logx.Err(fmt.Errorf("%w: %q", ErrDuplicateID, id)))
			return
		}
		r.byID[id] = d
	}
	if phased && r.started && phase <= r.dispatched {
		ctx := r.ctx
		r.mu.Unlock()
		r.safeCreate(ctx, d, phase)
		return
	}
	if phased {
		r.byPhase[phase] = append(r.byPhase[phase], d)
	}
	r.mu.Unlock()
}

// GetOrCreate returns the contribution registered under id, creating it now
// if needed. Repeated calls return the same instance.
//
// A factory must not look up its own id: the call would wait on itself.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (Contribution, error) {
	r.mu.Lock()
	if c, ok := r.instances[id]; ok {
		r.mu.Unlock()
		return c, nil
	}
	if !r.started {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: get %q", ErrNotStarted, id)
	}
	d, ok := r.byID[id]
	phases := r.phases
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContribution, id)
	}

	cur := phases.Phase()
	if cur < lifecycle.Restored {
		r.log.Warn("contribution requested before the restored phase; creating it early",
			logx.String("id", id), logx.String("phase", cur.String()), logx.String("policy", d.policy.String()))
	}
	// Lookups before the first phase are accounted to Starting.
	r.safeCreate(ctx, d, max(cur, lifecycle.Starting))

	r.mu.Lock()
	c, ok := r.instances[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCreationFailed, id)
	}
	return c, nil
}

// WhenRestored is closed once every AfterRestored contribution queued at
// the Restored phase has been processed. It never fails.
func (r *Registry) WhenRestored() <-chan struct{} { return r.restored }

// Timings returns a copy of the per-phase timing log.
func (r *Registry) Timings() map[lifecycle.Phase][]Timing {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[lifecycle.Phase][]Timing, len(r.timings))
	for p, ts := range r.timings {
		out[p] = append([]Timing(nil), ts...)
	}
	return out
}

// Instances returns every created contribution in creation order,
// anonymous ones included.
func (r *Registry) Instances() []Contribution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Contribution(nil), r.created...)
}

// Pending returns the number of descriptors still waiting for their phase
// and the number of ids without an instance (Lazy ones included).
func (r *Registry) Pending() (byPhase, byID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ds := range r.byPhase {
		byPhase += len(ds)
	}
	return byPhase, len(r.byID)
}

func describe(id string, f Factory) string {
	if id != "" {
		return id
	}
	if fn := runtime.FuncForPC(reflect.ValueOf(f).Pointer()); fn != nil && fn.Name() != "" {
		return fn.Name()
	}
	return "anonymous"
}
