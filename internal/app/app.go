package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"phasehost/internal/config"
	"phasehost/internal/contrib"
	"phasehost/internal/eventbus"
	"phasehost/internal/idle"
	"phasehost/internal/lifecycle"
	"phasehost/internal/metrics"
	"phasehost/internal/perf"
	"phasehost/internal/runtime/supervisor"
	"phasehost/internal/storage"
	logx "phasehost/pkg/logx"
	"phasehost/pkg/systemd"
)

var ErrAlreadyStarted = errors.New("app already started")

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	rt   config.Runtime
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	lc       *lifecycle.Service
	loop     *idle.Loop
	marks    *perf.Recorder
	metrics  *metrics.Metrics
	reg      *contrib.Registry
	notifier *systemd.Notifier

	contribute []func(r *contrib.Registry)
}

type Option func(*App)

// WithContributions registers extra contributions before the registry
// starts. fn runs once per Start, after the built-in ones.
func WithContributions(fn func(r *contrib.Registry)) Option {
	return func(a *App) {
		if fn != nil {
			a.contribute = append(a.contribute, fn)
		}
	}
}

// WithNotifier replaces the sd_notify client.
func WithNotifier(n *systemd.Notifier) Option {
	return func(a *App) {
		if n != nil {
			a.notifier = n
		}
	}
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	if err := validate(rt); err != nil {
		return nil, err
	}

	bus := eventbus.New()
	logSvc, log := logx.New(rt.Logging, bus)
	log = log.With(logx.String("comp", "app"))

	// Storage (optional)
	store, err := storage.Open(storage.Config{
		Driver:      rt.StorageDriver,
		Path:        rt.StoragePath,
		BusyTimeout: rt.StorageBusyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", rt.StorageDriver), logx.String("path", rt.StoragePath))
	}

	marks := perf.NewRecorder(bus)
	m := metrics.New()
	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		rt:      rt,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		lc:      lifecycle.New(log.With(logx.String("comp", "lifecycle")), bus),
		loop: idle.NewLoop(
			idle.WithSliceBudget(rt.SliceBudget),
			idle.WithLogger(log.With(logx.String("comp", "idle"))),
		),
		marks:   marks,
		metrics: m,
		reg: contrib.New(
			contrib.WithLogger(log.With(logx.String("comp", "contrib"))),
			contrib.WithMarker(marks),
			contrib.WithObserver(m),
			contrib.WithBuilt(rt.Built),
			contrib.WithForcedTimeouts(rt.RestoredTimeout, rt.EventuallyTimeout),
			contrib.WithSlowThresholds(rt.SlowEarly, rt.SlowLate),
		),
		notifier: systemd.New(log.With(logx.String("comp", "systemd"))),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

func (a *App) Registry() *contrib.Registry        { return a.reg }
func (a *App) Lifecycle() *lifecycle.Service      { return a.lc }
func (a *App) Marks() *perf.Recorder              { return a.marks }
func (a *App) Metrics() *metrics.Metrics          { return a.metrics }
func (a *App) Runtime() config.Runtime            { return a.rt }
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// validate rejects configs the host could not run with even though they
// resolve cleanly.
func validate(rt config.Runtime) error {
	if rt.MetricsEnabled {
		if err := metricsServerConfig(rt).Validate(); err != nil {
			return fmt.Errorf("metrics.addr %q: %w", rt.MetricsAddr, err)
		}
	}
	if rt.FlushEnabled && rt.StorageDriver == "" {
		return errors.New("diagnostics.enabled requires a storage driver")
	}
	return nil
}

func metricsServerConfig(rt config.Runtime) metrics.ServerConfig {
	return metrics.ServerConfig{
		Addr:          rt.MetricsAddr,
		Token:         rt.MetricsToken,
		AllowInsecure: rt.MetricsAllowInsecure,
		Pprof:         rt.MetricsPprof,
	}
}

// plan is the host's own startup: the phases it walks through and how long
// each one takes to reach.
func (a *App) plan() []lifecycle.Step {
	return []lifecycle.Step{
		{Phase: lifecycle.Starting, After: a.rt.StartingDelay},
		{Phase: lifecycle.Ready, After: a.rt.ReadyDelay},
		{Phase: lifecycle.Restored, After: a.rt.RestoredDelay},
		{Phase: lifecycle.Eventually, After: a.rt.EventuallyDelay},
	}
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return ErrAlreadyStarted
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	sctx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		rt, err := config.Resolve(cfg)
		if err != nil {
			return err
		}
		return validate(rt)
	})

	a.metrics.TrackGoroutines(func() int64 { return a.sup.Counters().Active })
	a.sup.Go("idle.loop", a.loop.Run)
	a.sup.Go0("metrics.follow", func(c context.Context) { a.metrics.Follow(c, a.bus) })

	// The host is busy until it has restored its state; idle work queued
	// before then only runs on its forced timeout.
	busyDone := a.loop.Busy()
	a.sup.Go0("idle.busy", func(c context.Context) {
		defer busyDone()
		select {
		case <-c.Done():
		case <-a.lc.When(lifecycle.Restored):
		}
	})

	a.registerBuiltins()
	for _, fn := range a.contribute {
		fn(a.reg)
	}
	if err := a.reg.Start(sctx, contrib.StartDeps{Phases: a.lc, Idle: a.loop, Runner: a.sup}); err != nil {
		return err
	}

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type == logx.EventLogLine {
					continue
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.followConfig()

	a.sup.Go0("host.restored", func(c context.Context) {
		select {
		case <-c.Done():
			return
		case <-a.reg.WhenRestored():
		}
		byPhase, byID := a.reg.Pending()
		a.log.Info("restored contributions created",
			logx.Int("instances", len(a.reg.Instances())), logx.Int("pending", byPhase), logx.Int("uncreated_ids", byID))
		if !a.rt.MetricsEnabled {
			return
		}
		if _, err := a.reg.GetOrCreate(c, IDMetricsServer); err != nil && c.Err() == nil {
			a.log.Error("metrics server unavailable", logx.Err(err))
		}
	})

	a.sup.Go("lifecycle.advance", func(c context.Context) error {
		err := a.lc.Advance(c, a.plan())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Bool("built", a.rt.Built))
	return nil
}

// followConfig applies hot-reloaded configs. Only logging changes take
// effect live.
func (a *App) followConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				if newCfg == nil {
					continue
				}
				sections, restart, fields := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				changed := strings.Join(sections, ",")
				a.logs.Apply(config.LoggingConfigFrom(newCfg.Logging))
				if restart {
					a.log.Warn("config changed; restart required for changes to take effect", logx.String("changed", changed))
				}
				a.log.Info("config applied", append([]logx.Field{logx.String("changed", changed)}, fields...)...)
			}
		}
	})
}
