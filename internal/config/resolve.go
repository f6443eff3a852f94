package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "phasehost/pkg/logx"
)

const (
	DefaultRestoredDelay     = 100 * time.Millisecond
	DefaultEventuallyDelay   = 2 * time.Second
	DefaultSliceBudget       = 50 * time.Millisecond
	DefaultRestoredTimeout   = 500 * time.Millisecond
	DefaultEventuallyTimeout = 3 * time.Second
	DefaultSlowEarly         = 20 * time.Millisecond
	DefaultSlowLate          = 100 * time.Millisecond
	DefaultFlushSchedule     = "*/30 * * * * *"
	DefaultMetricsAddr       = "127.0.0.1:9464"
)

// Runtime is the validated form of Config with durations parsed and
// defaults applied.
type Runtime struct {
	Logging logx.Config

	StartingDelay   time.Duration
	ReadyDelay      time.Duration
	RestoredDelay   time.Duration
	EventuallyDelay time.Duration

	SliceBudget time.Duration

	Built             bool
	RestoredTimeout   time.Duration
	EventuallyTimeout time.Duration
	SlowEarly         time.Duration
	SlowLate          time.Duration

	StorageDriver      string
	StoragePath        string
	StorageBusyTimeout time.Duration

	FlushEnabled  bool
	FlushSchedule string
	FlushLocation *time.Location

	MetricsEnabled       bool
	MetricsAddr          string
	MetricsToken         string
	MetricsAllowInsecure bool
	MetricsPprof         bool

	SystemdNotify bool
}

// ScheduleParser accepts cron expressions with an optional seconds field.
var ScheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// LoggingConfigFrom maps the logging section to the logx service config.
func LoggingConfigFrom(c LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Events: logx.EventsConfig{
			Enabled:    c.Events.Enabled,
			MinLevel:   c.Events.MinLevel,
			RatePerSec: c.Events.RatePerSec,
		},
	}
}

// Resolve validates cfg and returns its runtime form. Every problem is
// reported, joined into one error.
func Resolve(cfg *Config) (Runtime, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var (
		rt   Runtime
		errs []error
	)
	dur := func(dst *time.Duration, path, raw string, def time.Duration) {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = d
	}

	rt.Logging = LoggingConfigFrom(cfg.Logging)
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !validLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if cfg.Logging.Events.RatePerSec < 0 {
		errs = append(errs, errors.New("logging.events.rate_per_sec must be >= 0"))
	}

	dur(&rt.StartingDelay, "lifecycle.starting_delay", cfg.Lifecycle.StartingDelay, 0)
	dur(&rt.ReadyDelay, "lifecycle.ready_delay", cfg.Lifecycle.ReadyDelay, 0)
	dur(&rt.RestoredDelay, "lifecycle.restored_delay", cfg.Lifecycle.RestoredDelay, DefaultRestoredDelay)
	dur(&rt.EventuallyDelay, "lifecycle.eventually_delay", cfg.Lifecycle.EventuallyDelay, DefaultEventuallyDelay)

	dur(&rt.SliceBudget, "idle.slice_budget", cfg.Idle.SliceBudget, DefaultSliceBudget)

	rt.Built = cfg.Registry.Built
	dur(&rt.RestoredTimeout, "registry.restored_timeout", cfg.Registry.RestoredTimeout, DefaultRestoredTimeout)
	dur(&rt.EventuallyTimeout, "registry.eventually_timeout", cfg.Registry.EventuallyTimeout, DefaultEventuallyTimeout)
	dur(&rt.SlowEarly, "registry.slow_early", cfg.Registry.SlowEarly, DefaultSlowEarly)
	dur(&rt.SlowLate, "registry.slow_late", cfg.Registry.SlowLate, DefaultSlowLate)

	if st := cfg.Storage; st != nil {
		rt.StorageDriver = strings.ToLower(strings.TrimSpace(st.Driver))
		rt.StoragePath = strings.TrimSpace(st.Path)
		dur(&rt.StorageBusyTimeout, "storage.busy_timeout", st.BusyTimeout, 0)
		switch rt.StorageDriver {
		case "", "none", "off", "disabled":
			rt.StorageDriver = ""
		case "file", "sqlite":
			if rt.StoragePath == "" {
				errs = append(errs, fmt.Errorf("storage.path is required for driver %q", rt.StorageDriver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
	}

	rt.FlushSchedule = DefaultFlushSchedule
	rt.FlushLocation = time.Local
	if d := cfg.Diagnostics; d != nil {
		rt.FlushEnabled = d.Enabled
		if s := strings.TrimSpace(d.Schedule); s != "" {
			rt.FlushSchedule = s
		}
		if _, err := ScheduleParser.Parse(rt.FlushSchedule); err != nil {
			errs = append(errs, fmt.Errorf("diagnostics.schedule: %w", err))
		}
		if tz := strings.TrimSpace(d.Timezone); tz != "" {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				errs = append(errs, fmt.Errorf("diagnostics.timezone: %w", err))
			} else {
				rt.FlushLocation = loc
			}
		}
	}

	rt.MetricsEnabled = cfg.Metrics.Enabled
	rt.MetricsAddr = strings.TrimSpace(cfg.Metrics.Addr)
	if rt.MetricsAddr == "" {
		rt.MetricsAddr = DefaultMetricsAddr
	}
	rt.MetricsToken = strings.TrimSpace(cfg.Metrics.Token)
	rt.MetricsAllowInsecure = cfg.Metrics.AllowInsecure
	rt.MetricsPprof = cfg.Metrics.Pprof
	if rt.MetricsEnabled {
		if _, _, err := net.SplitHostPort(rt.MetricsAddr); err != nil {
			errs = append(errs, fmt.Errorf("metrics.addr: %w", err))
		}
	}
	rt.SystemdNotify = cfg.Systemd.Notify

	if err := errors.Join(errs...); err != nil {
		return Runtime{}, err
	}
	return rt, nil
}

func validLevel(s string) bool {
	switch strings.ToLower(s) {
	case "trace", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
