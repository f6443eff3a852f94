package app

import (
	"context"
	"os"
	"time"

	"phasehost/internal/contrib"
	"phasehost/internal/diag"
	"phasehost/internal/lifecycle"
	"phasehost/internal/metrics"
	logx "phasehost/pkg/logx"
	"phasehost/pkg/systemd"
)

// Ids of the host's own contributions.
const (
	IDConfigWatch   = "host.config-watch"
	IDSystemdReady  = "host.systemd-ready"
	IDTimingsFlush  = "host.timings-flush"
	IDMetricsServer = "host.metrics-server"
)

const (
	watchMinBackoff  = 500 * time.Millisecond
	watchMaxBackoff  = 30 * time.Second
	watchMaxRestarts = 5
)

// RunInfo describes the running process. It is the only anonymous
// built-in contribution.
type RunInfo struct {
	PID       int
	Hostname  string
	Config    string
	Built     bool
	StartedAt time.Time
}

// ConfigWatch is the handle of the supervised config file watcher.
type ConfigWatch struct {
	Path string
}

// SystemdReady remembers whether READY=1 reached systemd so that Close
// only reports STOPPING when systemd is listening.
type SystemdReady struct {
	n    *systemd.Notifier
	Sent bool
}

func (s *SystemdReady) Close() error {
	if s.Sent {
		s.n.Stopping()
	}
	return nil
}

func (a *App) registerBuiltins() {
	a.reg.Register("", contrib.BlockStartup, a.newRunInfo)
	a.reg.Register(IDConfigWatch, contrib.BlockRestore, a.newConfigWatch)
	a.reg.Register(IDSystemdReady, contrib.AfterRestored, a.newSystemdReady)
	a.reg.Register(IDTimingsFlush, contrib.Eventually, a.newTimingsFlush)
	a.reg.Register(IDMetricsServer, contrib.Lazy, a.newMetricsServer)
}

func (a *App) newRunInfo(context.Context) (contrib.Contribution, error) {
	host, _ := os.Hostname()
	info := &RunInfo{
		PID:       os.Getpid(),
		Hostname:  host,
		Config:    a.cfgPath,
		Built:     a.rt.Built,
		StartedAt: time.Now(),
	}
	a.log.Info("host starting",
		logx.Int("pid", info.PID), logx.String("hostname", info.Hostname), logx.Bool("built", info.Built))
	return info, nil
}

func (a *App) newConfigWatch(context.Context) (contrib.Contribution, error) {
	a.sup.GoRestart("config.watch", a.cfgm.Watch, watchMinBackoff, watchMaxBackoff, watchMaxRestarts)
	return &ConfigWatch{Path: a.cfgm.Path()}, nil
}

func (a *App) newSystemdReady(context.Context) (contrib.Contribution, error) {
	r := &SystemdReady{n: a.notifier}
	if !a.rt.SystemdNotify {
		return r, nil
	}
	r.Sent = a.notifier.Ready(lifecycle.Restored.String())
	if r.Sent {
		a.sup.Go0("systemd.watchdog", a.notifier.Watchdog)
	}
	return r, nil
}

// newTimingsFlush always returns a flusher so the per-phase summary is
// logged at shutdown; the cron schedule only runs with a store.
func (a *App) newTimingsFlush(context.Context) (contrib.Contribution, error) {
	f := diag.New(a.reg, a.store,
		diag.WithLogger(a.log.With(logx.String("comp", "diag"))),
		diag.WithSchedule(a.rt.FlushSchedule, a.rt.FlushLocation),
	)
	if a.store != nil && a.rt.FlushEnabled {
		if err := f.Start(a.sup.Context()); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (a *App) newMetricsServer(context.Context) (contrib.Contribution, error) {
	srv := metrics.NewServer(metricsServerConfig(a.rt), a.metrics.Handler(), a.log.With(logx.String("comp", "metrics")))
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}
