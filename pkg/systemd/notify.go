// Package systemd reports service state to systemd through sd_notify.
// Outside systemd (no NOTIFY_SOCKET) every call is a no-op.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "phasehost/pkg/logx"
)

// Notifier sends sd_notify state strings.
type Notifier struct {
	log  logx.Logger
	send func(unsetEnv bool, state string) (bool, error)
	// watchdogInterval returns the watchdog interval (0 when disabled).
	watchdogInterval func() (time.Duration, error)
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:  log,
		send: daemon.SdNotify,
		watchdogInterval: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	}
}

func (n *Notifier) notify(state string) bool {
	sent, err := n.send(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// Ready reports READY=1 with a status line. It returns whether a message was
// actually delivered to systemd.
func (n *Notifier) Ready(status string) bool {
	state := daemon.SdNotifyReady
	if status != "" {
		state += "\nSTATUS=" + status
	}
	sent := n.notify(state)
	n.log.Debug("sd_notify ready", logx.Bool("sent", sent))
	return sent
}

func (n *Notifier) Status(format string, args ...any) bool {
	return n.notify("STATUS=" + fmt.Sprintf(format, args...))
}

func (n *Notifier) Stopping() bool {
	return n.notify(daemon.SdNotifyStopping)
}

// Watchdog pings systemd at half the configured watchdog interval until ctx
// is done. It returns immediately when the watchdog is disabled.
func (n *Notifier) Watchdog(ctx context.Context) {
	every, err := n.watchdogInterval()
	if err != nil {
		n.log.Warn("sd_watchdog check failed", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", every))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
