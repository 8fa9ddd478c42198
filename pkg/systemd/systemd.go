// Package systemd speaks the sd_notify protocol for Type=notify units.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "remindbot/pkg/logx"
)

// Notifier is a no-op when disabled or when NOTIFY_SOCKET is unset.
type Notifier struct {
	enabled bool
	log     logx.Logger
}

func NewNotifier(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{enabled: enabled, log: log.With(logx.String("comp", "systemd"))}
}

func (n *Notifier) send(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

func (n *Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Status(s string) bool { return n.send("STATUS=" + s) }

// WatchdogInterval reports the ping period, half of WATCHDOG_USEC.
// Zero means the watchdog is off.
func (n *Notifier) WatchdogInterval() time.Duration {
	if n == nil || !n.enabled {
		return 0
	}
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog env invalid", logx.Err(err))
		return 0
	}
	return d / 2
}

// Watchdog pings until ctx is done. alive gates each ping so a wedged
// process stops feeding the watchdog.
func (n *Notifier) Watchdog(ctx context.Context, alive func() bool) {
	iv := n.WatchdogInterval()
	if iv <= 0 {
		return
	}
	n.log.Debug("watchdog enabled", logx.Duration("interval", iv))
	t := time.NewTicker(iv)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if alive != nil && !alive() {
				n.log.Warn("watchdog ping skipped; not healthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
