// Package sdnotify reports service state to systemd when running under a
// Type=notify unit. Outside systemd every call is a no-op.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "councilbot/pkg/logx"
)

// notifyFunc matches daemon.SdNotify.
type notifyFunc func(unsetEnvironment bool, state string) (bool, error)

// Notifier sends sd_notify messages.
type Notifier struct {
	log    logx.Logger
	notify notifyFunc
	// watchdogInterval returns the configured WatchdogSec, 0 when disabled.
	watchdogInterval func() (time.Duration, error)
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:    log,
		notify: daemon.SdNotify,
		watchdogInterval: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	}
}

func (n *Notifier) send(state string) bool {
	ok, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

// Ready reports READY=1.
func (n *Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

// Stopping reports STOPPING=1.
func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Reloading reports RELOADING=1 followed by READY=1 once fn returns.
func (n *Notifier) Reloading(fn func()) {
	n.send(daemon.SdNotifyReloading)
	fn()
	n.send(daemon.SdNotifyReady)
}

// Status sets the free-form STATUS= line shown by systemctl.
func (n *Notifier) Status(s string) bool { return n.send("STATUS=" + s) }

// Watchdog pings WATCHDOG=1 at half the configured interval until ctx ends.
// It returns immediately when the unit has no watchdog.
func (n *Notifier) Watchdog(ctx context.Context) error {
	interval, err := n.watchdogInterval()
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
