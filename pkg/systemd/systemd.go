// Package systemd speaks the sd_notify protocol: readiness, stopping,
// status lines and watchdog keepalives. Outside systemd every call is a
// no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells the service manager that startup finished. sent is false
// when NOTIFY_SOCKET is not set.
func Ready() (sent bool, err error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

func Stopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Status sets the free-form line shown by `systemctl status`.
func Status(msg string) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+msg)
}

// WatchdogInterval is the keepalive period requested by the unit
// (WatchdogSec=), or 0 when the watchdog is off.
func WatchdogInterval() (time.Duration, error) {
	return daemon.SdWatchdogEnabled(false)
}

// Watchdog pings the service manager at half the watchdog interval while
// healthy reports true, until ctx is done. A missed ping lets systemd
// restart the unit. It returns immediately when the watchdog is off.
func Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := WatchdogInterval()
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
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
