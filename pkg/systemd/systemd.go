// Package systemd speaks the sd_notify protocol for Type=notify units. Every
// call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	logx "devpoll/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notify is swapped in tests.
var notify = daemon.SdNotify

func send(log logx.Logger, state string) bool {
	sent, err := notify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// Ready reports that startup has finished.
func Ready(log logx.Logger) bool { return send(log, daemon.SdNotifyReady) }

// Stopping reports that shutdown has begun.
func Stopping(log logx.Logger) bool { return send(log, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(log logx.Logger, msg string) bool { return send(log, "STATUS="+msg) }

// Watchdog pings the watchdog at half of WatchdogSec until ctx is done. It
// returns immediately when the unit has no watchdog configured. alive gates
// each ping; a nil alive always pings.
func Watchdog(ctx context.Context, log logx.Logger, alive func() bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("watchdog config invalid", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	return watchdogLoop(ctx, log, interval/2, alive)
}

func watchdogLoop(ctx context.Context, log logx.Logger, every time.Duration, alive func() bool) error {
	log.Debug("systemd watchdog enabled", logx.Duration("every", every))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if alive != nil && !alive() {
				log.Warn("skipping watchdog ping (unhealthy)")
				continue
			}
			send(log, daemon.SdNotifyWatchdog)
		}
	}
}
