package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "mirrorbot/pkg/logx"
)

// sdNotify reports a state to systemd. Outside a notify unit it is a no-op.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdogLoop pings the systemd watchdog at half the configured interval
// while healthy returns nil.
func watchdogLoop(ctx context.Context, log logx.Logger, healthy func() error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := healthy(); err != nil {
				log.Warn("watchdog ping skipped: engine unhealthy", logx.Err(err))
				continue
			}
			sdNotify(log, daemon.SdNotifyWatchdog)
		}
	}
}
