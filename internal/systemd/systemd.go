// Package systemd integrates the agent with systemd's notify protocol:
// READY/STOPPING notifications, a STATUS line showing the update state in
// `systemctl status`, and watchdog pings gated on a health check.
//
// Every call is a no-op when NOTIFY_SOCKET is unset, so the agent runs the
// same way from a terminal.
package systemd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages.
type Notifier struct {
	logger *slog.Logger
	notify func(unsetEnvironment bool, state string) (bool, error)
}

// NewNotifier returns a notifier using the process's NOTIFY_SOCKET.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{
		logger: logger.With(slog.String("component", "systemd")),
		notify: daemon.SdNotify,
	}
}

func (n *Notifier) send(state, what string) bool {
	sent, err := n.notify(false, state)
	if err != nil {
		n.logger.Warn("failed to send systemd notification",
			slog.String("notification", what),
			slog.String("error", err.Error()),
		)
		return false
	}
	if sent {
		n.logger.Debug("sent systemd notification", slog.String("notification", what))
	}
	return sent
}

// Ready sends READY=1. Returns false if systemd is not listening.
func (n *Notifier) Ready() bool {
	return n.send(daemon.SdNotifyReady, "ready")
}

// Stopping sends STOPPING=1.
func (n *Notifier) Stopping() bool {
	return n.send(daemon.SdNotifyStopping, "stopping")
}

// Status sets the free-form status line.
func (n *Notifier) Status(text string) bool {
	return n.send("STATUS="+text, "status")
}

// HealthCheckFunc reports whether the agent is healthy.
type HealthCheckFunc func() bool

// StartWatchdog pings the systemd watchdog every half WatchdogSec while
// healthCheck passes. Skipped pings let systemd restart a wedged agent.
// It returns immediately when the watchdog is not enabled.
func (n *Notifier) StartWatchdog(ctx context.Context, healthCheck HealthCheckFunc) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.logger.Debug("watchdog not enabled", slog.String("error", err.Error()))
		return
	}
	if interval == 0 {
		n.logger.Debug("watchdog interval is zero, watchdog disabled")
		return
	}

	pingInterval := interval / 2
	n.logger.Info("starting systemd watchdog",
		slog.Duration("watchdog_interval", interval),
		slog.Duration("ping_interval", pingInterval),
	)

	go n.watchdogLoop(ctx, pingInterval, healthCheck)
}

func (n *Notifier) watchdogLoop(ctx context.Context, interval time.Duration, healthCheck HealthCheckFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !healthCheck() {
				n.logger.Warn("health check failed, skipping watchdog ping")
				continue
			}
			n.send(daemon.SdNotifyWatchdog, "watchdog")
		}
	}
}

// IsRunningUnderSystemd returns true if the process was started by systemd
// with a notify socket.
func IsRunningUnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
