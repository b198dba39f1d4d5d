package main

import (
	"sync/atomic"
	"time"

	"github.com/roundtouch/ota-agent/internal/config"
	"github.com/roundtouch/ota-agent/internal/ota"
)

// activity backs the watchdog health check. The agent is unhealthy only when
// a check or download has been busy without any status change or progress
// for longer than limit.
type activity struct {
	status func() ota.Status
	limit  time.Duration
	now    func() time.Time
	last   atomic.Int64
}

func newActivity(status func() ota.Status, limit time.Duration) *activity {
	a := &activity{status: status, limit: limit, now: time.Now}
	a.touch()
	return a
}

func (a *activity) touch() {
	a.last.Store(a.now().UnixNano())
}

func (a *activity) observe(from, to ota.Status) {
	a.touch()
}

func (a *activity) progress(int) {
	a.touch()
}

func (a *activity) healthy() bool {
	if !a.status().IsBusy() {
		return true
	}
	idle := a.now().Sub(time.Unix(0, a.last.Load()))
	return idle <= a.limit
}

// busyLimit is the longest a busy session may go without activity: a
// metadata request through all its retries, or two stall windows.
func busyLimit(cfg *config.Config) time.Duration {
	request := time.Duration(cfg.RequestTimeoutSeconds) * time.Second * 4
	stall := time.Duration(cfg.StallTimeoutSeconds) * time.Second * 2
	return max(request, stall)
}
