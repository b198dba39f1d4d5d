// Package scheduler runs update checks on a cron schedule and, when auto
// update is enabled, installs what the check finds.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/roundtouch/ota-agent/internal/history"
	"github.com/roundtouch/ota-agent/internal/ota"
)

// Updater is the part of an ota.Session the scheduler drives.
type Updater interface {
	CheckForUpdate(ctx context.Context) (bool, error)
	PerformUpdate(ctx context.Context) error
	BytesWritten() int64
	CurrentVersion() string
	Metadata() (ota.Metadata, bool)
}

// Recorder stores attempt outcomes.
type Recorder interface {
	Append(r *history.Record) error
}

// Options configures a Scheduler.
type Options struct {
	// Schedule is a cron expression for checks.
	Schedule string
	// AutoUpdate installs an available update right after the check.
	AutoUpdate bool
}

// Outcome is the result of one check cycle.
type Outcome struct {
	Available bool
	Installed bool
	Version   string
	Err       error
}

// Scheduler runs the check loop.
type Scheduler struct {
	updater    Updater
	recorder   Recorder
	schedule   cron.Schedule
	autoUpdate bool
	logger     *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New creates a scheduler. recorder may be nil to skip history.
func New(updater Updater, recorder Recorder, opts Options, logger *slog.Logger) (*Scheduler, error) {
	schedule, err := NewCronParser().Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid check schedule %q: %w", opts.Schedule, err)
	}
	return &Scheduler{
		updater:    updater,
		recorder:   recorder,
		schedule:   schedule,
		autoUpdate: opts.AutoUpdate,
		logger:     logger.With(slog.String("component", "scheduler")),
		now:        time.Now,
		after:      time.After,
	}, nil
}

// Run checks immediately and then on every scheduled time until ctx is
// cancelled or an update is installed. It returns the installing cycle's
// outcome, or ctx.Err() when stopped.
func (s *Scheduler) Run(ctx context.Context) (Outcome, error) {
	s.logger.Info("scheduler started", slog.Bool("auto_update", s.autoUpdate))

	for {
		outcome := s.RunOnce(ctx)
		if outcome.Installed {
			return outcome, nil
		}
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopping")
			return Outcome{}, ctx.Err()
		}

		next := s.schedule.Next(s.now())
		s.logger.Debug("next update check", slog.Time("at", next))

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return Outcome{}, ctx.Err()
		case <-s.after(time.Until(next)):
		}
	}
}

// RunOnce performs a single check, followed by an install when auto update
// is enabled and a newer version is offered.
func (s *Scheduler) RunOnce(ctx context.Context) Outcome {
	from := s.updater.CurrentVersion()
	startedAt := s.now()

	available, err := s.updater.CheckForUpdate(ctx)
	meta, _ := s.updater.Metadata()
	outcome := Outcome{Available: available, Version: meta.Version, Err: err}

	status := "no_update"
	switch {
	case err != nil:
		status = "error"
		s.logger.Warn("update check failed", slog.String("error", err.Error()))
	case available:
		status = "update_available"
	}
	s.record(history.OpCheck, startedAt, from, outcome.Version, status, err, 0)

	if err != nil || !available || !s.autoUpdate {
		return outcome
	}

	startedAt = s.now()
	err = s.updater.PerformUpdate(ctx)
	if err != nil {
		outcome.Err = err
		s.logger.Warn("update failed", slog.String("error", err.Error()))
		s.record(history.OpUpdate, startedAt, from, outcome.Version, "error", err, s.updater.BytesWritten())
		return outcome
	}

	outcome.Installed = true
	s.logger.Info("update installed",
		slog.String("from_version", from),
		slog.String("to_version", outcome.Version),
	)
	s.record(history.OpUpdate, startedAt, from, outcome.Version, "success", nil, s.updater.BytesWritten())
	return outcome
}

func (s *Scheduler) record(op string, startedAt time.Time, from, to, status string, err error, bytes int64) {
	if s.recorder == nil {
		return
	}
	r := &history.Record{
		Operation:   op,
		StartedAt:   startedAt.UTC(),
		DurationMs:  s.now().Sub(startedAt).Milliseconds(),
		FromVersion: from,
		ToVersion:   to,
		Status:      status,
		Bytes:       bytes,
	}
	if err != nil {
		r.Error = err.Error()
		if kind := ota.KindOf(err); kind != 0 {
			r.ErrorKind = kind.String()
		} else if errors.Is(err, ota.ErrIllegalTransition) {
			r.ErrorKind = "illegal_transition"
		}
	}
	if err := s.recorder.Append(r); err != nil {
		s.logger.Error("failed to record attempt",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
	}
}
