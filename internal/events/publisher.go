package events

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/roundtouch/ota-agent/internal/ota"
)

// Conn is the publishing side of a NATS connection.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Source is the part of an ota.Session a Publisher observes.
type Source interface {
	OnStatusChange(fn ota.ChangeFunc)
	CurrentVersion() string
	AvailableVersion() string
}

// Publisher sends OTA events via core NATS (fire-and-forget). Events are
// informational; a publish failure is logged and never fails an update.
type Publisher struct {
	conn   Conn
	prefix string
	board  string
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a publisher on conn.
func NewPublisher(conn Conn, cfg Config, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		board:  cfg.BoardID,
		logger: logger.With(slog.String("component", "events")),
		now:    time.Now,
	}
}

// Attach publishes src's status transitions and returns a progress sink
// that publishes download progress for src's available version.
func (p *Publisher) Attach(src Source) ota.ProgressFunc {
	src.OnStatusChange(func(from, to ota.Status) {
		p.PublishStatus(StatusMessage{
			From:             from.String(),
			To:               to.String(),
			CurrentVersion:   src.CurrentVersion(),
			AvailableVersion: src.AvailableVersion(),
		})
	})
	return func(pct int) {
		p.PublishProgress(src.AvailableVersion(), pct)
	}
}

// PublishStatus publishes a status transition.
func (p *Publisher) PublishStatus(msg StatusMessage) error {
	msg.Board = p.board
	return p.publish(subject(p.prefix, p.board, "status"), TypeStatus, msg)
}

// PublishProgress publishes the download percentage for version.
func (p *Publisher) PublishProgress(version string, percent int) error {
	msg := ProgressMessage{Board: p.board, Version: version, Percent: percent}
	return p.publish(subject(p.prefix, p.board, "progress"), TypeProgress, msg)
}

func (p *Publisher) publish(subject, msgType string, payload any) error {
	data, err := encode(msgType, payload, p.now())
	if err != nil {
		return err
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish event",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("publish: %w", err)
	}

	p.logger.Debug("Published event",
		slog.String("subject", subject),
		slog.String("type", msgType),
	)
	return nil
}
