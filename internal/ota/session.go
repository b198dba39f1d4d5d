// Package ota checks a firmware server for newer images and installs them.
//
// A Session is created once per device. CheckForUpdate asks the server which
// version it offers; PerformUpdate streams that image into flash, verifying
// its HMAC-SHA256 as it goes, and commits it only when the digest matches.
//
// Both calls are synchronous and block for the whole network exchange, which
// for PerformUpdate can be minutes. They must not run concurrently with each
// other or themselves; the session does not lock. Status may be read from any
// goroutine while a call is in flight. Cancelling ctx closes the connection and
// fails the attempt like a dropped transfer. Rebooting into the new image after
// a successful PerformUpdate is the caller's job.
package ota

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config wires a Session to its capabilities.
type Config struct {
	// BaseURL is the firmware server root, e.g. "http://ota.local:8080".
	BaseURL string
	// BoardID selects the image family on the server.
	BoardID string
	// SecretKey is the pre-shared HMAC key.
	SecretKey []byte
	// CurrentVersion is the running build's version.
	CurrentVersion string

	Network Network
	Flasher Flasher
	// Clock defaults to SystemClock.
	Clock Clock

	// Transfer tuning; zero values select the package defaults.
	ChunkSize    int
	StallTimeout time.Duration
	PollInterval time.Duration

	Logger *slog.Logger
}

// Session owns the update status and the metadata of the last check.
type Session struct {
	baseURL string
	boardID string
	current string

	network Network
	flasher *StreamingVerifiedFlasher
	state   *StateMachine

	meta     Metadata
	haveMeta bool
	written  int64
	progress ProgressFunc

	logger *slog.Logger
}

// Configuration errors returned by NewSession.
var (
	ErrBaseURLRequired = errors.New("ota: base URL is required")
	ErrNetworkRequired = errors.New("ota: network capability is required")
	ErrFlasherRequired = errors.New("ota: flasher capability is required")
)

// NewSession validates cfg and returns a session in StatusIdle.
func NewSession(cfg Config) (*Session, error) {
	if cfg.BaseURL == "" {
		return nil, ErrBaseURLRequired
	}
	if cfg.Network == nil {
		return nil, ErrNetworkRequired
	}
	if cfg.Flasher == nil {
		return nil, ErrFlasherRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.String("component", "ota"))

	s := &Session{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		boardID: cfg.BoardID,
		current: cfg.CurrentVersion,
		network: cfg.Network,
		state:   NewStateMachine(),
		logger:  logger,
	}
	s.flasher = &StreamingVerifiedFlasher{
		Flasher:      cfg.Flasher,
		Key:          cfg.SecretKey,
		Clock:        cfg.Clock,
		ChunkSize:    cfg.ChunkSize,
		StallTimeout: cfg.StallTimeout,
		PollInterval: cfg.PollInterval,
		Progress:     s.reportProgress,
		Logger:       logger,
	}
	return s, nil
}

// Status returns the current status.
func (s *Session) Status() Status {
	return s.state.Current()
}

// OnStatusChange registers fn to observe every status transition. Register
// observers before the first check; fn runs on the calling goroutine.
func (s *Session) OnStatusChange(fn ChangeFunc) {
	s.state.OnChange(fn)
}

// SetProgressCallback sets the download progress callback. nil disables it.
func (s *Session) SetProgressCallback(fn ProgressFunc) {
	s.progress = fn
}

// Metadata returns the metadata of the last successful check.
func (s *Session) Metadata() (Metadata, bool) {
	return s.meta, s.haveMeta
}

// AvailableVersion returns the version the server offered in the last
// successful check, or "".
func (s *Session) AvailableVersion() string {
	return s.meta.Version
}

// CurrentVersion returns the running build's version.
func (s *Session) CurrentVersion() string {
	return s.current
}

// CheckForUpdate asks the server which version it offers and reports whether
// it is newer than the running build. Errors are *Error values of kind
// MetadataFetch or MetadataParse; the status is then StatusError.
func (s *Session) CheckForUpdate(ctx context.Context) (bool, error) {
	if err := s.state.Transition(StatusChecking); err != nil {
		return false, err
	}
	s.meta, s.haveMeta = Metadata{}, false

	endpoint := s.endpoint("/api/version")
	s.logger.Debug("checking for update", slog.String("url", endpoint))

	resp, err := s.network.Get(ctx, endpoint)
	if err != nil {
		return false, s.fail(newError(MetadataFetch, err, "version request failed"))
	}
	if resp.StatusCode != http.StatusOK {
		return false, s.fail(newError(MetadataFetch, nil, "version check failed: HTTP %d", resp.StatusCode))
	}

	meta, err := ParseMetadata(resp.Body)
	if err != nil {
		return false, s.fail(newError(MetadataParse, err, "invalid version response"))
	}
	s.meta, s.haveMeta = meta, true

	if _, ok := ParseVersion(meta.Version); !ok {
		s.logger.Warn("remote version is malformed, unparsed segments read as 0",
			slog.String("remote_version", meta.Version),
		)
	}

	if IsNewer(meta.Version, s.current) {
		s.logger.Info("update available",
			slog.String("current_version", s.current),
			slog.String("new_version", meta.Version),
			slog.Int64("size", meta.ExpectedSize),
		)
		s.transition(StatusUpdateAvailable)
		return true, nil
	}

	s.logger.Info("firmware up to date",
		slog.String("current_version", s.current),
		slog.String("remote_version", meta.Version),
	)
	s.transition(StatusNoUpdate)
	return false, nil
}

// PerformUpdate downloads, verifies and commits the image found by the last
// CheckForUpdate. It returns nil once the image is committed; the status is
// then StatusSuccess. It returns ErrNotReady without touching the status
// unless the status is StatusUpdateAvailable.
func (s *Session) PerformUpdate(ctx context.Context) error {
	if s.Status() != StatusUpdateAvailable || !s.haveMeta {
		return ErrNotReady
	}
	start := time.Now()
	s.written = 0
	s.transition(StatusDownloading)

	endpoint := s.endpoint("/api/firmware")
	stream, err := s.network.OpenStream(ctx, endpoint)
	if err != nil {
		return s.fail(newError(FirmwareFetch, err, "firmware request failed"))
	}
	if s.meta.ExpectedSize > 0 && stream.ContentLength > 0 && stream.ContentLength != s.meta.ExpectedSize {
		s.logger.Warn("content length differs from advertised size",
			slog.Int64("content_length", stream.ContentLength),
			slog.Int64("advertised_size", s.meta.ExpectedSize),
		)
	}

	written, err := s.flasher.Flash(ctx, stream, s.meta.ExpectedDigestHex, func() {
		s.transition(StatusVerifying)
	})
	s.written = written
	if err != nil {
		var uerr *Error
		if !errors.As(err, &uerr) {
			uerr = newError(IncompleteTransfer, err, "transfer failed")
		}
		return s.fail(uerr)
	}

	s.logger.Info("update successful",
		slog.String("version", s.meta.Version),
		slog.Int64("bytes", written),
		slog.Duration("duration", time.Since(start)),
	)
	s.transition(StatusSuccess)
	return nil
}

// BytesWritten returns how many bytes the last PerformUpdate wrote to flash,
// including a failed attempt's partial transfer.
func (s *Session) BytesWritten() int64 {
	return s.written
}

func (s *Session) endpoint(path string) string {
	return s.baseURL + path + "?board=" + url.QueryEscape(s.boardID)
}

func (s *Session) reportProgress(pct int) {
	if s.progress != nil {
		s.progress(pct)
	}
}

// fail moves to StatusError and returns err.
func (s *Session) fail(err *Error) error {
	s.logger.Error("update attempt failed",
		slog.String("kind", err.Kind.String()),
		slog.String("error", err.Error()),
	)
	s.transition(StatusError)
	return err
}

// transition applies a move the session's own sequencing makes legal. A
// rejected move is a bug in this package and is logged, not returned.
func (s *Session) transition(next Status) {
	if err := s.state.Transition(next); err != nil {
		s.logger.Error("status transition rejected", slog.String("error", err.Error()))
	}
}
