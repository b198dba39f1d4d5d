// flasher.go - Streams a firmware image into flash while authenticating it.
//
// The image never exists whole in memory: each chunk is written to the flash
// session as it arrives and the same bytes are fed to a running HMAC. Only
// when the full declared length is written and the digest matches is the
// session committed; every other outcome aborts it, so the running image
// stays the boot image.
package ota

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultChunkSize bounds peak buffer memory during a transfer.
	DefaultChunkSize = 4096
	// DefaultStallTimeout is the longest gap between chunks before the
	// connection is treated as dead.
	DefaultStallTimeout = 15 * time.Second
	// DefaultPollInterval is how often an idle transfer re-checks the stall timer.
	DefaultPollInterval = 10 * time.Millisecond
)

// StreamingVerifiedFlasher writes a streamed image to a Flasher and verifies
// its HMAC-SHA256 before committing.
type StreamingVerifiedFlasher struct {
	Flasher Flasher
	// Key is the pre-shared HMAC secret.
	Key   []byte
	Clock Clock

	ChunkSize    int
	StallTimeout time.Duration
	PollInterval time.Duration

	// Progress, if set, is called each time the whole percentage changes.
	Progress ProgressFunc
	Logger   *slog.Logger
}

// Progress is the state of one transfer.
type Progress struct {
	BytesWritten int64
	Percent      int
	// LastData is the Clock reading when the last chunk was written.
	LastData time.Duration
}

// chunk is one read handed from the pump to the write loop. Exactly one of
// buf and err is set.
type chunk struct {
	buf []byte
	err error
}

// Flash consumes stream and, on success, commits the image. verifying is
// called once the whole image is written, before the digest is compared.
// It returns the number of bytes written to flash.
//
// Flash closes stream.Body before returning. On any failure after Begin the
// flash session is aborted and End(true) is never called.
func (f *StreamingVerifiedFlasher) Flash(ctx context.Context, stream *Stream, expectedDigestHex string, verifying func()) (int64, error) {
	logger := f.logger()
	defer stream.Body.Close()

	if stream.StatusCode != http.StatusOK {
		return 0, newError(FirmwareFetch, nil, "HTTP %d", stream.StatusCode)
	}
	length := stream.ContentLength
	if length <= 0 {
		return 0, newError(FirmwareFetch, nil, "invalid content length %d", length)
	}

	logger.Info("downloading firmware", slog.Int64("bytes", length))

	if err := f.Flasher.Begin(length); err != nil {
		return 0, newError(InsufficientSpace, err, "begin flash session for %d bytes", length)
	}

	mac := newMAC(f.Key)
	clock := f.clock()
	p := Progress{Percent: -1, LastData: clock.Now()}

	pump := startPump(stream.Body, f.chunkSize())
	defer pump.stop(stream.Body)

	ticker := time.NewTicker(f.pollInterval())
	defer ticker.Stop()

	var readErr error
transfer:
	for p.BytesWritten < length {
		c, ok, stalled := pump.next(ctx, ticker.C)
		switch {
		case stalled:
			if gap := clock.Now() - p.LastData; gap > f.stallTimeout() {
				f.Flasher.Abort()
				logger.Error("download stalled",
					slog.Int64("written", p.BytesWritten),
					slog.Int64("total", length),
					slog.Duration("gap", gap),
				)
				return p.BytesWritten, newError(StallTimeout, nil, "no data for %s at %d/%d bytes", gap, p.BytesWritten, length)
			}
			continue
		case !ok:
			readErr = ctx.Err()
			break transfer
		case c.err != nil:
			readErr = c.err
			break transfer
		}

		data := c.buf
		if remaining := length - p.BytesWritten; int64(len(data)) > remaining {
			data = data[:remaining]
		}

		n, err := f.Flasher.Write(data)
		if err != nil || n != len(data) {
			f.Flasher.Abort()
			logger.Error("flash write failed",
				slog.Int64("written", p.BytesWritten),
				slog.Int("requested", len(data)),
				slog.Int("accepted", n),
			)
			return p.BytesWritten, newError(StreamWrite, err, "flash accepted %d of %d bytes at offset %d", n, len(data), p.BytesWritten)
		}

		// Authenticate exactly what flash accepted.
		mac.Write(data)
		p.BytesWritten += int64(n)
		p.LastData = clock.Now()
		pump.release(c.buf)

		if pct := int(p.BytesWritten * 100 / length); pct != p.Percent {
			p.Percent = pct
			logger.Debug("download progress", slog.Int("percent", pct))
			if f.Progress != nil {
				f.Progress(pct)
			}
		}
	}

	if p.BytesWritten != length {
		f.Flasher.Abort()
		if errors.Is(readErr, io.EOF) {
			readErr = nil
		}
		logger.Error("incomplete download",
			slog.Int64("written", p.BytesWritten),
			slog.Int64("total", length),
		)
		return p.BytesWritten, newError(IncompleteTransfer, readErr, "received %d of %d bytes", p.BytesWritten, length)
	}

	if verifying != nil {
		verifying()
	}

	computed := hex.EncodeToString(mac.Sum(nil))
	if !digestMatches(computed, expectedDigestHex) {
		f.Flasher.Abort()
		logger.Error("HMAC verification failed",
			slog.String("expected", expectedDigestHex),
			slog.String("computed", computed),
		)
		return p.BytesWritten, newError(Integrity, nil, "digest mismatch")
	}
	logger.Info("HMAC verified")

	if err := f.Flasher.End(true); err != nil {
		return p.BytesWritten, newError(Finalize, err, "commit image")
	}
	return p.BytesWritten, nil
}

// pump reads the body on its own goroutine so the write loop can notice a
// stall while a Read is blocked. It owns a single buffer: the next Read only
// starts after the loop releases the previous chunk.
type pump struct {
	chunks chan chunk
	free   chan []byte
	done   chan struct{}
}

func startPump(body io.Reader, size int) *pump {
	p := &pump{
		chunks: make(chan chunk),
		free:   make(chan []byte, 1),
		done:   make(chan struct{}),
	}
	p.free <- make([]byte, size)
	go p.run(body)
	return p
}

func (p *pump) run(body io.Reader) {
	defer close(p.chunks)
	for {
		var buf []byte
		select {
		case buf = <-p.free:
		case <-p.done:
			return
		}

		n, err := body.Read(buf[:cap(buf)])
		if n > 0 {
			select {
			case p.chunks <- chunk{buf: buf[:n]}:
			case <-p.done:
				return
			}
		} else {
			p.free <- buf
		}
		if err != nil {
			select {
			case p.chunks <- chunk{err: err}:
			case <-p.done:
			}
			return
		}
	}
}

// next waits for the next chunk, preferring data over a tick. stalled is true
// when tick fired with no data ready; ok is false when the pump ended or ctx
// was cancelled.
func (p *pump) next(ctx context.Context, tick <-chan time.Time) (c chunk, ok, stalled bool) {
	if ctx.Err() != nil {
		return chunk{}, false, false
	}
	select {
	case c, ok = <-p.chunks:
		return c, ok, false
	default:
	}
	select {
	case c, ok = <-p.chunks:
		return c, ok, false
	case <-tick:
		return chunk{}, true, true
	case <-ctx.Done():
		return chunk{}, false, false
	}
}

func (p *pump) release(buf []byte) {
	p.free <- buf
}

// stop ends the pump and waits for its goroutine. Closing body unblocks a
// pending Read.
func (p *pump) stop(body io.Closer) {
	close(p.done)
	body.Close()
	for range p.chunks {
	}
}

func (f *StreamingVerifiedFlasher) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return f.Logger
}

func (f *StreamingVerifiedFlasher) clock() Clock {
	if f.Clock == nil {
		return SystemClock()
	}
	return f.Clock
}

func (f *StreamingVerifiedFlasher) chunkSize() int {
	if f.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return f.ChunkSize
}

func (f *StreamingVerifiedFlasher) stallTimeout() time.Duration {
	if f.StallTimeout <= 0 {
		return DefaultStallTimeout
	}
	return f.StallTimeout
}

func (f *StreamingVerifiedFlasher) pollInterval() time.Duration {
	if f.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return f.PollInterval
}
