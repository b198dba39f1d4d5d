package ota

import (
	"context"
	"io"
	"time"
)

// Response is a fully buffered HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
}

// Stream is an open HTTP response whose body has not been read yet.
// ContentLength is the declared length, or -1 when the server sent none.
type Stream struct {
	StatusCode    int
	ContentLength int64
	Body          io.ReadCloser
}

// Network issues the two requests an update needs. Implementations own their
// connect and read timeouts.
type Network interface {
	// Get performs a request and returns the buffered body.
	Get(ctx context.Context, url string) (*Response, error)
	// OpenStream performs a request and returns the body unread. The caller
	// closes Body.
	OpenStream(ctx context.Context, url string) (*Stream, error)
}

// Flasher is a sequential write session into firmware storage.
//
// The image written between Begin and End(true) must not become the boot
// image until End(true) returns nil. Abort and End(false) discard the session.
type Flasher interface {
	// Begin opens a session for exactly size bytes. It fails if the target
	// cannot hold the image.
	Begin(size int64) error
	// Write appends p and returns how many bytes were durably written.
	Write(p []byte) (int, error)
	// Abort discards the session. It is safe to call when no session is open.
	Abort()
	// End closes the session, activating the image when commit is true.
	End(commit bool) error
}

// Clock is a monotonic time source used for stall detection.
type Clock interface {
	Now() time.Duration
}

// ProgressFunc receives download progress as a whole percentage (0-100).
type ProgressFunc func(percent int)

type systemClock struct {
	start time.Time
}

// SystemClock returns a Clock backed by the runtime's monotonic clock.
func SystemClock() Clock {
	return systemClock{start: time.Now()}
}

func (c systemClock) Now() time.Duration {
	return time.Since(c.start)
}
