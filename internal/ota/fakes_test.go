// fakes_test.go provides in-memory Network, Flasher, Clock and stream fakes
// for the ota tests.
package ota

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var testKey = []byte("pre-shared-test-key")

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeNetwork serves a canned version response and a stream built per call.
type fakeNetwork struct {
	versionStatus int
	versionBody   string
	versionErr    error

	stream    func() *Stream
	streamErr error

	gets    []string
	streams []string
}

func (n *fakeNetwork) Get(ctx context.Context, url string) (*Response, error) {
	n.gets = append(n.gets, url)
	if n.versionErr != nil {
		return nil, n.versionErr
	}
	return &Response{StatusCode: n.versionStatus, Body: []byte(n.versionBody)}, nil
}

func (n *fakeNetwork) OpenStream(ctx context.Context, url string) (*Stream, error) {
	n.streams = append(n.streams, url)
	if n.streamErr != nil {
		return nil, n.streamErr
	}
	return n.stream(), nil
}

// recordingFlasher keeps every accepted byte and every session call.
type recordingFlasher struct {
	mu sync.Mutex

	beginErr error
	endErr   error
	// acceptLimit, when > 0, caps the total bytes the flasher will accept;
	// the write crossing it is short.
	acceptLimit int

	begins  []int64
	data    bytes.Buffer
	writes  int
	aborts  int
	ends    []bool
	writing bool
}

func (f *recordingFlasher) Begin(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begins = append(f.begins, size)
	if f.beginErr != nil {
		return f.beginErr
	}
	f.writing = true
	return nil
}

func (f *recordingFlasher) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if !f.writing {
		return 0, errors.New("no open session")
	}
	n := len(p)
	if f.acceptLimit > 0 && f.data.Len()+n > f.acceptLimit {
		n = f.acceptLimit - f.data.Len()
	}
	f.data.Write(p[:n])
	return n, nil
}

func (f *recordingFlasher) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	f.writing = false
}

func (f *recordingFlasher) End(commit bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, commit)
	f.writing = false
	return f.endErr
}

func (f *recordingFlasher) committed() int {
	n := 0
	for _, c := range f.ends {
		if c {
			n++
		}
	}
	return n
}

// chunkedReader returns data in the given chunk sizes, cycling through them,
// then EOF. With hang set it blocks instead of returning EOF until closed.
type chunkedReader struct {
	data   []byte
	sizes  []int
	next   int
	hang   bool
	closed chan struct{}
	once   sync.Once
	closes atomic.Int32
}

func newChunkedReader(data []byte, sizes ...int) *chunkedReader {
	if len(sizes) == 0 {
		sizes = []int{len(data)}
	}
	return &chunkedReader{data: data, sizes: sizes, closed: make(chan struct{})}
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		if r.hang {
			<-r.closed
			return 0, errors.New("read on closed body")
		}
		return 0, io.EOF
	}
	select {
	case <-r.closed:
		return 0, errors.New("read on closed body")
	default:
	}
	size := r.sizes[r.next%len(r.sizes)]
	r.next++
	if size > len(p) {
		size = len(p)
	}
	if size > len(r.data) {
		size = len(r.data)
	}
	n := copy(p, r.data[:size])
	r.data = r.data[n:]
	return n, nil
}

func (r *chunkedReader) Close() error {
	r.closes.Add(1)
	r.once.Do(func() { close(r.closed) })
	return nil
}

func okStream(body io.ReadCloser, length int64) *Stream {
	return &Stream{StatusCode: 200, ContentLength: length, Body: body}
}

// stepClock advances by step on every reading.
type stepClock struct {
	mu   sync.Mutex
	now  time.Duration
	step time.Duration
}

func (c *stepClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += c.step
	return c.now
}

func testImage(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i*7 + i/251)
	}
	return img
}
