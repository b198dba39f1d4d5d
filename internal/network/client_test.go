package network

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient() *Client {
	return NewClient(Options{
		BoardID:         "simulator",
		FirmwareVersion: "1.2.3",
		RetryMax:        2,
		RetryWaitMin:    time.Millisecond,
		RetryWaitMax:    5 * time.Millisecond,
	}, nopLogger())
}

func TestGet_ReturnsBufferedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/version" || r.URL.Query().Get("board") != "simulator" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if got := r.Header.Get("X-Device-Board"); got != "simulator" {
			t.Errorf("X-Device-Board = %q", got)
		}
		if got := r.Header.Get("X-Firmware-Version"); got != "1.2.3" {
			t.Errorf("X-Firmware-Version = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"version":"1.2.4","hmac":"ab","size":2}`)
	}))
	defer srv.Close()

	resp, err := testClient().Get(context.Background(), srv.URL+"/api/version?board=simulator")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if string(resp.Body) != `{"version":"1.2.4","hmac":"ab","size":2}` {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestGet_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"version":"1.0.0"}`)
	}))
	defer srv.Close()

	resp, err := testClient().Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 after retries", resp.StatusCode)
	}
	if calls.Load() != 3 {
		t.Errorf("server saw %d requests, want 3", calls.Load())
	}
}

func TestGet_PassesThroughFinalStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	resp, err := testClient().Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestGet_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	resp, err := testClient().Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound || calls.Load() != 1 {
		t.Errorf("status = %d after %d calls, want one 404", resp.StatusCode, calls.Load())
	}
}

func TestGet_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := testClient().Get(context.Background(), url); err == nil {
		t.Fatal("expected error for closed server")
	}
}

func TestOpenStream(t *testing.T) {
	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("board") == "missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	t.Run("declared length and body", func(t *testing.T) {
		stream, err := testClient().OpenStream(context.Background(), srv.URL+"/api/firmware?board=simulator")
		if err != nil {
			t.Fatalf("OpenStream: %v", err)
		}
		defer stream.Body.Close()

		if stream.StatusCode != http.StatusOK || stream.ContentLength != int64(len(payload)) {
			t.Fatalf("status %d length %d", stream.StatusCode, stream.ContentLength)
		}
		got, err := io.ReadAll(stream.Body)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(got) != len(payload) {
			t.Errorf("read %d bytes, want %d", len(got), len(payload))
		}
	})

	t.Run("non-200 is returned, not an error", func(t *testing.T) {
		stream, err := testClient().OpenStream(context.Background(), srv.URL+"/api/firmware?board=missing")
		if err != nil {
			t.Fatalf("OpenStream: %v", err)
		}
		defer stream.Body.Close()
		if stream.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", stream.StatusCode)
		}
	})
}
