package firmwareserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/roundtouch/ota-agent/internal/flash"
	"github.com/roundtouch/ota-agent/internal/network"
	"github.com/roundtouch/ota-agent/internal/ota"
)

var testKey = []byte("pre-shared-test-key")

func nopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func writeBoard(t *testing.T, dir, board string, image []byte, version string) {
	t.Helper()
	boardDir := filepath.Join(dir, board)
	if err := os.MkdirAll(boardDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(boardDir, imageName), image, 0644); err != nil {
		t.Fatal(err)
	}
	if version != "" {
		if err := os.WriteFile(filepath.Join(boardDir, versionName), []byte(version+"\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func testImage(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	srv := New(Options{Dir: dir, SecretKey: testKey, Version: "2.1.0"}, nopLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, dir
}

func TestVersionEndpoint(t *testing.T) {
	_, ts, dir := newTestServer(t)
	image := testImage(5000)
	writeBoard(t, dir, "waveshare_s3_lcd_7", image, "")
	writeBoard(t, dir, "makerfabs_round_128", image[:10], "3.0.0")

	tests := []struct {
		board   string
		version string
		size    int64
		digest  string
	}{
		{"waveshare_s3_lcd_7", "2.1.0", 5000, ota.ComputeDigest(testKey, image)},
		{"makerfabs_round_128", "3.0.0", 10, ota.ComputeDigest(testKey, image[:10])},
	}
	for _, tt := range tests {
		t.Run(tt.board, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/api/version?board=" + tt.board)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			var got VersionResponse
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			want := VersionResponse{Version: tt.version, Size: tt.size, HMAC: tt.digest}
			if got != want {
				t.Errorf("got %+v, want %+v", got, want)
			}
		})
	}
}

func TestFirmwareEndpoint(t *testing.T) {
	_, ts, dir := newTestServer(t)
	image := testImage(9000)
	writeBoard(t, dir, "sim", image, "")

	resp, err := http.Get(ts.URL + "/api/firmware?board=sim")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.ContentLength != 9000 {
		t.Fatalf("status = %d, length = %d", resp.StatusCode, resp.ContentLength)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, image) {
		t.Error("body differs from image")
	}
}

func TestUnknownAndInvalidBoards(t *testing.T) {
	_, ts, dir := newTestServer(t)
	writeBoard(t, dir, "sim", testImage(10), "")
	os.WriteFile(filepath.Join(dir, "secret.bin"), []byte("x"), 0644)

	tests := []struct {
		query string
		code  int
	}{
		{"board=nope", http.StatusNotFound},
		{"", http.StatusBadRequest},
		{"board=..", http.StatusBadRequest},
		{"board=sim/../sim", http.StatusBadRequest},
	}
	for _, path := range []string{"/api/version", "/api/firmware"} {
		for _, tt := range tests {
			t.Run(path+"?"+tt.query, func(t *testing.T) {
				resp, err := http.Get(ts.URL + path + "?" + tt.query)
				if err != nil {
					t.Fatal(err)
				}
				defer resp.Body.Close()
				if resp.StatusCode != tt.code {
					t.Errorf("status = %d, want %d", resp.StatusCode, tt.code)
				}
				var body map[string]string
				json.NewDecoder(resp.Body).Decode(&body)
				if body["detail"] == "" {
					t.Error("missing detail")
				}
			})
		}
	}
}

func TestDigestCacheInvalidatedOnChange(t *testing.T) {
	srv, _, dir := newTestServer(t)
	writeBoard(t, dir, "sim", []byte("first"), "")
	path := filepath.Join(dir, "sim", imageName)

	info, _ := os.Stat(path)
	first, err := srv.digest(path, info)
	if err != nil {
		t.Fatal(err)
	}

	os.WriteFile(path, []byte("second image"), 0644)
	later := info.ModTime().Add(time.Second)
	os.Chtimes(path, later, later)
	info, _ = os.Stat(path)

	second, _ := srv.digest(path, info)
	if second == first || second != ota.ComputeDigest(testKey, []byte("second image")) {
		t.Error("digest not recomputed after the image changed")
	}
}

func TestBoards(t *testing.T) {
	srv, _, dir := newTestServer(t)
	writeBoard(t, dir, "a", []byte("x"), "")
	writeBoard(t, dir, "b", []byte("y"), "")
	os.MkdirAll(filepath.Join(dir, "empty"), 0755)

	boards, err := srv.Boards()
	if err != nil {
		t.Fatal(err)
	}
	if len(boards) != 2 || boards[0] != "a" || boards[1] != "b" {
		t.Errorf("boards = %v", boards)
	}
}

func newAgentSession(t *testing.T, baseURL string, key []byte, flasher ota.Flasher) *ota.Session {
	t.Helper()
	client := network.NewClient(network.Options{
		BoardID:         "sim",
		FirmwareVersion: "2.0.5",
		RetryMax:        1,
		RetryWaitMin:    time.Millisecond,
		RetryWaitMax:    time.Millisecond,
	}, nopLogger())
	s, err := ota.NewSession(ota.Config{
		BaseURL:        baseURL,
		BoardID:        "sim",
		SecretKey:      key,
		CurrentVersion: "2.0.5",
		Network:        client,
		Flasher:        flasher,
		ChunkSize:      1024,
		Logger:         nopLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAgentUpdatesFromServer(t *testing.T) {
	_, ts, dir := newTestServer(t)
	image := testImage(64 << 10)
	writeBoard(t, dir, "sim", image, "")

	flasher := flash.NewMemoryFlasher(1 << 20)
	s := newAgentSession(t, ts.URL, testKey, flasher)

	ok, err := s.CheckForUpdate(context.Background())
	if err != nil || !ok {
		t.Fatalf("CheckForUpdate = %v, %v", ok, err)
	}
	if err := s.PerformUpdate(context.Background()); err != nil {
		t.Fatalf("PerformUpdate: %v", err)
	}
	if s.Status() != ota.StatusSuccess {
		t.Errorf("status = %s", s.Status())
	}
	if !bytes.Equal(flasher.Image(), image) {
		t.Error("flashed image differs from served image")
	}
}

func TestAgentRejectsImageSignedWithOtherKey(t *testing.T) {
	_, ts, dir := newTestServer(t)
	writeBoard(t, dir, "sim", testImage(4096), "")

	flasher := flash.NewMemoryFlasher(1 << 20)
	s := newAgentSession(t, ts.URL, []byte("a different key"), flasher)

	if _, err := s.CheckForUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := s.PerformUpdate(context.Background())
	if !errors.Is(err, ota.ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
	if flasher.Commits() != 0 || flasher.Image() != nil {
		t.Error("image committed despite digest mismatch")
	}
}

func TestAgentInsufficientSpace(t *testing.T) {
	_, ts, dir := newTestServer(t)
	writeBoard(t, dir, "sim", testImage(4096), "")

	s := newAgentSession(t, ts.URL, testKey, flash.NewMemoryFlasher(1024))
	if _, err := s.CheckForUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.PerformUpdate(context.Background()); !errors.Is(err, ota.ErrInsufficientSpace) {
		t.Fatalf("expected ErrInsufficientSpace, got %v", err)
	}
}
