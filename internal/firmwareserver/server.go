// Package firmwareserver serves firmware images and their signed metadata to
// OTA agents.
//
// Images live one directory per board:
//
//	<dir>/<board>/firmware.bin
//	<dir>/<board>/version        optional, overrides the default version
//
// GET /api/version?board=<id> answers {"version","size","hmac"}, where hmac is
// the lowercase hex HMAC-SHA256 of the image under the pre-shared key.
// GET /api/firmware?board=<id> streams the image with its Content-Length.
// Unknown boards get 404 with a {"detail": "..."} body.
package firmwareserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	imageName   = "firmware.bin"
	versionName = "version"
)

var errInvalidBoard = errors.New("invalid board identifier")

// Options configures a Server.
type Options struct {
	// Dir holds one subdirectory per board.
	Dir string
	// SecretKey signs every image.
	SecretKey []byte
	// Version is reported for boards without a version file.
	Version string
}

// Server answers version and firmware requests.
type Server struct {
	dir     string
	key     []byte
	version string
	logger  *slog.Logger

	mu      sync.Mutex
	digests map[string]cachedDigest
}

// cachedDigest is valid while the image keeps its size and mtime.
type cachedDigest struct {
	size    int64
	modTime time.Time
	hex     string
}

// VersionResponse is the /api/version body.
type VersionResponse struct {
	Version string `json:"version"`
	Size    int64  `json:"size"`
	HMAC    string `json:"hmac"`
}

// New creates a server.
func New(opts Options, logger *slog.Logger) *Server {
	return &Server{
		dir:     opts.Dir,
		key:     opts.SecretKey,
		version: opts.Version,
		logger:  logger.With(slog.String("component", "firmwareserver")),
		digests: make(map[string]cachedDigest),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/firmware", s.handleFirmware)
	return s.logRequests(mux)
}

// Boards lists the board directories holding an image.
func (s *Server) Boards() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read firmware directory: %w", err)
	}
	var boards []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, e.Name(), imageName)); err == nil {
			boards = append(boards, e.Name())
		}
	}
	return boards, nil
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	board, path, info, ok := s.lookup(w, r)
	if !ok {
		return
	}

	digest, err := s.digest(path, info)
	if err != nil {
		s.logger.Error("failed to sign image",
			slog.String("board", board),
			slog.String("error", err.Error()),
		)
		writeDetail(w, http.StatusInternalServerError, "failed to read firmware")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(VersionResponse{
		Version: s.boardVersion(board),
		Size:    info.Size(),
		HMAC:    digest,
	})
}

func (s *Server) handleFirmware(w http.ResponseWriter, r *http.Request) {
	_, path, info, ok := s.lookup(w, r)
	if !ok {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to open firmware")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+imageName)
	http.ServeContent(w, r, imageName, info.ModTime(), f)
}

// lookup resolves the board query to its image, writing the error response
// when it cannot.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (string, string, os.FileInfo, bool) {
	board := r.URL.Query().Get("board")
	if err := validBoard(board); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return "", "", nil, false
	}

	path := filepath.Join(s.dir, board, imageName)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		writeDetail(w, http.StatusNotFound, "No firmware for board: "+board)
		return "", "", nil, false
	}
	return board, path, info, true
}

func validBoard(board string) error {
	if board == "" || board == "." || strings.Contains(board, "..") || strings.ContainsAny(board, `/\`) {
		return errInvalidBoard
	}
	return nil
}

func (s *Server) boardVersion(board string) string {
	data, err := os.ReadFile(filepath.Join(s.dir, board, versionName))
	if err != nil {
		return s.version
	}
	if v := strings.TrimSpace(string(data)); v != "" {
		return v
	}
	return s.version
}

// digest returns the image's HMAC, reusing the last result while the file is
// unchanged.
func (s *Server) digest(path string, info os.FileInfo) (string, error) {
	s.mu.Lock()
	cached, ok := s.digests[path]
	s.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.hex, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	mac := hmac.New(sha256.New, s.key)
	if _, err := io.Copy(mac, f); err != nil {
		return "", err
	}
	sum := hex.EncodeToString(mac.Sum(nil))

	s.mu.Lock()
	s.digests[path] = cachedDigest{size: info.Size(), modTime: info.ModTime(), hex: sum}
	s.mu.Unlock()
	return sum, nil
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("board", r.URL.Query().Get("board")),
			slog.String("device_version", r.Header.Get("X-Firmware-Version")),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
