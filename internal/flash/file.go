// Package flash provides ota.Flasher implementations.
//
// FileFlasher stages the incoming image in a temp file and activates it with
// an atomic rename on commit, so a device that loses power mid-transfer still
// boots the previous image. When the staging directory is on another
// filesystem the image is first copied into the image's directory and renamed
// from there; the active file is never rewritten in place. MemoryFlasher keeps
// the image in RAM for the simulator board and for tests.
package flash

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roundtouch/ota-agent/internal/ota"
	"github.com/shirou/gopsutil/v4/disk"
)

// Session errors shared by the flashers.
var (
	ErrSessionOpen     = errors.New("flash session already open")
	ErrNoSession       = errors.New("no flash session open")
	ErrNoSpace         = errors.New("not enough space for image")
	ErrSessionFull     = errors.New("write exceeds declared image size")
	ErrImageIncomplete = errors.New("image shorter than declared size")
)

// FreeSpaceFunc reports the free bytes on the filesystem holding path.
type FreeSpaceFunc func(path string) (uint64, error)

// DiskFree reports free space using gopsutil.
func DiskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// FileFlasher writes images to a file on disk.
type FileFlasher struct {
	imagePath  string
	stagingDir string
	freeSpace  FreeSpaceFunc
	rename     func(oldpath, newpath string) error
	logger     *slog.Logger

	tmp     *os.File
	size    int64
	written int64
}

var _ ota.Flasher = (*FileFlasher)(nil)

// NewFileFlasher creates a flasher that installs images at imagePath.
// stagingDir holds the in-progress image; "" selects imagePath's directory.
// A staging directory on another filesystem costs an extra copy at commit.
func NewFileFlasher(imagePath, stagingDir string, logger *slog.Logger) *FileFlasher {
	if stagingDir == "" {
		stagingDir = filepath.Dir(imagePath)
	}
	return &FileFlasher{
		imagePath:  imagePath,
		stagingDir: stagingDir,
		freeSpace:  DiskFree,
		rename:     os.Rename,
		logger:     logger.With(slog.String("component", "flash")),
	}
}

// SetFreeSpaceFunc replaces the free space probe.
func (f *FileFlasher) SetFreeSpaceFunc(fn FreeSpaceFunc) {
	f.freeSpace = fn
}

// Begin creates the staging file after checking that the staging and image
// filesystems can each hold size bytes.
func (f *FileFlasher) Begin(size int64) error {
	if f.tmp != nil {
		return ErrSessionOpen
	}
	if err := os.MkdirAll(f.stagingDir, 0755); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}

	dirs := []string{f.stagingDir}
	if imageDir := filepath.Dir(f.imagePath); filepath.Clean(imageDir) != filepath.Clean(f.stagingDir) {
		dirs = append(dirs, imageDir)
	}
	for _, dir := range dirs {
		free, err := f.freeSpace(dir)
		if err != nil {
			return fmt.Errorf("check free space: %w", err)
		}
		if free < uint64(size) {
			return fmt.Errorf("%w: need %d bytes, %d free in %s", ErrNoSpace, size, free, dir)
		}
	}

	tmp, err := createImageFile(f.stagingDir)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	f.tmp = tmp
	f.size = size
	f.written = 0

	f.logger.Debug("flash session started",
		slog.Int64("size", size),
		slog.String("staging_path", tmp.Name()),
	)
	return nil
}

// Write appends p to the staging file. Bytes past the declared size are
// refused with a short write.
func (f *FileFlasher) Write(p []byte) (int, error) {
	if f.tmp == nil {
		return 0, ErrNoSession
	}
	var overflow error
	if remaining := f.size - f.written; int64(len(p)) > remaining {
		p = p[:remaining]
		overflow = ErrSessionFull
	}
	n, err := f.tmp.Write(p)
	f.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("write staging file: %w", err)
	}
	return n, overflow
}

// Abort removes the staging file. The active image is untouched.
func (f *FileFlasher) Abort() {
	if f.tmp == nil {
		return
	}
	name := f.tmp.Name()
	f.tmp.Close()
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		f.logger.Warn("failed to remove staging file",
			slog.String("path", name),
			slog.String("error", err.Error()),
		)
	}
	f.logger.Info("flash session aborted", slog.Int64("written", f.written))
	f.tmp = nil
}

// End commits or discards the session. On commit the staging file is synced
// and renamed over the active image; until that rename succeeds the previous
// image remains in place.
func (f *FileFlasher) End(commit bool) error {
	if f.tmp == nil {
		return ErrNoSession
	}
	if !commit {
		f.Abort()
		return nil
	}
	if f.written != f.size {
		f.Abort()
		return fmt.Errorf("%w: %d of %d bytes", ErrImageIncomplete, f.written, f.size)
	}

	tmpPath := f.tmp.Name()

	// CRITICAL: Sync to disk before the rename makes the image active
	if err := f.tmp.Sync(); err != nil {
		f.Abort()
		return fmt.Errorf("sync staging file: %w", err)
	}
	if err := f.tmp.Close(); err != nil {
		f.tmp = nil
		os.Remove(tmpPath)
		return fmt.Errorf("close staging file: %w", err)
	}
	f.tmp = nil

	// Try atomic rename first (works on same filesystem)
	// Fall back to copy-then-rename if rename fails (cross-device link error)
	if err := f.rename(tmpPath, f.imagePath); err != nil {
		f.logger.Debug("rename failed, copying into image directory",
			slog.String("error", err.Error()),
		)
		copyErr := f.installCopy(tmpPath)
		os.Remove(tmpPath)
		if copyErr != nil {
			return fmt.Errorf("install image: %w", copyErr)
		}
	}
	syncDir(filepath.Dir(f.imagePath))

	f.logger.Info("image committed",
		slog.String("path", f.imagePath),
		slog.Int64("size", f.size),
	)
	return nil
}

// installCopy copies src to a synced temp file beside the active image and
// renames it into place.
func (f *FileFlasher) installCopy(src string) error {
	dst, err := createImageFile(filepath.Dir(f.imagePath))
	if err != nil {
		return fmt.Errorf("create install file: %w", err)
	}
	dstPath := dst.Name()

	copyErr := copyFile(src, dst)
	if err := dst.Close(); copyErr == nil && err != nil {
		copyErr = fmt.Errorf("close install file: %w", err)
	}
	if copyErr != nil {
		os.Remove(dstPath)
		return copyErr
	}

	if err := f.rename(dstPath, f.imagePath); err != nil {
		os.Remove(dstPath)
		return fmt.Errorf("rename install file: %w", err)
	}
	return nil
}

// createImageFile creates a hidden temp file in dir with image permissions.
func createImageFile(dir string) (*os.File, error) {
	tmp, err := os.CreateTemp(dir, ".firmware-update-*")
	if err != nil {
		return nil, err
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	return tmp, nil
}

// syncDir flushes a directory entry so a completed rename survives power loss.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

// copyFile copies src into dst and syncs it. dst is left open.
func copyFile(src string, dstFile *os.File) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer srcFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return fmt.Errorf("copy contents: %w", err)
	}
	if err := dstFile.Sync(); err != nil {
		return fmt.Errorf("sync destination: %w", err)
	}
	return nil
}
