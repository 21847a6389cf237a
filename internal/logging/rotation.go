package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// compressedExt is appended to backups that have been compressed.
const compressedExt = ".zst"

// RotationConfig holds configuration for log rotation.
type RotationConfig struct {
	// MaxSizeMB is the maximum size of a log file in megabytes before rotation.
	// A value of 0 disables rotation.
	MaxSizeMB int
	// MaxBackups is the number of old log files to keep.
	// A value of 0 keeps no backups.
	MaxBackups int
	// Compress determines whether rotated log files are zstd compressed.
	Compress bool
}

// DefaultRotationConfig returns a RotationConfig with sensible defaults.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		MaxSizeMB:  10,
		MaxBackups: 3,
		Compress:   false,
	}
}

// RotatingWriter writes to a file and rotates it once it exceeds a size
// limit. It is safe for concurrent use.
type RotatingWriter struct {
	mu sync.Mutex

	filePath   string
	maxSizeB   int64
	maxBackups int
	compress   bool

	file        *os.File
	currentSize int64

	// pending tracks background compressions so Close can wait for them.
	pending sync.WaitGroup
}

// NewRotatingWriter creates a new RotatingWriter that writes to the specified
// file path and rotates when the file exceeds config.MaxSizeMB megabytes.
//
// If MaxSizeMB is 0, rotation is disabled and the writer behaves like a
// regular append-only file writer.
func NewRotatingWriter(filePath string, config RotationConfig) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		filePath:   filePath,
		maxSizeB:   int64(config.MaxSizeMB) * 1024 * 1024,
		maxBackups: config.MaxBackups,
		compress:   config.Compress,
	}

	if err := rw.openFile(); err != nil {
		return nil, err
	}

	return rw, nil
}

// openFile opens the log file for appending. The caller must hold the mutex.
func (rw *RotatingWriter) openFile() error {
	if err := os.MkdirAll(filepath.Dir(rw.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(rw.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	rw.file = file
	rw.currentSize = info.Size()
	return nil
}

// Write implements io.Writer. Rotation happens before a write that would
// push the file past its limit.
func (rw *RotatingWriter) Write(p []byte) (n int, err error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, fmt.Errorf("log file is closed")
	}

	if rw.maxSizeB > 0 && rw.currentSize > 0 && rw.currentSize+int64(len(p)) > rw.maxSizeB {
		if err := rw.rotate(); err != nil {
			// Keep writing to whatever file is open rather than drop entries.
			fmt.Fprintf(os.Stderr, "Warning: log rotation failed: %v\n", err)
		}
		if rw.file == nil {
			return 0, fmt.Errorf("log file unavailable after rotation")
		}
	}

	n, err = rw.file.Write(p)
	rw.currentSize += int64(n)
	return n, err
}

// rotate closes the current file, shifts backups and opens a fresh file.
// The caller must hold the mutex.
func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	rw.file = nil

	rw.rotateBackups()

	if rw.maxBackups <= 0 {
		if err := os.Remove(rw.filePath); err != nil && !os.IsNotExist(err) {
			_ = rw.openFile()
			return fmt.Errorf("failed to discard log file: %w", err)
		}
		return rw.openFile()
	}

	backupPath := rw.backupPath(1)
	if err := os.Rename(rw.filePath, backupPath); err != nil {
		if openErr := rw.openFile(); openErr != nil {
			return fmt.Errorf("failed to rename log file and reopen: %w", openErr)
		}
		return fmt.Errorf("failed to rename log file: %w", err)
	}

	if rw.compress {
		rw.pending.Add(1)
		go func() {
			defer rw.pending.Done()
			compressFile(backupPath)
		}()
	}

	return rw.openFile()
}

// rotateBackups shifts backup files and removes the oldest.
// Files are numbered .1 (newest) to .N (oldest).
func (rw *RotatingWriter) rotateBackups() {
	if rw.maxBackups <= 0 {
		return
	}

	oldest := rw.backupPath(rw.maxBackups)
	_ = os.Remove(oldest)
	_ = os.Remove(oldest + compressedExt)

	for i := rw.maxBackups - 1; i >= 1; i-- {
		oldPath := rw.backupPath(i)
		newPath := rw.backupPath(i + 1)

		if _, err := os.Stat(oldPath + compressedExt); err == nil {
			_ = os.Rename(oldPath+compressedExt, newPath+compressedExt)
		} else if _, err := os.Stat(oldPath); err == nil {
			_ = os.Rename(oldPath, newPath)
		}
	}
}

// backupPath returns the path for a backup file with the given number.
func (rw *RotatingWriter) backupPath(n int) string {
	return fmt.Sprintf("%s.%d", rw.filePath, n)
}

// compressFile writes path+".zst" and removes the original on success.
// Errors go to stderr since this runs in the background.
func compressFile(path string) {
	src, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to open log file for compression %s: %v\n", path, err)
		return
	}
	defer func() { _ = src.Close() }()

	dstPath := path + compressedExt
	dst, err := os.Create(dstPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create compressed log file %s: %v\n", dstPath, err)
		return
	}

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		_ = dst.Close()
		_ = os.Remove(dstPath)
		fmt.Fprintf(os.Stderr, "Warning: failed to create zstd encoder: %v\n", err)
		return
	}

	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		_ = dst.Close()
		_ = os.Remove(dstPath)
		fmt.Fprintf(os.Stderr, "Warning: failed to write compressed log data to %s: %v\n", dstPath, err)
		return
	}
	if err := enc.Close(); err != nil {
		_ = dst.Close()
		_ = os.Remove(dstPath)
		fmt.Fprintf(os.Stderr, "Warning: failed to finalize compressed log file %s: %v\n", dstPath, err)
		return
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(dstPath)
		fmt.Fprintf(os.Stderr, "Warning: failed to close compressed log file %s: %v\n", dstPath, err)
		return
	}

	_ = os.Remove(path)
}

// Sync flushes any buffered data to the underlying file.
func (rw *RotatingWriter) Sync() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return nil
	}

	return rw.file.Sync()
}

// Close syncs and closes the file, then waits for in-flight compressions.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer func() {
		rw.mu.Unlock()
		rw.pending.Wait()
	}()

	if rw.file == nil {
		return nil
	}

	if err := rw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}

	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}

	rw.file = nil
	return nil
}

// CurrentSize returns the current size of the log file in bytes.
func (rw *RotatingWriter) CurrentSize() int64 {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.currentSize
}

// FilePath returns the path to the log file.
func (rw *RotatingWriter) FilePath() string {
	return rw.filePath
}
