// Size-based log file rotation
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const rotationStamp = "20060102-150405"

// RotationConfig configures log file rotation.
type RotationConfig struct {
	// Filename is the path to the active log file.
	Filename string

	// MaxSize is the size in megabytes that triggers rotation (default 10).
	MaxSize int

	// MaxBackups is the number of rotated files kept (default 5).
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool
}

// RotatingFileWriter is an io.WriteCloser that rotates its file by size.
type RotatingFileWriter struct {
	mu          sync.Mutex
	cfg         RotationConfig
	maxBytes    int64
	currentSize int64
	file        *os.File
	now         func() time.Time
}

// NewRotatingFileWriter opens (or creates) the configured file for appending.
func NewRotatingFileWriter(cfg RotationConfig) (*RotatingFileWriter, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("log: rotation filename is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	w := &RotatingFileWriter{
		cfg:      cfg,
		maxBytes: int64(cfg.MaxSize) << 20,
		now:      time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFileWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.cfg.Filename), 0o755); err != nil {
		return fmt.Errorf("log: create directory: %w", err)
	}
	f, err := os.OpenFile(w.cfg.Filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("log: open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("log: stat file: %w", err)
	}
	w.file = f
	w.currentSize = info.Size()
	return nil
}

// Write implements io.Writer.
func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.currentSize > 0 && w.currentSize+int64(len(p)) > w.maxBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.currentSize += int64(n)
	return n, err
}

// Rotate forces a rotation regardless of the current size.
func (w *RotatingFileWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

func (w *RotatingFileWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("log: close for rotation: %w", err)
	}
	ext := filepath.Ext(w.cfg.Filename)
	base := strings.TrimSuffix(w.cfg.Filename, ext)
	rotated := fmt.Sprintf("%s.%s%s", base, w.now().Format(rotationStamp), ext)
	if err := os.Rename(w.cfg.Filename, rotated); err != nil {
		_ = w.open()
		return fmt.Errorf("log: rename for rotation: %w", err)
	}
	if w.cfg.Compress {
		if err := gzipFile(rotated); err != nil {
			fmt.Fprintf(os.Stderr, "log: compress %s: %v\n", rotated, err)
		}
	}
	w.pruneLocked()
	return w.open()
}

func gzipFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(name + ".gz")
		return err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}

// Backups returns rotated files, oldest first.
func (w *RotatingFileWriter) Backups() []string {
	dir := filepath.Dir(w.cfg.Filename)
	ext := filepath.Ext(w.cfg.Filename)
	prefix := strings.TrimSuffix(filepath.Base(w.cfg.Filename), ext) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		stamp := strings.TrimPrefix(name, prefix)
		stamp = strings.TrimSuffix(strings.TrimSuffix(stamp, ".gz"), ext)
		if _, err := time.Parse(rotationStamp, stamp); err != nil {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	// Timestamped names sort chronologically.
	sort.Strings(out)
	return out
}

func (w *RotatingFileWriter) pruneLocked() {
	backups := w.Backups()
	for len(backups) > w.cfg.MaxBackups {
		os.Remove(backups[0])
		backups = backups[1:]
	}
}

// Close closes the active file.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// CurrentSize returns the size of the active file.
func (w *RotatingFileWriter) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentSize
}
