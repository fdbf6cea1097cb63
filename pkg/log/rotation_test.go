// Log rotation tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingFileWriterAppends(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "hapticd.log")

	w, err := NewRotatingFileWriter(RotationConfig{Filename: logFile, MaxSize: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewRotatingFileWriter: %v", err)
	}
	defer w.Close()

	msg := "frame dropped\n"
	n, err := w.Write([]byte(msg))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len(msg) {
		t.Fatalf("wrote %d bytes want %d", n, len(msg))
	}
	if w.CurrentSize() != int64(len(msg)) {
		t.Fatalf("size got %d want %d", w.CurrentSize(), len(msg))
	}
	data, _ := os.ReadFile(logFile)
	if string(data) != msg {
		t.Fatalf("file content got %q want %q", data, msg)
	}
}

func TestRotatingFileWriterRotatesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "hapticd.log")

	w, err := NewRotatingFileWriter(RotationConfig{Filename: logFile, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewRotatingFileWriter: %v", err)
	}
	defer w.Close()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < 4; i++ {
		stamp := base.Add(time.Duration(i) * time.Second)
		w.now = func() time.Time { return stamp }
		if _, err := w.Write([]byte("line\n")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if err := w.Rotate(); err != nil {
			t.Fatalf("rotate %d: %v", i, err)
		}
	}

	backups := w.Backups()
	if len(backups) != 2 {
		t.Fatalf("backups got %v want 2 entries", backups)
	}
	if !strings.HasSuffix(backups[1], "hapticd.20260102-030408.log") {
		t.Fatalf("newest backup got %s", backups[1])
	}
	if w.CurrentSize() != 0 {
		t.Fatalf("active file should be empty after rotation, size %d", w.CurrentSize())
	}
}

func TestRotatingFileWriterRequiresFilename(t *testing.T) {
	if _, err := NewRotatingFileWriter(RotationConfig{}); err == nil {
		t.Fatal("expected error for empty filename")
	}
}

func TestWriteAfterClose(t *testing.T) {
	w, err := NewRotatingFileWriter(RotationConfig{Filename: filepath.Join(t.TempDir(), "a.log")})
	if err != nil {
		t.Fatalf("NewRotatingFileWriter: %v", err)
	}
	w.Close()
	if _, err := w.Write([]byte("x")); err == nil {
		t.Fatal("expected error writing to closed writer")
	}
}
