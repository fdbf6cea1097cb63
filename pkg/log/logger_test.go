// Structured logging tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer, format OutputFormat) *Logger {
	l := New("test")
	l.SetWriter(buf)
	l.SetColorize(false)
	l.SetFormat(format)
	l.SetLevel(DEBUG)
	return l
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v, output: %s", err, buf.String())
	}
	return entry
}

func TestLoggerText(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, FormatText)

	logger.Info("hello %s", "world")

	output := buf.String()
	if !strings.Contains(output, "INF") {
		t.Errorf("expected INF level, got: %s", output)
	}
	if !strings.Contains(output, "test: hello world") {
		t.Errorf("expected prefixed message, got: %s", output)
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, FormatText)
	logger.SetLevel(INFO)

	logger.Debug("debug message")
	if buf.Len() != 0 {
		t.Errorf("expected DEBUG to be filtered, got: %s", buf.String())
	}

	for _, fn := range []func(string, ...interface{}){logger.Info, logger.Warn, logger.Error} {
		buf.Reset()
		fn("passes")
		if !strings.Contains(buf.String(), "passes") {
			t.Errorf("expected message to pass at level %v, got: %s", logger.GetLevel(), buf.String())
		}
	}
}

func TestLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, FormatJSON)

	logger.Warn("channel %s closed", "COM3")

	entry := decodeLine(t, &buf)
	if entry["level"] != "warn" {
		t.Errorf("level got %v want warn", entry["level"])
	}
	if entry["logger"] != "test" {
		t.Errorf("logger got %v want test", entry["logger"])
	}
	if entry["message"] != "channel COM3 closed" {
		t.Errorf("message got %v", entry["message"])
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, FormatText)

	logger.WithField("module", "rotor").Info("frame sent")

	if !strings.Contains(buf.String(), "module=rotor") {
		t.Errorf("expected field module=rotor, got: %s", buf.String())
	}
}

func TestEntryFieldsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, FormatJSON)

	logger.WithFields(Fields{"module": "rotor"}).
		WithField("bytes", 19).
		WithError(errors.New("write timeout")).
		Error("send failed")

	entry := decodeLine(t, &buf)
	if entry["module"] != "rotor" {
		t.Errorf("module got %v", entry["module"])
	}
	if entry["bytes"] != float64(19) {
		t.Errorf("bytes got %v", entry["bytes"])
	}
	if entry["error"] != "write timeout" {
		t.Errorf("error got %v", entry["error"])
	}
}

func TestLoggerWithPrefix(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, FormatText)

	logger.WithPrefix("device").Info("ready")

	if !strings.Contains(buf.String(), "device: ready") {
		t.Errorf("expected child prefix, got: %s", buf.String())
	}
}

func TestLoggerCaller(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, FormatJSON)
	logger.SetCaller(true)

	logger.Info("caller test")

	entry := decodeLine(t, &buf)
	caller, _ := entry["caller"].(string)
	if !strings.HasPrefix(caller, "logger_test.go:") {
		t.Errorf("caller got %q", caller)
	}
}

func TestParseLevelAndFormat(t *testing.T) {
	cases := map[string]LogLevel{"debug": DEBUG, "WARNING": WARN, "error": ERROR, "bogus": INFO}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) got %v want %v", in, got, want)
		}
	}
	if ParseFormat("JSON") != FormatJSON || ParseFormat("text") != FormatText {
		t.Error("ParseFormat mismatch")
	}
}

func TestSetupWithFile(t *testing.T) {
	defaultMu.RLock()
	prev := defaultLogger
	defaultMu.RUnlock()
	defer SetDefaultLogger(prev)

	path := filepath.Join(t.TempDir(), "hapticd.log")
	closer, err := Setup(Options{Level: INFO, Format: FormatJSON, Rotation: &RotationConfig{Filename: path}})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer closer.Close()

	l := GetLogger("bridge")
	if l.Prefix() != "bridge" {
		t.Fatalf("prefix got %q", l.Prefix())
	}
	if l.GetLevel() != INFO {
		t.Fatalf("level got %v", l.GetLevel())
	}
}
