// Structured logging tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestLogger(buf *bytes.Buffer) *Logger {
	logger := New("plc")
	logger.SetWriter(buf)
	logger.SetLevel(DEBUG)
	logger.SetColorize(false)
	return logger
}

func TestLoggerBasic(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	logger.Info("connected to %s", "10.0.0.5:502")

	output := buf.String()
	if !strings.Contains(output, "[INFO ]") {
		t.Errorf("expected INFO level, got: %s", output)
	}
	if !strings.Contains(output, "plc:") {
		t.Errorf("expected prefix 'plc:', got: %s", output)
	}
	if !strings.Contains(output, "connected to 10.0.0.5:502") {
		t.Errorf("expected formatted message, got: %s", output)
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	logger.SetLevel(WARN)

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() != 0 {
		t.Errorf("expected DEBUG and INFO to be filtered, got: %s", buf.String())
	}

	logger.Warn("warn message")
	if !strings.Contains(buf.String(), "warn message") {
		t.Errorf("expected WARN to pass, got: %s", buf.String())
	}
}

func TestLoggerJSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	logger.SetFormat(FormatJSON)

	logger.WithField("start", 200).WithField("count", 100).Debug("chunk read")

	var entry JSONLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v, output: %s", err, buf.String())
	}
	if entry.Level != "DEBUG" || entry.Logger != "plc" || entry.Message != "chunk read" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Fields["start"] != float64(200) || entry.Fields["count"] != float64(100) {
		t.Fatalf("unexpected fields: %v", entry.Fields)
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	logger.WithError(&testError{"handshake mismatch"}).Error("reconnect failed")

	if !strings.Contains(buf.String(), "error=handshake mismatch") {
		t.Errorf("expected error field, got: %s", buf.String())
	}
}

type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}

func TestWithPrefixSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	child := logger.WithPrefix("transport")
	logger.SetLevel(ERROR)
	child.Info("filtered by parent level")
	if buf.Len() != 0 {
		t.Fatalf("child should follow parent level, got: %s", buf.String())
	}

	child.Error("chunk failed")
	if !strings.Contains(buf.String(), "transport:") {
		t.Errorf("expected prefix 'transport:', got: %s", buf.String())
	}
}

func TestWithAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf).With(Fields{"unit": 1})

	logger.Info("validated")

	if !strings.Contains(buf.String(), "unit=1") {
		t.Errorf("expected persistent field, got: %s", buf.String())
	}
}

func TestLoggerCaller(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	logger.SetCaller(true)

	logger.Info("caller test")
	logger.WithField("k", "v").Info("entry caller test")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !strings.Contains(line, "logger_test.go:") {
			t.Errorf("expected caller info 'logger_test.go:', got: %s", line)
		}
	}
}

func TestSetHandlerRoutesToSlog(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&bytes.Buffer{})
	logger.SetHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger.WithField("index", 4).Warn("negative duration clamped")

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("failed to parse slog output: %v (%s)", err, buf.String())
	}
	if rec["msg"] != "negative duration clamped" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if rec["level"] != "WARN" {
		t.Errorf("level = %v", rec["level"])
	}
	if rec["component"] != "plc" {
		t.Errorf("component = %v", rec["component"])
	}
	if rec["index"] != float64(4) {
		t.Errorf("index = %v", rec["index"])
	}
}

func TestSystemHandlerWithoutSinks(t *testing.T) {
	h := NewSystemHandler(SinkOptions{Level: INFO})
	if h == nil {
		t.Fatal("expected handler")
	}
	if err := h.Handle(context.Background(), slog.NewRecord(time.Time{}, slog.LevelInfo, "dropped", 0)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func TestToJournalKey(t *testing.T) {
	if got := toJournalKey("chunk.start-addr"); got != "CHUNK_START_ADDR" {
		t.Fatalf("toJournalKey = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"DEBUG", DEBUG},
		{"info", INFO},
		{"WARNING", WARN},
		{"error", ERROR},
		{"invalid", INFO},
		{"", INFO},
	}

	for _, tt := range tests {
		if result := ParseLevel(tt.input); result != tt.expected {
			t.Errorf("ParseLevel(%q) = %v, expected %v", tt.input, result, tt.expected)
		}
	}
}

func TestGetLogger(t *testing.T) {
	logger := GetLogger("codec")
	if logger == nil {
		t.Fatal("expected logger, got nil")
	}
	if logger.Prefix() != "codec" {
		t.Errorf("expected prefix 'codec', got %q", logger.Prefix())
	}
}

func BenchmarkLoggerFiltered(b *testing.B) {
	logger := New("bench")
	logger.SetWriter(&bytes.Buffer{})
	logger.SetLevel(ERROR)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Debug("register %d", i)
	}
}
