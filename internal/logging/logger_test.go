package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WARN, false)
	logger.SetOutput(&buf)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("messages below WARN should be filtered, got %q", out)
	}
	if !strings.Contains(out, "WARN: warn message") || !strings.Contains(out, "ERROR: error message") {
		t.Errorf("expected warn and error lines, got %q", out)
	}
}

func TestLoggerWithFieldJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DEBUG, true)
	logger.SetOutput(&buf)

	logger.WithField("serial", "emulator-5554").Info("rebooting", map[string]interface{}{"kind": "full"})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry.Level != "INFO" || entry.Message != "rebooting" {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.Fields["serial"] != "emulator-5554" || entry.Fields["kind"] != "full" {
		t.Errorf("expected merged fields, got %v", entry.Fields)
	}
}

func TestWithFieldSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(INFO, false)
	logger.SetOutput(&buf)
	child := logger.WithField("serial", "abc")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			child.Info("line")
		}()
	}
	wg.Wait()

	if got := strings.Count(buf.String(), "serial=abc"); got != 10 {
		t.Errorf("expected 10 lines with serial field, got %d", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"error", ERROR},
		{"bogus", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, expected %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFileLoggerMirrorsToConsole(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	logger, err := NewFileLogger(dir, "devicectl", INFO, false, &console)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	defer logger.Close()

	logger.Info("device allocated", map[string]interface{}{"serial": "A1"})

	path := filepath.Join(dir, "devicectl.log")
	if logger.LogPath() != path {
		t.Errorf("LogPath = %q, expected %q", logger.LogPath(), path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "device allocated serial=A1") {
		t.Errorf("log file missing entry: %q", data)
	}
	if !strings.Contains(console.String(), "device allocated serial=A1") {
		t.Errorf("console missing entry: %q", console.String())
	}
}

func TestRotateIfNeeded(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(dir, "serve", INFO, false, nil)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	defer logger.Close()

	logger.Info(strings.Repeat("x", 64))
	if err := logger.RotateIfNeeded(1 << 20); err != nil {
		t.Fatalf("RotateIfNeeded below limit: %v", err)
	}
	if matches, _ := filepath.Glob(filepath.Join(dir, "serve.log.*")); len(matches) != 0 {
		t.Fatalf("rotated below the limit: %v", matches)
	}

	if err := logger.RotateIfNeeded(16); err != nil {
		t.Fatalf("RotateIfNeeded: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "serve.log.*"))
	if len(matches) != 1 {
		t.Fatalf("expected one rotated file, got %v", matches)
	}

	logger.Info("after rotation")
	data, err := os.ReadFile(filepath.Join(dir, "serve.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(data), "xxxx") || !strings.Contains(string(data), "after rotation") {
		t.Errorf("new log file should only hold post-rotation lines, got %q", data)
	}
}

func TestCloseFallsBackToConsole(t *testing.T) {
	var console bytes.Buffer
	logger, err := NewFileLogger(t.TempDir(), "devicectl", INFO, false, &console)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	logger.Warn("still visible")
	if !strings.Contains(console.String(), "still visible") {
		t.Errorf("expected console output after Close, got %q", console.String())
	}
	if logger.LogPath() != "" {
		t.Errorf("LogPath after Close = %q", logger.LogPath())
	}
}
