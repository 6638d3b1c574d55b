package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" DEBUG ", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_StderrRespectsLevel(t *testing.T) {
	t.Setenv(EnvLevel, "")
	t.Setenv(EnvFile, "")
	var buf bytes.Buffer
	logger, closeFn := New(Options{Level: "warn", Stderr: &buf})
	defer closeFn()

	logger.Info("hidden")
	logger.Warn("shown", "contact", 7)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Expected info line to be filtered, got: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "contact=7") {
		t.Errorf("Expected warn line with attrs, got: %q", out)
	}
}

func TestNew_EnvLevel(t *testing.T) {
	t.Setenv(EnvLevel, "debug")
	t.Setenv(EnvFile, "")
	var buf bytes.Buffer
	logger, closeFn := New(Options{Stderr: &buf})
	defer closeFn()

	logger.Debug("trace")
	if !strings.Contains(buf.String(), "trace") {
		t.Errorf("Expected debug output from env level, got: %q", buf.String())
	}
}

func TestNew_FileSink(t *testing.T) {
	t.Setenv(EnvLevel, "")
	path := filepath.Join(t.TempDir(), "deskchat.log")
	t.Setenv(EnvFile, path)

	var buf bytes.Buffer
	logger, closeFn := New(Options{Quiet: true, Stderr: &buf})
	logger.Info("to file")
	if err := closeFn(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("Expected line in file, got: %q", string(data))
	}
	if buf.Len() != 0 {
		t.Errorf("Expected nothing on stderr, got: %q", buf.String())
	}
}

func TestNew_QuietDiscards(t *testing.T) {
	t.Setenv(EnvLevel, "")
	t.Setenv(EnvFile, "")
	var buf bytes.Buffer
	logger, closeFn := New(Options{Quiet: true, Stderr: &buf})
	defer closeFn()

	logger.Error("nope")
	if buf.Len() != 0 {
		t.Errorf("Expected quiet logger to discard, got: %q", buf.String())
	}
}
