package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"loud", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBuildWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	l := Build(Options{Level: "info", Output: path, MaxSize: 1})
	l.Info("written to file", zap.String("api", "orders"))
	l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	for _, want := range []string{`"api":"orders"`, `"timestamp"`, `"caller"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("expected %s in log file, got %s", want, data)
		}
	}
}

func TestBuildFiltersLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	l := Build(Options{Level: "error", Format: "console", Output: path})
	l.Info("dropped")
	l.Error("kept")
	l.Sync()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "dropped") {
		t.Error("info entry should be filtered at error level")
	}
	if !strings.Contains(string(data), "kept") {
		t.Error("error entry should be written")
	}
}

func TestGlobalHelpers(t *testing.T) {
	original := Global()
	core, obs := observer.New(zapcore.InfoLevel)
	SetGlobal(zap.New(core, zap.AddCaller()))
	defer SetGlobal(original)

	Info("started", zap.String("store", "memory"))
	Error("failed")

	entries := obs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "started" || entries[0].ContextMap()["store"] != "memory" {
		t.Errorf("unexpected entry %+v", entries[0])
	}
	if entries[1].Level != zapcore.ErrorLevel {
		t.Errorf("expected error level, got %v", entries[1].Level)
	}
	if !strings.HasSuffix(entries[0].Caller.File, "logger_test.go") {
		t.Errorf("caller should be the test, got %s", entries[0].Caller.File)
	}
}
