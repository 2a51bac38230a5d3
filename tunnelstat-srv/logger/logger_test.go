package logger

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// captureOutput captures log output during test execution
func captureOutput(f func()) string {
	oldOutput := stdLogger.Writer()
	var buf bytes.Buffer
	stdLogger.SetOutput(&buf)
	defer stdLogger.SetOutput(oldOutput)

	f()
	return buf.String()
}

func TestSetLevel(t *testing.T) {
	tests := []struct {
		name  string
		level LogLevel
	}{
		{"set trace level", TRACE},
		{"set debug level", DEBUG},
		{"set info level", INFO},
		{"set warn level", WARN},
		{"set error level", ERROR},
		{"set fatal level", FATAL},
	}

	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.level)
			if GetLevel() != tt.level {
				t.Errorf("SetLevel() = %v, want %v", GetLevel(), tt.level)
			}
		})
	}
}

func TestGetLevelFromString(t *testing.T) {
	tests := []struct {
		levelStr      string
		expectedLevel LogLevel
	}{
		{"TRACE", TRACE},
		{"DEBUG", DEBUG},
		{"INFO", INFO},
		{"WARN", WARN},
		{"warning", WARN},
		{"ERROR", ERROR},
		{"FATAL", FATAL},
		{"debug", DEBUG},
		{" WaRn ", WARN},
		{"UNKNOWN", INFO},
		{"", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.levelStr, func(t *testing.T) {
			if got := GetLevelFromString(tt.levelStr); got != tt.expectedLevel {
				t.Errorf("GetLevelFromString(%q) = %v, want %v", tt.levelStr, got, tt.expectedLevel)
			}
		})
	}
}

func TestLevelToString(t *testing.T) {
	if got := levelToString(LogLevel(99)); got != "UNKNOWN" {
		t.Errorf("levelToString(99) = %q, want UNKNOWN", got)
	}
	if got := levelToString(TRACE); got != "TRACE" {
		t.Errorf("levelToString(TRACE) = %q, want TRACE", got)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	tests := []struct {
		name            string
		currentLevel    LogLevel
		log             func(string, ...any)
		shouldBePrinted bool
	}{
		{"trace with debug level", DEBUG, Trace, false},
		{"debug with debug level", DEBUG, Debug, true},
		{"info with debug level", DEBUG, Info, true},
		{"debug with info level", INFO, Debug, false},
		{"info with info level", INFO, Info, true},
		{"warn with info level", INFO, Warn, true},
		{"info with warn level", WARN, Info, false},
		{"warn with error level", ERROR, Warn, false},
		{"error with error level", ERROR, Error, true},
	}

	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.currentLevel)

			output := captureOutput(func() {
				tt.log("test message")
			})

			if tt.shouldBePrinted && output == "" {
				t.Errorf("expected log output, got none")
			}
			if !tt.shouldBePrinted && output != "" {
				t.Errorf("expected no log output, got %q", output)
			}
		})
	}
}

func TestLogFormatting(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)
	SetLevel(DEBUG)

	output := captureOutput(func() {
		Error("error: %v, code: %d", fmt.Errorf("test error"), 500)
	})

	if !strings.Contains(output, "[ERROR]") {
		t.Errorf("output does not contain level: %s", output)
	}
	if !strings.Contains(output, "error: test error, code: 500") {
		t.Errorf("output does not contain message: %s", output)
	}
}

func TestWithRequestID(t *testing.T) {
	tests := []struct {
		name           string
		requestID      string
		format         string
		args           []any
		expectedOutput string
	}{
		{"with request ID", "12345", "Tunnel to %s", []any{"example.com:443"}, "[12345] Tunnel to example.com:443"},
		{"empty request ID", "", "Test message %s", []any{"arg"}, "[] Test message arg"},
		{"multiple format args", "abc", "Test %s %d", []any{"message", 42}, "[abc] Test message 42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if output := WithRequestID(tt.requestID, tt.format, tt.args...); output != tt.expectedOutput {
				t.Errorf("WithRequestID() = %q, want %q", output, tt.expectedOutput)
			}
		})
	}
}

func TestUseFile(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)
	SetLevel(INFO)

	path := filepath.Join(t.TempDir(), "tunnelstat.log")
	closer := UseFile(FileOptions{Path: path, MaxSizeMB: 1})
	Info("written to %s", "file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "[INFO] written to file") {
		t.Errorf("log file content = %q", string(data))
	}
}
