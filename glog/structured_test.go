package glog

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

func TestNewStructuredLogger(t *testing.T) {
	logger := NewStructuredLogger(nil, INFO)
	if logger == nil {
		t.Error("expected logger to be created")
	}
	if logger.level != INFO {
		t.Errorf("expected level to be INFO, got %v", logger.level)
	}
}

func readLines(t *testing.T, f *os.File) []string {
	t.Helper()
	f.Seek(0, 0)
	content, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	var lines []string
	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func TestStructuredLoggerLogging(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test_log")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	logger := NewStructuredLogger(tmpFile, DEBUG)

	logger.DebugStructured("debug message", map[string]interface{}{"debug_key": "debug_value"})
	logger.InfoStructured("info message", map[string]interface{}{"info_key": "info_value"})
	logger.WarnStructured("warning message", map[string]interface{}{"warn_key": "warn_value"})

	testErr := &testError{message: "test error"}
	logger.ErrorStructured("error message", testErr, map[string]interface{}{"error_key": "error_value"})

	lines := readLines(t, tmpFile)
	if len(lines) != 4 {
		t.Fatalf("expected 4 log lines, got %d", len(lines))
	}

	for _, line := range lines {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Errorf("failed to unmarshal log entry: %v", err)
		}
		if entry["message"] == "" || entry["message"] == nil {
			t.Error("expected log entry to have a message")
		}
		if entry["level"] == "" || entry["level"] == nil {
			t.Error("expected log entry to have a level")
		}
	}
}

func TestStructuredLoggerLevelFiltering(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test_log")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	logger := NewStructuredLogger(tmpFile, INFO)

	logger.DebugStructured("debug message", nil) // filtered out
	logger.InfoStructured("info message", nil)

	lines := readLines(t, tmpFile)
	if len(lines) != 1 {
		t.Errorf("expected 1 log entry, got %d", len(lines))
	}
}

func TestPerformanceLogging(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test_log")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	logger := NewStructuredLogger(tmpFile, INFO)

	duration := 100 * time.Millisecond
	logger.LogPerformance("test_operation", duration, map[string]interface{}{
		"custom_field": "custom_value",
	})

	lines := readLines(t, tmpFile)
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}

	if entry["message"] != "Performance measurement" {
		t.Errorf("expected message 'Performance measurement', got '%v'", entry["message"])
	}
	if entry["operation"] != "test_operation" {
		t.Errorf("expected operation 'test_operation', got '%v'", entry["operation"])
	}
	if entry["duration_ms"] != float64(100) {
		t.Errorf("expected duration_ms 100, got %v", entry["duration_ms"])
	}
	if entry["custom_field"] != "custom_value" {
		t.Errorf("expected custom_field 'custom_value', got '%v'", entry["custom_field"])
	}
}

func TestConnectionLogging(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test_log")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	logger := NewStructuredLogger(tmpFile, INFO)

	logger.LogConnection("localhost:3389", true, 50*time.Millisecond, nil)
	testErr := &testError{message: "connection failed"}
	logger.LogConnection("invalid:9999", false, 5*time.Second, testErr)

	lines := readLines(t, tmpFile)
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}

	var successEntry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &successEntry); err != nil {
		t.Fatalf("failed to unmarshal success log entry: %v", err)
	}
	if successEntry["message"] != "Connection established" {
		t.Errorf("expected message 'Connection established', got '%v'", successEntry["message"])
	}
	if successEntry["address"] != "localhost:3389" {
		t.Errorf("expected address 'localhost:3389', got '%v'", successEntry["address"])
	}
	if successEntry["success"] != true {
		t.Errorf("expected success true, got %v", successEntry["success"])
	}

	var failureEntry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &failureEntry); err != nil {
		t.Fatalf("failed to unmarshal failure log entry: %v", err)
	}
	if failureEntry["message"] != "Connection failed" {
		t.Errorf("expected message 'Connection failed', got '%v'", failureEntry["message"])
	}
	if failureEntry["success"] != false {
		t.Errorf("expected success false, got %v", failureEntry["success"])
	}
	if failureEntry["error"] != "connection failed" {
		t.Errorf("expected error 'connection failed', got '%v'", failureEntry["error"])
	}
}

func TestInputLogging(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test_log")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	logger := NewStructuredLogger(tmpFile, DEBUG)

	logger.LogInput("keyboard", "a", map[string]interface{}{"key_code": 65})

	lines := readLines(t, tmpFile)
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}

	if entry["message"] != "Input event" {
		t.Errorf("expected message 'Input event', got '%v'", entry["message"])
	}
	if entry["input_type"] != "keyboard" {
		t.Errorf("expected input_type 'keyboard', got '%v'", entry["input_type"])
	}
	if entry["data"] != "a" {
		t.Errorf("expected data 'a', got '%v'", entry["data"])
	}
	if entry["key_code"] != float64(65) {
		t.Errorf("expected key_code 65, got %v", entry["key_code"])
	}
}

func TestChannelJoinLogging(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test_log")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	logger := NewStructuredLogger(tmpFile, DEBUG)

	logger.LogChannelJoin(1007, false, map[string]interface{}{"reason": "not I/O channel"})

	lines := readLines(t, tmpFile)
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}

	if entry["message"] != "Channel join" {
		t.Errorf("expected message 'Channel join', got '%v'", entry["message"])
	}
	if entry["channel_id"] != float64(1007) {
		t.Errorf("expected channel_id 1007, got %v", entry["channel_id"])
	}
	if entry["accepted"] != false {
		t.Errorf("expected accepted false, got %v", entry["accepted"])
	}
	if entry["reason"] != "not I/O channel" {
		t.Errorf("expected reason field, got %v", entry["reason"])
	}
}

// Helper type for testing
type testError struct {
	message string
}

func (e *testError) Error() string {
	return e.message
}
