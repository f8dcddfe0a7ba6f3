package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
)

func TestTestLoggerCapturesLevels(t *testing.T) {
	testLogger, buffer := NewTestLogger(LevelDebug)

	testLogger.Debug("debug message", "key1", "value1", "number", 42)
	testLogger.Info("info message", OperationKey, OperationFit)
	testLogger.Warn("warning message", "warning_code", "TEST_WARNING")
	testLogger.Error("error message", ErrAttrKey, fmt.Errorf("boom"))

	if buffer.Len() == 0 {
		t.Fatal("expected log output, got empty buffer")
	}
	for _, msg := range []string{"debug message", "info message", "warning message", "error message"} {
		if !testLogger.ContainsMessage(msg) {
			t.Errorf("message %q not found", msg)
		}
	}
	if !testLogger.ContainsField("key1", "value1") {
		t.Error("expected key1=value1")
	}
	if !testLogger.ContainsField("number", 42.0) {
		t.Error("expected number=42")
	}
	if !testLogger.ContainsField(ErrAttrKey, "boom") {
		t.Error("errors should be captured by message")
	}
}

func TestTestLoggerLevelFiltering(t *testing.T) {
	tests := []struct {
		name     string
		level    Level
		expected int
	}{
		{"debug", LevelDebug, 4},
		{"info", LevelInfo, 3},
		{"warn", LevelWarn, 2},
		{"error", LevelError, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testLogger, _ := NewTestLogger(tt.level)
			testLogger.Debug("d")
			testLogger.Info("i")
			testLogger.Warn("w")
			testLogger.Error("e")

			entries, err := testLogger.GetLogEntries()
			if err != nil {
				t.Fatalf("GetLogEntries: %v", err)
			}
			if len(entries) != tt.expected {
				t.Errorf("expected %d entries, got %d", tt.expected, len(entries))
			}
		})
	}
}

func TestTestLoggerWith(t *testing.T) {
	testLogger, _ := NewTestLogger(LevelDebug)

	runLogger := testLogger.With(
		ModelNameKey, "LinearRegression",
		RunIDKey, "abc123",
	)
	runLogger.Info("fit completed", OperationKey, OperationFit, SamplesKey, 80)

	if !testLogger.ContainsField(ModelNameKey, "LinearRegression") {
		t.Error("model name context not found")
	}
	if !testLogger.ContainsField(RunIDKey, "abc123") {
		t.Error("run id context not found")
	}
	if !testLogger.ContainsField(SamplesKey, 80.0) {
		t.Error("samples field not found")
	}

	// 親ロガーのフィールドは変わらない
	testLogger.Clear()
	testLogger.Info("plain")
	if testLogger.ContainsField(RunIDKey, "abc123") {
		t.Error("With must not mutate the parent logger")
	}
}

func TestTestLoggerProvider(t *testing.T) {
	provider, buffer := NewTestLoggerProvider(LevelWarn)

	provider.GetLoggerWithName("filestore").Info("hidden")
	if buffer.Len() != 0 {
		t.Fatal("info should be filtered at warn level")
	}

	provider.SetLevel(LevelInfo)
	provider.GetLoggerWithName("filestore").Info("visible")
	if !strings.Contains(buffer.String(), `"ml.component":"filestore"`) {
		t.Errorf("component missing from %s", buffer.String())
	}
	if !provider.GetLogger().Enabled(context.Background(), LevelInfo) {
		t.Error("expected info to be enabled")
	}
}

func TestTestLoggerConcurrent(t *testing.T) {
	testLogger, _ := NewTestLogger(LevelInfo)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			testLogger.With("worker", i).Info("tick")
		}(i)
	}
	wg.Wait()

	entries, err := testLogger.GetLogEntries()
	if err != nil {
		t.Fatalf("GetLogEntries: %v", err)
	}
	if len(entries) != 8 {
		t.Errorf("expected 8 entries, got %d", len(entries))
	}
}

func TestToLogLevel(t *testing.T) {
	for _, s := range []string{"debug", "INFO", "warn", "error", ""} {
		if _, err := ToLogLevel(s); err != nil {
			t.Errorf("ToLogLevel(%q): %v", s, err)
		}
	}
	if _, err := ToLogLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSetupLoggerJSON(t *testing.T) {
	prev := GetLogger()
	defer SetLogger(prev)

	var buf bytes.Buffer
	if err := SetupLoggerTo(&buf, "info"); err != nil {
		t.Fatalf("SetupLoggerTo: %v", err)
	}
	GetLogger().Error("store failed", ErrAttrKey, errors.NewValueError("log_param", "bad key"))

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["severity"] != "ERROR" {
		t.Errorf("severity = %v", entry["severity"])
	}
	if entry["message"] != "store failed" {
		t.Errorf("message = %v", entry["message"])
	}
	if st, _ := entry[StacktraceAttrKey].(string); st == "" {
		t.Error("expected stacktrace for error created with stack")
	}
}

func TestErrorHandlerAddsTrackingCode(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(wrapErrorHandler(slog.NewJSONHandler(&buf, nil))).With(RunIDKey, "r1")

	missing := errors.Wrap(errors.NewTrackingError(errors.ResourceDoesNotExist, "run 'r1' not found"), "get run")
	l.Error("lookup failed", ErrAttrKey, missing)
	l.Info("plain")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d", len(lines))
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry[ErrorCodeKey] != "RESOURCE_DOES_NOT_EXIST" {
		t.Errorf("%s = %v", ErrorCodeKey, entry[ErrorCodeKey])
	}
	if entry[RunIDKey] != "r1" {
		t.Errorf("attrs from With lost: %v", entry)
	}
	if st, _ := entry[StacktraceAttrKey].(string); st == "" {
		t.Error("expected stacktrace")
	}
	if bytes.Contains(lines[1], []byte(ErrorCodeKey)) || bytes.Contains(lines[1], []byte(StacktraceAttrKey)) {
		t.Errorf("records without an error must not be enriched: %s", lines[1])
	}
}

func TestZerologLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(&buf, LevelInfo, false)

	logger.Debug("hidden")
	logger.With(RunIDKey, "r1").Info("run started", SamplesKey, 100)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug record should be filtered")
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, out)
	}
	if entry[RunIDKey] != "r1" || entry[SamplesKey] != 100.0 || entry["message"] != "run started" {
		t.Errorf("unexpected entry %v", entry)
	}
	if logger.Enabled(context.Background(), LevelDebug) {
		t.Error("debug should be disabled")
	}
}

func TestInstallZerologWarnings(t *testing.T) {
	var buf bytes.Buffer
	InstallZerologWarnings(&buf)
	defer errors.SetZerologWarnFunc(nil)

	errors.Warn(errors.NewConvergenceWarning("nnls", 1000, ""))
	if !strings.Contains(buf.String(), `"algorithm":"nnls"`) {
		t.Errorf("warning not structured: %s", buf.String())
	}
}
