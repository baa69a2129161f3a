package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestTextHandlerRendersComponentPrefix(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(FormatText, &buf, slog.LevelDebug).
		With(ComponentKey, "pipeline").
		With(ComponentKey, "cleanup", "test_id", "abc")

	logger.Info("deleted resource", "resource", "ami-123", "error", errors.New("boom happened"))

	line := buf.String()
	if !strings.HasPrefix(line, "INFO ") {
		t.Fatalf("line = %q, want INFO prefix", line)
	}
	if !strings.Contains(line, "| [pipeline/cleanup] deleted resource") {
		t.Fatalf("line = %q, want component prefix", line)
	}
	if !strings.Contains(line, "test_id=abc resource=ami-123") {
		t.Fatalf("line = %q, want ordered attrs", line)
	}
	if !strings.Contains(line, `error="boom happened"`) {
		t.Fatalf("line = %q, want quoted error", line)
	}
}

func TestTextHandlerGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(FormatText, &buf, nil).WithGroup("job")
	logger.Info("status", "id", "1234", slog.Group("target", "name", "ami"))

	if !strings.Contains(buf.String(), "job.id=1234 job.target.name=ami") {
		t.Fatalf("line = %q, want grouped keys", buf.String())
	}
}

func TestTextHandlerRespectsLevel(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	level.Set(slog.LevelWarn)

	var buf bytes.Buffer
	logger := New(FormatText, &buf, &level)
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %q", buf.String())
	}

	level.Set(slog.LevelInfo)
	logger.Info("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("info record missing after level change: %q", buf.String())
	}
}

func TestJSONFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	New(FormatJSON, &buf, nil).Info("hello", "outcome", "PASS")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if record["msg"] != "hello" || record["outcome"] != "PASS" {
		t.Fatalf("unexpected record: %#v", record)
	}
}

func TestParseLevelAndFormat(t *testing.T) {
	t.Parallel()

	if level, err := ParseLevel("Warning"); err != nil || level != slog.LevelWarn {
		t.Fatalf("ParseLevel() = %v, %v", level, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("ParseLevel() error = nil, want non-nil")
	}
	if format, err := ParseFormat("JSON"); err != nil || format != FormatJSON {
		t.Fatalf("ParseFormat() = %v, %v", format, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatal("ParseFormat() error = nil, want non-nil")
	}
}
