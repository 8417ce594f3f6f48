package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/ogurasousui/staff-provisioning/internal/platform/config"
)

func TestNew_JSONWithContextAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := Named(New(config.LogConfig{Level: "info", Format: "json"}, &buf), "test")

	ctx := WithAttrs(context.Background(), slog.String("request_id", "01HX"))
	logger.DebugContext(ctx, "hidden")
	logger.InfoContext(ctx, "visible", "user_id", 7)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one record above debug, got %d", len(lines))
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	if record["msg"] != "visible" || record["component"] != "test" || record["request_id"] != "01HX" {
		t.Fatalf("unexpected record %v", record)
	}
}

func TestNew_TextFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	New(config.LogConfig{Level: "debug", Format: "text"}, &buf).Debug("hello")

	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}
