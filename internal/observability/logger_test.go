package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestSetupJSONLevel(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, "warn", "json")
	l.Info("hidden")
	l.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, out)
	}
	if rec["msg"] != "shown" || rec["k"] != "v" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestLoggerFromContextAddsIDs(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf, "info", "text")

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithConversationID(ctx, "conv-1")
	LoggerFromContext(ctx).Info("hello")

	out := buf.String()
	if !strings.Contains(out, "request_id=req-1") || !strings.Contains(out, "conversation_id=conv-1") {
		t.Errorf("context ids missing from %q", out)
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf, "debug", "text")
	WithFields("component", "engine").Debug("tick")
	if !strings.Contains(buf.String(), "component=engine") {
		t.Errorf("field missing from %q", buf.String())
	}
}
