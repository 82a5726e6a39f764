package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestComponentField(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Component: "relay", JSON: true, Output: &buf})

	log.WithField("room", "c1").Info("client joined")

	out := buf.String()
	if !strings.Contains(out, `"component":"relay"`) {
		t.Fatalf("missing component field: %s", out)
	}
	if !strings.Contains(out, `"room":"c1"`) {
		t.Fatalf("missing room field: %s", out)
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Component: "api", JSON: true, Output: &buf})

	ctx := WithTraceID(context.Background(), "t-123")
	ctx = WithUserID(ctx, "u-456")
	log.WithContext(ctx).Info("request handled")

	out := buf.String()
	if !strings.Contains(out, `"trace_id":"t-123"`) {
		t.Fatalf("missing trace id: %s", out)
	}
	if !strings.Contains(out, `"user_id":"u-456"`) {
		t.Fatalf("missing user id: %s", out)
	}
}

func TestLevelParsing(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Component: "api", Level: "warn", JSON: true, Output: &buf})

	log.Info("should be dropped")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %s", buf.String())
	}

	log.Warn("should appear")
	if buf.Len() == 0 {
		t.Fatal("warn not logged")
	}
}
