package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// TestJSONLogger_RequiredFields validates and emits one JSON object per
// line.
func TestJSONLogger_RequiredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)

	err := logger.LogJoin(context.Background(), JoinLogEntry{
		QueryID:    "q-1",
		JoinType:   "Inner",
		InputRows:  10,
		OutputRows: 4,
		JoinTime:   5 * time.Millisecond,
		Outcome:    "success",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	line := strings.TrimSpace(buf.String())
	var decoded map[string]any
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if decoded["query_id"] != "q-1" {
		t.Errorf("expected query_id q-1, got %v", decoded["query_id"])
	}
	if decoded["level"] != "info" {
		t.Errorf("expected level info, got %v", decoded["level"])
	}

	// Errors flip the level.
	buf.Reset()
	if err := logger.LogJoin(context.Background(), JoinLogEntry{
		QueryID:  "q-2",
		JoinType: "Left",
		Outcome:  "error",
		Error:    "boom",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Errorf("expected error level, got %s", buf.String())
	}
}

// TestJoinLogEntry_Validate rejects incomplete entries.
func TestJoinLogEntry_Validate(t *testing.T) {
	entry := JoinLogEntry{JoinType: "Inner"}
	if err := entry.Validate(); err == nil {
		t.Error("expected missing query_id to fail validation")
	}
	entry = JoinLogEntry{QueryID: "q"}
	if err := entry.Validate(); err == nil {
		t.Error("expected missing join_type to fail validation")
	}
	entry = JoinLogEntry{QueryID: "q", JoinType: "Inner", JoinTime: -time.Second}
	if err := entry.Validate(); err == nil {
		t.Error("expected negative join_time to fail validation")
	}
}
