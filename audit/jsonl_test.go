package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJSONLSinkEmit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s, err := NewJSONLSink(path, 0)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}

	ctx := context.Background()
	events := []Event{
		{RequestID: "r1", ActionType: "web_fetch", SafetyLevel: "safe", Decision: DecisionAllowed},
		{RequestID: "r2", ActionType: "exec_command", SafetyLevel: "forbidden", Decision: DecisionBlocked, BlockedBy: "guardian", Reasons: []string{"destructive command"}},
	}
	for _, e := range events {
		if err := s.Emit(ctx, e); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
		var got Event
		if err := json.Unmarshal(sc.Bytes(), &got); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines, err)
		}
		if got.EventID == "" || got.Timestamp.IsZero() {
			t.Fatalf("line %d missing event id or timestamp: %+v", lines, got)
		}
	}
	if lines != len(events) {
		t.Fatalf("got %d lines, want %d", lines, len(events))
	}
}

func TestJSONLSinkRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	// Tiny cap so the second event forces a rotation.
	s, err := NewJSONLSink(path, 200)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	long := strings.Repeat("x", 150)
	for i := 0; i < 3; i++ {
		if err := s.Emit(ctx, Event{RequestID: "r", ActionType: "t", Decision: DecisionAllowed, SummaryRedacted: long}); err != nil {
			t.Fatalf("Emit %d: %v", i, err)
		}
	}
	_ = s.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected rotated files, found %d entries", len(entries))
	}
}
