package core

import (
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"
)

func TestTaskStateClassification(t *testing.T) {
	for _, s := range AllStates {
		if !s.Valid() {
			t.Errorf("Expected %s to be valid", s)
		}
		if s.IsTerminal() != (s == StateComplete) {
			t.Errorf("IsTerminal(%s) = %v", s, s.IsTerminal())
		}
	}
	if TaskState("limbo").Valid() {
		t.Error("Expected limbo to be invalid")
	}

	parsed, err := ParseTaskState("development")
	if err != nil {
		t.Fatalf("ParseTaskState failed: %v", err)
	}
	if parsed != StateDevelopment {
		t.Errorf("Expected development, got %s", parsed)
	}
	if _, err := ParseTaskState("limbo"); err == nil {
		t.Error("Expected error for unknown state")
	}
}

func TestParseStage(t *testing.T) {
	for _, s := range AllStages {
		parsed, err := ParseStage(string(s))
		if err != nil {
			t.Errorf("ParseStage(%s) failed: %v", s, err)
		}
		if parsed != s {
			t.Errorf("Expected %s, got %s", s, parsed)
		}
	}
	if _, err := ParseStage("warehouse"); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestTimestampLexicographicOrder(t *testing.T) {
	// The fixed-width layout must make string order equal instant order,
	// including across the boundaries RFC3339Nano trimming would break.
	instants := []time.Time{
		time.Date(2025, 6, 1, 9, 59, 59, 999999999, time.UTC),
		time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 1, 10, 0, 0, 1, time.UTC),
		time.Date(2025, 6, 1, 10, 0, 0, 500000000, time.UTC),
		time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 12, 31, 23, 59, 59, 100, time.UTC),
	}

	encoded := make([]string, len(instants))
	for i, ts := range instants {
		encoded[i] = FormatTimestamp(ts)
		if len(encoded[i]) != len(encoded[0]) {
			t.Fatalf("Expected fixed-width encoding, got %q and %q", encoded[0], encoded[i])
		}
	}
	if !sort.StringsAreSorted(encoded) {
		t.Errorf("Encoded timestamps are not in lexicographic order: %v", encoded)
	}

	for i, ts := range instants {
		decoded, err := ParseTimestamp(encoded[i])
		if err != nil {
			t.Fatalf("ParseTimestamp(%q) failed: %v", encoded[i], err)
		}
		if !decoded.Equal(ts) {
			t.Errorf("Round trip changed %v to %v", ts, decoded)
		}
	}
}

func TestTimestampNormalizesToUTC(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*60*60)
	local := time.Date(2025, 6, 1, 14, 0, 0, 0, zone)
	utc := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if got := FormatTimestamp(local); got != FormatTimestamp(utc) {
		t.Errorf("Expected identical encodings for identical instants, got %q and %q",
			got, FormatTimestamp(utc))
	}
}

func TestParseTimestampAcceptsRFC3339(t *testing.T) {
	// Hand-written fixtures tend to drop the zero padding.
	decoded, err := ParseTimestamp("2025-06-01T12:00:00.5Z")
	if err != nil {
		t.Fatalf("ParseTimestamp failed: %v", err)
	}
	if !decoded.Equal(time.Date(2025, 6, 1, 12, 0, 0, 500000000, time.UTC)) {
		t.Errorf("Unexpected decode result %v", decoded)
	}

	if _, err := ParseTimestamp("not-a-time"); err == nil {
		t.Error("Expected error for garbage input")
	}
}

func TestNewTask(t *testing.T) {
	task := NewTask("task-1")
	if task.ID != "task-1" {
		t.Errorf("Expected id task-1, got %s", task.ID)
	}
	if task.State != StateNew {
		t.Errorf("Expected state new, got %s", task.State)
	}
	if task.CreatedAt.IsZero() || !task.CreatedAt.Equal(task.LastTransition) {
		t.Error("Expected created_at and last_transition stamped together")
	}

	a, b := NewTask(""), NewTask("")
	if a.ID == "" || b.ID == "" {
		t.Error("Expected generated ids")
	}
	if a.ID == b.ID {
		t.Errorf("Expected unique generated ids, got %s twice", a.ID)
	}
}

func TestTaskHashRoundTrip(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assigned := created.Add(time.Second)
	started := created.Add(2 * time.Second)

	task := &Task{
		ID:             "task-1",
		State:          StateDevelopment,
		Owner:          "agent-7",
		RetryCount:     2,
		TransitionType: TransitionAssignedToDevelopment,
		CreatedAt:      created,
		LastTransition: started,
		InflightSince:  &started,
		AssignedAt:     &assigned,
		DevelopmentAt:  &started,
	}

	fields := make(map[string]string)
	for k, v := range task.ToHash() {
		fields[k] = fmt.Sprint(v)
	}
	got, err := TaskFromHash(fields)
	if err != nil {
		t.Fatalf("TaskFromHash failed: %v", err)
	}

	if got.ID != task.ID || got.State != task.State || got.Owner != task.Owner ||
		got.RetryCount != task.RetryCount || got.TransitionType != task.TransitionType {
		t.Errorf("Round trip mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(created) || !got.LastTransition.Equal(started) {
		t.Errorf("Timestamp mismatch: created=%v last=%v", got.CreatedAt, got.LastTransition)
	}
	if got.InflightSince == nil || !got.InflightSince.Equal(started) {
		t.Errorf("Expected inflight_since %v, got %v", started, got.InflightSince)
	}
	if got.AssignedAt == nil || !got.AssignedAt.Equal(assigned) {
		t.Errorf("Expected assigned_at %v, got %v", assigned, got.AssignedAt)
	}
	if got.ValidationAt != nil {
		t.Error("Expected unset validation_at to stay nil")
	}
	if got.NewAt != nil {
		t.Error("Expected new_at to be set only on re-entry")
	}
}

func TestTaskFromHashErrors(t *testing.T) {
	if _, err := TaskFromHash(nil); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound for empty hash, got %v", err)
	}

	cases := []struct {
		name   string
		fields map[string]string
	}{
		{"invalid state", map[string]string{"id": "t", "state": "limbo"}},
		{"invalid retry", map[string]string{"id": "t", "state": "new", "retry_count": "abc"}},
		{"invalid created_at", map[string]string{"id": "t", "state": "new", "created_at": "yesterday"}},
		{"invalid state stamp", map[string]string{"id": "t", "state": "new", "failed_at": "later"}},
	}
	for _, tc := range cases {
		if _, err := TaskFromHash(tc.fields); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestStateTimestampAndField(t *testing.T) {
	if StateField(StateDevelopment) != "development_at" {
		t.Errorf("Expected development_at, got %s", StateField(StateDevelopment))
	}
	if StateField(StateNew) != "new_at" {
		t.Errorf("Expected new_at, got %s", StateField(StateNew))
	}

	task := NewTask("task-1")
	ts := task.StateTimestamp(StateNew)
	if ts == nil || !ts.Equal(task.CreatedAt) {
		t.Error("Expected new-state timestamp to default to creation time")
	}

	reentry := task.CreatedAt.Add(time.Hour)
	task.NewAt = &reentry
	ts = task.StateTimestamp(StateNew)
	if ts == nil || !ts.Equal(reentry) {
		t.Error("Expected re-entry stamp to shadow creation time")
	}

	if task.StateTimestamp(StateValidation) != nil {
		t.Error("Expected nil for a state never entered")
	}
	if task.StateTimestamp(TaskState("limbo")) != nil {
		t.Error("Expected nil for an unknown state")
	}
}
