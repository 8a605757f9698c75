// Package core provides the task model and pure state-machine logic for the
// PRP coordination pipeline.
//
// This file defines the task record that moves through the pipeline, the
// state enumeration, the stage topology, and the hash codec used to persist
// task records in the queue store. A task is created in state "new" by an
// external submitter and from then on is mutated exclusively through the
// promotion engine (pipeline.Engine) or the watchdog — never by direct field
// edits from agent business logic.
//
// # Architecture Overview
//
// The coordination system consists of:
//   - CoordinationStore: Persists task records, stage queues, and inflight
//     lists (Redis-backed by default)
//   - pipeline.Engine: Performs atomic evidence-gated promotions
//   - pipeline.Watchdog: Recovers timed-out and orphaned tasks
//   - pipeline.AgentPool: Worker loops claiming tasks per stage
//   - pipeline.Orchestrator: Read-only supervision and notifications
//
// # Usage
//
// Creating a task for submission:
//
//	task := core.NewTask("")            // empty ID generates a UUID
//	task, err := engine.Submit(ctx, task.ID)
//
// Inspecting a stored record:
//
//	task, err := store.GetTask(ctx, id)
//	if task.State.IsTerminal() { ... }
package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ═══════════════════════════════════════════════════════════════════════════
// States
// ═══════════════════════════════════════════════════════════════════════════

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	// StateNew indicates the task has been submitted but not assigned
	StateNew TaskState = "new"

	// StateAssigned indicates the task is queued for development work
	StateAssigned TaskState = "assigned"

	// StateDevelopment indicates an agent is actively developing the task
	StateDevelopment TaskState = "development"

	// StateValidation indicates the task is in the validation stage
	StateValidation TaskState = "validation"

	// StateIntegration indicates the task is in the integration stage
	StateIntegration TaskState = "integration"

	// StateComplete indicates the task finished successfully (terminal)
	StateComplete TaskState = "complete"

	// StateFailed indicates the last attempt failed; eligible for retry
	StateFailed TaskState = "failed"

	// StateRejected indicates validation rejected the work; eligible for rework
	StateRejected TaskState = "rejected"

	// StateOrphaned indicates the watchdog found inconsistent bookkeeping;
	// transient, immediately recovered to StateNew
	StateOrphaned TaskState = "orphaned"
)

// AllStates lists every defined task state.
var AllStates = []TaskState{
	StateNew, StateAssigned, StateDevelopment, StateValidation,
	StateIntegration, StateComplete, StateFailed, StateRejected, StateOrphaned,
}

// IsTerminal returns true if the state allows no further transitions
func (s TaskState) IsTerminal() bool {
	return s == StateComplete
}

// Valid returns true if s is a defined task state
func (s TaskState) Valid() bool {
	switch s {
	case StateNew, StateAssigned, StateDevelopment, StateValidation,
		StateIntegration, StateComplete, StateFailed, StateRejected, StateOrphaned:
		return true
	}
	return false
}

// ParseTaskState converts a wire string into a TaskState
func ParseTaskState(s string) (TaskState, error) {
	st := TaskState(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown task state %q: %w", s, ErrInvalidTransition)
	}
	return st, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Stages
// ═══════════════════════════════════════════════════════════════════════════

// Stage identifies one pipeline phase with its own queue and inflight list
type Stage string

const (
	// StageDev is the development stage
	StageDev Stage = "dev"

	// StageValidation is the validation stage
	StageValidation Stage = "validation"

	// StageIntegration is the integration stage
	StageIntegration Stage = "integration"
)

// AllStages lists the pipeline stages in order.
var AllStages = []Stage{StageDev, StageValidation, StageIntegration}

// Valid returns true if s is a defined stage
func (s Stage) Valid() bool {
	switch s {
	case StageDev, StageValidation, StageIntegration:
		return true
	}
	return false
}

// ParseStage converts a wire string into a Stage
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown stage %q: %w", s, ErrInvalidConfiguration)
	}
	return st, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Timestamps
// ═══════════════════════════════════════════════════════════════════════════

// TimestampLayout is the fixed-width UTC layout used for every persisted
// timestamp. Unlike time.RFC3339Nano it never trims trailing zeros, so two
// encoded timestamps compare lexicographically the same way they compare as
// instants. The promote script relies on this for its causality check.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTimestamp encodes t in TimestampLayout, normalized to UTC
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp decodes a TimestampLayout string. RFC 3339 input is also
// accepted so hand-written fixtures and external submitters keep working.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// ═══════════════════════════════════════════════════════════════════════════
// Task record
// ═══════════════════════════════════════════════════════════════════════════

// Task is the per-unit-of-work record persisted as a store hash. Timestamp
// pointers are nil until the corresponding state has been entered; re-entry
// (failed -> new, rejected -> development) overwrites the previous value, and
// the full history remains recoverable from the evidence entries.
type Task struct {
	ID             string         `json:"id"`
	State          TaskState      `json:"state"`
	Owner          string         `json:"owner,omitempty"`
	RetryCount     int            `json:"retry_count"`
	TransitionType TransitionType `json:"transition_type,omitempty"` // last applied

	CreatedAt      time.Time  `json:"created_at"`
	LastTransition time.Time  `json:"last_transition"`
	InflightSince  *time.Time `json:"inflight_since,omitempty"`

	NewAt         *time.Time `json:"new_at,omitempty"` // set on re-entry only
	AssignedAt    *time.Time `json:"assigned_at,omitempty"`
	DevelopmentAt *time.Time `json:"development_at,omitempty"`
	ValidationAt  *time.Time `json:"validation_at,omitempty"`
	IntegrationAt *time.Time `json:"integration_at,omitempty"`
	CompleteAt    *time.Time `json:"complete_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	RejectedAt    *time.Time `json:"rejected_at,omitempty"`
	OrphanedAt    *time.Time `json:"orphaned_at,omitempty"`
}

// NewTask creates a fresh task in StateNew. An empty id generates a UUID.
func NewTask(id string) *Task {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	return &Task{
		ID:             id,
		State:          StateNew,
		RetryCount:     0,
		CreatedAt:      now,
		LastTransition: now,
	}
}

// StateTimestamp returns the recorded entry timestamp for the given state,
// or nil if the task has never entered it. For StateNew the creation time is
// returned unless a re-entry has been recorded.
func (t *Task) StateTimestamp(s TaskState) *time.Time {
	switch s {
	case StateNew:
		if t.NewAt != nil {
			return t.NewAt
		}
		created := t.CreatedAt
		return &created
	case StateAssigned:
		return t.AssignedAt
	case StateDevelopment:
		return t.DevelopmentAt
	case StateValidation:
		return t.ValidationAt
	case StateIntegration:
		return t.IntegrationAt
	case StateComplete:
		return t.CompleteAt
	case StateFailed:
		return t.FailedAt
	case StateRejected:
		return t.RejectedAt
	case StateOrphaned:
		return t.OrphanedAt
	}
	return nil
}

// Hash field names for the persisted task record.
const (
	FieldID             = "id"
	FieldState          = "state"
	FieldOwner          = "owner"
	FieldRetryCount     = "retry_count"
	FieldTransitionType = "transition_type"
	FieldCreatedAt      = "created_at"
	FieldLastTransition = "last_transition"
	FieldInflightSince  = "inflight_since"
)

// stateFieldNames maps each state to its hash timestamp field.
var stateFieldNames = map[TaskState]string{
	StateNew:         "new_at",
	StateAssigned:    "assigned_at",
	StateDevelopment: "development_at",
	StateValidation:  "validation_at",
	StateIntegration: "integration_at",
	StateComplete:    "complete_at",
	StateFailed:      "failed_at",
	StateRejected:    "rejected_at",
	StateOrphaned:    "orphaned_at",
}

// StateField returns the hash field name recording entry into state s.
func StateField(s TaskState) string {
	return stateFieldNames[s]
}

// ToHash converts the task into the field map persisted with HSET. Unset
// optional timestamps are omitted rather than written empty.
func (t *Task) ToHash() map[string]interface{} {
	h := map[string]interface{}{
		FieldID:             t.ID,
		FieldState:          string(t.State),
		FieldOwner:          t.Owner,
		FieldRetryCount:     t.RetryCount,
		FieldCreatedAt:      FormatTimestamp(t.CreatedAt),
		FieldLastTransition: FormatTimestamp(t.LastTransition),
	}
	if t.TransitionType != "" {
		h[FieldTransitionType] = string(t.TransitionType)
	}
	if t.InflightSince != nil {
		h[FieldInflightSince] = FormatTimestamp(*t.InflightSince)
	}
	for state, field := range stateFieldNames {
		if state == StateNew {
			if t.NewAt != nil {
				h[field] = FormatTimestamp(*t.NewAt)
			}
			continue
		}
		if ts := t.StateTimestamp(state); ts != nil {
			h[field] = FormatTimestamp(*ts)
		}
	}
	return h
}

// TaskFromHash reconstructs a task from an HGETALL result. An empty map
// means the record does not exist and yields ErrTaskNotFound.
func TaskFromHash(fields map[string]string) (*Task, error) {
	if len(fields) == 0 {
		return nil, ErrTaskNotFound
	}

	state, err := ParseTaskState(fields[FieldState])
	if err != nil {
		return nil, fmt.Errorf("task record has invalid state: %w", err)
	}

	t := &Task{
		ID:    fields[FieldID],
		State: state,
		Owner: fields[FieldOwner],
	}
	if v := fields[FieldTransitionType]; v != "" {
		t.TransitionType = TransitionType(v)
	}
	if v := fields[FieldRetryCount]; v != "" {
		if _, err := fmt.Sscanf(v, "%d", &t.RetryCount); err != nil {
			return nil, fmt.Errorf("task record has invalid retry_count %q: %w", v, err)
		}
	}

	parse := func(field string) (*time.Time, error) {
		v, ok := fields[field]
		if !ok || v == "" {
			return nil, nil
		}
		ts, err := ParseTimestamp(v)
		if err != nil {
			return nil, fmt.Errorf("task record has invalid %s %q: %w", field, v, err)
		}
		return &ts, nil
	}

	if ts, err := parse(FieldCreatedAt); err != nil {
		return nil, err
	} else if ts != nil {
		t.CreatedAt = *ts
	}
	if ts, err := parse(FieldLastTransition); err != nil {
		return nil, err
	} else if ts != nil {
		t.LastTransition = *ts
	}
	if t.InflightSince, err = parse(FieldInflightSince); err != nil {
		return nil, err
	}

	dests := map[TaskState]**time.Time{
		StateNew:         &t.NewAt,
		StateAssigned:    &t.AssignedAt,
		StateDevelopment: &t.DevelopmentAt,
		StateValidation:  &t.ValidationAt,
		StateIntegration: &t.IntegrationAt,
		StateComplete:    &t.CompleteAt,
		StateFailed:      &t.FailedAt,
		StateRejected:    &t.RejectedAt,
		StateOrphaned:    &t.OrphanedAt,
	}
	for state, dest := range dests {
		ts, err := parse(stateFieldNames[state])
		if err != nil {
			return nil, err
		}
		*dest = ts
	}

	return t, nil
}
