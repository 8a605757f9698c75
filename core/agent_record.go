package core

import (
	"fmt"
	"time"
)

// AgentStatus is the health state an agent reports in its heartbeat record.
type AgentStatus string

const (
	// AgentIdle means the agent is alive and polling with no claimed task
	AgentIdle AgentStatus = "idle"

	// AgentBusy means the agent is working a claimed task
	AgentBusy AgentStatus = "busy"

	// AgentDown is set by the orchestrator when heartbeats go stale
	AgentDown AgentStatus = "agent_down"

	// AgentError means the agent's last iteration ended in an error
	AgentError AgentStatus = "error"
)

// Valid returns true if s is a defined agent status
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentIdle, AgentBusy, AgentDown, AgentError:
		return true
	}
	return false
}

// AgentRecord is the ephemeral heartbeat entry for one agent. The record is
// created on startup, refreshed every loop iteration, and expires by TTL
// when the agent dies; only the agent itself and the orchestrator's
// staleness flagging write to it.
type AgentRecord struct {
	ID           string      `json:"id"`
	Stage        Stage       `json:"stage"`
	Status       AgentStatus `json:"status"`
	CurrentTask  string      `json:"current_task,omitempty"`
	LastActivity time.Time   `json:"last_activity"`
	StartedAt    time.Time   `json:"started_at"`
}

// ToHash converts the record into the field map persisted with HSET.
func (a *AgentRecord) ToHash() map[string]interface{} {
	return map[string]interface{}{
		"id":            a.ID,
		"stage":         string(a.Stage),
		"status":        string(a.Status),
		"current_task":  a.CurrentTask,
		"last_activity": FormatTimestamp(a.LastActivity),
		"started_at":    FormatTimestamp(a.StartedAt),
	}
}

// AgentRecordFromHash reconstructs a record from an HGETALL result.
func AgentRecordFromHash(fields map[string]string) (*AgentRecord, error) {
	if len(fields) == 0 {
		return nil, ErrNotInitialized
	}
	status := AgentStatus(fields["status"])
	if !status.Valid() {
		return nil, fmt.Errorf("agent record has invalid status %q: %w", fields["status"], ErrInvalidConfiguration)
	}
	rec := &AgentRecord{
		ID:          fields["id"],
		Stage:       Stage(fields["stage"]),
		Status:      status,
		CurrentTask: fields["current_task"],
	}
	if v := fields["last_activity"]; v != "" {
		ts, err := ParseTimestamp(v)
		if err != nil {
			return nil, fmt.Errorf("agent record has invalid last_activity %q: %w", v, err)
		}
		rec.LastActivity = ts
	}
	if v := fields["started_at"]; v != "" {
		ts, err := ParseTimestamp(v)
		if err != nil {
			return nil, fmt.Errorf("agent record has invalid started_at %q: %w", v, err)
		}
		rec.StartedAt = ts
	}
	return rec, nil
}
