package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// NotificationKind classifies coordination notifications.
type NotificationKind string

const (
	NotifyTaskSubmitted      NotificationKind = "task_submitted"
	NotifyTaskPromoted       NotificationKind = "task_promoted"
	NotifyTaskFailed         NotificationKind = "task_failed"
	NotifyTaskRequeued       NotificationKind = "task_requeued"
	NotifyOrphanRecovered    NotificationKind = "orphan_recovered"
	NotifyRetryCeilingHit    NotificationKind = "retry_ceiling_reached"
	NotifyAgentDown          NotificationKind = "agent_down"
	NotifyScalingNeeded      NotificationKind = "scaling_needed"
)

// Notification is one advisory message on the coordination channel. Readers
// must treat it as informational: task state only ever changes through the
// promotion engine or the watchdog.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	TaskID    string           `json:"task_id,omitempty"`
	AgentID   string           `json:"agent_id,omitempty"`
	Stage     Stage            `json:"stage,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Encode marshals the notification for the wire.
func (n *Notification) Encode() ([]byte, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return b, nil
}

// DecodeNotification unmarshals a wire notification.
func DecodeNotification(data []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	return &n, nil
}
