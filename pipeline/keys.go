// Package pipeline implements the Redis-backed coordination layer: the task
// record store, stage queues with inflight tracking, atomic promotion
// scripts, the recovery watchdog, agent runtime pools, the supervisory
// orchestrator, and the notification stream.
//
// # Architecture Overview
//
// Every pipeline process shares nothing but Redis. Tasks live in hashes,
// stage queues are lists, and promotions execute as server-side scripts so a
// task's record, queue membership, and evidence trail change in one atomic
// step or not at all.
//
//	┌──────────┐   claim    ┌──────────────┐   promote   ┌──────────────┐
//	│  queue   │ ─────────▶ │   inflight   │ ──────────▶ │  next queue  │
//	│  (list)  │ BRPOPLPUSH │    (list)    │   script    │    (list)    │
//	└──────────┘            └──────────────┘             └──────────────┘
//
// The watchdog scans inflight lists for stalled claims and task records for
// structural orphans, requeueing both so no task is ever lost.
package pipeline

import (
	"fmt"
	"strings"

	"prpline/core"
)

// Keys derives every Redis key from a single namespace so deployments can
// share an instance without colliding.
type Keys struct {
	Namespace string
}

// NewKeys returns a key builder for the namespace, falling back to the
// default when empty.
func NewKeys(namespace string) Keys {
	if namespace == "" {
		namespace = "prpline"
	}
	return Keys{Namespace: namespace}
}

// Task returns the hash key holding one task record.
func (k Keys) Task(taskID string) string {
	return fmt.Sprintf("%s:task:%s", k.Namespace, taskID)
}

// TaskPattern returns the SCAN pattern matching every task record.
func (k Keys) TaskPattern() string {
	return fmt.Sprintf("%s:task:*", k.Namespace)
}

// TaskIDFromKey extracts the task id from a task hash key.
func (k Keys) TaskIDFromKey(key string) string {
	return strings.TrimPrefix(key, k.Namespace+":task:")
}

// Queue returns the main FIFO list key for a stage.
func (k Keys) Queue(stage core.Stage) string {
	return fmt.Sprintf("%s:queue:%s", k.Namespace, stage)
}

// Inflight returns the inflight list key for a stage.
func (k Keys) Inflight(stage core.Stage) string {
	return fmt.Sprintf("%s:queue:%s:inflight", k.Namespace, stage)
}

// Location resolves a core.Location to its list key. The none location has
// no key and returns "".
func (k Keys) Location(loc core.Location) string {
	switch loc.Kind {
	case core.LocationQueue:
		return k.Queue(loc.Stage)
	case core.LocationInflight:
		return k.Inflight(loc.Stage)
	}
	return ""
}

// AllLists returns every stage list key, queues first, in stage order. The
// status and orphan scans walk exactly this set.
func (k Keys) AllLists() []string {
	out := make([]string, 0, len(core.AllStages)*2)
	for _, s := range core.AllStages {
		out = append(out, k.Queue(s))
	}
	for _, s := range core.AllStages {
		out = append(out, k.Inflight(s))
	}
	return out
}

// ListName strips the namespace prefix from a list key for display, turning
// "prpline:queue:dev:inflight" into "queue:dev:inflight".
func (k Keys) ListName(key string) string {
	return strings.TrimPrefix(key, k.Namespace+":")
}

// EvidenceSeq returns the per-task evidence sequence counter key.
func (k Keys) EvidenceSeq(taskID string) string {
	return fmt.Sprintf("%s:evidence:%s:seq", k.Namespace, taskID)
}

// Evidence returns the key of one immutable evidence entry.
func (k Keys) Evidence(taskID string, seq int64) string {
	return fmt.Sprintf("%s:evidence:%s:%d", k.Namespace, taskID, seq)
}

// EvidencePrefix returns the prefix the promotion script appends the
// sequence number to when writing a new entry.
func (k Keys) EvidencePrefix(taskID string) string {
	return fmt.Sprintf("%s:evidence:%s:", k.Namespace, taskID)
}

// Agent returns the hash key for one agent's heartbeat record.
func (k Keys) Agent(agentID string) string {
	return fmt.Sprintf("%s:agent:%s", k.Namespace, agentID)
}

// AgentSet returns the set key tracking registered agent ids.
func (k Keys) AgentSet() string {
	return fmt.Sprintf("%s:agents", k.Namespace)
}

// Notifications returns the notification stream list key.
func (k Keys) Notifications() string {
	return fmt.Sprintf("%s:notifications", k.Namespace)
}
