package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"prpline/core"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	registry := NewAgentRegistry(store, time.Minute, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	err := registry.Register(ctx, &core.AgentRecord{
		ID:           "agent-1",
		Stage:        core.StageDev,
		Status:       core.AgentIdle,
		LastActivity: now,
		StartedAt:    now,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := registry.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.ID != "agent-1" || got.Stage != core.StageDev || got.Status != core.AgentIdle {
		t.Errorf("Round trip mismatch: %+v", got)
	}
	if !got.StartedAt.Equal(now) {
		t.Errorf("Expected started_at %v, got %v", now, got.StartedAt)
	}

	if err := registry.Register(ctx, nil); !errors.Is(err, core.ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration for nil record, got %v", err)
	}
	if err := registry.Register(ctx, &core.AgentRecord{Stage: core.StageDev}); !errors.Is(err, core.ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration for missing id, got %v", err)
	}
	if _, err := registry.GetAgent(ctx, "ghost"); !errors.Is(err, core.ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound, got %v", err)
	}
}

func TestRegistryHeartbeat(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	registry := NewAgentRegistry(store, time.Minute, nil)
	ctx := context.Background()

	err := registry.Register(ctx, &core.AgentRecord{
		ID:     "agent-1",
		Stage:  core.StageDev,
		Status: core.AgentIdle,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := registry.Heartbeat(ctx, "agent-1", core.AgentBusy, "task-9"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	got, err := registry.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.Status != core.AgentBusy {
		t.Errorf("Expected status busy, got %s", got.Status)
	}
	if got.CurrentTask != "task-9" {
		t.Errorf("Expected current task task-9, got %q", got.CurrentTask)
	}
	// The heartbeat only overwrites activity fields; registration data stays.
	if got.Stage != core.StageDev {
		t.Errorf("Expected stage dev to survive heartbeats, got %q", got.Stage)
	}

	if err := registry.Heartbeat(ctx, "agent-1", core.AgentStatus("zombie"), ""); !errors.Is(err, core.ErrInvalidConfiguration) {
		t.Errorf("Expected ErrInvalidConfiguration for invalid status, got %v", err)
	}
}

func TestRegistryRecordExpiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	registry := NewAgentRegistry(store, 30*time.Second, nil)
	ctx := context.Background()

	err := registry.Register(ctx, &core.AgentRecord{
		ID:     "agent-1",
		Stage:  core.StageDev,
		Status: core.AgentIdle,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	mr.FastForward(31 * time.Second)

	if _, err := registry.GetAgent(ctx, "agent-1"); !errors.Is(err, core.ErrAgentNotFound) {
		t.Fatalf("Expected ErrAgentNotFound after expiry, got %v", err)
	}

	// Listing notices the dangling set entry and prunes it.
	agents, err := registry.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(agents) != 0 {
		t.Errorf("Expected no live agents, got %d", len(agents))
	}
	members, err := client.SMembers(ctx, store.keys.AgentSet()).Result()
	if err != nil {
		t.Fatalf("SMembers failed: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("Expected pruned agent set, got %v", members)
	}

	// A late heartbeat is refused; reviving through it would write a record
	// with no stage or start time.
	if err := registry.Heartbeat(ctx, "agent-1", core.AgentIdle, ""); !errors.Is(err, core.ErrAgentNotFound) {
		t.Fatalf("Expected ErrAgentNotFound for a post-expiry heartbeat, got %v", err)
	}
	if _, err := registry.GetAgent(ctx, "agent-1"); !errors.Is(err, core.ErrAgentNotFound) {
		t.Errorf("Expected the refused heartbeat to write nothing, got %v", err)
	}

	// Re-registering brings the agent back whole, and heartbeats resume.
	start := time.Now().UTC()
	err = registry.Register(ctx, &core.AgentRecord{
		ID:        "agent-1",
		Stage:     core.StageDev,
		Status:    core.AgentIdle,
		StartedAt: start,
	})
	if err != nil {
		t.Fatalf("Re-register failed: %v", err)
	}
	if err := registry.Heartbeat(ctx, "agent-1", core.AgentBusy, "task-3"); err != nil {
		t.Fatalf("Heartbeat after re-register failed: %v", err)
	}
	got, err := registry.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent after revival failed: %v", err)
	}
	if got.Status != core.AgentBusy || got.CurrentTask != "task-3" {
		t.Errorf("Expected refreshed activity fields, got %+v", got)
	}
	if got.Stage != core.StageDev {
		t.Errorf("Expected revived agent to keep stage dev, got %q", got.Stage)
	}
	if !got.StartedAt.Equal(start) {
		t.Errorf("Expected started_at %v to survive revival, got %v", start, got.StartedAt)
	}
}

func TestRegistryMarkDown(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	registry := NewAgentRegistry(store, 30*time.Second, nil)
	ctx := context.Background()

	err := registry.Register(ctx, &core.AgentRecord{
		ID:     "agent-1",
		Stage:  core.StageDev,
		Status: core.AgentBusy,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	mr.FastForward(20 * time.Second)

	if err := registry.MarkDown(ctx, "agent-1"); err != nil {
		t.Fatalf("MarkDown failed: %v", err)
	}
	got, err := registry.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.Status != core.AgentDown {
		t.Errorf("Expected status agent_down, got %s", got.Status)
	}

	// MarkDown must not reset the clock on the record's expiry.
	mr.FastForward(11 * time.Second)
	if _, err := registry.GetAgent(ctx, "agent-1"); !errors.Is(err, core.ErrAgentNotFound) {
		t.Errorf("Expected record to expire on its original schedule, got %v", err)
	}

	if err := registry.MarkDown(ctx, "ghost"); err != nil {
		t.Errorf("Expected MarkDown of unknown agent to be a no-op, got %v", err)
	}
}

func TestRegistryListAgentsSorted(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	registry := NewAgentRegistry(store, time.Minute, nil)
	ctx := context.Background()

	for _, id := range []string{"charlie", "alpha", "bravo"} {
		err := registry.Register(ctx, &core.AgentRecord{
			ID:     id,
			Stage:  core.StageDev,
			Status: core.AgentIdle,
		})
		if err != nil {
			t.Fatalf("Register(%s) failed: %v", id, err)
		}
	}

	agents, err := registry.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	var ids []string
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	want := []string{"alpha", "bravo", "charlie"}
	for i, id := range want {
		if i >= len(ids) || ids[i] != id {
			t.Fatalf("Expected sorted ids %v, got %v", want, ids)
		}
	}
}

func TestRegistryUnregister(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	registry := NewAgentRegistry(store, time.Minute, nil)
	ctx := context.Background()

	err := registry.Register(ctx, &core.AgentRecord{
		ID:     "agent-1",
		Stage:  core.StageDev,
		Status: core.AgentIdle,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := registry.Unregister(ctx, "agent-1"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if _, err := registry.GetAgent(ctx, "agent-1"); !errors.Is(err, core.ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound after unregister, got %v", err)
	}
	members, err := client.SMembers(ctx, store.keys.AgentSet()).Result()
	if err != nil {
		t.Fatalf("SMembers failed: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("Expected empty agent set, got %v", members)
	}
}
