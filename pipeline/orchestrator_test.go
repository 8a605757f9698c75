package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prpline/core"
)

func TestOrchestratorObserveDepths(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	registry := NewAgentRegistry(store, time.Minute, nil)
	notifier := NewNotifier(store, nil)
	ctx := context.Background()

	require.NoError(t, store.Push(ctx, core.Queue(core.StageDev), "a"))
	require.NoError(t, store.Push(ctx, core.Queue(core.StageDev), "b"))
	require.NoError(t, store.Push(ctx, core.Inflight(core.StageValidation), "c"))
	require.NoError(t, notifier.Publish(ctx, &core.Notification{Kind: core.NotifyTaskSubmitted, TaskID: "a"}))

	orch := NewOrchestrator(store, registry, core.OrchestratorConfig{})
	snapshot, err := orch.Observe(ctx)
	require.NoError(t, err)

	want := []QueueDepth{
		{Stage: core.StageDev, Queued: 2, Inflight: 0},
		{Stage: core.StageValidation, Queued: 0, Inflight: 1},
		{Stage: core.StageIntegration, Queued: 0, Inflight: 0},
	}
	assert.Equal(t, want, snapshot.Queues)
	assert.Equal(t, int64(1), snapshot.NotificationBacklog)
	assert.Empty(t, snapshot.Agents)
	assert.False(t, snapshot.ObservedAt.IsZero())
}

func TestOrchestratorDepthAlerts(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	registry := NewAgentRegistry(store, time.Minute, nil)
	notifier := NewNotifier(store, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Push(ctx, core.Queue(core.StageDev), id))
	}

	orch := NewOrchestrator(store, registry,
		core.OrchestratorConfig{DepthAlertThreshold: 2},
		WithOrchestratorNotifier(notifier))

	_, err := orch.Observe(ctx)
	require.NoError(t, err)

	note, err := notifier.Consume(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, note)
	assert.Equal(t, core.NotifyScalingNeeded, note.Kind)
	assert.Equal(t, core.StageDev, note.Stage)
	assert.Equal(t, "queue depth 3 over threshold 2", note.Detail)

	// Still over threshold: the alert stays armed but fires only once.
	_, err = orch.Observe(ctx)
	require.NoError(t, err)
	note, err = notifier.Consume(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, note, "a standing condition must not re-alert")

	// Draining below the threshold re-arms the alert.
	for _, id := range []string{"a", "b"} {
		removed, err := store.Remove(ctx, core.Queue(core.StageDev), id)
		require.NoError(t, err)
		require.True(t, removed)
	}
	_, err = orch.Observe(ctx)
	require.NoError(t, err)
	note, err = notifier.Consume(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, note)

	for _, id := range []string{"d", "e", "f"} {
		require.NoError(t, store.Push(ctx, core.Queue(core.StageDev), id))
	}
	_, err = orch.Observe(ctx)
	require.NoError(t, err)
	note, err = notifier.Consume(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, note, "a fresh breach after recovery alerts again")
	assert.Equal(t, core.NotifyScalingNeeded, note.Kind)
}

func TestOrchestratorFlagsStaleAgents(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	registry := NewAgentRegistry(store, time.Hour, nil)
	notifier := NewNotifier(store, nil)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, &core.AgentRecord{
		ID:           "stale-agent",
		Stage:        core.StageDev,
		Status:       core.AgentBusy,
		LastActivity: time.Now().Add(-10 * time.Minute),
	}))
	require.NoError(t, registry.Register(ctx, &core.AgentRecord{
		ID:           "live-agent",
		Stage:        core.StageValidation,
		Status:       core.AgentIdle,
		LastActivity: time.Now(),
	}))

	orch := NewOrchestrator(store, registry,
		core.OrchestratorConfig{HeartbeatStaleAfter: 270 * time.Second},
		WithOrchestratorNotifier(notifier))

	snapshot, err := orch.Observe(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale-agent"}, snapshot.StaleAgents)
	assert.Len(t, snapshot.Agents, 2)

	flagged, err := registry.GetAgent(ctx, "stale-agent")
	require.NoError(t, err)
	assert.Equal(t, core.AgentDown, flagged.Status)

	live, err := registry.GetAgent(ctx, "live-agent")
	require.NoError(t, err)
	assert.Equal(t, core.AgentIdle, live.Status)

	note, err := notifier.Consume(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, note)
	assert.Equal(t, core.NotifyAgentDown, note.Kind)
	assert.Equal(t, "stale-agent", note.AgentID)
	assert.Equal(t, core.StageDev, note.Stage)

	// Once marked down the agent is no longer rechecked or re-alerted.
	snapshot, err = orch.Observe(ctx)
	require.NoError(t, err)
	assert.Empty(t, snapshot.StaleAgents)
	note, err = notifier.Consume(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, note)
}

func TestOrchestratorStartStop(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	registry := NewAgentRegistry(store, time.Minute, nil)

	orch := NewOrchestrator(store, registry, core.OrchestratorConfig{Interval: 50 * time.Millisecond})

	ctx := context.Background()
	require.NoError(t, orch.Start(ctx))
	assert.ErrorIs(t, orch.Start(ctx), core.ErrAlreadyStarted)
	require.NoError(t, orch.Stop())
	assert.NoError(t, orch.Stop())
}
