package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prpline/core"
)

// startDevelopment walks a task through submit, assignment, claim, and the
// start of development, leaving it on the dev inflight list.
func startDevelopment(t *testing.T, engine *Engine, store *Store, taskID string) {
	t.Helper()
	ctx := context.Background()

	_, err := engine.Submit(ctx, taskID)
	require.NoError(t, err)
	_, err = engine.Promote(ctx, taskID, core.AssignmentEvidence{},
		core.TransitionNewToAssigned, time.Time{})
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, core.StageDev, "agent-1", time.Second)
	require.NoError(t, err)
	require.Equal(t, taskID, claimed)

	_, err = engine.Promote(ctx, taskID, core.StartEvidence{Owner: "agent-1"},
		core.TransitionAssignedToDevelopment, time.Time{})
	require.NoError(t, err)
}

func TestWatchdogRequeuesStaleClaim(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	engine := NewEngine(store, nil)
	notifier := NewNotifier(store, nil)
	ctx := context.Background()

	startDevelopment(t, engine, store, "task-1")

	cfg := core.WatchdogConfig{ScanInterval: time.Minute, InflightTimeout: 30 * time.Minute}
	wd := NewWatchdog(store, engine, cfg,
		WithWatchdogClock(newTestClock(time.Now().Add(35*time.Minute)).Now),
		WithWatchdogNotifier(notifier))

	report, err := wd.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1"}, report.Requeued)
	assert.Empty(t, report.Recovered)
	assert.Empty(t, report.Failed)

	task, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateDevelopment, task.State, "requeue must not rewind the state")
	assert.Equal(t, 1, task.RetryCount)
	assert.Empty(t, task.Owner)
	assert.Nil(t, task.InflightSince)
	assert.Equal(t, []string{"queue:dev"}, locationsHolding(t, store, "task-1"))

	note, err := notifier.Consume(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, note)
	assert.Equal(t, core.NotifyTaskRequeued, note.Kind)
	assert.Equal(t, "task-1", note.TaskID)
	assert.Equal(t, core.StageDev, note.Stage)
}

func TestWatchdogSkipsFreshClaim(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	engine := NewEngine(store, nil)
	ctx := context.Background()

	startDevelopment(t, engine, store, "task-1")

	cfg := core.WatchdogConfig{InflightTimeout: 30 * time.Minute}
	wd := NewWatchdog(store, engine, cfg,
		WithWatchdogClock(newTestClock(time.Now().Add(time.Minute)).Now))

	report, err := wd.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Requeued)
	assert.Empty(t, report.Recovered)
	assert.Empty(t, report.Failed)

	task, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateDevelopment, task.State)
	assert.Equal(t, 0, task.RetryCount)
	assert.Equal(t, "agent-1", task.Owner)
	assert.Equal(t, []string{"queue:dev:inflight"}, locationsHolding(t, store, "task-1"))
}

func TestWatchdogRecoversStructuralOrphan(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	engine := NewEngine(store, nil)
	notifier := NewNotifier(store, nil)
	ctx := context.Background()

	_, err := engine.Submit(ctx, "task-1")
	require.NoError(t, err)
	_, err = engine.Promote(ctx, "task-1", core.AssignmentEvidence{},
		core.TransitionNewToAssigned, time.Time{})
	require.NoError(t, err)

	// Simulate a crashed process that lost the queue entry: the record says
	// assigned but no list holds the id.
	removed, err := store.Remove(ctx, core.Queue(core.StageDev), "task-1")
	require.NoError(t, err)
	require.True(t, removed)

	cfg := core.WatchdogConfig{InflightTimeout: 30 * time.Minute}
	wd := NewWatchdog(store, engine, cfg,
		WithWatchdogClock(newTestClock(time.Now().Add(10*time.Minute)).Now),
		WithWatchdogNotifier(notifier))

	report, err := wd.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1"}, report.Recovered)
	assert.Empty(t, report.Requeued)

	task, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateNew, task.State)
	assert.Equal(t, 1, task.RetryCount)
	assert.NotNil(t, task.OrphanedAt, "the detour through orphaned must be recorded")
	assert.NotNil(t, task.NewAt)
	assert.Equal(t, []string{"queue:dev"}, locationsHolding(t, store, "task-1"))

	records, err := store.ListEvidence(ctx, "task-1")
	require.NoError(t, err)
	require.NotEmpty(t, records)
	last := records[len(records)-1]
	assert.Equal(t, core.TransitionOrphanedToNew, last.TransitionType)
	assert.Equal(t, "structural orphan", last.Payload["cause"])

	note, err := notifier.Consume(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, note)
	assert.Equal(t, core.NotifyOrphanRecovered, note.Kind)
	assert.Equal(t, "task-1", note.TaskID)
}

func TestWatchdogResumesInterruptedRecovery(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	engine := NewEngine(store, nil)
	ctx := context.Background()

	_, err := engine.Submit(ctx, "task-1")
	require.NoError(t, err)
	_, err = engine.Promote(ctx, "task-1", core.AssignmentEvidence{},
		core.TransitionNewToAssigned, time.Time{})
	require.NoError(t, err)
	removed, err := store.Remove(ctx, core.Queue(core.StageDev), "task-1")
	require.NoError(t, err)
	require.True(t, removed)

	cfg := core.WatchdogConfig{InflightTimeout: 30 * time.Minute}
	wd := NewWatchdog(store, engine, cfg,
		WithWatchdogClock(newTestClock(time.Now().Add(10*time.Minute)).Now))

	// A crash after the mark leaves the record orphaned, in no list, with the
	// re-enqueue still owed.
	verdict, err := wd.recover(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, "orphaned", verdict)
	task, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, core.StateOrphaned, task.State)
	require.Empty(t, locationsHolding(t, store, "task-1"))

	report, err := wd.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1"}, report.Recovered)

	task, err = store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateNew, task.State)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, []string{"queue:dev"}, locationsHolding(t, store, "task-1"))

	// Once back on the queue the next passes leave it alone.
	report, err = wd.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Recovered)
	assert.Empty(t, report.Requeued)
	task, err = store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateNew, task.State)
	assert.Equal(t, 1, task.RetryCount)
}

func TestWatchdogRecoversMidStageOrphans(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	engine := NewEngine(store, nil)
	ctx := context.Background()

	// A development task whose inflight entry was dropped without a state
	// change, as a claim eviction does.
	startDevelopment(t, engine, store, "task-dev")
	removed, err := store.Remove(ctx, core.Inflight(core.StageDev), "task-dev")
	require.NoError(t, err)
	require.True(t, removed)

	// A validation task whose queue entry vanished.
	startDevelopment(t, engine, store, "task-val")
	_, err = engine.Promote(ctx, "task-val", core.ValidationEvidence{
		RequirementsAnalysis: "done",
		AcceptanceCriteria:   []string{"done"},
	}, core.TransitionDevelopmentToValidation, time.Time{})
	require.NoError(t, err)
	removed, err = store.Remove(ctx, core.Queue(core.StageValidation), "task-val")
	require.NoError(t, err)
	require.True(t, removed)

	cfg := core.WatchdogConfig{InflightTimeout: 30 * time.Minute}
	wd := NewWatchdog(store, engine, cfg,
		WithWatchdogClock(newTestClock(time.Now().Add(10*time.Minute)).Now))

	report, err := wd.Scan(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"task-dev", "task-val"}, report.Recovered)
	assert.Empty(t, report.Requeued)

	for _, id := range []string{"task-dev", "task-val"} {
		task, err := store.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core.StateNew, task.State, id)
		assert.Equal(t, 1, task.RetryCount, id)
		assert.NotNil(t, task.OrphanedAt, id)
		assert.Empty(t, task.Owner, id)
		assert.Equal(t, []string{"queue:dev"}, locationsHolding(t, store, id), id)
	}
}

func TestWatchdogFailsAtRetryCeiling(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	engine := NewEngine(store, nil)
	notifier := NewNotifier(store, nil)
	ctx := context.Background()

	startDevelopment(t, engine, store, "task-1")

	// A task that already burned its one retry gets failed, not requeued.
	require.NoError(t, client.HSet(ctx, store.keys.Task("task-1"), core.FieldRetryCount, "1").Err())

	cfg := core.WatchdogConfig{InflightTimeout: 30 * time.Minute, RetryCeiling: 1}
	wd := NewWatchdog(store, engine, cfg,
		WithWatchdogClock(newTestClock(time.Now().Add(35*time.Minute)).Now),
		WithWatchdogNotifier(notifier))

	report, err := wd.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1"}, report.Failed)
	assert.Empty(t, report.Requeued)

	task, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateFailed, task.State)
	assert.Equal(t, 2, task.RetryCount)
	assert.Empty(t, task.Owner)
	assert.Nil(t, task.InflightSince)
	assert.NotNil(t, task.FailedAt)
	assert.Empty(t, locationsHolding(t, store, "task-1"))

	note, err := notifier.Consume(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, note)
	assert.Equal(t, core.NotifyRetryCeilingHit, note.Kind)
}

func TestWatchdogStartStop(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	engine := NewEngine(store, nil)

	cfg := core.WatchdogConfig{ScanInterval: 50 * time.Millisecond, InflightTimeout: time.Hour}
	wd := NewWatchdog(store, engine, cfg)

	ctx := context.Background()
	require.NoError(t, wd.Start(ctx))

	err := wd.Start(ctx)
	assert.ErrorIs(t, err, core.ErrAlreadyStarted)

	require.NoError(t, wd.Stop())
	assert.NoError(t, wd.Stop(), "stopping an idle watchdog is a no-op")
}
