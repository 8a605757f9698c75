package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"prpline/core"
)

func TestNotifierPublishConsume(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	notifier := NewNotifier(store, nil)
	ctx := context.Background()

	err := notifier.Publish(ctx, &core.Notification{
		Kind:   core.NotifyTaskPromoted,
		TaskID: "task-1",
		Stage:  core.StageDev,
		Detail: "assigned_to_development",
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	note, err := notifier.Consume(ctx, time.Second)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if note == nil {
		t.Fatal("Expected a notification")
	}
	if note.Kind != core.NotifyTaskPromoted || note.TaskID != "task-1" || note.Stage != core.StageDev {
		t.Errorf("Round trip mismatch: %+v", note)
	}
	if note.Timestamp.IsZero() {
		t.Error("Expected publish to stamp a missing timestamp")
	}
}

func TestNotifierOrderAndDepth(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	notifier := NewNotifier(store, nil)
	ctx := context.Background()

	for _, id := range []string{"first", "second", "third"} {
		err := notifier.Publish(ctx, &core.Notification{Kind: core.NotifyTaskSubmitted, TaskID: id})
		if err != nil {
			t.Fatalf("Publish(%s) failed: %v", id, err)
		}
	}

	depth, err := notifier.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 3 {
		t.Errorf("Expected depth 3, got %d", depth)
	}

	for _, want := range []string{"first", "second", "third"} {
		note, err := notifier.Consume(ctx, time.Second)
		if err != nil {
			t.Fatalf("Consume failed: %v", err)
		}
		if note == nil || note.TaskID != want {
			t.Fatalf("Expected %s next, got %+v", want, note)
		}
	}
}

func TestNotifierEmptyAndEdgeCases(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewStore(client, "prpline", nil)
	notifier := NewNotifier(store, nil)
	ctx := context.Background()

	// Publishing nil is a no-op, not an error.
	if err := notifier.Publish(ctx, nil); err != nil {
		t.Errorf("Expected nil publish to be a no-op, got %v", err)
	}

	note, err := notifier.Consume(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Consume on empty channel failed: %v", err)
	}
	if note != nil {
		t.Errorf("Expected no notification, got %+v", note)
	}

	// An undecodable entry is dropped so one bad write cannot wedge readers.
	if err := client.LPush(ctx, store.keys.Notifications(), "{not json").Err(); err != nil {
		t.Fatalf("LPush failed: %v", err)
	}
	note, err = notifier.Consume(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Consume of garbage entry failed: %v", err)
	}
	if note != nil {
		t.Errorf("Expected garbage to be dropped, got %+v", note)
	}
	depth, err := notifier.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("Expected drained channel, got depth %d", depth)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = notifier.Consume(canceled, time.Second)
	if !errors.Is(err, core.ErrContextCanceled) {
		t.Errorf("Expected ErrContextCanceled, got %v", err)
	}
}

func TestEnginePublishesLifecycleNotifications(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(client, "prpline", nil)
	notifier := NewNotifier(store, nil)
	engine := NewEngine(store, nil,
		WithEngineClock(newTestClock(base).Now),
		WithEngineNotifier(notifier))
	ctx := context.Background()

	if _, err := engine.Submit(ctx, "task-1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	mustPromote(t, engine, "task-1", core.AssignmentEvidence{},
		core.TransitionNewToAssigned, base.Add(1*time.Second))
	mustPromote(t, engine, "task-1", core.StartEvidence{Owner: "agent-1"},
		core.TransitionAssignedToDevelopment, base.Add(2*time.Second))
	mustPromote(t, engine, "task-1",
		core.FailureEvidence{Transition: core.TransitionDevelopmentToFailed, Reason: "broken build"},
		core.TransitionDevelopmentToFailed, base.Add(3*time.Second))

	wantKinds := []core.NotificationKind{
		core.NotifyTaskSubmitted,
		core.NotifyTaskPromoted,
		core.NotifyTaskPromoted,
		core.NotifyTaskFailed,
	}
	var last *core.Notification
	for i, want := range wantKinds {
		note, err := notifier.Consume(ctx, time.Second)
		if err != nil {
			t.Fatalf("Consume %d failed: %v", i, err)
		}
		if note == nil {
			t.Fatalf("Expected notification %d", i)
		}
		if note.Kind != want {
			t.Errorf("Notification %d: expected kind %s, got %s", i, want, note.Kind)
		}
		if note.TaskID != "task-1" {
			t.Errorf("Notification %d: expected task-1, got %s", i, note.TaskID)
		}
		last = note
	}
	if last.Detail != string(core.TransitionDevelopmentToFailed) {
		t.Errorf("Expected failure detail %s, got %q", core.TransitionDevelopmentToFailed, last.Detail)
	}

	note, err := notifier.Consume(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if note != nil {
		t.Errorf("Expected drained channel, got %+v", note)
	}
}
