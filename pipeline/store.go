package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"prpline/core"
)

// Store is the Redis-backed coordination store. It implements
// core.TaskStore, core.StageQueues, and core.EvidenceStore over a shared
// client; the promotion engine and watchdog run their scripts through it.
type Store struct {
	rdb    *redis.Client
	keys   Keys
	logger core.Logger
}

// NewStore wraps a connected client with the namespace's key scheme.
func NewStore(rdb *redis.Client, namespace string, logger core.Logger) *Store {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("store")
	}
	return &Store{
		rdb:    rdb,
		keys:   NewKeys(namespace),
		logger: logger,
	}
}

// Keys exposes the key scheme for callers that need raw access, such as the
// CLI's inspection commands.
func (s *Store) Keys() Keys {
	return s.keys
}

// ═══════════════════════════════════════════════════════════════════════════
// Task records
// ═══════════════════════════════════════════════════════════════════════════

// CreateTask persists a fresh task record. The write is refused when a
// record with the same id already exists.
func (s *Store) CreateTask(ctx context.Context, task *core.Task) error {
	if task == nil || task.ID == "" {
		return &core.PipelineError{
			Op: "Store.CreateTask", Kind: "validation",
			Message: "task id is required",
			Err:     core.ErrInvalidConfiguration,
		}
	}

	args := []interface{}{task.ID}
	for field, value := range task.ToHash() {
		args = append(args, field, fmt.Sprint(value))
	}

	err := createScript.Run(ctx, s.rdb, []string{s.keys.Task(task.ID)}, args...).Err()
	if err != nil {
		return parseScriptError("Store.CreateTask", task.ID, err)
	}

	s.logger.Debug("Task record created", map[string]interface{}{
		"task_id": task.ID,
		"state":   string(task.State),
	})
	return nil
}

// GetTask loads one task record.
func (s *Store) GetTask(ctx context.Context, taskID string) (*core.Task, error) {
	fields, err := s.rdb.HGetAll(ctx, s.keys.Task(taskID)).Result()
	if err != nil {
		return nil, &core.PipelineError{
			Op: "Store.GetTask", Kind: "store", TaskID: taskID,
			Message: "cannot read task record",
			Err:     err,
		}
	}

	task, err := core.TaskFromHash(fields)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			return nil, &core.PipelineError{
				Op: "Store.GetTask", Kind: "state", TaskID: taskID,
				Message: "task record does not exist",
				Err:     core.ErrTaskNotFound,
			}
		}
		return nil, &core.PipelineError{
			Op: "Store.GetTask", Kind: "store", TaskID: taskID,
			Message: "task record is corrupt",
			Err:     err,
		}
	}
	return task, nil
}

// ListTasks scans every task record in the namespace, ordered by creation
// time then id. Records deleted mid-scan are skipped.
func (s *Store) ListTasks(ctx context.Context) ([]*core.Task, error) {
	var tasks []*core.Task

	iter := s.rdb.Scan(ctx, 0, s.keys.TaskPattern(), 100).Iterator()
	for iter.Next(ctx) {
		fields, err := s.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, &core.PipelineError{
				Op: "Store.ListTasks", Kind: "store",
				Message: fmt.Sprintf("cannot read %s", iter.Val()),
				Err:     err,
			}
		}
		if len(fields) == 0 {
			continue
		}
		task, err := core.TaskFromHash(fields)
		if err != nil {
			s.logger.Warn("Skipping corrupt task record", map[string]interface{}{
				"key":   iter.Val(),
				"error": err.Error(),
			})
			continue
		}
		tasks = append(tasks, task)
	}
	if err := iter.Err(); err != nil {
		return nil, &core.PipelineError{
			Op: "Store.ListTasks", Kind: "store",
			Message: "task scan failed",
			Err:     err,
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Stage queues
// ═══════════════════════════════════════════════════════════════════════════

// Push appends a task id to a list. Promotions move tasks through scripts;
// Push exists for recovery tooling and tests.
func (s *Store) Push(ctx context.Context, loc core.Location, taskID string) error {
	key := s.keys.Location(loc)
	if key == "" {
		return &core.PipelineError{
			Op: "Store.Push", Kind: "validation", TaskID: taskID,
			Message: "cannot push to the none location",
			Err:     core.ErrInvalidConfiguration,
		}
	}
	if err := s.rdb.LPush(ctx, key, taskID).Err(); err != nil {
		return &core.PipelineError{
			Op: "Store.Push", Kind: "store", TaskID: taskID,
			Message: fmt.Sprintf("cannot push to %s", s.keys.ListName(key)),
			Err:     err,
		}
	}
	return nil
}

// Remove deletes one occurrence of the task id from a list, reporting
// whether anything was removed.
func (s *Store) Remove(ctx context.Context, loc core.Location, taskID string) (bool, error) {
	key := s.keys.Location(loc)
	if key == "" {
		return false, nil
	}
	n, err := s.rdb.LRem(ctx, key, 1, taskID).Result()
	if err != nil {
		return false, &core.PipelineError{
			Op: "Store.Remove", Kind: "store", TaskID: taskID,
			Message: fmt.Sprintf("cannot remove from %s", s.keys.ListName(key)),
			Err:     err,
		}
	}
	return n > 0, nil
}

// Claim blocks until a task id arrives on the stage queue, moves it onto the
// stage's inflight list, and stamps the claim onto the task record. Returns
// "" when the timeout passes with nothing to claim.
//
// The pop-and-move is a single BRPOPLPUSH, so a crash after it leaves the id
// on the inflight list where the watchdog will find it.
func (s *Store) Claim(ctx context.Context, stage core.Stage, owner string, timeout time.Duration) (string, error) {
	taskID, err := s.rdb.BRPopLPush(ctx, s.keys.Queue(stage), s.keys.Inflight(stage), timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		if ctx.Err() != nil {
			return "", &core.PipelineError{
				Op: "Store.Claim", Kind: "queue",
				Message: "claim interrupted",
				Err:     core.ErrContextCanceled,
			}
		}
		return "", &core.PipelineError{
			Op: "Store.Claim", Kind: "store",
			Message: fmt.Sprintf("claim on %s failed", string(stage)),
			Err:     err,
		}
	}

	now := core.FormatTimestamp(time.Now())
	key := s.keys.Task(taskID)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err == nil && exists == 1 {
		err = s.rdb.HSet(ctx, key,
			core.FieldOwner, owner,
			core.FieldInflightSince, now,
		).Err()
	}
	if err != nil {
		// The claim itself stands; the watchdog falls back to
		// last_transition when the stamp is missing.
		s.logger.Warn("Claim stamp failed", map[string]interface{}{
			"task_id": taskID,
			"owner":   owner,
			"error":   err.Error(),
		})
	}

	return taskID, nil
}

// Members returns the ids in a list in dequeue order: index 0 leaves the
// list next.
func (s *Store) Members(ctx context.Context, loc core.Location) ([]string, error) {
	key := s.keys.Location(loc)
	if key == "" {
		return nil, nil
	}
	ids, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, &core.PipelineError{
			Op: "Store.Members", Kind: "store",
			Message: fmt.Sprintf("cannot read %s", s.keys.ListName(key)),
			Err:     err,
		}
	}
	// Lists push at the head and pop at the tail; reverse so the caller
	// sees dequeue order.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

// Depth returns the number of ids in a list.
func (s *Store) Depth(ctx context.Context, loc core.Location) (int64, error) {
	key := s.keys.Location(loc)
	if key == "" {
		return 0, nil
	}
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, &core.PipelineError{
			Op: "Store.Depth", Kind: "store",
			Message: fmt.Sprintf("cannot measure %s", s.keys.ListName(key)),
			Err:     err,
		}
	}
	return n, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Evidence trail
// ═══════════════════════════════════════════════════════════════════════════

// GetEvidence loads one immutable evidence entry by sequence number.
func (s *Store) GetEvidence(ctx context.Context, taskID string, seq int64) (*core.EvidenceRecord, error) {
	key := s.keys.Evidence(taskID, seq)
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, &core.PipelineError{
			Op: "Store.GetEvidence", Kind: "store", TaskID: taskID,
			Message: fmt.Sprintf("cannot read evidence entry %d", seq),
			Err:     err,
		}
	}
	if len(fields) == 0 {
		return nil, &core.PipelineError{
			Op: "Store.GetEvidence", Kind: "evidence", TaskID: taskID,
			Message: fmt.Sprintf("no evidence entry %d", seq),
			Err:     core.ErrEvidenceNotFound,
		}
	}
	return evidenceRecordFromHash(taskID, key, fields)
}

// ListEvidence returns every evidence entry for a task in sequence order.
// A task with no promotions yet yields an empty slice.
func (s *Store) ListEvidence(ctx context.Context, taskID string) ([]*core.EvidenceRecord, error) {
	raw, err := s.rdb.Get(ctx, s.keys.EvidenceSeq(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, &core.PipelineError{
			Op: "Store.ListEvidence", Kind: "store", TaskID: taskID,
			Message: "cannot read evidence sequence",
			Err:     err,
		}
	}
	max, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, &core.PipelineError{
			Op: "Store.ListEvidence", Kind: "store", TaskID: taskID,
			Message: fmt.Sprintf("evidence sequence %q is corrupt", raw),
			Err:     err,
		}
	}

	records := make([]*core.EvidenceRecord, 0, max)
	for seq := int64(1); seq <= max; seq++ {
		rec, err := s.GetEvidence(ctx, taskID, seq)
		if err != nil {
			if errors.Is(err, core.ErrEvidenceNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func evidenceRecordFromHash(taskID, key string, fields map[string]string) (*core.EvidenceRecord, error) {
	seq, err := strconv.ParseInt(fields["seq"], 10, 64)
	if err != nil {
		return nil, &core.PipelineError{
			Op: "Store.GetEvidence", Kind: "store", TaskID: taskID,
			Message: fmt.Sprintf("evidence entry %s has corrupt seq %q", key, fields["seq"]),
			Err:     err,
		}
	}
	ts, err := core.ParseTimestamp(fields["timestamp"])
	if err != nil {
		return nil, &core.PipelineError{
			Op: "Store.GetEvidence", Kind: "store", TaskID: taskID,
			Message: fmt.Sprintf("evidence entry %s has corrupt timestamp", key),
			Err:     err,
		}
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(fields["payload"]), &payload); err != nil {
		return nil, &core.PipelineError{
			Op: "Store.GetEvidence", Kind: "store", TaskID: taskID,
			Message: fmt.Sprintf("evidence entry %s has corrupt payload", key),
			Err:     err,
		}
	}
	return &core.EvidenceRecord{
		TaskID:         fields["task_id"],
		Seq:            seq,
		TransitionType: core.TransitionType(fields["transition_type"]),
		Timestamp:      ts,
		Payload:        payload,
		Key:            key,
	}, nil
}
