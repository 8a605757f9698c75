package core

import (
	"context"
	"time"
)

// Logger provides structured logging
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ComponentAwareLogger creates child loggers scoped to a component. The
// returned logger stamps every entry with the component name.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Telemetry provides distributed tracing and metrics
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// ═══════════════════════════════════════════════════════════════════════════
// Store ports
// ═══════════════════════════════════════════════════════════════════════════

// TaskStore persists task records. Records are mutated only through the
// promotion engine and the watchdog; TaskStore itself exposes creation and
// read access.
type TaskStore interface {
	// CreateTask stores a fresh record, failing with ErrTaskAlreadyExists
	// if the ID is taken.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask loads a record, failing with ErrTaskNotFound if absent.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// ListTasks returns every stored record. Used by the watchdog's
	// structural scan and the inspection CLI; not a hot path.
	ListTasks(ctx context.Context) ([]*Task, error)
}

// StageQueues exposes the stage queue and inflight list membership.
type StageQueues interface {
	// Push adds a task ID to the head of a list (FIFO with Claim/PopTail).
	Push(ctx context.Context, loc Location, taskID string) error

	// Remove deletes a task ID from a list, reporting whether it was found.
	Remove(ctx context.Context, loc Location, taskID string) (bool, error)

	// Claim blocks up to timeout for work on the stage's queue, atomically
	// moving the claimed ID onto the stage's inflight list and stamping the
	// record with owner and inflight_since. Returns "" with a nil error
	// when the timeout elapses with no work.
	Claim(ctx context.Context, stage Stage, owner string, timeout time.Duration) (string, error)

	// Members returns a snapshot of a list, head first.
	Members(ctx context.Context, loc Location) ([]string, error)

	// Depth returns a list's current length.
	Depth(ctx context.Context, loc Location) (int64, error)
}

// EvidenceStore reads the immutable evidence history. Entries are written
// only by the promote script.
type EvidenceStore interface {
	// GetEvidence loads one entry by task ID and sequence number.
	GetEvidence(ctx context.Context, taskID string, seq int64) (*EvidenceRecord, error)

	// ListEvidence returns a task's entries in sequence order.
	ListEvidence(ctx context.Context, taskID string) ([]*EvidenceRecord, error)
}

// EvidenceRecord is one immutable audit entry, addressable by its Key.
type EvidenceRecord struct {
	TaskID         string                 `json:"task_id"`
	Seq            int64                  `json:"seq"`
	TransitionType TransitionType         `json:"transition_type"`
	Timestamp      time.Time              `json:"timestamp"`
	Payload        map[string]interface{} `json:"payload"`
	Key            string                 `json:"key"`
}

// ═══════════════════════════════════════════════════════════════════════════
// Promotion port
// ═══════════════════════════════════════════════════════════════════════════

// PromoteResult reports a successful promotion.
type PromoteResult struct {
	OK          bool      `json:"ok"`
	NewState    TaskState `json:"new_state"`
	EvidenceKey string    `json:"evidence_key,omitempty"`
}

// BatchResult reports a batch promotion. Succeeded counts fully promoted
// tasks; FailedIDs preserves submission order; Errors maps each failed ID to
// the error its individual promotion produced.
type BatchResult struct {
	Succeeded int              `json:"succeeded"`
	FailedIDs []string         `json:"failed_ids,omitempty"`
	Errors    map[string]error `json:"-"`
}

// StatusView is a read-only snapshot of a task's state and queue membership,
// taken atomically so the two can never disagree.
type StatusView struct {
	TaskID         string         `json:"task_id"`
	State          TaskState      `json:"state"`
	LastTransition time.Time      `json:"last_transition"`
	TransitionType TransitionType `json:"transition_type,omitempty"`
	RetryCount     int            `json:"retry_count"`
	Owner          string         `json:"owner,omitempty"`

	// Queue names the list currently holding the task ("" when none);
	// QueuePosition is the 0-based distance from the dequeue end, -1 when
	// the task is in no list.
	Queue         string `json:"queue,omitempty"`
	QueuePosition int    `json:"queue_position"`
}

// Promoter advances tasks through the pipeline. Implementations must make
// each promotion atomic: a failed call leaves records and queues unchanged.
type Promoter interface {
	// Submit creates a task in StateNew. An empty ID generates one.
	Submit(ctx context.Context, taskID string) (*Task, error)

	// Promote applies one transition, gated on evidence. The evidence's
	// declared transition type must equal tt.
	Promote(ctx context.Context, taskID string, ev Evidence, tt TransitionType, ts time.Time) (*PromoteResult, error)

	// BatchPromote applies the same transition to many tasks. Atomicity is
	// per task; partial success across the batch is expected.
	BatchPromote(ctx context.Context, tt TransitionType, ts time.Time, evidence []Evidence, taskIDs ...string) (*BatchResult, error)

	// Status reports state and queue membership from one atomic snapshot.
	Status(ctx context.Context, taskID string) (*StatusView, error)
}

// ═══════════════════════════════════════════════════════════════════════════
// Agent registry and notification ports
// ═══════════════════════════════════════════════════════════════════════════

// AgentRegistry tracks agent heartbeat records.
type AgentRegistry interface {
	Register(ctx context.Context, record *AgentRecord) error
	Heartbeat(ctx context.Context, agentID string, status AgentStatus, currentTask string) error
	GetAgent(ctx context.Context, agentID string) (*AgentRecord, error)
	ListAgents(ctx context.Context) ([]*AgentRecord, error)
	Unregister(ctx context.Context, agentID string) error
}

// Notifier publishes and consumes coordination notifications. Notifications
// are advisory; nothing in the pipeline mutates task state because of one.
type Notifier interface {
	Publish(ctx context.Context, n *Notification) error

	// Consume blocks up to timeout for the next notification, returning
	// nil with a nil error when the timeout elapses.
	Consume(ctx context.Context, timeout time.Duration) (*Notification, error)
}

// ═══════════════════════════════════════════════════════════════════════════
// No-op implementations
// ═══════════════════════════════════════════════════════════════════════════

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (n *NoOpLogger) WithComponent(component string) Logger { return n }

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan provides a no-op span implementation
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}
