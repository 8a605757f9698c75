package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"prpline/core"
	"prpline/telemetry"
)

// Engine drives tasks through the transition table. Every promotion executes
// as one server-side script: preconditions are checked against live data and
// the queue move, record update, and evidence append land atomically. A
// refused promotion leaves the store untouched.
type Engine struct {
	store     *Store
	policy    core.EvidencePolicy
	logger    core.Logger
	telemetry core.Telemetry
	notifier  core.Notifier
	clock     func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger.
func WithEngineLogger(l core.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEngineTelemetry sets the telemetry sink.
func WithEngineTelemetry(t core.Telemetry) EngineOption {
	return func(e *Engine) {
		if t != nil {
			e.telemetry = t
		}
	}
}

// WithEngineNotifier attaches a notifier; promotions then publish pipeline
// events best-effort.
func WithEngineNotifier(n core.Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithEngineClock overrides the time source. Tests use this to control
// submission timestamps.
func WithEngineClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewEngine creates a promotion engine over the store. A nil policy falls
// back to the baseline evidence requirements.
func NewEngine(store *Store, policy core.EvidencePolicy, opts ...EngineOption) *Engine {
	if policy == nil {
		policy = core.DefaultEvidencePolicy()
	}
	e := &Engine{
		store:     store,
		policy:    policy,
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if cl, ok := e.logger.(core.ComponentAwareLogger); ok {
		e.logger = cl.WithComponent("engine")
	}
	return e
}

// Submit creates a task record in the new state. An empty id generates one.
// The task enters no queue until its first assignment.
func (e *Engine) Submit(ctx context.Context, taskID string) (*core.Task, error) {
	task := core.NewTask(taskID)
	task.CreatedAt = e.clock().UTC()
	task.LastTransition = task.CreatedAt

	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	e.logger.Info("Task submitted", map[string]interface{}{
		"task_id": task.ID,
		"state":   string(task.State),
	})
	e.notify(ctx, &core.Notification{
		Kind:      core.NotifyTaskSubmitted,
		TaskID:    task.ID,
		Timestamp: task.CreatedAt,
	})
	return task, nil
}

// Promote applies one transition. The zero timestamp means now.
//
// Preconditions are checked in a fixed order inside the script: the record
// must exist, its state must match the transition's source, the timestamp
// must advance the record's last transition, the evidence must declare the
// same transition type and carry every required field, and the task must sit
// in a legal source queue. The first violated precondition comes back as a
// typed error and nothing is written.
func (e *Engine) Promote(ctx context.Context, taskID string, ev core.Evidence, tt core.TransitionType, ts time.Time) (*core.PromoteResult, error) {
	const op = "Engine.Promote"

	ctx, span := e.telemetry.StartSpan(ctx, "pipeline.promote")
	defer span.End()
	span.SetAttribute("task_id", taskID)
	span.SetAttribute("transition_type", string(tt))

	route, ok := core.RouteFor(tt)
	if !ok {
		err := &core.PipelineError{
			Op: op, Kind: "state", TaskID: taskID,
			Message: fmt.Sprintf("unknown transition type %q", tt),
			Err:     core.ErrInvalidTransition,
		}
		span.RecordError(err)
		return nil, err
	}
	if ev == nil {
		err := &core.PipelineError{
			Op: op, Kind: "evidence", TaskID: taskID,
			Message: "evidence is required",
			Err:     core.ErrEvidenceMalformed,
		}
		span.RecordError(err)
		return nil, err
	}

	payload, err := core.EncodeEvidence(ev)
	if err != nil {
		perr := &core.PipelineError{
			Op: op, Kind: "evidence", TaskID: taskID,
			Message: "evidence cannot be encoded",
			Err:     core.ErrEvidenceMalformed,
		}
		span.RecordError(perr)
		return nil, perr
	}

	if ts.IsZero() {
		ts = e.clock()
	}

	started := time.Now()
	reply, err := promoteScript.Run(ctx, e.store.rdb,
		e.promoteKeys(route, taskID),
		e.promoteArgs(route, taskID, tt, ts, payload, ev)...,
	).Result()
	if err != nil {
		perr := parseScriptError(op, taskID, err)
		span.RecordError(perr)
		telemetry.AddSpanEvent(ctx, "promotion_refused",
			attribute.String("prpline.transition", string(tt)))
		telemetry.SetSpanStatus(ctx, codes.Error, "promotion refused")
		e.logger.Debug("Promotion refused", map[string]interface{}{
			"task_id":         taskID,
			"transition_type": string(tt),
			"error":           perr.Error(),
		})
		e.recordPromotion(tt, "refused", time.Since(started))
		return nil, perr
	}

	newState, evidenceKey, perr := parsePromoteReply(op, taskID, reply)
	if perr != nil {
		span.RecordError(perr)
		telemetry.SetSpanStatus(ctx, codes.Error, "promote reply malformed")
		return nil, perr
	}
	e.recordPromotion(tt, "applied", time.Since(started))
	telemetry.AddSpanEvent(ctx, "promotion_applied",
		attribute.String("prpline.transition", string(tt)),
		attribute.String("prpline.state", string(newState)))
	telemetry.SetSpanStatus(ctx, codes.Ok, string(tt))

	logFields := map[string]interface{}{
		"task_id":         taskID,
		"transition_type": string(tt),
		"new_state":       string(newState),
		"evidence_key":    evidenceKey,
	}
	if telemetry.HasTraceContext(ctx) {
		tc := telemetry.GetTraceContext(ctx)
		logFields["trace_id"] = tc.TraceID
		logFields["span_id"] = tc.SpanID
	}
	e.logger.Info("Task promoted", logFields)

	kind := core.NotifyTaskPromoted
	if newState == core.StateFailed {
		kind = core.NotifyTaskFailed
	}
	e.notify(ctx, &core.Notification{
		Kind:      kind,
		TaskID:    taskID,
		Stage:     routeStage(route),
		Detail:    string(tt),
		Timestamp: ts.UTC(),
	})

	return &core.PromoteResult{
		OK:          true,
		NewState:    newState,
		EvidenceKey: evidenceKey,
	}, nil
}

// BatchPromote applies the same transition to many tasks, each atomically on
// its own. One shared evidence value may be given, or exactly one per task.
// Failures never stop the batch; they come back in the result instead.
func (e *Engine) BatchPromote(ctx context.Context, tt core.TransitionType, ts time.Time, evidence []core.Evidence, taskIDs ...string) (*core.BatchResult, error) {
	result := &core.BatchResult{Errors: make(map[string]error)}
	if len(taskIDs) == 0 {
		return result, nil
	}
	if len(evidence) != 1 && len(evidence) != len(taskIDs) {
		return nil, &core.PipelineError{
			Op: "Engine.BatchPromote", Kind: "validation",
			Message: fmt.Sprintf("need 1 or %d evidence values, got %d", len(taskIDs), len(evidence)),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	if ts.IsZero() {
		ts = e.clock()
	}

	for i, taskID := range taskIDs {
		ev := evidence[0]
		if len(evidence) > 1 {
			ev = evidence[i]
		}
		if _, err := e.Promote(ctx, taskID, ev, tt, ts); err != nil {
			result.FailedIDs = append(result.FailedIDs, taskID)
			result.Errors[taskID] = err
			continue
		}
		result.Succeeded++
	}

	e.logger.Info("Batch promotion finished", map[string]interface{}{
		"transition_type": string(tt),
		"requested":       len(taskIDs),
		"succeeded":       result.Succeeded,
		"failed":          len(result.FailedIDs),
	})
	return result, nil
}

// Status returns a consistent snapshot of one task: record fields and queue
// membership read in the same atomic step.
func (e *Engine) Status(ctx context.Context, taskID string) (*core.StatusView, error) {
	const op = "Engine.Status"

	keys := append([]string{e.store.keys.Task(taskID)}, e.store.keys.AllLists()...)
	reply, err := statusScript.Run(ctx, e.store.rdb, keys, taskID).Result()
	if err != nil {
		return nil, parseScriptError(op, taskID, err)
	}

	parts, ok := reply.([]interface{})
	if !ok || len(parts) != 3 {
		return nil, &core.PipelineError{
			Op: op, Kind: "store", TaskID: taskID,
			Message: fmt.Sprintf("unexpected status reply %T", reply),
			Err:     core.ErrConnectionFailed,
		}
	}

	fields := map[string]string{}
	if raw, ok := parts[0].([]interface{}); ok {
		for i := 0; i+1 < len(raw); i += 2 {
			k, _ := raw[i].(string)
			v, _ := raw[i+1].(string)
			fields[k] = v
		}
	}
	task, err := core.TaskFromHash(fields)
	if err != nil {
		return nil, &core.PipelineError{
			Op: op, Kind: "store", TaskID: taskID,
			Message: "task record is corrupt",
			Err:     err,
		}
	}

	queueKey, _ := parts[1].(string)
	position := -1
	if posStr, ok := parts[2].(string); ok {
		if n, err := strconv.Atoi(posStr); err == nil {
			position = n
		}
	}

	view := &core.StatusView{
		TaskID:         task.ID,
		State:          task.State,
		LastTransition: task.LastTransition,
		TransitionType: task.TransitionType,
		RetryCount:     task.RetryCount,
		Owner:          task.Owner,
		QueuePosition:  position,
	}
	if queueKey != "" {
		view.Queue = e.store.keys.ListName(queueKey)
	}
	return view, nil
}

// promoteKeys builds the script key slice for a route: task hash, evidence
// counter, source lists, then the destination when the route has one.
func (e *Engine) promoteKeys(route core.Route, taskID string) []string {
	keys := []string{
		e.store.keys.Task(taskID),
		e.store.keys.EvidenceSeq(taskID),
	}
	for _, src := range route.Sources {
		keys = append(keys, e.store.keys.Location(src))
	}
	if route.Dest.Kind != core.LocationNone {
		keys = append(keys, e.store.keys.Location(route.Dest))
	}
	return keys
}

func (e *Engine) promoteArgs(route core.Route, taskID string, tt core.TransitionType, ts time.Time, payload []byte, ev core.Evidence) []interface{} {
	rules := e.policy.RuleSpecs(tt)
	if route.SetsOwner && !containsRule(rules, core.FieldOwner) {
		rules = append(rules, core.FieldOwner)
	}

	ownerAction := "keep"
	if route.SetsOwner {
		owner, _ := ev.Payload()[core.FieldOwner].(string)
		ownerAction = "set:" + owner
	} else if route.ClearsOwner {
		ownerAction = "clear"
	}

	inflightAction := "keep"
	if route.SetsInflight {
		inflightAction = "set"
	} else if route.ClearsInflight {
		inflightAction = "clear"
	}

	retryAction := "keep"
	if route.IncrementsRetry {
		retryAction = "incr"
	}

	return []interface{}{
		taskID,
		string(route.From),
		string(route.To),
		string(tt),
		core.FormatTimestamp(ts),
		string(payload),
		joinRules(rules),
		len(route.Sources),
		boolFlag(route.Dest.Kind != core.LocationNone),
		boolFlag(route.SourcesOptional),
		boolFlag(route.StayIfFound),
		ownerAction,
		inflightAction,
		retryAction,
		core.StateField(route.To),
		e.store.keys.EvidencePrefix(taskID),
	}
}

func parsePromoteReply(op, taskID string, reply interface{}) (core.TaskState, string, *core.PipelineError) {
	parts, ok := reply.([]interface{})
	if !ok || len(parts) < 2 {
		return "", "", &core.PipelineError{
			Op: op, Kind: "store", TaskID: taskID,
			Message: fmt.Sprintf("unexpected promote reply %T", reply),
			Err:     core.ErrConnectionFailed,
		}
	}
	stateStr, _ := parts[0].(string)
	evidenceKey, _ := parts[1].(string)
	state, err := core.ParseTaskState(stateStr)
	if err != nil {
		return "", "", &core.PipelineError{
			Op: op, Kind: "store", TaskID: taskID,
			Message: fmt.Sprintf("promote reply has invalid state %q", stateStr),
			Err:     err,
		}
	}
	return state, evidenceKey, nil
}

func (e *Engine) recordPromotion(tt core.TransitionType, outcome string, elapsed time.Duration) {
	labels := map[string]string{
		"transition_type": string(tt),
		"outcome":         outcome,
	}
	e.telemetry.RecordMetric("prpline.promotions", 1, labels)
	e.telemetry.RecordMetric("prpline.promotion.duration_ms", float64(elapsed.Milliseconds()), labels)
}

// notify publishes best-effort; a down notifier never fails a promotion.
func (e *Engine) notify(ctx context.Context, n *core.Notification) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Publish(ctx, n); err != nil {
		e.logger.Warn("Notification publish failed", map[string]interface{}{
			"kind":    string(n.Kind),
			"task_id": n.TaskID,
			"error":   err.Error(),
		})
	}
}

func routeStage(route core.Route) core.Stage {
	if route.Dest.Kind != core.LocationNone {
		return route.Dest.Stage
	}
	if len(route.Sources) > 0 {
		return route.Sources[0].Stage
	}
	return ""
}

func containsRule(rules []string, name string) bool {
	for _, r := range rules {
		if r == name || r == name+"=true" {
			return true
		}
	}
	return false
}

func joinRules(rules []string) string {
	return strings.Join(rules, ",")
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
