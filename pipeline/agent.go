package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"prpline/core"
	"prpline/resilience"
	"prpline/telemetry"
)

// WorkFunc performs one stage's work on a claimed task. The returned
// evidence authorizes the stage's success transition; returning an error
// fails the task instead. The pipeline treats the work itself as opaque.
type WorkFunc func(ctx context.Context, task *core.Task) (core.Evidence, error)

// AgentPool runs a set of workers against one stage queue. Each worker
// claims tasks with a blocking pop, drives the start transitions a fresh
// claim needs, invokes the work callback, and promotes or fails the task by
// the outcome. Workers heartbeat every iteration so the orchestrator can
// tell a busy agent from a dead one.
//
// A worker that dies mid-task leaves the claim on the inflight list; the
// watchdog requeues it after the inflight timeout. Nothing an agent does can
// lose a task.
type AgentPool struct {
	name     string
	stage    core.Stage
	work     WorkFunc
	store    *Store
	engine   *Engine
	registry core.AgentRegistry

	logger    core.Logger
	telemetry core.Telemetry

	workers     int
	pollTimeout time.Duration
	stopTimeout time.Duration

	retryConfig *resilience.RetryConfig
	breaker     *resilience.CircuitBreaker

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// AgentPoolOption configures an AgentPool.
type AgentPoolOption func(*AgentPool)

// WithAgentLogger sets the logger.
func WithAgentLogger(l core.Logger) AgentPoolOption {
	return func(p *AgentPool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithAgentTelemetry sets the telemetry sink.
func WithAgentTelemetry(t core.Telemetry) AgentPoolOption {
	return func(p *AgentPool) {
		if t != nil {
			p.telemetry = t
		}
	}
}

// NewAgentPool creates a worker pool for one stage.
func NewAgentPool(name string, stage core.Stage, work WorkFunc, store *Store, engine *Engine, registry core.AgentRegistry, cfg *core.Config, opts ...AgentPoolOption) (*AgentPool, error) {
	if work == nil {
		return nil, &core.PipelineError{
			Op: "NewAgentPool", Kind: "validation",
			Message: "work callback is required",
			Err:     core.ErrInvalidConfiguration,
		}
	}
	if !stage.Valid() {
		return nil, &core.PipelineError{
			Op: "NewAgentPool", Kind: "validation",
			Message: fmt.Sprintf("invalid stage %q", stage),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	if name == "" {
		name = fmt.Sprintf("%s-agent", stage)
	}

	p := &AgentPool{
		name:        name,
		stage:       stage,
		work:        work,
		store:       store,
		engine:      engine,
		registry:    registry,
		logger:      &core.NoOpLogger{},
		telemetry:   &core.NoOpTelemetry{},
		workers:     cfg.Agent.Workers,
		pollTimeout: cfg.Queue.ClaimTimeout,
		stopTimeout: cfg.Agent.StopTimeout,
		retryConfig: &resilience.RetryConfig{
			MaxAttempts:   cfg.Resilience.Retry.MaxAttempts,
			InitialDelay:  cfg.Resilience.Retry.InitialInterval,
			MaxDelay:      cfg.Resilience.Retry.MaxInterval,
			BackoffFactor: cfg.Resilience.Retry.Multiplier,
			JitterEnabled: true,
		},
	}
	if p.workers < 1 {
		p.workers = 1
	}
	if p.pollTimeout <= 0 {
		p.pollTimeout = 10 * time.Second
	}
	if p.stopTimeout <= 0 {
		p.stopTimeout = 30 * time.Second
	}

	if cfg.Resilience.CircuitBreaker.Enabled {
		breaker, err := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
			Name:             name + "-store",
			FailureThreshold: cfg.Resilience.CircuitBreaker.Threshold,
			SleepWindow:      cfg.Resilience.CircuitBreaker.Timeout,
			HalfOpenRequests: cfg.Resilience.CircuitBreaker.HalfOpenRequests,
			SuccessThreshold: 2,
		})
		if err != nil {
			return nil, err
		}
		p.breaker = breaker
	}

	for _, opt := range opts {
		opt(p)
	}
	if cl, ok := p.logger.(core.ComponentAwareLogger); ok {
		p.logger = cl.WithComponent("agent")
	}
	return p, nil
}

// Start launches the worker loops.
func (p *AgentPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return &core.PipelineError{
			Op: "AgentPool.Start", Kind: "lifecycle",
			Message: "agent pool already running",
			Err:     core.ErrAlreadyStarted,
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.name, i)
		p.wg.Add(1)
		go p.runWorker(runCtx, workerID)
	}

	p.logger.Info("Agent pool started", map[string]interface{}{
		"pool":    p.name,
		"stage":   string(p.stage),
		"workers": p.workers,
	})
	return nil
}

// Stop cancels the workers and waits for in-flight work to drain, up to the
// stop timeout. A task still running at the deadline stays on the inflight
// list for the watchdog.
func (p *AgentPool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Agent pool stopped", map[string]interface{}{"pool": p.name})
		return nil
	case <-time.After(p.stopTimeout):
		p.logger.Warn("Agent pool stop timed out", map[string]interface{}{
			"pool":    p.name,
			"timeout": p.stopTimeout.String(),
		})
		return &core.PipelineError{
			Op: "AgentPool.Stop", Kind: "lifecycle",
			Message: "workers did not drain before the stop timeout",
			Err:     core.ErrTimeout,
		}
	}
}

func (p *AgentPool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	now := time.Now().UTC()
	rec := &core.AgentRecord{
		ID:           workerID,
		Stage:        p.stage,
		Status:       core.AgentIdle,
		LastActivity: now,
		StartedAt:    now,
	}
	if err := p.registry.Register(ctx, rec); err != nil {
		p.logger.Error("Worker registration failed", map[string]interface{}{
			"agent_id": workerID,
			"error":    err.Error(),
		})
	}
	defer p.unregister(workerID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.runOnce(ctx, rec)
	}
}

// runOnce is one claim-work-promote iteration.
func (p *AgentPool) runOnce(ctx context.Context, rec *core.AgentRecord) {
	workerID := rec.ID
	p.heartbeat(ctx, rec, core.AgentIdle, "")

	taskID, err := p.store.Claim(ctx, p.stage, workerID, p.pollTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.heartbeat(ctx, rec, core.AgentError, "")
		p.logger.Error("Claim failed", map[string]interface{}{
			"agent_id": workerID,
			"stage":    string(p.stage),
			"error":    err.Error(),
		})
		p.pause(ctx, time.Second)
		return
	}
	if taskID == "" {
		return
	}

	task, err := p.loadTask(ctx, taskID)
	if err != nil {
		p.heartbeat(ctx, rec, core.AgentError, taskID)
		p.logger.Error("Claimed task cannot be loaded", map[string]interface{}{
			"agent_id": workerID,
			"task_id":  taskID,
			"error":    err.Error(),
		})
		return
	}

	task, ok := p.ensureStarted(ctx, workerID, task)
	if !ok {
		return
	}

	p.heartbeat(ctx, rec, core.AgentBusy, task.ID)
	started := time.Now()
	workCtx, span := p.telemetry.StartSpan(ctx, "agent.work")
	telemetry.SetSpanAttributes(workCtx,
		attribute.String("prpline.task.id", task.ID),
		attribute.String("prpline.stage", string(p.stage)),
		attribute.String("prpline.agent.id", workerID))
	evidence, workErr := p.invokeWork(workCtx, task)
	if workErr != nil {
		telemetry.RecordSpanError(workCtx, workErr)
	}
	span.End()

	if workErr != nil {
		if ctx.Err() != nil || errors.Is(workErr, context.Canceled) {
			// Shutdown mid-task: leave the claim for the watchdog
			// instead of failing work that may have been healthy.
			p.logger.Info("Task left inflight for recovery", map[string]interface{}{
				"agent_id": workerID,
				"task_id":  task.ID,
			})
			return
		}
		p.failTask(ctx, workerID, task, workErr.Error())
		p.recordOutcome("failed", time.Since(started))
		p.heartbeat(ctx, rec, core.AgentIdle, "")
		return
	}

	tt := successTransition(p.stage)
	if evidence == nil {
		evidence = core.RawEvidence{Type: tt}
	}
	err = p.storeCall(ctx, func() error {
		_, perr := p.engine.Promote(ctx, task.ID, evidence, tt, time.Now())
		return perr
	})
	if err != nil {
		p.logger.Error("Success promotion refused", map[string]interface{}{
			"agent_id":        workerID,
			"task_id":         task.ID,
			"transition_type": string(tt),
			"error":           err.Error(),
		})
		p.failTask(ctx, workerID, task, fmt.Sprintf("promotion refused: %v", err))
		p.recordOutcome("failed", time.Since(started))
		p.heartbeat(ctx, rec, core.AgentIdle, "")
		return
	}

	p.recordOutcome("promoted", time.Since(started))
	p.heartbeat(ctx, rec, core.AgentIdle, "")
}

// ensureStarted drives a fresh claim through its start transitions. A task
// claimed from the dev queue may be new (recovered), assigned, or already in
// development from an earlier requeue; the other stages only ever see their
// own state. Anything else is removed from the inflight list so it cannot
// wedge the claim loop.
func (p *AgentPool) ensureStarted(ctx context.Context, workerID string, task *core.Task) (*core.Task, bool) {
	if p.stage != core.StageDev {
		expected := map[core.Stage]core.TaskState{
			core.StageValidation:  core.StateValidation,
			core.StageIntegration: core.StateIntegration,
		}[p.stage]
		if task.State != expected {
			p.evictClaim(ctx, workerID, task)
			return nil, false
		}
		return task, true
	}

	switch task.State {
	case core.StateDevelopment:
		return task, true

	case core.StateNew:
		err := p.storeCall(ctx, func() error {
			_, perr := p.engine.Promote(ctx, task.ID,
				core.AssignmentEvidence{AssignedBy: workerID},
				core.TransitionNewToAssigned, time.Now())
			return perr
		})
		if err != nil {
			p.logger.Error("Assignment failed", map[string]interface{}{
				"agent_id": workerID,
				"task_id":  task.ID,
				"error":    err.Error(),
			})
			return nil, false
		}
		fallthrough

	case core.StateAssigned:
		err := p.storeCall(ctx, func() error {
			_, perr := p.engine.Promote(ctx, task.ID,
				core.StartEvidence{Owner: workerID},
				core.TransitionAssignedToDevelopment, time.Now())
			return perr
		})
		if err != nil {
			p.logger.Error("Start failed", map[string]interface{}{
				"agent_id": workerID,
				"task_id":  task.ID,
				"error":    err.Error(),
			})
			return nil, false
		}

		fresh, err := p.loadTask(ctx, task.ID)
		if err != nil {
			p.logger.Error("Reload after start failed", map[string]interface{}{
				"agent_id": workerID,
				"task_id":  task.ID,
				"error":    err.Error(),
			})
			return nil, false
		}
		return fresh, true

	default:
		p.evictClaim(ctx, workerID, task)
		return nil, false
	}
}

// evictClaim drops a claim whose record is in a state this stage can never
// work on, such as a terminal task whose id somehow re-entered the queue.
func (p *AgentPool) evictClaim(ctx context.Context, workerID string, task *core.Task) {
	p.logger.Error("Evicting claim in unworkable state", map[string]interface{}{
		"agent_id": workerID,
		"task_id":  task.ID,
		"state":    string(task.State),
		"stage":    string(p.stage),
	})
	if _, err := p.store.Remove(ctx, core.Inflight(p.stage), task.ID); err != nil {
		p.logger.Error("Eviction failed", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}
}

// invokeWork runs the callback with panic containment: a panicking work
// function fails its task instead of killing the worker.
func (p *AgentPool) invokeWork(ctx context.Context, task *core.Task) (evidence core.Evidence, err error) {
	defer func() {
		if r := recover(); r != nil {
			evidence = nil
			err = fmt.Errorf("work callback panicked: %v", r)
			p.logger.Error("Work callback panicked", map[string]interface{}{
				"task_id": task.ID,
				"panic":   fmt.Sprint(r),
			})
		}
	}()
	return p.work(ctx, task)
}

// failTask promotes the task onto its failure edge, carrying the reason in
// the evidence trail.
func (p *AgentPool) failTask(ctx context.Context, workerID string, task *core.Task, reason string) {
	current, err := p.loadTask(ctx, task.ID)
	if err != nil {
		p.logger.Error("Cannot load task for failure", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
		return
	}

	tt := failTransitionFor(current.State)
	if tt == "" {
		// Already moved on; another actor owns it now.
		p.logger.Warn("Skipping failure of task no longer in a workable state", map[string]interface{}{
			"task_id": task.ID,
			"state":   string(current.State),
		})
		return
	}

	err = p.storeCall(ctx, func() error {
		_, perr := p.engine.Promote(ctx, task.ID,
			core.FailureEvidence{
				Transition: tt,
				Reason:     reason,
				FailedBy:   workerID,
			},
			tt, time.Now())
		return perr
	})
	if err != nil {
		p.logger.Error("Failure promotion refused", map[string]interface{}{
			"task_id":         task.ID,
			"transition_type": string(tt),
			"error":           err.Error(),
		})
		return
	}

	p.logger.Warn("Task failed", map[string]interface{}{
		"agent_id": workerID,
		"task_id":  task.ID,
		"reason":   reason,
	})
}

func (p *AgentPool) loadTask(ctx context.Context, taskID string) (*core.Task, error) {
	var task *core.Task
	err := p.storeCall(ctx, func() error {
		t, err := p.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	return task, err
}

// storeCall wraps a store operation with retry and, when enabled, the
// circuit breaker. Domain refusals pass through untouched.
func (p *AgentPool) storeCall(ctx context.Context, fn func() error) error {
	return resilience.RetryWithCircuitBreaker(ctx, p.retryConfig, p.breaker, fn)
}

// heartbeat is best-effort; liveness reporting must never stall work. A
// record that expired while the worker was stalled is re-registered in full,
// so the agent reappears with its stage and start time intact.
func (p *AgentPool) heartbeat(ctx context.Context, rec *core.AgentRecord, status core.AgentStatus, currentTask string) {
	err := p.registry.Heartbeat(ctx, rec.ID, status, currentTask)
	if errors.Is(err, core.ErrAgentNotFound) {
		fresh := *rec
		fresh.Status = status
		fresh.CurrentTask = currentTask
		fresh.LastActivity = time.Now().UTC()
		err = p.registry.Register(ctx, &fresh)
	}
	if err != nil && ctx.Err() == nil {
		p.logger.Debug("Heartbeat failed", map[string]interface{}{
			"agent_id": rec.ID,
			"error":    err.Error(),
		})
	}
}

func (p *AgentPool) unregister(workerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.registry.Unregister(ctx, workerID); err != nil {
		p.logger.Warn("Worker unregister failed", map[string]interface{}{
			"agent_id": workerID,
			"error":    err.Error(),
		})
	}
}

func (p *AgentPool) pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (p *AgentPool) recordOutcome(outcome string, elapsed time.Duration) {
	labels := map[string]string{
		"stage":   string(p.stage),
		"outcome": outcome,
	}
	p.telemetry.RecordMetric("prpline.agent.tasks", 1, labels)
	p.telemetry.RecordMetric("prpline.agent.work_duration_ms", float64(elapsed.Milliseconds()), labels)
}

// successTransition maps a stage to the transition its completed work earns.
func successTransition(stage core.Stage) core.TransitionType {
	switch stage {
	case core.StageDev:
		return core.TransitionDevelopmentToValidation
	case core.StageValidation:
		return core.TransitionValidationToIntegration
	case core.StageIntegration:
		return core.TransitionIntegrationToComplete
	}
	return ""
}

// failTransitionFor maps a task's current state to its failure edge, or ""
// when the state has none.
func failTransitionFor(state core.TaskState) core.TransitionType {
	switch state {
	case core.StateAssigned:
		return core.TransitionAssignedToFailed
	case core.StateDevelopment:
		return core.TransitionDevelopmentToFailed
	case core.StateValidation:
		return core.TransitionValidationToFailed
	case core.StateIntegration:
		return core.TransitionIntegrationToFailed
	}
	return ""
}
