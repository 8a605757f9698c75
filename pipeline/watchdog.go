package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"prpline/core"
)

// Watchdog recovers tasks that agents abandoned. It runs two scans on a
// fixed interval:
//
//   - Timeout scan: an inflight claim older than the configured timeout is
//     returned to its stage queue with retry_count incremented and the claim
//     stamp cleared.
//   - Structural scan: a task whose state implies list membership (assigned,
//     development, validation, integration) while no queue or inflight list
//     holds it is marked orphaned and promoted back to new, which re-enqueues
//     it. A task already sitting in the orphaned state is re-enqueued
//     directly, so a crash between the mark and the re-enqueue is repaired by
//     the next scan.
//
// Both recoveries run as atomic scripts that recheck their preconditions, so
// an agent promotion racing a scan always wins. When the retry ceiling is
// set, a recovery that would pass it fails the task instead of requeueing.
type Watchdog struct {
	store     *Store
	engine    *Engine
	notifier  core.Notifier
	logger    core.Logger
	telemetry core.Telemetry

	scanInterval    time.Duration
	inflightTimeout time.Duration
	retryCeiling    int
	clock           func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// ScanReport summarizes one watchdog pass.
type ScanReport struct {
	Requeued  []string `json:"requeued,omitempty"`  // stalled claims returned to their stage queue
	Recovered []string `json:"recovered,omitempty"` // structural orphans re-enqueued as new
	Failed    []string `json:"failed,omitempty"`    // tasks failed at the retry ceiling
}

// WatchdogOption configures a Watchdog.
type WatchdogOption func(*Watchdog)

// WithWatchdogLogger sets the logger.
func WithWatchdogLogger(l core.Logger) WatchdogOption {
	return func(w *Watchdog) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithWatchdogTelemetry sets the telemetry sink.
func WithWatchdogTelemetry(t core.Telemetry) WatchdogOption {
	return func(w *Watchdog) {
		if t != nil {
			w.telemetry = t
		}
	}
}

// WithWatchdogNotifier attaches a notifier for recovery events.
func WithWatchdogNotifier(n core.Notifier) WatchdogOption {
	return func(w *Watchdog) {
		w.notifier = n
	}
}

// WithWatchdogClock overrides the time source for staleness checks.
func WithWatchdogClock(clock func() time.Time) WatchdogOption {
	return func(w *Watchdog) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// NewWatchdog creates a watchdog over the store. Recovered orphans re-enter
// the pipeline through the engine so their audit trail stays complete.
func NewWatchdog(store *Store, engine *Engine, cfg core.WatchdogConfig, opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		store:           store,
		engine:          engine,
		logger:          &core.NoOpLogger{},
		telemetry:       &core.NoOpTelemetry{},
		scanInterval:    cfg.ScanInterval,
		inflightTimeout: cfg.InflightTimeout,
		retryCeiling:    cfg.RetryCeiling,
		clock:           time.Now,
	}
	if w.scanInterval <= 0 {
		w.scanInterval = 60 * time.Second
	}
	if w.inflightTimeout <= 0 {
		w.inflightTimeout = 30 * time.Minute
	}
	for _, opt := range opts {
		opt(w)
	}
	if cl, ok := w.logger.(core.ComponentAwareLogger); ok {
		w.logger = cl.WithComponent("watchdog")
	}
	return w
}

// Start launches the scan loop. The first scan runs immediately.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return &core.PipelineError{
			Op: "Watchdog.Start", Kind: "lifecycle",
			Message: "watchdog already running",
			Err:     core.ErrAlreadyStarted,
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.run(runCtx)

	w.logger.Info("Watchdog started", map[string]interface{}{
		"scan_interval":    w.scanInterval.String(),
		"inflight_timeout": w.inflightTimeout.String(),
		"retry_ceiling":    w.retryCeiling,
	})
	return nil
}

// Stop halts the scan loop and waits for the current pass to finish.
func (w *Watchdog) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	done := w.done
	w.running = false
	w.mu.Unlock()

	cancel()
	<-done

	w.logger.Info("Watchdog stopped", nil)
	return nil
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.done)

	w.scanAndLog(ctx)

	ticker := time.NewTicker(w.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scanAndLog(ctx)
		}
	}
}

func (w *Watchdog) scanAndLog(ctx context.Context) {
	report, err := w.Scan(ctx)
	if err != nil {
		w.logger.Error("Watchdog scan failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if len(report.Requeued)+len(report.Recovered)+len(report.Failed) > 0 {
		w.logger.Info("Watchdog recovered tasks", map[string]interface{}{
			"requeued":  len(report.Requeued),
			"recovered": len(report.Recovered),
			"failed":    len(report.Failed),
		})
	}
}

// Scan runs one full recovery pass and reports what it changed. Individual
// task failures are logged and skipped; the scan keeps going so one corrupt
// record never blocks recovery of the rest.
func (w *Watchdog) Scan(ctx context.Context) (*ScanReport, error) {
	report := &ScanReport{}

	if err := w.scanInflight(ctx, report); err != nil {
		return report, err
	}
	if err := w.scanStructural(ctx, report); err != nil {
		return report, err
	}
	return report, nil
}

// scanInflight requeues claims older than the inflight timeout.
func (w *Watchdog) scanInflight(ctx context.Context, report *ScanReport) error {
	now := w.clock()
	cutoff := core.FormatTimestamp(now.Add(-w.inflightTimeout))

	for _, stage := range core.AllStages {
		ids, err := w.store.Members(ctx, core.Inflight(stage))
		if err != nil {
			return err
		}

		for _, taskID := range ids {
			if ctx.Err() != nil {
				return nil
			}
			if !w.claimLooksStale(ctx, taskID, now) {
				continue
			}

			verdict, retries, err := w.requeue(ctx, stage, taskID, cutoff)
			if err != nil {
				w.logger.Warn("Requeue failed", map[string]interface{}{
					"task_id": taskID,
					"stage":   string(stage),
					"error":   err.Error(),
				})
				continue
			}

			switch verdict {
			case "requeued":
				report.Requeued = append(report.Requeued, taskID)
				w.telemetry.RecordMetric("prpline.watchdog.requeued", 1, map[string]string{"stage": string(stage)})
				w.logger.Warn("Stalled claim requeued", map[string]interface{}{
					"task_id":     taskID,
					"stage":       string(stage),
					"retry_count": retries,
				})
				w.notify(ctx, &core.Notification{
					Kind:      core.NotifyTaskRequeued,
					TaskID:    taskID,
					Stage:     stage,
					Detail:    fmt.Sprintf("inflight longer than %s", w.inflightTimeout),
					Timestamp: now.UTC(),
				})
			case "failed":
				report.Failed = append(report.Failed, taskID)
				w.telemetry.RecordMetric("prpline.watchdog.ceiling_failures", 1, map[string]string{"stage": string(stage)})
				w.logger.Error("Task failed at retry ceiling", map[string]interface{}{
					"task_id":     taskID,
					"stage":       string(stage),
					"retry_count": retries,
					"ceiling":     w.retryCeiling,
				})
				w.notify(ctx, &core.Notification{
					Kind:      core.NotifyRetryCeilingHit,
					TaskID:    taskID,
					Stage:     stage,
					Detail:    fmt.Sprintf("retry ceiling %d reached", w.retryCeiling),
					Timestamp: now.UTC(),
				})
			}
		}
	}
	return nil
}

// claimLooksStale pre-filters with a plain read; the requeue script recheck
// is what actually decides.
func (w *Watchdog) claimLooksStale(ctx context.Context, taskID string, now time.Time) bool {
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		// Missing or corrupt record: let the script look at it.
		return true
	}
	since := task.LastTransition
	if task.InflightSince != nil {
		since = *task.InflightSince
	}
	return now.Sub(since) >= w.inflightTimeout
}

func (w *Watchdog) requeue(ctx context.Context, stage core.Stage, taskID, cutoff string) (string, int, error) {
	reply, err := requeueScript.Run(ctx, w.store.rdb,
		[]string{
			w.store.keys.Task(taskID),
			w.store.keys.Inflight(stage),
			w.store.keys.Queue(stage),
		},
		taskID,
		core.FormatTimestamp(w.clock()),
		w.retryCeiling,
		cutoff,
	).Result()
	if err != nil {
		return "", 0, parseScriptError("Watchdog.requeue", taskID, err)
	}

	parts, ok := reply.([]interface{})
	if !ok || len(parts) != 2 {
		return "", 0, &core.PipelineError{
			Op: "Watchdog.requeue", Kind: "store", TaskID: taskID,
			Message: fmt.Sprintf("unexpected requeue reply %T", reply),
			Err:     core.ErrConnectionFailed,
		}
	}
	verdict, _ := parts[0].(string)
	retries := 0
	if s, ok := parts[1].(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			retries = n
		}
	}
	return verdict, retries, nil
}

// scanStructural finds tasks whose state implies list membership while no
// list holds them, marks them orphaned, and promotes them back to new
// through the engine. Tasks already in the orphaned state skip the mark and
// go straight to re-enqueue, making an interrupted recovery resumable.
func (w *Watchdog) scanStructural(ctx context.Context, report *ScanReport) error {
	tasks, err := w.store.ListTasks(ctx)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			return nil
		}

		var verdict string
		switch task.State {
		case core.StateOrphaned:
			verdict = "orphaned"
		case core.StateAssigned, core.StateDevelopment, core.StateValidation, core.StateIntegration:
			verdict, err = w.recover(ctx, task.ID)
			if err != nil {
				w.logger.Warn("Orphan check failed", map[string]interface{}{
					"task_id": task.ID,
					"error":   err.Error(),
				})
				continue
			}
		default:
			continue
		}

		switch verdict {
		case "orphaned":
			if err := w.reenqueueOrphan(ctx, task.ID); err != nil {
				w.logger.Error("Orphan re-enqueue failed", map[string]interface{}{
					"task_id": task.ID,
					"error":   err.Error(),
				})
				continue
			}
			report.Recovered = append(report.Recovered, task.ID)
			w.telemetry.RecordMetric("prpline.watchdog.orphans_recovered", 1, nil)
			w.logger.Warn("Structural orphan recovered", map[string]interface{}{
				"task_id": task.ID,
				"state":   string(task.State),
			})
			w.notify(ctx, &core.Notification{
				Kind:      core.NotifyOrphanRecovered,
				TaskID:    task.ID,
				Detail:    fmt.Sprintf("%s task held by no list", task.State),
				Timestamp: w.clock().UTC(),
			})
		case "failed":
			report.Failed = append(report.Failed, task.ID)
			w.telemetry.RecordMetric("prpline.watchdog.ceiling_failures", 1, nil)
			w.logger.Error("Orphan failed at retry ceiling", map[string]interface{}{
				"task_id": task.ID,
				"ceiling": w.retryCeiling,
			})
			w.notify(ctx, &core.Notification{
				Kind:      core.NotifyRetryCeilingHit,
				TaskID:    task.ID,
				Detail:    fmt.Sprintf("retry ceiling %d reached", w.retryCeiling),
				Timestamp: w.clock().UTC(),
			})
		}
	}
	return nil
}

func (w *Watchdog) recover(ctx context.Context, taskID string) (string, error) {
	keys := append([]string{w.store.keys.Task(taskID)}, w.store.keys.AllLists()...)
	reply, err := recoverScript.Run(ctx, w.store.rdb, keys,
		taskID,
		core.FormatTimestamp(w.clock()),
		w.retryCeiling,
	).Result()
	if err != nil {
		return "", parseScriptError("Watchdog.recover", taskID, err)
	}
	verdict, _ := reply.(string)
	return verdict, nil
}

func (w *Watchdog) reenqueueOrphan(ctx context.Context, taskID string) error {
	_, err := w.engine.Promote(ctx, taskID,
		core.RecoveryEvidence{
			Transition: core.TransitionOrphanedToNew,
			Cause:      "structural orphan",
		},
		core.TransitionOrphanedToNew,
		w.clock(),
	)
	return err
}

func (w *Watchdog) notify(ctx context.Context, n *core.Notification) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Publish(ctx, n); err != nil {
		w.logger.Warn("Notification publish failed", map[string]interface{}{
			"kind":    string(n.Kind),
			"task_id": n.TaskID,
			"error":   err.Error(),
		})
	}
}
