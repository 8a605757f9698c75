package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"prpline/core"
)

// Orchestrator is the supervisory loop. On each pass it samples queue
// depths, checks agent heartbeats for staleness, and publishes notifications
// for anything a human or autoscaler should look at. It observes and flags;
// it never touches task state.
type Orchestrator struct {
	store     *Store
	registry  *RedisAgentRegistry
	notifier  core.Notifier
	logger    core.Logger
	telemetry core.Telemetry

	interval       time.Duration
	staleAfter     time.Duration
	depthThreshold int64
	clock          func() time.Time

	// alertedAgents and alertedDepths dedupe notifications: one alert per
	// condition until it clears.
	alertedAgents map[string]bool
	alertedDepths map[core.Stage]bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// QueueDepth is one stage's backlog sample.
type QueueDepth struct {
	Stage    core.Stage `json:"stage"`
	Queued   int64      `json:"queued"`
	Inflight int64      `json:"inflight"`
}

// PipelineSnapshot is what one supervisory pass saw.
type PipelineSnapshot struct {
	Queues              []QueueDepth        `json:"queues"`
	Agents              []*core.AgentRecord `json:"agents"`
	StaleAgents         []string            `json:"stale_agents,omitempty"`
	NotificationBacklog int64               `json:"notification_backlog"`
	ObservedAt          time.Time           `json:"observed_at"`
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(l core.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithOrchestratorTelemetry sets the telemetry sink.
func WithOrchestratorTelemetry(t core.Telemetry) OrchestratorOption {
	return func(o *Orchestrator) {
		if t != nil {
			o.telemetry = t
		}
	}
}

// WithOrchestratorNotifier attaches the notifier alerts publish to.
func WithOrchestratorNotifier(n core.Notifier) OrchestratorOption {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithOrchestratorClock overrides the time source for staleness checks.
func WithOrchestratorClock(clock func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewOrchestrator creates the supervisory loop over the store and registry.
func NewOrchestrator(store *Store, registry *RedisAgentRegistry, cfg core.OrchestratorConfig, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:          store,
		registry:       registry,
		logger:         &core.NoOpLogger{},
		telemetry:      &core.NoOpTelemetry{},
		interval:       cfg.Interval,
		staleAfter:     cfg.HeartbeatStaleAfter,
		depthThreshold: cfg.DepthAlertThreshold,
		clock:          time.Now,
		alertedAgents:  make(map[string]bool),
		alertedDepths:  make(map[core.Stage]bool),
	}
	if o.interval <= 0 {
		o.interval = 30 * time.Second
	}
	if o.staleAfter <= 0 {
		o.staleAfter = 270 * time.Second
	}
	for _, opt := range opts {
		opt(o)
	}
	if cl, ok := o.logger.(core.ComponentAwareLogger); ok {
		o.logger = cl.WithComponent("orchestrator")
	}
	return o
}

// Start launches the supervisory loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return &core.PipelineError{
			Op: "Orchestrator.Start", Kind: "lifecycle",
			Message: "orchestrator already running",
			Err:     core.ErrAlreadyStarted,
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	o.running = true

	go o.run(runCtx)

	o.logger.Info("Orchestrator started", map[string]interface{}{
		"interval":        o.interval.String(),
		"stale_after":     o.staleAfter.String(),
		"depth_threshold": o.depthThreshold,
	})
	return nil
}

// Stop halts the loop and waits for the current pass.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	cancel := o.cancel
	done := o.done
	o.running = false
	o.mu.Unlock()

	cancel()
	<-done

	o.logger.Info("Orchestrator stopped", nil)
	return nil
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)

	o.observeAndLog(ctx)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.observeAndLog(ctx)
		}
	}
}

func (o *Orchestrator) observeAndLog(ctx context.Context) {
	if _, err := o.Observe(ctx); err != nil {
		o.logger.Error("Supervisory pass failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Observe runs one supervisory pass: queue depths, agent health, and the
// notification backlog. Alerts fire once per condition and re-arm when the
// condition clears.
func (o *Orchestrator) Observe(ctx context.Context) (*PipelineSnapshot, error) {
	now := o.clock()
	snapshot := &PipelineSnapshot{ObservedAt: now.UTC()}

	for _, stage := range core.AllStages {
		queued, err := o.store.Depth(ctx, core.Queue(stage))
		if err != nil {
			return nil, err
		}
		inflight, err := o.store.Depth(ctx, core.Inflight(stage))
		if err != nil {
			return nil, err
		}
		snapshot.Queues = append(snapshot.Queues, QueueDepth{
			Stage:    stage,
			Queued:   queued,
			Inflight: inflight,
		})

		o.telemetry.RecordMetric("prpline.queue.depth", float64(queued), map[string]string{
			"stage": string(stage), "list": "queue",
		})
		o.telemetry.RecordMetric("prpline.queue.depth", float64(inflight), map[string]string{
			"stage": string(stage), "list": "inflight",
		})

		o.checkDepth(ctx, stage, queued, now)
	}

	agents, err := o.registry.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	snapshot.Agents = agents

	for _, agent := range agents {
		if agent.Status == core.AgentDown {
			continue
		}
		if now.Sub(agent.LastActivity) <= o.staleAfter {
			delete(o.alertedAgents, agent.ID)
			continue
		}

		snapshot.StaleAgents = append(snapshot.StaleAgents, agent.ID)
		if err := o.registry.MarkDown(ctx, agent.ID); err != nil {
			o.logger.Warn("Cannot flag stale agent", map[string]interface{}{
				"agent_id": agent.ID,
				"error":    err.Error(),
			})
		}
		if !o.alertedAgents[agent.ID] {
			o.alertedAgents[agent.ID] = true
			o.logger.Error("Agent heartbeat stale", map[string]interface{}{
				"agent_id":      agent.ID,
				"stage":         string(agent.Stage),
				"last_activity": core.FormatTimestamp(agent.LastActivity),
			})
			o.notify(ctx, &core.Notification{
				Kind:      core.NotifyAgentDown,
				AgentID:   agent.ID,
				Stage:     agent.Stage,
				Detail:    fmt.Sprintf("no heartbeat for more than %s", o.staleAfter),
				Timestamp: now.UTC(),
			})
		}
	}

	backlog, err := o.store.rdb.LLen(ctx, o.store.keys.Notifications()).Result()
	if err == nil {
		snapshot.NotificationBacklog = backlog
		o.telemetry.RecordMetric("prpline.notifications.backlog", float64(backlog), nil)
	}

	o.logger.Debug("Supervisory pass complete", map[string]interface{}{
		"queues": len(snapshot.Queues),
		"agents": len(snapshot.Agents),
		"stale":  len(snapshot.StaleAgents),
	})
	return snapshot, nil
}

func (o *Orchestrator) checkDepth(ctx context.Context, stage core.Stage, queued int64, now time.Time) {
	if o.depthThreshold <= 0 {
		return
	}
	if queued <= o.depthThreshold {
		delete(o.alertedDepths, stage)
		return
	}
	if o.alertedDepths[stage] {
		return
	}
	o.alertedDepths[stage] = true

	o.logger.Warn("Queue depth over threshold", map[string]interface{}{
		"stage":     string(stage),
		"depth":     queued,
		"threshold": o.depthThreshold,
	})
	o.notify(ctx, &core.Notification{
		Kind:      core.NotifyScalingNeeded,
		Stage:     stage,
		Detail:    fmt.Sprintf("queue depth %d over threshold %d", queued, o.depthThreshold),
		Timestamp: now.UTC(),
	})
}

func (o *Orchestrator) notify(ctx context.Context, n *core.Notification) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Publish(ctx, n); err != nil {
		o.logger.Warn("Notification publish failed", map[string]interface{}{
			"kind":  string(n.Kind),
			"error": err.Error(),
		})
	}
}
