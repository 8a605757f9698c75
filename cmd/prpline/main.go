package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"prpline/core"
	"prpline/pipeline"
	"prpline/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "prpline",
	Short: "PRP pipeline coordination CLI",
	Long: `prpline coordinates tasks through a fixed state machine backed by Redis.

Tasks are submitted into the dev queue and advance through development,
validation and integration toward complete. Every promotion is validated
server-side in one atomic step: the current state must allow the transition,
the timestamp must move forward, the evidence payload must satisfy the
policy for the transition, and the task must sit in an expected queue.
A refused promotion changes nothing.

Workers claim tasks with a blocking pop into a per-stage inflight list, run
their work, and promote with evidence. The watchdog returns stalled claims
to their queue and recovers tasks that exist in no list. The orchestrator
only observes: queue depths, agent heartbeats and the notification feed.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PRPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("redis-url", "", "redis connection URL (overrides config file and env)")
	rootCmd.PersistentFlags().String("namespace", "", "key namespace (default prpline)")
	rootCmd.PersistentFlags().String("config-file", "", "path to YAML config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("redis-url", rootCmd.PersistentFlags().Lookup("redis-url"))
	_ = viper.BindPFlag("namespace", rootCmd.PersistentFlags().Lookup("namespace"))
	_ = viper.BindPFlag("config-file", rootCmd.PersistentFlags().Lookup("config-file"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(promoteCmd())
	rootCmd.AddCommand(batchPromoteCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(queuesCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(watchdogCmd())
	rootCmd.AddCommand(orchestratorCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(configCmd())
}

func submitCmd() *cobra.Command {
	var assign bool
	cmd := &cobra.Command{
		Use:   "submit [task-id...]",
		Short: "Submit tasks",
		Long: `Creates task records in state new. Without arguments a single task with a
generated ID is submitted. A task enters the dev queue when it is promoted to
assigned; --assign performs that promotion immediately so workers can claim
the task.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := args
			if len(ids) == 0 {
				ids = []string{""}
			}
			return withPipeline(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				created := make([]*core.Task, 0, len(ids))
				for _, id := range ids {
					t, err := rt.engine.Submit(ctx, id)
					if err != nil {
						return err
					}
					if assign {
						ev := core.AssignmentEvidence{AssignedBy: "prpline-cli"}
						if _, err := rt.engine.Promote(ctx, t.ID, ev, core.TransitionNewToAssigned, time.Time{}); err != nil {
							return err
						}
						t, err = rt.store.GetTask(ctx, t.ID)
						if err != nil {
							return err
						}
					}
					created = append(created, t)
				}
				if viper.GetBool("json") {
					return printJSON(created)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Created At"})
				for _, t := range created {
					tw.AppendRow(table.Row{t.ID, t.State, t.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&assign, "assign", false, "immediately promote into the dev queue")
	return cmd
}

func promoteCmd() *cobra.Command {
	var transition, evidenceJSON, timestamp string
	cmd := &cobra.Command{
		Use:   "promote <task-id>",
		Short: "Promote a task along one transition",
		Long: `Validates and applies a single state transition. The evidence payload is
a JSON object whose fields are checked against the evidence policy for the
transition. A refused promotion leaves the task record, queues and evidence
log untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tt, err := core.ParseTransitionType(transition)
			if err != nil {
				return err
			}
			ev, err := evidenceFromFlag(tt, evidenceJSON)
			if err != nil {
				return err
			}
			ts, err := timestampFromFlag(timestamp)
			if err != nil {
				return err
			}
			return withPipeline(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				res, err := rt.engine.Promote(ctx, args[0], ev, tt, ts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&transition, "transition", "", "transition type, e.g. development_to_validation")
	cmd.Flags().StringVar(&evidenceJSON, "evidence", "{}", "evidence payload as a JSON object")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "transition timestamp (RFC 3339, defaults to now)")
	_ = cmd.MarkFlagRequired("transition")
	return cmd
}

func batchPromoteCmd() *cobra.Command {
	var transition, evidenceJSON, timestamp string
	cmd := &cobra.Command{
		Use:   "batch-promote <task-id>...",
		Short: "Promote several tasks along the same transition",
		Long: `Applies one transition to each listed task, sharing a single evidence
payload and timestamp. Each task promotes or refuses independently; a refusal
never rolls back the others.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tt, err := core.ParseTransitionType(transition)
			if err != nil {
				return err
			}
			ev, err := evidenceFromFlag(tt, evidenceJSON)
			if err != nil {
				return err
			}
			ts, err := timestampFromFlag(timestamp)
			if err != nil {
				return err
			}
			return withPipeline(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				res, err := rt.engine.BatchPromote(ctx, tt, ts, []core.Evidence{ev}, args...)
				if err != nil {
					return err
				}
				out := map[string]any{
					"succeeded":  res.Succeeded,
					"failed_ids": res.FailedIDs,
					"errors":     errorStrings(res.Errors),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Succeeded: %d\n", res.Succeeded)
				for _, id := range res.FailedIDs {
					fmt.Printf("Failed: %s: %v\n", id, res.Errors[id])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&transition, "transition", "", "transition type applied to every task")
	cmd.Flags().StringVar(&evidenceJSON, "evidence", "{}", "shared evidence payload as a JSON object")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "shared transition timestamp (RFC 3339, defaults to now)")
	_ = cmd.MarkFlagRequired("transition")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task's state and queue position",
		Long:  "Reads the task record and its queue membership in one atomic snapshot, so the state and the list holding the task can never disagree.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				view, err := rt.engine.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				fmt.Printf("Task: %s\n", view.TaskID)
				fmt.Printf("State: %s\n", view.State)
				fmt.Printf("Retries: %d\n", view.RetryCount)
				if view.Owner != "" {
					fmt.Printf("Owner: %s\n", view.Owner)
				}
				if view.Queue != "" {
					fmt.Printf("Queue: %s (position %d)\n", view.Queue, view.QueuePosition)
				} else {
					fmt.Println("Queue: none")
				}
				fmt.Printf("Last transition: %s (%s)\n", view.LastTransition.Format(time.RFC3339), view.TransitionType)
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Inspect task records"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskEvidenceCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				tasks, err := rt.store.ListTasks(ctx)
				if err != nil {
					return err
				}
				if state != "" {
					filtered := tasks[:0]
					for _, t := range tasks {
						if string(t.State) == state {
							filtered = append(filtered, t)
						}
					}
					tasks = filtered
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Retries", "Owner", "Last Transition"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.State, t.RetryCount, t.Owner, t.LastTransition.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				t, err := rt.store.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskEvidenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence <task-id>",
		Short: "Show a task's evidence log",
		Long:  "Lists every evidence entry recorded for the task, in promotion order. Entries are append-only and survive the task reaching a terminal state.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				entries, err := rt.store.ListEvidence(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Transition", "Timestamp", "Payload"})
				for _, e := range entries {
					payload, _ := json.Marshal(e.Payload)
					tw.AppendRow(table.Row{e.Seq, e.TransitionType, e.Timestamp.Format(time.RFC3339), string(payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func queuesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queues",
		Short: "Show queue and inflight depths per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				type depth struct {
					Stage    core.Stage `json:"stage"`
					Queued   int64      `json:"queued"`
					Inflight int64      `json:"inflight"`
				}
				depths := make([]depth, 0, len(core.AllStages))
				for _, stage := range core.AllStages {
					q, err := rt.store.Depth(ctx, core.Queue(stage))
					if err != nil {
						return err
					}
					inf, err := rt.store.Depth(ctx, core.Inflight(stage))
					if err != nil {
						return err
					}
					depths = append(depths, depth{Stage: stage, Queued: q, Inflight: inf})
				}
				if viper.GetBool("json") {
					return printJSON(depths)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Queued", "Inflight"})
				for _, d := range depths {
					tw.AppendRow(table.Row{d.Stage, d.Queued, d.Inflight})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				agents, err := rt.registry.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Status", "Current Task", "Last Activity"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.ID, a.Stage, a.Status, a.CurrentTask, a.LastActivity.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Run stage workers"}
	agent.AddCommand(agentRunCmd())
	return agent
}

func agentRunCmd() *cobra.Command {
	var stageName, name, workCmd string
	var workers int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a worker pool against a stage queue",
		Long: `Claims tasks from the stage queue and runs the work command once per task.
The command sees PRPLINE_TASK_ID, PRPLINE_STAGE and PRPLINE_RETRY_COUNT in its
environment. If its last stdout line parses as a JSON object, that object
becomes the evidence payload for the success promotion. A non-zero exit fails
the task. Without --exec the worker promotes with an empty payload, which only
satisfies transitions whose policy requires no fields.

Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := core.ParseStage(stageName)
			if err != nil {
				return err
			}
			return withPipeline(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				if workers > 0 {
					rt.cfg.Agent.Workers = workers
				}
				poolOpts := []pipeline.AgentPoolOption{pipeline.WithAgentLogger(rt.logger)}
				if rt.telemetry != nil {
					poolOpts = append(poolOpts, pipeline.WithAgentTelemetry(rt.telemetry))
				}
				pool, err := pipeline.NewAgentPool(name, stage, execWork(stage, workCmd), rt.store, rt.engine, rt.registry, rt.cfg, poolOpts...)
				if err != nil {
					return err
				}
				if err := pool.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				return pool.Stop()
			})
		},
	}
	cmd.Flags().StringVar(&stageName, "stage", "dev", "stage to work (dev, validation, integration)")
	cmd.Flags().StringVar(&name, "name", "agent", "worker pool name")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker count (default from config)")
	cmd.Flags().StringVar(&workCmd, "exec", "", "shell command to run per task")
	return cmd
}

func watchdogCmd() *cobra.Command {
	wd := &cobra.Command{Use: "watchdog", Short: "Recover stalled and orphaned tasks"}
	wd.AddCommand(watchdogRunCmd())
	wd.AddCommand(watchdogScanCmd())
	return wd
}

func watchdogRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the recovery loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				wd := pipeline.NewWatchdog(rt.store, rt.engine, rt.cfg.Watchdog, watchdogOptions(rt)...)
				if err := wd.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				return wd.Stop()
			})
		},
	}
	return cmd
}

func watchdogScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one recovery scan and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				wd := pipeline.NewWatchdog(rt.store, rt.engine, rt.cfg.Watchdog, watchdogOptions(rt)...)
				report, err := wd.Scan(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func watchdogOptions(rt *runtime) []pipeline.WatchdogOption {
	opts := []pipeline.WatchdogOption{
		pipeline.WithWatchdogLogger(rt.logger),
		pipeline.WithWatchdogNotifier(rt.notifier),
	}
	if rt.telemetry != nil {
		opts = append(opts, pipeline.WithWatchdogTelemetry(rt.telemetry))
	}
	return opts
}

func orchestratorCmd() *cobra.Command {
	orch := &cobra.Command{Use: "orchestrator", Short: "Observe pipeline health"}
	orch.AddCommand(orchestratorRunCmd())
	orch.AddCommand(orchestratorObserveCmd())
	return orch
}

func orchestratorRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the observation loop until interrupted",
		Long: `Periodically records queue depths, marks agents whose heartbeats have gone
stale and watches the notification backlog. The orchestrator never moves a
task; recovery belongs to the watchdog.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				orch := pipeline.NewOrchestrator(rt.store, rt.registry, rt.cfg.Orchestrator, orchestratorOptions(rt)...)
				if err := orch.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				return orch.Stop()
			})
		},
	}
	return cmd
}

func orchestratorObserveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Take one pipeline snapshot and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				orch := pipeline.NewOrchestrator(rt.store, rt.registry, rt.cfg.Orchestrator, orchestratorOptions(rt)...)
				snap, err := orch.Observe(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Queued", "Inflight"})
				for _, q := range snap.Queues {
					tw.AppendRow(table.Row{q.Stage, q.Queued, q.Inflight})
				}
				tw.Render()
				if len(snap.Agents) > 0 {
					aw := table.NewWriter()
					aw.SetOutputMirror(os.Stdout)
					aw.AppendHeader(table.Row{"Agent", "Stage", "Status", "Current Task"})
					for _, a := range snap.Agents {
						aw.AppendRow(table.Row{a.ID, a.Stage, a.Status, a.CurrentTask})
					}
					aw.Render()
				}
				if len(snap.StaleAgents) > 0 {
					fmt.Printf("Stale agents: %s\n", strings.Join(snap.StaleAgents, ", "))
				}
				fmt.Printf("Notification backlog: %d\n", snap.NotificationBacklog)
				return nil
			})
		},
	}
	return cmd
}

func orchestratorOptions(rt *runtime) []pipeline.OrchestratorOption {
	opts := []pipeline.OrchestratorOption{
		pipeline.WithOrchestratorLogger(rt.logger),
		pipeline.WithOrchestratorNotifier(rt.notifier),
	}
	if rt.telemetry != nil {
		opts = append(opts, pipeline.WithOrchestratorTelemetry(rt.telemetry))
	}
	return opts
}

func notificationsCmd() *cobra.Command {
	n := &cobra.Command{Use: "notifications", Short: "Pipeline event feed"}
	n.AddCommand(notificationsTailCmd())
	return n
}

func notificationsTailCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Consume and print notifications",
		Long: `Pops notifications from the feed and prints one JSON object per line.
Consumption is destructive: each event is delivered to exactly one consumer.
With --follow the command keeps waiting for new events until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				enc := json.NewEncoder(os.Stdout)
				timeout := time.Second
				if follow {
					timeout = 5 * time.Second
				}
				for {
					note, err := rt.notifier.Consume(ctx, timeout)
					if err != nil {
						if ctx.Err() != nil {
							return nil
						}
						return err
					}
					if note == nil {
						if follow {
							continue
						}
						return nil
					}
					if err := enc.Encode(note); err != nil {
						return err
					}
				}
			})
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "keep waiting for new events")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect effective configuration"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config after defaults, file and env",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := buildConfig()
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

// --- helpers ---

// runtime bundles the wired components a command works against.
type runtime struct {
	cfg       *core.Config
	logger    core.Logger
	store     *pipeline.Store
	engine    *pipeline.Engine
	registry  *pipeline.RedisAgentRegistry
	notifier  *pipeline.RedisNotifier
	telemetry core.Telemetry
}

func withPipeline(ctx context.Context, fn func(context.Context, *runtime) error) error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	logger := core.NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)

	rdb, err := pipeline.NewRedisClient(cfg, logger)
	if err != nil {
		return err
	}
	defer rdb.Close()

	var tel core.Telemetry
	if cfg.Telemetry.Enabled {
		provider, perr := telemetry.NewProvider(cfg.Telemetry, cfg.Name)
		if perr != nil {
			return perr
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
		tel = provider
	}

	store := pipeline.NewStore(rdb, cfg.Namespace, logger)
	policy, err := cfg.EvidencePolicy()
	if err != nil {
		return err
	}
	notifier := pipeline.NewNotifier(store, logger)

	engineOpts := []pipeline.EngineOption{
		pipeline.WithEngineLogger(logger),
		pipeline.WithEngineNotifier(notifier),
	}
	if tel != nil {
		engineOpts = append(engineOpts, pipeline.WithEngineTelemetry(tel))
	}
	eng := pipeline.NewEngine(store, policy, engineOpts...)
	registry := pipeline.NewAgentRegistry(store, cfg.Agent.HeartbeatTTL, logger)

	return fn(ctx, &runtime{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		engine:    eng,
		registry:  registry,
		notifier:  notifier,
		telemetry: tel,
	})
}

func buildConfig() (*core.Config, error) {
	var opts []core.Option
	if path := viper.GetString("config-file"); path != "" {
		opts = append(opts, core.WithConfigFile(path))
	}
	if url := viper.GetString("redis-url"); url != "" {
		opts = append(opts, core.WithRedisURL(url))
	}
	if ns := viper.GetString("namespace"); ns != "" {
		opts = append(opts, core.WithNamespace(ns))
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		opts = append(opts, core.WithLogLevel(lvl))
	}
	return core.NewConfig(opts...)
}

// execWork adapts a shell command into the pool's work callback. The last
// stdout line, when it parses as a JSON object, becomes the evidence payload
// for the stage's success transition.
func execWork(stage core.Stage, command string) pipeline.WorkFunc {
	tt := successTransitionFor(stage)
	return func(ctx context.Context, task *core.Task) (core.Evidence, error) {
		if command == "" {
			return nil, nil
		}
		proc := exec.CommandContext(ctx, "sh", "-c", command)
		proc.Env = append(os.Environ(),
			"PRPLINE_TASK_ID="+task.ID,
			"PRPLINE_STAGE="+string(stage),
			fmt.Sprintf("PRPLINE_RETRY_COUNT=%d", task.RetryCount),
		)
		proc.Stderr = os.Stderr
		out, err := proc.Output()
		if err != nil {
			return nil, fmt.Errorf("work command: %w", err)
		}
		fields := lastJSONLine(out)
		if fields == nil {
			return nil, nil
		}
		return core.RawEvidence{Type: tt, Fields: fields}, nil
	}
}

func successTransitionFor(stage core.Stage) core.TransitionType {
	switch stage {
	case core.StageValidation:
		return core.TransitionValidationToIntegration
	case core.StageIntegration:
		return core.TransitionIntegrationToComplete
	default:
		return core.TransitionDevelopmentToValidation
	}
}

func lastJSONLine(out []byte) map[string]interface{} {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var fields map[string]interface{}
		if json.Unmarshal([]byte(line), &fields) == nil {
			return fields
		}
		return nil
	}
	return nil
}

func evidenceFromFlag(tt core.TransitionType, raw string) (core.Evidence, error) {
	fields := map[string]interface{}{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, fmt.Errorf("--evidence must be a JSON object: %w", err)
		}
	}
	return core.RawEvidence{Type: tt, Fields: fields}, nil
}

func timestampFromFlag(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return core.ParseTimestamp(raw)
}

func errorStrings(errs map[string]error) map[string]string {
	out := make(map[string]string, len(errs))
	for id, err := range errs {
		out[id] = err.Error()
	}
	return out
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
