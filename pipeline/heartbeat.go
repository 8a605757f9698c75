package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"prpline/core"
)

// heartbeatScript refreshes liveness fields only while the record still
// exists. A heartbeat arriving after expiry fails instead of writing a
// partial record with no stage or start time; the caller re-registers with
// its full record.
//
// KEYS[1] agent hash, KEYS[2] agent set
// ARGV[1] agent id, ARGV[2] status, ARGV[3] current task,
// ARGV[4] activity timestamp, ARGV[5] ttl in milliseconds
const heartbeatLua = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return redis.error_reply("AGENT_NOT_FOUND " .. ARGV[1])
end
redis.call("HSET", KEYS[1], "status", ARGV[2], "current_task", ARGV[3], "last_activity", ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
redis.call("SADD", KEYS[2], ARGV[1])
return "ok"
`

var heartbeatScript = redis.NewScript(heartbeatLua)

// RedisAgentRegistry tracks agent liveness. Each agent owns a hash record
// that expires when its heartbeats stop, plus membership in a set the
// orchestrator enumerates. An expired record with a surviving set entry is
// the signature of a dead agent; ListAgents prunes those as it goes.
type RedisAgentRegistry struct {
	store  *Store
	ttl    time.Duration
	logger core.Logger
}

// NewAgentRegistry creates a registry over the store. ttl bounds how long an
// agent stays visible after its last heartbeat.
func NewAgentRegistry(store *Store, ttl time.Duration, logger core.Logger) *RedisAgentRegistry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("registry")
	}
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &RedisAgentRegistry{
		store:  store,
		ttl:    ttl,
		logger: logger,
	}
}

// Register writes the agent's full record and adds it to the agent set.
func (r *RedisAgentRegistry) Register(ctx context.Context, record *core.AgentRecord) error {
	if record == nil || record.ID == "" {
		return &core.PipelineError{
			Op: "Registry.Register", Kind: "validation",
			Message: "agent id is required",
			Err:     core.ErrInvalidConfiguration,
		}
	}

	key := r.store.keys.Agent(record.ID)
	pipe := r.store.rdb.TxPipeline()
	pipe.HSet(ctx, key, flatten(record.ToHash())...)
	pipe.Expire(ctx, key, r.ttl)
	pipe.SAdd(ctx, r.store.keys.AgentSet(), record.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &core.PipelineError{
			Op: "Registry.Register", Kind: "store",
			Message: fmt.Sprintf("cannot register agent %s", record.ID),
			Err:     err,
		}
	}

	r.logger.Info("Agent registered", map[string]interface{}{
		"agent_id": record.ID,
		"stage":    string(record.Stage),
		"ttl":      r.ttl.String(),
	})
	return nil
}

// Heartbeat refreshes an agent's status, current task, and activity stamp,
// and extends the record TTL. A heartbeat for an expired record fails with
// ErrAgentNotFound rather than reviving a record stripped of its stage and
// start time; the agent re-registers and carries on.
func (r *RedisAgentRegistry) Heartbeat(ctx context.Context, agentID string, status core.AgentStatus, currentTask string) error {
	if !status.Valid() {
		return &core.PipelineError{
			Op: "Registry.Heartbeat", Kind: "validation",
			Message: fmt.Sprintf("invalid agent status %q", status),
			Err:     core.ErrInvalidConfiguration,
		}
	}

	err := heartbeatScript.Run(ctx, r.store.rdb,
		[]string{r.store.keys.Agent(agentID), r.store.keys.AgentSet()},
		agentID,
		string(status),
		currentTask,
		core.FormatTimestamp(time.Now()),
		r.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return parseScriptError("Registry.Heartbeat", "", err)
	}
	return nil
}

// GetAgent loads one agent record.
func (r *RedisAgentRegistry) GetAgent(ctx context.Context, agentID string) (*core.AgentRecord, error) {
	fields, err := r.store.rdb.HGetAll(ctx, r.store.keys.Agent(agentID)).Result()
	if err != nil {
		return nil, &core.PipelineError{
			Op: "Registry.GetAgent", Kind: "store",
			Message: fmt.Sprintf("cannot read agent %s", agentID),
			Err:     err,
		}
	}
	if len(fields) == 0 {
		return nil, &core.PipelineError{
			Op: "Registry.GetAgent", Kind: "state",
			Message: fmt.Sprintf("agent %s is not registered", agentID),
			Err:     core.ErrAgentNotFound,
		}
	}
	record, err := core.AgentRecordFromHash(fields)
	if err != nil {
		return nil, &core.PipelineError{
			Op: "Registry.GetAgent", Kind: "store",
			Message: fmt.Sprintf("agent record %s is corrupt", agentID),
			Err:     err,
		}
	}
	return record, nil
}

// ListAgents returns every live agent, sorted by id. Agents whose records
// have expired are pruned from the set and omitted.
func (r *RedisAgentRegistry) ListAgents(ctx context.Context) ([]*core.AgentRecord, error) {
	ids, err := r.store.rdb.SMembers(ctx, r.store.keys.AgentSet()).Result()
	if err != nil {
		return nil, &core.PipelineError{
			Op: "Registry.ListAgents", Kind: "store",
			Message: "cannot read agent set",
			Err:     err,
		}
	}

	records := make([]*core.AgentRecord, 0, len(ids))
	for _, id := range ids {
		record, err := r.GetAgent(ctx, id)
		if err != nil {
			if errors.Is(err, core.ErrAgentNotFound) {
				// Record expired: the agent is gone, drop the set entry.
				r.store.rdb.SRem(ctx, r.store.keys.AgentSet(), id)
				continue
			}
			r.logger.Warn("Skipping unreadable agent record", map[string]interface{}{
				"agent_id": id,
				"error":    err.Error(),
			})
			continue
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// MarkDown flags an agent whose heartbeats have gone stale. The TTL is left
// alone so the record still expires on schedule; only the status changes.
func (r *RedisAgentRegistry) MarkDown(ctx context.Context, agentID string) error {
	key := r.store.keys.Agent(agentID)
	exists, err := r.store.rdb.Exists(ctx, key).Result()
	if err != nil {
		return &core.PipelineError{
			Op: "Registry.MarkDown", Kind: "store",
			Message: fmt.Sprintf("cannot check agent %s", agentID),
			Err:     err,
		}
	}
	if exists == 0 {
		return nil
	}
	if err := r.store.rdb.HSet(ctx, key, "status", string(core.AgentDown)).Err(); err != nil {
		return &core.PipelineError{
			Op: "Registry.MarkDown", Kind: "store",
			Message: fmt.Sprintf("cannot mark agent %s down", agentID),
			Err:     err,
		}
	}
	return nil
}

// Unregister removes the agent's record and set membership.
func (r *RedisAgentRegistry) Unregister(ctx context.Context, agentID string) error {
	pipe := r.store.rdb.TxPipeline()
	pipe.Del(ctx, r.store.keys.Agent(agentID))
	pipe.SRem(ctx, r.store.keys.AgentSet(), agentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &core.PipelineError{
			Op: "Registry.Unregister", Kind: "store",
			Message: fmt.Sprintf("cannot unregister agent %s", agentID),
			Err:     err,
		}
	}
	r.logger.Info("Agent unregistered", map[string]interface{}{
		"agent_id": agentID,
	})
	return nil
}

// flatten turns a field map into the alternating key/value slice HSET takes.
func flatten(fields map[string]interface{}) []interface{} {
	out := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, fmt.Sprint(v))
	}
	return out
}
