package pipeline

import (
	"strings"

	"github.com/go-redis/redis/v8"

	"prpline/core"
)

// ═══════════════════════════════════════════════════════════════════════════
// Server-side scripts
// ═══════════════════════════════════════════════════════════════════════════
//
// Every mutation that must be atomic runs as a Lua script: validation reads
// come first, writes only begin once every precondition has passed, so a
// rejected call leaves the store byte-for-byte unchanged. Scripts are loaded
// once and invoked by SHA, keeping each promotion a single round trip.

// createScript writes a fresh task record unless one already exists.
//
// KEYS[1] task hash
// ARGV[1] task id, ARGV[2..] alternating field/value pairs
const createLua = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return redis.error_reply("TASK_EXISTS " .. ARGV[1])
end
for i = 2, #ARGV, 2 do
  redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
return "created"
`

// promoteScript applies one transition atomically. All checks run before any
// write: record existence, state match, timestamp causality, evidence type
// and required fields, then source queue membership. The queue move, record
// update, and evidence append happen together or not at all.
//
// KEYS[1] task hash
// KEYS[2] evidence sequence counter
// KEYS[3..2+numSources] candidate source lists
// KEYS[3+numSources]    destination list (only when hasDest)
//
// ARGV[1] task id           ARGV[9]  hasDest "1"/"0"
// ARGV[2] expected state    ARGV[10] sourcesOptional "1"/"0"
// ARGV[3] target state      ARGV[11] stayIfFound "1"/"0"
// ARGV[4] transition type   ARGV[12] owner action keep|clear|set:<owner>
// ARGV[5] timestamp         ARGV[13] inflight action keep|set|clear
// ARGV[6] evidence JSON     ARGV[14] retry action keep|incr
// ARGV[7] required fields   ARGV[15] state timestamp field
// ARGV[8] numSources        ARGV[16] evidence key prefix
const promoteLua = `
local task_key = KEYS[1]
local seq_key = KEYS[2]

local task_id = ARGV[1]
local from_state = ARGV[2]
local to_state = ARGV[3]
local tt = ARGV[4]
local ts = ARGV[5]
local evidence_json = ARGV[6]
local required_spec = ARGV[7]
local num_sources = tonumber(ARGV[8])
local has_dest = ARGV[9] == "1"
local sources_optional = ARGV[10] == "1"
local stay_if_found = ARGV[11] == "1"
local owner_action = ARGV[12]
local inflight_action = ARGV[13]
local retry_action = ARGV[14]
local state_field = ARGV[15]
local evidence_prefix = ARGV[16]

if redis.call("EXISTS", task_key) == 0 then
  return redis.error_reply("TASK_NOT_FOUND " .. task_id)
end

local current = redis.call("HGET", task_key, "state")
if current ~= from_state then
  return redis.error_reply("INVALID_TRANSITION current=" .. tostring(current) .. " requested=" .. tt)
end

local last = redis.call("HGET", task_key, "last_transition")
if last and last ~= "" and ts <= last then
  return redis.error_reply("STALE_TIMESTAMP " .. ts)
end

local ok, ev = pcall(cjson.decode, evidence_json)
if not ok or type(ev) ~= "table" then
  return redis.error_reply("EVIDENCE_MALFORMED " .. task_id)
end
local ev_tt = ev["transition_type"]
if ev_tt ~= tt then
  return redis.error_reply("EVIDENCE_MISMATCH got=" .. tostring(ev_tt))
end

if required_spec ~= "" then
  local missing = {}
  for rule in string.gmatch(required_spec, "[^,]+") do
    local name = rule
    local want_true = false
    if string.sub(rule, -5) == "=true" then
      name = string.sub(rule, 1, -6)
      want_true = true
    end
    local v = ev[name]
    local present
    if v == nil then
      present = false
    elseif cjson.null ~= nil and v == cjson.null then
      present = false
    elseif want_true then
      present = v == true
    elseif type(v) == "string" then
      present = v ~= ""
    elseif type(v) == "table" then
      present = next(v) ~= nil
    else
      present = true
    end
    if not present then
      table.insert(missing, name)
    end
  end
  if #missing > 0 then
    return redis.error_reply("EVIDENCE_INCOMPLETE missing=" .. table.concat(missing, ","))
  end
end

local src_key = nil
if num_sources > 0 then
  for i = 1, num_sources do
    local k = KEYS[2 + i]
    local members = redis.call("LRANGE", k, 0, -1)
    for j = 1, #members do
      if members[j] == task_id then
        src_key = k
        break
      end
    end
    if src_key then
      break
    end
  end
  if not src_key and not sources_optional then
    return redis.error_reply("NOT_IN_SOURCE_QUEUE " .. task_id)
  end
end

-- every check has passed; writes begin here

local dest_key = nil
if has_dest then
  dest_key = KEYS[2 + num_sources + 1]
end

if src_key then
  if not (stay_if_found or src_key == dest_key) then
    redis.call("LREM", src_key, 1, task_id)
    if dest_key then
      redis.call("LPUSH", dest_key, task_id)
    end
  end
elseif dest_key then
  redis.call("LPUSH", dest_key, task_id)
end

redis.call("HSET", task_key, "state", to_state)
redis.call("HSET", task_key, "last_transition", ts)
redis.call("HSET", task_key, "transition_type", tt)
if state_field ~= "" then
  redis.call("HSET", task_key, state_field, ts)
end

if owner_action == "clear" then
  redis.call("HSET", task_key, "owner", "")
elseif string.sub(owner_action, 1, 4) == "set:" then
  redis.call("HSET", task_key, "owner", string.sub(owner_action, 5))
end

if inflight_action == "set" then
  redis.call("HSET", task_key, "inflight_since", ts)
elseif inflight_action == "clear" then
  redis.call("HDEL", task_key, "inflight_since")
end

if retry_action == "incr" then
  redis.call("HINCRBY", task_key, "retry_count", 1)
end

local seq = redis.call("INCR", seq_key)
local ev_key = evidence_prefix .. string.format("%d", seq)
redis.call("HSET", ev_key, "task_id", task_id)
redis.call("HSET", ev_key, "seq", string.format("%d", seq))
redis.call("HSET", ev_key, "transition_type", tt)
redis.call("HSET", ev_key, "timestamp", ts)
redis.call("HSET", ev_key, "payload", evidence_json)

return {to_state, ev_key, string.format("%d", seq)}
`

// statusScript reads a task record and its queue membership in one atomic
// step so the two can never disagree.
//
// KEYS[1] task hash, KEYS[2..] every stage list
// ARGV[1] task id
//
// Returns {hash fields, list key or "", position from the dequeue end}.
const statusLua = `
local fields = redis.call("HGETALL", KEYS[1])
if #fields == 0 then
  return redis.error_reply("TASK_NOT_FOUND " .. ARGV[1])
end
local queue = ""
local pos = -1
for i = 2, #KEYS do
  local members = redis.call("LRANGE", KEYS[i], 0, -1)
  local n = #members
  for j = 1, n do
    if members[j] == ARGV[1] then
      queue = KEYS[i]
      pos = n - j
      break
    end
  end
  if queue ~= "" then
    break
  end
end
return {fields, queue, string.format("%d", pos)}
`

// requeueScript returns one stalled inflight claim to its stage queue, or
// fails the task when another retry would pass the ceiling. The staleness
// check reruns inside the script so a promotion racing the watchdog wins.
//
// KEYS[1] task hash, KEYS[2] inflight list, KEYS[3] stage queue
// ARGV[1] task id, ARGV[2] timestamp, ARGV[3] retry ceiling, ARGV[4] cutoff
//
// Returns {verdict, retry count} with verdict skipped|requeued|failed.
const requeueLua = `
local task_key = KEYS[1]
local task_id = ARGV[1]
local ts = ARGV[2]
local ceiling = tonumber(ARGV[3])
local cutoff = ARGV[4]

local found = false
local members = redis.call("LRANGE", KEYS[2], 0, -1)
for j = 1, #members do
  if members[j] == task_id then
    found = true
    break
  end
end
if not found then
  return {"skipped", "0"}
end

local since = redis.call("HGET", task_key, "inflight_since")
if not since or since == "" then
  since = redis.call("HGET", task_key, "last_transition")
end
if since and since ~= "" and since > cutoff then
  return {"skipped", "0"}
end

local retries = tonumber(redis.call("HGET", task_key, "retry_count") or "0") or 0

if ceiling > 0 and retries + 1 > ceiling then
  redis.call("LREM", KEYS[2], 1, task_id)
  redis.call("HSET", task_key, "state", "failed")
  redis.call("HSET", task_key, "last_transition", ts)
  redis.call("HSET", task_key, "failed_at", ts)
  redis.call("HSET", task_key, "owner", "")
  redis.call("HDEL", task_key, "inflight_since")
  redis.call("HINCRBY", task_key, "retry_count", 1)
  return {"failed", string.format("%d", retries + 1)}
end

redis.call("LREM", KEYS[2], 1, task_id)
redis.call("LPUSH", KEYS[3], task_id)
redis.call("HSET", task_key, "last_transition", ts)
redis.call("HSET", task_key, "owner", "")
redis.call("HDEL", task_key, "inflight_since")
redis.call("HINCRBY", task_key, "retry_count", 1)
return {"requeued", string.format("%d", retries + 1)}
`

// recoverScript marks a structural orphan: a task whose state implies list
// membership (assigned through integration) while no list holds it. The
// membership scan and the mark are atomic, so a task claimed mid-scan is
// left alone. When another retry would pass the ceiling the task is failed
// instead.
//
// KEYS[1] task hash, KEYS[2..] every stage list
// ARGV[1] task id, ARGV[2] timestamp, ARGV[3] retry ceiling
//
// Returns skipped|orphaned|failed.
const recoverLua = `
local task_key = KEYS[1]
local task_id = ARGV[1]
local ts = ARGV[2]
local ceiling = tonumber(ARGV[3])

local current = redis.call("HGET", task_key, "state")
if current ~= "assigned" and current ~= "development"
    and current ~= "validation" and current ~= "integration" then
  return "skipped"
end

for i = 2, #KEYS do
  local members = redis.call("LRANGE", KEYS[i], 0, -1)
  for j = 1, #members do
    if members[j] == task_id then
      return "skipped"
    end
  end
end

local retries = tonumber(redis.call("HGET", task_key, "retry_count") or "0") or 0
if ceiling > 0 and retries + 1 > ceiling then
  redis.call("HSET", task_key, "state", "failed")
  redis.call("HSET", task_key, "last_transition", ts)
  redis.call("HSET", task_key, "failed_at", ts)
  redis.call("HSET", task_key, "owner", "")
  redis.call("HDEL", task_key, "inflight_since")
  redis.call("HINCRBY", task_key, "retry_count", 1)
  return "failed"
end

redis.call("HSET", task_key, "state", "orphaned")
redis.call("HSET", task_key, "last_transition", ts)
redis.call("HSET", task_key, "orphaned_at", ts)
redis.call("HSET", task_key, "owner", "")
redis.call("HDEL", task_key, "inflight_since")
return "orphaned"
`

var (
	createScript  = redis.NewScript(createLua)
	promoteScript = redis.NewScript(promoteLua)
	statusScript  = redis.NewScript(statusLua)
	requeueScript = redis.NewScript(requeueLua)
	recoverScript = redis.NewScript(recoverLua)
)

// parseScriptError maps a script error reply onto the error surface. Replies
// the scripts never produce pass through wrapped as store errors.
func parseScriptError(op, taskID string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.TrimPrefix(err.Error(), "ERR ")

	switch {
	case strings.HasPrefix(msg, "TASK_NOT_FOUND"):
		return &core.PipelineError{
			Op: op, Kind: "state", TaskID: taskID,
			Message: "task record does not exist",
			Err:     core.ErrTaskNotFound,
		}
	case strings.HasPrefix(msg, "AGENT_NOT_FOUND"):
		return &core.PipelineError{
			Op: op, Kind: "state",
			Message: "agent record has expired or was never registered",
			Err:     core.ErrAgentNotFound,
		}
	case strings.HasPrefix(msg, "TASK_EXISTS"):
		return &core.PipelineError{
			Op: op, Kind: "state", TaskID: taskID,
			Message: "task record already exists",
			Err:     core.ErrTaskAlreadyExists,
		}
	case strings.HasPrefix(msg, "INVALID_TRANSITION"):
		return &core.PipelineError{
			Op: op, Kind: "state", TaskID: taskID,
			Message: strings.TrimSpace(strings.TrimPrefix(msg, "INVALID_TRANSITION")),
			Err:     core.ErrInvalidTransition,
		}
	case strings.HasPrefix(msg, "NOT_IN_SOURCE_QUEUE"):
		return &core.PipelineError{
			Op: op, Kind: "queue", TaskID: taskID,
			Message: "task not found in source queue",
			Err:     core.ErrTaskNotFound,
		}
	case strings.HasPrefix(msg, "STALE_TIMESTAMP"):
		return &core.PipelineError{
			Op: op, Kind: "state", TaskID: taskID,
			Message: "transition timestamp not after last transition",
			Err:     core.ErrStaleTimestamp,
		}
	case strings.HasPrefix(msg, "EVIDENCE_MISMATCH"):
		return &core.PipelineError{
			Op: op, Kind: "evidence", TaskID: taskID,
			Message: strings.TrimSpace(strings.TrimPrefix(msg, "EVIDENCE_MISMATCH")),
			Err:     core.ErrEvidenceMismatch,
		}
	case strings.HasPrefix(msg, "EVIDENCE_MALFORMED"):
		return &core.PipelineError{
			Op: op, Kind: "evidence", TaskID: taskID,
			Message: "evidence payload is not valid JSON",
			Err:     core.ErrEvidenceMalformed,
		}
	case strings.HasPrefix(msg, "EVIDENCE_INCOMPLETE"):
		rest := strings.TrimSpace(strings.TrimPrefix(msg, "EVIDENCE_INCOMPLETE"))
		rest = strings.TrimPrefix(rest, "missing=")
		var missing []string
		if rest != "" {
			missing = strings.Split(rest, ",")
		}
		return &core.PipelineError{
			Op: op, Kind: "evidence", TaskID: taskID,
			Message: "evidence is missing required fields",
			Missing: missing,
			Err:     core.ErrEvidenceIncomplete,
		}
	}

	return &core.PipelineError{
		Op: op, Kind: "store", TaskID: taskID,
		Message: "script execution failed",
		Err:     err,
	}
}
