package faststore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coordhub/coordhub/pkg/broker"
	"github.com/redis/go-redis/v9"
)

// requestLockScript runs the whole acquisition as a single atomic round
// trip: read the current record, decide absent/expired/readers-compatible/
// conflict, and install or enqueue accordingly. Redis runs a Lua script
// without interleaving from any other client, which is what makes the
// read-then-decide-then-write sequence safe without a separate lock.
// Waiters are stored as JSON so the release path can hand them back to
// the bridge as typed entries.
//
// Queued waiters take precedence over newcomers: a free key with a
// non-empty queue is granted only to the waiter at the head (its retry
// after a lock_retry signal); any other caller joins the tail. Waiter
// entries carry their own expiry so a waiter that never retries cannot
// block the queue past the lock timeout.
var requestLockScript = redis.NewScript(`
local lockKey = KEYS[1]
local readersKey = KEYS[2]
local waitersKey = KEYS[3]
local agentID = ARGV[1]
local kind = ARGV[2]
local nowMs = tonumber(ARGV[3])
local ttlMs = tonumber(ARGV[4])
local maxWaiters = tonumber(ARGV[5])

local function enqueue()
  local waiter = '{"agent_id":"' .. agentID .. '","lock_type":"' .. kind ..
    '","enqueued_at_ms":' .. nowMs .. ',"expires_at_ms":' .. (nowMs + ttlMs) .. '}'
  redis.call('RPUSH', waitersKey, waiter)
end

local function pruneWaiters()
  while true do
    local head = redis.call('LINDEX', waitersKey, 0)
    if not head then return end
    local exp = tonumber(string.match(head, '"expires_at_ms":(%d+)'))
    if exp and nowMs >= exp then
      redis.call('LPOP', waitersKey)
    else
      return
    end
  end
end

local holderKind = redis.call('HGET', lockKey, 'holder_kind')
local expired = false
if holderKind then
  local ts = tonumber(redis.call('HGET', lockKey, 'timestamp_ms'))
  local ttl = tonumber(redis.call('HGET', lockKey, 'ttl_ms'))
  if ts and ttl and nowMs >= (ts + ttl) then
    expired = true
  end
end

if holderKind and not expired then
  if holderKind == 'readers' and kind == 'read' then
    redis.call('SADD', readersKey, agentID)
    return 'READER:' .. agentID
  end
  if maxWaiters > 0 and redis.call('LLEN', waitersKey) >= maxWaiters then
    return 'QUEUE_FULL'
  end
  enqueue()
  return 'CONFLICT'
end

if expired then
  redis.call('DEL', lockKey)
  redis.call('DEL', readersKey)
end

pruneWaiters()
if redis.call('LLEN', waitersKey) > 0 then
  local head = redis.call('LINDEX', waitersKey, 0)
  if string.match(head, '"agent_id":"(.-)"') == agentID then
    redis.call('LPOP', waitersKey)
  else
    if maxWaiters > 0 and redis.call('LLEN', waitersKey) >= maxWaiters then
      return 'QUEUE_FULL'
    end
    enqueue()
    return 'CONFLICT'
  end
end

if kind == 'read' then
  redis.call('HSET', lockKey, 'holder_kind', 'readers', 'lock_type', kind, 'timestamp_ms', nowMs, 'ttl_ms', ttlMs)
  redis.call('SADD', readersKey, agentID)
  return 'READER:' .. agentID
end

redis.call('HSET', lockKey, 'holder_kind', 'exclusive', 'agent_id', agentID, 'lock_type', kind, 'timestamp_ms', nowMs, 'ttl_ms', ttlMs)
return 'EXCLUSIVE'
`)

// releaseLockScript implements lock release plus the single-waiter wake.
// Exactly one waiter is signalled per successful release: waking them all
// would stampede the lock and break FIFO progress. The signalled waiter
// stays at the head of the queue until its retry claims the lock (or its
// entry expires), so a newcomer racing the retry cannot jump the queue.
var releaseLockScript = redis.NewScript(`
local lockKey = KEYS[1]
local readersKey = KEYS[2]
local waitersKey = KEYS[3]
local agentID = ARGV[1]
local nowMs = tonumber(ARGV[2])

local function nextWaiter()
  while true do
    local head = redis.call('LINDEX', waitersKey, 0)
    if not head then return nil end
    local exp = tonumber(string.match(head, '"expires_at_ms":(%d+)'))
    if exp and nowMs >= exp then
      redis.call('LPOP', waitersKey)
    else
      return head
    end
  end
end

local holderKind = redis.call('HGET', lockKey, 'holder_kind')
if not holderKind then
  return 'NOTFOUND'
end

if holderKind == 'exclusive' then
  local holder = redis.call('HGET', lockKey, 'agent_id')
  if holder ~= agentID then
    return 'UNAUTHORIZED'
  end
  redis.call('DEL', lockKey)
  local waiter = nextWaiter()
  if waiter then
    return 'RELEASED_WAITER:' .. waiter
  end
  return 'RELEASED'
end

local removed = redis.call('SREM', readersKey, agentID)
if removed == 0 then
  return 'NOTFOUND'
end
local remaining = redis.call('SCARD', readersKey)
if remaining == 0 then
  redis.call('DEL', lockKey)
  redis.call('DEL', readersKey)
end
local waiter = nextWaiter()
if waiter then
  return 'RELEASED_WAITER:' .. waiter
end
return 'RELEASED'
`)

// RequestFileLock attempts to acquire kind on (workspaceID, filePath) for
// agentID. Returns ("", nil) when the request conflicts and has been
// enqueued onto the waiters list: this is not an error; the caller
// retries when a lock_retry signal names it. ttlMs is the configured
// lock_timeout_ms. maxWaiters caps the queue per path; 0 means unbounded.
func (c *Client) RequestFileLock(ctx context.Context, agentID, workspaceID, filePath string, kind broker.LockKind, ttlMs int64, maxWaiters int) (string, error) {
	if err := kind.Validate(); err != nil {
		return "", err
	}

	lockKey := broker.LockKey(c.prefix, workspaceID, filePath)
	readersKey := broker.ReadersKey(c.prefix, workspaceID, filePath)
	waitersKey := broker.WaitersKey(c.prefix, workspaceID, filePath)
	nowMs := time.Now().UnixMilli()

	res, err := requestLockScript.Run(ctx, c.rdb, []string{lockKey, readersKey, waitersKey},
		agentID, string(kind), nowMs, ttlMs, maxWaiters).Text()
	if err != nil {
		return "", fmt.Errorf("request_file_lock: %w", err)
	}

	switch {
	case res == "CONFLICT":
		return "", nil
	case res == "QUEUE_FULL":
		return "", broker.ErrWaitersQueueFull
	case res == "EXCLUSIVE":
		return lockID(workspaceID, filePath, broker.HolderKindExclusive, ""), nil
	case strings.HasPrefix(res, "READER:"):
		return lockID(workspaceID, filePath, broker.HolderKindReaders, strings.TrimPrefix(res, "READER:")), nil
	default:
		return "", fmt.Errorf("request_file_lock: unexpected script result %q", res)
	}
}

// ReleaseFileLock releases a lock held on (workspaceID, filePath) by
// agentID. Returns (true, waiter) when release succeeds and the waiter at
// the head of the queue should be retried: the bridge turns it into a
// lock_retry signal, and the entry is consumed when that retry claims the
// lock. Returns (false, nil, nil) when agentID held nothing to release;
// a caller that is not the true holder never frees the lock.
func (c *Client) ReleaseFileLock(ctx context.Context, agentID, workspaceID, filePath string) (bool, *broker.Waiter, error) {
	lockKey := broker.LockKey(c.prefix, workspaceID, filePath)
	readersKey := broker.ReadersKey(c.prefix, workspaceID, filePath)
	waitersKey := broker.WaitersKey(c.prefix, workspaceID, filePath)
	nowMs := time.Now().UnixMilli()

	res, err := releaseLockScript.Run(ctx, c.rdb, []string{lockKey, readersKey, waitersKey}, agentID, nowMs).Text()
	if err != nil {
		return false, nil, fmt.Errorf("release_file_lock: %w", err)
	}

	switch {
	case res == "NOTFOUND", res == "UNAUTHORIZED":
		return false, nil, nil
	case res == "RELEASED":
		return true, nil, nil
	case strings.HasPrefix(res, "RELEASED_WAITER:"):
		raw := strings.TrimPrefix(res, "RELEASED_WAITER:")
		var w broker.Waiter
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return true, nil, fmt.Errorf("release_file_lock: malformed waiter entry: %w", err)
		}
		return true, &w, nil
	default:
		return false, nil, fmt.Errorf("release_file_lock: unexpected script result %q", res)
	}
}

// GetLockRecord reads the current lock state for (workspaceID, filePath)
// without mutating it. Returns nil when no record exists.
func (c *Client) GetLockRecord(ctx context.Context, workspaceID, filePath string) (*broker.LockRecord, error) {
	lockKey := broker.LockKey(c.prefix, workspaceID, filePath)
	readersKey := broker.ReadersKey(c.prefix, workspaceID, filePath)

	hash, err := c.rdb.HGetAll(ctx, lockKey).Result()
	if err != nil {
		return nil, fmt.Errorf("get_lock_record: %w", err)
	}
	if len(hash) == 0 {
		return nil, nil
	}

	rec := &broker.LockRecord{
		WorkspaceID: workspaceID,
		FilePath:    filePath,
		HolderKind:  broker.HolderKind(hash["holder_kind"]),
		LockType:    broker.LockKind(hash["lock_type"]),
		AgentID:     hash["agent_id"],
	}
	if v, ok := hash["timestamp_ms"]; ok {
		fmt.Sscanf(v, "%d", &rec.TimestampMs)
	}
	if v, ok := hash["ttl_ms"]; ok {
		fmt.Sscanf(v, "%d", &rec.TTLMs)
	}

	if rec.HolderKind == broker.HolderKindReaders {
		readers, err := c.rdb.SMembers(ctx, readersKey).Result()
		if err != nil {
			return nil, fmt.Errorf("get_lock_record: readers: %w", err)
		}
		rec.Readers = readers
	}

	return rec, nil
}

// ListLockRecords scans the namespace for lock records and returns each
// with its readers resolved. Used by recovery and inspection tooling.
func (c *Client) ListLockRecords(ctx context.Context) ([]*broker.LockRecord, error) {
	pattern := broker.LockKey(c.prefix, "*", "*")
	var records []*broker.LockRecord

	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":readers") {
			continue
		}
		workspaceID, filePath, ok := splitLockKey(c.prefix, key)
		if !ok {
			continue
		}
		rec, err := c.GetLockRecord(ctx, workspaceID, filePath)
		if err != nil {
			return nil, fmt.Errorf("list_lock_records: %w", err)
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list_lock_records: %w", err)
	}
	return records, nil
}

// splitLockKey recovers (workspace, path) from a lock key. The workspace
// id never contains a colon; the file path may.
func splitLockKey(prefix, key string) (workspaceID, filePath string, ok bool) {
	head := prefix + ":state:locks:"
	if !strings.HasPrefix(key, head) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, head)
	i := strings.Index(rest, ":")
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// lockID encodes holder kind and (for readers) the owning agent directly
// in the returned identifier, mirroring the fallback manager's scheme so
// callers cannot tell which backend served a given lock_id.
func lockID(workspaceID, filePath string, holderKind broker.HolderKind, agentID string) string {
	return broker.LockID{
		WorkspaceID: workspaceID,
		FilePath:    filePath,
		HolderKind:  holderKind,
		AgentID:     agentID,
	}.String()
}
