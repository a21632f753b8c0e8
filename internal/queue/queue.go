// Package queue implements the durable per-route overflow queue and the job
// ledger, both in Redis so every proxy replica and worker shares them.
//
// Layout per route and job:
//
//	queue:{route}   list of queue ids, RPUSH tail / BLPOP head (FIFO)
//	pending:{route} zset of still-queued ids scored by enqueue time,
//	                feeding the queue-wait reaper
//	job:{id}        hash holding the JobRecord fields plus the snapshot JSON
//
// A job hash gets a TTL only once it reaches a terminal status; queued and
// processing records never expire on their own.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"

	"backstop/internal/snapshot"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrNotTerminal is returned by Delete for a record that is still queued or
// processing. Outstanding work is never deleted.
var ErrNotTerminal = errors.New("job record is not terminal")

// JobRecord is the ledger entry for one enqueued request. Requests served on
// the immediate path never get one.
type JobRecord struct {
	QueueID        string
	Route          string
	Status         string
	QueuedAt       time.Time
	ProcessingAt   time.Time
	CompletedAt    time.Time
	ResponseStatus int
	ResponseBody   []byte
	ErrorMessage   string
}

func (j *JobRecord) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// New builds a Store. ttl is the retention applied to terminal records.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func queueKey(route string) string   { return "queue:" + route }
func pendingKey(route string) string { return "pending:" + route }
func jobKey(id string) string        { return "job:" + id }

// Enqueue writes the job record, appends the id to the route's queue tail
// and returns the id with its 1-based queue position.
func (s *Store) Enqueue(ctx context.Context, snap *snapshot.Snapshot) (string, int64, error) {
	id := uuid.Must(uuid.NewV4()).String()
	snap.QueueID = id
	raw, err := json.Marshal(snap)
	if err != nil {
		return "", 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	now := time.Now().UTC()
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]any{
		"route":     snap.Route,
		"status":    StatusQueued,
		"queued_at": now.Format(time.RFC3339Nano),
		"snapshot":  raw,
	})
	pipe.ZAdd(ctx, pendingKey(snap.Route), redis.Z{Score: float64(now.UnixMilli()), Member: id})
	push := pipe.RPush(ctx, queueKey(snap.Route), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", 0, fmt.Errorf("enqueue: %w", err)
	}
	return id, push.Val(), nil
}

// DequeueBlocking pops the head of the route's queue, waiting up to timeout.
// Returns ok=false on an empty queue.
func (s *Store) DequeueBlocking(ctx context.Context, route string, timeout time.Duration) (string, bool, error) {
	res, err := s.rdb.BLPop(ctx, timeout, queueKey(route)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	// BLPOP returns [key, value].
	return res[1], true, nil
}

// Requeue pushes an id back onto the queue head. Used when a worker shuts
// down after dequeuing but before a slot was acquired.
func (s *Store) Requeue(ctx context.Context, route, id string) error {
	return s.rdb.LPush(ctx, queueKey(route), id).Err()
}

// Get loads a job record. ok=false when the id is unknown or expired.
func (s *Store) Get(ctx context.Context, id string) (*JobRecord, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	rec := &JobRecord{
		QueueID:      id,
		Route:        fields["route"],
		Status:       fields["status"],
		ErrorMessage: fields["error"],
	}
	rec.QueuedAt = parseTime(fields["queued_at"])
	rec.ProcessingAt = parseTime(fields["processing_at"])
	rec.CompletedAt = parseTime(fields["completed_at"])
	if v := fields["response_status"]; v != "" {
		rec.ResponseStatus, _ = strconv.Atoi(v)
	}
	if v := fields["response_body"]; v != "" {
		rec.ResponseBody = []byte(v)
	}
	return rec, true, nil
}

// GetSnapshot loads the stored request snapshot for a job.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	raw, err := s.rdb.HGet(ctx, jobKey(id), "snapshot").Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job %s: snapshot missing", id)
	}
	if err != nil {
		return nil, err
	}
	var snap snapshot.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot for %s: %w", id, err)
	}
	return &snap, nil
}

// markProcessingScript flips queued -> processing, but only if the record is
// still queued: the reaper may have failed it between dequeue and here.
const markProcessingScript = `
local job = KEYS[1]
local pending = KEYS[2]
local id = ARGV[1]
local now = ARGV[2]
if redis.call('HGET', job, 'status') ~= 'queued' then
  return 0
end
redis.call('HSET', job, 'status', 'processing', 'processing_at', now)
redis.call('ZREM', pending, id)
return 1
`

// MarkProcessing transitions a dequeued job to processing. Returns false if
// the job is no longer queued (reaped or already taken); the caller must
// then skip it.
func (s *Store) MarkProcessing(ctx context.Context, route, id string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.rdb.Eval(ctx, markProcessingScript,
		[]string{jobKey(id), pendingKey(route)}, id, now).Result()
	if err != nil {
		return false, err
	}
	return res.(int64) == 1, nil
}

// maxStoredBody bounds the response body kept in the ledger so one huge
// downstream response cannot blow up the store.
const maxStoredBody = 1 << 16

// MarkCompleted records the captured downstream response and starts the
// retention TTL.
func (s *Store) MarkCompleted(ctx context.Context, route, id string, status int, body []byte) error {
	if len(body) > maxStoredBody {
		body = body[:maxStoredBody]
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]any{
		"status":          StatusCompleted,
		"completed_at":    now,
		"response_status": status,
		"response_body":   body,
	})
	pipe.Expire(ctx, jobKey(id), s.ttl)
	pipe.ZRem(ctx, pendingKey(route), id)
	_, err := pipe.Exec(ctx)
	return err
}

// MarkFailed records a replay failure and starts the retention TTL.
func (s *Store) MarkFailed(ctx context.Context, route, id, message string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]any{
		"status":       StatusFailed,
		"completed_at": now,
		"error":        message,
	})
	pipe.Expire(ctx, jobKey(id), s.ttl)
	pipe.ZRem(ctx, pendingKey(route), id)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a terminal record ahead of its TTL. Non-terminal records
// are refused.
func (s *Store) Delete(ctx context.Context, id string) error {
	rec, ok, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if !rec.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotTerminal, id, rec.Status)
	}
	return s.rdb.Del(ctx, jobKey(id)).Err()
}

// QueueLen reports how many requests wait in the route's queue.
func (s *Store) QueueLen(ctx context.Context, route string) (int64, error) {
	return s.rdb.LLen(ctx, queueKey(route)).Result()
}

// reapScript fails one still-queued job and drops its queue entry. Checking
// the status inside the script keeps the reaper from clobbering a job a
// worker picked up concurrently.
const reapScript = `
local job = KEYS[1]
local pending = KEYS[2]
local queue = KEYS[3]
local id = ARGV[1]
local now = ARGV[2]
local ttl = tonumber(ARGV[3])
if redis.call('HGET', job, 'status') ~= 'queued' then
  redis.call('ZREM', pending, id)
  return 0
end
redis.call('HSET', job, 'status', 'failed', 'completed_at', now, 'error', 'timed out waiting in queue')
redis.call('PEXPIRE', job, ttl)
redis.call('ZREM', pending, id)
redis.call('LREM', queue, 1, id)
return 1
`

// ReapExpired fails every job that has been queued since before cutoff and
// is still unclaimed. Returns how many were failed.
func (s *Store) ReapExpired(ctx context.Context, route string, cutoff time.Time) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, pendingKey(route), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	reaped := 0
	for _, id := range ids {
		res, err := s.rdb.Eval(ctx, reapScript,
			[]string{jobKey(id), pendingKey(route), queueKey(route)},
			id, now, s.ttl.Milliseconds()).Result()
		if err != nil {
			return reaped, err
		}
		if res.(int64) == 1 {
			reaped++
		}
	}
	return reaped, nil
}

// Ping checks the shared store connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
