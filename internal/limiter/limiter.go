// Package limiter tracks per-route downstream concurrency in Redis so every
// proxy replica sees the same slot set.
package limiter

import (
	"context"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// acquireScript checks the cap and claims a slot in one round-trip. The
// check and the SADD must be a single atomic step: two separate calls let
// concurrent callers all observe spare capacity and overshoot the cap.
const acquireScript = `
local key = KEYS[1]
local max = tonumber(ARGV[1])
local slot = ARGV[2]
if redis.call('SCARD', key) >= max then
  return 0
end
redis.call('SADD', key, slot)
return 1
`

type Limiter struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Limiter { return &Limiter{rdb: rdb} }

func slotsKey(route string) string { return "slots:" + route }

// Acquire attempts to claim one slot for route under the given cap.
// Returns the slot id and true when a slot was claimed, false when the
// route is at capacity.
func (l *Limiter) Acquire(ctx context.Context, route string, max int) (string, bool, error) {
	slot := uuid.Must(uuid.NewV4()).String()
	res, err := l.rdb.Eval(ctx, acquireScript, []string{slotsKey(route)}, max, slot).Result()
	if err != nil {
		return "", false, err
	}
	if res.(int64) != 1 {
		return "", false, nil
	}
	return slot, true, nil
}

// Release frees a previously acquired slot. SREM makes it idempotent, so a
// double release on an error path is harmless.
func (l *Limiter) Release(ctx context.Context, route, slot string) error {
	return l.rdb.SRem(ctx, slotsKey(route), slot).Err()
}

// ActiveCount reports how many slots are currently held for route.
func (l *Limiter) ActiveCount(ctx context.Context, route string) (int64, error) {
	return l.rdb.SCard(ctx, slotsKey(route)).Result()
}
