// Package ratelimit implements a fixed-window request limiter over Redis.
// A window opens on the first request for a key and the counter expires
// with the window, so there is no cleanup job.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRedisUnavailable = errors.New("redis unavailable")

const keyPrefix = "rl:"

// Limit is the budget for one key: Rate requests per Window.
type Limit struct {
	Rate   int
	Window time.Duration
}

// Decision reports the outcome of a single Allow call.
type Decision struct {
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int // seconds
	Allowed    bool
}

// incrScript bumps the window counter, arms the expiry on the first hit
// and returns the count together with the remaining window in ms.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if tonumber(count) == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

type Limiter struct {
	client *redis.Client
	salt   string
}

func NewLimiter(client *redis.Client, salt string) *Limiter {
	return &Limiter{client: client, salt: salt}
}

// HashIP hashes a client address so raw IPs never appear in Redis keys.
func (l *Limiter) HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip + l.salt))
	return hex.EncodeToString(sum[:])
}

// Allow counts one request against key and reports whether it still fits
// the limit. Keys live under the rl: namespace.
func (l *Limiter) Allow(ctx context.Context, key string, limit Limit) (*Decision, error) {
	vals, err := incrScript.Run(ctx, l.client, []string{keyPrefix + key}, limit.Window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) != 2 {
		return nil, ErrRedisUnavailable
	}

	count := int(vals[0])
	ttl := time.Duration(vals[1]) * time.Millisecond
	if ttl < 0 {
		ttl = limit.Window
	}

	remaining := limit.Rate - count
	if remaining < 0 {
		remaining = 0
	}

	return &Decision{
		Limit:      limit.Rate,
		Remaining:  remaining,
		Reset:      time.Now().Add(ttl),
		RetryAfter: int((ttl + time.Second - 1) / time.Second),
		Allowed:    count <= limit.Rate,
	}, nil
}
