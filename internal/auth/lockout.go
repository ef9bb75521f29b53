package auth

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	LockoutThreshold = 5
	LockoutTTL       = 15 * time.Minute
)

// Lockout tracks consecutive failed logins per email in Redis. A nil client
// disables the lockout entirely.
type Lockout struct {
	client *redis.Client
}

func NewLockout(client *redis.Client) *Lockout {
	return &Lockout{client: client}
}

func lockKey(email string) string  { return fmt.Sprintf("login_lockout:%s", email) }
func countKey(email string) string { return fmt.Sprintf("login_failures:%s", email) }

// Locked reports whether the account is currently locked out.
func (l *Lockout) Locked(ctx context.Context, email string) (bool, error) {
	if l == nil || l.client == nil {
		return false, nil
	}
	val, err := l.client.Get(ctx, lockKey(email)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "locked", nil
}

// RecordFailure bumps the failure counter and locks the account once the
// threshold is reached. The counter carries a TTL so stale failures age out.
func (l *Lockout) RecordFailure(ctx context.Context, email string) error {
	if l == nil || l.client == nil {
		return nil
	}
	count, err := l.client.Incr(ctx, countKey(email)).Result()
	if err != nil {
		return err
	}
	if count == 1 {
		l.client.Expire(ctx, countKey(email), LockoutTTL)
	}
	if count >= LockoutThreshold {
		pipe := l.client.Pipeline()
		pipe.Set(ctx, lockKey(email), "locked", LockoutTTL)
		pipe.Del(ctx, countKey(email))
		_, err = pipe.Exec(ctx)
	}
	return err
}

// Clear wipes the failure counter after a successful login.
func (l *Lockout) Clear(ctx context.Context, email string) {
	if l == nil || l.client == nil {
		return
	}
	if err := l.client.Del(ctx, countKey(email)).Err(); err != nil {
		log.Printf("[Auth] clear failure counter for %s: %v", email, err)
	}
}
