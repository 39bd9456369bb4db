// Package lock provides the short-lived generation lock that collapses
// concurrent requests for the same (material, artifact type) into one
// backend call.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"studyloop/api/internal/util"
)

// releaseScript deletes the lock key only when it still holds our token,
// so an expired-and-reacquired lock is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a Redis-backed mutual exclusion keyed by (material, type).
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewLocker connects to Redis and returns a locker whose locks expire after
// ttl even if the holder dies mid-generation.
func NewLocker(redisURL string, ttl time.Duration) (*Locker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewLockerWithClient(client, ttl), nil
}

// NewLockerWithClient builds a locker from an existing Redis client.
func NewLockerWithClient(client *redis.Client, ttl time.Duration) *Locker {
	return &Locker{client: client, prefix: "genlock:", ttl: ttl}
}

// Key builds the dedupe key for one material and artifact type.
func (l *Locker) Key(materialID, artifactType string) string {
	return l.prefix + materialID + ":" + artifactType
}

// Acquire attempts to take the lock. It returns a release token and true on
// success, or false when another holder already has it.
func (l *Locker) Acquire(ctx context.Context, key string) (string, bool, error) {
	token := util.NewID("")
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the lock if token still owns it.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Held reports whether the lock key currently exists.
func (l *Locker) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check lock: %w", err)
	}
	return n > 0, nil
}

func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *Locker) Close() error {
	return l.client.Close()
}
