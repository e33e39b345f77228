package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Tracker holds the in-flight marker of an assessment. Acquire reports
// false when another run already holds the marker for the dispute.
type Tracker interface {
	Acquire(ctx context.Context, disputeID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, disputeID string) error
}

// MemoryTracker tracks in-flight assessments within one process.
type MemoryTracker struct {
	mu       sync.Mutex
	inflight map[string]time.Time
	now      func() time.Time
}

// NewMemoryTracker creates a process-local in-flight tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{inflight: make(map[string]time.Time), now: time.Now}
}

func (t *MemoryTracker) Acquire(_ context.Context, disputeID string, ttl time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if expires, ok := t.inflight[disputeID]; ok && now.Before(expires) {
		return false, nil
	}
	t.inflight[disputeID] = now.Add(ttl)
	return true, nil
}

func (t *MemoryTracker) Release(_ context.Context, disputeID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, disputeID)
	return nil
}

// releaseScript deletes the marker only while it still carries our token,
// so a run whose marker expired cannot clear a newer run's marker.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTracker shares in-flight markers between scheduler replicas.
type RedisTracker struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisTracker creates a tracker shared through Redis.
func NewRedisTracker(client *redis.Client) *RedisTracker {
	return &RedisTracker{
		client: client,
		prefix: "disputeflow:assessment:inflight:",
		tokens: make(map[string]string),
	}
}

func (t *RedisTracker) Acquire(ctx context.Context, disputeID string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := t.client.SetNX(ctx, t.prefix+disputeID, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("scheduler: acquire in-flight marker: %w", err)
	}
	if ok {
		t.mu.Lock()
		t.tokens[disputeID] = token
		t.mu.Unlock()
	}
	return ok, nil
}

func (t *RedisTracker) Release(ctx context.Context, disputeID string) error {
	t.mu.Lock()
	token, ok := t.tokens[disputeID]
	delete(t.tokens, disputeID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if err := releaseScript.Run(ctx, t.client, []string{t.prefix + disputeID}, token).Err(); err != nil {
		return fmt.Errorf("scheduler: release in-flight marker: %w", err)
	}
	return nil
}

// Connect builds a Redis client from a redis:// URL or a bare host:port.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("scheduler: parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("scheduler: ping redis: %w", err)
	}
	return client, nil
}
