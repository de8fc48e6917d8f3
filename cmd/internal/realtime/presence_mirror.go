package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceMirror publishes presence transitions to an external store so
// other services can read online state and last-seen times. The relay only
// writes to it; routing decisions never depend on it.
type PresenceMirror interface {
	MarkOnline(ctx context.Context, userID string, at time.Time) error
	MarkOffline(ctx context.Context, userID string, lastSeen time.Time) error
}

type nopMirror struct{}

func (nopMirror) MarkOnline(context.Context, string, time.Time) error  { return nil }
func (nopMirror) MarkOffline(context.Context, string, time.Time) error { return nil }

const (
	defaultMirrorPrefix = "relay:"
	defaultMirrorTTL    = 15 * time.Minute
)

// mirroredPresence is the JSON document stored per user.
type mirroredPresence struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// RedisPresenceMirror stores presence under <prefix>presence:<userId> with a
// TTL, keeps <prefix>online as the set of online user ids, and records
// <prefix>last_seen:<userId> without expiry on disconnect.
type RedisPresenceMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisPresenceMirror constructs a mirror. ttl <= 0 uses 15 minutes; it
// should exceed the sweeper's stale timeout so a live user never expires.
func NewRedisPresenceMirror(client *redis.Client, prefix string, ttl time.Duration) (*RedisPresenceMirror, error) {
	if client == nil {
		return nil, fmt.Errorf("realtime: nil redis client")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultMirrorPrefix
	}
	if ttl <= 0 {
		ttl = defaultMirrorTTL
	}
	return &RedisPresenceMirror{client: client, prefix: prefix, ttl: ttl}, nil
}

func (m *RedisPresenceMirror) presenceKey(userID string) string {
	return m.prefix + "presence:" + userID
}

func (m *RedisPresenceMirror) lastSeenKey(userID string) string {
	return m.prefix + "last_seen:" + userID
}

func (m *RedisPresenceMirror) onlineKey() string {
	return m.prefix + "online"
}

func (m *RedisPresenceMirror) MarkOnline(ctx context.Context, userID string, at time.Time) error {
	data, err := json.Marshal(mirroredPresence{UserID: userID, Status: "online", LastSeen: at.UTC()})
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	pipe := m.client.Pipeline()
	pipe.Set(ctx, m.presenceKey(userID), data, m.ttl)
	pipe.SAdd(ctx, m.onlineKey(), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror online %s: %w", userID, err)
	}
	return nil
}

func (m *RedisPresenceMirror) MarkOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	pipe := m.client.Pipeline()
	pipe.Del(ctx, m.presenceKey(userID))
	pipe.SRem(ctx, m.onlineKey(), userID)
	pipe.Set(ctx, m.lastSeenKey(userID), lastSeen.UTC().Format(time.RFC3339Nano), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror offline %s: %w", userID, err)
	}
	return nil
}

// NewRedisClient parses url, connects, and verifies the connection with PING.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
