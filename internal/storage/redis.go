package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"eric_assistant/pkg"
)

const defaultContextPrefix = "context"

// RedisContextMirror keeps context entries in Redis, one key per context key.
// Redis expiry removes rows on its own; the stored expiry is still checked on load.
type RedisContextMirror struct {
	client *redis.Client
	prefix string
}

var _ ContextMirror = (*RedisContextMirror)(nil)

type redisContextRecord struct {
	Value     any   `json:"value"`
	CreatedAt int64 `json:"created_at_ns"`
	ExpiresAt int64 `json:"expires_at_ns"`
}

// NewRedisContextMirror connects to redisURL and verifies the connection
func NewRedisContextMirror(ctx context.Context, redisURL, prefix string) (*RedisContextMirror, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisContextMirrorWithClient(client, prefix), nil
}

// NewRedisContextMirrorWithClient wraps an existing client
func NewRedisContextMirrorWithClient(client *redis.Client, prefix string) *RedisContextMirror {
	if prefix == "" {
		prefix = defaultContextPrefix
	}
	return &RedisContextMirror{client: client, prefix: prefix}
}

// userSegment keeps ':' out of the user part of a key so one user's keys never
// fall under another user's prefix
var userSegment = strings.NewReplacer("%", "%25", ":", "%3A")

// globEscaper quotes SCAN MATCH metacharacters
var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

func (r *RedisContextMirror) userPrefix(userID string) string {
	return r.prefix + ":" + userSegment.Replace(userID) + ":"
}

func (r *RedisContextMirror) key(userID, contextKey string) string {
	return r.userPrefix(userID) + contextKey
}

func (r *RedisContextMirror) pattern(userID string) string {
	return globEscaper.Replace(r.userPrefix(userID)) + "*"
}

// ReplaceContext deletes and re-sets the key in one MULTI/EXEC
func (r *RedisContextMirror) ReplaceContext(ctx context.Context, userID string, e pkg.ContextEntry) error {
	data, err := sonic.Marshal(redisContextRecord{
		Value:     e.Value,
		CreatedAt: e.CreatedAt.UnixNano(),
		ExpiresAt: e.ExpiresAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal context entry %q: %w", e.Key, err)
	}

	key := r.key(userID, e.Key)
	ttl := e.ExpiresAt.Sub(e.CreatedAt)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if ttl > 0 {
			pipe.Set(ctx, key, data, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace context entry %q: %w", e.Key, err)
	}
	return nil
}

func (r *RedisContextMirror) LoadContext(ctx context.Context, userID string, now time.Time) ([]pkg.ContextEntry, error) {
	keys, err := r.scan(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]pkg.ContextEntry, 0, len(keys))
	prefixLen := len(r.userPrefix(userID))
	for _, key := range keys {
		rec, err := r.read(ctx, key)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.ExpiresAt <= now.UnixNano() {
			continue
		}
		out = append(out, pkg.ContextEntry{
			Key:       key[prefixLen:],
			Value:     rec.Value,
			CreatedAt: time.Unix(0, rec.CreatedAt),
			ExpiresAt: time.Unix(0, rec.ExpiresAt),
		})
	}
	return out, nil
}

func (r *RedisContextMirror) DeleteContext(ctx context.Context, userID string, keys ...string) error {
	var redisKeys []string
	if len(keys) == 0 {
		scanned, err := r.scan(ctx, userID)
		if err != nil {
			return err
		}
		redisKeys = scanned
	}
	for _, key := range keys {
		redisKeys = append(redisKeys, r.key(userID, key))
	}
	if len(redisKeys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, redisKeys...).Err(); err != nil {
		return fmt.Errorf("failed to delete context: %w", err)
	}
	return nil
}

func (r *RedisContextMirror) PurgeExpiredContext(ctx context.Context, userID string, now time.Time) (int64, error) {
	keys, err := r.scan(ctx, userID)
	if err != nil {
		return 0, err
	}
	var purged int64
	for _, key := range keys {
		rec, err := r.read(ctx, key)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return purged, err
		}
		if rec.ExpiresAt > now.UnixNano() {
			continue
		}
		n, err := r.client.Del(ctx, key).Result()
		if err != nil {
			return purged, fmt.Errorf("failed to purge context key %s: %w", key, err)
		}
		purged += n
	}
	return purged, nil
}

// Ping tests the redis connection
func (r *RedisContextMirror) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the redis connection
func (r *RedisContextMirror) Close() error {
	return r.client.Close()
}

func (r *RedisContextMirror) scan(ctx context.Context, userID string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.pattern(userID), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan context keys: %w", err)
	}
	return keys, nil
}

func (r *RedisContextMirror) read(ctx context.Context, key string) (redisContextRecord, error) {
	var rec redisContextRecord
	raw, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return rec, err
		}
		return rec, fmt.Errorf("failed to get context key %s: %w", key, err)
	}
	if err := sonic.UnmarshalString(raw, &rec); err != nil {
		return rec, fmt.Errorf("failed to unmarshal context key %s: %w", key, err)
	}
	return rec, nil
}
