package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eric_assistant/pkg"
)

func newTestMirror(t *testing.T) (*RedisContextMirror, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisContextMirrorWithClient(client, "ctx"), mr
}

func TestRedisMirrorReplaceAndLoad(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestMirror(t)

	require.NoError(t, m.ReplaceContext(ctx, "u1", pkg.ContextEntry{Key: "topic", Value: "music", CreatedAt: base, ExpiresAt: base.Add(time.Hour)}))
	require.NoError(t, m.ReplaceContext(ctx, "u1", pkg.ContextEntry{Key: "topic", Value: "news", CreatedAt: base, ExpiresAt: base.Add(time.Hour)}))

	assert.True(t, mr.Exists("ctx:u1:topic"))
	assert.Equal(t, time.Hour, mr.TTL("ctx:u1:topic"))

	live, err := m.LoadContext(ctx, "u1", base)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "topic", live[0].Key)
	assert.Equal(t, "news", live[0].Value)
	assert.True(t, live[0].ExpiresAt.Equal(base.Add(time.Hour)))

	mr.FastForward(2 * time.Hour)
	live, err = m.LoadContext(ctx, "u1", base)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestRedisMirrorPurgeAndDelete(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestMirror(t)

	require.NoError(t, m.ReplaceContext(ctx, "u1", pkg.ContextEntry{Key: "short", Value: 1, CreatedAt: base, ExpiresAt: base.Add(time.Minute)}))
	require.NoError(t, m.ReplaceContext(ctx, "u1", pkg.ContextEntry{Key: "long", Value: 2, CreatedAt: base, ExpiresAt: base.Add(time.Hour)}))
	require.NoError(t, m.ReplaceContext(ctx, "u2", pkg.ContextEntry{Key: "long", Value: 3, CreatedAt: base, ExpiresAt: base.Add(time.Hour)}))

	purged, err := m.PurgeExpiredContext(ctx, "u1", base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	assert.False(t, mr.Exists("ctx:u1:short"))

	require.NoError(t, m.DeleteContext(ctx, "u1"))
	assert.False(t, mr.Exists("ctx:u1:long"))
	assert.True(t, mr.Exists("ctx:u2:long"))

	require.NoError(t, m.DeleteContext(ctx, "u2", "long"))
	assert.False(t, mr.Exists("ctx:u2:long"))
}

func TestNewRedisContextMirrorRequiresURL(t *testing.T) {
	_, err := NewRedisContextMirror(context.Background(), "", "")
	require.Error(t, err)

	mr := miniredis.RunT(t)
	m, err := NewRedisContextMirror(context.Background(), "redis://"+mr.Addr(), "")
	require.NoError(t, err)
	defer m.Close()
	assert.NoError(t, m.Ping(context.Background()))
}

func TestRedisMirrorIsolatesAwkwardUserIDs(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestMirror(t)

	users := []string{"a", "a:b", "a*", "a?", "[a]"}
	for _, u := range users {
		require.NoError(t, m.ReplaceContext(ctx, u, pkg.ContextEntry{Key: "topic", Value: u, CreatedAt: base, ExpiresAt: base.Add(time.Hour)}))
	}
	assert.True(t, mr.Exists("ctx:a%3Ab:topic"))

	for _, u := range users {
		live, err := m.LoadContext(ctx, u, base)
		require.NoError(t, err)
		require.Len(t, live, 1, u)
		assert.Equal(t, "topic", live[0].Key)
		assert.Equal(t, u, live[0].Value)
	}

	require.NoError(t, m.DeleteContext(ctx, "a*"))
	require.NoError(t, m.DeleteContext(ctx, "a"))
	for _, u := range []string{"a:b", "a?", "[a]"} {
		live, err := m.LoadContext(ctx, u, base)
		require.NoError(t, err)
		assert.Len(t, live, 1, u)
	}
}
