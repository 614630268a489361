package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedisCache(t *testing.T) *RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := NewRedisCache(mr.Addr(), "", 0, 2, zap.NewNop().Sugar())
	t.Cleanup(func() { _ = rc.Close() })
	return rc
}

func TestRedisCache_SetGet(t *testing.T) {
	rc := newTestRedisCache(t)
	ctx := context.Background()

	type decision struct {
		Allowed bool     `json:"allowed"`
		Actions []string `json:"actions"`
	}

	require.NoError(t, rc.Ping(ctx))
	require.NoError(t, rc.Set(ctx, "decision:abc", decision{Allowed: false, Actions: []string{"block"}}, time.Minute))

	var got decision
	found, err := rc.Get(ctx, "decision:abc", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, got.Allowed)
	assert.Equal(t, []string{"block"}, got.Actions)
}

func TestRedisCache_MissIsClean(t *testing.T) {
	rc := newTestRedisCache(t)

	var got map[string]interface{}
	found, err := rc.Get(context.Background(), "decision:absent", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache_Delete(t *testing.T) {
	rc := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "k1", "v1", time.Minute))
	require.NoError(t, rc.Delete(ctx, "k1"))

	var got string
	found, err := rc.Get(ctx, "k1", &got)
	require.NoError(t, err)
	assert.False(t, found)
}
