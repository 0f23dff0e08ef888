package search

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*RedisScratch, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisScratch(client), mr
}

func TestRedisScratchRoundTrip(t *testing.T) {
	s, _ := setupRedis(t)
	ctx := context.Background()
	st := State{Phase: 1, InnerKm: 5, OuterKm: 10.5, Phase1Iters: 24, Phase2Iters: 36}
	require.NoError(t, s.Init(ctx, "r1", st, 6*time.Minute))

	st.Iterations = 7
	require.NoError(t, s.Save(ctx, "r1", st))
	got, ok, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st, got)
}

func TestRedisScratchMarkNotified(t *testing.T) {
	s, mr := setupRedis(t)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx, "r1", State{Phase: 1}, 6*time.Minute))

	fresh, err := s.MarkNotified(ctx, "r1", []string{"d1", "d2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, fresh)

	fresh, err = s.MarkNotified(ctx, "r1", []string{"d2", "d3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"d3"}, fresh)

	all, err := s.Notified(ctx, "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "d2", "d3"}, all)
	assert.Equal(t, 6*time.Minute, mr.TTL(notifiedKey("r1")))
}

func TestRedisScratchExpiresAndClears(t *testing.T) {
	s, mr := setupRedis(t)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx, "r1", State{Phase: 2}, time.Minute))
	_, _ = s.MarkNotified(ctx, "r1", []string{"d1"})

	mr.FastForward(2 * time.Minute)
	_, ok, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Init(ctx, "r2", State{Phase: 1}, time.Minute))
	require.NoError(t, s.Clear(ctx, "r2"))
	require.NoError(t, s.Save(ctx, "r2", State{Phase: 2}))
	_, ok, _ = s.Load(ctx, "r2")
	assert.False(t, ok, "save must not resurrect a cleared ride")
}

func TestMemoryScratchDedupes(t *testing.T) {
	s := NewMemoryScratch()
	ctx := context.Background()
	_ = s.Init(ctx, "r1", State{Phase: 1}, time.Minute)
	fresh, _ := s.MarkNotified(ctx, "r1", []string{"d1", "d1", "d2"})
	assert.Equal(t, []string{"d1", "d2"}, fresh)

	now := time.Now()
	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, ok, _ := s.Load(ctx, "r1")
	assert.False(t, ok)
}
