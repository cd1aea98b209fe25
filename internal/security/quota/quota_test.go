package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/kvstore"
	"github.com/edgegate/edgegate/pkg/log"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(kvstore.NewKVStoreWithClient(client), log.InitLogs("error"), time.Second), mr
}

// The scripts work in millisecond precision, so the frozen clock must sit on
// a millisecond boundary for exact-duration assertions to hold.
func frozenNow() time.Time {
	return time.UnixMilli(time.Now().UnixMilli())
}

func TestSlidingWindowRejectionDoesNotConsumeQuota(t *testing.T) {
	s, _ := newTestStore(t)
	now := frozenNow()
	s.nowFunc = func() time.Time { return now }

	ctx := context.Background()
	wantRemaining := []int{4, 3, 2, 1, 0}
	for i, want := range wantRemaining {
		d := s.SlidingWindow(ctx, "rl:sw:read:generic:ip:203.0.113.7", "block:ip:203.0.113.7", 5, time.Minute)
		require.True(t, d.Accepted, "request %d should be admitted", i+1)
		assert.Equal(t, want, d.Remaining)
		assert.Equal(t, i+1, d.CurrentUsage)
	}

	// A full window rejects without recording, so repeated rejections do
	// not push the usage count past the limit.
	for i := 0; i < 2; i++ {
		d := s.SlidingWindow(ctx, "rl:sw:read:generic:ip:203.0.113.7", "block:ip:203.0.113.7", 5, time.Minute)
		require.False(t, d.Accepted)
		assert.False(t, d.Blocked)
		assert.Equal(t, 5, d.CurrentUsage)
		assert.Equal(t, 0, d.Remaining)
		assert.Equal(t, time.Minute, d.RetryAfter)
	}
}

func TestSlidingWindowExpiresOldEntries(t *testing.T) {
	s, _ := newTestStore(t)
	now := frozenNow()
	s.nowFunc = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.True(t, s.SlidingWindow(ctx, "rl:sw:read:generic:ip:a", "block:ip:a", 3, time.Minute).Accepted)
	}
	require.False(t, s.SlidingWindow(ctx, "rl:sw:read:generic:ip:a", "block:ip:a", 3, time.Minute).Accepted)

	now = now.Add(61 * time.Second)
	d := s.SlidingWindow(ctx, "rl:sw:read:generic:ip:a", "block:ip:a", 3, time.Minute)
	assert.True(t, d.Accepted)
	assert.Equal(t, 1, d.CurrentUsage)
	assert.Equal(t, 2, d.Remaining)
}

func TestSlidingWindowResetTimeTracksOldestEntry(t *testing.T) {
	s, _ := newTestStore(t)
	now := frozenNow()
	s.nowFunc = func() time.Time { return now }

	ctx := context.Background()
	first := s.SlidingWindow(ctx, "rl:sw:read:generic:ip:b", "block:ip:b", 5, time.Minute)
	oldest := now

	now = now.Add(20 * time.Second)
	second := s.SlidingWindow(ctx, "rl:sw:read:generic:ip:b", "block:ip:b", 5, time.Minute)

	assert.WithinDuration(t, oldest.Add(time.Minute), first.ResetTime, time.Millisecond)
	assert.WithinDuration(t, oldest.Add(time.Minute), second.ResetTime, time.Millisecond)
}

func TestTokenBucketDrainRefillAndClamp(t *testing.T) {
	s, _ := newTestStore(t)
	now := frozenNow()
	s.nowFunc = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		d := s.TokenBucket(ctx, "rl:tb:write:mutation:ip:c", "block:ip:c", 5, time.Minute)
		require.True(t, d.Accepted, "request %d should be admitted", i+1)
		assert.Equal(t, 4-i, d.Remaining)
	}
	drained := s.TokenBucket(ctx, "rl:tb:write:mutation:ip:c", "block:ip:c", 5, time.Minute)
	require.False(t, drained.Accepted)
	assert.Equal(t, 0, drained.Remaining)
	assert.Greater(t, drained.RetryAfter, time.Duration(0))

	// 12s at 5 tokens/minute refills exactly one token.
	now = now.Add(12 * time.Second)
	assert.True(t, s.TokenBucket(ctx, "rl:tb:write:mutation:ip:c", "block:ip:c", 5, time.Minute).Accepted)
	assert.False(t, s.TokenBucket(ctx, "rl:tb:write:mutation:ip:c", "block:ip:c", 5, time.Minute).Accepted)

	// A long idle period refills to capacity and no further.
	now = now.Add(time.Hour)
	full := s.TokenBucket(ctx, "rl:tb:write:mutation:ip:c", "block:ip:c", 5, time.Minute)
	assert.True(t, full.Accepted)
	assert.Equal(t, 4, full.Remaining)
}

func TestBlockRecordShortCircuits(t *testing.T) {
	s, mr := newTestStore(t)
	now := frozenNow()
	s.nowFunc = func() time.Time { return now }

	require.NoError(t, mr.Set("block:ip:d", `{"identifier":"ip:d"}`))
	mr.SetTTL("block:ip:d", 10*time.Minute)

	ctx := context.Background()
	d := s.SlidingWindow(ctx, "rl:sw:read:generic:ip:d", "block:ip:d", 5, time.Minute)
	require.True(t, d.Blocked)
	assert.False(t, d.Accepted)
	assert.Equal(t, 10*time.Minute, d.RetryAfter)
	// The short-circuit happens before any counter write.
	assert.False(t, mr.Exists("rl:sw:read:generic:ip:d"))

	tb := s.TokenBucket(ctx, "rl:tb:write:mutation:ip:d", "block:ip:d", 5, time.Minute)
	require.True(t, tb.Blocked)
	assert.False(t, mr.Exists("rl:tb:write:mutation:ip:d"))
}

func TestFailOpenOnStoreUnavailable(t *testing.T) {
	// Nothing listens on this address, so every call errors immediately.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = client.Close() })
	s := NewStore(kvstore.NewKVStoreWithClient(client), log.InitLogs("fatal"), 100*time.Millisecond)

	ctx := context.Background()
	d := s.SlidingWindow(ctx, "rl:sw:read:generic:ip:e", "block:ip:e", 5, time.Minute)
	assert.True(t, d.Accepted)
	assert.True(t, d.FailedOpen)
	assert.Equal(t, 5, d.Remaining)

	tb := s.TokenBucket(ctx, "rl:tb:write:mutation:ip:e", "block:ip:e", 5, time.Minute)
	assert.True(t, tb.Accepted)
	assert.True(t, tb.FailedOpen)
}
