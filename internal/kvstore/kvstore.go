// Package kvstore wraps the shared Redis store used for admission counters
// and block records. Every admission-path primitive executes as a single Lua
// script round trip so concurrent checks sharing a key cannot race, and the
// block record is consulted inside the same script as the quota update.
package kvstore

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type KVStore interface {
	// SlidingWindowIncr atomically drops entries older than now-window,
	// counts the survivors and, if count < limit, records the request.
	// The entry that would be the limit+1-th is never written, so a
	// rejected request does not consume quota.
	SlidingWindowIncr(ctx context.Context, counterKey, blockKey string, window time.Duration, limit int, now time.Time) (SlidingWindowResult, error)

	// TokenBucketConsume refills the bucket at capacity/window tokens per
	// second (clamped to capacity) and consumes one token when available.
	TokenBucketConsume(ctx context.Context, bucketKey, blockKey string, window time.Duration, capacity int, now time.Time) (TokenBucketResult, error)

	// SetWithTTL stores a value that self-expires, e.g. a block record.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// GetWithTTL returns the value and its remaining TTL. A nil value with
	// no error means the key does not exist.
	GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error)

	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// SlidingWindowResult reports the outcome of one sliding-window transaction.
type SlidingWindowResult struct {
	Accepted bool
	// Count is the number of entries in the window after the call.
	Count int
	// OldestEntry is when the oldest surviving entry was recorded; zero if
	// the window is empty.
	OldestEntry time.Time
	// Blocked is set when an unexpired block record short-circuited the
	// check; BlockTTL is its remaining lifetime.
	Blocked  bool
	BlockTTL time.Duration
}

// TokenBucketResult reports the outcome of one token-bucket transaction.
type TokenBucketResult struct {
	Accepted bool
	// Tokens remaining after the call, in [0, capacity].
	Tokens   float64
	Blocked  bool
	BlockTTL time.Duration
}

// The scripts receive the wall clock from the caller rather than calling
// TIME, keeping results reproducible under test.
var slidingWindowScript = redis.NewScript(`
local block_ttl = redis.call('PTTL', KEYS[1])
if block_ttl > 0 then
	return {-1, 0, 0, block_ttl}
end
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[2])
local oldest = 0
if count >= limit then
	local first = redis.call('ZRANGE', KEYS[2], 0, 0, 'WITHSCORES')
	if #first > 0 then
		oldest = tonumber(first[2])
	end
	return {0, count, oldest, 0}
end
redis.call('ZADD', KEYS[2], now, now .. '-' .. ARGV[4])
redis.call('PEXPIRE', KEYS[2], window)
local first = redis.call('ZRANGE', KEYS[2], 0, 0, 'WITHSCORES')
if #first > 0 then
	oldest = tonumber(first[2])
end
return {1, count + 1, oldest, 0}
`)

var tokenBucketScript = redis.NewScript(`
local block_ttl = redis.call('PTTL', KEYS[1])
if block_ttl > 0 then
	return {-1, '0', block_ttl}
end
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local vals = redis.call('HMGET', KEYS[2], 'tokens', 'last_refill')
local tokens = tonumber(vals[1])
local last_refill = tonumber(vals[2])
if tokens == nil or last_refill == nil then
	tokens = capacity
	last_refill = now
end
local elapsed = now - last_refill
if elapsed < 0 then
	elapsed = 0
end
tokens = tokens + elapsed * capacity / window
if tokens > capacity then
	tokens = capacity
end
local accepted = 0
if tokens >= 1 then
	tokens = tokens - 1
	accepted = 1
end
redis.call('HSET', KEYS[2], 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('PEXPIRE', KEYS[2], window)
return {accepted, tostring(tokens), 0}
`)

type kvStore struct {
	client *redis.Client
	// instance plus seq make window members unique across processes even
	// when entries land on the same millisecond.
	instance string
	seq      atomic.Uint64
}

func NewKVStore(ctx context.Context, cfg Options) (KVStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Hostname, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to kv store: %w", err)
	}
	return &kvStore{client: client, instance: uuid.NewString()[:8]}, nil
}

// NewKVStoreWithClient wraps an existing client, e.g. one backed by an
// in-memory server under test.
func NewKVStoreWithClient(client *redis.Client) KVStore {
	return &kvStore{client: client, instance: uuid.NewString()[:8]}
}

// Options describes the connection to the shared store.
type Options struct {
	Hostname string
	Port     uint
	Password string
	DB       int
}

func (s *kvStore) SlidingWindowIncr(ctx context.Context, counterKey, blockKey string, window time.Duration, limit int, now time.Time) (SlidingWindowResult, error) {
	// Member suffix disambiguates concurrent entries sharing a millisecond.
	suffix := s.instance + "-" + strconv.FormatUint(s.seq.Add(1), 36)
	raw, err := slidingWindowScript.Run(ctx, s.client,
		[]string{blockKey, counterKey},
		now.UnixMilli(), window.Milliseconds(), limit, suffix).Result()
	if err != nil {
		return SlidingWindowResult{}, fmt.Errorf("sliding window transaction: %w", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 4 {
		return SlidingWindowResult{}, fmt.Errorf("sliding window transaction: unexpected reply %v", raw)
	}
	status := vals[0].(int64)
	if status == -1 {
		return SlidingWindowResult{
			Blocked:  true,
			BlockTTL: time.Duration(vals[3].(int64)) * time.Millisecond,
		}, nil
	}
	res := SlidingWindowResult{
		Accepted: status == 1,
		Count:    int(vals[1].(int64)),
	}
	if oldest, ok := vals[2].(int64); ok && oldest > 0 {
		res.OldestEntry = time.UnixMilli(oldest)
	}
	return res, nil
}

func (s *kvStore) TokenBucketConsume(ctx context.Context, bucketKey, blockKey string, window time.Duration, capacity int, now time.Time) (TokenBucketResult, error) {
	raw, err := tokenBucketScript.Run(ctx, s.client,
		[]string{blockKey, bucketKey},
		now.UnixMilli(), window.Milliseconds(), capacity).Result()
	if err != nil {
		return TokenBucketResult{}, fmt.Errorf("token bucket transaction: %w", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return TokenBucketResult{}, fmt.Errorf("token bucket transaction: unexpected reply %v", raw)
	}
	status := vals[0].(int64)
	if status == -1 {
		return TokenBucketResult{
			Blocked:  true,
			BlockTTL: time.Duration(vals[2].(int64)) * time.Millisecond,
		}, nil
	}

	// Token counts are fractional, so the script returns them as a string;
	// integer replies would truncate.
	var tokens float64
	if str, ok := vals[1].(string); ok {
		if _, err := fmt.Sscanf(str, "%g", &tokens); err != nil {
			return TokenBucketResult{}, fmt.Errorf("token bucket transaction: bad token count %q", str)
		}
	}
	return TokenBucketResult{
		Accepted: status == 1,
		Tokens:   tokens,
	}, nil
}

func (s *kvStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("storing key %q: %w", key, err)
	}
	return nil
}

func (s *kvStore) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		if err == redis.Nil {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("reading key %q: %w", key, err)
	}
	value, err := getCmd.Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("reading key %q: %w", key, err)
	}
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return value, ttl, nil
}

func (s *kvStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	return nil
}

func (s *kvStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *kvStore) Close() error {
	return s.client.Close()
}
