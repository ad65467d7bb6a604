package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidEntry indicates a stored record could not be decoded
var ErrInvalidEntry = errors.New("invalid cache entry")

// DefaultRedisPrefix namespaces all keys written by RedisStore.
const DefaultRedisPrefix = "reqcache"

// RedisStore persists buckets in Redis.
//
// Layout per bucket:
//
//	{prefix}:b:{bucket}:e:{identity}  entry JSON
//	{prefix}:b:{bucket}:log           sorted set, identity scored by insertion sequence
//	{prefix}:b:{bucket}:ts            hash, identity -> insertion time (unix nanos)
//
// plus {prefix}:seq (global insertion counter) and {prefix}:buckets (set).
// Writes run in MULTI/EXEC so readers never observe a half-written entry.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a store on top of an existing Redis client.
func NewRedisStore(redisClient *redis.Client, prefix string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *RedisStore) entryKey(bucket string, id Identity) string {
	return s.prefix + ":b:" + bucket + ":e:" + string(id)
}

func (s *RedisStore) logKey(bucket string) string {
	return s.prefix + ":b:" + bucket + ":log"
}

func (s *RedisStore) tsKey(bucket string) string {
	return s.prefix + ":b:" + bucket + ":ts"
}

func (s *RedisStore) bucketsKey() string {
	return s.prefix + ":buckets"
}

func (s *RedisStore) seqKey() string {
	return s.prefix + ":seq"
}

func (s *RedisStore) fail(op string, err error) error {
	StoreErrors.WithLabelValues("redis", op).Inc()
	return unavailable(op, err)
}

// Get retrieves an entry. Returns ErrNotFound if the identity is absent.
func (s *RedisStore) Get(ctx context.Context, bucket string, id Identity) (*Entry, error) {
	data, err := s.redis.Get(ctx, s.entryKey(bucket, id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, s.fail("get", fmt.Errorf("redis get: %w", err))
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, s.fail("get", fmt.Errorf("%w: %v", ErrInvalidEntry, err))
	}
	return &entry, nil
}

// Put stores the entry and appends it to the bucket's insertion log.
func (s *RedisStore) Put(ctx context.Context, bucket string, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if entry.InsertedAt.IsZero() {
		entry.InsertedAt = time.Now()
	}
	stored := *entry
	stored.Bucket = bucket

	data, err := json.Marshal(&stored)
	if err != nil {
		return s.fail("put", fmt.Errorf("marshal cache entry: %w", err))
	}

	seq, err := s.redis.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return s.fail("put", fmt.Errorf("redis incr: %w", err))
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(bucket, entry.Identity), data, 0)
		pipe.ZAdd(ctx, s.logKey(bucket), redis.Z{Score: float64(seq), Member: string(entry.Identity)})
		pipe.HSet(ctx, s.tsKey(bucket), string(entry.Identity), stored.InsertedAt.UnixNano())
		pipe.SAdd(ctx, s.bucketsKey(), bucket)
		return nil
	})
	if err != nil {
		return s.fail("put", fmt.Errorf("redis multi: %w", err))
	}

	StoreWrittenBytes.WithLabelValues("redis").Add(float64(len(entry.Body)))
	return nil
}

// Delete removes an entry from the bucket and its insertion log.
func (s *RedisStore) Delete(ctx context.Context, bucket string, id Identity) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entryKey(bucket, id))
		pipe.ZRem(ctx, s.logKey(bucket), string(id))
		pipe.HDel(ctx, s.tsKey(bucket), string(id))
		return nil
	})
	if err != nil {
		return s.fail("delete", fmt.Errorf("redis del: %w", err))
	}
	return nil
}

// List returns the insertion log of a bucket, oldest first.
func (s *RedisStore) List(ctx context.Context, bucket string) ([]Stamp, error) {
	ids, err := s.redis.ZRange(ctx, s.logKey(bucket), 0, -1).Result()
	if err != nil {
		return nil, s.fail("list", fmt.Errorf("redis zrange: %w", err))
	}
	if len(ids) == 0 {
		return nil, nil
	}

	times, err := s.redis.HMGet(ctx, s.tsKey(bucket), ids...).Result()
	if err != nil {
		return nil, s.fail("list", fmt.Errorf("redis hmget: %w", err))
	}

	stamps := make([]Stamp, 0, len(ids))
	for i, id := range ids {
		stamp := Stamp{Identity: Identity(id)}
		if raw, ok := times[i].(string); ok {
			if nanos, err := strconv.ParseInt(raw, 10, 64); err == nil {
				stamp.InsertedAt = time.Unix(0, nanos)
			}
		}
		stamps = append(stamps, stamp)
	}
	return stamps, nil
}

// Buckets returns all bucket names known to this prefix.
func (s *RedisStore) Buckets(ctx context.Context) ([]string, error) {
	names, err := s.redis.SMembers(ctx, s.bucketsKey()).Result()
	if err != nil {
		return nil, s.fail("buckets", fmt.Errorf("redis smembers: %w", err))
	}
	return names, nil
}

// DeleteBucket removes every entry of a bucket together with its log.
func (s *RedisStore) DeleteBucket(ctx context.Context, bucket string) error {
	ids, err := s.redis.ZRange(ctx, s.logKey(bucket), 0, -1).Result()
	if err != nil {
		return s.fail("delete_bucket", fmt.Errorf("redis zrange: %w", err))
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.entryKey(bucket, Identity(id)))
		}
		pipe.Del(ctx, s.logKey(bucket), s.tsKey(bucket))
		pipe.SRem(ctx, s.bucketsKey(), bucket)
		return nil
	})
	if err != nil {
		return s.fail("delete_bucket", fmt.Errorf("redis multi: %w", err))
	}
	return nil
}

// Ping checks that Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.redis.Close()
}
