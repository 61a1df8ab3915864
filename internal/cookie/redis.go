package cookie

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisEntry is the JSON form kept under each cookie key.
type redisEntry struct {
	Data     json.RawMessage `json:"data"`
	IssuedAt time.Time       `json:"issued_at"`
}

// RedisStore keeps cookies in Redis so rendezvous replies landing on another
// engine instance can still be matched. Data must be JSON-marshalable and
// comes back out of Take and Peek as json.RawMessage. Sweep works at
// microsecond resolution.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to addr and verifies the server answers. Keys are
// written under prefix and expire after ttl as a backstop to Sweep (0 = no
// expiry).
func NewRedisStore(addr, password string, db int, prefix string, ttl time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisStoreWithClient(rdb, prefix, ttl), nil
}

func NewRedisStoreWithClient(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "oscar"
	}
	return &RedisStore{client: rdb, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) key(k Key) string {
	return fmt.Sprintf("%s:cookie:%02x:%s", r.prefix, uint8(k.Type), k.Cookie)
}

func (r *RedisStore) index() string { return r.prefix + ":cookies" }

func (r *RedisStore) Put(ctx context.Context, key Key, e Entry) (PutResult, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return PutAdded, fmt.Errorf("marshal cookie data: %w", err)
	}
	val, err := json.Marshal(redisEntry{Data: data, IssuedAt: e.IssuedAt})
	if err != nil {
		return PutAdded, fmt.Errorf("marshal cookie entry: %w", err)
	}
	k := r.key(key)
	pipe := r.client.TxPipeline()
	exists := pipe.Exists(ctx, k)
	indexed := pipe.ZScore(ctx, r.index(), k)
	pipe.Set(ctx, k, val, r.ttl)
	pipe.ZAdd(ctx, r.index(), redis.Z{Score: float64(e.IssuedAt.UnixMicro()), Member: k})
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return PutAdded, fmt.Errorf("redis put cookie failed: %w", err)
	}
	switch {
	case exists.Val() > 0:
		return PutReplaced, nil
	case indexed.Err() == nil:
		return PutRenewed, nil
	}
	return PutAdded, nil
}

func (r *RedisStore) Take(ctx context.Context, key Key) (Entry, bool, error) {
	k := r.key(key)
	pipe := r.client.TxPipeline()
	get := pipe.Get(ctx, k)
	pipe.Del(ctx, k)
	pipe.ZRem(ctx, r.index(), k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, false, fmt.Errorf("redis take cookie failed: %w", err)
	}
	return decodeEntry(get)
}

func (r *RedisStore) Peek(ctx context.Context, key Key) (Entry, bool, error) {
	return decodeEntry(r.client.Get(ctx, r.key(key)))
}

func decodeEntry(cmd *redis.StringCmd) (Entry, bool, error) {
	val, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get cookie failed: %w", err)
	}
	var re redisEntry
	if err := json.Unmarshal(val, &re); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal cookie entry: %w", err)
	}
	return Entry{Data: re.Data, IssuedAt: re.IssuedAt}, true, nil
}

func (r *RedisStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := r.client.ZRangeByScore(ctx, r.index(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis sweep scan failed: %w", err)
	}
	if len(stale) > 0 {
		pipe := r.client.TxPipeline()
		pipe.Del(ctx, stale...)
		pipe.ZRem(ctx, r.index(), members(stale)...)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("redis sweep delete failed: %w", err)
		}
	}
	lapsed, err := r.lapsed(ctx)
	if err != nil {
		return len(stale), err
	}
	if len(lapsed) > 0 {
		if err := r.client.ZRem(ctx, r.index(), members(lapsed)...).Err(); err != nil {
			return len(stale), fmt.Errorf("redis sweep prune failed: %w", err)
		}
	}
	return len(stale) + len(lapsed), nil
}

// lapsed lists index members whose key the server has already expired.
func (r *RedisStore) lapsed(ctx context.Context) ([]string, error) {
	keys, err := r.client.ZRange(ctx, r.index(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis scan cookie index failed: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	checks := make([]*redis.IntCmd, len(keys))
	for i, k := range keys {
		checks[i] = pipe.Exists(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis check cookie keys failed: %w", err)
	}
	var gone []string
	for i, c := range checks {
		if c.Val() == 0 {
			gone = append(gone, keys[i])
		}
	}
	return gone, nil
}

func members(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

// Len counts indexed cookies whose key is still live.
func (r *RedisStore) Len(ctx context.Context) (int, error) {
	keys, err := r.client.ZRange(ctx, r.index(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count cookies failed: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count cookies failed: %w", err)
	}
	return int(n), nil
}
