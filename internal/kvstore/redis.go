package kvstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireLeaseScript implements ScriptAcquireLease: trim expired members,
// add the new one, refresh the key TTL to the lease length
// (expireAtMs - nowMs), and report the resulting count. The safety margin
// on top of that TTL is added by the caller (concurrency.Manager.Acquire).
// Grounded on the acquire-concurrency-slot script pattern
// (ZREMRANGEBYSCORE + ZCARD/ZADD + EXPIRE) used for per-account
// concurrency leases.
var acquireLeaseScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]) - tonumber(ARGV[1]))
return redis.call('ZCARD', KEYS[1])
`)

var refreshLeaseScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

var releaseLockIfOwnerScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
else
  return 0
end
`)

var incrementCostScript = redis.NewScript(`
local total = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
redis.call('INCRBYFLOAT', KEYS[2], ARGV[1])
redis.call('EXPIRE', KEYS[2], ARGV[2])
redis.call('INCRBYFLOAT', KEYS[3], ARGV[1])
redis.call('EXPIRE', KEYS[3], ARGV[2])
return total
`)

// RedisStore is the production Store backend.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedis dials Redis and verifies connectivity.
func NewRedis(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }
func (s *RedisStore) Close() error                   { return s.rdb.Close() }

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	vals := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		vals = append(vals, k, v)
	}
	return s.rdb.HSet(ctx, key, vals...).Err()
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.rdb.HDel(ctx, key, fields...).Err()
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *RedisStore) SAdd(ctx context.Context, key, member string) error {
	return s.rdb.SAdd(ctx, key, member).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key, member string) error {
	return s.rdb.SRem(ctx, key, member).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	return v, err == nil, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) GetDel(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	return v, err == nil, err
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRem(ctx context.Context, key, member string) (int64, error) {
	return s.rdb.ZRem(ctx, key, member).Result()
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return s.rdb.ZRemRangeByScore(ctx, key, fscore(min), fscore(max)).Result()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

func (s *RedisStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	return s.rdb.ZCount(ctx, key, fscore(min), fscore(max)).Result()
}

func (s *RedisStore) ZRevRangeByScore(ctx context.Context, key string, max, min float64, offset, count int64) ([]string, error) {
	return s.rdb.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
		Max:    fscore(max),
		Min:    fscore(min),
		Offset: offset,
		Count:  count,
	}).Result()
}

func (s *RedisStore) ZRangeWithScores(ctx context.Context, key string, min, max float64) ([]ScoredMember, error) {
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: fscore(min), Max: fscore(max)}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ScoredMember, len(zs))
	for i, z := range zs {
		out[i] = ScoredMember{Member: fmt.Sprint(z.Member), Score: z.Score}
	}
	return out, nil
}

func (s *RedisStore) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	return s.rdb.IncrByFloat(ctx, key, delta).Result()
}

func (s *RedisStore) EvalInt(ctx context.Context, id ScriptID, keys []string, args ...string) (int64, error) {
	script, err := scriptFor(id)
	if err != nil {
		return 0, err
	}
	anyArgs := toAnySlice(args)
	return script.Run(ctx, s.rdb, keys, anyArgs...).Int64()
}

func (s *RedisStore) EvalFloat(ctx context.Context, id ScriptID, keys []string, args ...string) (float64, error) {
	script, err := scriptFor(id)
	if err != nil {
		return 0, err
	}
	anyArgs := toAnySlice(args)
	res, err := script.Run(ctx, s.rdb, keys, anyArgs...).Result()
	if err != nil {
		return 0, err
	}
	return parseFloat(res)
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	return s.rdb.Publish(ctx, channel, message).Err()
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

func scriptFor(id ScriptID) (*redis.Script, error) {
	switch id {
	case ScriptAcquireLease:
		return acquireLeaseScript, nil
	case ScriptRefreshLease:
		return refreshLeaseScript, nil
	case ScriptReleaseLockIfOwner:
		return releaseLockIfOwnerScript, nil
	case ScriptIncrementCost:
		return incrementCostScript, nil
	default:
		return nil, fmt.Errorf("kvstore: unknown script id %d", id)
	}
}

func toAnySlice(args []string) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}

func parseFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseFloat(t, 64)
	case int64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("kvstore: unexpected script reply type %T", v)
	}
}

func fscore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
