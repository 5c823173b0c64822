package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 100

// RedisConfig holds connection settings for the Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Redis implements Store over a go-redis client.
type Redis struct {
	client *redis.Client
}

// NewRedis dials nothing; the underlying pool connects lazily on first
// use. Call Ping to verify connectivity at startup.
func NewRedis(cfg RedisConfig) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})}
}

func (r *Redis) Close() error { return r.client.Close() }

// classify maps driver errors onto the adapter sentinels so callers never
// depend on go-redis types.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case strings.HasPrefix(err.Error(), "WRONGTYPE"):
		return fmt.Errorf("%w: %v", ErrWrongType, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// normalizeTTL converts the raw store reply to the adapter convention.
// The raw protocol uses -2 for absent and -1 for no-expiry; the adapter
// contract is the reverse.
func normalizeTTL(d time.Duration) int64 {
	switch d {
	case -2:
		return TTLAbsent
	case -1:
		return TTLNoExpiry
	default:
		return int64(d / time.Second)
	}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, classify(err)
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	status, err := r.client.Set(ctx, key, value, ttl).Result()
	if err != nil {
		return false, classify(err)
	}
	return status == "OK", nil
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (r *Redis) Decr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Decr(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

func (r *Redis) TTL(ctx context.Context, key string) (int64, error) {
	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return normalizeTTL(d), nil
}

func (r *Redis) HSet(ctx context.Context, key, field string, value []byte) error {
	return classify(r.client.HSet(ctx, key, field, value).Err())
}

func (r *Redis) HGet(ctx context.Context, key, field string) ([]byte, error) {
	val, err := r.client.HGet(ctx, key, field).Bytes()
	if err != nil {
		return nil, classify(err)
	}
	return val, nil
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	return classify(r.client.HDel(ctx, key, fields...).Err())
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, classify(err)
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out, nil
}

func (r *Redis) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := r.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (r *Redis) LPush(ctx context.Context, key string, values ...[]byte) (int64, error) {
	n, err := r.client.LPush(ctx, key, byteArgs(values)...).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (r *Redis) RPush(ctx context.Context, key string, values ...[]byte) (int64, error) {
	n, err := r.client.RPush(ctx, key, byteArgs(values)...).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	items, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, classify(err)
	}
	out := make([][]byte, len(items))
	for i, s := range items {
		out[i] = []byte(s)
	}
	return out, nil
}

func (r *Redis) LTrim(ctx context.Context, key string, start, stop int64) error {
	return classify(r.client.LTrim(ctx, key, start, stop).Err())
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, classify(err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (r *Redis) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return classify(r.client.Ping(ctx).Err())
}

// Pipeline starts a MULTI/EXEC batch; queued commands execute atomically
// and results come back in queue order.
func (r *Redis) Pipeline() Pipeline {
	return &redisPipeline{pipe: r.client.TxPipeline()}
}

type redisPipeline struct {
	pipe redis.Pipeliner
}

// Queue methods perform no I/O; the background context is never used for
// a round trip.

func (p *redisPipeline) Incr(key string) {
	p.pipe.Incr(context.Background(), key)
}

func (p *redisPipeline) Decr(key string) {
	p.pipe.Decr(context.Background(), key)
}

func (p *redisPipeline) Expire(key string, ttl time.Duration) {
	p.pipe.Expire(context.Background(), key, ttl)
}

func (p *redisPipeline) RPush(key string, value []byte) {
	p.pipe.RPush(context.Background(), key, value)
}

func (p *redisPipeline) LTrim(key string, start, stop int64) {
	p.pipe.LTrim(context.Background(), key, start, stop)
}

func (p *redisPipeline) HIncrBy(key, field string, delta int64) {
	p.pipe.HIncrBy(context.Background(), key, field, delta)
}

func (p *redisPipeline) Exec(ctx context.Context) ([]Result, error) {
	cmds, err := p.pipe.Exec(ctx)
	if err != nil {
		// Exec reports the first command error as well; only transport
		// failures abort the whole batch.
		if cerr := classify(err); errors.Is(cerr, ErrUnavailable) {
			return nil, cerr
		}
	}
	results := make([]Result, len(cmds))
	for i, cmd := range cmds {
		res := Result{Err: classify(cmd.Err())}
		switch c := cmd.(type) {
		case *redis.IntCmd:
			res.Val = c.Val()
		case *redis.BoolCmd:
			res.OK = c.Val()
		case *redis.StatusCmd:
			res.OK = c.Err() == nil
		}
		results[i] = res
	}
	return results, nil
}

func byteArgs(values [][]byte) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
