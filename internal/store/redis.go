package store

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"job-processing-core/internal/errs"
)

// RedisStore keeps each namespace in one Redis hash.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures the client built by NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore builds a store with its own client.
func NewRedisStore(opts RedisOptions) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisStoreWithClient(client, opts.Prefix)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "jobcore:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Client exposes the underlying client so other Redis-backed components can share it.
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) hashKey(namespace string) string {
	return fmt.Sprintf("%s%s", s.prefix, namespace)
}

func (s *RedisStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	v, err := s.client.HGet(ctx, s.hashKey(namespace), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redis hget %s/%s", namespace, key)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, namespace, key string, value []byte) error {
	if err := s.client.HSet(ctx, s.hashKey(namespace), key, value).Err(); err != nil {
		return errors.Wrapf(err, "redis hset %s/%s", namespace, key)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	if err := s.client.HDel(ctx, s.hashKey(namespace), key).Err(); err != nil {
		return errors.Wrapf(err, "redis hdel %s/%s", namespace, key)
	}
	return nil
}

func (s *RedisStore) GetAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	vals, err := s.client.HGetAll(ctx, s.hashKey(namespace)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "redis hgetall %s", namespace)
	}
	out := make(map[string][]byte, len(vals))
	for k, v := range vals {
		out[k] = []byte(v)
	}
	return out, nil
}

// CompareAndSwap runs the comparison and write inside one Lua script so no
// other client can interleave between them.
func (s *RedisStore) CompareAndSwap(ctx context.Context, namespace, key string, old, new []byte) (bool, error) {
	mustExist := "1"
	if old == nil {
		mustExist = "0"
		old = []byte{}
	}
	res, err := casScript.Run(ctx, s.client, []string{s.hashKey(namespace)}, key, old, new, mustExist).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "redis cas %s/%s", namespace, key)
	}
	return res == 1, nil
}

// CompareAndDelete removes key only if its value still equals old.
func (s *RedisStore) CompareAndDelete(ctx context.Context, namespace, key string, old []byte) (bool, error) {
	res, err := cadScript.Run(ctx, s.client, []string{s.hashKey(namespace)}, key, old).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "redis cad %s/%s", namespace, key)
	}
	return res == 1, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if ARGV[4] == '0' then
  if cur then return 0 end
else
  if (not cur) or cur ~= ARGV[2] then return 0 end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

var cadScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if (not cur) or cur ~= ARGV[2] then return 0 end
redis.call('HDEL', KEYS[1], ARGV[1])
return 1
`)
