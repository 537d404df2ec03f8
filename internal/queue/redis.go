package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBackend stores the queue as a Redis list: LPUSH to enqueue, BRPOP to
// dequeue. Several worker processes may share one list.
type redisBackend struct {
	rdb *redis.Client
	key string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects and pings once so a bad address fails at startup.
func NewRedis(ctx context.Context, key string, opt RedisOptions) (Backend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &redisBackend{rdb: rdb, key: key}, nil
}

func (r *redisBackend) Push(ctx context.Context, payload []byte) error {
	return r.rdb.LPush(ctx, r.key, payload).Err()
}

func (r *redisBackend) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	res, err := r.rdb.BRPop(ctx, timeout, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// [key, value]
	if len(res) != 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

func (r *redisBackend) Size(ctx context.Context) (int64, error) {
	return r.rdb.LLen(ctx, r.key).Result()
}

func (r *redisBackend) Clear(ctx context.Context) error {
	return r.rdb.Del(ctx, r.key).Err()
}

func (r *redisBackend) Close() error { return r.rdb.Close() }
