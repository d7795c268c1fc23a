package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper guards a Redis client with a circuit breaker. A key miss
// (redis.Nil) is a successful call, not a failure.
type RedisWrapper struct {
	client  *redis.Client
	breaker *CircuitBreaker
}

func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisWrapper{
		client:  client,
		breaker: New("redis", "cache", RedisConfig(), logger),
	}
}

func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	err := rw.breaker.Execute(ctx, func() error {
		cmd = rw.client.Ping(ctx)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewStatusCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var cmd *redis.StringCmd
	err := rw.breaker.Execute(ctx, func() error {
		cmd = rw.client.Get(ctx, key)
		if errors.Is(cmd.Err(), redis.Nil) {
			return nil
		}
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewStringCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	err := rw.breaker.Execute(ctx, func() error {
		cmd = rw.client.Set(ctx, key, value, expiration)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewStatusCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var cmd *redis.IntCmd
	err := rw.breaker.Execute(ctx, func() error {
		cmd = rw.client.Del(ctx, keys...)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewIntCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	var cmd *redis.BoolCmd
	err := rw.breaker.Execute(ctx, func() error {
		cmd = rw.client.Expire(ctx, key, expiration)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewBoolCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) ZAdd(ctx context.Context, key string, members ...*redis.Z) *redis.IntCmd {
	var cmd *redis.IntCmd
	err := rw.breaker.Execute(ctx, func() error {
		cmd = rw.client.ZAdd(ctx, key, members...)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewIntCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) ZCard(ctx context.Context, key string) *redis.IntCmd {
	var cmd *redis.IntCmd
	err := rw.breaker.Execute(ctx, func() error {
		cmd = rw.client.ZCard(ctx, key)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewIntCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd {
	var cmd *redis.IntCmd
	err := rw.breaker.Execute(ctx, func() error {
		cmd = rw.client.ZRemRangeByScore(ctx, key, min, max)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewIntCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// IsOpen reports whether the breaker is currently rejecting calls. The
// readiness probe uses it to short-circuit its Redis ping.
func (rw *RedisWrapper) IsOpen() bool {
	return rw.breaker.State() == StateOpen
}
