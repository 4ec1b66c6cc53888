package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/offlinekit/offlinekit/pkg/config"
	"github.com/offlinekit/offlinekit/pkg/errors"
)

// Compare-and-mutate scripts used by the lock protocol. Plain GET-then-DEL is
// racy: the key could expire and be re-acquired by another owner in between.
var (
	compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	compareAndExtendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisBackend implements Backend and Bus on a shared Redis instance. This is
// the durable medium client instances of one user coordinate through.
type RedisBackend struct {
	client *redis.Client
	config *config.RedisConfig
}

// NewRedisBackend creates a new Redis-backed store
func NewRedisBackend(cfg *config.RedisConfig) (*RedisBackend, error) {
	if cfg == nil {
		return nil, errors.NewValidationFailed("Redis configuration is required")
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		// Connection timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		// Pool timeouts
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		// Retry configuration
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewStorageUnavailable("failed to connect to Redis").WithCause(err)
	}

	return &RedisBackend{
		client: client,
		config: cfg,
	}, nil
}

// Close closes the Redis connection
func (r *RedisBackend) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Health checks the Redis connection health
func (r *RedisBackend) Health(ctx context.Context) error {
	if r.client == nil {
		return errors.NewStorageUnavailable("Redis client is nil")
	}

	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.NewStorageUnavailable("Redis health check failed").WithCause(err)
	}

	return nil
}

// Client returns the underlying Redis client
func (r *RedisBackend) Client() *redis.Client {
	return r.client
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, errors.NewStorageUnavailable("failed to get key").WithCause(err)
	}
	return val, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.NewStorageUnavailable("failed to set key").WithCause(err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return errors.NewStorageUnavailable("failed to delete key").WithCause(err)
	}
	return nil
}

func (r *RedisBackend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	acquired, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, errors.NewStorageUnavailable("failed to set key if absent").WithCause(err)
	}
	return acquired, nil
}

func (r *RedisBackend) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	res, err := compareAndDeleteScript.Run(ctx, r.client, []string{key}, value).Int()
	if err != nil {
		return false, errors.NewStorageUnavailable("failed to compare-and-delete key").WithCause(err)
	}
	return res == 1, nil
}

func (r *RedisBackend) CompareAndExtend(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := compareAndExtendScript.Run(ctx, r.client, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.NewStorageUnavailable("failed to compare-and-extend key").WithCause(err)
	}
	return res == 1, nil
}

// Publish sends a payload to all subscribers of a channel
func (r *RedisBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.NewStorageUnavailable("failed to publish message").WithCause(err)
	}
	return nil
}

// Subscribe registers a handler for a channel. The handler runs on a dedicated
// goroutine per subscription; unsubscribe closes it and is safe to call more
// than once.
func (r *RedisBackend) Subscribe(channel string, fn func(payload []byte)) (func(), error) {
	sub := r.client.Subscribe(context.Background(), channel)

	// Confirm the subscription before returning so callers never miss
	// messages published right after Subscribe.
	if _, err := sub.Receive(context.Background()); err != nil {
		sub.Close()
		return nil, errors.NewStorageUnavailable("failed to subscribe").WithCause(err)
	}

	ch := sub.Channel()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn([]byte(msg.Payload))
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}, nil
}
