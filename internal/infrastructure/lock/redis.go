package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jewelpos/backend/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX so several POS servers
// sharing one database do not run the same periodic work twice
type RedisLocker struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisLocker connects to Redis and verifies the connection
func NewRedisLocker(cfg config.RedisConfig, logger *zap.Logger) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisLockerWithClient(client, "", logger), nil
}

// NewRedisLockerWithClient wraps an existing client
func NewRedisLockerWithClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = "jewelpos:lock:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, keyPrefix: keyPrefix, logger: logger}
}

// TryLock sets the key with a random token if it does not exist
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	fullKey := l.keyPrefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return func() {}, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return func() {}, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{fullKey}, token).Err(); err != nil {
				l.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
			}
		})
	}, true, nil
}

// Close closes the Redis client
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

var _ Locker = (*RedisLocker)(nil)

// New returns a RedisLocker when Redis is enabled and reachable, and an
// InMemoryLocker otherwise.
func New(cfg config.RedisConfig, logger *zap.Logger) Locker {
	if !cfg.Enabled {
		return NewInMemoryLocker()
	}
	rl, err := NewRedisLocker(cfg, logger)
	if err != nil {
		logger.Warn("Redis unavailable, falling back to in-process locks; "+
			"several servers may now run the same scheduled work",
			zap.Error(err),
		)
		return NewInMemoryLocker()
	}
	logger.Info("using Redis locks", zap.String("addr", cfg.RedisAddr()))
	return rl
}
