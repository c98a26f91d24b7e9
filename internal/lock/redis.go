package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"session-analyzer/internal/config"
	"session-analyzer/internal/logger"
)

// Redis hands out leases stored as "lock:<key>" with a random token. A held
// lease is refreshed in the background until released, so a crashed holder
// frees its keys after one TTL.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
	log    *logger.Logger
}

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedis returns a lease locker. ttl defaults to 30s.
func NewRedis(client *redis.Client, ttl time.Duration, log *logger.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Redis{
		client: client,
		prefix: "lock:",
		ttl:    ttl,
		poll:   50 * time.Millisecond,
		log:    log,
	}
}

func (r *Redis) Acquire(ctx context.Context, key string) (Release, error) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		release, ok, err := r.TryAcquire(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Redis) TryAcquire(ctx context.Context, key string) (Release, bool, error) {
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return r.hold(key, token), true, nil
}

func (r *Redis) hold(key, token string) Release {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
				n, err := extendScript.Run(ctx, r.client, []string{r.prefix + key}, token, r.ttl.Milliseconds()).Int()
				cancel()
				if err != nil {
					r.log.Warn("lease refresh failed", "key", key, "error", err)
					continue
				}
				if n == 0 {
					r.log.Warn("lease lost", "key", key)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, token).Err(); err != nil && err != redis.Nil {
				r.log.Warn("lease release failed", "key", key, "error", err)
			}
		})
	}
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
