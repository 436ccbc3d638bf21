package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MemoryRunGuard serializes job runs within one process
type MemoryRunGuard struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryRunGuard() *MemoryRunGuard {
	return &MemoryRunGuard{held: make(map[string]bool)}
}

func (g *MemoryRunGuard) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.held[key] {
		return nil, false, nil
	}
	g.held[key] = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}
	return release, true, nil
}

// releaseScript deletes the lock only if this owner still holds it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only if this owner still holds it
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisRunGuard serializes job runs across fleetd replicas sharing one Redis.
// A held lock is renewed every third of its ttl until released, so ttl only
// bounds how long a crashed holder blocks the job.
type RedisRunGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisRunGuard connects to Redis. ttl bounds how long a crashed
// holder can block a job.
func NewRedisRunGuard(host string, port int, password string, db, poolSize int, ttl time.Duration, logger *zap.Logger) (*RedisRunGuard, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisRunGuardFromClient(client, ttl, logger), nil
}

// NewRedisRunGuardFromClient wraps an existing client
func NewRedisRunGuardFromClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisRunGuard {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisRunGuard{
		client: client,
		prefix: "fleetd:job:",
		ttl:    ttl,
		logger: logger,
	}
}

func (g *RedisRunGuard) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	owner := uuid.NewString()
	lockKey := g.prefix + key

	ok, err := g.client.SetNX(ctx, lockKey, owner, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire run lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go g.keepAlive(key, lockKey, owner, stop, done)

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done

			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, g.client, []string{lockKey}, owner).Err(); err != nil {
				g.logger.Warn("Failed to release run lock",
					zap.String("key", key),
					zap.Error(err))
			}
		})
	}
	return release, true, nil
}

func (g *RedisRunGuard) keepAlive(key, lockKey, owner string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	every := g.ttl / 3
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			n, err := refreshScript.Run(ctx, g.client, []string{lockKey}, owner, g.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				g.logger.Warn("Failed to renew run lock",
					zap.String("key", key),
					zap.Error(err))
				continue
			}
			if n == 0 {
				g.logger.Warn("Run lock lost before release", zap.String("key", key))
				return
			}
		}
	}
}

// Ping checks the Redis connection
func (g *RedisRunGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (g *RedisRunGuard) Close() error {
	return g.client.Close()
}
