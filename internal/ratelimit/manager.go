package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	redisBreakerDuration = 30 * time.Second
	redisPingTimeout     = 2 * time.Second
)

// SettingsProvider supplies the latest settings snapshot.
type SettingsProvider func() SettingsConfig

// RedisClientFactory constructs a Redis client for the given options.
type RedisClientFactory func(options *redis.Options) *redis.Client

// redisTarget identifies one shared write window backend.
type redisTarget struct {
	addr     string
	password string
	prefix   string
	db       int
}

func targetFor(cfg SettingsConfig) redisTarget {
	return redisTarget{
		addr:     cfg.RedisAddr,
		password: cfg.RedisPassword,
		prefix:   cfg.RedisPrefix,
		db:       max(cfg.RedisDB, 0),
	}
}

// breaker remembers a failed redis target. It only applies to the target
// that failed, so a reload pointing at another server is tried at once.
type breaker struct {
	target redisTarget
	until  time.Time
}

func (b breaker) open(target redisTarget, now time.Time) bool {
	return !b.until.IsZero() && b.target == target && now.Before(b.until)
}

// Manager enforces per-token write budgets. It prefers Redis when enabled so
// several store processes share one window, and falls back to an in-process
// limiter while Redis is unreachable.
type Manager struct {
	provider       SettingsProvider
	nowFn          func() time.Time
	memoryLimiter  Limiter
	newRedisClient RedisClientFactory

	mu      sync.Mutex
	shared  *RedisLimiter
	target  redisTarget
	breaker breaker
}

// NewManager constructs a Manager with default dependencies when nil.
func NewManager(provider SettingsProvider, nowFn func() time.Time, newRedisClient RedisClientFactory) *Manager {
	if provider == nil {
		provider = DefaultSettings
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if newRedisClient == nil {
		newRedisClient = redis.NewClient
	}
	return &Manager{
		provider:       provider,
		nowFn:          nowFn,
		memoryLimiter:  NewMemoryLimiter(),
		newRedisClient: newRedisClient,
	}
}

// AllowToken resolves the budget for a token and consumes one write from it.
func (m *Manager) AllowToken(ctx context.Context, tokenID uint64, tokenLimit int) (Result, Decision, error) {
	if m == nil {
		return Result{Allowed: true}, Decision{}, nil
	}
	decision := ResolveLimit(tokenLimit, m.provider())
	key := KeyForDecision(tokenID, decision)
	result, err := m.Allow(ctx, key, decision.Limit)
	return result, decision, err
}

// Allow consumes one write from key's window on the best available backend.
func (m *Manager) Allow(ctx context.Context, key string, limit int) (Result, error) {
	if m == nil || limit <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := m.nowFn()
	cfg := m.provider()

	if cfg.RedisEnabled {
		if result, errShared := m.allowShared(ctx, key, limit, now, targetFor(cfg)); errShared == nil {
			observeDecision(backendRedis, result)
			return result, nil
		}
		redisFallbacksTotal.Inc()
	}
	result, err := m.memoryLimiter.Allow(ctx, key, limit, now)
	if err == nil {
		observeDecision(backendMemory, result)
	}
	return result, err
}

// Close releases the Redis client, if any.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropSharedLocked()
}

// allowShared counts the write in Redis. Any error trips the breaker for
// the current target and sends the caller to the memory window.
func (m *Manager) allowShared(ctx context.Context, key string, limit int, now time.Time, target redisTarget) (Result, error) {
	limiter, errConnect := m.sharedLimiter(ctx, target, now)
	if errConnect != nil {
		return Result{}, errConnect
	}
	result, errAllow := limiter.Allow(ctx, key, limit, now)
	if errAllow != nil {
		m.trip(target, errAllow, now)
		return Result{}, errAllow
	}
	return result, nil
}

var errBreakerOpen = errors.New("rate limit redis: breaker open")

// sharedLimiter returns a connected limiter for target, reconnecting when the
// configured target changed since the last call.
func (m *Manager) sharedLimiter(ctx context.Context, target redisTarget, now time.Time) (*RedisLimiter, error) {
	if target.addr == "" {
		return nil, errors.New("rate limit redis: missing address")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breaker.open(target, now) {
		return nil, errBreakerOpen
	}
	if m.shared != nil && m.target == target {
		return m.shared, nil
	}
	_ = m.dropSharedLocked()

	client := m.newRedisClient(&redis.Options{
		Addr:     target.addr,
		Password: target.password,
		DB:       target.db,
	})
	ctxPing, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if errPing := client.Ping(ctxPing).Err(); errPing != nil {
		_ = client.Close()
		m.tripLocked(target, errPing, now)
		return nil, errPing
	}
	m.shared = NewRedisLimiter(client, target.prefix)
	m.target = target
	m.breaker = breaker{}
	log.WithField("addr", target.addr).Info("rate limit: sharing write windows through redis")
	return m.shared, nil
}

func (m *Manager) trip(target redisTarget, err error, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tripLocked(target, err, now)
}

func (m *Manager) tripLocked(target redisTarget, err error, now time.Time) {
	if m.breaker.open(target, now) {
		return
	}
	m.breaker = breaker{target: target, until: now.Add(redisBreakerDuration)}
	log.WithError(err).WithField("addr", target.addr).Warn("rate limit: redis unavailable, counting writes in memory")
}

func (m *Manager) dropSharedLocked() error {
	if m.shared == nil {
		return nil
	}
	errClose := m.shared.client.Close()
	m.shared = nil
	m.target = redisTarget{}
	return errClose
}
