package settings

import "time"

// Defaults shared by the config loader, the store and the hunters.
const (
	// DefaultHost is the fallback HTTP listen host.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the fallback HTTP listen port.
	DefaultPort = 5000
	// DefaultSearchLimit caps search results when no limit is given.
	DefaultSearchLimit = 500
	// MaxSearchLimit is the largest accepted search limit.
	MaxSearchLimit = 50000
	// SearchConfidence is the confidence of indicators recorded from searches.
	SearchConfidence = 10.0
	// DefaultLockWait bounds how long a submission waits for its identity lock.
	DefaultLockWait = 2 * time.Second
	// DefaultMaxInflightWrites bounds concurrent store writes.
	DefaultMaxInflightWrites = 64
	// DefaultTokenCacheSize is the verified token cache capacity.
	DefaultTokenCacheSize = 1024
	// DefaultTokenCacheTTL is the verified token cache lifetime.
	DefaultTokenCacheTTL = 30 * time.Second
	// DefaultGatewayTimeout bounds a single gateway call.
	DefaultGatewayTimeout = 10 * time.Second
	// DefaultHunterWorkers is the hunter pipeline worker count.
	DefaultHunterWorkers = 4
	// DefaultHunterQueueSize is the hunter pipeline queue capacity.
	DefaultHunterQueueSize = 1024
	// DefaultResolveTimeout bounds one hunter DNS lookup.
	DefaultResolveTimeout = 5 * time.Second
	// DefaultFeedInterval is the fallback feed sync interval.
	DefaultFeedInterval = time.Hour
	// DefaultRateLimit is the fallback per-token write rate (0 means unlimited).
	DefaultRateLimit = 0
	// DefaultRateLimitRedisPrefix is the fallback Redis key prefix.
	DefaultRateLimitRedisPrefix = "cif:rl"
)

// DefaultWatcherInterval is how often revoked tokens are polled for.
const DefaultWatcherInterval = 10 * time.Second
