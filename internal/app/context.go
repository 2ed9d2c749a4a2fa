package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cif-go/cifstore/internal/config"
	"github.com/cif-go/cifstore/internal/db"
	"github.com/cif-go/cifstore/internal/feeds"
	"github.com/cif-go/cifstore/internal/gateway"
	"github.com/cif-go/cifstore/internal/hunter"
	"github.com/cif-go/cifstore/internal/indicator"
	"github.com/cif-go/cifstore/internal/ratelimit"
	"github.com/cif-go/cifstore/internal/store"
	"github.com/cif-go/cifstore/internal/tokens"
	"github.com/cif-go/cifstore/internal/watcher"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Context owns every long lived component of a running server.
type Context struct {
	Config       config.Config
	DB           *gorm.DB
	Tokens       *tokens.Handler
	Store        *store.Store
	Limiter      *ratelimit.Manager
	RateSettings *ratelimit.DynamicSettings
	Pipeline     *hunter.Pipeline
	Syncer       *feeds.Syncer
	Watcher      *watcher.Watcher
	Gateway      *gateway.Gateway

	pidfile string

	mu        sync.Mutex
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

type contextOptions struct {
	resolver   hunter.Resolver
	configPath string
	version    string
}

// ContextOption customises NewContext.
type ContextOption func(*contextOptions)

// WithResolver replaces the DNS resolver used by the nameserver hunter.
func WithResolver(r hunter.Resolver) ContextOption {
	return func(o *contextOptions) { o.resolver = r }
}

// WithConfigPath enables config reloads from path.
func WithConfigPath(path string) ContextOption {
	return func(o *contextOptions) { o.configPath = path }
}

// WithVersion sets the version reported by the gateway.
func WithVersion(v string) ContextOption {
	return func(o *contextOptions) { o.version = v }
}

// NewContext opens the database and builds the components described by cfg.
// Nothing runs in the background until Start.
func NewContext(ctx context.Context, cfg config.Config, opts ...ContextOption) (*Context, error) {
	var o contextOptions
	for _, opt := range opts {
		opt(&o)
	}

	if errPid := writePidfile(cfg.Pidfile); errPid != nil {
		return nil, errPid
	}
	c := &Context{Config: cfg, pidfile: cfg.Pidfile}

	conn, errOpen := db.Open(cfg.DSN())
	if errOpen != nil {
		_ = removePidfile(cfg.Pidfile)
		return nil, errOpen
	}
	c.DB = conn
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		_ = c.Close()
		return nil, errMigrate
	}

	c.Tokens = tokens.NewHandler(conn, tokens.WithCache(cfg.Tokens.CacheSize, cfg.Tokens.CacheTTL))
	admin, errAdmin := c.Tokens.CreateAdmin(ctx)
	if errAdmin != nil {
		_ = c.Close()
		return nil, errAdmin
	}

	c.RateSettings = ratelimit.NewDynamicSettings(rateSettings(cfg))
	c.Limiter = ratelimit.NewManager(c.RateSettings.Get, nil, nil)
	c.Store = store.New(conn,
		store.WithLockWait(cfg.Store.LockWait),
		store.WithMaxInflightWrites(cfg.Store.MaxInflightWrites),
		store.WithSearchLimit(cfg.Store.SearchLimit),
		store.WithRateLimiter(c.Limiter),
	)

	if cfg.Hunter.Enabled {
		hunterToken, errToken := resolveHunterToken(ctx, c.Tokens, cfg.Hunter.Token, admin)
		if errToken != nil {
			_ = c.Close()
			return nil, errToken
		}
		hunters := buildHunters(cfg.Hunter, o.resolver)
		if len(hunters) > 0 {
			c.Pipeline = hunter.NewPipeline(c.Store, hunterToken, hunters,
				hunter.WithWorkers(cfg.Hunter.Workers),
				hunter.WithQueueSize(cfg.Hunter.QueueSize),
				hunter.WithTokenVerifier(c.Tokens),
			)
			c.Store.SetNotifier(c.Pipeline)
		}
	}

	if len(cfg.Feeds) > 0 {
		feedList, errFeeds := buildFeeds(cfg.Feeds)
		if errFeeds != nil {
			_ = c.Close()
			return nil, errFeeds
		}
		c.Syncer = feeds.NewSyncer(c.Store, admin, feedList, feeds.WithTokenVerifier(c.Tokens))
	}

	watcherOpts := []watcher.Option{watcher.WithInterval(cfg.Watcher.Interval)}
	if strings.TrimSpace(o.configPath) != "" {
		watcherOpts = append(watcherOpts, watcher.WithConfigReload(o.configPath, c.reload))
	}
	c.Watcher = watcher.New(conn, c.Tokens, watcherOpts...)

	gwOpts := []gateway.Option{
		gateway.WithTimeout(cfg.Gateway.Timeout),
		gateway.WithHealthCheck(c.Ping),
	}
	if o.version != "" {
		gwOpts = append(gwOpts, gateway.WithVersion(o.version))
	}
	c.Gateway = gateway.New(c.Store, c.Tokens, gwOpts...)
	return c, nil
}

// Start launches the hunter pipeline, the feed syncer and the watcher.
func (c *Context) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("app: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.Pipeline != nil {
		if errStart := c.Pipeline.Start(runCtx); errStart != nil {
			return errStart
		}
	}
	c.Syncer.Start(runCtx)
	if errWatch := c.Watcher.Start(runCtx); errWatch != nil {
		return errWatch
	}
	return nil
}

// Close stops background work, closes the database and removes the pidfile.
// It is safe to call more than once.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()

		if c.Pipeline != nil {
			c.Pipeline.Stop()
		}
		c.Syncer.Wait()
		c.Watcher.Stop()

		var errs []error
		if errLimiter := c.Limiter.Close(); errLimiter != nil {
			errs = append(errs, fmt.Errorf("close rate limiter: %w", errLimiter))
		}
		if c.DB != nil {
			if errDB := db.Close(c.DB); errDB != nil {
				errs = append(errs, fmt.Errorf("close database: %w", errDB))
			}
		}
		if errPid := removePidfile(c.pidfile); errPid != nil {
			errs = append(errs, errPid)
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// Ping checks the database connection.
func (c *Context) Ping(ctx context.Context) error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// reload applies the settings that can change without a restart.
func (c *Context) reload(cfg config.Config) {
	c.RateSettings.Set(rateSettings(cfg))
	setLogLevel(cfg.Trace)
	log.WithField("rate_limit", cfg.Store.RateLimit).Info("app: settings reloaded")
}

func rateSettings(cfg config.Config) ratelimit.SettingsConfig {
	return ratelimit.SettingsConfig{
		Limit:         cfg.Store.RateLimit,
		RedisEnabled:  cfg.Store.Redis.Enabled,
		RedisAddr:     cfg.Store.Redis.Addr,
		RedisPassword: cfg.Store.Redis.Password,
		RedisDB:       cfg.Store.Redis.DB,
		RedisPrefix:   cfg.Store.Redis.Prefix,
	}
}

// resolveHunterToken verifies the configured hunter token. Without one the
// hunters submit as the admin token.
func resolveHunterToken(ctx context.Context, h *tokens.Handler, raw string, admin tokens.Token) (tokens.Token, error) {
	if strings.TrimSpace(raw) == "" {
		return admin, nil
	}
	tok, errVerify := h.Verify(ctx, raw)
	if errVerify != nil {
		return tokens.Token{}, fmt.Errorf("hunter token: %w", errVerify)
	}
	if !tok.Write && !tok.Admin {
		return tokens.Token{}, errors.New("hunter token: token cannot write")
	}
	return tok, nil
}

func buildHunters(cfg config.HunterConfig, resolver hunter.Resolver) []hunter.Hunter {
	var out []hunter.Hunter
	if cfg.FqdnNSEnabled() {
		out = append(out, hunter.NewFqdnNS(resolver, cfg.ResolveTimeout))
	}
	if cfg.FqdnSubdomainEnabled() {
		out = append(out, hunter.NewFqdnSubdomain())
	}
	return out
}

func buildFeeds(in []config.FeedConfig) ([]feeds.Feed, error) {
	out := make([]feeds.Feed, 0, len(in))
	for _, fc := range in {
		var itype indicator.Itype
		if raw := strings.TrimSpace(fc.Itype); raw != "" {
			parsed, ok := indicator.ParseItype(raw)
			if !ok {
				return nil, fmt.Errorf("feed %s: unknown itype %q", fc.Name, raw)
			}
			itype = parsed
		}
		switch strings.ToLower(strings.TrimSpace(fc.Format)) {
		case "", feeds.FormatPlain, feeds.FormatHostfile, feeds.FormatJSON:
		default:
			return nil, fmt.Errorf("feed %s: unknown format %q", fc.Name, fc.Format)
		}
		out = append(out, feeds.Feed{
			Name:       strings.TrimSpace(fc.Name),
			URL:        strings.TrimSpace(fc.URL),
			Format:     strings.ToLower(strings.TrimSpace(fc.Format)),
			Itype:      itype,
			Tags:       fc.Tags,
			Group:      fc.Group,
			Provider:   fc.Provider,
			Confidence: fc.Confidence,
			TLP:        fc.TLP,
			Interval:   fc.Interval,
		})
	}
	return out, nil
}
