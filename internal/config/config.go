package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	internalsettings "github.com/cif-go/cifstore/internal/settings"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath   = "CONFIG_PATH"
	EnvDBConnection = "DB_CONNECTION"
	EnvHTTPListen   = "CIF_HTTP_LISTEN"
	EnvHTTPPort     = "CIF_HTTP_PORT"
	EnvTrace        = "CIF_TRACE"
	EnvPidfile      = "CIF_PIDFILE"
	EnvHunterToken  = "CIF_HUNTER_TOKEN"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// Config is the parsed config file.
type Config struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	DatabaseDSN string `yaml:"database-dsn"`
	Database    struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database,omitempty"`
	Pidfile       string        `yaml:"pidfile"`
	Trace         bool          `yaml:"trace"`
	LoggingToFile bool          `yaml:"logging-to-file"`
	LogFile       string        `yaml:"log-file"`
	Store         StoreConfig   `yaml:"store"`
	Tokens        TokensConfig  `yaml:"tokens"`
	Gateway       GatewayConfig `yaml:"gateway"`
	Hunter        HunterConfig  `yaml:"hunter"`
	Watcher       WatcherConfig `yaml:"watcher"`
	Feeds         []FeedConfig  `yaml:"feeds,omitempty"`
}

// StoreConfig tunes write coordination.
type StoreConfig struct {
	LockWait          time.Duration `yaml:"lock-wait"`
	MaxInflightWrites int64         `yaml:"max-inflight-writes"`
	SearchLimit       int           `yaml:"search-limit"`
	RateLimit         int           `yaml:"rate-limit"`
	Redis             RedisConfig   `yaml:"redis"`
}

// RedisConfig enables the shared rate limit backend.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// TokensConfig sizes the verification cache.
type TokensConfig struct {
	CacheSize int           `yaml:"cache-size"`
	CacheTTL  time.Duration `yaml:"cache-ttl"`
}

// GatewayConfig bounds request handling.
type GatewayConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// HunterConfig configures the enrichment pipeline.
type HunterConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue-size"`
	ResolveTimeout time.Duration `yaml:"resolve-timeout"`
	Token          string        `yaml:"token"`
	FqdnNS         *bool         `yaml:"fqdn-ns,omitempty"`
	FqdnSubdomain  *bool         `yaml:"fqdn-subdomain,omitempty"`
}

// WatcherConfig controls revocation polling.
type WatcherConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// FeedConfig describes one remote indicator list.
type FeedConfig struct {
	Name       string        `yaml:"name"`
	URL        string        `yaml:"url"`
	Format     string        `yaml:"format"`
	Itype      string        `yaml:"itype"`
	Tags       []string      `yaml:"tags"`
	Group      string        `yaml:"group"`
	Provider   string        `yaml:"provider"`
	Confidence float64       `yaml:"confidence"`
	TLP        string        `yaml:"tlp"`
	Interval   time.Duration `yaml:"interval"`
}

// FqdnNSEnabled reports whether the NS hunter runs. Defaults to true.
func (h HunterConfig) FqdnNSEnabled() bool {
	return h.FqdnNS == nil || *h.FqdnNS
}

// FqdnSubdomainEnabled reports whether the subdomain hunter runs. Defaults to true.
func (h HunterConfig) FqdnSubdomainEnabled() bool {
	return h.FqdnSubdomain == nil || *h.FqdnSubdomain
}

// DSN returns the configured database DSN.
func (c Config) DSN() string {
	if dsn := strings.TrimSpace(c.DatabaseDSN); dsn != "" {
		return dsn
	}
	return strings.TrimSpace(c.Database.DSN)
}

// ListenAddr joins host and port.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Default returns a config with every default applied.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// Load reads the config file at configPath, applies defaults and then the
// environment overrides. A missing file is not an error; the defaults and
// environment are used instead.
func Load(configPath string) (Config, error) {
	var cfg Config
	data, errRead := os.ReadFile(configPath)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config file: %w", errRead)
	}

	cfg.applyDefaults()
	if errEnv := cfg.applyEnv(); errEnv != nil {
		return Config{}, errEnv
	}
	if errValidate := cfg.Validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = internalsettings.DefaultHost
	}
	if c.Port == 0 {
		c.Port = internalsettings.DefaultPort
	}
	if c.Store.LockWait <= 0 {
		c.Store.LockWait = internalsettings.DefaultLockWait
	}
	if c.Store.MaxInflightWrites <= 0 {
		c.Store.MaxInflightWrites = internalsettings.DefaultMaxInflightWrites
	}
	if c.Store.SearchLimit <= 0 {
		c.Store.SearchLimit = internalsettings.DefaultSearchLimit
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = internalsettings.DefaultRateLimitRedisPrefix
	}
	if c.Tokens.CacheSize <= 0 {
		c.Tokens.CacheSize = internalsettings.DefaultTokenCacheSize
	}
	if c.Tokens.CacheTTL == 0 {
		c.Tokens.CacheTTL = internalsettings.DefaultTokenCacheTTL
	}
	if c.Gateway.Timeout <= 0 {
		c.Gateway.Timeout = internalsettings.DefaultGatewayTimeout
	}
	if c.Hunter.Workers <= 0 {
		c.Hunter.Workers = internalsettings.DefaultHunterWorkers
	}
	if c.Hunter.QueueSize <= 0 {
		c.Hunter.QueueSize = internalsettings.DefaultHunterQueueSize
	}
	if c.Hunter.ResolveTimeout <= 0 {
		c.Hunter.ResolveTimeout = internalsettings.DefaultResolveTimeout
	}
	if c.Watcher.Interval <= 0 {
		c.Watcher.Interval = internalsettings.DefaultWatcherInterval
	}
	for i := range c.Feeds {
		if c.Feeds[i].Interval <= 0 {
			c.Feeds[i].Interval = internalsettings.DefaultFeedInterval
		}
	}
}

func (c *Config) applyEnv() error {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		c.DatabaseDSN = dsn
	}
	if host := strings.TrimSpace(os.Getenv(EnvHTTPListen)); host != "" {
		c.Host = host
	}
	if raw := strings.TrimSpace(os.Getenv(EnvHTTPPort)); raw != "" {
		port, errParse := strconv.Atoi(raw)
		if errParse != nil {
			return fmt.Errorf("%s: %w", EnvHTTPPort, errParse)
		}
		c.Port = port
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTrace)); raw != "" {
		trace, errParse := strconv.ParseBool(raw)
		if errParse != nil {
			return fmt.Errorf("%s: %w", EnvTrace, errParse)
		}
		c.Trace = trace
	}
	if pidfile := strings.TrimSpace(os.Getenv(EnvPidfile)); pidfile != "" {
		c.Pidfile = pidfile
	}
	if token := strings.TrimSpace(os.Getenv(EnvHunterToken)); token != "" {
		c.Hunter.Token = token
	}
	return nil
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	if c.DSN() == "" {
		return ErrMissingDatabaseDSN
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Store.Redis.Enabled && strings.TrimSpace(c.Store.Redis.Addr) == "" {
		return fmt.Errorf("store.redis.addr is required when redis is enabled")
	}
	seen := make(map[string]struct{}, len(c.Feeds))
	for i, feed := range c.Feeds {
		name := strings.TrimSpace(feed.Name)
		if name == "" {
			return fmt.Errorf("feeds[%d]: missing name", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("feeds[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(feed.URL) == "" {
			return fmt.Errorf("feeds[%d]: missing url", i)
		}
	}
	return nil
}

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}
	if dsn := cfg.DSN(); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// WriteDefault writes a starter config file for dsn. Existing files are left
// untouched.
func WriteDefault(configPath string, dsn string, port int) error {
	if _, errStat := os.Stat(configPath); errStat == nil {
		return fmt.Errorf("config file %s already exists", configPath)
	}
	cfg := Default()
	cfg.DatabaseDSN = dsn
	if port > 0 {
		cfg.Port = port
	}
	cfg.Hunter.Enabled = true

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(configPath)
	if errMkdir := os.MkdirAll(dir, 0755); errMkdir != nil {
		return fmt.Errorf("create config dir: %w", errMkdir)
	}
	if errWrite := os.WriteFile(configPath, data, 0600); errWrite != nil {
		return fmt.Errorf("write config file: %w", errWrite)
	}
	return nil
}
