// Package watcher polls the database and the config file for changes that
// other processes make, and pushes them into the running server.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cif-go/cifstore/internal/config"
	"github.com/cif-go/cifstore/internal/models"
	internalsettings "github.com/cif-go/cifstore/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// defaultQueryTimeout bounds DB query duration.
	defaultQueryTimeout = 10 * time.Second
	// tokenBatchSize caps the rows read per poll.
	tokenBatchSize = 500
)

// TokenCache drops cached verifications.
type TokenCache interface {
	Evict(raw ...string)
}

// ReloadFunc receives a freshly parsed config file.
type ReloadFunc func(cfg config.Config)

// Watcher evicts changed tokens from the verification cache and reloads the
// config file when its contents change. Token revocations made by another
// process therefore take effect within one poll interval instead of one
// cache TTL.
type Watcher struct {
	db    *gorm.DB
	cache TokenCache

	pollInterval time.Duration
	configPath   string
	reload       ReloadFunc

	// token cursor
	tokenLatestAt time.Time
	tokenLatestID uint64

	// config snapshot
	cfgHash string

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customises a Watcher.
type Option func(*Watcher)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithConfigReload watches configPath and calls reload after each change.
func WithConfigReload(configPath string, reload ReloadFunc) Option {
	return func(w *Watcher) {
		w.configPath = strings.TrimSpace(configPath)
		w.reload = reload
	}
}

// New constructs a Watcher.
func New(db *gorm.DB, cache TokenCache, opts ...Option) *Watcher {
	w := &Watcher{
		db:           db,
		cache:        cache,
		pollInterval: internalsettings.DefaultWatcherInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the polling goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil || w.db == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return errors.New("watcher: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.primeTokens(runCtx)
	w.primeConfig()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(runCtx)
	}()

	log.Infof("watcher started (poll_interval=%s)", w.pollInterval)
	return nil
}

// Stop cancels polling and waits for it to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollTokens(ctx)
			w.pollConfig()
		}
	}
}

// primeTokens moves the cursor to the newest row. Nothing is cached yet, so
// there is nothing to evict.
func (w *Watcher) primeTokens(ctx context.Context) {
	qctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	var latest models.Token
	errLatest := w.db.WithContext(qctx).
		Select("id", "updated_at").
		Order("updated_at DESC").Order("id DESC").
		Take(&latest).Error
	if errLatest != nil {
		if !errors.Is(errLatest, gorm.ErrRecordNotFound) {
			log.WithError(errLatest).Warn("watcher: query latest token failed")
		}
		return
	}
	w.tokenLatestAt = latest.UpdatedAt.UTC()
	w.tokenLatestID = latest.ID
}

// pollTokens evicts every token changed since the last poll.
func (w *Watcher) pollTokens(ctx context.Context) int {
	if w.db == nil || w.cache == nil {
		return 0
	}
	qctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	evicted := 0
	for {
		var rows []models.Token
		errFind := w.db.WithContext(qctx).
			Select("id", "token", "updated_at").
			Where("updated_at > ? OR (updated_at = ? AND id > ?)", w.tokenLatestAt, w.tokenLatestAt, w.tokenLatestID).
			Order("updated_at ASC").Order("id ASC").
			Limit(tokenBatchSize).
			Find(&rows).Error
		if errFind != nil {
			if !errors.Is(errFind, context.Canceled) {
				log.WithError(errFind).Warn("watcher: query changed tokens failed")
			}
			return evicted
		}
		if len(rows) == 0 {
			return evicted
		}
		raw := make([]string, 0, len(rows))
		for _, row := range rows {
			raw = append(raw, row.Token)
		}
		w.cache.Evict(raw...)
		evicted += len(rows)

		last := rows[len(rows)-1]
		w.tokenLatestAt = last.UpdatedAt.UTC()
		w.tokenLatestID = last.ID
		log.WithField("count", len(rows)).Debug("watcher: evicted changed tokens")
		if len(rows) < tokenBatchSize {
			return evicted
		}
	}
}

func (w *Watcher) primeConfig() {
	if hash, ok := w.configHash(); ok {
		w.cfgHash = hash
	}
}

// pollConfig reloads the config file when its contents change.
func (w *Watcher) pollConfig() bool {
	if w.configPath == "" || w.reload == nil {
		return false
	}
	hash, ok := w.configHash()
	if !ok || hash == w.cfgHash {
		return false
	}

	cfg, errLoad := config.Load(w.configPath)
	if errLoad != nil {
		log.WithError(errLoad).Warn("watcher: load config failed")
		return false
	}
	w.cfgHash = hash
	log.WithField("path", w.configPath).Info("watcher: config changed, reloading")
	w.reload(cfg)
	return true
}

func (w *Watcher) configHash() (string, bool) {
	if w.configPath == "" {
		return "", false
	}
	data, errRead := os.ReadFile(w.configPath)
	if errRead != nil || len(data) == 0 {
		return "", false
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), true
}
