package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cif-go/cifstore/internal/ciferrors"
	"github.com/cif-go/cifstore/internal/config"
	"github.com/cif-go/cifstore/internal/db"
	"github.com/cif-go/cifstore/internal/models"
	"github.com/cif-go/cifstore/internal/tokens"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "watcher-test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(conn) })
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func TestPollTokens_EvictsRevokedElsewhere(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	handler := tokens.NewHandler(conn, tokens.WithCache(16, time.Hour))
	admin, err := handler.CreateAdmin(ctx)
	if err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	user, err := handler.Create(ctx, admin, tokens.CreateParams{Name: "user", Read: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w := New(conn, handler)
	w.primeTokens(ctx)

	if _, errVerify := handler.Verify(ctx, user.Token); errVerify != nil {
		t.Fatalf("Verify: %v", errVerify)
	}

	// Another process revokes the token behind the cache's back.
	revokedAt := time.Now().UTC().Add(time.Second)
	if errUpdate := conn.Model(&models.Token{}).
		Where("token = ?", user.Token).
		Updates(map[string]any{"revoked_at": revokedAt, "updated_at": revokedAt}).Error; errUpdate != nil {
		t.Fatalf("revoke directly: %v", errUpdate)
	}
	if _, errVerify := handler.Verify(ctx, user.Token); errVerify != nil {
		t.Fatalf("expected cached verification to still pass, got %v", errVerify)
	}

	if n := w.pollTokens(ctx); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}
	if _, errVerify := handler.Verify(ctx, user.Token); !errors.Is(errVerify, ciferrors.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after eviction, got %v", errVerify)
	}
	if n := w.pollTokens(ctx); n != 0 {
		t.Fatalf("expected cursor to advance, got %d evictions", n)
	}
}

type countingCache struct {
	evicted []string
}

func (c *countingCache) Evict(raw ...string) { c.evicted = append(c.evicted, raw...) }

func TestPollTokens_Batches(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	base := time.Now().UTC()
	rows := make([]models.Token, 0, tokenBatchSize+3)
	for i := 0; i < tokenBatchSize+3; i++ {
		rows = append(rows, models.Token{
			Token:     "tok-" + time.Duration(i).String(),
			Groups:    []byte(`["everyone"]`),
			CreatedAt: base,
			UpdatedAt: base,
		})
	}
	if errCreate := conn.CreateInBatches(&rows, 100).Error; errCreate != nil {
		t.Fatalf("seed tokens: %v", errCreate)
	}

	cache := &countingCache{}
	w := New(conn, cache)
	if n := w.pollTokens(ctx); n != tokenBatchSize+3 {
		t.Fatalf("expected %d evictions, got %d", tokenBatchSize+3, n)
	}
	if len(cache.evicted) != tokenBatchSize+3 {
		t.Fatalf("expected every token evicted, got %d", len(cache.evicted))
	}
}

func TestPollConfig_ReloadsOnChange(t *testing.T) {
	t.Setenv("DB_CONNECTION", "")
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("database-dsn: file:a.db\nstore:\n  rate-limit: 1\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var reloaded []config.Config
	w := New(nil, nil, WithConfigReload(configPath, func(cfg config.Config) {
		reloaded = append(reloaded, cfg)
	}))
	w.primeConfig()
	if w.pollConfig() {
		t.Fatalf("expected unchanged config not to reload")
	}

	if err := os.WriteFile(configPath, []byte("database-dsn: file:a.db\nstore:\n  rate-limit: 5\n"), 0600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if !w.pollConfig() {
		t.Fatalf("expected changed config to reload")
	}
	if len(reloaded) != 1 || reloaded[0].Store.RateLimit != 5 {
		t.Fatalf("unexpected reloads %+v", reloaded)
	}

	if err := os.WriteFile(configPath, []byte("port: 99999\n"), 0600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if w.pollConfig() {
		t.Fatalf("expected invalid config to be ignored")
	}
	if len(reloaded) != 1 {
		t.Fatalf("expected no reload for an invalid config")
	}
}

func TestStartStop(t *testing.T) {
	conn := openTestDB(t)
	w := New(conn, &countingCache{}, WithInterval(10*time.Millisecond))
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Start(context.Background()); err == nil {
		t.Fatalf("expected second Start to fail")
	}
	w.Stop()
	w.Stop()
}
