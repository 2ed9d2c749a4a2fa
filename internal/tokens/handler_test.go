package tokens

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cif-go/cifstore/internal/ciferrors"
	"github.com/cif-go/cifstore/internal/db"
	"github.com/cif-go/cifstore/internal/models"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "tokens-test.db")
	conn, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	t.Cleanup(func() { _ = db.Close(conn) })
	return conn
}

func TestCreateAdmin_Idempotent(t *testing.T) {
	conn := openTestDB(t)
	h := NewHandler(conn)
	ctx := context.Background()

	first, err := h.CreateAdmin(ctx)
	if err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	second, err := h.CreateAdmin(ctx)
	if err != nil {
		t.Fatalf("CreateAdmin again: %v", err)
	}
	if first.Token != second.Token {
		t.Fatalf("expected the same admin token, got %q and %q", first.Token, second.Token)
	}
	for _, raw := range []string{first.Token, second.Token} {
		tok, errVerify := h.Verify(ctx, raw)
		if errVerify != nil {
			t.Fatalf("Verify admin: %v", errVerify)
		}
		if !tok.Admin {
			t.Fatalf("expected admin token")
		}
	}

	var count int64
	if errCount := conn.Model(&models.Token{}).Where("admin = ?", true).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("expected exactly one admin token, got %d", count)
	}
	ok, errHas := h.HasAdmin(ctx)
	if errHas != nil || !ok {
		t.Fatalf("expected HasAdmin=true, got %v err=%v", ok, errHas)
	}
}

func TestCreate_RequiresAdmin(t *testing.T) {
	conn := openTestDB(t)
	h := NewHandler(conn)
	ctx := context.Background()

	admin, err := h.CreateAdmin(ctx)
	if err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	user, err := h.Create(ctx, admin, CreateParams{Name: "analyst", Groups: []string{"g1", "g1", " "}, Read: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(user.Groups) != 1 || user.Groups[0] != "g1" {
		t.Fatalf("expected groups [g1], got %v", user.Groups)
	}
	if user.Write || user.Admin {
		t.Fatalf("expected read-only token, got %+v", user)
	}

	if _, errCreate := h.Create(ctx, user, CreateParams{Name: "escalate", Admin: true}); !errors.Is(errCreate, ciferrors.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", errCreate)
	}
	if !user.CanRead("g1") || user.CanRead("g2") || user.CanWrite("g1") {
		t.Fatalf("unexpected ACL for %+v", user)
	}
}

func TestVerify_RejectsUnknownExpiredAndRevoked(t *testing.T) {
	conn := openTestDB(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	h := NewHandler(conn, WithClock(clock), WithCache(16, time.Minute))
	ctx := context.Background()

	admin, err := h.CreateAdmin(ctx)
	if err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}

	if _, errVerify := h.Verify(ctx, ""); !errors.Is(errVerify, ciferrors.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for empty token, got %v", errVerify)
	}
	if _, errVerify := h.Verify(ctx, "does-not-exist"); !errors.Is(errVerify, ciferrors.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for unknown token, got %v", errVerify)
	}

	expires := now.Add(time.Hour)
	shortLived, err := h.Create(ctx, admin, CreateParams{Name: "short", Read: true, ExpiresAt: &expires})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, errVerify := h.Verify(ctx, shortLived.Token); errVerify != nil {
		t.Fatalf("expected token valid before expiry, got %v", errVerify)
	}
	now = now.Add(2 * time.Hour)
	if _, errVerify := h.Verify(ctx, shortLived.Token); !errors.Is(errVerify, ciferrors.ErrUnauthorized) {
		t.Fatalf("expected cached token to expire, got %v", errVerify)
	}

	other, err := h.Create(ctx, admin, CreateParams{Name: "other", Read: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, errVerify := h.Verify(ctx, other.Token); errVerify != nil {
		t.Fatalf("Verify: %v", errVerify)
	}
	if errRevoke := h.Revoke(ctx, other.Token, other); !errors.Is(errRevoke, ciferrors.ErrForbidden) {
		t.Fatalf("expected non-admin revoke to be forbidden, got %v", errRevoke)
	}
	if errRevoke := h.Revoke(ctx, other.Token, admin); errRevoke != nil {
		t.Fatalf("Revoke: %v", errRevoke)
	}
	if _, errVerify := h.Verify(ctx, other.Token); !errors.Is(errVerify, ciferrors.ErrUnauthorized) {
		t.Fatalf("expected revoked token to be rejected, got %v", errVerify)
	}
	if errRevoke := h.Revoke(ctx, other.Token, admin); !errors.Is(errRevoke, ErrNotFound) {
		t.Fatalf("expected second revoke to report ErrNotFound, got %v", errRevoke)
	}
}

func TestList_MasksSecrets(t *testing.T) {
	conn := openTestDB(t)
	h := NewHandler(conn)
	ctx := context.Background()

	admin, err := h.CreateAdmin(ctx)
	if err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	if _, errCreate := h.Create(ctx, admin, CreateParams{Name: "feed", Write: true, Groups: []string{"feeds"}}); errCreate != nil {
		t.Fatalf("Create: %v", errCreate)
	}
	list, err := h.List(ctx, admin)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(list))
	}
	for _, tok := range list {
		if tok.Token == admin.Token {
			t.Fatalf("expected secrets to be masked")
		}
	}
}
