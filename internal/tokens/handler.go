// Package tokens issues, verifies and revokes API tokens with group scoped ACLs.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cif-go/cifstore/internal/ciferrors"
	"github.com/cif-go/cifstore/internal/indicator"
	"github.com/cif-go/cifstore/internal/models"
	"github.com/cif-go/cifstore/internal/security"
	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 30 * time.Second
	adminTokenName   = "admin"
)

var (
	// ErrNotFound reports an unknown token on revocation.
	ErrNotFound = errors.New("tokens: not found")
	// ErrInvalidParams reports unusable creation parameters.
	ErrInvalidParams = errors.New("tokens: invalid parameters")
)

// CreateParams holds inputs for token creation.
type CreateParams struct {
	Name      string
	Groups    []string
	Read      bool
	Write     bool
	Admin     bool
	RateLimit int
	ExpiresAt *time.Time
}

// Handler manages the token lifecycle on top of GORM.
type Handler struct {
	db    *gorm.DB
	cache *expirable.LRU[string, Token]
	now   func() time.Time

	adminMu sync.Mutex
}

// Option customises a Handler.
type Option func(*Handler)

// WithCache sizes the verification cache. ttl <= 0 disables caching.
func WithCache(size int, ttl time.Duration) Option {
	return func(h *Handler) {
		if ttl <= 0 {
			h.cache = nil
			return
		}
		if size <= 0 {
			size = defaultCacheSize
		}
		h.cache = expirable.NewLRU[string, Token](size, nil, ttl)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs a Handler.
func NewHandler(db *gorm.DB, opts ...Option) *Handler {
	h := &Handler{
		db:    db,
		cache: expirable.NewLRU[string, Token](defaultCacheSize, nil, defaultCacheTTL),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateAdmin creates the admin token, or returns the existing one.
func (h *Handler) CreateAdmin(ctx context.Context) (Token, error) {
	if h == nil || h.db == nil {
		return Token{}, fmt.Errorf("tokens: not initialized")
	}
	h.adminMu.Lock()
	defer h.adminMu.Unlock()

	var out Token
	errTx := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Token
		errFind := tx.Where("admin = ? AND revoked_at IS NULL", true).Order("id ASC").First(&existing).Error
		if errFind == nil {
			out = fromRow(existing)
			return nil
		}
		if !errors.Is(errFind, gorm.ErrRecordNotFound) {
			return fmt.Errorf("tokens: find admin: %w", errFind)
		}
		row, errRow := h.newRow(CreateParams{
			Name:   adminTokenName,
			Groups: []string{indicator.DefaultGroup},
			Read:   true,
			Write:  true,
			Admin:  true,
		})
		if errRow != nil {
			return errRow
		}
		if errCreate := tx.Create(&row).Error; errCreate != nil {
			return fmt.Errorf("tokens: create admin: %w", errCreate)
		}
		log.WithField("token_id", row.ID).Info("tokens: admin token created")
		out = fromRow(row)
		return nil
	})
	if errTx != nil {
		return Token{}, errTx
	}
	return out, nil
}

// HasAdmin reports whether a usable admin token exists.
func (h *Handler) HasAdmin(ctx context.Context) (bool, error) {
	var count int64
	if errCount := h.db.WithContext(ctx).Model(&models.Token{}).
		Where("admin = ? AND revoked_at IS NULL", true).
		Count(&count).Error; errCount != nil {
		return false, fmt.Errorf("tokens: count admin: %w", errCount)
	}
	return count > 0, nil
}

// Create issues a new token. The caller must be an admin.
func (h *Handler) Create(ctx context.Context, caller Token, params CreateParams) (Token, error) {
	if !caller.Admin {
		return Token{}, ciferrors.Forbidden("token creation requires admin")
	}
	if params.ExpiresAt != nil && !params.ExpiresAt.After(h.now()) {
		return Token{}, fmt.Errorf("%w: expiry is in the past", ErrInvalidParams)
	}
	if params.RateLimit < 0 {
		params.RateLimit = 0
	}
	row, err := h.newRow(params)
	if err != nil {
		return Token{}, err
	}
	if errCreate := h.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return Token{}, fmt.Errorf("tokens: create: %w", errCreate)
	}
	log.WithFields(log.Fields{
		"token_id": row.ID,
		"name":     row.Name,
		"admin":    row.Admin,
	}).Info("tokens: token created")
	return fromRow(row), nil
}

// Verify looks up a token and checks that it is usable.
func (h *Handler) Verify(ctx context.Context, raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, fmt.Errorf("%w: missing token", ciferrors.ErrUnauthorized)
	}
	now := h.now().UTC()
	if h.cache != nil {
		if cached, ok := h.cache.Get(raw); ok {
			if !cached.Usable(now) {
				h.cache.Remove(raw)
				return Token{}, fmt.Errorf("%w: token expired", ciferrors.ErrUnauthorized)
			}
			return cached, nil
		}
	}

	var row models.Token
	errFind := h.db.WithContext(ctx).Where("token = ?", raw).Take(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return Token{}, fmt.Errorf("%w: unknown token", ciferrors.ErrUnauthorized)
		}
		return Token{}, fmt.Errorf("tokens: verify: %w", errFind)
	}
	tok := fromRow(row)
	if tok.RevokedAt != nil {
		return Token{}, fmt.Errorf("%w: token revoked", ciferrors.ErrUnauthorized)
	}
	if !tok.Usable(now) {
		return Token{}, fmt.Errorf("%w: token expired", ciferrors.ErrUnauthorized)
	}

	if errTouch := h.db.WithContext(ctx).Model(&models.Token{}).
		Where("id = ?", row.ID).
		UpdateColumn("last_used_at", now).Error; errTouch != nil {
		log.WithError(errTouch).Debug("tokens: update last_used_at failed")
	} else {
		tok.LastUsedAt = &now
	}
	if h.cache != nil {
		h.cache.Add(raw, tok)
	}
	return tok, nil
}

// Revoke marks a token unusable. The caller must be an admin.
func (h *Handler) Revoke(ctx context.Context, raw string, caller Token) error {
	if !caller.Admin {
		return ciferrors.Forbidden("token revocation requires admin")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrNotFound
	}
	now := h.now().UTC()
	res := h.db.WithContext(ctx).Model(&models.Token{}).
		Where("token = ? AND revoked_at IS NULL", raw).
		Updates(map[string]any{
			"revoked_at": &now,
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("tokens: revoke: %w", res.Error)
	}
	if h.cache != nil {
		h.cache.Remove(raw)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	log.WithField("token", security.MaskToken(raw)).Info("tokens: token revoked")
	return nil
}

// List returns every token with secrets masked. The caller must be an admin.
func (h *Handler) List(ctx context.Context, caller Token) ([]Token, error) {
	if !caller.Admin {
		return nil, ciferrors.Forbidden("token listing requires admin")
	}
	var rows []models.Token
	if errFind := h.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("tokens: list: %w", errFind)
	}
	out := make([]Token, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row).Masked())
	}
	return out, nil
}

func (h *Handler) newRow(params CreateParams) (models.Token, error) {
	secret, errGenerate := security.GenerateToken()
	if errGenerate != nil {
		return models.Token{}, errGenerate
	}
	groups := NormalizeGroups(params.Groups)
	if len(groups) == 0 {
		groups = []string{indicator.DefaultGroup}
	}
	groupsJSON, errMarshal := MarshalGroups(groups)
	if errMarshal != nil {
		return models.Token{}, fmt.Errorf("tokens: marshal groups: %w", errMarshal)
	}
	now := h.now().UTC()
	var expires *time.Time
	if params.ExpiresAt != nil {
		e := params.ExpiresAt.UTC()
		expires = &e
	}
	return models.Token{
		Token:     secret,
		Name:      strings.TrimSpace(params.Name),
		Groups:    datatypes.JSON(groupsJSON),
		Read:      params.Read || params.Admin,
		Write:     params.Write || params.Admin,
		Admin:     params.Admin,
		RateLimit: params.RateLimit,
		ExpiresAt: expires,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Evict drops raw tokens from the verification cache so the next Verify
// reads the database.
func (h *Handler) Evict(raw ...string) {
	if h == nil || h.cache == nil {
		return
	}
	for _, r := range raw {
		h.cache.Remove(strings.TrimSpace(r))
	}
}
