// Package store owns the persisted indicator collection. Every mutation and
// query goes through it with a verified token.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cif-go/cifstore/internal/ciferrors"
	"github.com/cif-go/cifstore/internal/db"
	"github.com/cif-go/cifstore/internal/indicator"
	"github.com/cif-go/cifstore/internal/models"
	"github.com/cif-go/cifstore/internal/ratelimit"
	internalsettings "github.com/cif-go/cifstore/internal/settings"
	"github.com/cif-go/cifstore/internal/tokens"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultLockStripes = 8 // 256 stripes

// MergePolicy decides the confidence of a merged indicator.
type MergePolicy int

const (
	// MergeKeepMax keeps the higher of the stored and submitted confidence.
	MergeKeepMax MergePolicy = iota
	// MergeReplace takes the submitted confidence.
	MergeReplace
)

// SubmitOptions tunes a single submission.
type SubmitOptions struct {
	Merge MergePolicy
}

// Notifier receives newly inserted indicators. Notify must not block.
type Notifier interface {
	Notify(ind indicator.Indicator)
}

// RateLimiter consumes one write from a token's budget.
type RateLimiter interface {
	AllowToken(ctx context.Context, tokenID uint64, tokenLimit int) (ratelimit.Result, ratelimit.Decision, error)
}

// Store persists indicators through GORM.
type Store struct {
	db          *gorm.DB
	locks       *identityLocks
	writes      *semaphore.Weighted
	limiter     RateLimiter
	lockWait    time.Duration
	searchLimit int
	now         func() time.Time

	notifyMu sync.RWMutex
	notifier Notifier
}

// Option customises a Store.
type Option func(*Store)

// WithLockWait bounds how long a submission waits for its identity lock and
// for a write slot.
func WithLockWait(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.lockWait = d
		}
	}
}

// WithMaxInflightWrites bounds concurrent submissions. n <= 0 removes the bound.
func WithMaxInflightWrites(n int64) Option {
	return func(s *Store) {
		if n <= 0 {
			s.writes = nil
			return
		}
		s.writes = semaphore.NewWeighted(n)
	}
}

// WithSearchLimit sets the default number of search results.
func WithSearchLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.searchLimit = min(n, internalsettings.MaxSearchLimit)
		}
	}
}

// WithRateLimiter enables per-token write budgets.
func WithRateLimiter(l RateLimiter) Option {
	return func(s *Store) { s.limiter = l }
}

// WithNotifier sets the insert notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a Store.
func New(conn *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:          conn,
		locks:       newIdentityLocks(defaultLockStripes),
		writes:      semaphore.NewWeighted(internalsettings.DefaultMaxInflightWrites),
		lockWait:    internalsettings.DefaultLockWait,
		searchLimit: internalsettings.DefaultSearchLimit,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNotifier replaces the insert notifier. nil disables notifications.
func (s *Store) SetNotifier(n Notifier) {
	s.notifyMu.Lock()
	s.notifier = n
	s.notifyMu.Unlock()
}

// Submit validates, authorizes and persists one indicator. An equivalent
// stored indicator is merged instead of duplicated. The returned value is the
// canonical stored form.
func (s *Store) Submit(ctx context.Context, in indicator.Indicator, tok tokens.Token, opts SubmitOptions) (indicator.Indicator, error) {
	if s == nil || s.db == nil {
		return indicator.Indicator{}, fmt.Errorf("store: not initialized")
	}
	start := time.Now()
	defer func() { submitDuration.Observe(time.Since(start).Seconds()) }()

	out, inserted, err := s.submit(ctx, in, tok, opts, true)
	if err != nil {
		submissionsTotal.WithLabelValues(outcomeFor(err)).Inc()
		return indicator.Indicator{}, err
	}
	if inserted {
		submissionsTotal.WithLabelValues("inserted").Inc()
		s.notify(out)
	} else {
		submissionsTotal.WithLabelValues("merged").Inc()
	}
	return out, nil
}

// usable rejects tokens that were revoked or expired after the caller
// obtained them.
func (s *Store) usable(tok tokens.Token) error {
	if !tok.Usable(s.now()) {
		return fmt.Errorf("%w: token revoked or expired", ciferrors.ErrUnauthorized)
	}
	return nil
}

func (s *Store) submit(ctx context.Context, in indicator.Indicator, tok tokens.Token, opts SubmitOptions, checkACL bool) (indicator.Indicator, bool, error) {
	if errToken := s.usable(tok); errToken != nil {
		return indicator.Indicator{}, false, errToken
	}
	ind, errNormalize := indicator.Normalize(in, s.now())
	if errNormalize != nil {
		return indicator.Indicator{}, false, errNormalize
	}
	if checkACL && !tok.CanWrite(ind.Group) {
		return indicator.Indicator{}, false, ciferrors.Forbidden("token cannot write group %q", ind.Group)
	}

	if s.limiter != nil {
		res, decision, errLimit := s.limiter.AllowToken(ctx, tok.ID, tok.RateLimit)
		if errLimit != nil {
			log.WithError(errLimit).Warn("store: rate limit check failed")
		} else if !res.Allowed {
			return indicator.Indicator{}, false, fmt.Errorf("%w: %s rate limit of %d/s exceeded", ciferrors.ErrBusy, decision.Scope, decision.Limit)
		}
	}

	if s.writes != nil {
		if !s.writes.TryAcquire(1) {
			ctxAcquire, cancel := context.WithTimeout(ctx, s.lockWait)
			errAcquire := s.writes.Acquire(ctxAcquire, 1)
			cancel()
			if errAcquire != nil {
				if ctx.Err() != nil {
					return indicator.Indicator{}, false, ctx.Err()
				}
				return indicator.Indicator{}, false, fmt.Errorf("%w: write budget exhausted", ciferrors.ErrBusy)
			}
		}
		defer s.writes.Release(1)
	}

	unlock, errLock := s.locks.lock(ctx, ind.Identity().String(), s.lockWait)
	if errLock != nil {
		if errors.Is(errLock, ciferrors.ErrBusy) {
			return indicator.Indicator{}, false, fmt.Errorf("%w: identity lock wait exceeded", ciferrors.ErrBusy)
		}
		return indicator.Indicator{}, false, errLock
	}
	defer unlock()

	out, inserted, errPersist := s.persist(ctx, ind, opts.Merge)
	if errPersist != nil {
		if db.IsBusy(errPersist) {
			return indicator.Indicator{}, false, fmt.Errorf("%w: %w", ciferrors.ErrBusy, errPersist)
		}
		log.WithError(errPersist).WithFields(log.Fields{
			"indicator": ind.Indicator,
			"itype":     ind.Itype,
			"provider":  ind.Provider,
			"group":     ind.Group,
		}).Error("store: submission failed")
		return indicator.Indicator{}, false, fmt.Errorf("%w: %w", ciferrors.ErrSubmissionFailed, errPersist)
	}
	return out, inserted, nil
}

// persist merges ind into its stored equivalent or inserts it.
func (s *Store) persist(ctx context.Context, ind indicator.Indicator, policy MergePolicy) (indicator.Indicator, bool, error) {
	var (
		out      indicator.Indicator
		inserted bool
	)
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Indicator
		errFind := identityScope(tx, ind).Take(&existing).Error
		if errFind == nil {
			merged, errMerge := applyMerge(tx, existing, ind, policy)
			out = merged
			return errMerge
		}
		if !errors.Is(errFind, gorm.ErrRecordNotFound) {
			return fmt.Errorf("find: %w", errFind)
		}

		ind.ID = uuid.NewString()
		ind.Count = 1
		row := toRow(ind)
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("insert: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Another process inserted the same identity first.
			if errRefind := identityScope(tx, ind).Take(&existing).Error; errRefind != nil {
				return fmt.Errorf("find after conflict: %w", errRefind)
			}
			merged, errMerge := applyMerge(tx, existing, ind, policy)
			out = merged
			return errMerge
		}
		out = ind
		inserted = true
		return nil
	})
	if errTx != nil {
		return indicator.Indicator{}, false, errTx
	}
	return out, inserted, nil
}

func identityScope(tx *gorm.DB, ind indicator.Indicator) *gorm.DB {
	return tx.Model(&models.Indicator{}).Where(
		"indicator = ? AND itype = ? AND provider = ? AND group_name = ? AND tags_key = ?",
		ind.Indicator, string(ind.Itype), ind.Provider, ind.Group, ind.Tags.Key(),
	)
}

func applyMerge(tx *gorm.DB, existing models.Indicator, incoming indicator.Indicator, policy MergePolicy) (indicator.Indicator, error) {
	merged := mergeIndicator(fromRow(existing), incoming, policy)
	errUpdate := tx.Model(&models.Indicator{}).Where("id = ?", existing.ID).Updates(map[string]any{
		"confidence":  merged.Confidence,
		"count":       merged.Count,
		"first_time":  merged.FirstTime,
		"last_time":   merged.LastTime,
		"report_time": merged.ReportTime,
		"rdata":       merged.Rdata,
		"description": merged.Description,
		"reference":   merged.Reference,
		"tlp":         merged.TLP,
	}).Error
	if errUpdate != nil {
		return indicator.Indicator{}, fmt.Errorf("merge: %w", errUpdate)
	}
	return merged, nil
}

// mergeIndicator folds a resubmission into the stored form.
func mergeIndicator(stored, incoming indicator.Indicator, policy MergePolicy) indicator.Indicator {
	out := stored.Clone()
	if incoming.LastTime.After(out.LastTime) {
		out.LastTime = incoming.LastTime
	}
	if !incoming.FirstTime.IsZero() && incoming.FirstTime.Before(out.FirstTime) {
		out.FirstTime = incoming.FirstTime
	}
	if incoming.ReportTime.After(out.ReportTime) {
		out.ReportTime = incoming.ReportTime
	}
	switch policy {
	case MergeReplace:
		out.Confidence = incoming.Confidence
	default:
		out.Confidence = max(out.Confidence, incoming.Confidence)
	}
	out.Count = max(stored.Count, 1) + 1
	if incoming.Rdata != "" {
		out.Rdata = incoming.Rdata
	}
	if incoming.Description != "" {
		out.Description = incoming.Description
	}
	if incoming.Reference != "" {
		out.Reference = incoming.Reference
	}
	if incoming.TLP != "" {
		out.TLP = incoming.TLP
	}
	return out
}

func (s *Store) notify(ind indicator.Indicator) {
	s.notifyMu.RLock()
	n := s.notifier
	s.notifyMu.RUnlock()
	if n != nil {
		n.Notify(ind.Clone())
	}
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ciferrors.ErrInvalidIndicator):
		return "invalid"
	case errors.Is(err, ciferrors.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ciferrors.ErrBusy):
		return "busy"
	default:
		return "failed"
	}
}

// wrapDBError maps transient database errors onto ErrBusy.
func wrapDBError(op string, err error) error {
	if db.IsBusy(err) {
		return fmt.Errorf("%w: store: %s: %w", ciferrors.ErrBusy, op, err)
	}
	return fmt.Errorf("store: %s: %w", op, err)
}
