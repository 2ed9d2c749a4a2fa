package store

import (
	"context"
	"errors"
	"time"

	"github.com/cif-go/cifstore/internal/ciferrors"
	"github.com/cif-go/cifstore/internal/models"
	"github.com/cif-go/cifstore/internal/tokens"
	log "github.com/sirupsen/logrus"
)

// Delete hard-deletes the indicators matching f in groups tok may write and
// returns how many were removed. Empty criteria are rejected.
func (s *Store) Delete(ctx context.Context, f Filters, tok tokens.Token) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store: not initialized")
	}
	if errToken := s.usable(tok); errToken != nil {
		return 0, errToken
	}
	if f.IsEmpty() {
		return 0, ciferrors.InvalidSearch("delete requires at least one criterion")
	}
	if !tok.Admin && !tok.Write {
		return 0, ciferrors.Forbidden("token cannot delete")
	}
	if f.Group != "" && !tok.CanWrite(f.Group) {
		return 0, ciferrors.Forbidden("token cannot write group %q", f.Group)
	}
	groups, all := tok.WritableGroups()
	if !all && len(groups) == 0 {
		return 0, nil
	}

	q := f.apply(s.db, s.db.WithContext(ctx))
	if !all {
		q = q.Where("group_name IN ?", groups)
	}
	res := q.Delete(&models.Indicator{})
	if res.Error != nil {
		return 0, wrapDBError("delete", res.Error)
	}
	deletedTotal.Add(float64(res.RowsAffected))
	log.WithFields(log.Fields{
		"token":   tok.Name,
		"removed": res.RowsAffected,
	}).Info("store: indicators deleted")
	return res.RowsAffected, nil
}

// Expire removes every indicator last seen before the cutoff. Admin only.
func (s *Store) Expire(ctx context.Context, before time.Time, tok tokens.Token) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store: not initialized")
	}
	if errToken := s.usable(tok); errToken != nil {
		return 0, errToken
	}
	if !tok.Admin {
		return 0, ciferrors.Forbidden("expire requires admin")
	}
	if before.IsZero() {
		return 0, ciferrors.InvalidSearch("expire requires a cutoff")
	}
	res := s.db.WithContext(ctx).Where("last_time < ?", before.UTC()).Delete(&models.Indicator{})
	if res.Error != nil {
		return 0, wrapDBError("expire", res.Error)
	}
	deletedTotal.Add(float64(res.RowsAffected))
	log.WithFields(log.Fields{
		"before":  before.UTC().Format(time.RFC3339),
		"removed": res.RowsAffected,
	}).Info("store: indicators expired")
	return res.RowsAffected, nil
}
