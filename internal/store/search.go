package store

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync/atomic"

	"github.com/cif-go/cifstore/internal/ciferrors"
	"github.com/cif-go/cifstore/internal/indicator"
	"github.com/cif-go/cifstore/internal/models"
	internalsettings "github.com/cif-go/cifstore/internal/settings"
	"github.com/cif-go/cifstore/internal/tokens"
	log "github.com/sirupsen/logrus"
)

// ErrConsumed is yielded when a search sequence is ranged over twice.
var ErrConsumed = errors.New("store: search sequence already consumed")

// searchProvider tags searches logged by tokens without a name.
const searchProvider = "search"

// Search returns the indicators matching f that tok may read, most recently
// seen first. Authorization and filter errors are returned eagerly; the query
// itself runs when the sequence is first ranged over, and the sequence can
// be consumed once. Call Search again to re-issue the query.
func (s *Store) Search(ctx context.Context, f Filters, tok tokens.Token) (iter.Seq2[indicator.Indicator, error], error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: not initialized")
	}
	if errToken := s.usable(tok); errToken != nil {
		return nil, errToken
	}
	if !tok.Admin && !tok.Read {
		return nil, ciferrors.Forbidden("token cannot search")
	}
	if f.Group != "" && !tok.CanRead(f.Group) {
		return nil, ciferrors.Forbidden("token cannot read group %q", f.Group)
	}
	groups, all := tok.ReadableGroups()
	if !all && len(groups) == 0 {
		return func(func(indicator.Indicator, error) bool) {}, nil
	}

	q := f.apply(s.db, s.db.WithContext(ctx).Model(&models.Indicator{}))
	if !all {
		q = q.Where("group_name IN ?", groups)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = s.searchLimit
	}
	q = q.Order("last_time DESC").Order("id DESC").Limit(limit)
	searchesTotal.Inc()

	var used atomic.Bool
	return func(yield func(indicator.Indicator, error) bool) {
		if used.Swap(true) {
			yield(indicator.Indicator{}, ErrConsumed)
			return
		}
		rows, errRows := q.Rows()
		if errRows != nil {
			yield(indicator.Indicator{}, wrapDBError("search", errRows))
			return
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var row models.Indicator
			if errScan := s.db.ScanRows(rows, &row); errScan != nil {
				yield(indicator.Indicator{}, wrapDBError("search scan", errScan))
				return
			}
			if !yield(fromRow(row), nil) {
				return
			}
		}
		if errIter := rows.Err(); errIter != nil {
			yield(indicator.Indicator{}, wrapDBError("search", errIter))
		}
	}, nil
}

// Collect drains a search sequence into a slice.
func Collect(seq iter.Seq2[indicator.Indicator, error]) ([]indicator.Indicator, error) {
	out := make([]indicator.Indicator, 0)
	for ind, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, ind)
	}
	return out, nil
}

// LogSearch records a searched observable as an indicator tagged "search".
// Values that do not classify are ignored. The record is written to the
// token's first group regardless of its write scope.
func (s *Store) LogSearch(ctx context.Context, query string, tok tokens.Token) error {
	if s == nil || s.db == nil {
		return errors.New("store: not initialized")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	group := indicator.DefaultGroup
	if groups, all := tok.ReadableGroups(); !all && len(groups) > 0 {
		group = groups[0]
	}
	provider := strings.TrimSpace(tok.Name)
	if provider == "" {
		provider = searchProvider
	}
	rec := indicator.Indicator{
		Indicator:  query,
		Tags:       indicator.Tags{indicator.TagSearch},
		Provider:   provider,
		Group:      group,
		Confidence: internalsettings.SearchConfidence,
	}
	out, inserted, err := s.submit(ctx, rec, tok, SubmitOptions{}, false)
	if err != nil {
		if errors.Is(err, ciferrors.ErrInvalidIndicator) {
			log.WithField("query", query).Debug("store: search not logged, value does not classify")
			return nil
		}
		return err
	}
	if inserted {
		s.notify(out)
	}
	return nil
}
