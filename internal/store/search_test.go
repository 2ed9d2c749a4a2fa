package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cif-go/cifstore/internal/ciferrors"
	"github.com/cif-go/cifstore/internal/indicator"
	"github.com/cif-go/cifstore/internal/tokens"
)

func seed(t *testing.T, fx *fixture, s *Store) {
	t.Helper()
	ctx := context.Background()
	seeds := []indicator.Indicator{
		{Indicator: "alpha.example.com", Tags: indicator.Tags{"botnet"}, Provider: "p1", Confidence: 9},
		{Indicator: "192.0.2.10", Tags: indicator.Tags{"scanner"}, Provider: "p2", Confidence: 4},
		{Indicator: "http://beta.example.com/login", Tags: indicator.Tags{"phishing", "botnet"}, Provider: "p1", Confidence: 6},
	}
	for _, in := range seeds {
		if _, err := s.Submit(ctx, in, fx.admin, SubmitOptions{}); err != nil {
			t.Fatalf("Submit %s: %v", in.Indicator, err)
		}
		fx.clock.Advance(time.Minute)
	}
}

func TestSearch_OrderedByLastTimeDesc(t *testing.T) {
	fx := newFixture(t)
	s := fx.store()
	seed(t, fx, s)

	got := mustSearch(t, s, Filters{}, fx.admin)
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	want := []string{"http://beta.example.com/login", "192.0.2.10", "alpha.example.com"}
	for i, w := range want {
		if got[i].Indicator != w {
			t.Fatalf("position %d: expected %s, got %s", i, w, got[i].Indicator)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].LastTime.After(got[i-1].LastTime) {
			t.Fatalf("results not ordered by lasttime desc")
		}
	}

	limited := mustSearch(t, s, Filters{Limit: 1}, fx.admin)
	if len(limited) != 1 || limited[0].Indicator != want[0] {
		t.Fatalf("expected newest result only, got %+v", limited)
	}
}

func TestSearch_Filters(t *testing.T) {
	fx := newFixture(t)
	s := fx.store()
	seed(t, fx, s)

	c := 5.0
	tests := []struct {
		name string
		f    Filters
		want int
	}{
		{name: "itype", f: Filters{Itype: indicator.ItypeIPv4}, want: 1},
		{name: "tags any-of", f: Filters{Tags: []string{"botnet"}}, want: 2},
		{name: "tags union", f: Filters{Tags: []string{"scanner", "phishing"}}, want: 2},
		{name: "confidence", f: Filters{Confidence: &c}, want: 2},
		{name: "provider", f: Filters{Provider: "p2"}, want: 1},
		{name: "substring", f: Filters{Query: "example"}, want: 2},
		{name: "substring wildcard escaped", f: Filters{Query: "%"}, want: 0},
		{name: "exact", f: Filters{Indicator: "alpha.example.com"}, want: 1},
		{name: "lasttime lower bound", f: Filters{LastTime: time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC)}, want: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := mustSearch(t, s, tc.f, fx.admin)
			if len(got) != tc.want {
				t.Fatalf("expected %d results, got %d: %+v", tc.want, len(got), got)
			}
		})
	}
}

func TestSearch_SequenceIsSingleUse(t *testing.T) {
	fx := newFixture(t)
	s := fx.store()
	seed(t, fx, s)

	seq, err := s.Search(context.Background(), Filters{}, fx.admin)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, errIter := range seq {
		if errIter != nil {
			t.Fatalf("iterate: %v", errIter)
		}
		break
	}
	_, errAgain := Collect(seq)
	if !errors.Is(errAgain, ErrConsumed) {
		t.Fatalf("expected ErrConsumed, got %v", errAgain)
	}

	again := mustSearch(t, s, Filters{}, fx.admin)
	if len(again) != 3 {
		t.Fatalf("expected a re-issued search to see 3 rows, got %d", len(again))
	}
}

func TestDelete(t *testing.T) {
	fx := newFixture(t)
	s := fx.store()
	seed(t, fx, s)
	ctx := context.Background()

	if _, err := s.Delete(ctx, Filters{Limit: 10}, fx.admin); !errors.Is(err, ciferrors.ErrInvalidSearch) {
		t.Fatalf("expected empty criteria to fail with ErrInvalidSearch, got %v", err)
	}
	reader := fx.token(t, tokens.CreateParams{Name: "reader", Groups: []string{"everyone"}, Read: true})
	if _, err := s.Delete(ctx, Filters{Provider: "p1"}, reader); !errors.Is(err, ciferrors.ErrForbidden) {
		t.Fatalf("expected read-only delete to be forbidden, got %v", err)
	}

	removed, err := s.Delete(ctx, Filters{Provider: "p1"}, fx.admin)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	left := mustSearch(t, s, Filters{}, fx.admin)
	if len(left) != 1 || left[0].Provider != "p2" {
		t.Fatalf("unexpected remaining rows %+v", left)
	}
}

func TestExpire(t *testing.T) {
	fx := newFixture(t)
	s := fx.store()
	seed(t, fx, s)
	ctx := context.Background()

	cutoff := time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC)
	user := fx.token(t, tokens.CreateParams{Name: "user", Read: true, Write: true})
	if _, err := s.Expire(ctx, cutoff, user); !errors.Is(err, ciferrors.ErrForbidden) {
		t.Fatalf("expected non-admin expire to be forbidden, got %v", err)
	}
	removed, err := s.Expire(ctx, cutoff, fx.admin)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired, got %d", removed)
	}
}

func TestLogSearch(t *testing.T) {
	fx := newFixture(t)
	notifier := &countingNotifier{}
	s := fx.store(WithNotifier(notifier))
	ctx := context.Background()

	reader := fx.token(t, tokens.CreateParams{Name: "analyst", Groups: []string{"g1"}, Read: true})
	if err := s.LogSearch(ctx, "searched.example.com", reader); err != nil {
		t.Fatalf("LogSearch: %v", err)
	}
	if err := s.LogSearch(ctx, "not classifiable!", reader); err != nil {
		t.Fatalf("expected unclassifiable search to be ignored, got %v", err)
	}

	got := mustSearch(t, s, Filters{Tags: []string{indicator.TagSearch}}, fx.admin)
	if len(got) != 1 {
		t.Fatalf("expected 1 search record, got %d", len(got))
	}
	rec := got[0]
	if rec.Provider != "analyst" || rec.Group != "g1" || !rec.Tags.Has(indicator.TagSearch) {
		t.Fatalf("unexpected search record %+v", rec)
	}
	if notifier.Len() != 1 {
		t.Fatalf("expected the new search record to be announced once, got %d", notifier.Len())
	}
}

func TestParseFilters(t *testing.T) {
	f, err := ParseFilters(map[string]string{
		"indicator":  "Example.COM.",
		"itype":      "fqdn",
		"tags":       "Botnet, phishing",
		"confidence": "7.5",
		"lasttime":   "2025-01-02",
		"limit":      "10",
		"nolog":      "",
	})
	if err != nil {
		t.Fatalf("ParseFilters: %v", err)
	}
	if f.Indicator != "example.com" || f.Itype != indicator.ItypeFQDN {
		t.Fatalf("unexpected indicator filters %+v", f)
	}
	if len(f.Tags) != 2 || f.Tags[0] != "botnet" || f.Tags[1] != "phishing" {
		t.Fatalf("unexpected tags %v", f.Tags)
	}
	if f.Confidence == nil || *f.Confidence != 7.5 {
		t.Fatalf("unexpected confidence %v", f.Confidence)
	}
	if !f.LastTime.Equal(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected lasttime %v", f.LastTime)
	}
	if f.Limit != 10 || !f.NoLog {
		t.Fatalf("unexpected limit/nolog %+v", f)
	}

	bad := []map[string]string{
		{"color": "red"},
		{"itype": "hash-ish"},
		{"confidence": "eleven"},
		{"confidence": "11"},
		{"firsttime": "yesterday"},
		{"limit": "-1"},
		{"nolog": "maybe"},
		{"reporttime": "2025-02-01", "reporttimeend": "2025-01-01"},
	}
	for _, values := range bad {
		if _, errParse := ParseFilters(values); !errors.Is(errParse, ciferrors.ErrInvalidSearch) {
			t.Fatalf("expected ErrInvalidSearch for %v, got %v", values, errParse)
		}
	}
}

func TestMergeIndicator(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	stored := indicator.Indicator{Confidence: 6, FirstTime: t0, LastTime: t0, ReportTime: t0, Count: 3, Description: "old"}
	incoming := indicator.Indicator{Confidence: 4, FirstTime: t0.Add(-time.Hour), LastTime: t0.Add(time.Hour), ReportTime: t0.Add(time.Hour)}

	kept := mergeIndicator(stored, incoming, MergeKeepMax)
	if kept.Confidence != 6 || kept.Count != 4 || kept.Description != "old" {
		t.Fatalf("unexpected keep-max merge %+v", kept)
	}
	if !kept.FirstTime.Equal(t0.Add(-time.Hour)) || !kept.LastTime.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected merged times %+v", kept)
	}
	replaced := mergeIndicator(stored, incoming, MergeReplace)
	if replaced.Confidence != 4 {
		t.Fatalf("expected replaced confidence 4, got %v", replaced.Confidence)
	}

	stale := indicator.Indicator{Confidence: 1, LastTime: t0.Add(-2 * time.Hour)}
	if got := mergeIndicator(stored, stale, MergeKeepMax); !got.LastTime.Equal(t0) {
		t.Fatalf("expected lasttime never to move backwards, got %v", got.LastTime)
	}
}
