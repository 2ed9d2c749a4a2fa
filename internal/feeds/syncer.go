package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cif-go/cifstore/internal/ciferrors"
	"github.com/cif-go/cifstore/internal/indicator"
	"github.com/cif-go/cifstore/internal/store"
	"github.com/cif-go/cifstore/internal/tokens"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultSubmitTimeout  = 10 * time.Second
	maxBodyBytes          = 64 << 20
	userAgent             = "cif-httpd feed syncer"
)

var feedIndicatorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cif_feed_indicators_total",
		Help: "Feed entries by feed and result (submitted, skipped, failed).",
	},
	[]string{"feed", "result"},
)

// Submitter is the store boundary used by the syncer.
type Submitter interface {
	Submit(ctx context.Context, ind indicator.Indicator, tok tokens.Token, opts store.SubmitOptions) (indicator.Indicator, error)
}

// SyncResult summarises one sync of one feed.
type SyncResult struct {
	Submitted   int
	Skipped     int
	Failed      int
	NotModified bool
}

// TokenVerifier re-checks the feed token before each sync.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (tokens.Token, error)
}

// Syncer keeps the configured feeds flowing into the store.
type Syncer struct {
	submitter Submitter
	token     tokens.Token
	verifier  TokenVerifier
	feeds     []Feed
	client    *http.Client
	now       func() time.Time

	mu           sync.Mutex
	lastModified map[string]string
	etags        map[string]string
	wg           sync.WaitGroup
}

// SyncerOption customises a Syncer.
type SyncerOption func(*Syncer)

// WithTokenVerifier re-verifies the feed token before every sync.
func WithTokenVerifier(v TokenVerifier) SyncerOption {
	return func(s *Syncer) { s.verifier = v }
}

// NewSyncer constructs a feed syncer that submits with tok.
func NewSyncer(submitter Submitter, tok tokens.Token, feeds []Feed, opts ...SyncerOption) *Syncer {
	if submitter == nil {
		return nil
	}
	s := &Syncer{
		submitter:    submitter,
		token:        tok,
		feeds:        feeds,
		client:       &http.Client{Timeout: defaultRequestTimeout},
		now:          time.Now,
		lastModified: make(map[string]string),
		etags:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs one sync loop per feed in the background until ctx is done.
func (s *Syncer) Start(ctx context.Context) {
	if s == nil {
		return
	}
	for _, feed := range s.feeds {
		s.wg.Add(1)
		go s.run(ctx, feed)
		log.WithFields(log.Fields{
			"feed":     feed.Name,
			"interval": feed.interval().String(),
		}).Info("feed syncer started")
	}
}

// Wait blocks until every loop has returned.
func (s *Syncer) Wait() {
	if s == nil {
		return
	}
	s.wg.Wait()
}

func (s *Syncer) run(ctx context.Context, feed Feed) {
	defer s.wg.Done()
	if _, err := s.SyncOnce(ctx, feed); err != nil {
		log.WithError(err).WithField("feed", feed.Name).Warn("feed syncer: initial sync failed")
	}
	ticker := time.NewTicker(feed.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SyncOnce(ctx, feed); err != nil {
				log.WithError(err).WithField("feed", feed.Name).Warn("feed syncer: sync failed")
			}
		}
	}
}

// SyncOnce fetches feed and submits every entry that classifies. Feed
// confidence replaces the stored confidence so a feed can re-score its own
// indicators.
func (s *Syncer) SyncOnce(ctx context.Context, feed Feed) (SyncResult, error) {
	if s == nil || s.submitter == nil {
		return SyncResult{}, fmt.Errorf("feed syncer: not initialized")
	}
	url := strings.TrimSpace(feed.URL)
	if url == "" {
		return SyncResult{}, fmt.Errorf("feed syncer: %s: empty url", feed.Name)
	}

	tok := s.token
	if s.verifier != nil {
		verified, errVerify := s.verifier.Verify(ctx, s.token.Token)
		if errVerify != nil {
			return SyncResult{}, fmt.Errorf("feed syncer: %s: %w", feed.Name, errVerify)
		}
		tok = verified
	}

	body, notModified, errFetch := s.fetch(ctx, feed.Name, url)
	if errFetch != nil {
		return SyncResult{}, errFetch
	}
	if notModified {
		log.WithField("feed", feed.Name).Debug("feed syncer: not modified")
		return SyncResult{NotModified: true}, nil
	}

	parsed, errParse := ParseFeed(feed.Format, body, feed)
	if errParse != nil {
		return SyncResult{}, fmt.Errorf("feed syncer: %s: %w", feed.Name, errParse)
	}

	res := SyncResult{Skipped: parsed.Skipped}
	seenAt := s.now().UTC()
	for _, cand := range parsed.Indicators {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if cand.LastTime.IsZero() {
			cand.LastTime = seenAt
		}
		ctxSubmit, cancel := context.WithTimeout(ctx, defaultSubmitTimeout)
		_, errSubmit := s.submitter.Submit(ctxSubmit, cand, tok, store.SubmitOptions{Merge: store.MergeReplace})
		cancel()
		switch {
		case errSubmit == nil:
			res.Submitted++
		case errors.Is(errSubmit, ciferrors.ErrInvalidIndicator):
			res.Skipped++
		case errors.Is(errSubmit, ciferrors.ErrUnauthorized):
			return res, fmt.Errorf("feed syncer: %s: %w", feed.Name, errSubmit)
		default:
			res.Failed++
			log.WithError(errSubmit).WithFields(log.Fields{
				"feed":      feed.Name,
				"indicator": cand.Indicator,
			}).Debug("feed syncer: submit failed")
		}
	}

	feedIndicatorsTotal.WithLabelValues(feed.Name, "submitted").Add(float64(res.Submitted))
	feedIndicatorsTotal.WithLabelValues(feed.Name, "skipped").Add(float64(res.Skipped))
	feedIndicatorsTotal.WithLabelValues(feed.Name, "failed").Add(float64(res.Failed))
	log.WithFields(log.Fields{
		"feed":      feed.Name,
		"submitted": res.Submitted,
		"skipped":   res.Skipped,
		"failed":    res.Failed,
	}).Info("feed syncer: sync complete")
	return res, nil
}

func (s *Syncer) fetch(ctx context.Context, name, url string) ([]byte, bool, error) {
	requestCtx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	req, errReq := http.NewRequestWithContext(requestCtx, http.MethodGet, url, nil)
	if errReq != nil {
		return nil, false, fmt.Errorf("feed syncer: %s: build request: %w", name, errReq)
	}
	req.Header.Set("User-Agent", userAgent)
	s.mu.Lock()
	if etag := s.etags[url]; etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lm := s.lastModified[url]; lm != "" {
		req.Header.Set("If-Modified-Since", lm)
	}
	s.mu.Unlock()

	resp, errDo := s.client.Do(req)
	if errDo != nil {
		return nil, false, fmt.Errorf("feed syncer: %s: request failed: %w", name, errDo)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Warn("feed syncer: close response body failed")
		}
	}()

	if resp.StatusCode == http.StatusNotModified {
		return nil, true, nil
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, false, fmt.Errorf("feed syncer: %s: unexpected status %d", name, resp.StatusCode)
	}
	body, errRead := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if errRead != nil {
		return nil, false, fmt.Errorf("feed syncer: %s: read response: %w", name, errRead)
	}

	s.mu.Lock()
	s.etags[url] = resp.Header.Get("ETag")
	s.lastModified[url] = resp.Header.Get("Last-Modified")
	s.mu.Unlock()
	return body, false, nil
}
