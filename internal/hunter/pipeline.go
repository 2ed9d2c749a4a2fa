package hunter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cif-go/cifstore/internal/indicator"
	internalsettings "github.com/cif-go/cifstore/internal/settings"
	"github.com/cif-go/cifstore/internal/store"
	"github.com/cif-go/cifstore/internal/tokens"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	defaultSubmitTimeout  = 10 * time.Second
	defaultRecentCapacity = 100000
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cif_hunter_jobs_total",
			Help: "Indicators offered to the hunter pipeline by outcome (queued, dropped, duplicate, skipped, unauthorized).",
		},
		[]string{"outcome"},
	)

	derivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cif_hunter_derived_total",
			Help: "Derived indicators resubmitted by hunter and result (ok, error).",
		},
		[]string{"hunter", "result"},
	)
)

// Submitter is the store boundary used to resubmit derived indicators.
type Submitter interface {
	Submit(ctx context.Context, ind indicator.Indicator, tok tokens.Token, opts store.SubmitOptions) (indicator.Indicator, error)
}

// TokenVerifier re-checks the service token before each job so a
// revocation stops the hunters without a restart.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (tokens.Token, error)
}

// Pipeline fans newly stored indicators out to the hunters on a bounded
// worker pool. It implements store.Notifier.
type Pipeline struct {
	submitter     Submitter
	token         tokens.Token
	verifier      TokenVerifier
	hunters       []Hunter
	workers       int
	submitTimeout time.Duration
	recent        *recentFilter

	queue chan indicator.Indicator

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithWorkers sets the number of workers.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queue = make(chan indicator.Indicator, n)
		}
	}
}

// WithSubmitTimeout bounds each resubmission.
func WithSubmitTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.submitTimeout = d
		}
	}
}

// WithRecentCapacity sizes the duplicate filter. 0 disables it.
func WithRecentCapacity(n uint) Option {
	return func(p *Pipeline) { p.recent = newRecentFilter(n) }
}

// WithTokenVerifier re-verifies the service token before every job.
func WithTokenVerifier(v TokenVerifier) Option {
	return func(p *Pipeline) { p.verifier = v }
}

// NewPipeline constructs a Pipeline that resubmits with tok.
func NewPipeline(submitter Submitter, tok tokens.Token, hunters []Hunter, opts ...Option) *Pipeline {
	p := &Pipeline{
		submitter:     submitter,
		token:         tok,
		hunters:       hunters,
		workers:       internalsettings.DefaultHunterWorkers,
		submitTimeout: defaultSubmitTimeout,
		recent:        newRecentFilter(defaultRecentCapacity),
		queue:         make(chan indicator.Indicator, internalsettings.DefaultHunterQueueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. It returns an error when called twice.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("hunter: pipeline already started")
	}
	p.started = true
	ctxRun, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctxRun)
	}
	names := make([]string, 0, len(p.hunters))
	for _, h := range p.hunters {
		names = append(names, h.Name())
	}
	log.WithFields(log.Fields{
		"workers": p.workers,
		"hunters": names,
	}).Info("hunter: pipeline started")
	return nil
}

// Stop cancels the workers and waits for them. Queued jobs are discarded.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	log.Info("hunter: pipeline stopped")
}

// Notify queues ind without blocking. A full queue drops the job.
func (p *Pipeline) Notify(ind indicator.Indicator) {
	if p == nil {
		return
	}
	if ind.Itype != indicator.ItypeFQDN || ind.Tags.Has(indicator.TagSearch) {
		jobsTotal.WithLabelValues("skipped").Inc()
		return
	}
	if p.recent.seen(ind.Identity().String()) {
		jobsTotal.WithLabelValues("duplicate").Inc()
		return
	}
	select {
	case p.queue <- ind:
		jobsTotal.WithLabelValues("queued").Inc()
	default:
		jobsTotal.WithLabelValues("dropped").Inc()
		log.WithField("indicator", ind.Indicator).Warn("hunter: queue full, job dropped")
	}
}

func (p *Pipeline) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ind := <-p.queue:
			p.hunt(ctx, ind)
		}
	}
}

// hunt runs every hunter on ind and resubmits the candidates. Failures are
// logged and never propagate.
func (p *Pipeline) hunt(ctx context.Context, ind indicator.Indicator) {
	tok, errToken := p.serviceToken(ctx)
	if errToken != nil {
		jobsTotal.WithLabelValues("unauthorized").Inc()
		log.WithError(errToken).WithField("indicator", ind.Indicator).Warn("hunter: service token rejected, job dropped")
		return
	}
	for _, h := range p.hunters {
		for _, candidate := range p.process(ctx, h, ind) {
			ctxSubmit, cancel := context.WithTimeout(ctx, p.submitTimeout)
			_, errSubmit := p.submitter.Submit(ctxSubmit, candidate, tok, store.SubmitOptions{})
			cancel()
			if errSubmit != nil {
				derivedTotal.WithLabelValues(h.Name(), "error").Inc()
				log.WithError(errSubmit).WithFields(log.Fields{
					"hunter":    h.Name(),
					"indicator": candidate.Indicator,
					"rdata":     candidate.Rdata,
				}).Warn("hunter: resubmission failed")
				continue
			}
			derivedTotal.WithLabelValues(h.Name(), "ok").Inc()
		}
	}
}

// serviceToken returns the current view of the service token.
func (p *Pipeline) serviceToken(ctx context.Context) (tokens.Token, error) {
	if p.verifier == nil {
		return p.token, nil
	}
	return p.verifier.Verify(ctx, p.token.Token)
}

func (p *Pipeline) process(ctx context.Context, h Hunter, ind indicator.Indicator) (out []indicator.Indicator) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"hunter":    h.Name(),
				"indicator": ind.Indicator,
				"panic":     r,
			}).Error("hunter: process panicked")
			out = nil
		}
	}()
	return h.Process(ctx, ind.Clone())
}
