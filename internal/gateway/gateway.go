// Package gateway translates transport-neutral requests into store and token
// operations. Transports such as the gin adapter only copy bytes in and out.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cif-go/cifstore/internal/ciferrors"
	"github.com/cif-go/cifstore/internal/indicator"
	internalsettings "github.com/cif-go/cifstore/internal/settings"
	"github.com/cif-go/cifstore/internal/store"
	"github.com/cif-go/cifstore/internal/tokens"
	log "github.com/sirupsen/logrus"
)

// Request is one call into the gateway.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
	Token  string
}

// Response is the gateway's answer. Body is JSON.
type Response struct {
	Status  int
	Body    []byte
	Headers http.Header
}

// IndicatorStore is the store surface the gateway needs.
type IndicatorStore interface {
	Submit(ctx context.Context, ind indicator.Indicator, tok tokens.Token, opts store.SubmitOptions) (indicator.Indicator, error)
	Search(ctx context.Context, f store.Filters, tok tokens.Token) (iter.Seq2[indicator.Indicator, error], error)
	Delete(ctx context.Context, f store.Filters, tok tokens.Token) (int64, error)
	Expire(ctx context.Context, before time.Time, tok tokens.Token) (int64, error)
	LogSearch(ctx context.Context, query string, tok tokens.Token) error
}

// TokenService is the token surface the gateway needs.
type TokenService interface {
	Verify(ctx context.Context, raw string) (tokens.Token, error)
	Create(ctx context.Context, caller tokens.Token, params tokens.CreateParams) (tokens.Token, error)
	Revoke(ctx context.Context, raw string, caller tokens.Token) error
	List(ctx context.Context, caller tokens.Token) ([]tokens.Token, error)
}

// HealthCheck reports whether the backing services are reachable.
type HealthCheck func(ctx context.Context) error

type handlerFunc func(ctx context.Context, req Request, tok tokens.Token) Response

type route struct {
	method string
	path   string
	public bool
	handle handlerFunc
}

// Gateway routes requests.
type Gateway struct {
	store   IndicatorStore
	tokens  TokenService
	timeout time.Duration
	health  HealthCheck
	version string
	now     func() time.Time
	routes  []route
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithTimeout bounds each call. Calls that overrun answer 503.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithHealthCheck sets the /health check.
func WithHealthCheck(h HealthCheck) Option {
	return func(g *Gateway) { g.health = h }
}

// WithVersion sets the version reported by GET /.
func WithVersion(v string) Option {
	return func(g *Gateway) { g.version = v }
}

// New constructs a Gateway.
func New(s IndicatorStore, t TokenService, opts ...Option) *Gateway {
	g := &Gateway{
		store:   s,
		tokens:  t,
		timeout: internalsettings.DefaultGatewayTimeout,
		version: "dev",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.routes = []route{
		{method: http.MethodGet, path: "/", public: true, handle: g.index},
		{method: http.MethodGet, path: "/health", public: true, handle: g.healthz},
		{method: http.MethodGet, path: "/ping", handle: g.ping},
		{method: http.MethodGet, path: "/indicators", handle: g.searchIndicators},
		{method: http.MethodPost, path: "/indicators", handle: g.submitIndicators},
		{method: http.MethodDelete, path: "/indicators", handle: g.deleteIndicators},
		{method: http.MethodDelete, path: "/indicators/expire", handle: g.expireIndicators},
		{method: http.MethodGet, path: "/tokens", handle: g.listTokens},
		{method: http.MethodPost, path: "/tokens", handle: g.createToken},
		{method: http.MethodDelete, path: "/tokens", handle: g.revokeToken},
	}
	return g
}

// Handle serves one request. It never returns a nil Body.
func (g *Gateway) Handle(ctx context.Context, req Request) Response {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	path := normalizePath(req.Path)
	if req.Query == nil {
		req.Query = url.Values{}
	}

	var (
		matched    *route
		pathExists bool
	)
	for i := range g.routes {
		r := &g.routes[i]
		if r.path != path {
			continue
		}
		pathExists = true
		if r.method == method {
			matched = r
			break
		}
	}
	if matched == nil {
		if pathExists {
			return failure(http.StatusMethodNotAllowed, "method not allowed")
		}
		return failure(http.StatusNotFound, "not found")
	}
	if matched.public {
		return matched.handle(ctx, req, tokens.Token{})
	}

	if strings.TrimSpace(req.Token) == "" {
		return failure(http.StatusUnauthorized, "missing token")
	}
	return g.withTimeout(ctx, func(ctx context.Context) Response {
		tok, errVerify := g.tokens.Verify(ctx, req.Token)
		if errVerify != nil {
			return errorResponse(errVerify, req)
		}
		return matched.handle(ctx, req, tok)
	})
}

// withTimeout runs fn and answers 503 if it overruns, even when fn ignores
// its context.
func (g *Gateway) withTimeout(ctx context.Context, fn func(context.Context) Response) Response {
	if g.timeout <= 0 {
		return fn(ctx)
	}
	ctxCall, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan Response, 1)
	go func() { done <- fn(ctxCall) }()
	select {
	case resp := <-done:
		return resp
	case <-ctxCall.Done():
		if errors.Is(ctxCall.Err(), context.DeadlineExceeded) {
			return errorResponse(ciferrors.ErrBusy, Request{})
		}
		return failure(499, "client closed request")
	}
}

func (g *Gateway) index(_ context.Context, _ Request, _ tokens.Token) Response {
	endpoints := make([]string, 0, len(g.routes))
	for _, r := range g.routes {
		endpoints = append(endpoints, r.method+" "+r.path)
	}
	return success(http.StatusOK, map[string]any{
		"name":      "cif-httpd",
		"version":   g.version,
		"endpoints": endpoints,
	})
}

func (g *Gateway) healthz(ctx context.Context, _ Request, _ tokens.Token) Response {
	if g.health != nil {
		if err := g.health(ctx); err != nil {
			log.WithError(err).Warn("gateway: health check failed")
			return failure(http.StatusServiceUnavailable, "unhealthy")
		}
	}
	return success(http.StatusOK, "healthy")
}

func (g *Gateway) ping(_ context.Context, _ Request, _ tokens.Token) Response {
	return success(http.StatusOK, float64(g.now().UnixNano())/1e9)
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// firstValues flattens query values, keeping the first value of each key.
func firstValues(q url.Values) map[string]string {
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		} else {
			out[k] = ""
		}
	}
	return out
}

func decodeJSON(body []byte, dst any) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		return errEmptyBody
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return badRequest("malformed json: %v", err)
	}
	return nil
}
