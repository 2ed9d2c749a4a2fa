// Package api binds the gateway to gin.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cif-go/cifstore/internal/gateway"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// MaxBodyBytes caps request bodies handed to the gateway.
const MaxBodyBytes = 32 << 20

// Handler is the gateway surface the router delegates to.
type Handler interface {
	Handle(ctx context.Context, req gateway.Request) gateway.Response
}

type routerConfig struct {
	metrics bool
	logging bool
}

// RouterOption customises NewRouter.
type RouterOption func(*routerConfig)

// WithMetricsEndpoint toggles GET /metrics.
func WithMetricsEndpoint(enabled bool) RouterOption {
	return func(c *routerConfig) { c.metrics = enabled }
}

// WithRequestLogging toggles per-request log lines.
func WithRequestLogging(enabled bool) RouterOption {
	return func(c *routerConfig) { c.logging = enabled }
}

// NewRouter builds the gin engine. Every path other than /metrics is served
// by h.
func NewRouter(h Handler, opts ...RouterOption) *gin.Engine {
	cfg := routerConfig{metrics: true, logging: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	if cfg.logging {
		engine.Use(requestLogger())
	}
	engine.Use(metricsMiddleware())

	if cfg.metrics {
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	engine.NoRoute(gatewayHandler(h))
	return engine
}

// gatewayHandler copies the HTTP request into a gateway.Request and writes the
// answer back verbatim.
func gatewayHandler(h Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, errBuild := buildRequest(c)
		if errBuild != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(errBuild, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			c.AbortWithStatusJSON(status, gin.H{"status": "failed", "message": errBuild.Error()})
			return
		}

		resp := h.Handle(c.Request.Context(), req)
		for key, values := range resp.Headers {
			for _, v := range values {
				c.Writer.Header().Add(key, v)
			}
		}
		contentType := resp.Headers.Get("Content-Type")
		if contentType == "" {
			contentType = "application/json; charset=utf-8"
		}
		c.Data(resp.Status, contentType, resp.Body)
	}
}

func buildRequest(c *gin.Context) (gateway.Request, error) {
	query := c.Request.URL.Query()
	method := c.Request.Method

	var body []byte
	if isForm(c.Request) {
		if errParse := c.Request.ParseForm(); errParse != nil {
			return gateway.Request{}, errParse
		}
		if override := strings.ToUpper(strings.TrimSpace(c.Request.PostForm.Get("_method"))); override != "" {
			method = override
		}
		for key, values := range c.Request.PostForm {
			if key == "_method" {
				continue
			}
			for _, v := range values {
				query.Add(key, v)
			}
		}
	} else if c.Request.Body != nil {
		raw, errRead := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
		if errRead != nil {
			return gateway.Request{}, errRead
		}
		body = raw
	}

	return gateway.Request{
		Method: method,
		Path:   c.Request.URL.Path,
		Query:  query,
		Body:   body,
		Token:  TokenFromHeader(c.GetHeader("Authorization")),
	}, nil
}

func isForm(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	return strings.HasPrefix(ct, "application/x-www-form-urlencoded")
}

// TokenFromHeader extracts the token from an Authorization header. It
// accepts `Token token=<t>`, `Bearer <t>` and a bare token.
func TokenFromHeader(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	scheme, rest, found := strings.Cut(header, " ")
	if !found {
		return header
	}
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(scheme) {
	case "bearer":
		return rest
	case "token":
		if value, ok := strings.CutPrefix(rest, "token="); ok {
			value = strings.Trim(strings.TrimSpace(value), `"`)
			if unescaped, errUnescape := url.QueryUnescape(value); errUnescape == nil {
				return unescaped
			}
			return value
		}
		return rest
	default:
		log.WithField("scheme", scheme).Debug("api: unknown authorization scheme")
		return ""
	}
}
