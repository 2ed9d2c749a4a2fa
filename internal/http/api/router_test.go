package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cif-go/cifstore/internal/gateway"
	"github.com/gin-gonic/gin"
)

type recordingHandler struct {
	last gateway.Request
	resp gateway.Response
}

func (h *recordingHandler) Handle(_ context.Context, req gateway.Request) gateway.Response {
	h.last = req
	if h.resp.Status == 0 {
		headers := http.Header{}
		headers.Set("Content-Type", "application/json; charset=utf-8")
		return gateway.Response{Status: http.StatusOK, Body: []byte(`{"status":"success"}`), Headers: headers}
	}
	return h.resp
}

func newTestRouter(h Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(h, WithRequestLogging(false))
}

func TestTokenFromHeader(t *testing.T) {
	cases := map[string]string{
		"":                     "",
		"abc123":               "abc123",
		"Bearer abc123":        "abc123",
		`Token token=abc123`:   "abc123",
		`Token token="abc123"`: "abc123",
		"token   token=abc123": "abc123",
		"Basic dXNlcjpwYXNz":   "",
		"  Bearer   spaced  ":  "spaced",
	}
	for header, want := range cases {
		if got := TokenFromHeader(header); got != want {
			t.Fatalf("TokenFromHeader(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestRouter_DelegatesToGateway(t *testing.T) {
	h := &recordingHandler{}
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/indicators?merge=replace", strings.NewReader(`{"indicator":"example.com"}`))
	req.Header.Set("Authorization", "Token token=secret")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if h.last.Method != http.MethodPost || h.last.Path != "/indicators" {
		t.Fatalf("unexpected request %+v", h.last)
	}
	if h.last.Token != "secret" {
		t.Fatalf("expected token=secret, got %q", h.last.Token)
	}
	if h.last.Query.Get("merge") != "replace" {
		t.Fatalf("expected query to be forwarded, got %v", h.last.Query)
	}
	if string(h.last.Body) != `{"indicator":"example.com"}` {
		t.Fatalf("unexpected body %q", string(h.last.Body))
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header")
	}
}

func TestRouter_MethodOverride(t *testing.T) {
	h := &recordingHandler{}
	router := newTestRouter(h)

	form := strings.NewReader("_method=delete&provider=example.org")
	req := httptest.NewRequest(http.MethodPost, "/indicators", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if h.last.Method != http.MethodDelete {
		t.Fatalf("expected DELETE, got %q", h.last.Method)
	}
	if h.last.Query.Get("provider") != "example.org" {
		t.Fatalf("expected form values to be forwarded, got %v", h.last.Query)
	}
	if h.last.Query.Has("_method") {
		t.Fatalf("expected _method to be consumed")
	}
}

func TestRouter_CopiesStatusAndHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json; charset=utf-8")
	headers.Set("Retry-After", "5")
	h := &recordingHandler{resp: gateway.Response{Status: http.StatusServiceUnavailable, Body: []byte(`{"status":"failed"}`), Headers: headers}}
	router := newTestRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/indicators?q=x", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "5" {
		t.Fatalf("expected Retry-After=5, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Body.String() != `{"status":"failed"}` {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestRouter_PreflightAndMetrics(t *testing.T) {
	h := &recordingHandler{}
	router := newTestRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/indicators", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected preflight 204, got %d", rec.Code)
	}
	if h.last.Method != "" {
		t.Fatalf("expected preflight not to reach the gateway")
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cif_http_requests_total") {
		t.Fatalf("expected http metrics to be exported")
	}
}

func TestRouter_BodyTooLarge(t *testing.T) {
	h := &recordingHandler{}
	router := newTestRouter(h)

	big := strings.NewReader(strings.Repeat("a", MaxBodyBytes+1))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/indicators", big))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestMetricPath(t *testing.T) {
	if got := metricPath("/indicators/"); got != "/indicators" {
		t.Fatalf("expected /indicators, got %q", got)
	}
	if got := metricPath("/random/123"); got != "other" {
		t.Fatalf("expected other, got %q", got)
	}
}
