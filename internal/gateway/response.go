package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cif-go/cifstore/internal/ciferrors"
	"github.com/cif-go/cifstore/internal/tokens"
	log "github.com/sirupsen/logrus"
)

// RetryAfterSeconds is advertised on 503 answers.
const RetryAfterSeconds = 5

var errBadRequest = errors.New("bad request")

var errEmptyBody = badRequest("empty body")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// StatusFor maps an error onto an HTTP-style status code.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ciferrors.ErrInvalidIndicator):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ciferrors.ErrInvalidSearch), errors.Is(err, errBadRequest), errors.Is(err, tokens.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, ciferrors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ciferrors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, tokens.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ciferrors.ErrBusy), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(err error, req Request) Response {
	status := StatusFor(err)
	message := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		message = "busy, try again later"
	case http.StatusInternalServerError:
		log.WithError(err).WithFields(log.Fields{
			"method": req.Method,
			"path":   req.Path,
			"query":  req.Query.Encode(),
		}).Error("gateway: request failed")
		message = "internal error"
	}
	resp := failure(status, message)
	if status == http.StatusServiceUnavailable {
		resp.Headers.Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	return resp
}

func success(status int, data any) Response {
	return encode(status, envelope{Status: "success", Data: data})
}

func failure(status int, message string) Response {
	return encode(status, envelope{Status: "failed", Message: message})
}

func encode(status int, body envelope) Response {
	payload, err := json.Marshal(body)
	if err != nil {
		log.WithError(err).Error("gateway: encode response")
		status = http.StatusInternalServerError
		payload = []byte(`{"status":"failed","message":"internal error"}`)
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json; charset=utf-8")
	return Response{Status: status, Body: payload, Headers: headers}
}
