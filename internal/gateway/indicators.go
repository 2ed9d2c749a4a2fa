package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cif-go/cifstore/internal/ciferrors"
	"github.com/cif-go/cifstore/internal/indicator"
	"github.com/cif-go/cifstore/internal/store"
	"github.com/cif-go/cifstore/internal/tokens"
	log "github.com/sirupsen/logrus"
)

// MaxBatchSize caps the number of indicators in one submission.
const MaxBatchSize = 5000

func (g *Gateway) searchIndicators(ctx context.Context, req Request, tok tokens.Token) Response {
	f, errParse := store.ParseFilters(firstValues(req.Query))
	if errParse != nil {
		return errorResponse(errParse, req)
	}
	seq, errSearch := g.store.Search(ctx, f, tok)
	if errSearch != nil {
		return errorResponse(errSearch, req)
	}
	results, errCollect := store.Collect(seq)
	if errCollect != nil {
		return errorResponse(errCollect, req)
	}
	if f.Indicator != "" && !f.NoLog {
		if errLog := g.store.LogSearch(ctx, f.Indicator, tok); errLog != nil {
			log.WithError(errLog).WithField("indicator", f.Indicator).Warn("gateway: log search failed")
		}
	}
	return success(http.StatusOK, results)
}

func (g *Gateway) submitIndicators(ctx context.Context, req Request, tok tokens.Token) Response {
	opts, errOpts := submitOptions(req)
	if errOpts != nil {
		return errorResponse(errOpts, req)
	}

	body := bytes.TrimSpace(req.Body)
	if len(body) > 0 && body[0] == '[' {
		var batch []indicator.Indicator
		if errDecode := decodeJSON(body, &batch); errDecode != nil {
			return errorResponse(errDecode, req)
		}
		if len(batch) == 0 {
			return errorResponse(badRequest("empty batch"), req)
		}
		if len(batch) > MaxBatchSize {
			return errorResponse(badRequest("batch larger than %d", MaxBatchSize), req)
		}
		stored := make([]indicator.Indicator, 0, len(batch))
		for i, in := range batch {
			out, errSubmit := g.store.Submit(ctx, in, tok, opts)
			if errSubmit != nil {
				return errorResponse(fmt.Errorf("indicator %d: %w", i, errSubmit), req)
			}
			stored = append(stored, out)
		}
		return success(http.StatusCreated, stored)
	}

	var in indicator.Indicator
	if errDecode := decodeJSON(body, &in); errDecode != nil {
		return errorResponse(errDecode, req)
	}
	out, errSubmit := g.store.Submit(ctx, in, tok, opts)
	if errSubmit != nil {
		return errorResponse(errSubmit, req)
	}
	return success(http.StatusCreated, out)
}

func submitOptions(req Request) (store.SubmitOptions, error) {
	switch strings.ToLower(strings.TrimSpace(req.Query.Get("merge"))) {
	case "", "keep-max", "max":
		return store.SubmitOptions{Merge: store.MergeKeepMax}, nil
	case "replace":
		return store.SubmitOptions{Merge: store.MergeReplace}, nil
	default:
		return store.SubmitOptions{}, badRequest("merge must be keep-max or replace")
	}
}

func (g *Gateway) deleteIndicators(ctx context.Context, req Request, tok tokens.Token) Response {
	values := firstValues(req.Query)
	if len(bytes.TrimSpace(req.Body)) > 0 {
		var fromBody map[string]any
		if errDecode := decodeJSON(req.Body, &fromBody); errDecode != nil {
			return errorResponse(errDecode, req)
		}
		for k, v := range fromBody {
			values[k] = stringify(v)
		}
	}
	f, errParse := store.ParseFilters(values)
	if errParse != nil {
		return errorResponse(errParse, req)
	}
	removed, errDelete := g.store.Delete(ctx, f, tok)
	if errDelete != nil {
		return errorResponse(errDelete, req)
	}
	return success(http.StatusOK, map[string]int64{"deleted": removed})
}

func (g *Gateway) expireIndicators(ctx context.Context, req Request, tok tokens.Token) Response {
	raw := strings.TrimSpace(req.Query.Get("before"))
	if raw == "" {
		return errorResponse(ciferrors.InvalidSearch("before is required"), req)
	}
	before, errParse := time.Parse(time.RFC3339, raw)
	if errParse != nil {
		return errorResponse(ciferrors.InvalidSearch("before: unparsable time %q", raw), req)
	}
	removed, errExpire := g.store.Expire(ctx, before, tok)
	if errExpire != nil {
		return errorResponse(errExpire, req)
	}
	return success(http.StatusOK, map[string]int64{"expired": removed})
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, stringify(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(t)
	}
}
