package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cif-go/cifstore/internal/tokens"
)

// stringList decodes from a JSON list or a comma separated string.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var list []string
	if errList := json.Unmarshal(data, &list); errList == nil {
		*l = list
		return nil
	}
	var joined string
	if errString := json.Unmarshal(data, &joined); errString != nil {
		return badRequest("groups: expected list or string")
	}
	*l = strings.Split(joined, ",")
	return nil
}

type createTokenRequest struct {
	Name      string     `json:"name"`
	Username  string     `json:"username"`
	Groups    stringList `json:"groups"`
	Read      bool       `json:"read"`
	Write     bool       `json:"write"`
	Admin     bool       `json:"admin"`
	RateLimit int        `json:"rate_limit"`
	Expires   *time.Time `json:"expires"`
}

type revokeTokenRequest struct {
	Token string `json:"token"`
}

func (g *Gateway) listTokens(ctx context.Context, req Request, tok tokens.Token) Response {
	list, err := g.tokens.List(ctx, tok)
	if err != nil {
		return errorResponse(err, req)
	}
	return success(http.StatusOK, list)
}

func (g *Gateway) createToken(ctx context.Context, req Request, tok tokens.Token) Response {
	var body createTokenRequest
	if errDecode := decodeJSON(req.Body, &body); errDecode != nil {
		return errorResponse(errDecode, req)
	}
	name := body.Name
	if name == "" {
		name = body.Username
	}
	created, err := g.tokens.Create(ctx, tok, tokens.CreateParams{
		Name:      name,
		Groups:    body.Groups,
		Read:      body.Read,
		Write:     body.Write,
		Admin:     body.Admin,
		RateLimit: body.RateLimit,
		ExpiresAt: body.Expires,
	})
	if err != nil {
		return errorResponse(err, req)
	}
	return success(http.StatusCreated, created)
}

func (g *Gateway) revokeToken(ctx context.Context, req Request, tok tokens.Token) Response {
	target := strings.TrimSpace(req.Query.Get("token"))
	if target == "" && len(strings.TrimSpace(string(req.Body))) > 0 {
		var body revokeTokenRequest
		if errDecode := decodeJSON(req.Body, &body); errDecode != nil {
			return errorResponse(errDecode, req)
		}
		target = strings.TrimSpace(body.Token)
	}
	if target == "" {
		return errorResponse(badRequest("token is required"), req)
	}
	if err := g.tokens.Revoke(ctx, target, tok); err != nil {
		return errorResponse(err, req)
	}
	return success(http.StatusOK, map[string]bool{"revoked": true})
}
