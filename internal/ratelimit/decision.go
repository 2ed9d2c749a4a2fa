package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Limiter consumes one write from a keyed one-second window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, now time.Time) (Result, error)
}

// Scope records where a write budget came from.
type Scope int

const (
	ScopeNone Scope = iota
	ScopeToken
	ScopeDefault
)

func (s Scope) String() string {
	switch s {
	case ScopeToken:
		return "token"
	case ScopeDefault:
		return "default"
	default:
		return "none"
	}
}

// Decision is the budget resolved for one token.
type Decision struct {
	Limit int
	Scope Scope
}

// ResolveLimit picks the effective write rate: the token's own limit wins,
// then the configured default. Zero means unlimited.
func ResolveLimit(tokenLimit int, cfg SettingsConfig) Decision {
	if tokenLimit > 0 {
		return Decision{Limit: tokenLimit, Scope: ScopeToken}
	}
	if cfg.Limit > 0 {
		return Decision{Limit: cfg.Limit, Scope: ScopeDefault}
	}
	return Decision{}
}

// KeyForDecision builds the limiter key for a token. Tokens sharing the
// default limit still get their own window.
func KeyForDecision(tokenID uint64, decision Decision) string {
	if tokenID == 0 || decision.Limit <= 0 || decision.Scope == ScopeNone {
		return ""
	}
	return fmt.Sprintf("t:%d", tokenID)
}
