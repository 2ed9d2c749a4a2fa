package tokens

import (
	"time"

	"github.com/cif-go/cifstore/internal/models"
	"github.com/cif-go/cifstore/internal/security"
)

// Token is a verified credential.
type Token struct {
	ID         uint64     `json:"id"`
	Token      string     `json:"token"`
	Name       string     `json:"name"`
	Groups     []string   `json:"groups"`
	Read       bool       `json:"read"`
	Write      bool       `json:"write"`
	Admin      bool       `json:"admin"`
	RateLimit  int        `json:"rate_limit"`
	ExpiresAt  *time.Time `json:"expires,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CanRead reports whether the token may search group.
func (t Token) CanRead(group string) bool {
	if t.Admin {
		return true
	}
	return t.Read && HasGroup(t.Groups, group)
}

// CanWrite reports whether the token may submit to or delete from group.
func (t Token) CanWrite(group string) bool {
	if t.Admin {
		return true
	}
	return t.Write && HasGroup(t.Groups, group)
}

// ReadableGroups lists the groups the token may read. Admin tokens return
// nil with all=true.
func (t Token) ReadableGroups() (groups []string, all bool) {
	if t.Admin {
		return nil, true
	}
	if !t.Read {
		return []string{}, false
	}
	return append([]string(nil), t.Groups...), false
}

// WritableGroups lists the groups the token may write. Admin tokens return
// nil with all=true.
func (t Token) WritableGroups() (groups []string, all bool) {
	if t.Admin {
		return nil, true
	}
	if !t.Write {
		return []string{}, false
	}
	return append([]string(nil), t.Groups...), false
}

// Usable reports whether the token is neither revoked nor expired at now.
func (t Token) Usable(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return false
	}
	return true
}

// Masked hides the secret.
func (t Token) Masked() Token {
	t.Token = security.MaskToken(t.Token)
	return t
}

func fromRow(row models.Token) Token {
	return Token{
		ID:         row.ID,
		Token:      row.Token,
		Name:       row.Name,
		Groups:     ParseGroups(row.Groups),
		Read:       row.Read,
		Write:      row.Write,
		Admin:      row.Admin,
		RateLimit:  row.RateLimit,
		ExpiresAt:  row.ExpiresAt,
		RevokedAt:  row.RevokedAt,
		LastUsedAt: row.LastUsedAt,
		CreatedAt:  row.CreatedAt,
	}
}
