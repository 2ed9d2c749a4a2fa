package hunter

import (
	"context"
	"time"

	"github.com/cif-go/cifstore/internal/indicator"
)

// FqdnSubdomain derives the registered parent domain of a subdomain.
type FqdnSubdomain struct {
	now func() time.Time
}

// NewFqdnSubdomain constructs the subdomain hunter.
func NewFqdnSubdomain() *FqdnSubdomain {
	return &FqdnSubdomain{now: time.Now}
}

// Name implements Hunter.
func (h *FqdnSubdomain) Name() string { return "fqdn_subdomain" }

// Process implements Hunter.
func (h *FqdnSubdomain) Process(_ context.Context, stored indicator.Indicator) []indicator.Indicator {
	if !huntable(stored) {
		return nil
	}
	parent, ok := stored.IsSubdomain()
	if !ok {
		return nil
	}
	return indicator.Filter([]indicator.Indicator{stored.Derive(parent, SubdomainDecay, h.now())})
}
