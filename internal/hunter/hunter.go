// Package hunter derives related indicators from newly stored ones and
// resubmits them through the store.
package hunter

import (
	"context"

	"github.com/cif-go/cifstore/internal/indicator"
)

// Decay amounts applied to derived indicators.
const (
	// NSDecay is subtracted from the confidence of nameserver-derived indicators.
	NSDecay = 4.0
	// SubdomainDecay is subtracted from the confidence of parent-domain indicators.
	SubdomainDecay = 3.0
)

// Hunter proposes candidate indicators related to a stored one.
// Process must not mutate its input and returns nil on transient failures.
// Every returned candidate is already classified.
type Hunter interface {
	Name() string
	Process(ctx context.Context, stored indicator.Indicator) []indicator.Indicator
}

// huntable reports whether ind is an fqdn that did not come from a search.
func huntable(ind indicator.Indicator) bool {
	return ind.Itype == indicator.ItypeFQDN && !ind.Tags.Has(indicator.TagSearch)
}
