package hunter

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/cif-go/cifstore/internal/indicator"
	internalsettings "github.com/cif-go/cifstore/internal/settings"
	log "github.com/sirupsen/logrus"
)

// Resolver looks up nameservers. *net.Resolver satisfies it.
type Resolver interface {
	LookupNS(ctx context.Context, name string) ([]*net.NS, error)
}

// FqdnNS derives one indicator per nameserver of a domain.
type FqdnNS struct {
	resolver Resolver
	timeout  time.Duration
	now      func() time.Time
}

// NewFqdnNS constructs the nameserver hunter. A nil resolver uses net.DefaultResolver.
func NewFqdnNS(resolver Resolver, timeout time.Duration) *FqdnNS {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = internalsettings.DefaultResolveTimeout
	}
	return &FqdnNS{resolver: resolver, timeout: timeout, now: time.Now}
}

// Name implements Hunter.
func (h *FqdnNS) Name() string { return "fqdn_ns" }

// Process implements Hunter.
func (h *FqdnNS) Process(ctx context.Context, stored indicator.Indicator) []indicator.Indicator {
	if !huntable(stored) {
		return nil
	}
	ctxLookup, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	records, errLookup := h.resolver.LookupNS(ctxLookup, stored.Indicator)
	if errLookup != nil {
		log.WithError(errLookup).WithField("fqdn", stored.Indicator).Debug("hunter fqdn_ns: lookup failed")
		return nil
	}

	now := h.now()
	candidates := make([]indicator.Indicator, 0, len(records))
	for _, rr := range records {
		if rr == nil {
			continue
		}
		host := strings.TrimSuffix(strings.TrimSpace(rr.Host), ".")
		if host == "" || strings.EqualFold(host, "localhost") {
			continue
		}
		candidates = append(candidates, stored.Derive(host, NSDecay, now))
	}
	return indicator.Filter(candidates)
}
