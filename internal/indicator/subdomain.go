package indicator

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// IsSubdomain returns the registered parent domain when the indicator is an
// fqdn below its eTLD+1 (www.example.co.uk -> example.co.uk).
func (i Indicator) IsSubdomain() (string, bool) {
	if i.Itype != ItypeFQDN {
		return "", false
	}
	host := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(i.Indicator), "."))
	registered, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil || registered == "" || registered == host {
		return "", false
	}
	return registered, true
}
