package indicator

import (
	"net/netip"
	"net/url"
	"strings"
	"unicode"

	"github.com/cif-go/cifstore/internal/ciferrors"
)

// Itype classifies the observable carried by an indicator.
type Itype string

// Supported itypes.
const (
	ItypeIPv4   Itype = "ipv4"
	ItypeIPv6   Itype = "ipv6"
	ItypeURL    Itype = "url"
	ItypeEmail  Itype = "email"
	ItypeFQDN   Itype = "fqdn"
	ItypeMD5    Itype = "md5"
	ItypeSHA1   Itype = "sha1"
	ItypeSHA256 Itype = "sha256"
	ItypeSHA512 Itype = "sha512"

	// ItypeHash is accepted from callers and matches any digest. Stored
	// indicators always carry the concrete digest itype.
	ItypeHash Itype = "hash"
)

var knownItypes = map[Itype]struct{}{
	ItypeIPv4: {}, ItypeIPv6: {}, ItypeURL: {}, ItypeEmail: {}, ItypeFQDN: {},
	ItypeMD5: {}, ItypeSHA1: {}, ItypeSHA256: {}, ItypeSHA512: {}, ItypeHash: {},
}

// HashItypes lists the concrete digest itypes in ascending length.
var HashItypes = []Itype{ItypeMD5, ItypeSHA1, ItypeSHA256, ItypeSHA512}

// ParseItype validates an itype name supplied by a caller.
func ParseItype(raw string) (Itype, bool) {
	it := Itype(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := knownItypes[it]
	return it, ok
}

// IsHash reports whether the itype is one of the hash digests.
func (it Itype) IsHash() bool {
	switch it {
	case ItypeMD5, ItypeSHA1, ItypeSHA256, ItypeSHA512:
		return true
	default:
		return false
	}
}

// Matches reports whether a caller supplied itype agrees with a classified one.
func (it Itype) Matches(classified Itype) bool {
	if it == ItypeHash {
		return classified.IsHash()
	}
	return it == classified
}

// Result is the outcome of classifying one raw string.
type Result struct {
	Itype      Itype
	Normalized string
	Err        error
}

// OK reports whether classification succeeded.
func (r Result) OK() bool { return r.Err == nil && r.Itype != "" }

type matcher struct {
	itype Itype
	match func(string) (string, bool)
}

// matchers run in priority order; the first accepting matcher wins.
var matchers = []matcher{
	{ItypeIPv4, matchIPv4},
	{ItypeIPv6, matchIPv6},
	{ItypeURL, matchURL},
	{ItypeEmail, matchEmail},
	{ItypeFQDN, matchFQDN},
	{"", matchHash},
}

// Classify determines the itype of raw and returns its normalized form.
// It never panics and has no side effects.
func Classify(raw string) Result {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Result{Err: ciferrors.InvalidIndicator(raw, "empty")}
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return Result{Err: ciferrors.InvalidIndicator(raw, "contains whitespace or control characters")}
		}
	}
	for _, m := range matchers {
		normalized, ok := m.match(s)
		if !ok {
			continue
		}
		it := m.itype
		if it == "" {
			it = hashItype(normalized)
		}
		return Result{Itype: it, Normalized: normalized}
	}
	return Result{Err: ciferrors.InvalidIndicator(raw, "unknown itype")}
}

// ResolveItype returns only the itype of raw.
func ResolveItype(raw string) (Itype, error) {
	res := Classify(raw)
	if res.Err != nil {
		return "", res.Err
	}
	return res.Itype, nil
}

func matchIPv4(s string) (string, bool) {
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil || !prefix.Addr().Is4() {
			return "", false
		}
		return prefix.String(), true
	}
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return "", false
	}
	return addr.String(), true
}

func matchIPv6(s string) (string, bool) {
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil || !prefix.Addr().Is6() {
			return "", false
		}
		return prefix.String(), true
	}
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is6() {
		return "", false
	}
	return addr.String(), true
}

func matchURL(s string) (string, bool) {
	candidate := s
	if !strings.Contains(s, "://") {
		host, rest, found := strings.Cut(s, "/")
		if !found || rest == "" {
			return "", false
		}
		if _, ok := matchFQDN(host); !ok {
			if _, ok := matchIPv4(host); !ok {
				return "", false
			}
		}
		candidate = "http://" + s
	}
	u, err := url.Parse(candidate)
	if err != nil || u.Host == "" || u.Scheme == "" {
		return "", false
	}
	host := u.Hostname()
	if _, ok := matchFQDN(host); !ok {
		if _, errAddr := netip.ParseAddr(host); errAddr != nil {
			return "", false
		}
	}
	return lowerSchemeAndHost(s), true
}

// lowerSchemeAndHost lower-cases the case-insensitive parts of a URL and
// leaves userinfo, path, query and fragment untouched.
func lowerSchemeAndHost(s string) string {
	prefix, rest := "", s
	if scheme, after, found := strings.Cut(s, "://"); found {
		prefix, rest = strings.ToLower(scheme)+"://", after
	}
	end := strings.IndexAny(rest, "/?#")
	if end < 0 {
		end = len(rest)
	}
	authority, tail := rest[:end], rest[end:]
	userinfo := ""
	if at := strings.LastIndex(authority, "@"); at >= 0 {
		userinfo, authority = authority[:at+1], authority[at+1:]
	}
	return prefix + userinfo + strings.ToLower(authority) + tail
}

func matchEmail(s string) (string, bool) {
	local, domain, found := strings.Cut(s, "@")
	if !found || local == "" || strings.Contains(domain, "@") {
		return "", false
	}
	normalizedDomain, ok := matchFQDN(domain)
	if !ok {
		return "", false
	}
	return strings.ToLower(local) + "@" + normalizedDomain, true
}

func matchFQDN(s string) (string, bool) {
	host := strings.ToLower(strings.TrimSuffix(s, "."))
	if host == "" || len(host) > 253 {
		return "", false
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return "", false
	}
	for _, label := range labels {
		if !validLabel(label) {
			return "", false
		}
	}
	tld := labels[len(labels)-1]
	allDigits := true
	for _, r := range tld {
		if r < '0' || r > '9' {
			allDigits = false
			break
		}
	}
	if allDigits {
		return "", false
	}
	return host, true
}

func validLabel(label string) bool {
	if label == "" || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func matchHash(s string) (string, bool) {
	switch len(s) {
	case 32, 40, 64, 128:
	default:
		return "", false
	}
	lower := strings.ToLower(s)
	for _, r := range lower {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return "", false
		}
	}
	return lower, true
}

func hashItype(h string) Itype {
	switch len(h) {
	case 32:
		return ItypeMD5
	case 40:
		return ItypeSHA1
	case 64:
		return ItypeSHA256
	default:
		return ItypeSHA512
	}
}
