// Package feeds pulls remote indicator lists on a schedule and submits them
// to the store.
package feeds

import (
	"strings"
	"time"

	"github.com/cif-go/cifstore/internal/indicator"
	internalsettings "github.com/cif-go/cifstore/internal/settings"
)

// Feed describes one remote indicator list.
type Feed struct {
	Name       string
	URL        string
	Format     string
	Itype      indicator.Itype // Optional; candidates of other itypes are skipped.
	Tags       []string
	Group      string
	Provider   string
	Confidence float64
	TLP        string
	Interval   time.Duration
}

func (f Feed) interval() time.Duration {
	if f.Interval <= 0 {
		return internalsettings.DefaultFeedInterval
	}
	return f.Interval
}

func (f Feed) provider() string {
	if p := strings.TrimSpace(f.Provider); p != "" {
		return p
	}
	return strings.TrimSpace(f.Name)
}

// candidate applies the feed defaults to in and classifies it. Fields set
// on in win over the feed defaults, except the provider.
func (f Feed) candidate(in indicator.Indicator) (indicator.Indicator, bool) {
	res := indicator.Classify(in.Indicator)
	if !res.OK() {
		return indicator.Indicator{}, false
	}
	if f.Itype != "" && res.Itype != f.Itype {
		return indicator.Indicator{}, false
	}
	out := in.Clone()
	out.ID = ""
	out.Indicator = res.Normalized
	out.Itype = res.Itype
	out.Provider = f.provider()
	out.Tags = append(append(indicator.Tags{}, f.Tags...), in.Tags...).Normalize()
	if out.Group == "" {
		out.Group = f.Group
	}
	if out.Confidence == 0 {
		out.Confidence = f.Confidence
	}
	if out.TLP == "" {
		out.TLP = f.TLP
	}
	if out.Reference == "" {
		out.Reference = f.URL
	}
	return out, true
}
