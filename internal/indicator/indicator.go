// Package indicator defines the normalized representation of one observation
// and the pure helpers used to classify, copy and decay it.
package indicator

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cif-go/cifstore/internal/ciferrors"
)

const (
	// MinConfidence is the confidence floor.
	MinConfidence = 0.0
	// MaxConfidence is the confidence ceiling.
	MaxConfidence = 10.0
	// DefaultGroup is the public visibility scope.
	DefaultGroup = "everyone"
	// TagSearch marks indicators recorded from searches.
	TagSearch = "search"
)

// Tags is a set of labels. It decodes from a JSON list or a comma separated string.
type Tags []string

// UnmarshalJSON accepts ["a","b"] as well as "a,b".
func (t *Tags) UnmarshalJSON(data []byte) error {
	var list []string
	if errList := json.Unmarshal(data, &list); errList == nil {
		*t = Tags(list)
		return nil
	}
	var joined string
	if errString := json.Unmarshal(data, &joined); errString != nil {
		return fmt.Errorf("tags: expected list or string")
	}
	*t = ParseTags(joined)
	return nil
}

// ParseTags splits a comma separated tag list.
func ParseTags(raw string) Tags {
	if strings.TrimSpace(raw) == "" {
		return Tags{}
	}
	return Tags(strings.Split(raw, ","))
}

// Normalize lower-cases, trims, de-duplicates and sorts the tags. A comma
// inside an element separates tags, so "a,b" and ["a","b"] are one set.
func (t Tags) Normalize() Tags {
	seen := make(map[string]struct{}, len(t))
	out := make(Tags, 0, len(t))
	for _, element := range t {
		for _, tag := range strings.Split(element, ",") {
			tag = strings.ToLower(strings.TrimSpace(tag))
			if tag == "" {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}

// Has reports whether the set contains tag.
func (t Tags) Has(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, v := range t {
		if strings.ToLower(strings.TrimSpace(v)) == tag {
			return true
		}
	}
	return false
}

// Key is the canonical identity form of the tag set.
func (t Tags) Key() string {
	return strings.Join(t.Normalize(), ",")
}

// Indicator is one observation of an observable.
type Indicator struct {
	ID          string    `json:"id,omitempty"`
	Indicator   string    `json:"indicator"`
	Itype       Itype     `json:"itype,omitempty"`
	Tags        Tags      `json:"tags"`
	Provider    string    `json:"provider,omitempty"`
	Group       string    `json:"group,omitempty"`
	Confidence  float64   `json:"confidence"`
	FirstTime   time.Time `json:"firsttime,omitzero"`
	LastTime    time.Time `json:"lasttime,omitzero"`
	ReportTime  time.Time `json:"reporttime,omitzero"`
	Rdata       string    `json:"rdata,omitempty"`
	Count       int       `json:"count,omitempty"`
	Description string    `json:"description,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	TLP         string    `json:"tlp,omitempty"`
}

// Identity is the tuple that decides merge versus insert.
type Identity struct {
	Indicator string
	Itype     Itype
	Provider  string
	Group     string
	TagsKey   string
}

// String renders the identity as a lock key.
func (id Identity) String() string {
	return strings.Join([]string{id.Indicator, string(id.Itype), id.Provider, id.Group, id.TagsKey}, "\x1f")
}

// Identity returns the identity tuple. Call it on a normalized indicator.
func (i Indicator) Identity() Identity {
	return Identity{
		Indicator: i.Indicator,
		Itype:     i.Itype,
		Provider:  i.Provider,
		Group:     i.Group,
		TagsKey:   i.Tags.Key(),
	}
}

// Clone returns a deep copy.
func (i Indicator) Clone() Indicator {
	out := i
	if i.Tags != nil {
		out.Tags = append(Tags(nil), i.Tags...)
	}
	return out
}

// Derive copies every field of i, then points the copy at value: the itype is
// cleared for reclassification, rdata records i as the source, the id and
// count are reset, the confidence is decayed and the timestamps set to now.
func (i Indicator) Derive(value string, decay float64, now time.Time) Indicator {
	out := i.Clone()
	out.ID = ""
	out.Indicator = value
	out.Itype = ""
	out.Rdata = i.Indicator
	out.Count = 0
	out.Confidence = Decay(i.Confidence, decay)
	now = now.UTC()
	out.FirstTime = now
	out.LastTime = now
	out.ReportTime = now
	return out
}

// Decay lowers confidence by amount, floored at MinConfidence.
func Decay(confidence, amount float64) float64 {
	if amount < 0 || math.IsNaN(amount) {
		amount = 0
	}
	return ClampConfidence(confidence - amount)
}

// ClampConfidence bounds c to [MinConfidence, MaxConfidence].
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < MinConfidence {
		return MinConfidence
	}
	if c > MaxConfidence {
		return MaxConfidence
	}
	return c
}

// Normalize classifies the observable and canonicalizes every field the
// identity depends on. A caller supplied itype must be known and must agree
// with the classification.
func Normalize(in Indicator, now time.Time) (Indicator, error) {
	out := in.Clone()
	res := Classify(out.Indicator)
	if res.Err != nil {
		return Indicator{}, res.Err
	}
	if strings.TrimSpace(string(out.Itype)) != "" {
		given, ok := ParseItype(string(out.Itype))
		if !ok {
			return Indicator{}, ciferrors.InvalidIndicator(out.Indicator, fmt.Sprintf("unrecognized itype %q", out.Itype))
		}
		if !given.Matches(res.Itype) {
			return Indicator{}, ciferrors.InvalidIndicator(out.Indicator, fmt.Sprintf("itype %q does not match %q", given, res.Itype))
		}
	}
	out.Indicator = res.Normalized
	out.Itype = res.Itype
	out.Tags = out.Tags.Normalize()
	out.Provider = strings.TrimSpace(out.Provider)
	out.Group = strings.TrimSpace(out.Group)
	if out.Group == "" {
		out.Group = DefaultGroup
	}
	out.Rdata = strings.TrimSpace(out.Rdata)
	out.Confidence = ClampConfidence(out.Confidence)

	now = now.UTC()
	if out.LastTime.IsZero() {
		out.LastTime = now
	}
	out.LastTime = out.LastTime.UTC()
	if out.FirstTime.IsZero() || out.FirstTime.After(out.LastTime) {
		out.FirstTime = out.LastTime
	}
	out.FirstTime = out.FirstTime.UTC()
	if out.ReportTime.IsZero() {
		out.ReportTime = now
	}
	out.ReportTime = out.ReportTime.UTC()
	return out, nil
}

// Filter keeps the candidates that classify, rewriting each with its
// normalized observable and itype. Unclassifiable candidates are dropped.
func Filter(candidates []Indicator) []Indicator {
	out := make([]Indicator, 0, len(candidates))
	for _, c := range candidates {
		res := Classify(c.Indicator)
		if !res.OK() {
			continue
		}
		c.Indicator = res.Normalized
		c.Itype = res.Itype
		out = append(out, c)
	}
	return out
}
