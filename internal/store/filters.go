package store

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cif-go/cifstore/internal/ciferrors"
	"github.com/cif-go/cifstore/internal/db"
	"github.com/cif-go/cifstore/internal/indicator"
	internalsettings "github.com/cif-go/cifstore/internal/settings"
	"gorm.io/gorm"
)

// Filter keys accepted by ParseFilters.
const (
	FilterID            = "id"
	FilterIndicator     = "indicator"
	FilterQuery         = "q"
	FilterItype         = "itype"
	FilterTags          = "tags"
	FilterConfidence    = "confidence"
	FilterProvider      = "provider"
	FilterGroup         = "group"
	FilterFirstTime     = "firsttime"
	FilterLastTime      = "lasttime"
	FilterReportTime    = "reporttime"
	FilterReportTimeEnd = "reporttimeend"
	FilterLimit         = "limit"
	FilterNoLog         = "nolog"
)

var knownFilters = map[string]struct{}{
	FilterID: {}, FilterIndicator: {}, FilterQuery: {}, FilterItype: {}, FilterTags: {},
	FilterConfidence: {}, FilterProvider: {}, FilterGroup: {}, FilterFirstTime: {},
	FilterLastTime: {}, FilterReportTime: {}, FilterReportTimeEnd: {}, FilterLimit: {},
	FilterNoLog: {},
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Filters selects indicators for search and delete.
type Filters struct {
	ID            string
	Indicator     string
	Query         string
	Itype         indicator.Itype
	Tags          []string
	Confidence    *float64
	Provider      string
	Group         string
	FirstTime     time.Time
	LastTime      time.Time
	ReportTime    time.Time
	ReportTimeEnd time.Time
	Limit         int
	NoLog         bool
}

// ParseFilters builds Filters from string pairs. Unknown keys and
// unparsable values fail with ErrInvalidSearch.
func ParseFilters(values map[string]string) (Filters, error) {
	var f Filters
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, rawKey := range keys {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if _, ok := knownFilters[key]; !ok {
			return Filters{}, ciferrors.InvalidSearch("unknown filter %q", rawKey)
		}
		value := strings.TrimSpace(values[rawKey])
		if value == "" && key != FilterNoLog {
			continue
		}
		switch key {
		case FilterID:
			f.ID = value
		case FilterIndicator:
			if res := indicator.Classify(value); res.OK() {
				f.Indicator = res.Normalized
			} else {
				f.Indicator = strings.ToLower(value)
			}
		case FilterQuery:
			f.Query = strings.ToLower(value)
		case FilterItype:
			itype, ok := indicator.ParseItype(value)
			if !ok {
				return Filters{}, ciferrors.InvalidSearch("unknown itype %q", value)
			}
			f.Itype = itype
		case FilterTags:
			f.Tags = indicator.ParseTags(value).Normalize()
		case FilterConfidence:
			c, errParse := strconv.ParseFloat(value, 64)
			if errParse != nil || c < indicator.MinConfidence || c > indicator.MaxConfidence {
				return Filters{}, ciferrors.InvalidSearch("confidence must be a number in [0, 10], got %q", value)
			}
			f.Confidence = &c
		case FilterProvider:
			f.Provider = value
		case FilterGroup:
			f.Group = value
		case FilterFirstTime, FilterLastTime, FilterReportTime, FilterReportTimeEnd:
			ts, errParse := parseTime(value)
			if errParse != nil {
				return Filters{}, ciferrors.InvalidSearch("%s: unparsable time %q", key, value)
			}
			switch key {
			case FilterFirstTime:
				f.FirstTime = ts
			case FilterLastTime:
				f.LastTime = ts
			case FilterReportTime:
				f.ReportTime = ts
			default:
				f.ReportTimeEnd = ts
			}
		case FilterLimit:
			n, errParse := strconv.Atoi(value)
			if errParse != nil || n <= 0 {
				return Filters{}, ciferrors.InvalidSearch("limit must be a positive integer, got %q", value)
			}
			f.Limit = min(n, internalsettings.MaxSearchLimit)
		case FilterNoLog:
			if value == "" {
				f.NoLog = true
				continue
			}
			b, errParse := strconv.ParseBool(value)
			if errParse != nil {
				return Filters{}, ciferrors.InvalidSearch("nolog must be a boolean, got %q", value)
			}
			f.NoLog = b
		}
	}
	if !f.ReportTime.IsZero() && !f.ReportTimeEnd.IsZero() && f.ReportTimeEnd.Before(f.ReportTime) {
		return Filters{}, ciferrors.InvalidSearch("reporttimeend is before reporttime")
	}
	return f, nil
}

func parseTime(value string) (time.Time, error) {
	var errLast error
	for _, layout := range timeLayouts {
		ts, errParse := time.Parse(layout, value)
		if errParse == nil {
			return ts.UTC(), nil
		}
		errLast = errParse
	}
	return time.Time{}, errLast
}

// IsEmpty reports whether no selection criterion is set. Limit and NoLog
// do not count.
func (f Filters) IsEmpty() bool {
	return f.ID == "" &&
		f.Indicator == "" &&
		f.Query == "" &&
		f.Itype == "" &&
		len(f.Tags) == 0 &&
		f.Confidence == nil &&
		f.Provider == "" &&
		f.Group == "" &&
		f.FirstTime.IsZero() &&
		f.LastTime.IsZero() &&
		f.ReportTime.IsZero() &&
		f.ReportTimeEnd.IsZero()
}

// apply adds the filter conditions to q.
func (f Filters) apply(conn *gorm.DB, q *gorm.DB) *gorm.DB {
	if f.ID != "" {
		q = q.Where("uuid = ?", f.ID)
	}
	if f.Indicator != "" {
		q = q.Where("indicator = ?", f.Indicator)
	}
	if f.Query != "" {
		cond, arg := db.ContainsFold(conn, "indicator", f.Query)
		q = q.Where(cond, arg)
	}
	switch f.Itype {
	case "":
	case indicator.ItypeHash:
		hashes := make([]string, 0, len(indicator.HashItypes))
		for _, it := range indicator.HashItypes {
			hashes = append(hashes, string(it))
		}
		q = q.Where("itype IN ?", hashes)
	default:
		q = q.Where("itype = ?", string(f.Itype))
	}
	if cond, args := db.AnyTag(conn, "tags", f.Tags); cond != "" {
		q = q.Where(cond, args...)
	}
	if f.Confidence != nil {
		q = q.Where("confidence >= ?", *f.Confidence)
	}
	if f.Provider != "" {
		q = q.Where("provider = ?", f.Provider)
	}
	if f.Group != "" {
		q = q.Where("group_name = ?", f.Group)
	}
	if !f.FirstTime.IsZero() {
		q = q.Where("first_time >= ?", f.FirstTime)
	}
	if !f.LastTime.IsZero() {
		q = q.Where("last_time >= ?", f.LastTime)
	}
	if !f.ReportTime.IsZero() {
		q = q.Where("report_time >= ?", f.ReportTime)
	}
	if !f.ReportTimeEnd.IsZero() {
		q = q.Where("report_time <= ?", f.ReportTimeEnd)
	}
	return q
}
