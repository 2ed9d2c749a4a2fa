package tokens

import (
	"encoding/json"
	"sort"
	"strings"
)

// NormalizeGroups trims, de-duplicates, and sorts group names.
func NormalizeGroups(groups []string) []string {
	if len(groups) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(groups))
	normalized := make([]string, 0, len(groups))
	for _, group := range groups {
		trimmed := strings.TrimSpace(group)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	sort.Strings(normalized)
	return normalized
}

// ParseGroups parses and normalizes groups from JSON.
func ParseGroups(raw []byte) []string {
	if len(raw) == 0 {
		return []string{}
	}
	var groups []string
	if err := json.Unmarshal(raw, &groups); err != nil {
		return []string{}
	}
	return NormalizeGroups(groups)
}

// MarshalGroups serializes normalized groups to JSON.
func MarshalGroups(groups []string) ([]byte, error) {
	return json.Marshal(NormalizeGroups(groups))
}

// HasGroup checks whether group exists in the list.
func HasGroup(groups []string, group string) bool {
	group = strings.TrimSpace(group)
	if group == "" {
		return false
	}
	for _, g := range groups {
		if g == group {
			return true
		}
	}
	return false
}
