package feeds

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"

	"github.com/cif-go/cifstore/internal/indicator"
)

// Supported feed formats.
const (
	// FormatPlain is one observable per line; the first field is used.
	FormatPlain = "plain"
	// FormatHostfile is "address host" lines as found in hosts-style block lists.
	FormatHostfile = "hostfile"
	// FormatJSON is a JSON array of indicator objects or strings.
	FormatJSON = "json"
)

const maxLineBytes = 64 * 1024

// ParseResult holds the candidates parsed from a feed body.
type ParseResult struct {
	Indicators []indicator.Indicator
	Skipped    int
}

// ParseFeed parses body according to format. Lines that are blank or
// comments are ignored, values that do not classify are counted in Skipped.
// feed supplies the defaults applied to every candidate.
func ParseFeed(format string, body []byte, feed Feed) (ParseResult, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatPlain:
		return parseLines(body, feed, plainValue)
	case FormatHostfile:
		return parseLines(body, feed, hostfileValue)
	case FormatJSON:
		return parseJSON(body, feed)
	default:
		return ParseResult{}, fmt.Errorf("feeds: unsupported format %q", format)
	}
}

func parseLines(body []byte, feed Feed, extract func(string) (string, bool)) (ParseResult, error) {
	var res ParseResult
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if idx := strings.Index(line, " #"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		value, ok := extract(line)
		if !ok {
			res.Skipped++
			continue
		}
		if cand, okCand := feed.candidate(indicator.Indicator{Indicator: value}); okCand {
			res.Indicators = append(res.Indicators, cand)
		} else {
			res.Skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("feeds: scan: %w", err)
	}
	return res, nil
}

func plainValue(line string) (string, bool) {
	fields := strings.FieldsFunc(line, func(r rune) bool { return r == ' ' || r == '\t' || r == ',' || r == ';' })
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}

func hostfileValue(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", false
	}
	if _, err := netip.ParseAddr(fields[0]); err != nil {
		return "", false
	}
	host := fields[1]
	switch strings.ToLower(host) {
	case "localhost", "localhost.localdomain", "local", "broadcasthost", "0.0.0.0":
		return "", false
	}
	return host, true
}

func parseJSON(body []byte, feed Feed) (ParseResult, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return ParseResult{}, fmt.Errorf("feeds: decode json: %w", err)
	}
	var res ParseResult
	for _, item := range raw {
		var in indicator.Indicator
		var value string
		if errString := json.Unmarshal(item, &value); errString == nil {
			in.Indicator = value
		} else if errObject := json.Unmarshal(item, &in); errObject != nil {
			res.Skipped++
			continue
		}
		if cand, ok := feed.candidate(in); ok {
			res.Indicators = append(res.Indicators, cand)
		} else {
			res.Skipped++
		}
	}
	return res, nil
}
