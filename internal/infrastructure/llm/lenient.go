package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// The lenient parser is the bounded recovery surface for malformed model
// output. It repairs the two failure shapes seen in practice (markdown
// fencing and mid-object truncation) and otherwise gives up; it never
// fabricates fields that were not present in the text.

var (
	fenceExpr = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

	nameExpr    = regexp.MustCompile(`"name"\s*:\s*"([^"]*)"?`)
	startExpr   = regexp.MustCompile(`"start_date"\s*:\s*"([^"]*)"?`)
	endExpr     = regexp.MustCompile(`"end_date"\s*:\s*"([^"]*)"?`)
	cityExpr    = regexp.MustCompile(`"city"\s*:\s*"([^"]*)"?`)
	countryExpr = regexp.MustCompile(`"country"\s*:\s*"([^"]*)"?`)
	venueExpr   = regexp.MustCompile(`"venue"\s*:\s*"([^"]*)"?`)
	urlExpr     = regexp.MustCompile(`"url"\s*:\s*"([^"]*)"?`)
)

// DecodeLenient unmarshals raw model output into v, first directly, then
// after stripping markdown fences and balancing unterminated braces.
func DecodeLenient(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}

	cleaned := stripFences(raw)
	if err := json.Unmarshal([]byte(cleaned), v); err == nil {
		return nil
	}

	repaired := balance(cleaned)
	return json.Unmarshal([]byte(repaired), v)
}

func stripFences(raw string) string {
	if m := fenceExpr.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	// Cut anything before the first opening brace (prose preambles).
	if i := strings.IndexByte(raw, '{'); i > 0 {
		return raw[i:]
	}
	return raw
}

// balance closes an unterminated string and appends the deficit of closing
// brackets/braces so a truncated object becomes decodable.
func balance(raw string) string {
	var (
		depth    []byte
		inString bool
		escaped  bool
	)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth = append(depth, '}')
			}
		case '[':
			if !inString {
				depth = append(depth, ']')
			}
		case '}', ']':
			if !inString && len(depth) > 0 && depth[len(depth)-1] == c {
				depth = depth[:len(depth)-1]
			}
		}
	}

	out := raw
	// A value cut mid-token ("start_date": or "relevance": 7) would still be
	// invalid after closing; trim back to the last complete value.
	out = strings.TrimRight(out, " \t\r\n")
	if inString {
		out += `"`
	}
	out = strings.TrimRight(out, ",")
	if strings.HasSuffix(strings.TrimRight(out, " "), ":") {
		out = strings.TrimRight(out, ": ")
		if i := strings.LastIndexByte(out, ','); i >= 0 {
			out = out[:i]
		}
	}
	// A key that never got its colon ({"index": 1, "relevant") is also
	// invalid; a trailing string is only kept when a colon precedes it.
	if strings.HasSuffix(out, `"`) && len(out) > 1 {
		if i := strings.LastIndexByte(out[:len(out)-1], '"'); i >= 0 {
			before := strings.TrimRight(out[:i], " \t\r\n")
			if strings.HasSuffix(before, ",") || strings.HasSuffix(before, "{") || strings.HasSuffix(before, "[") {
				out = strings.TrimRight(before, ", \t\r\n")
			}
		}
	}
	for i := len(depth) - 1; i >= 0; i-- {
		out += string(depth[i])
	}
	return out
}

// recoveredEvent holds the minimum viable record pulled field-by-field from a
// response that was clearly cut off mid-object.
type recoveredEvent struct {
	Name      string
	StartDate string
	EndDate   string
	City      string
	Country   string
	Venue     string
	URL       string
}

// RecoverEvent attempts regex extraction from a truncated event response.
// It returns nil unless the text contains a name plus at least one date or
// location signal; partial garbage degrades to "no recovery" rather than a
// fabricated record.
func RecoverEvent(raw string) *recoveredEvent {
	first := func(re *regexp.Regexp) string {
		if m := re.FindStringSubmatch(raw); m != nil {
			return strings.TrimSpace(m[1])
		}
		return ""
	}

	ev := &recoveredEvent{
		Name:      first(nameExpr),
		StartDate: first(startExpr),
		EndDate:   first(endExpr),
		City:      first(cityExpr),
		Country:   first(countryExpr),
		Venue:     first(venueExpr),
		URL:       first(urlExpr),
	}
	if ev.Name == "" {
		return nil
	}
	if ev.StartDate == "" && ev.City == "" && ev.Venue == "" {
		return nil
	}
	return ev
}
