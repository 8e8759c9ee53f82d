// Package normalize canonicalizes street strings for equality comparison.
//
// Two policies exist because historical data was produced with both. They are
// not interchangeable: compare values only when both sides were normalized
// with the same policy.
package normalize

import (
	"regexp"
	"strings"
)

type Policy int

const (
	// PolicyWholeWord abbreviates every street-type word in the string.
	PolicyWholeWord Policy = iota
	// PolicyLastToken expands the final token to one canonical street-type word.
	PolicyLastToken
)

func (p Policy) Apply(s string) string {
	if p == PolicyLastToken {
		return Address(s)
	}
	return Street(s)
}

func (p Policy) String() string {
	if p == PolicyLastToken {
		return "last-token"
	}
	return "whole-word"
}

var wholeWordReplacements = []struct {
	pattern *regexp.Regexp
	abbrev  string
}{
	{regexp.MustCompile(`\bterrace\b`), "ter"},
	{regexp.MustCompile(`\bcircle\b`), "cir"},
	{regexp.MustCompile(`\bcourt\b`), "ct"},
	{regexp.MustCompile(`\bdrive\b`), "dr"},
	{regexp.MustCompile(`\bstreet\b`), "st"},
	{regexp.MustCompile(`\bavenue\b`), "ave"},
	{regexp.MustCompile(`\broad\b`), "rd"},
	{regexp.MustCompile(`\blane\b`), "ln"},
	{regexp.MustCompile(`\bsquare\b`), "sq"},
	{regexp.MustCompile(`\bplace\b`), "pl"},
	{regexp.MustCompile(`\bboulevard\b`), "blvd"},
}

// Street applies the whole-word policy. The result is idempotent.
func Street(s string) string {
	out := strings.ToLower(s)
	for _, r := range wholeWordReplacements {
		out = r.pattern.ReplaceAllString(out, r.abbrev)
	}
	return collapse(out)
}

var lastTokenCanonical = map[string]string{
	"st":        "street",
	"str":       "street",
	"street":    "street",
	"ave":       "avenue",
	"av":        "avenue",
	"avenue":    "avenue",
	"dr":        "drive",
	"drv":       "drive",
	"drive":     "drive",
	"rd":        "road",
	"road":      "road",
	"ln":        "lane",
	"lane":      "lane",
	"ct":        "court",
	"crt":       "court",
	"court":     "court",
	"cir":       "circle",
	"circ":      "circle",
	"circle":    "circle",
	"ter":       "terrace",
	"terr":      "terrace",
	"terrace":   "terrace",
	"pl":        "place",
	"place":     "place",
	"sq":        "square",
	"square":    "square",
	"blvd":      "boulevard",
	"boulevard": "boulevard",
	"pkwy":      "parkway",
	"parkway":   "parkway",
	"hwy":       "highway",
	"highway":   "highway",
	"way":       "way",
}

// Address applies the last-token policy: only the final whitespace-delimited
// token is mapped, so "Court St" becomes "court street".
func Address(s string) string {
	tokens := strings.Fields(strings.ToLower(s))
	if len(tokens) == 0 {
		return ""
	}
	last := strings.TrimRight(tokens[len(tokens)-1], ".,;")
	if canonical, ok := lastTokenCanonical[last]; ok {
		last = canonical
	}
	if last == "" {
		tokens = tokens[:len(tokens)-1]
	} else {
		tokens[len(tokens)-1] = last
	}
	return strings.Join(tokens, " ")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
