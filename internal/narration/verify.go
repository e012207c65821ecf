package narration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// tokenRE matches an ISO date (group 1) or a numeral (group 2): integers,
// optionally with thousands separators, and decimals with an optional sign.
var tokenRE = regexp.MustCompile(`(\b\d{4}-\d{2}-\d{2}\b)|([+-]?(?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d+)?)`)

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

type token struct {
	text string
	date bool
}

// tokenize splits text into date and numeral tokens in order of appearance.
// A sign glued to a preceding word character is dropped, so "week-4" yields
// "4". Digits that are part of an identifier such as "d7_retention" are
// skipped.
func tokenize(text string) []token {
	var out []token
	for _, loc := range tokenRE.FindAllStringSubmatchIndex(text, -1) {
		if loc[2] != -1 {
			out = append(out, token{text: text[loc[2]:loc[3]], date: true})
			continue
		}
		start, end := loc[4], loc[5]
		if start > 0 && isWordByte(text[start-1]) {
			if text[start] != '+' && text[start] != '-' {
				continue
			}
			start++
		}
		out = append(out, token{text: text[start:end]})
	}
	return out
}

// ExtractNumerals returns every numeral token in text in order of appearance.
// ISO dates are returned by ExtractDates instead.
func ExtractNumerals(text string) []string {
	var out []string
	for _, tok := range tokenize(text) {
		if !tok.date {
			out = append(out, tok.text)
		}
	}
	return out
}

// ExtractDates returns every ISO date in text in order of appearance.
func ExtractDates(text string) []string {
	var out []string
	for _, tok := range tokenize(text) {
		if tok.date {
			out = append(out, tok.text)
		}
	}
	return out
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func parseNumeral(tok string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(tok, ",", ""), 64)
}

// Closure holds what a narration may cite: every numeric value of a result
// rounded to 2 decimals, and every ISO date string it carries.
type Closure struct {
	values map[float64]struct{}
	dates  map[string]struct{}
}

// Contains reports whether v, rounded to 2 decimals, is in the closure.
// The sign is significant.
func (c Closure) Contains(v float64) bool {
	_, ok := c.values[round2(v)]
	return ok
}

// ContainsDate reports whether the ISO date d appears in the closure.
func (c Closure) ContainsDate(d string) bool {
	_, ok := c.dates[d]
	return ok
}

// NumericClosure walks the JSON form of v and collects every numeric leaf and
// every string leaf that is an ISO date.
func NumericClosure(v any) (Closure, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Closure{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return Closure{}, fmt.Errorf("failed to decode result: %w", err)
	}

	closure := Closure{values: make(map[float64]struct{}), dates: make(map[string]struct{})}
	var walk func(node any)
	walk = func(node any) {
		switch n := node.(type) {
		case map[string]any:
			for _, child := range n {
				walk(child)
			}
		case []any:
			for _, child := range n {
				walk(child)
			}
		case json.Number:
			if f, err := n.Float64(); err == nil {
				closure.values[round2(f)] = struct{}{}
			}
		case string:
			for _, d := range ExtractDates(n) {
				closure.dates[d] = struct{}{}
			}
		}
	}
	walk(tree)
	return closure, nil
}

// Verify checks every numeral and date in text against the closure of
// result. It returns the tokens that are not in the closure; text citing no
// numbers passes.
func Verify(text string, result any) (ok bool, unknown []string, err error) {
	closure, err := NumericClosure(result)
	if err != nil {
		return false, nil, err
	}
	for _, tok := range tokenize(text) {
		if tok.date {
			if !closure.ContainsDate(tok.text) {
				unknown = append(unknown, tok.text)
			}
			continue
		}
		v, err := parseNumeral(tok.text)
		if err != nil || !closure.Contains(v) {
			unknown = append(unknown, tok.text)
		}
	}
	return len(unknown) == 0, unknown, nil
}
