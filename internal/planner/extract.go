package planner

import (
	"encoding/json"
	"errors"
	"strings"
)

var errNoJSONObject = errors.New("no JSON object in completion")

// extractPlanJSON returns the first well-formed JSON object in a completion.
// The body of a markdown fence is searched before the whole response, so
// prose around the fence is ignored.
func extractPlanJSON(response string) (json.RawMessage, error) {
	candidates := []string{response}
	if body, ok := fencedBody(response); ok {
		candidates = []string{body, response}
	}
	for _, c := range candidates {
		if raw, ok := firstObject(c); ok {
			return raw, nil
		}
	}
	return nil, errNoJSONObject
}

// fencedBody returns the content of the first ``` block, without its
// language tag.
func fencedBody(s string) (string, bool) {
	_, rest, ok := strings.Cut(s, "```")
	if !ok {
		return "", false
	}
	body, _, ok := strings.Cut(rest, "```")
	if !ok {
		return "", false
	}
	if tag, after, found := strings.Cut(body, "\n"); found && !strings.Contains(tag, "{") {
		body = after
	}
	return body, true
}

// firstObject tries to decode an object at each '{' in s in turn. The decoder
// stops after one value, so trailing prose is not an error.
func firstObject(s string) (json.RawMessage, bool) {
	for i := strings.IndexByte(s, '{'); i != -1; {
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(s[i:])).Decode(&raw); err == nil {
			return raw, true
		}
		next := strings.IndexByte(s[i+1:], '{')
		if next == -1 {
			break
		}
		i += next + 1
	}
	return nil, false
}
