package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

const (
	planKeyPrefix   = "plan:"
	resultKeyPrefix = "result:"
)

// NormalizeQuestion lowercases q, collapses every run of non-alphanumeric
// characters into one space and trims the result.
func NormalizeQuestion(q string) string {
	var b strings.Builder
	b.Grow(len(q))
	pendingSpace := false
	for _, r := range strings.ToLower(q) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}
	return b.String()
}

// PlanKey identifies the compiled plan for a question. It has no tenant
// component: the plan is a tenant-agnostic parse of intent.
func PlanKey(question string) string {
	return planKeyPrefix + sha256Hex([]byte(NormalizeQuestion(question)))
}

// ResultKey identifies the computed result of plan for a tenant.
func ResultKey(tenantID string, plan any) (string, error) {
	h, err := ContentHash(plan)
	if err != nil {
		return "", err
	}
	return resultKeyPrefix + sha256Hex([]byte(tenantID+"\x00"+h)), nil
}

// ContentHash is the sha256 of v's canonical JSON form. Object key order never
// affects it.
func ContentHash(v any) (string, error) {
	canonical, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	return sha256Hex(canonical), nil
}

// canonicalJSON re-encodes v through a generic value so struct field order and
// map iteration order are replaced by encoding/json's sorted map keys.
func canonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return json.Marshal(generic)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
