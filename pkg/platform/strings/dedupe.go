// Package strings holds list helpers for free-text intake fields.
package strings

import (
	"strings"
)

// DedupeFold trims each value, drops empties and removes case-insensitive
// duplicates. The first spelling of each value is kept, in input order.
//
//	DedupeFold([]string{" Panic ", "panic", "", "insomnia"})
//	// []string{"Panic", "insomnia"}
func DedupeFold(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
