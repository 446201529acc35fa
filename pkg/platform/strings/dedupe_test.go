package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeFold(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{name: "nil slice", input: nil, expected: nil},
		{name: "empty slice", input: []string{}, expected: []string{}},
		{name: "only blanks", input: []string{"", "   "}, expected: []string{}},
		{
			name:     "case-insensitive duplicates keep first spelling",
			input:    []string{" Panic Attacks ", "panic attacks", "PANIC ATTACKS"},
			expected: []string{"Panic Attacks"},
		},
		{
			name:     "order preserved",
			input:    []string{"insomnia", "Fatigue", "insomnia", "low appetite"},
			expected: []string{"insomnia", "Fatigue", "low appetite"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DedupeFold(tt.input))
		})
	}
}
