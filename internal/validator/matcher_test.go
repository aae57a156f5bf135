package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExactSetMatcher(t *testing.T) {
	t.Parallel()

	m := NewExactSetMatcher("stats", "search", "", "  ")

	assert.True(t, m.Match("search"))
	assert.True(t, m.Match("stats"))
	assert.False(t, m.Match(""))
	assert.False(t, m.Match("searc"))
	assert.Equal(t, "exact", m.Type())
	assert.Equal(t, "search,stats", m.Pattern())
}

func TestNumericSuffixMatcher(t *testing.T) {
	t.Parallel()

	m := NewNumericSuffixMatcher("item/")

	tests := map[string]bool{
		"item/1":       true,
		"item/0042":    true,
		"item/":        false,
		"item/1a":      false,
		"item/ 1":      false,
		"items/1":      false,
		"xitem/1":      false,
		"item/1.5":     false,
		"item/+1":      false,
		"item/1\n":     false,
		"item/9999999": true,
	}
	for op, want := range tests {
		assert.Equal(t, want, m.Match(op), op)
	}
	assert.Equal(t, "numeric-suffix", m.Type())
	assert.Equal(t, "item/{digits}", m.Pattern())

	assert.False(t, NewNumericSuffixMatcher("").Match("1"))
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", truncateRunes("abc", 0))
	assert.Equal(t, "ab", truncateRunes("abc", 2))
	assert.Equal(t, "abc", truncateRunes("abc", 3))
	assert.Equal(t, "abc", truncateRunes("abc", 10))
	assert.Equal(t, "日本", truncateRunes("日本語", 2))
}
