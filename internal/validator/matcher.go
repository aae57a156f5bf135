package validator

import (
	"sort"
	"strings"
)

// OperationMatcher reports whether an operation name is permitted.
type OperationMatcher interface {
	Match(operation string) bool
	Type() string
	Pattern() string
}

// ExactSetMatcher matches a fixed set of operation names.
type ExactSetMatcher struct {
	names map[string]struct{}
}

// NewExactSetMatcher creates a matcher for the given names. Empty names are ignored.
func NewExactSetMatcher(names ...string) *ExactSetMatcher {
	m := &ExactSetMatcher{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			m.names[n] = struct{}{}
		}
	}
	return m
}

// Match checks set membership.
func (m *ExactSetMatcher) Match(operation string) bool {
	_, ok := m.names[operation]
	return ok
}

// Type returns the matcher type.
func (m *ExactSetMatcher) Type() string {
	return "exact"
}

// Pattern returns the sorted, comma-separated names.
func (m *ExactSetMatcher) Pattern() string {
	names := make([]string, 0, len(m.names))
	for n := range m.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// NumericSuffixMatcher matches a family prefix followed by one or more
// ASCII decimal digits and nothing else, e.g. "item/482293".
type NumericSuffixMatcher struct {
	prefix string
}

// NewNumericSuffixMatcher creates a matcher for prefix + digits.
func NewNumericSuffixMatcher(prefix string) *NumericSuffixMatcher {
	return &NumericSuffixMatcher{prefix: prefix}
}

// Match checks the prefix and that the remainder is all digits.
func (m *NumericSuffixMatcher) Match(operation string) bool {
	if m.prefix == "" || !strings.HasPrefix(operation, m.prefix) {
		return false
	}
	suffix := operation[len(m.prefix):]
	if suffix == "" {
		return false
	}
	for i := 0; i < len(suffix); i++ {
		if suffix[i] < '0' || suffix[i] > '9' {
			return false
		}
	}
	return true
}

// Type returns the matcher type.
func (m *NumericSuffixMatcher) Type() string {
	return "numeric-suffix"
}

// Pattern returns the pattern in prefix{digits} form.
func (m *NumericSuffixMatcher) Pattern() string {
	return m.prefix + "{digits}"
}

// AllowList is the union of its matchers. An empty list permits nothing.
type AllowList []OperationMatcher

// Allows reports whether any matcher accepts the operation.
func (a AllowList) Allows(operation string) bool {
	_, ok := a.Family(operation)
	return ok
}

// Family returns a bounded name for the operation: the operation itself for
// an exact match, the matcher pattern otherwise. Metrics and span names use
// it so that per-item operations share one series.
func (a AllowList) Family(operation string) (string, bool) {
	for _, m := range a {
		if !m.Match(operation) {
			continue
		}
		if _, exact := m.(*ExactSetMatcher); exact {
			return operation, true
		}
		return m.Pattern(), true
	}
	return "", false
}
