package validator

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Rule normalizes one raw parameter value. ok is false when the value
// cannot be represented and the parameter should be dropped.
type Rule interface {
	Apply(raw any) (value string, ok bool)
}

// TextRule trims free text and truncates it to MaxLength characters.
// Text is NFC-normalized first so a character is never split from its
// combining marks by the cut.
type TextRule struct {
	MaxLength int
}

// Apply implements Rule.
func (r TextRule) Apply(raw any) (string, bool) {
	s, ok := primitiveString(raw)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(norm.NFC.String(s))
	return truncateRunes(s, r.MaxLength), true
}

// IntRangeRule coerces a value to an integer clamped to [Min, Max].
// Non-numeric, null and empty values become Default.
type IntRangeRule struct {
	Min     int
	Max     int
	Default int
}

// Apply implements Rule. It never drops a value.
func (r IntRangeRule) Apply(raw any) (string, bool) {
	f, ok := numericValue(raw)
	if !ok {
		return strconv.Itoa(r.Default), true
	}
	f = math.Trunc(f)
	switch {
	case f < float64(r.Min):
		return strconv.Itoa(r.Min), true
	case f > float64(r.Max):
		return strconv.Itoa(r.Max), true
	}
	return strconv.Itoa(int(f)), true
}

// StringRule passes a value through as a trimmed string.
type StringRule struct{}

// Apply implements Rule.
func (StringRule) Apply(raw any) (string, bool) {
	s, ok := primitiveString(raw)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// primitiveString renders JSON primitives as strings. Objects and arrays
// are not primitives and are rejected.
func primitiveString(raw any) (string, bool) {
	switch v := raw.(type) {
	case nil:
		return "", true
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case interface{ String() string }:
		return v.String(), true
	default:
		return "", false
	}
}

// numericValue extracts a finite or infinite number; NaN and non-numbers
// report false.
func numericValue(raw any) (float64, bool) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return 0, false
		}
		f = parsed
	case interface{ String() string }:
		return numericValue(v.String())
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}
