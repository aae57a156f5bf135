package validator

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/vyrodovalexey/keygate/internal/config"
)

// Validation errors.
var (
	// ErrMissingOperation is returned when the operation field is absent or blank.
	ErrMissingOperation = errors.New("missing operation")

	// ErrInvalidOperation is returned when the operation is not on the allow-list.
	ErrInvalidOperation = errors.New("invalid operation")
)

// ParamSpec maps each permitted parameter name to its normalization rule.
type ParamSpec map[string]Rule

// Request is a validated operation with its sanitized parameters.
type Request struct {
	Operation string
	// Family is the operation with any numeric identifier collapsed, e.g.
	// "item/{digits}". Its value set is bounded by the allow-list.
	Family string
	Params map[string]string
	// Dropped lists the sorted names of parameters that had no rule or an
	// unrepresentable value.
	Dropped []string
}

// OperationFamily returns Family, or "other" when the request was built
// without validation.
func (r *Request) OperationFamily() string {
	if r.Family == "" {
		return "other"
	}
	return r.Family
}

// Query encodes the sanitized parameters. Keys are sorted.
func (r *Request) Query() url.Values {
	q := make(url.Values, len(r.Params))
	for k, v := range r.Params {
		q.Set(k, v)
	}
	return q
}

// Validator checks operations against an AllowList and sanitizes
// parameters against a ParamSpec.
type Validator struct {
	allow AllowList
	spec  ParamSpec
}

// New creates a Validator from explicit parts.
func New(allow AllowList, spec ParamSpec) *Validator {
	return &Validator{allow: allow, spec: spec}
}

// NewFromConfig builds the allow-list and parameter rules from configuration.
func NewFromConfig(cfg config.ValidatorConfig) *Validator {
	allow := AllowList{NewExactSetMatcher(cfg.AllowedOperations...)}
	if cfg.PatternPrefix != "" {
		allow = append(allow, NewNumericSuffixMatcher(cfg.PatternPrefix))
	}

	spec := make(ParamSpec)
	for _, name := range cfg.PassthroughParams {
		spec[name] = StringRule{}
	}
	for _, name := range cfg.PagingParams {
		spec[name] = IntRangeRule{Min: cfg.PageMin, Max: cfg.PageMax, Default: cfg.PageMin}
	}
	if cfg.QueryParam != "" {
		spec[cfg.QueryParam] = TextRule{MaxLength: cfg.QueryMaxLength}
	}

	return New(allow, spec)
}

// NormalizeOperation trims whitespace and a single leading slash.
func NormalizeOperation(operation string) string {
	op := strings.TrimSpace(operation)
	return strings.TrimPrefix(op, "/")
}

// Validate checks the operation and sanitizes params. The input map is not
// modified.
func (v *Validator) Validate(operation string, params map[string]any) (*Request, error) {
	op := NormalizeOperation(operation)
	if op == "" {
		return nil, ErrMissingOperation
	}
	family, ok := v.allow.Family(op)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, op)
	}

	req := &Request{
		Operation: op,
		Family:    family,
		Params:    make(map[string]string, len(params)),
	}
	for name, raw := range params {
		rule, ok := v.spec[name]
		if !ok {
			req.Dropped = append(req.Dropped, name)
			continue
		}
		value, ok := rule.Apply(raw)
		if !ok {
			req.Dropped = append(req.Dropped, name)
			continue
		}
		req.Params[name] = value
	}
	sort.Strings(req.Dropped)

	return req, nil
}

// Allows reports whether the operation passes the allow-list after
// normalization.
func (v *Validator) Allows(operation string) bool {
	return v.allow.Allows(NormalizeOperation(operation))
}
