package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/vyrodovalexey/keygate/internal/config"
)

// CORSPolicy holds pre-computed cross-origin header values. Preflight
// responses carry the full set; every other response carries only the
// allowed origin.
type CORSPolicy struct {
	allowOrigins     map[string]bool
	wildcardPatterns []string // Patterns like "*.example.com"
	allowAllOrigins  bool
	allowMethods     string
	allowHeaders     string
	maxAge           string
}

// NewCORSPolicy creates a policy from config. Empty lists fall back to the
// gateway defaults.
func NewCORSPolicy(cfg config.CORSConfig) *CORSPolicy {
	defaults := config.DefaultConfig().CORS
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = defaults.AllowOrigins
	}
	if len(cfg.AllowMethods) == 0 {
		cfg.AllowMethods = defaults.AllowMethods
	}
	if len(cfg.AllowHeaders) == 0 {
		cfg.AllowHeaders = defaults.AllowHeaders
	}

	p := &CORSPolicy{
		allowOrigins: make(map[string]bool),
		allowMethods: strings.Join(cfg.AllowMethods, ", "),
		allowHeaders: strings.Join(cfg.AllowHeaders, ", "),
	}
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAge)
	}

	for _, origin := range cfg.AllowOrigins {
		switch {
		case origin == "*":
			p.allowAllOrigins = true
		case strings.HasPrefix(origin, "*."):
			p.wildcardPatterns = append(p.wildcardPatterns, origin)
		default:
			p.allowOrigins[origin] = true
		}
	}

	return p
}

// isOriginAllowed checks if the given origin is allowed.
func (p *CORSPolicy) isOriginAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	if p.allowOrigins[origin] {
		return true
	}
	for _, pattern := range p.wildcardPatterns {
		if matchWildcardOrigin(origin, pattern) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin checks if an origin matches a wildcard pattern.
// Pattern format: "*.example.com" matches "sub.example.com", "api.example.com", etc.
func matchWildcardOrigin(origin, pattern string) bool {
	suffix := pattern[1:]

	host := origin
	if idx := strings.Index(host, "://"); idx != -1 {
		host = host[idx+3:]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}

	return len(host) > len(suffix) && strings.HasSuffix(host, suffix)
}

// SetOrigin sets Access-Control-Allow-Origin for the request's origin. A
// wildcard policy answers "*"; otherwise an allowed origin is echoed.
func (p *CORSPolicy) SetOrigin(w http.ResponseWriter, r *http.Request) {
	if p.allowAllOrigins {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		return
	}

	origin := r.Header.Get(HeaderOrigin)
	if p.isOriginAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", HeaderOrigin)
	}
}

// Preflight answers a preflight request with 204 and the full header set.
// It reads nothing but the Origin header.
func (p *CORSPolicy) Preflight(w http.ResponseWriter, r *http.Request) {
	p.SetOrigin(w, r)
	w.Header().Set("Access-Control-Allow-Methods", p.allowMethods)
	w.Header().Set("Access-Control-Allow-Headers", p.allowHeaders)
	if p.maxAge != "" {
		w.Header().Set("Access-Control-Max-Age", p.maxAge)
	}
	w.WriteHeader(http.StatusNoContent)
}
