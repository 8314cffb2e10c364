// Package acl gates admin and proxy requests by client IP (CIDR
// allow/deny lists) and an optional bearer token, the access-control
// layer session.Engine's ACLFunc delegates to. Grounded on the
// teacher's routing.GeoRouter for ordered CIDR-rule evaluation
// (net.ParseCIDR into *net.IPNet, first match wins) and
// middleware.AuthMiddleware for the Authorization/Bearer-prefix
// token-extraction shape.
package acl

import (
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Action is the effect of a matching rule.
type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
)

// Rule matches a CIDR block to an Action, evaluated in list order.
type Rule struct {
	CIDR   string `json:"cidr"`
	Action Action `json:"action"`

	ipNet *net.IPNet
}

// Config controls default behavior and the ordered rule list plus
// optional bearer-token enforcement.
type Config struct {
	// DefaultAction applies when no Rule matches.
	DefaultAction Action `json:"default_action"`
	Rules         []Rule `json:"rules"`

	// RequireToken, when true, rejects requests whose bearer token is
	// not present in Tokens.
	RequireToken bool     `json:"require_token"`
	Tokens       []string `json:"tokens"`
	HeaderName   string   `json:"header_name"`
}

// DefaultConfig allows everything and requires no token — the
// zero-friction default spec.md describes ("no auth by default; ACL
// configurable").
func DefaultConfig() Config {
	return Config{DefaultAction: Allow, HeaderName: "Authorization"}
}

// ACL evaluates a Config against client IPs and tokens.
type ACL struct {
	mu     sync.RWMutex
	cfg    Config
	logger zerolog.Logger
	tokens map[string]bool
}

// New builds an ACL and parses its CIDR rules up front.
func New(cfg Config, logger zerolog.Logger) *ACL {
	a := &ACL{logger: logger.With().Str("component", "acl").Logger()}
	a.Reload(cfg)
	return a
}

// Reload hot-swaps the configuration, re-parsing CIDR rules and
// dropping any that fail to parse (logged, not fatal).
func (a *ACL) Reload(cfg Config) {
	if cfg.DefaultAction == "" {
		cfg.DefaultAction = Allow
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = "Authorization"
	}

	parsed := make([]Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		_, ipNet, err := net.ParseCIDR(r.CIDR)
		if err != nil {
			a.logger.Warn().Str("cidr", r.CIDR).Err(err).Msg("invalid acl cidr rule — skipping")
			continue
		}
		r.ipNet = ipNet
		parsed = append(parsed, r)
	}
	cfg.Rules = parsed

	tokens := make(map[string]bool, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens[t] = true
	}

	a.mu.Lock()
	a.cfg = cfg
	a.tokens = tokens
	a.mu.Unlock()
}

// AllowIP reports whether clientIP (host or host:port) is permitted
// by the ordered CIDR rules, falling back to DefaultAction.
func (a *ACL) AllowIP(clientIP string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	host := clientIP
	if h, _, err := net.SplitHostPort(clientIP); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return a.cfg.DefaultAction == Allow
	}
	for _, r := range a.cfg.Rules {
		if r.ipNet.Contains(ip) {
			return r.Action == Allow
		}
	}
	return a.cfg.DefaultAction == Allow
}

// AllowToken reports whether the bearer token carried in the
// configured header is acceptable. Always true when token
// enforcement is disabled.
func (a *ACL) AllowToken(headerValue string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.cfg.RequireToken {
		return true
	}
	token := headerValue
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = token[len("Bearer "):]
	}
	if token == "" {
		return false
	}
	return a.tokens[token]
}

// HeaderName is the header AllowToken expects its argument to come from.
func (a *ACL) HeaderName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.HeaderName
}
