// Grounded on routing/routing.go's Rule engine: priority-ordered,
// first-match, AND-of-conditions evaluation, retargeted from
// provider-routing decisions to request/response rewriting
// (pathPrefix+method match, header/body mutation).
package rewrite

import (
	"sort"
	"strings"
	"sync"
)

// HeaderOp is a single header mutation.
type HeaderOp struct {
	Name  string
	Value string // ignored for Del
}

// BodySub is a literal substring replacement applied to a body.
type BodySub struct {
	Old string
	New string
}

// Rule matches requests by path prefix and optional method, applying
// request mutations always and response mutations only when the
// response body is presentable as identity-encoded.
type Rule struct {
	ID         string
	Priority   int // lower = evaluated first
	PathPrefix string
	Method     string // empty matches any method

	ReqSetHeaders []HeaderOp
	ReqDelHeaders []string
	ReqBodySubs   []BodySub

	RespSetHeaders []HeaderOp
	RespDelHeaders []string
	RespBodySubs   []BodySub
}

// HasResponseMutations reports whether r defines any response-side
// mutation at all — the gateway only attempts the response path when
// this is true, and only when the body is identity-encoded.
func (r Rule) HasResponseMutations() bool {
	return len(r.RespSetHeaders) > 0 || len(r.RespDelHeaders) > 0 || len(r.RespBodySubs) > 0
}

func (r Rule) matches(method, path string) bool {
	if r.Method != "" && !strings.EqualFold(r.Method, method) {
		return false
	}
	return strings.HasPrefix(path, r.PathPrefix)
}

// Engine holds an ordered set of rules evaluated first-match-wins per
// request (request-side mutations); response mutations from the same
// matched rule are applied afterward if configured.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewEngine builds an empty rule engine.
func NewEngine() *Engine {
	return &Engine{}
}

// SetRules replaces the rule set, re-sorting by ascending priority
// (ties keep their relative input order, matching sort.SliceStable).
func (e *Engine) SetRules(rules []Rule) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()
}

// Match returns the first rule whose pathPrefix/method match, or
// false if none do.
func (e *Engine) Match(method, path string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.matches(method, path) {
			return r, true
		}
	}
	return Rule{}, false
}

// HeaderMutator is the minimal interface the request/response header
// containers must satisfy for ApplyHeaders to work against either.
type HeaderMutator interface {
	Set(name, value string)
	Del(name string)
}

// ApplyHeaders applies set then delete operations to h, in that
// order so a rule can rewrite and then drop a header in one pass if
// it lists the same name in both.
func ApplyHeaders(h HeaderMutator, sets []HeaderOp, dels []string) {
	for _, op := range sets {
		h.Set(op.Name, op.Value)
	}
	for _, name := range dels {
		h.Del(name)
	}
}

// ApplyBodySubs performs every literal substring replacement in subs,
// in order, against body.
func ApplyBodySubs(body []byte, subs []BodySub) []byte {
	s := string(body)
	for _, sub := range subs {
		s = strings.ReplaceAll(s, sub.Old, sub.New)
	}
	return []byte(s)
}
