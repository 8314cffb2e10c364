package rewrite_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/gatewaycore/internal/rewrite"
)

type fakeHeaders struct {
	values map[string]string
}

func newFakeHeaders() *fakeHeaders {
	return &fakeHeaders{values: map[string]string{}}
}

func (f *fakeHeaders) Set(name, value string) { f.values[name] = value }
func (f *fakeHeaders) Del(name string)         { delete(f.values, name) }

func TestEngineFirstMatchWinsByPriority(t *testing.T) {
	e := rewrite.NewEngine()
	e.SetRules([]rewrite.Rule{
		{ID: "broad", Priority: 10, PathPrefix: "/api"},
		{ID: "narrow", Priority: 1, PathPrefix: "/api/v2"},
	})

	r, ok := e.Match("GET", "/api/v2/things")
	require.True(t, ok)
	assert.Equal(t, "narrow", r.ID)
}

func TestEngineMatchesOnMethodWhenSpecified(t *testing.T) {
	e := rewrite.NewEngine()
	e.SetRules([]rewrite.Rule{
		{ID: "post-only", Priority: 0, PathPrefix: "/submit", Method: "POST"},
	})

	_, ok := e.Match("GET", "/submit")
	assert.False(t, ok)

	r, ok := e.Match("POST", "/submit")
	require.True(t, ok)
	assert.Equal(t, "post-only", r.ID)

	r, ok = e.Match("post", "/submit/extra")
	require.True(t, ok)
	assert.Equal(t, "post-only", r.ID)
}

func TestEngineNoMatchReturnsFalse(t *testing.T) {
	e := rewrite.NewEngine()
	e.SetRules([]rewrite.Rule{{ID: "x", Priority: 0, PathPrefix: "/only-this"}})

	_, ok := e.Match("GET", "/elsewhere")
	assert.False(t, ok)
}

func TestHasResponseMutations(t *testing.T) {
	assert.False(t, rewrite.Rule{}.HasResponseMutations())
	assert.True(t, rewrite.Rule{RespSetHeaders: []rewrite.HeaderOp{{Name: "x"}}}.HasResponseMutations())
	assert.True(t, rewrite.Rule{RespDelHeaders: []string{"x"}}.HasResponseMutations())
	assert.True(t, rewrite.Rule{RespBodySubs: []rewrite.BodySub{{Old: "a", New: "b"}}}.HasResponseMutations())
}

func TestApplyHeadersSetsThenDeletes(t *testing.T) {
	h := newFakeHeaders()
	h.Set("x-keep", "1")
	rewrite.ApplyHeaders(h,
		[]rewrite.HeaderOp{{Name: "x-new", Value: "v"}, {Name: "x-drop", Value: "tmp"}},
		[]string{"x-drop"},
	)
	assert.Equal(t, "v", h.values["x-new"])
	assert.Equal(t, "1", h.values["x-keep"])
	_, stillThere := h.values["x-drop"]
	assert.False(t, stillThere)
}

func TestApplyBodySubsReplacesAllOccurrencesInOrder(t *testing.T) {
	body := []byte("hello WORLD, hello again")
	out := rewrite.ApplyBodySubs(body, []rewrite.BodySub{
		{Old: "hello", New: "hi"},
		{Old: "WORLD", New: "earth"},
	})
	assert.Equal(t, "hi earth, hi again", string(out))
}

func TestSetRulesIsStableUnderEqualPriority(t *testing.T) {
	e := rewrite.NewEngine()
	e.SetRules([]rewrite.Rule{
		{ID: "first", Priority: 5, PathPrefix: "/same"},
		{ID: "second", Priority: 5, PathPrefix: "/same"},
	})
	r, ok := e.Match("GET", "/same")
	require.True(t, ok)
	assert.Equal(t, "first", r.ID)
}
