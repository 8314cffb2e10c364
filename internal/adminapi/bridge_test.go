package adminapi_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/gatewaycore/internal/adminapi"
	"github.com/relayforge/gatewaycore/internal/h1"
)

func TestBridgeHandlesOwnedPathAndSkipsOthers(t *testing.T) {
	deps, _ := newTestDeps(t)
	bridge := adminapi.Bridge(adminapi.NewRouter(deps))

	statsReq := &h1.Request{Method: "GET", Path: "/stats", Headers: h1.NewOrderedHeaders()}
	status, headers, body, handled := bridge(statsReq)
	require.True(t, handled)
	assert.Equal(t, 200, status)
	assert.NotNil(t, headers)
	assert.Contains(t, string(body), "backends")

	proxyReq := &h1.Request{Method: "GET", Path: "/v1/chat/completions", Headers: h1.NewOrderedHeaders()}
	_, _, _, handled2 := bridge(proxyReq)
	assert.False(t, handled2)
}
