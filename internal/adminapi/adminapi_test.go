package adminapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/gatewaycore/internal/acl"
	"github.com/relayforge/gatewaycore/internal/adminapi"
	"github.com/relayforge/gatewaycore/internal/backend"
	"github.com/relayforge/gatewaycore/internal/history"
	"github.com/relayforge/gatewaycore/internal/metrics"
)

func newTestDeps(t *testing.T) (adminapi.Deps, *backend.Registry) {
	t.Helper()
	reg := backend.NewRegistry(backend.NewStrategy("roundrobin"))
	reg.Add("10.0.0.1", 9000, 1, false)

	m := metrics.New(zerolog.Nop())
	dir := t.TempDir()
	audit := history.NewAuditLogger(filepath.Join(dir, "audit.log"))
	a := acl.New(acl.DefaultConfig(), zerolog.Nop())

	cfgStore := map[string]map[string]string{"acl": {"default_action": "allow"}}
	deps := adminapi.Deps{
		Registry: reg,
		Metrics:  m,
		Audit:    audit,
		ACL:      a,
		Logger:   zerolog.Nop(),
		ConfigDump: func() map[string]map[string]string {
			return cfgStore
		},
		ConfigApply: func(section, key, value string) error {
			if cfgStore[section] == nil {
				cfgStore[section] = map[string]string{}
			}
			cfgStore[section][key] = value
			return nil
		},
	}
	return deps, reg
}

func TestStatsReturnsBackendsAndRequestCounters(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Metrics.TrackRequest("10.0.0.1:9000", "/v1/models", 200, 5, false)

	srv := httptest.NewServer(adminapi.NewRouter(deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	backends := body["backends"].([]interface{})
	require.Len(t, backends, 1)
	requests := body["requests"].(map[string]interface{})
	assert.EqualValues(t, 1, requests["requests_total"])
}

func TestBackendRegisterThenRemove(t *testing.T) {
	deps, reg := newTestDeps(t)
	srv := httptest.NewServer(adminapi.NewRouter(deps))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/admin/backend_register", "application/json",
		strings.NewReader(`{"ip":"10.0.0.2","port":9100,"weight":2}`))
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.Equal(t, "10.0.0.2:9100", out["id"])

	assert.Len(t, reg.List(), 2)

	resp2, err := http.Post(srv.URL+"/admin/backend_remove", "application/json",
		strings.NewReader(`{"backend":"10.0.0.2:9100"}`))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Len(t, reg.List(), 1)
}

func TestBackendOnlineUnknownBackendReturns404(t *testing.T) {
	deps, _ := newTestDeps(t)
	srv := httptest.NewServer(adminapi.NewRouter(deps))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/admin/backend_online", "application/json",
		strings.NewReader(`{"backend":"nope:1","online":false}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConfigGetAsINI(t *testing.T) {
	deps, _ := newTestDeps(t)
	srv := httptest.NewServer(adminapi.NewRouter(deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/admin/config?format=ini")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf strings.Builder
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "[acl]")
	assert.Contains(t, buf.String(), "default_action=allow")
}

func TestConfigPostAppliesUpdateAndAudits(t *testing.T) {
	deps, _ := newTestDeps(t)
	srv := httptest.NewServer(adminapi.NewRouter(deps))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/admin/config", "application/json",
		strings.NewReader(`{"updates":[{"section":"acl","key":"default_action","value":"deny"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out["applied"], "acl.default_action")

	logResp, err := http.Get(srv.URL + "/admin/logs?lines=5")
	require.NoError(t, err)
	defer logResp.Body.Close()
	var lines []string
	require.NoError(t, json.NewDecoder(logResp.Body).Decode(&lines))
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "config_update acl.default_action=deny")
}

func TestACMEChallengeServesFileFromDir(t *testing.T) {
	deps, _ := newTestDeps(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tok123"), []byte("challenge-response"), 0o644))
	deps.ACMEChallengeDir = dir

	srv := httptest.NewServer(adminapi.NewRouter(deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/.well-known/acme-challenge/tok123")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var buf strings.Builder
	_, _ = buf.ReadFrom(resp.Body)
	assert.Equal(t, "challenge-response", buf.String())
}

func TestACMEChallengeRejectsPathTraversal(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.ACMEChallengeDir = t.TempDir()
	srv := httptest.NewServer(adminapi.NewRouter(deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/.well-known/acme-challenge/..%2F..%2Fetc%2Fpasswd")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}
