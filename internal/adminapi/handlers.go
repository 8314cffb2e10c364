package adminapi

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/relayforge/gatewaycore/internal/backend"
	"github.com/relayforge/gatewaycore/internal/metrics"
)

type handlers struct {
	d Deps
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- /stats ---

type statsResponse struct {
	Requests metrics.Snapshot `json:"requests"`
	Backends []backendSummary `json:"backends"`
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{}
	if h.d.Metrics != nil {
		resp.Requests = h.d.Metrics.Snapshot()
	}
	if h.d.Registry != nil {
		for _, s := range h.d.Registry.List() {
			resp.Backends = append(resp.Backends, toBackendSummary(s))
		}
		sort.Slice(resp.Backends, func(i, j int) bool { return resp.Backends[i].ID < resp.Backends[j].ID })
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- /history, /history/summary ---

func (h *handlers) historyPoints(w http.ResponseWriter, r *http.Request) {
	if h.d.History == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	seconds := queryInt(r, "seconds", 0)
	writeJSON(w, http.StatusOK, h.d.History.QueryLastSeconds(seconds))
}

func (h *handlers) historySummary(w http.ResponseWriter, r *http.Request) {
	if h.d.History == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	seconds := queryInt(r, "seconds", 0)
	writeJSON(w, http.StatusOK, h.d.History.SummaryLastSeconds(seconds))
}

// --- /admin/config ---

func (h *handlers) configGet(w http.ResponseWriter, r *http.Request) {
	if h.d.ConfigDump == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	dump := h.d.ConfigDump()
	if r.URL.Query().Get("format") == "ini" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(renderINI(dump)))
		return
	}
	writeJSON(w, http.StatusOK, dump)
}

func renderINI(dump map[string]map[string]string) string {
	sections := make([]string, 0, len(dump))
	for s := range dump {
		sections = append(sections, s)
	}
	sort.Strings(sections)

	var sb strings.Builder
	for _, section := range sections {
		sb.WriteString("[" + section + "]\n")
		keys := make([]string, 0, len(dump[section]))
		for k := range dump[section] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(k + "=" + dump[section][k] + "\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

type configUpdate struct {
	Section string `json:"section"`
	Key     string `json:"key"`
	Value   string `json:"value"`
}

type configDelete struct {
	Section string `json:"section"`
	Key     string `json:"key"`
}

type configPostRequest struct {
	Updates []configUpdate `json:"updates"`
	Deletes []configDelete `json:"deletes"`
	Save    int            `json:"save"`
}

type configPostResponse struct {
	Applied []string `json:"applied"`
	Errors  []string `json:"errors"`
}

func (h *handlers) configPost(w http.ResponseWriter, r *http.Request) {
	if h.d.ConfigApply == nil {
		writeError(w, http.StatusServiceUnavailable, "config mutation not wired")
		return
	}

	var req configPostRequest
	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") || contentType == "" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	} else {
		body, err := readAll(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not read body")
			return
		}
		req = parseINIUpdates(string(body))
	}

	resp := configPostResponse{}
	for _, u := range req.Updates {
		if err := h.d.ConfigApply(u.Section, u.Key, u.Value); err != nil {
			resp.Errors = append(resp.Errors, err.Error())
			continue
		}
		resp.Applied = append(resp.Applied, u.Section+"."+u.Key)
		if h.d.Audit != nil {
			_ = h.d.Audit.Append("config_update " + u.Section + "." + u.Key + "=" + u.Value)
		}
	}
	for _, del := range req.Deletes {
		if h.d.ConfigDelete == nil {
			resp.Errors = append(resp.Errors, "delete not supported: "+del.Section+"."+del.Key)
			continue
		}
		if err := h.d.ConfigDelete(del.Section, del.Key); err != nil {
			resp.Errors = append(resp.Errors, err.Error())
			continue
		}
		resp.Applied = append(resp.Applied, "-"+del.Section+"."+del.Key)
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseINIUpdates accepts a raw INI body ([section]\nkey=value) as an
// alternative to the JSON {updates:[...]} shape, per spec.md's "or
// INI body" allowance.
func parseINIUpdates(body string) configPostRequest {
	var req configPostRequest
	section := ""
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 || section == "" {
			continue
		}
		req.Updates = append(req.Updates, configUpdate{
			Section: section,
			Key:     strings.TrimSpace(parts[0]),
			Value:   strings.TrimSpace(parts[1]),
		})
	}
	return req
}

// --- backend CRUD ---

type backendMetricsRequest struct {
	Backend     string  `json:"backend"`
	QueueLen    int     `json:"queue_len"`
	GPUUtil     float64 `json:"gpu_util"`
	VRAMUsedMB  float64 `json:"vram_used_mb"`
	VRAMTotalMB float64 `json:"vram_total_mb"`
}

func (h *handlers) backendMetrics(w http.ResponseWriter, r *http.Request) {
	var req backendMetricsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if ok := h.d.Registry.UpdateMetrics(req.Backend, req.QueueLen, req.GPUUtil, req.VRAMUsedMB, req.VRAMTotalMB); !ok {
		writeError(w, http.StatusNotFound, "unknown backend")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type backendModelRequest struct {
	Backend string `json:"backend"`
	Model   string `json:"model"`
	Version string `json:"version"`
	Loaded  bool   `json:"loaded"`
}

func (h *handlers) backendModel(w http.ResponseWriter, r *http.Request) {
	var req backendModelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if ok := h.d.Registry.SetLoadedModel(req.Backend, req.Model, req.Version, req.Loaded); !ok {
		writeError(w, http.StatusNotFound, "unknown backend")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type backendRegisterRequest struct {
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	Weight int    `json:"weight"`
}

func (h *handlers) backendRegister(w http.ResponseWriter, r *http.Request) {
	var req backendRegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IP == "" || req.Port <= 0 {
		writeError(w, http.StatusBadRequest, "ip and port are required")
		return
	}
	b := h.d.Registry.Add(req.IP, req.Port, req.Weight, false)
	if h.d.Audit != nil {
		_ = h.d.Audit.Append("backend_register " + b.ID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": b.ID})
}

type backendRemoveRequest struct {
	Backend string `json:"backend"`
}

func (h *handlers) backendRemove(w http.ResponseWriter, r *http.Request) {
	var req backendRemoveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.d.Registry.Remove(req.Backend)
	if h.d.Audit != nil {
		_ = h.d.Audit.Append("backend_remove " + req.Backend)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type backendOnlineRequest struct {
	Backend string `json:"backend"`
	Online  bool   `json:"online"`
}

func (h *handlers) backendOnline(w http.ResponseWriter, r *http.Request) {
	var req backendOnlineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if ok := h.d.Registry.SetOnline(req.Backend, req.Online); !ok {
		writeError(w, http.StatusNotFound, "unknown backend")
		return
	}
	if h.d.Audit != nil {
		_ = h.d.Audit.Append("backend_online " + req.Backend + " " + strconv.FormatBool(req.Online))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type backendWeightRequest struct {
	Backend    string `json:"backend"`
	BaseWeight int    `json:"base_weight"`
}

func (h *handlers) backendWeight(w http.ResponseWriter, r *http.Request) {
	var req backendWeightRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if ok := h.d.Registry.SetBaseWeight(req.Backend, req.BaseWeight); !ok {
		writeError(w, http.StatusNotFound, "unknown backend")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- /admin/logs ---

func (h *handlers) logs(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("type") != "" && r.URL.Query().Get("type") != "audit" {
		writeError(w, http.StatusBadRequest, "unsupported log type")
		return
	}
	if h.d.Audit == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	lines := queryInt(r, "lines", 100)
	out, err := h.d.Audit.TailLines(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- /admin/diagnose ---

func (h *handlers) diagnose(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{}
	if h.d.Metrics != nil {
		resp["requests"] = h.d.Metrics.Snapshot()
	}
	if h.d.Registry != nil {
		var backends []backendSummary
		for _, s := range h.d.Registry.List() {
			backends = append(backends, toBackendSummary(s))
		}
		resp["backends"] = backends
	}
	if h.d.History != nil {
		resp["history_summary_60s"] = h.d.History.SummaryLastSeconds(60)
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- ACME HTTP-01 challenge file server ---

func (h *handlers) acmeChallenge(w http.ResponseWriter, r *http.Request) {
	if h.d.ACMEChallengeDir == "" {
		http.NotFound(w, r)
		return
	}
	token := chi.URLParam(r, "token")
	if token == "" || strings.ContainsAny(token, "/\\") {
		http.NotFound(w, r)
		return
	}
	path := filepath.Join(h.d.ACMEChallengeDir, token)
	data, err := os.ReadFile(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write(data)
}

// --- helpers ---

type backendSummary struct {
	ID                string  `json:"id"`
	BaseWeight        int     `json:"base_weight"`
	EffectiveWeight   int     `json:"effective_weight"`
	Online            bool    `json:"online"`
	Healthy           bool    `json:"healthy"`
	WarmupPending     bool    `json:"warmup_pending"`
	ActiveConnections int64   `json:"active_connections"`
	EWMAResponseMs    float64 `json:"ewma_response_ms"`
	Failures          uint64  `json:"failures"`
	Successes         uint64  `json:"successes"`
	QueueLen          int     `json:"queue_len,omitempty"`
	GPUUtil           float64 `json:"gpu_util,omitempty"`
	VRAMUsedMB        float64 `json:"vram_used_mb,omitempty"`
	VRAMTotalMB       float64 `json:"vram_total_mb,omitempty"`
	ModelName         string  `json:"model_name,omitempty"`
	ModelVersion      string  `json:"model_version,omitempty"`
}

func toBackendSummary(s backend.Snapshot) backendSummary {
	return backendSummary{
		ID:                s.ID,
		BaseWeight:        s.BaseWeight,
		EffectiveWeight:   s.EffectiveWeight,
		Online:            s.Online,
		Healthy:           s.Healthy,
		WarmupPending:     s.WarmupPending,
		ActiveConnections: s.ActiveConnections,
		EWMAResponseMs:    s.EWMAResponseMs,
		Failures:          s.Failures,
		Successes:         s.Successes,
		QueueLen:          s.QueueLen,
		GPUUtil:           s.GPUUtil,
		VRAMUsedMB:        s.VRAMUsedMB,
		VRAMTotalMB:       s.VRAMTotalMB,
		ModelName:         s.ModelName,
		ModelVersion:      s.ModelVersion,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func readAll(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
