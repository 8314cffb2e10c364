// The session engine is the 11-step per-request state machine:
// admission, plugin dispatch, admin endpoints, affinity-key
// computation, cache lookup, WebSocket hand-off, HTTP/1.1 forwarding
// with hop-by-hop stripping, scheduling wrapper, response
// transform/pass-through, finalization, and pipelined redrive.
// Grounded on the teacher's handler/proxy.go handler-struct shape
// (deps injected at construction, one exported entry point per
// request kind, a shared error-writing helper) and handler/stream.go
// for the streaming-vs-buffered response split.
package session

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayforge/gatewaycore/internal/admission"
	"github.com/relayforge/gatewaycore/internal/backend"
	"github.com/relayforge/gatewaycore/internal/cache"
	"github.com/relayforge/gatewaycore/internal/compress"
	"github.com/relayforge/gatewaycore/internal/h1"
	"github.com/relayforge/gatewaycore/internal/metrics"
	"github.com/relayforge/gatewaycore/internal/perr"
	"github.com/relayforge/gatewaycore/internal/pool"
	"github.com/relayforge/gatewaycore/internal/rewrite"
	"github.com/relayforge/gatewaycore/internal/schedule"
)

// State names the session's current stage, per spec.md's explicit
// state-machine requirement.
type State int

const (
	StateSelectBackend State = iota
	StateWaitLease
	StateSending
	StateReceivingHead
	StateReceivingBody
	StateTransform
	StateRespond
	StateFinalize
)

// AffinityMode selects how the per-request affinity key is derived.
type AffinityMode int

const (
	AffinityIP AffinityMode = iota
	AffinityHeader
	AffinityCookie
)

// PluginFunc is a plugin hook signature that the engine does not use:
// the engine's plugin call site is Config.Plugin, which has the
// AdminFunc signature. Dynamic plugin loading is not implemented.
type PluginFunc func(req *h1.Request) (resp *h1.Request, handled bool)

// AdminFunc answers a built-in admin endpoint locally; returns
// handled=false for any path it doesn't own.
type AdminFunc func(req *h1.Request) (status int, headers *h1.OrderedHeaders, body []byte, handled bool)

// ACLFunc reports whether a client is allowed to proceed at all
// (CIDR allow/deny plus token/API-key checks).
type ACLFunc func(clientIP string, req *h1.Request) bool

// Config wires every collaborator the engine needs. Nil optional
// fields simply skip that step (e.g. nil Cache disables step 5).
type Config struct {
	Registry *backend.Registry
	Pool     *pool.Pool
	Rewrite  *rewrite.Engine
	Cache    *cache.Cache
	Logger   zerolog.Logger
	Metrics  *metrics.Registry

	// Dispatcher, if non-nil, gates the backend round trip behind its
	// maxInflight admission and per-flow ordering (priority/fair/EDF).
	// Nil calls forward directly, uncapped beyond the pool's own limits.
	Dispatcher schedule.Dispatcher

	GlobalBucket  *admission.TokenBucket
	PerIPBucket   *admission.KeyedLimiter
	PerPathBucket *admission.KeyedLimiter
	ConnLimiter   *admission.ConnLimiter

	Plugin AdminFunc
	Admin  AdminFunc
	ACL    ACLFunc

	AffinityMode   AffinityMode
	AffinityHeader string
	AffinityCookie string

	MaxTransformBytes int
	PublicHost        string
}

// DefaultMaxTransformBytes bounds the buffered-response transform
// path; exceeding it aborts the transform and falls back to
// pass-through (cache store is skipped for that response).
const DefaultMaxTransformBytes = 4 << 20

// Result is everything the caller (the HTTP/1 connection driver)
// needs to write back to the client and decide what happens next.
type Result struct {
	Status      int
	Headers     *h1.OrderedHeaders
	Body        []byte
	KeepAlive   bool
	IsWSUpgrade bool
	DenyReason  string
	BackendID   string
	CacheHit    bool

	// UpgradeRequest holds the original WebSocket/L4-tunnel upgrade
	// request, re-serialized verbatim (same method, path, headers,
	// and body the client sent — no hop-by-hop stripping, since the
	// Connection/Upgrade/Sec-WebSocket-* headers are exactly what the
	// backend needs to complete the handshake). Only set when
	// IsWSUpgrade is true; the caller writes it to the dialed backend
	// connection before splicing.
	UpgradeRequest []byte

	// Streamed reports that the response body was already relayed to
	// the caller's io.Writer byte-for-byte as it arrived from the
	// backend (the pass-through path); Body is empty and the caller
	// must not write anything further for this response.
	Streamed bool

	// PassThrough reports that Body already holds a complete raw wire
	// response (status line, headers, and body verbatim) to relay as
	// written, bypassing WriteResponse entirely — used when the
	// buffered transform path aborts after exceeding its size limit.
	PassThrough bool

	// Err classifies non-2xx outcomes by the design's error taxonomy,
	// nil for successful forwards. Callers use it for structured
	// logging/metrics rather than re-deriving a reason from Status.
	Err *perr.Error
}

// Engine runs the per-request pipeline against one h1.Request at a
// time. It is safe for concurrent use by multiple connections; all
// mutable state lives in the injected collaborators.
type Engine struct {
	cfg Config
}

// New builds an Engine from cfg, filling in defaults for zero-valued
// bounds.
func New(cfg Config) *Engine {
	if cfg.MaxTransformBytes <= 0 {
		cfg.MaxTransformBytes = DefaultMaxTransformBytes
	}
	return &Engine{cfg: cfg}
}

// HandleHTTP1 runs the 11-step pipeline for one parsed HTTP/1
// request arriving on a connection from clientIP, performing the
// backend round trip synchronously and returning the finished
// client-facing response. Timing and counters are recorded around
// the pipeline rather than inside it, so every exit path (deny,
// plugin, admin, cache hit, forward) is accounted for uniformly.
//
// w, when non-nil, is the client connection's writer: whenever the
// response needs no rewrite, re-encoding, or cache store, the
// backend's bytes are relayed to w directly as they arrive (stream
// pass-through mode) instead of being buffered in Result.Body first.
// Callers that only care about the finished Result (tests, the h2
// bridge's synthetic calls) pass nil and always get the buffered
// behavior.
func (e *Engine) HandleHTTP1(ctx context.Context, clientIP string, req *h1.Request, w io.Writer) Result {
	start := time.Now()
	result := e.runPipeline(ctx, clientIP, req, w)
	e.trackResult(req, result, time.Since(start))
	return result
}

func (e *Engine) trackResult(req *h1.Request, result Result, elapsed time.Duration) {
	if e.cfg.Metrics == nil {
		return
	}
	if result.DenyReason != "" {
		e.cfg.Metrics.TrackAdmissionDenial(result.DenyReason)
		return
	}
	if result.IsWSUpgrade {
		return
	}
	backendID := result.BackendID
	if backendID == "" {
		backendID = "-"
	}
	e.cfg.Metrics.TrackRequest(backendID, req.Path, result.Status, float64(elapsed.Milliseconds()), result.CacheHit)
}

// runPipeline is the 11-step pipeline itself, unwrapped so
// HandleHTTP1 can time and classify every return path uniformly.
func (e *Engine) runPipeline(ctx context.Context, clientIP string, req *h1.Request, w io.Writer) Result {
	// 1. Admission.
	if r, denied := e.admit(clientIP, req); denied {
		return r
	}

	// 2. Plugin dispatch.
	if e.cfg.Plugin != nil {
		if status, headers, body, handled := e.cfg.Plugin(req); handled {
			return Result{Status: status, Headers: headers, Body: body, KeepAlive: h1.KeepAlive(req)}
		}
	}

	// 3. Built-in admin endpoints.
	if e.cfg.Admin != nil {
		if status, headers, body, handled := e.cfg.Admin(req); handled {
			return Result{Status: status, Headers: headers, Body: body, KeepAlive: h1.KeepAlive(req)}
		}
	}

	// 4. Business routing: affinity key + selection key.
	model, version := modelFromRequest(req)
	affinityKey := e.affinityKey(clientIP, req)
	selectionKey := buildSelectionKey(req.Path, affinityKey, model, version)

	// 5. Cache lookup (GET, identity encoding, no body).
	if e.cfg.Cache != nil && isCacheable(req) {
		key := cache.Key(req.Method, req.Path, req.Query) + modelSuffix(model, version)
		if entry, ok := e.cfg.Cache.Get(ctx, key); ok {
			headers := h1.NewOrderedHeaders()
			headers.Set("Content-Type", entry.ContentType)
			return Result{Status: entry.Status, Headers: headers, Body: entry.Body, KeepAlive: h1.KeepAlive(req), CacheHit: true}
		}
	}

	// 6. WebSocket upgrade hand-off: the caller owns the tunnel
	// transition; the engine only signals intent, which backend to
	// connect to, and the original request re-serialized verbatim so
	// the caller can forward it to the dialed backend before splicing
	// ("the initial HTTP/1 request ... is sent to the backend
	// verbatim").
	if isWebSocketUpgrade(req) {
		id := e.selectBackend(selectionKey, model, version)
		if id == "" {
			return serviceUnavailable(req)
		}
		raw := h1.WriteRequest(req.Method, req.Path, req.Query, req.Headers, req.Body)
		return Result{IsWSUpgrade: true, BackendID: id, KeepAlive: false, UpgradeRequest: raw}
	}

	// 7-10. Forward as HTTP/1.1, apply transform, finalize, gated by
	// the scheduling wrapper when one is configured.
	if e.cfg.Dispatcher == nil {
		return e.forward(ctx, clientIP, selectionKey, model, version, req, w)
	}
	return e.scheduledForward(ctx, clientIP, selectionKey, model, version, req, w)
}

// scheduledForward submits the backend round trip as a schedule.Task
// and blocks until the dispatcher has run it, so the
// connection driver still gets a synchronous Result back. The
// dispatcher's gate is what actually bounds concurrent in-flight
// forwards; this call just waits for its turn.
func (e *Engine) scheduledForward(ctx context.Context, clientIP, selectionKey, model, version string, req *h1.Request, w io.Writer) Result {
	done := make(chan struct{})
	var result Result
	e.cfg.Dispatcher.Submit(schedule.Task{
		Key: selectionKey,
		Run: func(taskCtx context.Context) {
			result = e.forward(taskCtx, clientIP, selectionKey, model, version, req, w)
			close(done)
		},
	})
	<-done
	return result
}

func (e *Engine) admit(clientIP string, req *h1.Request) (Result, bool) {
	if e.cfg.GlobalBucket != nil && !e.cfg.GlobalBucket.Allow() {
		return denyResult(perr.AdmissionDenied, "global rate limit"), true
	}
	if e.cfg.PerIPBucket != nil && !e.cfg.PerIPBucket.Allow(clientIP) {
		return denyResult(perr.AdmissionDenied, "per-ip rate limit"), true
	}
	if e.cfg.PerPathBucket != nil && !e.cfg.PerPathBucket.Allow(req.Path) {
		return denyResult(perr.AdmissionDenied, "per-path rate limit"), true
	}
	if e.cfg.ACL != nil && !e.cfg.ACL(clientIP, req) {
		return denyResult(perr.AdmissionForbidden, "acl denied"), true
	}
	return Result{}, false
}

func denyResult(kind *perr.Error, reason string) Result {
	headers := h1.NewOrderedHeaders()
	headers.Set("Content-Type", "text/plain")
	classified := perr.WrapMsg(kind, reason, nil)
	return Result{Status: kind.HTTPStatus, Headers: headers, Body: []byte(reason), KeepAlive: false, DenyReason: reason, Err: classified}
}

func serviceUnavailable(req *h1.Request) Result {
	headers := h1.NewOrderedHeaders()
	headers.Set("Content-Type", "text/plain")
	classified := perr.Wrap(perr.BackendSelectFailure, nil)
	return Result{Status: classified.HTTPStatus, Headers: headers, Body: []byte("no eligible backend"), KeepAlive: h1.KeepAlive(req), Err: classified}
}

func modelFromRequest(req *h1.Request) (model, version string) {
	if v, ok := req.Headers.Get("x-model"); ok {
		model = v
	} else if v := queryParam(req.Query, "model"); v != "" {
		model = v
	}
	if v, ok := req.Headers.Get("x-model-version"); ok {
		version = v
	} else if v := queryParam(req.Query, "model_version"); v != "" {
		version = v
	}
	return model, version
}

func queryParam(query, name string) string {
	for _, part := range strings.Split(query, "&") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 && kv[0] == name {
			return kv[1]
		}
	}
	return ""
}

func (e *Engine) affinityKey(clientIP string, req *h1.Request) string {
	switch e.cfg.AffinityMode {
	case AffinityHeader:
		if v, ok := req.Headers.Get(strings.ToLower(e.cfg.AffinityHeader)); ok {
			return v
		}
		return clientIP
	case AffinityCookie:
		if v := cookieValue(req, e.cfg.AffinityCookie); v != "" {
			return v
		}
		return clientIP
	default:
		return clientIP
	}
}

func cookieValue(req *h1.Request, name string) string {
	raw, ok := req.Headers.Get("cookie")
	if !ok {
		return ""
	}
	for _, part := range strings.Split(raw, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && kv[0] == name {
			return kv[1]
		}
	}
	return ""
}

func buildSelectionKey(path, affinityKey, model, version string) string {
	key := path + "#" + affinityKey
	if model != "" {
		key += "#model:" + model
	}
	if version != "" {
		key += "#ver:" + version
	}
	return key
}

func modelSuffix(model, version string) string {
	s := ""
	if model != "" {
		s += "#model:" + model
	}
	if version != "" {
		s += "#ver:" + version
	}
	return s
}

func isCacheable(req *h1.Request) bool {
	if req.Method != "GET" {
		return false
	}
	if len(req.Body) > 0 {
		return false
	}
	ce, ok := req.Headers.Get("content-encoding")
	return !ok || strings.EqualFold(ce, "identity") || ce == ""
}

func isWebSocketUpgrade(req *h1.Request) bool {
	conn, _ := req.Headers.Get("connection")
	upgrade, _ := req.Headers.Get("upgrade")
	_, hasKey := req.Headers.Get("sec-websocket-key")
	return strings.Contains(strings.ToLower(conn), "upgrade") && strings.EqualFold(upgrade, "websocket") && hasKey
}

func (e *Engine) selectBackend(selectionKey, model, version string) string {
	if e.cfg.Registry == nil {
		return ""
	}
	var id string
	switch {
	case model != "" && version != "":
		id = e.cfg.Registry.SelectForModelVersion(selectionKey, model, version)
	case model != "":
		id = e.cfg.Registry.SelectForModel(selectionKey, model)
	default:
		id = e.cfg.Registry.Select(selectionKey)
	}
	if id == "0.0.0.0:0" {
		return ""
	}
	return id
}

// hopByHopRequest are stripped from the client request before
// forwarding upstream.
var hopByHopRequest = []string{
	"connection", "proxy-connection", "keep-alive",
	"transfer-encoding", "content-length", "content-encoding", "accept-encoding",
}

// hopByHopResponse are stripped from the upstream response before
// replying to the client.
var hopByHopResponse = []string{
	"connection", "keep-alive", "transfer-encoding",
}

func (e *Engine) forward(ctx context.Context, clientIP, selectionKey, model, version string, req *h1.Request, w io.Writer) Result {
	backendID := e.selectBackend(selectionKey, model, version)
	if backendID == "" {
		return serviceUnavailable(req)
	}
	if e.cfg.Registry != nil {
		e.cfg.Registry.OnConnStart(backendID)
		defer e.cfg.Registry.OnConnEnd(backendID)
	}

	body := req.Body
	if ce, ok := req.Headers.Get("content-encoding"); ok {
		enc := compress.Encoding(strings.ToLower(ce))
		if decoded, err := compress.Decompress(enc, body); err == nil {
			body = decoded
		}
	}

	var matched rewrite.Rule
	hasRule := false
	if e.cfg.Rewrite != nil {
		matched, hasRule = e.cfg.Rewrite.Match(req.Method, req.Path)
		if hasRule {
			rewrite.ApplyHeaders(req.Headers, matched.ReqSetHeaders, matched.ReqDelHeaders)
			body = rewrite.ApplyBodySubs(body, matched.ReqBodySubs)
		}
	}

	fwdHeaders := buildForwardHeaders(req, body, clientIP)

	raw := h1.WriteRequest(req.Method, req.Path, req.Query, fwdHeaders, body)

	conn, err := e.cfg.Pool.Get(ctx, backendID)
	if err != nil {
		if e.cfg.Registry != nil {
			e.cfg.Registry.ReportFailure(backendID)
		}
		return badGateway(req)
	}

	start := time.Now()
	if _, err := conn.Write(raw); err != nil {
		discard(conn)
		if e.cfg.Registry != nil {
			e.cfg.Registry.ReportFailure(backendID)
		}
		return badGateway(req)
	}

	// Whether the response needs the buffered transform path is fully
	// decidable from the request alone (rewrite rule, cache
	// eligibility, requested encoding) before a single response byte
	// arrives: nothing here depends on what the backend actually
	// sends back.
	acceptEnc, _ := req.Headers.Get("accept-encoding")
	enc := compress.Negotiate(acceptEnc, true)
	cacheEligible := e.cfg.Cache != nil && isCacheable(req)
	needsBuffer := (hasRule && matched.HasResponseMutations()) || enc != compress.Identity || cacheEligible
	streaming := w != nil && !needsBuffer

	var sink io.Writer
	if streaming {
		sink = w
	}

	resp, err := readBackendResponse(conn, sink, e.cfg.MaxTransformBytes)
	if e.cfg.Registry != nil {
		e.cfg.Registry.RecordResponseMs(backendID, float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		discard(conn)
		if e.cfg.Registry != nil {
			e.cfg.Registry.ReportFailure(backendID)
		}
		return badGateway(req)
	}

	if streaming {
		// Bytes already reached the client via sink as they arrived;
		// nothing left to rewrite, re-encode, or cache.
		keepAlive := h1.KeepAlive(req) && resp.keepAlive
		releaseConn(conn, resp.keepAlive)
		return Result{Status: resp.status, KeepAlive: keepAlive, BackendID: backendID, Streamed: true}
	}

	if resp.overflowed {
		// Transform mode exceeded its buffer limit: abort the
		// transform entirely and fall back to relaying the raw bytes
		// read so far verbatim, with cache store skipped.
		discard(conn)
		classified := perr.Wrap(perr.TransformOverflow, nil)
		return Result{PassThrough: true, Body: resp.raw, KeepAlive: false, BackendID: backendID, Err: classified}
	}

	status, headers, respBody, keepAliveAllowed := resp.status, resp.headers, resp.body, resp.keepAlive

	for _, name := range hopByHopResponse {
		headers.Del(name)
	}

	if hasRule && matched.HasResponseMutations() {
		ce, _ := headers.Get("content-encoding")
		if ce == "" || strings.EqualFold(ce, "identity") {
			rewrite.ApplyHeaders(headers, matched.RespSetHeaders, matched.RespDelHeaders)
			respBody = rewrite.ApplyBodySubs(respBody, matched.RespBodySubs)
		}
	}

	if encoded, err := compress.Compress(enc, respBody); err == nil {
		respBody = encoded
		if enc != compress.Identity {
			headers.Set("Content-Encoding", string(enc))
		}
	}
	headers.Set("Content-Length", strconv.Itoa(len(respBody)))

	if cacheEligible && status == 200 && (enc == compress.Identity) {
		ct, _ := headers.Get("content-type")
		key := cache.Key(req.Method, req.Path, req.Query) + modelSuffix(model, version)
		_ = e.cfg.Cache.Store(ctx, key, status, ct, respBody)
	}

	keepAlive := h1.KeepAlive(req) && keepAliveAllowed
	releaseConn(conn, keepAliveAllowed)

	return Result{Status: status, Headers: headers, Body: respBody, KeepAlive: keepAlive, BackendID: backendID}
}

// releaseConn returns conn to the pool (or discards it) based on
// whether the backend allowed keep-alive for this response.
func releaseConn(conn net.Conn, keepAliveAllowed bool) {
	lease, ok := conn.(pool.Lease)
	if !ok {
		return
	}
	if keepAliveAllowed {
		lease.Release()
	} else {
		lease.Discard()
	}
}

func discard(conn net.Conn) {
	if lease, ok := conn.(pool.Lease); ok {
		lease.Discard()
		return
	}
	conn.Close()
}

func badGateway(req *h1.Request) Result {
	headers := h1.NewOrderedHeaders()
	headers.Set("Content-Type", "text/plain")
	classified := perr.Wrap(perr.BackendConnectFailure, nil)
	return Result{Status: classified.HTTPStatus, Headers: headers, Body: []byte("upstream error"), KeepAlive: false, Err: classified}
}

func buildForwardHeaders(req *h1.Request, body []byte, clientIP string) *h1.OrderedHeaders {
	headers := h1.NewOrderedHeaders()
	for _, name := range req.Headers.Names() {
		lower := strings.ToLower(name)
		skip := false
		for _, hop := range hopByHopRequest {
			if lower == hop {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		for _, v := range req.Headers.Values(name) {
			headers.AddListValued(name, v)
		}
	}
	if _, ok := headers.Get("host"); !ok {
		headers.Set("Host", "backend")
	}
	headers.Set("X-Forwarded-For", clientIP)
	headers.Set("Connection", "Keep-Alive")
	headers.Set("Accept-Encoding", "identity")
	if len(body) > 0 {
		headers.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return headers
}

// backendResponse is one fully read (or aborted) backend reply.
type backendResponse struct {
	status    int
	headers   *h1.OrderedHeaders
	body      []byte
	keepAlive bool

	// overflowed reports that the buffered transform path exceeded
	// its size limit before the response completed; raw then holds
	// every byte read so far, verbatim, for the pass-through
	// fallback. Only ever set when sink was nil (overflow has no
	// meaning in streaming mode, which has no such limit).
	overflowed bool
	raw        []byte
}

// readBackendResponse reads one complete HTTP/1.1 response off conn,
// supporting both Content-Length and chunked Transfer-Encoding
// framing (reusing h1.ChunkedReader so backend responses and client
// requests share one chunked decoder instead of two divergent ones),
// plus the "read until the backend closes" framing a response with
// neither header implies.
//
// When sink is non-nil every byte read is written to it immediately,
// before framing is even resolved — the stream pass-through path this
// implements for the caller; the returned backendResponse's body is
// then unused bookkeeping (status/keep-alive only). When sink is nil,
// the response is buffered for the transform path and maxBytes bounds
// how large that buffer may grow before the read aborts with
// overflowed=true.
func readBackendResponse(conn net.Conn, sink io.Writer, maxBytes int) (backendResponse, error) {
	var buf bytes.Buffer
	var bodyBuf bytes.Buffer
	tmp := make([]byte, 4096)
	headEnd := -1
	var status int
	var headers *h1.OrderedHeaders
	var keepAlive bool
	var chunkDec *h1.ChunkedReader
	contentLength := -1

	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			if sink != nil {
				if _, werr := sink.Write(tmp[:n]); werr != nil {
					return backendResponse{}, werr
				}
			}
			buf.Write(tmp[:n])

			if headEnd < 0 {
				if idx := bytes.Index(buf.Bytes(), []byte("\r\n\r\n")); idx >= 0 {
					headEnd = idx
					status, headers, keepAlive = parseStatusLine(buf.Bytes()[:headEnd])
					if te, ok := headers.Get("transfer-encoding"); ok && strings.Contains(strings.ToLower(te), "chunked") {
						chunkDec = h1.NewChunkedReader()
					} else {
						contentLength = contentLengthFrom(buf.Bytes()[:headEnd])
					}
					bodyBuf.Write(buf.Bytes()[headEnd+4:])
				}
			} else {
				bodyBuf.Write(tmp[:n])
			}

			if headEnd >= 0 {
				switch {
				case chunkDec != nil:
					done, cerr := chunkDec.Consume(&bodyBuf)
					if cerr != nil {
						return backendResponse{}, cerr
					}
					if done {
						return backendResponse{status: status, headers: headers, body: chunkDec.Body(), keepAlive: keepAlive}, nil
					}
				case contentLength >= 0:
					if bodyBuf.Len() >= contentLength {
						return backendResponse{status: status, headers: headers, body: bodyBuf.Bytes()[:contentLength], keepAlive: keepAlive}, nil
					}
				}
			}

			if sink == nil && maxBytes > 0 && buf.Len() > maxBytes {
				return backendResponse{overflowed: true, raw: append([]byte(nil), buf.Bytes()...)}, nil
			}
		}
		if err != nil {
			if headEnd < 0 {
				return backendResponse{}, err
			}
			// Backend closed mid-body: per the finalization rule,
			// treat it as a clean end of a connection that signals
			// body completion by closing, and release with
			// keep-alive = false since the connection is already gone.
			finalBody := bodyBuf.Bytes()
			if chunkDec != nil {
				finalBody = chunkDec.Body()
			} else if contentLength >= 0 && bodyBuf.Len() >= contentLength {
				finalBody = bodyBuf.Bytes()[:contentLength]
			}
			return backendResponse{status: status, headers: headers, body: finalBody, keepAlive: false}, nil
		}
	}
}

func contentLengthFrom(head []byte) int {
	lines := strings.Split(string(head), "\r\n")
	for _, l := range lines {
		kv := strings.SplitN(l, ":", 2)
		if len(kv) == 2 && strings.EqualFold(strings.TrimSpace(kv[0]), "content-length") {
			if n, err := strconv.Atoi(strings.TrimSpace(kv[1])); err == nil {
				return n
			}
		}
	}
	return -1
}

// parseStatusLine parses a response's status line and headers out of
// head (the bytes up to, but not including, the blank-line
// terminator).
func parseStatusLine(head []byte) (status int, headers *h1.OrderedHeaders, keepAlive bool) {
	headers = h1.NewOrderedHeaders()
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 {
		return 502, headers, false
	}
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) < 2 {
		return 502, headers, false
	}
	status, _ = strconv.Atoi(parts[1])
	for _, l := range lines[1:] {
		kv := strings.SplitN(l, ":", 2)
		if len(kv) != 2 {
			continue
		}
		headers.Set(strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1]))
	}
	connHeader, _ := headers.Get("connection")
	keepAlive = !strings.EqualFold(connHeader, "close")
	return status, headers, keepAlive
}
