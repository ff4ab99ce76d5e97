// Package gateway implements the gateway manager (spec.md §6 "External
// interfaces"): the single loopback fasthttp listener that ties the session
// manager, failover engine, response fixer, usage/cost accounting, and the
// observability/log sinks into one request path. Grounded on the teacher's
// internal/proxy/{gateway,router,middleware}.go for the fasthttp server
// shape and middleware chain; the dispatch body is new because the teacher
// reconstructs typed provider requests per vendor SDK, while this gateway
// forwards raw request/response bytes end to end through internal/failover.
package gateway

import (
	"bufio"
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/cli-gateway/internal/breaker"
	"github.com/nulpointcorp/cli-gateway/internal/cache"
	"github.com/nulpointcorp/cli-gateway/internal/cost"
	"github.com/nulpointcorp/cli-gateway/internal/events"
	"github.com/nulpointcorp/cli-gateway/internal/failover"
	"github.com/nulpointcorp/cli-gateway/internal/fixer"
	"github.com/nulpointcorp/cli-gateway/internal/logger"
	"github.com/nulpointcorp/cli-gateway/internal/metrics"
	"github.com/nulpointcorp/cli-gateway/internal/providers"
	"github.com/nulpointcorp/cli-gateway/internal/session"
	"github.com/nulpointcorp/cli-gateway/internal/store"
	"github.com/nulpointcorp/cli-gateway/internal/stream"
	"github.com/nulpointcorp/cli-gateway/internal/usage"
	"github.com/nulpointcorp/cli-gateway/pkg/apierr"

	"github.com/valyala/fasthttp"
)

// recentErrorTTL bounds how long a non-retryable client error is replayed
// from the recent-error cache before the engine is consulted again
// (spec.md §7 "Recovery rules").
const recentErrorTTL = 10 * time.Second

// AttemptSink receives one attempt record at a time for durable storage.
// store.ClickHouseWriter.LogAttempt satisfies this; nil is valid.
type AttemptSink interface {
	LogAttempt(store.AttemptLogInsert)
}

// Gateway wires the request-lifecycle components behind the inbound
// fasthttp listener. All dependencies are injected so the handler can be
// exercised directly in tests without a live socket.
type Gateway struct {
	Store        store.Store
	Engine       *failover.Engine
	Sessions     *session.Manager
	Breaker      *breaker.Breaker
	RecentErrors *cache.RecentErrorCache
	Logger       *logger.Logger
	Attempts     AttemptSink
	Bus          *events.Bus
	FixerCfg     fixer.Config
	Metrics      *metrics.Registry

	log         *slog.Logger
	corsOrigins []string
	srv         *fasthttp.Server
	boundPort   int
	health      *HealthChecker

	streamIdleTimeout  time.Duration
	streamTotalTimeout time.Duration
}

// SetStreamTimeouts configures the SSE idle timeout and the non-SSE total
// timeout enforced around the response body stream (spec.md §4.C7 "All
// tees enforce" / §10.1 STREAM_IDLE_TIMEOUT, STREAM_TOTAL_TIMEOUT). Zero
// disables the corresponding check.
func (g *Gateway) SetStreamTimeouts(idle, total time.Duration) {
	g.streamIdleTimeout = idle
	g.streamTotalTimeout = total
}

// SetHealthChecker attaches a HealthChecker whose snapshot backs GET /health
// and GET /readiness. Optional; nil means those endpoints fall back to a
// bare "ok".
func (g *Gateway) SetHealthChecker(hc *HealthChecker) {
	g.health = hc
}

// New builds a Gateway. log defaults to slog.Default() when nil.
func New(st store.Store, engine *failover.Engine, sessions *session.Manager, br *breaker.Breaker, recent *cache.RecentErrorCache, lg *logger.Logger, bus *events.Bus, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		Store:        st,
		Engine:       engine,
		Sessions:     sessions,
		Breaker:      br,
		RecentErrors: recent,
		Logger:       lg,
		Bus:          bus,
		FixerCfg:     fixer.Config{},
		log:          log,
	}
}

// SetCORSOrigins configures the allowed CORS origins.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// newTraceID returns a ULID-like identifier: 16 random bytes, base32
// encoded without padding (spec.md §6 "Observability events").
func newTraceID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b[:]))
}

// handleProxy is the single entry point for every recognized upstream path
// prefix (spec.md §6): it resolves cli_key, runs the session/Codex/warmup
// sub-policies, drives the failover engine, and relays the terminal response.
func (g *Gateway) handleProxy(ctx *fasthttp.RequestCtx) {
	if g.Metrics != nil {
		g.Metrics.IncInFlight()
		defer g.Metrics.DecInFlight()
	}

	traceID := newTraceID()
	started := time.Now()
	path := string(ctx.Path())
	method := string(ctx.Method())
	query := string(ctx.QueryArgs().QueryString())

	cliKey := providers.PathCliKey(path)
	if cliKey == "" {
		apierr.WriteGatewayError(ctx, fasthttp.StatusNotFound, apierr.CodeUnrecognizedPath, "unrecognized path", 0)
		return
	}

	body := append([]byte(nil), ctx.PostBody()...)
	headers := make(http.Header, 16)
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		headers.Add(string(k), string(v))
	})
	headerGetter := func(name string) string { return string(ctx.Request.Header.Peek(name)) }

	sessionID := session.ExtractSessionID(headerGetter, body)
	fingerprint := cache.Fingerprint(string(cliKey), body)

	if g.RecentErrors != nil {
		if entry, ok := g.RecentErrors.Get(ctx, fingerprint); ok {
			if g.Metrics != nil {
				g.Metrics.CacheGetHit()
			}
			g.writeRecentError(ctx, entry)
			return
		}
		if g.Metrics != nil {
			g.Metrics.CacheGetMiss()
		}
	} else if g.Metrics != nil {
		g.Metrics.CacheGetBypass()
	}

	requestedModel := gjson.GetBytes(body, "model").String()

	var warmupModel string
	isWarmup := cliKey == providers.CliClaude && failover.IsWarmupRequest(path, body)
	if isWarmup {
		warmupModel = requestedModel
		if cached, ok := g.Engine.Warmup.Lookup(warmupModel); ok {
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetContentType("application/json")
			ctx.SetBody(cached)
			return
		}
	}

	if cliKey == providers.CliCodex {
		fp := failover.CodexFingerprint(headerGetter("x-session-id"), body)
		body = g.Engine.CodexSessions.CompleteCodexSession(fp, body, func(k, v string) { headers.Set(k, v) })
	}

	now := time.Now()
	rows, err := g.Store.ListEnabledProviders(string(cliKey))
	if err != nil {
		g.log.ErrorContext(ctx, "list enabled providers failed", slog.String("error", err.Error()))
	}
	candidates := providers.FromRows(rows)

	var boundID int64
	var boundOrder []int64
	if g.Sessions != nil && sessionID != "" {
		if pid, ok := g.Sessions.GetBoundProvider(string(cliKey), sessionID, now); ok {
			boundID = pid
		}
		if order, ok := g.Sessions.GetBoundProviderOrder(string(cliKey), sessionID, now); ok {
			boundOrder = order
		}
	}

	rc := &failover.RequestContext{
		TraceID:         traceID,
		CliKey:          cliKey,
		Method:          method,
		ForwardedPath:   path,
		Query:           query,
		Headers:         headers,
		Body:            body,
		BoundProviderID: boundID,
		BoundOrder:      boundOrder,
		SessionID:       sessionID,
	}

	if g.Bus != nil {
		g.Bus.Publish(events.Event{Topic: events.TopicRequestStart, TraceID: traceID, Data: map[string]any{"cli_key": string(cliKey), "path": path}})
	}

	outcome := g.Engine.Execute(ctx, rc, candidates)

	g.emitAttempts(traceID, path, outcome.Attempts)

	if outcome.Err != nil {
		g.finalizeError(ctx, traceID, string(cliKey), sessionID, method, path, query, started, outcome)
		return
	}

	resp := outcome.Response

	if g.Sessions != nil && sessionID != "" {
		g.Sessions.BindSuccess(string(cliKey), sessionID, outcome.FinalProviderID, "", now)
	}

	copyResponseHeaders(ctx, resp.Header)
	ctx.SetStatusCode(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		g.relayPassthroughError(ctx, fingerprint, resp, traceID, string(cliKey), sessionID, method, path, query, started, outcome)
		return
	}

	if isWarmup {
		defer resp.Body.Close()
		g.relayAndCacheWarmup(ctx, resp, warmupModel)
	} else {
		costMultiplier := 1.0
		for _, p := range candidates {
			if p.ID == outcome.FinalProviderID {
				costMultiplier = p.CostMultiplier
				break
			}
		}
		g.relayAndAccount(ctx, resp, traceID, string(cliKey), sessionID, method, path, query, started, requestedModel, costMultiplier, outcome)
	}
}

// copyResponseHeaders copies resp's headers onto ctx's response, stripping
// hop-by-hop headers (spec.md §6 "Terminal response to client").
func copyResponseHeaders(ctx *fasthttp.RequestCtx, h http.Header) {
	for k, vv := range h {
		if isHopByHopHeader(k) {
			continue
		}
		for _, v := range vv {
			ctx.Response.Header.Add(k, v)
		}
	}
}

func isHopByHopHeader(header string) bool {
	for _, h := range providers.HopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

// writeRecentError replays a cached non-retryable client error verbatim so a
// client that retries immediately does not burn another provider attempt
// (spec.md §7 "Recovery rules").
func (g *Gateway) writeRecentError(ctx *fasthttp.RequestCtx, entry cache.RecentErrorEntry) {
	for k, v := range entry.Headers {
		ctx.Response.Header.Set(k, v)
	}
	ctx.SetStatusCode(entry.Status)
	ctx.SetBodyString(entry.Body)
}

// relayPassthroughError writes a fully-buffered non-2xx upstream response
// verbatim (no fixer applied — spec.md §7: "forwarded to the client
// verbatim"), caches it in the recent-error cache when it was a non-retryable
// client input error, and logs the terminal request record.
func (g *Gateway) relayPassthroughError(ctx *fasthttp.RequestCtx, fingerprint string, resp *http.Response, traceID, cliKey, sessionID, method, path, query string, started time.Time, outcome *failover.Outcome) {
	data, _ := readAllCapped(resp.Body, 64*1024)
	ctx.SetBody(data)

	lastAttempt := lastAttemptOf(outcome.Attempts)
	if g.RecentErrors != nil && lastAttempt.ErrorCategory == "ClientInput" {
		hdrs := map[string]string{"Content-Type": string(ctx.Response.Header.ContentType())}
		err := g.RecentErrors.Set(ctx, fingerprint, cache.RecentErrorEntry{Status: resp.StatusCode, Body: string(data), Headers: hdrs}, recentErrorTTL)
		if g.Metrics != nil {
			if err != nil {
				g.Metrics.CacheSetError()
			} else {
				g.Metrics.CacheSetOK()
			}
		}
	}

	g.logTerminal(traceID, cliKey, sessionID, method, path, query, started, resp.StatusCode, lastAttempt.ErrorCode, outcome, nil, "")
}

// relayAndCacheWarmup streams a successful count_tokens warmup response to
// the client and caches it per model for subsequent probes (spec.md §4.C6
// "Anthropic warmup interception").
func (g *Gateway) relayAndCacheWarmup(ctx *fasthttp.RequestCtx, resp *http.Response, model string) {
	data, _ := readAllCapped(resp.Body, 1<<20)
	ctx.SetBody(data)
	if model != "" {
		g.Engine.Warmup.Store(model, data)
	}
}

// relayAndAccount streams a successful response through the fixer and the
// usage tee, then computes cost and logs the terminal request record
// (spec.md §4.C5, §4.C1, §4.C2, §4.C7). resp.Body is closed here rather than
// by the caller: fasthttp invokes the stream writer after handleProxy has
// already returned, so closing it any earlier would race the read below.
func (g *Gateway) relayAndAccount(ctx *fasthttp.RequestCtx, resp *http.Response, traceID, cliKey, sessionID, method, path, query string, started time.Time, requestedModel string, costMultiplier float64, outcome *failover.Outcome) {
	tee := usage.NewSSETracker()
	transducer := fixer.NewTransducer(g.FixerCfg)
	isSSE := strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer resp.Body.Close()

		var firstByteAt time.Time

		feed := func(chunk []byte) []byte {
			if firstByteAt.IsZero() {
				firstByteAt = time.Now()
			}
			tee.Feed(chunk)
			return transducer.Feed(chunk)
		}

		finalize := func(errorCode, errorCategory string, writeTail bool) {
			if writeTail {
				if tail := transducer.Finalize(); len(tail) > 0 {
					_, _ = w.Write(tail)
					_ = w.Flush()
				}
			}

			extract := tee.Finalize()
			model := requestedModel
			if extract.Model != "" {
				model = extract.Model
			}

			var ttfbMs int64
			if !firstByteAt.IsZero() {
				ttfbMs = firstByteAt.Sub(started).Milliseconds()
			}

			specialJSON := ""
			if rec, ok := transducer.AuditRecord(); ok {
				if b, err := json.Marshal(rec); err == nil {
					specialJSON = string(b)
				}
			}

			// Stream failures surface after the breaker already recorded a
			// success for the 2xx status line, so they get their own penalty
			// here instead of going through Engine.Execute's outcome switch
			// (spec.md §4.C7 table: Stream -> trigger_cooldown, "cannot
			// switch mid-stream").
			if errorCategory == "Stream" && outcome.FinalProviderID != 0 && g.Breaker != nil {
				g.Breaker.TriggerCooldown(outcome.FinalProviderID, time.Now(), 60)
			}

			g.account(traceID, cliKey, sessionID, method, path, query, started, ttfbMs, model, costMultiplier, extract.Metrics, specialJSON, errorCode, outcome)
		}

		onPanic := func(r any) {
			g.log.Error("panic while streaming response", slog.Any("panic", r), slog.String("trace_id", traceID))
		}

		cfg := stream.Config{IsSSE: isSSE, IdleTimeout: g.streamIdleTimeout, TotalTimeout: g.streamTotalTimeout}
		stream.Relay(resp.Body, w, feed, cfg, started, onPanic, finalize)
	})
}

// account computes cost for the finalized usage extract and logs the
// terminal request record (spec.md §4.C2, §3 request_logs). errorCode is
// non-empty only for a stream-category finalize (idle/total timeout or
// panic drop-guard; a client abort finalizes with an empty errorCode); the
// client already received a 200 status line by
// the time any of those can fire, so the logged status stays 200.
func (g *Gateway) account(traceID, cliKey, sessionID, method, path, query string, started time.Time, ttfbMs int64, model string, costMultiplier float64, m usage.Metrics, specialJSON, errorCode string, outcome *failover.Outcome) {
	var costFemto int64
	var hasCost bool

	if g.Store != nil {
		if sheet, ok, err := g.Store.GetPriceSheet(cliKey, model); err == nil && ok {
			if v, ok := cost.Compute(cost.Input{CliKey: cliKey, Model: model, Usage: m, Sheet: sheet, CostMultiplier: costMultiplier}); ok {
				costFemto, hasCost = v, true
			}
		}
	}

	hasUsage := m.HasInput || m.HasOutput || m.HasTotal
	g.logTerminal(traceID, cliKey, sessionID, method, path, query, started, 200, errorCode, outcome, &accountingResult{
		model: model, usage: m, hasUsage: hasUsage, costFemto: costFemto, hasCost: hasCost, ttfbMs: ttfbMs,
	}, specialJSON)
}

type accountingResult struct {
	model     string
	usage     usage.Metrics
	hasUsage  bool
	costFemto int64
	hasCost   bool
	ttfbMs    int64
}

// logTerminal assembles and emits the single terminal RequestLogInsert for
// this request (spec.md §8 property 11: "exactly once per request").
func (g *Gateway) logTerminal(traceID, cliKey, sessionID, method, path, query string, started time.Time, status int, errorCode string, outcome *failover.Outcome, acct *accountingResult, specialJSON string) {
	attemptsJSON := ""
	if b, err := json.Marshal(attemptLogsOf(traceID, outcome.Attempts)); err == nil {
		attemptsJSON = string(b)
	}

	row := store.RequestLogInsert{
		TraceID:             traceID,
		CliKey:              cliKey,
		SessionID:           sessionID,
		Method:              method,
		Path:                path,
		Query:               query,
		Status:              status,
		ErrorCode:           errorCode,
		DurationMs:          time.Since(started).Milliseconds(),
		AttemptsJSON:        attemptsJSON,
		CreatedAt:           started,
		FinalProviderID:     outcome.FinalProviderID,
		SpecialSettingsJSON: specialJSON,
	}

	if acct != nil {
		row.RequestedModel = acct.model
		row.TTFBMs = acct.ttfbMs
		row.HasUsage = acct.hasUsage
		row.HasCost = acct.hasCost
		row.CostUSDFemto = acct.costFemto
		row.InputTokens = acct.usage.InputTokens
		row.OutputTokens = acct.usage.OutputTokens
		row.TotalTokens = acct.usage.TotalTokens
		row.CacheReadTokens = acct.usage.CacheReadInputTokens
		row.CacheCreationTokens = acct.usage.CacheCreationInputTokens
		row.CacheCreation5mTokens = acct.usage.CacheCreation5mInputTokens
		row.CacheCreation1hTokens = acct.usage.CacheCreation1hInputTokens
	}

	if g.Logger != nil {
		g.Logger.Log(row)
	}
	if g.Bus != nil {
		g.Bus.Publish(events.Event{Topic: events.TopicRequest, TraceID: traceID, Data: map[string]any{"status": status, "cli_key": cliKey}})
	}

	if g.Metrics != nil {
		dur := time.Since(started)
		g.Metrics.ObserveHTTP(path, status, dur, -1, -1)
		g.Metrics.RecordRequest(cliKey, status, dur.Milliseconds())
		cacheLabel := "bypass"
		if g.RecentErrors != nil {
			cacheLabel = "miss"
		}
		g.Metrics.ObserveGatewayRequest(cliKey, path, cacheLabel, dur)
		if errorCode != "" {
			g.Metrics.RecordError(outcome.FinalProviderName, errorCode)
		}
		if acct != nil {
			g.Metrics.AddTokens(cliKey, path, int(acct.usage.InputTokens), int(acct.usage.OutputTokens), acct.usage.CacheReadInputTokens > 0)
		}
	}
}

func (g *Gateway) finalizeError(ctx *fasthttp.RequestCtx, traceID, cliKey, sessionID, method, path, query string, started time.Time, outcome *failover.Outcome) {
	ge := outcome.Err
	apierr.WriteGatewayError(ctx, ge.Status, ge.Code, ge.Message, ge.RetryAfterSeconds)
	if g.Metrics != nil && ge.Code == apierr.CodeAllProvidersUnavailable {
		g.Metrics.RecordCircuitBreakerRejection(cliKey, "open")
	}
	g.logTerminal(traceID, cliKey, sessionID, method, path, query, started, ge.Status, ge.Code, outcome, nil, "")
}

func (g *Gateway) emitAttempts(traceID, path string, attempts []failover.AttemptResult) {
	for i, a := range attempts {
		row := a.ToLog(traceID)
		if g.Attempts != nil {
			g.Attempts.LogAttempt(row)
		}
		if g.Bus != nil {
			g.Bus.Publish(events.Event{Topic: events.TopicAttempt, TraceID: traceID, Data: map[string]any{
				"provider_id": a.ProviderID, "outcome": a.Outcome, "status": a.Status,
			}})
			if a.CircuitStateBefore != a.CircuitStateAfter {
				g.Bus.Publish(events.Event{Topic: events.TopicCircuit, TraceID: traceID, Data: map[string]any{
					"provider_id": a.ProviderID, "from": a.CircuitStateBefore, "to": a.CircuitStateAfter,
				}})
			}
		}

		if g.Metrics == nil {
			continue
		}
		g.Metrics.ObserveUpstreamAttempt(a.ProviderName, path, a.Outcome, a.Duration)
		if a.ErrorCode != "" {
			g.Metrics.RecordError(a.ProviderName, a.ErrorCode)
		}
		if a.Outcome == "rate_limited" {
			g.Metrics.RecordRateLimit(a.ProviderName)
		}
		stateInt := int64(0)
		if a.CircuitStateAfter == "open" {
			stateInt = 1
		}
		g.Metrics.SetCircuitBreaker(a.ProviderName, stateInt)

		if i > 0 {
			prev := attempts[i-1]
			g.Metrics.RecordFailover(attempts[0].ProviderName, prev.ProviderName, a.ProviderName, a.Decision)
			if a.Outcome == "success" {
				g.Metrics.RecordFailoverSuccess(attempts[0].ProviderName, a.ProviderName)
			}
			if i == len(attempts)-1 && a.Outcome != "success" {
				g.Metrics.RecordFailoverExhausted(attempts[0].ProviderName)
			}
		}
	}
}

func attemptLogsOf(traceID string, attempts []failover.AttemptResult) []store.AttemptLogInsert {
	out := make([]store.AttemptLogInsert, len(attempts))
	for i, a := range attempts {
		out[i] = a.ToLog(traceID)
	}
	return out
}

// readAllCapped reads up to cap bytes from r, discarding the rest of the
// stream (used for small, fully-buffered bodies: warmup responses and
// already-drained non-2xx pass-through bodies).
func readAllCapped(r io.Reader, cap int) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, int64(cap)))
}

func lastAttemptOf(attempts []failover.AttemptResult) failover.AttemptResult {
	if len(attempts) == 0 {
		return failover.AttemptResult{}
	}
	return attempts[len(attempts)-1]
}
