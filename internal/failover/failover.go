// Package failover implements the failover engine (spec.md §4.C6): the
// per-request provider selection loop, outcome classification, and the three
// named sub-policies (thinking-signature rectifier, Codex session-id
// completion, Anthropic warmup interception). Grounded on the teacher's
// internal/proxy/gateway.go for the overall "try provider, classify,
// fall through" shape; the classification taxonomy, rectifier, and
// session-id completion are new — there is no vendor-agnostic raw-byte
// forwarding anywhere in the teacher, which reconstructs typed SDK requests
// per vendor instead.
package failover

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/cli-gateway/internal/breaker"
	"github.com/nulpointcorp/cli-gateway/internal/providers"
	"github.com/nulpointcorp/cli-gateway/internal/session"
	"github.com/nulpointcorp/cli-gateway/internal/store"
)

// HTTPDoer is satisfied by *http.Client; tests inject a fake.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RequestContext is everything the engine needs to drive one client request
// across candidate providers.
type RequestContext struct {
	TraceID                string
	CliKey                 providers.CliKey
	Method                 string
	ForwardedPath          string
	Query                  string
	Headers                http.Header
	Body                   []byte
	BoundProviderID        int64
	BoundOrder             []int64
	SessionID              string
	MaxProvidersToTry      int
	MaxAttemptsPerProvider int
}

// AttemptResult is one upstream attempt's outcome, ready to convert to
// store.AttemptLogInsert.
type AttemptResult struct {
	ProviderID          int64
	ProviderName        string
	BaseURL             string
	AttemptIndex        int
	RetryIndex          int
	ProviderIndex       int
	Outcome             string
	Status              int
	ErrorCategory       string
	ErrorCode           string
	Decision            string
	StartedAt           time.Time
	Duration            time.Duration
	CircuitStateBefore  string
	CircuitStateAfter   string
	CircuitFailureCount int
	CircuitThreshold    int
}

func (a AttemptResult) ToLog(traceID string) store.AttemptLogInsert {
	return store.AttemptLogInsert{
		TraceID:             traceID,
		AttemptIndex:        a.AttemptIndex,
		ProviderID:          a.ProviderID,
		ProviderName:        a.ProviderName,
		BaseURL:             a.BaseURL,
		Outcome:             a.Outcome,
		Status:              a.Status,
		ErrorCategory:       a.ErrorCategory,
		ErrorCode:           a.ErrorCode,
		Decision:            a.Decision,
		RetryIndex:          a.RetryIndex,
		ProviderIndex:       a.ProviderIndex,
		AttemptStartedMs:    a.StartedAt.UnixMilli(),
		AttemptDurationMs:   a.Duration.Milliseconds(),
		CircuitStateBefore:  a.CircuitStateBefore,
		CircuitStateAfter:   a.CircuitStateAfter,
		CircuitFailureCount: a.CircuitFailureCount,
		CircuitThreshold:    a.CircuitThreshold,
	}
}

// GatewayError is returned when no provider produced a usable response.
type GatewayError struct {
	Status            int
	Code              string
	Message           string
	RetryAfterSeconds int
}

func (e *GatewayError) Error() string { return e.Message }

// Outcome is the engine's result for one request.
type Outcome struct {
	Response          *http.Response
	FinalProviderID   int64
	FinalProviderName string
	Attempts          []AttemptResult
	Err               *GatewayError
}

// Engine drives the per-request candidate loop.
type Engine struct {
	Breaker       *breaker.Breaker
	Sessions      *session.Manager
	Warmup        *WarmupCache
	CodexSessions *CodexSessionIDCache
	HTTP          HTTPDoer
	Now           func() time.Time

	pingMu     pingCacheTable
	connectTO  time.Duration
	firstByte  time.Duration
}

type pingCacheTable struct {
	mu     sync.Mutex
	caches map[int64]*PingCache
}

func NewEngine(br *breaker.Breaker, sm *session.Manager, http HTTPDoer) *Engine {
	return &Engine{
		Breaker:       br,
		Sessions:      sm,
		Warmup:        NewWarmupCache(),
		CodexSessions: NewCodexSessionIDCache(),
		HTTP:          http,
		Now:           time.Now,
		pingMu:        pingCacheTable{caches: make(map[int64]*PingCache)},
		connectTO:     providers.DefaultConnectTimeout,
		firstByte:     providers.DefaultFirstByteTimeout,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// buildOrder orders candidates: the session-bound provider first (if still
// present and enabled), then the session-bound order, then remaining
// candidates in their stored sort order (spec.md §4.C6 "Ordering").
func buildOrder(candidates []providers.Provider, boundID int64, boundOrder []int64) []providers.Provider {
	byID := make(map[int64]providers.Provider, len(candidates))
	for _, p := range candidates {
		byID[p.ID] = p
	}

	order := make([]providers.Provider, 0, len(candidates))
	seen := make(map[int64]bool, len(candidates))

	if boundID != 0 {
		if p, ok := byID[boundID]; ok {
			order = append(order, p)
			seen[boundID] = true
		}
	}
	for _, id := range boundOrder {
		if seen[id] {
			continue
		}
		if p, ok := byID[id]; ok {
			order = append(order, p)
			seen[id] = true
		}
	}
	for _, p := range candidates {
		if seen[p.ID] {
			continue
		}
		order = append(order, p)
		seen[p.ID] = true
	}
	return order
}

// Execute runs the failover loop over candidates for one request.
func (e *Engine) Execute(ctx context.Context, rc *RequestContext, candidates []providers.Provider) *Outcome {
	order := buildOrder(candidates, rc.BoundProviderID, rc.BoundOrder)

	maxProviders := rc.MaxProvidersToTry
	if maxProviders <= 0 {
		maxProviders = len(order)
	}
	maxAttempts := rc.MaxAttemptsPerProvider
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var attempts []AttemptResult
	anyDenied := false
	lastStatus := 0
	lastErrorCode := ""
	attemptIndex := 0
	tried := 0
	var minOpenUntil *int64

	for providerIdx, p := range order {
		if tried >= maxProviders {
			break
		}

		now := e.now()
		check := e.Breaker.ShouldAllow(p.ID, now)
		if !check.Allow {
			anyDenied = true
			if until := earliestRetry(check.SnapshotAfter); until != nil {
				if minOpenUntil == nil || *until < *minOpenUntil {
					minOpenUntil = until
				}
			}
			continue
		}
		tried++

		body := rc.Body
		rectifierUsed := false
		attemptBudget := maxAttempts

		for attemptNum := 1; attemptNum <= attemptBudget; attemptNum++ {
			attemptIndex++
			started := e.now()
			before := e.Breaker.Snapshot(p.ID)

			resp, errBody, status, derr := e.dispatch(ctx, p, rc, body)
			duration := e.now().Sub(started)

			var cls Classification
			if derr != nil {
				cls = Classification{Category: NetworkOrTimeoutBeforeFirstByte, ErrorCode: "GW_UPSTREAM_UNREACHABLE", ErrorCategory: "Network"}
			} else if status >= 200 && status < 300 {
				cls = Classification{Category: Success}
			} else {
				cls = ClassifyHTTP(status, errBody)
			}

			ar := AttemptResult{
				ProviderID:         p.ID,
				ProviderName:       p.Name,
				AttemptIndex:       attemptIndex,
				RetryIndex:         attemptNum - 1,
				ProviderIndex:      providerIdx,
				Status:             status,
				ErrorCategory:      cls.ErrorCategory,
				ErrorCode:          cls.ErrorCode,
				StartedAt:          started,
				Duration:           duration,
				CircuitStateBefore: before.State.String(),
				CircuitFailureCount: before.FailureCount,
				CircuitThreshold:   before.FailureThreshold,
			}

			switch cls.Category {
			case Success:
				e.Breaker.RecordSuccess(p.ID, e.now())
				ar.Outcome = "success"
				ar.Decision = "return"
				ar.CircuitStateAfter = "closed"
				attempts = append(attempts, ar)
				return &Outcome{Response: resp, FinalProviderID: p.ID, FinalProviderName: p.Name, Attempts: attempts}

			case ClientError4xxNonRetryable:
				if rc.CliKey == providers.CliClaude && cls.RectifierTrigger && !rectifierUsed {
					rectifierUsed = true
					attemptBudget++
					body = RectifyThinking(body)
					ar.Outcome = "client_error_rectified"
					ar.Decision = "retry_same_provider"
					ar.CircuitStateAfter = before.State.String()
					attempts = append(attempts, ar)
					continue
				}
				ar.Outcome = "client_error_abort"
				ar.Decision = "abort"
				ar.CircuitStateAfter = before.State.String()
				attempts = append(attempts, ar)
				return &Outcome{Response: resp, FinalProviderID: p.ID, FinalProviderName: p.Name, Attempts: attempts}

			case ClientErrorRetryableSamePid:
				e.Breaker.TriggerCooldown(p.ID, e.now(), 60)
				ar.Outcome = "rate_limited"
				lastStatus, lastErrorCode = status, cls.ErrorCode
				if attemptNum < attemptBudget {
					ar.Decision = "retry_same_provider"
					ar.CircuitStateAfter = before.State.String()
					attempts = append(attempts, ar)
					continue
				}
				ar.Decision = "next_provider"
				ar.CircuitStateAfter = before.State.String()
				attempts = append(attempts, ar)

			case AuthOrAccess:
				ar.Outcome = "auth_or_access_error"
				ar.Decision = "next_provider"
				ar.CircuitStateAfter = before.State.String()
				lastStatus, lastErrorCode = status, cls.ErrorCode
				attempts = append(attempts, ar)

			default: // ServerError5xx, NetworkOrTimeoutBeforeFirstByte, StreamErrorAfterFirstByte
				change := e.Breaker.RecordFailure(p.ID, e.now())
				ar.Outcome = "failure"
				ar.Decision = "next_provider"
				ar.CircuitStateAfter = change.SnapshotAfter.State.String()
				lastStatus, lastErrorCode = status, cls.ErrorCode
				attempts = append(attempts, ar)
			}

			break // inner loop: move to next provider unless a `continue` above fired
		}
	}

	if len(order) == 0 {
		return &Outcome{Attempts: attempts, Err: &GatewayError{Status: 503, Code: "GW_NO_PROVIDERS_CONFIGURED", Message: "no providers configured"}}
	}
	if tried == 0 && anyDenied {
		retryAfter := 30
		if minOpenUntil != nil {
			if secs := int(*minOpenUntil - e.now().Unix()); secs > 0 {
				retryAfter = secs
			} else {
				retryAfter = 1
			}
		}
		return &Outcome{Attempts: attempts, Err: &GatewayError{Status: 503, Code: "GW_ALL_PROVIDERS_UNAVAILABLE", Message: "all providers are circuit-open or cooling down", RetryAfterSeconds: retryAfter}}
	}
	msg := "all providers failed"
	if lastErrorCode == "" {
		lastErrorCode = "GW_UPSTREAM_ALL_FAILED"
	}
	return &Outcome{Attempts: attempts, Err: &GatewayError{Status: statusOr502(lastStatus), Code: lastErrorCode, Message: msg}}
}

// earliestRetry returns the unix-seconds deadline at which a denied provider
// next becomes reachable — whichever of open_until/cooldown_until is later,
// since should_allow requires both to have passed (spec.md §4.C3).
func earliestRetry(snap breaker.Snapshot) *int64 {
	var until *int64
	if snap.OpenUntil != nil {
		until = snap.OpenUntil
	}
	if snap.CooldownUntil != nil && (until == nil || *snap.CooldownUntil > *until) {
		until = snap.CooldownUntil
	}
	return until
}

func statusOr502(status int) int {
	if status >= 500 && status < 600 {
		return status
	}
	return 502
}

// dispatch sends one attempt. For a 2xx response, Body is left unread for
// the caller to stream; for a non-2xx response, the body is fully drained
// (capped) so ClassifyHTTP can inspect it, then re-wrapped onto resp.Body so
// the caller can still forward it verbatim.
func (e *Engine) dispatch(ctx context.Context, p providers.Provider, rc *RequestContext, body []byte) (resp *http.Response, errBody []byte, status int, err error) {
	baseURL := e.selectBaseURL(p)
	targetURL := providers.BuildTargetURL(baseURL, rc.ForwardedPath)
	if rc.Query != "" {
		targetURL += "?" + rc.Query
	}

	firstByteCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(e.firstByteTimeout(), cancel)
	defer func() {
		if err != nil {
			cancel()
		}
	}()

	req, rerr := http.NewRequestWithContext(firstByteCtx, rc.Method, targetURL, bytes.NewReader(body))
	if rerr != nil {
		timer.Stop()
		return nil, nil, 0, rerr
	}
	for k, vv := range rc.Headers {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	providers.InjectAuth(p.CliKey, p.APIKey, req.Header.Set)

	resp, err = e.HTTP.Do(req)
	timer.Stop()
	if err != nil {
		e.invalidatePing(p, baseURL)
		return nil, nil, 0, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		const capBytes = 64 * 1024
		data, _ := io.ReadAll(io.LimitReader(resp.Body, capBytes))
		resp.Body.Close()
		resp.Body = &cancelOnCloseBody{ReadCloser: io.NopCloser(bytes.NewReader(data)), cancel: cancel}
		return resp, data, resp.StatusCode, nil
	}
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil, resp.StatusCode, nil
}

// cancelOnCloseBody releases the per-attempt first-byte-timeout context once
// the caller is done reading the response body, so a successful streaming
// response isn't held open by a context nobody ever cancels.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

func (e *Engine) firstByteTimeout() time.Duration {
	if e.firstByte > 0 {
		return e.firstByte
	}
	return providers.DefaultFirstByteTimeout
}

// SetTimeouts overrides the connect and first-byte timeouts used for every
// upstream attempt (spec.md §10.1 CONNECT_TIMEOUT / FIRST_BYTE_TIMEOUT).
// Zero values leave the corresponding default in place. The connect timeout
// takes effect by giving HTTP a transport with that dial and TLS-handshake
// timeout, which is done only when HTTP is an *http.Client that has no
// Transport of its own.
func (e *Engine) SetTimeouts(connect, firstByte time.Duration) {
	if connect > 0 {
		e.connectTO = connect
		if c, ok := e.HTTP.(*http.Client); ok && c.Transport == nil {
			t := http.DefaultTransport.(*http.Transport).Clone()
			t.DialContext = (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext
			t.TLSHandshakeTimeout = connect
			c.Transport = t
		}
	}
	if firstByte > 0 {
		e.firstByte = firstByte
	}
}

func isHopByHop(header string) bool {
	for _, h := range providers.HopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

func (e *Engine) selectBaseURL(p providers.Provider) string {
	if p.BaseURLMode != providers.BaseURLModePing || len(p.BaseURLs) <= 1 {
		return p.FirstBaseURL()
	}
	return e.pingCacheFor(p.ID).Select(p.BaseURLs)
}

func (e *Engine) pingCacheFor(pid int64) *PingCache {
	e.pingMu.mu.Lock()
	defer e.pingMu.mu.Unlock()
	if c, ok := e.pingMu.caches[pid]; ok {
		return c
	}
	c := NewPingCache(DefaultPingTTL, tcpProbe)
	e.pingMu.caches[pid] = c
	return c
}

func (e *Engine) invalidatePing(p providers.Provider, baseURL string) {
	e.pingMu.mu.Lock()
	c, ok := e.pingMu.caches[p.ID]
	e.pingMu.mu.Unlock()
	if ok {
		c.Invalidate(baseURL)
	}
}

// tcpProbe measures TCP connect latency to a base URL's host:port, the
// default PingCache prober.
func tcpProbe(baseURL string) (time.Duration, bool) {
	host := baseURL
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	if idx := strings.IndexByte(host, '/'); idx >= 0 {
		host = host[:idx]
	}
	if !strings.Contains(host, ":") {
		if strings.HasPrefix(baseURL, "https://") {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	start := time.Now()
	conn, err := net.DialTimeout("tcp", host, 2*time.Second)
	if err != nil {
		return 0, false
	}
	conn.Close()
	return time.Since(start), true
}
