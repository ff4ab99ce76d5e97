package gateway

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/cli-gateway/internal/breaker"
	"github.com/nulpointcorp/cli-gateway/internal/cache"
	"github.com/nulpointcorp/cli-gateway/internal/events"
	"github.com/nulpointcorp/cli-gateway/internal/failover"
	"github.com/nulpointcorp/cli-gateway/internal/session"
	"github.com/nulpointcorp/cli-gateway/internal/store"
)

// newTestGateway builds a Gateway wired against a single codex provider
// pointed at upstream (an httptest.Server), with a fresh breaker/session
// manager/memory cache/event bus — the in-memory doubles SPEC_FULL.md §10.4
// calls for in place of the teacher's raw-TCP mock upstreams.
func newTestGateway(t *testing.T, upstream *httptest.Server) (*Gateway, *events.Bus) {
	t.Helper()

	rows := []store.ProviderRow{{
		ID: 1, Name: "codex-primary", CliKey: "codex",
		BaseURLs: []string{upstream.URL}, BaseURLMode: "order",
		APIKey: "test-key", CostMultiplier: 1, SortOrder: 0, Enabled: true,
	}}
	st := store.NewMemoryStore(rows, nil)

	br := breaker.New(breaker.Config{FailureThreshold: 3, OpenDuration: time.Minute}, nil)
	sm := session.New(time.Hour, 1000)
	engine := failover.NewEngine(br, sm, &http.Client{})
	engine.SetTimeouts(time.Second, 5*time.Second)

	memCache := cache.NewMemoryCache(context.Background())
	recent := cache.NewRecentErrorCache(memCache)

	bus := events.NewBus()

	gw := New(st, engine, sm, br, recent, nil, bus, nil)
	return gw, bus
}

// serveGateway mounts gw.handleProxy behind an in-memory fasthttp listener
// (grounded on the teacher's internal/proxy/gateway_test.go serveGateway
// helper) and returns an http.Client dialed straight into it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	r := router.New()
	r.POST("/v1/messages", gw.handleProxy)
	r.POST("/v1/chat/completions", gw.handleProxy)
	r.POST("/v1beta/models/{rest:*}", gw.handleProxy)

	go func() { _ = fasthttp.Serve(ln, r.Handler) }()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
		Timeout: 5 * time.Second,
	}
}

func countTopic(bus *events.Bus, topic string, d time.Duration) int {
	ch, unsub := bus.Subscribe()
	defer unsub()
	n := 0
	deadline := time.After(d)
	for {
		select {
		case ev := <-ch:
			if ev.Topic == topic {
				n++
			}
		case <-deadline:
			return n
		}
	}
}

func TestHandleProxy_SuccessRelaysUpstreamAndLogsOnce(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"resp-1","choices":[{"message":{"content":"hi"}}],"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}`))
	}))
	defer upstream.Close()

	gw, bus := newTestGateway(t, upstream)
	client := serveGateway(t, gw)

	logged := make(chan int, 1)
	go func() { logged <- countTopic(bus, events.TopicRequest, 500*time.Millisecond) }()

	resp, err := client.Post("http://gateway/v1/chat/completions", "application/json", jsonBody(`{"model":"gpt-4"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if n := <-logged; n != 1 {
		t.Fatalf("gateway:request published %d times, want exactly 1", n)
	}
}

func TestHandleProxy_RecentErrorCacheHitSkipsEngine(t *testing.T) {
	upstreamHits := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer upstream.Close()

	gw, _ := newTestGateway(t, upstream)
	client := serveGateway(t, gw)

	body := `{"model":"gpt-4","messages":[]}`

	resp1, err := client.Post("http://gateway/v1/chat/completions", "application/json", jsonBody(body))
	if err != nil {
		t.Fatalf("POST 1: %v", err)
	}
	resp1.Body.Close()
	if resp1.StatusCode != http.StatusBadRequest {
		t.Fatalf("first response status = %d, want 400", resp1.StatusCode)
	}

	time.Sleep(50 * time.Millisecond) // let relayPassthroughError's cache Set land

	resp2, err := client.Post("http://gateway/v1/chat/completions", "application/json", jsonBody(body))
	if err != nil {
		t.Fatalf("POST 2: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("second response status = %d, want 400 (replayed from cache)", resp2.StatusCode)
	}

	if upstreamHits != 1 {
		t.Fatalf("upstream hit %d times, want exactly 1 (second request should be served from the recent-error cache)", upstreamHits)
	}
}

func TestHandleProxy_NonSSETotalTimeoutFinalizesOnce(t *testing.T) {
	block := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		_, _ = w.Write([]byte(`{"partial":`))
		if flusher != nil {
			flusher.Flush()
		}
		<-block // hang until the test ends, forcing the gateway's total timeout
	}))
	defer upstream.Close()
	defer close(block)

	gw, bus := newTestGateway(t, upstream)
	gw.SetStreamTimeouts(0, 30*time.Millisecond)
	client := serveGateway(t, gw)

	logged := make(chan int, 1)
	go func() { logged <- countTopic(bus, events.TopicRequest, 500*time.Millisecond) }()

	resp, err := client.Post("http://gateway/v1/chat/completions", "application/json", jsonBody(`{"model":"gpt-4"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()

	if n := <-logged; n != 1 {
		t.Fatalf("gateway:request published %d times, want exactly 1 (exactly-once finalize on total timeout)", n)
	}
}

func TestHandleProxy_AllProvidersUnavailableReturnsGatewayError(t *testing.T) {
	// A provider whose only base URL nobody listens on, so every dispatch
	// fails as NetworkOrTimeoutBeforeFirstByte.
	rows := []store.ProviderRow{{
		ID: 1, Name: "codex-primary", CliKey: "codex",
		BaseURLs: []string{"http://127.0.0.1:1"}, BaseURLMode: "order",
		APIKey: "test-key", CostMultiplier: 1, SortOrder: 0, Enabled: true,
	}}
	st := store.NewMemoryStore(rows, nil)
	br := breaker.New(breaker.Config{FailureThreshold: 3, OpenDuration: time.Minute}, nil)
	sm := session.New(time.Hour, 1000)
	engine := failover.NewEngine(br, sm, &http.Client{})
	engine.SetTimeouts(50*time.Millisecond, 50*time.Millisecond)

	memCache := cache.NewMemoryCache(context.Background())
	recent := cache.NewRecentErrorCache(memCache)
	gw := New(st, engine, sm, br, recent, nil, events.NewBus(), nil)

	client := serveGateway(t, gw)

	resp, err := client.Post("http://gateway/v1/chat/completions", "application/json", jsonBody(`{"model":"gpt-4"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 500 {
		t.Fatalf("status = %d, want a gateway error status", resp.StatusCode)
	}
}

func jsonBody(s string) *strings.Reader { return strings.NewReader(s) }
