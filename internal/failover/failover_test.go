package failover

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/nulpointcorp/cli-gateway/internal/breaker"
	"github.com/nulpointcorp/cli-gateway/internal/providers"
	"github.com/nulpointcorp/cli-gateway/internal/session"
)

type fakeDoer struct {
	responses []fakeResponse
	calls     int
}

type fakeResponse struct {
	status int
	body   string
	err    error
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	r := f.responses[f.calls]
	f.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{
		StatusCode: r.status,
		Body:       io.NopCloser(bytes.NewBufferString(r.body)),
		Header:     make(http.Header),
	}, nil
}

func testProviders() []providers.Provider {
	return []providers.Provider{
		{ID: 1, Name: "primary", CliKey: providers.CliClaude, BaseURLs: []string{"https://a.example"}, APIKey: "k1", SortOrder: 0, Enabled: true},
		{ID: 2, Name: "secondary", CliKey: providers.CliClaude, BaseURLs: []string{"https://b.example"}, APIKey: "k2", SortOrder: 1, Enabled: true},
	}
}

func TestExecute_FirstProviderSucceeds(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: `{"ok":true}`}}}
	e := NewEngine(breaker.New(breaker.Config{}, nil), session.New(0, 0), doer)

	rc := &RequestContext{CliKey: providers.CliClaude, Method: "POST", ForwardedPath: "/v1/messages", Headers: http.Header{}, Body: []byte(`{}`)}
	out := e.Execute(context.Background(), rc, testProviders())

	if out.Err != nil {
		t.Fatalf("unexpected error: %+v", out.Err)
	}
	if out.FinalProviderID != 1 {
		t.Fatalf("expected provider 1, got %d", out.FinalProviderID)
	}
	if len(out.Attempts) != 1 || out.Attempts[0].Outcome != "success" {
		t.Fatalf("unexpected attempts: %+v", out.Attempts)
	}
}

func TestExecute_FallsThroughOn5xx(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{
		{status: 503, body: `{"error":"overloaded"}`},
		{status: 200, body: `{"ok":true}`},
	}}
	e := NewEngine(breaker.New(breaker.Config{}, nil), session.New(0, 0), doer)

	rc := &RequestContext{CliKey: providers.CliClaude, Method: "POST", ForwardedPath: "/v1/messages", Headers: http.Header{}, Body: []byte(`{}`)}
	out := e.Execute(context.Background(), rc, testProviders())

	if out.Err != nil {
		t.Fatalf("unexpected error: %+v", out.Err)
	}
	if out.FinalProviderID != 2 {
		t.Fatalf("expected fallthrough to provider 2, got %d", out.FinalProviderID)
	}
	if len(out.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(out.Attempts))
	}
}

func TestExecute_ClientErrorAbortsWithoutTryingNextProvider(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{
		{status: 400, body: `{"error":{"message":"prompt is too long"}}`},
	}}
	e := NewEngine(breaker.New(breaker.Config{}, nil), session.New(0, 0), doer)

	rc := &RequestContext{CliKey: providers.CliClaude, Method: "POST", ForwardedPath: "/v1/messages", Headers: http.Header{}, Body: []byte(`{}`)}
	out := e.Execute(context.Background(), rc, testProviders())

	if out.Err != nil {
		t.Fatalf("expected passthrough response, got error %+v", out.Err)
	}
	if out.Response.StatusCode != 400 {
		t.Fatalf("expected 400 passthrough, got %d", out.Response.StatusCode)
	}
	if doer.calls != 1 {
		t.Fatalf("expected exactly 1 call (no fallthrough on client error), got %d", doer.calls)
	}
}

func TestExecute_ThinkingRectifierRetriesSameProviderOnce(t *testing.T) {
	doer := &fakeDoer{responses: []fakeResponse{
		{status: 400, body: `{"error":{"message":"invalid signature in thinking block"}}`},
		{status: 200, body: `{"ok":true}`},
	}}
	e := NewEngine(breaker.New(breaker.Config{}, nil), session.New(0, 0), doer)

	rc := &RequestContext{CliKey: providers.CliClaude, Method: "POST", ForwardedPath: "/v1/messages", Headers: http.Header{}, Body: []byte(`{"messages":[{"role":"assistant","content":[{"type":"thinking","thinking":"x"}]}]}`)}
	out := e.Execute(context.Background(), rc, testProviders())

	if out.Err != nil {
		t.Fatalf("unexpected error: %+v", out.Err)
	}
	if out.FinalProviderID != 1 {
		t.Fatalf("expected rectifier retry to stay on provider 1, got %d", out.FinalProviderID)
	}
	if doer.calls != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", doer.calls)
	}
	if len(out.Attempts) != 2 || out.Attempts[0].Decision != "retry_same_provider" {
		t.Fatalf("unexpected attempts: %+v", out.Attempts)
	}
}

func TestExecute_BreakerOpenSkipsProvider(t *testing.T) {
	br := breaker.New(breaker.Config{FailureThreshold: 1}, nil)
	br.RecordFailure(1, time.Now())

	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: `{"ok":true}`}}}
	e := NewEngine(br, session.New(0, 0), doer)

	rc := &RequestContext{CliKey: providers.CliClaude, Method: "POST", ForwardedPath: "/v1/messages", Headers: http.Header{}, Body: []byte(`{}`)}
	out := e.Execute(context.Background(), rc, testProviders())

	if out.Err != nil {
		t.Fatalf("unexpected error: %+v", out.Err)
	}
	if out.FinalProviderID != 2 {
		t.Fatalf("expected provider 1 skipped (circuit open), got %d", out.FinalProviderID)
	}
}

func TestExecute_AllProvidersUnavailableReturnsGatewayError(t *testing.T) {
	br := breaker.New(breaker.Config{FailureThreshold: 1}, nil)
	br.RecordFailure(1, time.Now())
	br.RecordFailure(2, time.Now())

	doer := &fakeDoer{responses: []fakeResponse{}}
	e := NewEngine(br, session.New(0, 0), doer)

	rc := &RequestContext{CliKey: providers.CliClaude, Method: "POST", ForwardedPath: "/v1/messages", Headers: http.Header{}, Body: []byte(`{}`)}
	out := e.Execute(context.Background(), rc, testProviders())

	if out.Err == nil || out.Err.Code != "GW_ALL_PROVIDERS_UNAVAILABLE" {
		t.Fatalf("expected GW_ALL_PROVIDERS_UNAVAILABLE, got %+v", out.Err)
	}
}

func TestCodexSessionIDCache_ReusesIDForSameFingerprint(t *testing.T) {
	c := NewCodexSessionIDCache()
	var captured string
	setHeader := func(k, v string) {
		if k == "x-session-id" {
			captured = v
		}
	}

	out1 := c.CompleteCodexSession("fp1", []byte(`{}`), setHeader)
	first := captured
	out2 := c.CompleteCodexSession("fp1", []byte(`{}`), setHeader)

	if captured != first {
		t.Fatalf("expected stable session id for same fingerprint, got %q then %q", first, captured)
	}
	if string(out1) == string(out2) && first == "" {
		t.Fatal("expected prompt_cache_key to be set")
	}
}

func TestIsWarmupRequest(t *testing.T) {
	if !IsWarmupRequest("/v1/messages/count_tokens", []byte(`{"messages":[]}`)) {
		t.Fatal("expected count_tokens path with messages array to be a warmup request")
	}
	if IsWarmupRequest("/v1/messages", []byte(`{"messages":[]}`)) {
		t.Fatal("expected non count_tokens path to not be a warmup request")
	}
}
