// Package openai wraps the official OpenAI SDK for the one auxiliary use
// the gateway has for it: a connectivity/auth probe per configured Codex
// provider row, consumed by internal/gateway's HealthChecker. Codex/Responses
// traffic itself is forwarded raw through internal/failover, so this package
// does not reconstruct typed Chat Completions requests.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
	probeTimeout   = 10 * time.Second
)

// Prober performs a lightweight authenticated call against a Codex base URL.
type Prober struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// Option configures a Prober.
type Option func(*Prober)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Prober) { p.baseURL = u }
}

// New creates a Prober bound to one provider's api key/base URL.
func New(apiKey string, opts ...Option) *Prober {
	p := &Prober{apiKey: apiKey, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: probeTimeout}
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, p.baseURL)
	}

	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(httpClient),
	)
	return p
}

func (p *Prober) Name() string { return providerName }

// HealthCheck lists available models as a cheap auth/connectivity check.
func (p *Prober) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
	}
	return nil
}

type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{StatusCode: apiErr.StatusCode, Message: apiErr.Error(), Type: "openai_error"}
	}
	return err
}

// baseURLTransport redirects requests built against the SDK's default host
// to a provider-specific base URL (self-hosted/compatible endpoints) while
// preserving the SDK's own path construction.
type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL
	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}
	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}
