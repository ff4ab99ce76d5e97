// Package anthropic wraps the official Anthropic SDK for the one auxiliary
// use the gateway has for it: a connectivity/auth probe per configured
// Claude provider row, consumed by internal/gateway's HealthChecker. The
// request/response path itself forwards raw bytes through internal/failover
// (spec.md's core design), so this package intentionally does not
// reconstruct typed Messages API requests.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	providerName   = "anthropic"
	probeTimeout   = 10 * time.Second
)

// Prober performs a lightweight authenticated call against a Claude base URL.
type Prober struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures a Prober.
type Option func(*Prober)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Prober) { p.baseURL = url }
}

// New creates a Prober bound to one provider's api key/base URL.
func New(apiKey string, opts ...Option) *Prober {
	p := &Prober{apiKey: apiKey, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: probeTimeout}),
	)
	return p
}

func (p *Prober) Name() string { return providerName }

// HealthCheck lists one model as a cheap auth/connectivity check.
func (p *Prober) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{StatusCode: apiErr.StatusCode, Message: apiErr.Error(), Type: "anthropic_error"}
	}
	return err
}
