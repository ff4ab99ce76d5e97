// Package store defines the persistence port the core consumes (spec.md §1
// "Out of scope": the relational store for providers, request/attempt logs,
// circuit state, and model prices lives outside the core). This package
// holds the interface and the row types the core emits/reads, plus two
// concrete adapters: a ClickHouse-backed sink (grounded on the teacher's
// go.mod dependency on ClickHouse-go, never wired into code in the teacher
// repo itself) and an in-memory adapter for tests and single-process runs
// with no external database configured.
package store

import "time"

// PriceSheet is femto-USD (1e-15 USD) per token (spec.md §3).
type PriceSheet struct {
	InputCostPerToken               int64
	OutputCostPerToken              int64
	InputCostPerTokenAbove200k      *int64
	OutputCostPerTokenAbove200k     *int64
	CacheCreationInputTokenCost     *int64
	CacheCreationInputTokenCost1h   *int64
	CacheReadInputTokenCost         *int64
}

// RequestLogInsert is the terminal per-request record (spec.md §3). Emitted
// exactly once per request.
type RequestLogInsert struct {
	TraceID             string
	CliKey              string
	SessionID           string
	Method              string
	Path                string
	Query               string
	Status              int
	ErrorCode           string
	DurationMs          int64
	TTFBMs              int64
	AttemptsJSON        string
	RequestedModel      string
	CreatedAt           time.Time
	InputTokens         int64
	OutputTokens        int64
	TotalTokens         int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	CacheCreation5mTokens int64
	CacheCreation1hTokens int64
	CostUSDFemto        int64
	HasUsage            bool
	HasCost             bool
	ExcludedFromStats   bool
	SpecialSettingsJSON string
	FinalProviderID     int64
}

// AttemptLogInsert is one upstream-attempt event record (spec.md §3).
type AttemptLogInsert struct {
	TraceID             string
	AttemptIndex        int
	ProviderID          int64
	ProviderName        string
	BaseURL             string
	Outcome             string
	Status              int
	ErrorCategory       string
	ErrorCode           string
	Decision            string
	RetryIndex          int
	ProviderIndex       int
	AttemptStartedMs    int64
	AttemptDurationMs   int64
	CircuitStateBefore  string
	CircuitStateAfter   string
	CircuitFailureCount int
	CircuitThreshold    int
	SessionReuse        bool
}

// CircuitPersistedState mirrors provider_circuit_breakers (spec.md §6).
type CircuitPersistedState struct {
	ProviderID   int64
	State        string
	FailureCount int
	OpenUntil    *int64
	UpdatedAt    time.Time
}

// Store is the persistence port. Implementations must tolerate concurrent
// calls; the core never blocks a request on a slow Store beyond the bounded
// channels it hands the async writers (see ClickHouseWriter).
type Store interface {
	// ListEnabledProviders returns the providers enabled for cliKey, ordered
	// by SortOrder. Mirrors providers.list_enabled_for_gateway(cli_key).
	ListEnabledProviders(cliKey string) ([]ProviderRow, error)
	// GetPriceSheet returns the price sheet for (cliKey, model). Mirrors
	// model_prices.get(cli_key, model).
	GetPriceSheet(cliKey, model string) (PriceSheet, bool, error)
}

// ProviderRow is the persistence-layer shape of providers.Provider.
type ProviderRow struct {
	ID             int64
	Name           string
	CliKey         string
	BaseURLs       []string
	BaseURLMode    string
	APIKey         string
	CostMultiplier float64
	SortOrder      int
	Enabled        bool
}
