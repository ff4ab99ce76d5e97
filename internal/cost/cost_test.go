package cost

import (
	"testing"

	"github.com/nulpointcorp/cli-gateway/internal/store"
	"github.com/nulpointcorp/cli-gateway/internal/usage"
)

func mustFemto(t *testing.T, s string) int64 {
	t.Helper()
	f, err := ParsePriceToFemto(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return f
}

func TestParsePriceToFemto(t *testing.T) {
	got := mustFemto(t, "0.00001")
	want := int64(1e10) // 0.00001 * 1e15
	if got != want {
		t.Fatalf("got %d want %d", got, want)
	}
}

func TestCompute_BasicInputOutput(t *testing.T) {
	sheet := store.PriceSheet{
		InputCostPerToken:  mustFemto(t, "0.00001"),
		OutputCostPerToken: mustFemto(t, "0.00003"),
	}
	in := Input{
		CliKey: "codex",
		Model:  "gpt-x",
		Usage:  usage.Metrics{InputTokens: 3, HasInput: true, OutputTokens: 4, HasOutput: true},
		Sheet:  sheet,
	}
	got, ok := Compute(in)
	if !ok {
		t.Fatal("expected cost")
	}
	want := int64(3*1e10 + 4*3*1e10)
	if got != want {
		t.Fatalf("got %d want %d", got, want)
	}
}

func TestCompute_CodexSubsetRule(t *testing.T) {
	sheet := store.PriceSheet{InputCostPerToken: mustFemto(t, "0.00001")}
	withCache := Input{CliKey: "codex", Usage: usage.Metrics{InputTokens: 100, HasInput: true, CacheReadInputTokens: 80, HasCacheRead: true}, Sheet: sheet}
	got, _ := Compute(withCache)

	onlyInput := Input{CliKey: "codex", Usage: usage.Metrics{InputTokens: 20, HasInput: true}, Sheet: sheet}
	onlyCached := Input{CliKey: "codex", Usage: usage.Metrics{InputTokens: 0, CacheReadInputTokens: 80, HasCacheRead: true}, Sheet: sheet}
	a, _ := Compute(onlyInput)
	b, _ := Compute(onlyCached)

	if got != a+b {
		t.Fatalf("subset rule violated: got %d want %d", got, a+b)
	}
}

func TestCompute_ClaudeCacheIsAdditive(t *testing.T) {
	sheet := store.PriceSheet{InputCostPerToken: mustFemto(t, "0.00001")}
	combined := Input{CliKey: "claude", Usage: usage.Metrics{InputTokens: 100, HasInput: true, CacheReadInputTokens: 80, HasCacheRead: true}, Sheet: sheet}
	got, _ := Compute(combined)

	full := Input{CliKey: "claude", Usage: usage.Metrics{InputTokens: 100, HasInput: true}, Sheet: sheet}
	cachedOnly := Input{CliKey: "claude", Usage: usage.Metrics{CacheReadInputTokens: 80, HasCacheRead: true}, Sheet: sheet}
	a, _ := Compute(full)
	b, _ := Compute(cachedOnly)

	if got != a+b {
		t.Fatalf("claude additive rule violated: got %d want %d", got, a+b)
	}
}

func TestCompute_1MTier(t *testing.T) {
	sheet := store.PriceSheet{InputCostPerToken: mustFemto(t, "0.01")}
	in := Input{
		CliKey: "claude",
		Model:  "claude-opus-4-1m",
		Usage:  usage.Metrics{InputTokens: 200001, HasInput: true},
		Sheet:  sheet,
	}
	got, ok := Compute(in)
	if !ok {
		t.Fatal("expected cost")
	}
	want := mustFemto(t, "2000.02")
	if got != want {
		t.Fatalf("got %d want %d", got, want)
	}
}

func TestCompute_ZeroOrNegativeReturnsNone(t *testing.T) {
	sheet := store.PriceSheet{InputCostPerToken: 0, OutputCostPerToken: 0}
	in := Input{CliKey: "claude", Usage: usage.Metrics{InputTokens: 5, HasInput: true}, Sheet: sheet}
	_, ok := Compute(in)
	if ok {
		t.Fatal("expected no cost for zero-priced usage")
	}
}
