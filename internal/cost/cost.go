// Package cost implements the cost engine (spec.md §4.C2): deterministic
// fixed-point token→USD computation in femto-USD (1e-15 USD), tiered 1M-context
// pricing, and vendor-specific double-charge avoidance. Grounded on
// original_source/cost.rs for the exact rounding and tiering rules; Go has no
// native i128, so the 128-bit intermediates called for in spec.md are
// realized with github.com/shopspring/decimal (arbitrary-precision decimal,
// already transitively required by the teacher's go.mod through
// clickhouse-go), which gives exact half-up rounding without overflow risk.
package cost

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/cli-gateway/internal/store"
	"github.com/nulpointcorp/cli-gateway/internal/usage"
)

const femtoScale = 15 // 1e-15 USD per unit

var femtoMultiplier = decimal.New(1, femtoScale)

const oneMillionTierThreshold = 200_000

// ParsePriceToFemto parses a JSON numeric literal or decimal string (optional
// scientific exponent) into femto-USD, half-up rounded (spec.md §4.C2 step 1).
func ParsePriceToFemto(raw string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	femto := d.Mul(femtoMultiplier)
	return roundHalfUpSaturating(femto), nil
}

// roundHalfUpSaturating rounds d to the nearest integer (half away from
// zero... actually half-up per spec) and saturates at int64 bounds.
func roundHalfUpSaturating(d decimal.Decimal) int64 {
	rounded := d.Round(0)
	// decimal.Round uses round-half-away-from-zero, which coincides with
	// "half-up" for the non-negative prices this engine deals with.
	if rounded.GreaterThan(decimal.New(int64(^uint64(0)>>1), 0)) {
		return int64(^uint64(0) >> 1)
	}
	minI64 := decimal.New(-int64(^uint64(0)>>1)-1, 0)
	if rounded.LessThan(minI64) {
		return -int64(^uint64(0)>>1) - 1
	}
	return rounded.IntPart()
}

func femtoToDecimal(v int64) decimal.Decimal {
	return decimal.New(v, 0)
}

// Input is the subset of usage.Metrics plus the model name and cli_key
// needed to compute cost.
type Input struct {
	CliKey  string // "claude", "codex", "gemini"
	Model   string
	Usage   usage.Metrics
	Sheet   store.PriceSheet
	CostMultiplier float64 // ∈ (0, 1000], 1.0 if unset
}

// Compute implements the full spec.md §4.C2 pipeline. Returns (femtoUSD,
// true) or (0, false) when the final value is ≤ 0 ("Return None").
func Compute(in Input) (int64, bool) {
	billableInput := in.Usage.InputTokens
	switch in.CliKey {
	case "codex", "gemini":
		billableInput = in.Usage.InputTokens - in.Usage.CacheReadInputTokens
		if billableInput < 0 {
			billableInput = 0
		}
	}

	total := decimal.Zero

	is1MTier := in.CliKey == "claude" && strings.Contains(strings.ToLower(in.Model), "1m")

	total = total.Add(tieredCost(billableInput, in.Sheet.InputCostPerToken, in.Sheet.InputCostPerTokenAbove200k, is1MTier, 2.0))
	total = total.Add(tieredCost(in.Usage.OutputTokens, in.Sheet.OutputCostPerToken, in.Sheet.OutputCostPerTokenAbove200k, is1MTier, 1.5))

	if in.Usage.CacheReadInputTokens > 0 {
		rate := in.Sheet.CacheReadInputTokenCost
		var femto int64
		switch {
		case rate != nil:
			femto = *rate
		case in.Sheet.InputCostPerToken > 0:
			femto = roundHalfUpSaturating(femtoToDecimal(in.Sheet.InputCostPerToken).Mul(decimal.NewFromFloat(0.1)))
		case in.Sheet.OutputCostPerToken > 0:
			femto = roundHalfUpSaturating(femtoToDecimal(in.Sheet.OutputCostPerToken).Mul(decimal.NewFromFloat(0.1)))
		}
		total = total.Add(femtoToDecimal(femto).Mul(decimal.New(in.Usage.CacheReadInputTokens, 0)))
	}

	if in.Usage.CacheCreation5mInputTokens > 0 || in.Usage.CacheCreation1hInputTokens > 0 {
		total = total.Add(cacheCreateBucket(in.Usage.CacheCreation5mInputTokens, in.Sheet.InputCostPerToken, in.Sheet.CacheCreationInputTokenCost, 1.25))
		rate1h := in.Sheet.CacheCreationInputTokenCost1h
		total = total.Add(cacheCreateBucket(in.Usage.CacheCreation1hInputTokens, in.Sheet.InputCostPerToken, rate1h, 2.0))
	} else if in.Usage.CacheCreationInputTokens > 0 {
		rate := in.Sheet.CacheCreationInputTokenCost
		var femto int64
		if rate != nil {
			femto = *rate
		} else {
			femto = roundHalfUpSaturating(femtoToDecimal(in.Sheet.InputCostPerToken).Mul(decimal.NewFromFloat(1.25)))
		}
		total = total.Add(femtoToDecimal(femto).Mul(decimal.New(in.Usage.CacheCreationInputTokens, 0)))
	}

	multiplier := in.CostMultiplier
	if multiplier <= 0 {
		multiplier = 1.0
	}
	scaled, _ := decimal.NewFromString(strconv.FormatFloat(multiplier, 'f', 6, 64))
	total = total.Mul(scaled)

	result := roundHalfUpSaturating(total)
	if result <= 0 {
		return 0, false
	}
	return result, true
}

// tieredCost computes tokens·femtoPrice with optional 200k-token tiering:
// either the explicit "_above_200k_tokens" price, or — for Claude "1m"
// models — a multiplier applied to the base price above 200k (spec.md
// §4.C2 step 3).
func tieredCost(tokens int64, baseFemto int64, above200k *int64, is1MTier bool, tierMultiplier float64) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	if tokens <= oneMillionTierThreshold || (!is1MTier && above200k == nil) {
		return femtoToDecimal(baseFemto).Mul(decimal.New(tokens, 0))
	}

	baseTokens := int64(oneMillionTierThreshold)
	excessTokens := tokens - oneMillionTierThreshold

	// 1M-context tiering takes priority over an explicit above-200k price
	// (spec.md §4.C2 step 3: "if 1m-tier ... else if above_200k ...").
	var excessFemto decimal.Decimal
	if is1MTier {
		excessFemto = femtoToDecimal(roundHalfUpSaturating(femtoToDecimal(baseFemto).Mul(decimal.NewFromFloat(tierMultiplier))))
	} else {
		excessFemto = femtoToDecimal(*above200k)
	}

	baseCost := femtoToDecimal(baseFemto).Mul(decimal.New(baseTokens, 0))
	excessCost := excessFemto.Mul(decimal.New(excessTokens, 0))
	return baseCost.Add(excessCost)
}

func cacheCreateBucket(tokens int64, inputFemto int64, explicit *int64, defaultMultiplier float64) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	var femto int64
	if explicit != nil {
		femto = *explicit
	} else {
		femto = roundHalfUpSaturating(femtoToDecimal(inputFemto).Mul(decimal.NewFromFloat(defaultMultiplier)))
	}
	return femtoToDecimal(femto).Mul(decimal.New(tokens, 0))
}
