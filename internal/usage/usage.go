// Package usage implements the usage codec (spec.md §4.C1): schema-agnostic
// extraction of token counts across OpenAI Chat Completions, OpenAI Responses,
// Claude, and Gemini response shapes, plus the SSE usage tracker (spec.md
// §4.C7's "SSE usage tee" parses frames; this package owns the per-event
// field-merge rules the tee delegates to).
//
// Dynamic JSON handling is expressed as a dispatch table keyed by a probe
// function (spec.md §9 "Design Notes"), not ad-hoc reflection: gjson.Result
// is the tagged-union value the extractors pattern-match against.
package usage

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Metrics is the UsageMetrics value from spec.md §3. All fields are optional
// (Has* flags distinguish "absent" from "present and zero").
type Metrics struct {
	InputTokens                int64
	OutputTokens               int64
	TotalTokens                int64
	CacheReadInputTokens       int64
	CacheCreationInputTokens   int64
	CacheCreation5mInputTokens int64
	CacheCreation1hInputTokens int64

	HasInput          bool
	HasOutput         bool
	HasTotal          bool
	HasCacheRead      bool
	HasCacheCreation  bool
	HasCacheCreate5m  bool
	HasCacheCreate1h  bool
}

// Merge folds other into m, field-wise preferring the newer non-null value
// (spec.md §4.C1 SseUsageTracker, §4.C7 "merges ... field-wise prefer newer
// non-null"). Returns the merged result.
func Merge(base, other Metrics) Metrics {
	out := base
	if other.HasInput {
		out.InputTokens, out.HasInput = other.InputTokens, true
	}
	if other.HasOutput {
		out.OutputTokens, out.HasOutput = other.OutputTokens, true
	}
	if other.HasTotal {
		out.TotalTokens, out.HasTotal = other.TotalTokens, true
	}
	if other.HasCacheRead {
		out.CacheReadInputTokens, out.HasCacheRead = other.CacheReadInputTokens, true
	}
	if other.HasCacheCreation {
		out.CacheCreationInputTokens, out.HasCacheCreation = other.CacheCreationInputTokens, true
	}
	if other.HasCacheCreate5m {
		out.CacheCreation5mInputTokens, out.HasCacheCreate5m = other.CacheCreation5mInputTokens, true
	}
	if other.HasCacheCreate1h {
		out.CacheCreation1hInputTokens, out.HasCacheCreate1h = other.CacheCreation1hInputTokens, true
	}
	return out
}

// probe is one entry in the vendor-shape dispatch table: it reports whether
// root looks like its shape and, if so, extracts a Metrics.
type probe struct {
	name  string
	match func(root gjson.Result) bool
	parse func(root gjson.Result) Metrics
}

var probes = []probe{
	{
		name:  "openai_chat_completions",
		match: func(r gjson.Result) bool { return r.Get("prompt_tokens").Exists() },
		parse: parseOpenAIChatCompletions,
	},
	{
		name:  "openai_responses",
		match: func(r gjson.Result) bool {
			if !r.Get("input_tokens").Exists() || r.Get("cache_creation").Exists() {
				return false
			}
			if r.Get("input_tokens_details").Exists() || r.Get("total_tokens").Exists() {
				return !r.Get("cache_read_input_tokens").Exists() && !r.Get("cache_creation_input_tokens").Exists()
			}
			return !hasClaudeShape(r)
		},
		parse: parseOpenAIResponses,
	},
	{
		name:  "claude",
		match: hasClaudeShape,
		parse: parseClaude,
	},
	{
		name:  "gemini",
		match: func(r gjson.Result) bool { return r.Get("promptTokenCount").Exists() || r.Get("candidatesTokenCount").Exists() },
		parse: parseGemini,
	},
}

func hasClaudeShape(r gjson.Result) bool {
	return r.Get("cache_read_input_tokens").Exists() || r.Get("cache_creation_input_tokens").Exists() ||
		r.Get("cache_creation").Exists() || r.Get("cache_creation_5m_input_tokens").Exists() ||
		(r.Get("input_tokens").Exists() && r.Get("output_tokens").Exists())
}

// ParseJSONBytes implements parse_usage_from_json_bytes(body) (spec.md
// §4.C1). Scanning order: root as usage → usage → usageMetadata →
// response.usage → response.usageMetadata → each element of output[].
func ParseJSONBytes(body []byte) (Metrics, bool) {
	if !gjson.ValidBytes(body) {
		return Metrics{}, false
	}
	root := gjson.ParseBytes(body)

	candidates := []gjson.Result{root}
	for _, path := range []string{"usage", "usageMetadata", "response.usage", "response.usageMetadata"} {
		if v := root.Get(path); v.Exists() {
			candidates = append(candidates, v)
		}
	}
	for _, el := range root.Get("output").Array() {
		candidates = append(candidates, el)
	}

	for _, c := range candidates {
		if m, ok := tryParse(c); ok {
			return m, true
		}
	}
	return Metrics{}, false
}

func tryParse(root gjson.Result) (Metrics, bool) {
	for _, p := range probes {
		if p.match(root) {
			return p.parse(root), true
		}
	}
	return Metrics{}, false
}

func parseOpenAIChatCompletions(r gjson.Result) Metrics {
	m := Metrics{}
	if v := r.Get("prompt_tokens"); v.Exists() {
		m.InputTokens, m.HasInput = v.Int(), true
	}
	if v := r.Get("completion_tokens"); v.Exists() {
		m.OutputTokens, m.HasOutput = v.Int(), true
	}
	if v := r.Get("total_tokens"); v.Exists() {
		m.TotalTokens, m.HasTotal = v.Int(), true
	}
	if v := r.Get("prompt_tokens_details.cached_tokens"); v.Exists() {
		m.CacheReadInputTokens, m.HasCacheRead = v.Int(), true
	}
	return m
}

func parseOpenAIResponses(r gjson.Result) Metrics {
	m := Metrics{}
	if v := r.Get("input_tokens"); v.Exists() {
		m.InputTokens, m.HasInput = v.Int(), true
	}
	if v := r.Get("output_tokens"); v.Exists() {
		m.OutputTokens, m.HasOutput = v.Int(), true
	}
	if v := r.Get("total_tokens"); v.Exists() {
		m.TotalTokens, m.HasTotal = v.Int(), true
	}
	if v := r.Get("input_tokens_details.cached_tokens"); v.Exists() {
		m.CacheReadInputTokens, m.HasCacheRead = v.Int(), true
	}
	return m
}

func parseClaude(r gjson.Result) Metrics {
	m := Metrics{}
	if v := r.Get("input_tokens"); v.Exists() {
		m.InputTokens, m.HasInput = v.Int(), true
	}
	if v := r.Get("output_tokens"); v.Exists() {
		m.OutputTokens, m.HasOutput = v.Int(), true
	}
	if v := r.Get("cache_read_input_tokens"); v.Exists() {
		m.CacheReadInputTokens, m.HasCacheRead = v.Int(), true
	}
	if v := r.Get("cache_creation_input_tokens"); v.Exists() {
		m.CacheCreationInputTokens, m.HasCacheCreation = v.Int(), true
	}
	if v := r.Get("cache_creation_5m_input_tokens"); v.Exists() {
		m.CacheCreation5mInputTokens, m.HasCacheCreate5m = v.Int(), true
	}
	if v := r.Get("cache_creation_1h_input_tokens"); v.Exists() {
		m.CacheCreation1hInputTokens, m.HasCacheCreate1h = v.Int(), true
	}
	if cc := r.Get("cache_creation"); cc.Exists() {
		if v := cc.Get("ephemeral_5m_input_tokens"); v.Exists() {
			m.CacheCreation5mInputTokens, m.HasCacheCreate5m = v.Int(), true
		}
		if v := cc.Get("ephemeral_1h_input_tokens"); v.Exists() {
			m.CacheCreation1hInputTokens, m.HasCacheCreate1h = v.Int(), true
		}
	}
	// When cache_creation.ephemeral_5m/1h is present but no top-level
	// cache_creation_input_tokens, compute the sum (spec.md §4.C1).
	if !m.HasCacheCreation && (m.HasCacheCreate5m || m.HasCacheCreate1h) {
		m.CacheCreationInputTokens = m.CacheCreation5mInputTokens + m.CacheCreation1hInputTokens
		m.HasCacheCreation = true
	}
	return m
}

func parseGemini(r gjson.Result) Metrics {
	m := Metrics{}
	if v := r.Get("promptTokenCount"); v.Exists() {
		m.InputTokens, m.HasInput = v.Int(), true
	}
	output := int64(0)
	hasOutput := false
	if v := r.Get("candidatesTokenCount"); v.Exists() {
		output += v.Int()
		hasOutput = true
	}
	if v := r.Get("thoughtsTokenCount"); v.Exists() {
		output += v.Int()
		hasOutput = true
	}
	if hasOutput {
		m.OutputTokens, m.HasOutput = output, true
	}
	if v := r.Get("totalTokenCount"); v.Exists() {
		m.TotalTokens, m.HasTotal = v.Int(), true
	}
	if v := r.Get("cachedContentTokenCount"); v.Exists() {
		m.CacheReadInputTokens, m.HasCacheRead = v.Int(), true
	}
	return m
}

// CanonicalJSON serializes m preserving only present fields, for stable
// storage and testing (spec.md §4.C1 "UsageExtract").
func CanonicalJSON(m Metrics) string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	write := func(name string, v int64, has bool) {
		if !has {
			return
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteByte('"')
		b.WriteString(name)
		b.WriteString(`":`)
		writeInt(&b, v)
	}
	write("input_tokens", m.InputTokens, m.HasInput)
	write("output_tokens", m.OutputTokens, m.HasOutput)
	write("total_tokens", m.TotalTokens, m.HasTotal)
	write("cache_read_input_tokens", m.CacheReadInputTokens, m.HasCacheRead)
	write("cache_creation_input_tokens", m.CacheCreationInputTokens, m.HasCacheCreation)
	write("cache_creation_5m_input_tokens", m.CacheCreation5mInputTokens, m.HasCacheCreate5m)
	write("cache_creation_1h_input_tokens", m.CacheCreation1hInputTokens, m.HasCacheCreate1h)
	b.WriteByte('}')
	return b.String()
}

func writeInt(b *strings.Builder, v int64) {
	if v == 0 {
		b.WriteByte('0')
		return
	}
	neg := v < 0
	if neg {
		v = -v
		b.WriteByte('-')
	}
	var digits [20]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	b.Write(digits[i:])
}
