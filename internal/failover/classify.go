package failover

import "strings"

// Category is the outcome classification from spec.md §4.C6 "Classification".
type Category int

const (
	Success Category = iota
	ClientError4xxNonRetryable
	ClientErrorRetryableSamePid
	AuthOrAccess
	ServerError5xx
	NetworkOrTimeoutBeforeFirstByte
	StreamErrorAfterFirstByte
)

// Classification is the result of classifying one attempt's outcome.
type Classification struct {
	Category         Category
	ErrorCode        string
	ErrorCategory    string
	RuleID           string
	RectifierTrigger bool // Claude-only thinking-signature rectifier trigger
}

// nonRetryableRule is one of the ~22 substring rules that mark a 4xx
// response as client input error (spec.md §4.C6). Grounded in the rule
// categories spec.md names: prompt/token limits, content filters,
// validation errors, PDF/media/cache/image limits, signature errors.
type nonRetryableRule struct {
	id        string
	needles   []string
	rectifier bool
}

var nonRetryableRules = []nonRetryableRule{
	{id: "prompt_limit", needles: []string{"prompt is too long", "maximum context length", "too many tokens"}},
	{id: "max_tokens_exceeded", needles: []string{"max_tokens exceeds", "maximum tokens exceeded", "max tokens exceeded"}},
	{id: "context_length_exceeded", needles: []string{"context_length_exceeded"}},
	{id: "content_filter", needles: []string{"content management policy", "content_filter", "flagged by content filter"}},
	{id: "safety_block", needles: []string{"blocked due to safety", "safety_block"}},
	{id: "validation_error", needles: []string{"validation error", "invalid_request_error"}},
	{id: "pdf_limit", needles: []string{"too many pages", "pdf exceeds"}},
	{id: "media_limit", needles: []string{"unsupported media type", "media type not supported"}},
	{id: "cache_limit", needles: []string{"too many cache breakpoints", "cache_control limit"}},
	{id: "image_limit", needles: []string{"image exceeds", "too many images"}},
	{id: "signature_invalid", needles: []string{"invalid signature in thinking block"}, rectifier: true},
	{id: "thinking_order", needles: []string{"assistant message must start with thinking"}, rectifier: true},
	{id: "localized_invalid_request", needles: []string{"非法请求"}, rectifier: true},
	{id: "model_not_found_400", needles: []string{"model not found"}},
	{id: "invalid_api_key_format", needles: []string{"invalid api key format"}},
	{id: "invalid_function_call", needles: []string{"invalid function call"}},
	{id: "invalid_json_schema", needles: []string{"invalid json schema"}},
	{id: "invalid_tool_choice", needles: []string{"invalid tool_choice"}},
	{id: "temperature_range", needles: []string{"temperature must be between"}},
	{id: "top_p_range", needles: []string{"top_p must be between"}},
	{id: "invalid_stop_sequence", needles: []string{"invalid stop sequence"}},
	{id: "unsupported_parameter", needles: []string{"unsupported parameter"}},
}

// ClassifyHTTP classifies a (status, body) pair per spec.md §4.C6.
func ClassifyHTTP(status int, body []byte) Classification {
	if status >= 200 && status < 300 {
		return Classification{Category: Success}
	}

	bodyLower := strings.ToLower(string(body))

	if status >= 400 && status < 500 {
		if status == 408 || status == 429 {
			return Classification{
				Category:      ClientErrorRetryableSamePid,
				ErrorCode:     "GW_UPSTREAM_RATE_LIMITED",
				ErrorCategory: "RateLimit",
			}
		}

		for _, rule := range nonRetryableRules {
			for _, needle := range rule.needles {
				if strings.Contains(bodyLower, strings.ToLower(needle)) {
					return Classification{
						Category:         ClientError4xxNonRetryable,
						ErrorCode:        "NON_RETRYABLE_" + rule.id,
						ErrorCategory:    "ClientInput",
						RuleID:           rule.id,
						RectifierTrigger: rule.rectifier,
					}
				}
			}
		}

		switch status {
		case 401, 402, 403:
			return Classification{Category: AuthOrAccess, ErrorCode: "GW_UPSTREAM_AUTH", ErrorCategory: "ProviderError"}
		case 404:
			return Classification{Category: AuthOrAccess, ErrorCode: "GW_UPSTREAM_NOT_FOUND", ErrorCategory: "ProviderError"}
		default:
			return Classification{Category: ClientError4xxNonRetryable, ErrorCode: "NON_RETRYABLE_UNCLASSIFIED", ErrorCategory: "ClientInput"}
		}
	}

	if status >= 500 {
		return Classification{Category: ServerError5xx, ErrorCode: "GW_UPSTREAM_HTTP_5XX", ErrorCategory: "ProviderError"}
	}

	return Classification{Category: ServerError5xx, ErrorCode: "GW_UPSTREAM_HTTP_5XX", ErrorCategory: "ProviderError"}
}
