package failover

import (
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RectifyThinking strips thinking/redacted_thinking content blocks and
// signature fields from a Claude request body in place of retrying the
// provider unchanged (spec.md §4.C6 "thinking-signature rectifier"): when a
// Claude attempt fails with one of the three trigger substrings (invalid
// signature, thinking-must-be-first, or the localized "非法请求" message),
// the gateway strips the thinking state and retries the SAME provider
// exactly once, bypassing max_attempts_per_provider. Grounded on
// original_source/gateway/thinking_rectifier.rs for the strip scope; adapted
// here to tidwall/sjson since the teacher has no equivalent mutation and
// gjson/sjson is already the module's JSON-surgery library (internal/usage,
// internal/fixer).
func RectifyThinking(body []byte) []byte {
	root := gjson.ParseBytes(body)
	messages := root.Get("messages")
	if !messages.Exists() || !messages.IsArray() {
		return stripTopLevelThinking(body)
	}

	out := body
	msgs := messages.Array()
	for mi := len(msgs) - 1; mi >= 0; mi-- {
		content := msgs[mi].Get("content")
		if !content.IsArray() {
			continue
		}
		blocks := content.Array()
		keep := make([]int, 0, len(blocks))
		signed := false
		for bi, block := range blocks {
			t := block.Get("type").String()
			if t == "thinking" || t == "redacted_thinking" {
				continue
			}
			if block.Get("signature").Exists() {
				signed = true
			}
			keep = append(keep, bi)
		}
		if len(keep) == len(blocks) && !signed {
			continue
		}
		path := "messages." + strconv.Itoa(mi) + ".content"
		var rebuilt []any
		for _, bi := range keep {
			v := blocks[bi].Value()
			if m, ok := v.(map[string]any); ok {
				delete(m, "signature")
			}
			rebuilt = append(rebuilt, v)
		}
		if next, err := sjson.SetBytes(out, path, rebuilt); err == nil {
			out = next
		}
	}

	return stripTopLevelThinking(out)
}

// stripTopLevelThinking removes a top-level "thinking" field and a top-level
// "signature" field the provider may have echoed back (signatures inside
// content blocks are removed by RectifyThinking itself); this unconditional
// strip mirrors the original implementation's behavior even when no content
// block trigger matched (documented open-question resolution in DESIGN.md).
func stripTopLevelThinking(body []byte) []byte {
	out := body
	if gjson.GetBytes(out, "thinking").Exists() {
		if next, err := sjson.DeleteBytes(out, "thinking"); err == nil {
			out = next
		}
	}
	if gjson.GetBytes(out, "signature").Exists() {
		if next, err := sjson.DeleteBytes(out, "signature"); err == nil {
			out = next
		}
	}
	return out
}
