package usage

import "testing"

func TestParseJSONBytes_OpenAIChatCompletions(t *testing.T) {
	m, ok := ParseJSONBytes([]byte(`{"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`))
	if !ok {
		t.Fatal("expected match")
	}
	if m.InputTokens != 3 || m.OutputTokens != 4 || m.TotalTokens != 7 {
		t.Fatalf("unexpected: %+v", m)
	}
}

func TestParseJSONBytes_ClaudeCacheCreationSum(t *testing.T) {
	body := []byte(`{"usage":{"input_tokens":10,"output_tokens":5,"cache_creation":{"ephemeral_5m_input_tokens":100,"ephemeral_1h_input_tokens":50}}}`)
	m, ok := ParseJSONBytes(body)
	if !ok {
		t.Fatal("expected match")
	}
	if m.CacheCreationInputTokens != 150 {
		t.Fatalf("expected summed cache creation 150, got %d", m.CacheCreationInputTokens)
	}
}

func TestParseJSONBytes_Gemini(t *testing.T) {
	body := []byte(`{"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":2,"thoughtsTokenCount":3,"totalTokenCount":13}}`)
	m, ok := ParseJSONBytes(body)
	if !ok {
		t.Fatal("expected match")
	}
	if m.OutputTokens != 5 {
		t.Fatalf("expected thoughts folded into output (2+3=5), got %d", m.OutputTokens)
	}
}

func TestParseJSONBytes_OpenAIResponsesAPI(t *testing.T) {
	body := []byte(`{"usage":{"input_tokens":11,"output_tokens":9,"total_tokens":20,"input_tokens_details":{"cached_tokens":2}}}`)
	m, ok := ParseJSONBytes(body)
	if !ok {
		t.Fatal("expected match")
	}
	if m.InputTokens != 11 || m.CacheReadInputTokens != 2 {
		t.Fatalf("unexpected: %+v", m)
	}
}

func TestMerge_PrefersNewerNonNull(t *testing.T) {
	start := Metrics{InputTokens: 10, HasInput: true, OutputTokens: 0, HasOutput: true}
	delta := Metrics{OutputTokens: 5, HasOutput: true}
	merged := Merge(start, delta)
	if merged.InputTokens != 10 || merged.OutputTokens != 5 {
		t.Fatalf("unexpected merge: %+v", merged)
	}
}

func TestSSETracker_MessageStartThenDelta(t *testing.T) {
	tr := NewSSETracker()
	tr.Feed([]byte("event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"claude-x\",\"usage\":{\"input_tokens\":10,\"output_tokens\":0}}}\n\n"))
	tr.Feed([]byte("event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":5}}\n\n"))
	extract := tr.Finalize()
	if extract.Metrics.InputTokens != 10 || extract.Metrics.OutputTokens != 5 {
		t.Fatalf("unexpected merged usage: %+v", extract.Metrics)
	}
	if extract.Model != "claude-x" || extract.ResponseID != "msg_1" {
		t.Fatalf("unexpected model/id: %+v", extract)
	}
}

func TestCanonicalJSON_OmitsAbsentFields(t *testing.T) {
	m := Metrics{InputTokens: 3, HasInput: true}
	got := CanonicalJSON(m)
	if got != `{"input_tokens":3}` {
		t.Fatalf("unexpected canonical json: %q", got)
	}
}
