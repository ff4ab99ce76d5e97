package session

import (
	"strings"
	"testing"
	"time"
)

func headerMap(m map[string]string) HeaderGetter {
	return func(name string) string { return m[strings.ToLower(name)] }
}

func TestExtractSessionID_Header(t *testing.T) {
	h := headerMap(map[string]string{"session_id": "  abc\x00def  "})
	got := ExtractSessionID(h, nil)
	if got != "abcdef" {
		t.Fatalf("expected sanitized header id, got %q", got)
	}
}

func TestExtractSessionID_BodyField(t *testing.T) {
	h := headerMap(nil)
	body := []byte(`{"conversation_id":"conv-123"}`)
	got := ExtractSessionID(h, body)
	if got != "conv-123" {
		t.Fatalf("expected conv-123, got %q", got)
	}
}

func TestExtractSessionID_PromptCacheKey(t *testing.T) {
	h := headerMap(nil)
	body := []byte(`{"prompt_cache_key":"this-is-a-long-cache-key-value"}`)
	got := ExtractSessionID(h, body)
	if got != "this-is-a-long-cache-key-value" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestExtractSessionID_PreviousResponseID(t *testing.T) {
	h := headerMap(nil)
	body := []byte(`{"previous_response_id":"resp_42"}`)
	got := ExtractSessionID(h, body)
	if got != "codex_prev_resp_42" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestExtractSessionID_DeterministicFallback(t *testing.T) {
	h1 := headerMap(map[string]string{"user-agent": "ua1", "x-forwarded-for": "1.2.3.4", "x-api-key": "sk-abcdefghijklmnop"})
	h2 := headerMap(map[string]string{"user-agent": "ua1", "x-forwarded-for": "1.2.3.4", "x-api-key": "sk-abcdefghijklmnop"})
	got1 := ExtractSessionID(h1, nil)
	got2 := ExtractSessionID(h2, nil)
	if got1 != got2 {
		t.Fatalf("expected deterministic ids, got %q vs %q", got1, got2)
	}
	if got1[:5] != "sess_" {
		t.Fatalf("expected sess_ prefix, got %q", got1)
	}
}

func TestBindSuccessPreservesSortMode(t *testing.T) {
	m := New(time.Minute, 10)
	now := time.Now()
	m.BindSortMode("claude", "s1", "fastest", nil, now)
	m.BindSuccess("claude", "s1", 7, "", now)

	mode, ok := m.GetBoundSortMode("claude", "s1", now)
	if !ok || mode != "fastest" {
		t.Fatalf("expected sort mode preserved, got %q ok=%v", mode, ok)
	}
	pid, ok := m.GetBoundProvider("claude", "s1", now)
	if !ok || pid != 7 {
		t.Fatalf("expected provider 7 bound, got %d ok=%v", pid, ok)
	}
}

func TestBindingExpiresAndDrops(t *testing.T) {
	m := New(10*time.Millisecond, 10)
	now := time.Now()
	m.BindSuccess("claude", "s1", 1, "", now)
	later := now.Add(20 * time.Millisecond)
	_, ok := m.GetBoundProvider("claude", "s1", later)
	if ok {
		t.Fatal("expected expired binding to be absent")
	}
	if m.Size() != 0 {
		t.Fatalf("expected expired entry dropped on access, size=%d", m.Size())
	}
}

func TestEvictionFailsOpen(t *testing.T) {
	m := New(time.Minute, 2)
	now := time.Now()
	m.BindSuccess("claude", "s1", 1, "", now)
	m.BindSuccess("claude", "s2", 2, "", now)
	m.BindSuccess("claude", "s3", 3, "", now)
	if m.Size() > 2 {
		t.Fatalf("expected eviction to bound size, got %d", m.Size())
	}
}
