package usage

import (
	"strings"

	"github.com/tidwall/gjson"
)

// SSETracker implements the SseUsageTracker from spec.md §4.C1 / §4.C7's
// "SSE usage tee": it ingests raw bytes, reassembles SSE event blocks
// (separated by blank lines), decodes each data: payload as JSON, and
// field-wise merges usage across message_start/message_delta events.
type SSETracker struct {
	buf        strings.Builder
	eventLines []string

	metrics     Metrics
	model       string
	responseID  string
	serviceTier string
}

// NewSSETracker returns an empty tracker.
func NewSSETracker() *SSETracker { return &SSETracker{} }

// Feed ingests one chunk of raw upstream bytes. CR/LF-agnostic: "\r\n" and
// "\r" are treated as line terminators.
func (t *SSETracker) Feed(chunk []byte) {
	t.buf.Write(normalizeNewlines(chunk))
	t.drainLines()
}

func normalizeNewlines(b []byte) []byte {
	s := strings.ReplaceAll(string(b), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return []byte(s)
}

// drainLines splits the buffered text into complete lines and processes
// each, keeping any trailing partial line buffered.
func (t *SSETracker) drainLines() {
	content := t.buf.String()
	idx := strings.LastIndexByte(content, '\n')
	if idx < 0 {
		return
	}
	complete := content[:idx+1]
	rest := content[idx+1:]
	t.buf.Reset()
	t.buf.WriteString(rest)

	for _, line := range strings.Split(strings.TrimSuffix(complete, "\n"), "\n") {
		t.processLine(line)
	}
}

func (t *SSETracker) processLine(line string) {
	if line == "" {
		t.flushEvent()
		return
	}
	t.eventLines = append(t.eventLines, line)
}

func (t *SSETracker) flushEvent() {
	if len(t.eventLines) == 0 {
		return
	}
	var dataLines []string
	var eventType string
	for _, l := range t.eventLines {
		switch {
		case strings.HasPrefix(l, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(l, "data:"), " "))
		case strings.HasPrefix(l, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(l, "event:"))
		}
	}
	t.eventLines = t.eventLines[:0]

	if len(dataLines) == 0 {
		return
	}
	payload := strings.Join(dataLines, "\n")
	if payload == "[DONE]" || !gjson.Valid(payload) {
		return
	}
	root := gjson.Parse(payload)
	if eventType == "" {
		eventType = root.Get("type").String()
	}
	t.applyEvent(eventType, root)
}

// applyEvent implements the Claude message_start/message_delta merge rule
// (spec.md §4.C7): field-wise prefer newer non-null; for any other event
// type carrying a top-level usage object, take the last non-null usage seen.
func (t *SSETracker) applyEvent(eventType string, root gjson.Result) {
	if m := root.Get("message.model"); m.Exists() {
		t.model = m.String()
	}
	if m := root.Get("model"); m.Exists() && t.model == "" {
		t.model = m.String()
	}
	if id := root.Get("message.id"); id.Exists() {
		t.responseID = id.String()
	}
	if id := root.Get("id"); id.Exists() && t.responseID == "" {
		t.responseID = id.String()
	}
	if st := root.Get("message.usage.service_tier"); st.Exists() {
		t.serviceTier = st.String()
	}

	switch eventType {
	case "message_start":
		if u := root.Get("message.usage"); u.Exists() {
			t.metrics = Merge(t.metrics, parseClaude(u))
		}
	case "message_delta":
		if u := root.Get("usage"); u.Exists() {
			t.metrics = Merge(t.metrics, parseClaude(u))
		}
	default:
		if u := root.Get("usage"); u.Exists() {
			if m, ok := tryParse(u); ok {
				t.metrics = Merge(t.metrics, m)
			}
		} else if u := root.Get("usageMetadata"); u.Exists() {
			if m, ok := tryParse(u); ok {
				t.metrics = Merge(t.metrics, m)
			}
		}
	}
}

// Extract is the UsageExtract value from spec.md §4.C1.
type Extract struct {
	Metrics     Metrics
	Model       string
	ResponseID  string
	ServiceTier string
}

// Finalize flushes any tail event (upstream end with no trailing blank line)
// and returns the accumulated extract.
func (t *SSETracker) Finalize() Extract {
	if t.buf.Len() > 0 {
		tail := t.buf.String()
		t.buf.Reset()
		for _, line := range strings.Split(tail, "\n") {
			t.processLine(line)
		}
	}
	t.flushEvent()
	return Extract{Metrics: t.metrics, Model: t.model, ResponseID: t.responseID, ServiceTier: t.serviceTier}
}
