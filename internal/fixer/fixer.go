// Package fixer implements the response fixer (spec.md §4.C5): a streaming
// transducer that repairs upstream bytes in three ordered stages (encoding,
// SSE formatting, truncated-JSON closure) with a pass-through degrade path
// when the buffer overruns max_fix_size without a line terminator. Grounded
// on original_source/gateway/response_fixer.rs for stage order, defaults, and
// the audit record shape; no teacher file does anything like this (the
// teacher never forwards raw bytes), so the bufio-style pull transducer is
// written fresh in the teacher's plain, function-heavy idiom.
package fixer

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Config holds the fixer's tunables (spec.md §4.C5).
type Config struct {
	MaxJSONDepth int // default 200
	MaxFixSize   int // default 1 MiB
}

const (
	DefaultMaxJSONDepth = 200
	DefaultMaxFixSize   = 1 << 20
)

func (c Config) maxJSONDepth() int {
	if c.MaxJSONDepth > 0 {
		return c.MaxJSONDepth
	}
	return DefaultMaxJSONDepth
}

func (c Config) maxFixSize() int {
	if c.MaxFixSize > 0 {
		return c.MaxFixSize
	}
	return DefaultMaxFixSize
}

// SpecialSetting is the audit record appended to the request log when at
// least one stage applied a repair (spec.md §4.C5 "Audit").
type SpecialSetting struct {
	Type                string   `json:"type"`
	Scope               string   `json:"scope"`
	Hit                 bool     `json:"hit"`
	FixersApplied       []string `json:"fixersApplied"`
	TotalBytesProcessed int      `json:"totalBytesProcessed"`
	ProcessingTimeMs    int64    `json:"processingTimeMs"`
}

// Transducer implements the streaming (SSE-aware) mode. Construct one per
// request via NewTransducer; feed upstream chunks via Feed, call Finalize
// once the upstream body ends.
type Transducer struct {
	cfg Config

	pending   []byte
	degraded  bool
	lastBlank bool

	applied    map[string]bool
	totalBytes int
	start      time.Time
}

// NewTransducer returns a fresh streaming transducer.
func NewTransducer(cfg Config) *Transducer {
	return &Transducer{cfg: cfg, applied: make(map[string]bool), start: time.Now()}
}

// Feed ingests one upstream chunk and returns the portion now safe to emit
// to the client (spec.md §4.C5 "Streaming discipline").
func (t *Transducer) Feed(chunk []byte) []byte {
	t.totalBytes += len(chunk)

	if t.degraded {
		return chunk
	}

	t.pending = append(t.pending, chunk...)

	idx := lastLineTerminator(t.pending)
	if idx < 0 {
		if len(t.pending) > t.cfg.maxFixSize() {
			flushed := t.pending
			t.pending = nil
			t.degraded = true
			return flushed
		}
		return nil
	}

	complete := t.pending[:idx+1]
	t.pending = append([]byte(nil), t.pending[idx+1:]...)
	return t.processLines(complete)
}

// Finalize processes any buffered tail exactly once and returns the final
// bytes to emit (spec.md §4.C5 "On upstream end, any tail is processed
// once. On upstream error, tail is still flushed...").
func (t *Transducer) Finalize() []byte {
	if t.degraded || len(t.pending) == 0 {
		tail := t.pending
		t.pending = nil
		return tail
	}
	tail := t.pending
	t.pending = nil
	return t.processLines(tail)
}

// lastLineTerminator returns the index of the last '\n' in b, accounting for
// a possible trailing lone '\r' that should be deferred (one-byte lookahead,
// spec.md §4.C5 "Streaming discipline").
func lastLineTerminator(b []byte) int {
	idx := -1
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == '\n' {
			idx = i
			break
		}
	}
	return idx
}

// processLines runs the three stages over a line-aligned block of bytes.
func (t *Transducer) processLines(block []byte) []byte {
	text := string(block)
	text, changed := fixEncoding(text)
	if changed {
		t.applied["encoding"] = true
	}

	text = normalizeLineEndings(text)
	trailingNewline := strings.HasSuffix(text, "\n")
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")

	var out strings.Builder
	for _, line := range lines {
		fixedLine, sseChanged := fixSSELine(line)
		if sseChanged {
			t.applied["sse"] = true
		}

		if isBlank(fixedLine) {
			if t.lastBlank {
				continue
			}
			t.lastBlank = true
			out.WriteString(fixedLine)
			out.WriteByte('\n')
			continue
		}
		t.lastBlank = false

		fixedLine, jsonChanged := closeDataLineJSON(fixedLine, t.cfg.maxJSONDepth(), t.cfg.maxFixSize())
		if jsonChanged {
			t.applied["json"] = true
		}

		out.WriteString(fixedLine)
		out.WriteByte('\n')
	}

	result := out.String()
	if !trailingNewline {
		result = strings.TrimSuffix(result, "\n")
	}
	return []byte(result)
}

// AuditRecord returns the SpecialSetting for this request iff at least one
// stage applied a repair.
func (t *Transducer) AuditRecord() (SpecialSetting, bool) {
	if len(t.applied) == 0 {
		return SpecialSetting{}, false
	}
	var kinds []string
	for _, k := range []string{"encoding", "sse", "json"} {
		if t.applied[k] {
			kinds = append(kinds, k)
		}
	}
	return SpecialSetting{
		Type:                "response_fixer",
		Scope:               "response",
		Hit:                 true,
		FixersApplied:       kinds,
		TotalBytesProcessed: t.totalBytes,
		ProcessingTimeMs:    time.Since(t.start).Milliseconds(),
	}, true
}

// FixOnce implements the one-shot non-stream mode: encoding repair plus a
// single truncated-JSON close attempt over the full buffer (spec.md §4.C5).
func FixOnce(buf []byte, cfg Config) (fixed []byte, applied []string) {
	text, encChanged := fixEncoding(string(buf))
	if encChanged {
		applied = append(applied, "encoding")
	}
	if !gjson.Valid(text) {
		if repaired, ok := closeTruncatedJSON(text, cfg.maxJSONDepth()); ok {
			text = repaired
			applied = append(applied, "json")
		}
	}
	return []byte(text), applied
}

func isBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}

func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

// fixEncoding implements the encoding fixer stage (spec.md §4.C5 stage 1).
func fixEncoding(s string) (string, bool) {
	b := []byte(s)
	changed := false

	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		b = b[3:]
		changed = true
	} else if len(b) >= 2 && ((b[0] == 0xFE && b[1] == 0xFF) || (b[0] == 0xFF && b[1] == 0xFE)) {
		b = b[2:]
		changed = true
	}

	if bytesContainNUL(b) {
		b = removeNUL(b)
		changed = true
	}

	if !utf8.Valid(b) {
		b = []byte(strings.ToValidUTF8(string(b), "�"))
		changed = true
	}

	return string(b), changed
}

func bytesContainNUL(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return true
		}
	}
	return false
}

func removeNUL(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c != 0 {
			out = append(out, c)
		}
	}
	return out
}

// fixSSELine implements the SSE formatter stage (spec.md §4.C5 stage 2).
func fixSSELine(line string) (string, bool) {
	if strings.HasPrefix(line, ":") {
		return line, false
	}

	lower := strings.ToLower(line)
	switch {
	case strings.HasPrefix(line, "Data:"), strings.HasPrefix(line, "DATA:"):
		return "data: " + strings.TrimSpace(line[len("Data:"):]), true
	case strings.HasPrefix(line, "data :"):
		return "data: " + strings.TrimSpace(line[len("data :"):]), true
	}

	for _, field := range []string{"data:", "event:", "id:", "retry:"} {
		if strings.HasPrefix(lower, field) {
			rest := line[len(field):]
			if strings.HasPrefix(rest, " ") {
				return line, false
			}
			return line[:len(field)] + " " + rest, true
		}
	}

	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return line, false
	}
	first := trimmed[0]
	if first == '{' || first == '[' || strings.HasPrefix(trimmed, "[DONE]") {
		return "data: " + line, true
	}

	return line, false
}

// closeDataLineJSON applies the truncated-JSON closer to a data: line's
// payload (spec.md §4.C5 stage 3), bypassing when the payload exceeds
// maxFixSize.
func closeDataLineJSON(line string, maxDepth, maxFixSize int) (string, bool) {
	if !strings.HasPrefix(line, "data: ") {
		return line, false
	}
	payload := line[len("data: "):]
	if payload == "" || gjson.Valid(payload) {
		return line, false
	}
	if len(payload) > maxFixSize {
		return line, false
	}
	first := strings.TrimSpace(payload)
	if first == "" || (first[0] != '{' && first[0] != '[') {
		return line, false
	}

	repaired, ok := closeTruncatedJSON(payload, maxDepth)
	if !ok {
		return line, false
	}
	return "data: " + repaired, true
}

// closeTruncatedJSON walks payload tracking string/escape state and a
// bracket stack bounded by maxDepth; on completion, closes any open string,
// strips a trailing comma, fills a dangling "key:" with null, and closes all
// open brackets (spec.md §4.C5 stage 3). Returns (_, false) if the result
// still fails to validate, or if the nesting exceeds maxDepth.
func closeTruncatedJSON(payload string, maxDepth int) (string, bool) {
	var stack []byte
	inString := false
	escaped := false
	lastNonSpace := byte(0)

	for i := 0; i < len(payload); i++ {
		c := payload[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			if len(stack) >= maxDepth {
				return "", false
			}
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			lastNonSpace = c
		}
	}

	var b strings.Builder
	b.WriteString(payload)

	if inString {
		b.WriteByte('"')
	}

	result := strings.TrimRight(b.String(), " \t")
	result = strings.TrimSuffix(result, ",")

	if lastNonSpace == ':' {
		result += "null"
	}

	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i] {
		case '{':
			result += "}"
		case '[':
			result += "]"
		}
	}

	if !gjson.Valid(result) {
		return "", false
	}
	return result, true
}
