package fixer

import "testing"

func TestTransducer_NoOpOnValidSSE(t *testing.T) {
	tr := NewTransducer(Config{})
	out := tr.Feed([]byte("data: {\"a\":1}\n\n"))
	out = append(out, tr.Finalize()...)
	if string(out) != "data: {\"a\":1}\n\n" {
		t.Fatalf("expected byte-identical passthrough, got %q", out)
	}
	if _, hit := tr.AuditRecord(); hit {
		t.Fatal("expected no audit record for valid SSE")
	}
}

func TestTransducer_ClosesTruncatedJSONAcrossChunks(t *testing.T) {
	tr := NewTransducer(Config{})
	var out []byte
	out = append(out, tr.Feed([]byte(`data: {"k":`))...)
	out = append(out, tr.Feed([]byte("\n\n"))...)
	out = append(out, tr.Finalize()...)

	if string(out) != "data: {\"k\":null}\n\n" {
		t.Fatalf("unexpected output: %q", out)
	}
	rec, hit := tr.AuditRecord()
	if !hit {
		t.Fatal("expected exactly one audit record")
	}
	if len(rec.FixersApplied) != 1 || rec.FixersApplied[0] != "json" {
		t.Fatalf("unexpected fixers applied: %+v", rec.FixersApplied)
	}
}

func TestTransducer_DegradesPastMaxFixSize(t *testing.T) {
	tr := NewTransducer(Config{MaxFixSize: 12})
	first := tr.Feed([]byte(`data: {"k":`))
	if len(first) != 0 {
		t.Fatalf("expected nothing ready yet, got %q", first)
	}
	second := tr.Feed([]byte(`"v"`))
	if len(second) == 0 {
		t.Fatal("expected overflow to flush the buffer")
	}
	if _, hit := tr.AuditRecord(); hit {
		t.Fatal("expected no audit record once degraded")
	}

	third := tr.Feed([]byte("more raw bytes\n"))
	if string(third) != "more raw bytes\n" {
		t.Fatalf("expected passthrough after degrade, got %q", third)
	}
}

func TestTransducer_EncodingFixerStripsUTF8BOM(t *testing.T) {
	tr := NewTransducer(Config{})
	input := append([]byte{0xEF, 0xBB, 0xBF}, []byte("data: {\"a\":1}\n\n")...)
	out := tr.Feed(input)
	out = append(out, tr.Finalize()...)
	if string(out) != "data: {\"a\":1}\n\n" {
		t.Fatalf("expected BOM stripped, got %q", out)
	}
	rec, hit := tr.AuditRecord()
	if !hit || rec.FixersApplied[0] != "encoding" {
		t.Fatalf("expected encoding fix recorded: %+v hit=%v", rec, hit)
	}
}

func TestTransducer_WrapsBareJSONLine(t *testing.T) {
	tr := NewTransducer(Config{})
	out := tr.Feed([]byte("{\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}\n\n"))
	out = append(out, tr.Finalize()...)
	want := "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n"
	if string(out) != want {
		t.Fatalf("got %q want %q", out, want)
	}
}

func TestFixOnce_ClosesTruncatedBuffer(t *testing.T) {
	fixed, applied := FixOnce([]byte(`{"a":1,`), Config{})
	if string(fixed) != `{"a":1}` {
		t.Fatalf("unexpected: %q", fixed)
	}
	if len(applied) != 1 || applied[0] != "json" {
		t.Fatalf("unexpected applied: %v", applied)
	}
}
