package gemini

import "testing"

func TestSplitBaseURLAndVersion_TrailingVersion(t *testing.T) {
	base, ver := splitBaseURLAndVersion("https://generativelanguage.googleapis.com/v1beta")
	if ver != "v1beta" {
		t.Fatalf("expected v1beta, got %q", ver)
	}
	if base != "https://generativelanguage.googleapis.com/" {
		t.Fatalf("unexpected base: %q", base)
	}
}

func TestSplitBaseURLAndVersion_NoVersion(t *testing.T) {
	base, ver := splitBaseURLAndVersion("https://example.com/gemini-proxy")
	if ver != "" {
		t.Fatalf("expected no version, got %q", ver)
	}
	if base != "https://example.com/gemini-proxy/" {
		t.Fatalf("unexpected base: %q", base)
	}
}

func TestLooksLikeAPIVersion(t *testing.T) {
	cases := map[string]bool{"v1beta": true, "v1": true, "vNext": false, "models": false, "v": false}
	for in, want := range cases {
		if got := looksLikeAPIVersion(in); got != want {
			t.Errorf("looksLikeAPIVersion(%q) = %v, want %v", in, got, want)
		}
	}
}
