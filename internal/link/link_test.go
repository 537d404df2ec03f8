package link

import "testing"

func TestIsValid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want bool
	}{
		{"https://x/s/abc123", true},
		{"https://www.terabox.com/sharing/link?surl=abc", true},
		{"  https://1024terabox.com/s/1AbC/  ", true},
		{"https://example.com/video/abc", false},
		{"ftp://x/s/abc", false},
		{"/s/abc", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsValid(tc.in); got != tc.want {
			t.Fatalf("IsValid(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeAndHash(t *testing.T) {
	t.Parallel()

	a := Normalize(" https://X/s/ABC123/ ")
	b := Normalize("https://x/s/abc123")
	if a != b || a != "https://x/s/abc123" {
		t.Fatalf("normalize mismatch: %q vs %q", a, b)
	}
	h := Hash(a)
	if len(h) != 64 {
		t.Fatalf("hash length=%d", len(h))
	}
	if h != Hash(b) {
		t.Fatalf("hash not deterministic")
	}
	if h == Hash("https://x/s/abc124") {
		t.Fatalf("distinct links share a hash")
	}
}

func TestExtract(t *testing.T) {
	t.Parallel()

	got, ok := Extract("please get https://x/s/abc123, thanks")
	if !ok || got != "https://x/s/abc123" {
		t.Fatalf("Extract=%q,%v", got, ok)
	}
	if _, ok := Extract("see https://example.com/page"); ok {
		t.Fatalf("non-share url accepted")
	}
	if !ContainsURL("see https://example.com/page") || ContainsURL("hello") {
		t.Fatalf("ContainsURL mismatch")
	}
}
