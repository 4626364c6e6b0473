package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"HTTPS://Example.COM:443", "https://example.com"},
		{"https://example.com:8443", "https://example.com:8443"},
		{"http://localhost:5173/", "http://localhost:5173"},
		{"http://LOCALHOST:80", "http://localhost"},
		{"http://[::1]:3000", "http://[::1]:3000"},
		{"null", "null"},
	}
	for _, tc := range cases {
		got, err := Normalize(tc.raw)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("Normalize(%q)=%q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestNormalize_Rejects(t *testing.T) {
	cases := []string{
		"",
		"ftp://example.com",
		"https://example.com/path",
		"https://example.com/?q=1",
		"https://user@example.com",
		"https://example.com/#frag",
		"https://example.com:",
		"https://",
	}
	for _, c := range cases {
		if got, err := Normalize(c); err == nil {
			t.Fatalf("Normalize(%q)=%q, want error", c, got)
		}
	}
}

func TestPolicyAllow(t *testing.T) {
	t.Run("default is same host only", func(t *testing.T) {
		p := NewPolicy(nil)
		if !p.Allow("https://app.example.com", "app.example.com") {
			t.Fatalf("expected same host to be allowed")
		}
		if !p.Allow("https://app.example.com", "app.example.com:443") {
			t.Fatalf("expected default port to be equivalent")
		}
		if p.Allow("https://app.example.com", "relay.example.com") {
			t.Fatalf("expected different host to be rejected")
		}
		if p.Allow("null", "relay.example.com") {
			t.Fatalf("expected null to be rejected by default")
		}
	})

	t.Run("star allows any origin", func(t *testing.T) {
		if !NewPolicy([]string{"*"}).Allow("https://app.example.com", "whatever:1234") {
			t.Fatalf("expected * to allow any origin")
		}
	})

	t.Run("explicit list", func(t *testing.T) {
		p := NewPolicy([]string{"https://app.example.com", Null})
		if !p.Allow("https://APP.example.com/", "relay.example.com") {
			t.Fatalf("expected listed origin to be allowed")
		}
		if !p.Allow("null", "relay.example.com") {
			t.Fatalf("expected null to be allowed when listed")
		}
		if p.Allow("https://other.example.com", "relay.example.com") {
			t.Fatalf("expected unlisted origin to be rejected")
		}
	})
}

func TestCheckOrigin(t *testing.T) {
	p := NewPolicy([]string{"https://app.example.com"})

	req := httptest.NewRequest("GET", "http://relay.example.com/signal", nil)
	if !p.CheckOrigin(req) {
		t.Fatalf("expected request without Origin to pass")
	}

	req.Header.Set("Origin", "https://evil.example.com")
	if p.CheckOrigin(req) {
		t.Fatalf("expected foreign origin to be rejected")
	}

	req.Header.Set("Origin", "https://app.example.com")
	if !p.CheckOrigin(req) {
		t.Fatalf("expected listed origin to pass")
	}
}
