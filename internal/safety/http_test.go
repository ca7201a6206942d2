package safety

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestValidateBaseURL(t *testing.T) {
	if _, err := ValidateBaseURL("https://repo.example.org/exports/"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, bad := range []string{"https://host/x?sig=1", "https://host/x#frag", "file:///tmp"} {
		if _, err := ValidateBaseURL(bad); err == nil {
			t.Errorf("ValidateBaseURL(%q) expected error", bad)
		}
	}
}

func TestIsLoopbackHost(t *testing.T) {
	tests := map[string]bool{
		"http://localhost:8080/hook": true,
		"http://LOCALHOST/hook":      true,
		"http://127.0.0.1/hook":      true,
		"http://[::1]:9000/hook":     true,
		"http://hooks.example.org/x": false,
		"http://10.0.0.5/hook":       false,
	}
	for raw, want := range tests {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatal(err)
		}
		if got := IsLoopbackHost(u); got != want {
			t.Errorf("IsLoopbackHost(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestHTTPClientRedirectPolicy(t *testing.T) {
	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != UserAgent {
			t.Errorf("User-Agent = %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer plain.Close()

	secure := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, plain.URL, http.StatusFound)
	}))
	defer secure.Close()

	client := NewHTTPClient(5 * time.Second)
	client.Transport.(userAgentTransport).base.(*http.Transport).TLSClientConfig = secure.Client().Transport.(*http.Transport).TLSClientConfig

	resp, err := client.Get(plain.URL)
	if err != nil {
		t.Fatalf("plain request: %v", err)
	}
	resp.Body.Close()

	if _, err := client.Get(secure.URL); err == nil || !strings.Contains(err.Error(), "refusing redirect") {
		t.Fatalf("expected downgrade to be refused, got %v", err)
	}
}
