package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pumptrader/pkg/crypto"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func TestTokenAuth(t *testing.T) {
	hash, err := crypto.HashToken("s3cret-token", 4)
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	auth := NewTokenAuth(hash, nil)
	h := auth.Middleware(okHandler)

	tests := []struct {
		name     string
		header   string
		query    string
		expected int
	}{
		{"no header", "", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret-token", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", "", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", "", http.StatusUnauthorized},
		{"valid", "Bearer s3cret-token", "", http.StatusOK},
		{"valid cached, lowercase scheme", "bearer s3cret-token", "", http.StatusOK},
		{"wrong after cache", "Bearer s3cret-token2", "", http.StatusUnauthorized},
		{"query token", "", "?token=s3cret-token", http.StatusOK},
		{"header wins over query", "Bearer nope", "?token=s3cret-token", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/trades"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, w.Code)
			}
			if tt.expected == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("expected WWW-Authenticate header")
			}
		})
	}
}

func TestTokenAuth_Disabled(t *testing.T) {
	auth := NewTokenAuth("", nil)
	if auth.Enabled() {
		t.Fatal("auth must be disabled without hash")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/trades", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	auth.Middleware(okHandler).ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestRecovery(t *testing.T) {
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	Recovery(nil)(panicking).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "boom") {
		t.Error("panic value must not leak to client")
	}
}

func TestLoggingKeepsStatus(t *testing.T) {
	h := Logging(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusTeapot {
		t.Errorf("expected 418, got %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		origins     []string
		origin      string
		method      string
		allowOrigin string
		status      int
	}{
		{"allow all", nil, "http://x.example", http.MethodGet, "*", http.StatusOK},
		{"listed origin", []string{"http://dash.local"}, "http://dash.local", http.MethodGet, "http://dash.local", http.StatusOK},
		{"foreign origin", []string{"http://dash.local"}, "http://evil.example", http.MethodGet, "", http.StatusOK},
		{"no origin", []string{"http://dash.local"}, "", http.MethodGet, "*", http.StatusOK},
		{"preflight", []string{"http://dash.local"}, "http://dash.local", http.MethodOptions, "http://dash.local", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/risk", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			CORS(tt.origins)(okHandler).ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.allowOrigin {
				t.Errorf("expected allow-origin %q, got %q", tt.allowOrigin, got)
			}
		})
	}
}
