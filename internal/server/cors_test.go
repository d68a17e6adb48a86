package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newPolicy(t *testing.T, origins ...string) corsPolicy {
	t.Helper()
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: origins})
	if err != nil {
		t.Fatalf("newCORSPolicy returned error: %v", err)
	}
	return policy
}

func TestCORSMiddlewareAllowsConfiguredOrigin(t *testing.T) {
	policy := newPolicy(t, "https://admin.example.com")
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	rr := httptest.NewRecorder()
	corsMiddleware(policy, nil, next).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.example.com" {
		t.Fatalf("unexpected allow-origin header %q", got)
	}
}

func TestCORSMiddlewareBlocksUnknownOrigin(t *testing.T) {
	policy := newPolicy(t, "https://admin.example.com")
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler must not run for a blocked origin")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr := httptest.NewRecorder()
	corsMiddleware(policy, nil, next).ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestCORSMiddlewareExemptsPlaybackRoutes(t *testing.T) {
	policy := newPolicy(t, "https://admin.example.com")
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	for _, path := range []string{"/api/videos/segment", "/api/videos/7/playlist.m3u8"} {
		called = false
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Origin", "https://any-player.example.net")
		rr := httptest.NewRecorder()
		corsMiddleware(policy, nil, next).ServeHTTP(rr, req)
		if !called {
			t.Fatalf("playback path %s was blocked", path)
		}
	}
}

func TestCORSMiddlewarePreflight(t *testing.T) {
	policy := newPolicy(t, "https://admin.example.com")
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler must not run for preflight")
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/videos", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	corsMiddleware(policy, nil, next).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Fatal("expected allow-methods header on preflight")
	}
}

func TestNewCORSPolicyRejectsBareHost(t *testing.T) {
	if _, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"admin.example.com"}}); err == nil {
		t.Fatal("expected error for origin without scheme")
	}
}
