package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"stagetime/internal/api"
	"stagetime/internal/observability/metrics"
	"stagetime/internal/pipeline"
	"stagetime/internal/progress"
	"stagetime/internal/storage"
	"stagetime/internal/testsupport"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	repo := storage.NewMemoryRepository()
	objects := testsupport.NewFakeObjectStore()
	progressStore := progress.NewMemoryStore()
	recorder := metrics.New()
	p := pipeline.New(repo, objects, &testsupport.FakeTranscoder{}, progressStore, recorder, slog.Default(), pipeline.Config{WorkDir: t.TempDir()})
	handler := api.NewHandler(repo, p, progressStore, objects, slog.Default())

	srv, err := New(handler, Config{Addr: "127.0.0.1:0", Logger: slog.Default(), Metrics: recorder})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return srv
}

func TestServerRoutesHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics returned %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "stagetime_http_requests_total") {
		t.Fatal("metrics exposition missing request counters")
	}
}

func TestServerAssignsRequestIDs(t *testing.T) {
	srv := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/videos", nil))
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a generated request id header")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	req.Header.Set("X-Request-Id", "caller-id")
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-Id"); got != "caller-id" {
		t.Fatalf("expected caller-supplied id echoed back, got %q", got)
	}
}

func TestServerRecordsRequestMetrics(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/videos", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("list returned %d", rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), `path="/api/videos"`) {
		t.Fatalf("request metrics missing list route:\n%s", rr.Body.String())
	}
}
