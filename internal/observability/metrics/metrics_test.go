package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestNormalizesPaths(t *testing.T) {
	recorder := New()

	cases := []struct {
		name string
		path string
		want string
	}{
		{name: "root", path: "/", want: "/"},
		{name: "empty", path: "", want: "/"},
		{name: "numeric id", path: "/api/videos/123", want: "/api/videos/:id"},
		{name: "trailing slash", path: "/api/videos/123/", want: "/api/videos/:id"},
		{name: "uuid segment", path: "/api/videos/progress/0b5a9c1e2f3a4b5c", want: "/api/videos/progress/:id"},
		{name: "static path", path: "/api/videos", want: "/api/videos"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder.Reset()
			recorder.ObserveRequest("GET", tc.path, 200, 10*time.Millisecond)
			var buf bytes.Buffer
			recorder.Write(&buf)
			needle := "path=\"" + tc.want + "\""
			if !strings.Contains(buf.String(), needle) {
				t.Fatalf("expected exposition to contain %s, got:\n%s", needle, buf.String())
			}
		})
	}
}

func TestTranscodeGaugeNeverNegative(t *testing.T) {
	recorder := New()
	recorder.TranscodeFailed()
	if active := recorder.ActiveTranscodes(); active != 0 {
		t.Fatalf("expected gauge to stay at 0, got %d", active)
	}

	recorder.TranscodeStarted()
	recorder.TranscodeStarted()
	recorder.TranscodeCompleted()
	if active := recorder.ActiveTranscodes(); active != 1 {
		t.Fatalf("expected gauge of 1, got %d", active)
	}

	events, _ := recorder.TranscodeCounts()
	if events["start"] != 2 || events["complete"] != 1 || events["fail"] != 1 {
		t.Fatalf("unexpected transcode events: %v", events)
	}
}

func TestUploadCountsAccumulateBytes(t *testing.T) {
	recorder := New()
	recorder.ObserveUpload("accepted", 1024)
	recorder.ObserveUpload("accepted", 2048)
	recorder.ObserveUpload("rejected", 0)

	events, ingested := recorder.UploadCounts()
	if events["accepted"] != 2 || events["rejected"] != 1 {
		t.Fatalf("unexpected upload events: %v", events)
	}
	if ingested != 3072 {
		t.Fatalf("expected 3072 bytes ingested, got %d", ingested)
	}
}

func TestRecorderConcurrentWriters(t *testing.T) {
	recorder := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				recorder.ObserveRequest("GET", "/api/videos", 200, time.Millisecond)
				recorder.ObserveUpload("accepted", 10)
				recorder.TranscodeStarted()
				recorder.TranscodeCompleted()
			}
		}()
	}
	wg.Wait()

	events, ingested := recorder.UploadCounts()
	if events["accepted"] != 800 {
		t.Fatalf("expected 800 accepted uploads, got %d", events["accepted"])
	}
	if ingested != 8000 {
		t.Fatalf("expected 8000 bytes ingested, got %d", ingested)
	}
	if recorder.ActiveTranscodes() != 0 {
		t.Fatalf("expected all transcode jobs drained, got %d", recorder.ActiveTranscodes())
	}
}

func TestHandlerServesExposition(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("GET", "/healthz", 200, 5*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("unexpected content type %q", got)
	}
	body := rr.Body.String()
	for _, needle := range []string{
		"stagetime_http_requests_total",
		"stagetime_upload_bytes_total",
		"stagetime_active_transcodes",
	} {
		if !strings.Contains(body, needle) {
			t.Fatalf("exposition missing %s:\n%s", needle, body)
		}
	}
}
