package readings

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPIngestListenerAcceptsValidPayload(t *testing.T) {
	storage, _ := newTestStorage(t)
	filter := NewFilterPipeline(nil, nil)
	cfg := QueueConfig{Threshold: 1, FlushTimeout: time.Hour, ResendMaxAttempts: 6, ResendDropCount: 5}
	sched := NewScheduler(cfg, storage, filter, nil, nil)
	sched.Start(t.Context())
	defer sched.Stop()

	listener := NewHTTPIngestListener(sched, nil)
	mux := http.NewServeMux()
	listener.RegisterRoutes(mux)

	body := []byte(`{"readings":[{"asset_code":"T1","user_ts":"now()","reading":{"x":1}}]}`)
	req := httptest.NewRequest(http.MethodPost, "/readings", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body=%s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
}

func TestHTTPIngestListenerRejectsMalformedPayload(t *testing.T) {
	storage, _ := newTestStorage(t)
	filter := NewFilterPipeline(nil, nil)
	sched := NewScheduler(DefaultConfig().Queue, storage, filter, nil, nil)
	listener := NewHTTPIngestListener(sched, nil)
	mux := http.NewServeMux()
	listener.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/readings", bytes.NewReader([]byte(`not json`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
