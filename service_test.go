package readings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServiceConfig(t *testing.T, mgmtURL string) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Storage.ReadingsToAllocate = 4
	cfg.Storage.MaxReadingsPerDB = 4
	cfg.Queue.Threshold = 2
	cfg.Queue.FlushTimeout = 50 * time.Millisecond
	cfg.Purge.Interval = time.Hour
	cfg.Stats.FlushInterval = 50 * time.Millisecond
	if mgmtURL != "" {
		cfg.Management.BaseURL = mgmtURL
	}
	return cfg
}

// TestServiceLifecycleIngestsThroughScheduler covers an end-to-end smoke
// test of NewService/Start/Stop: a reading pushed through the scheduler
// should be retrievable from storage, and Stop must return cleanly.
func TestServiceLifecycleIngestsThroughScheduler(t *testing.T) {
	mgmt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer mgmt.Close()

	ctx := t.Context()
	cfg := newTestServiceConfig(t, mgmt.URL)

	svc, err := NewService(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	if err := svc.Start(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	body, _ := json.Marshal(map[string]any{
		"readings": []map[string]any{
			{"asset_code": "T1", "user_ts": "now()", "reading": map[string]any{"x": 1}},
		},
	})
	readings, err := ParseIngestJSON(body)
	if err != nil {
		t.Fatalf("ParseIngestJSON: %v", err)
	}
	svc.sched.IngestBatch(readings)

	found := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rows, err := svc.Storage().FetchReadings(ctx, 1, 10)
		if err == nil && len(rows) == 1 {
			found = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !found {
		t.Fatal("ingested reading was not persisted in time")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// TestServiceRegistersAllSouthboundRoutes checks Start wires the HTTP,
// websocket, and prometheus remote-write routes onto one mux.
func TestServiceRegistersAllSouthboundRoutes(t *testing.T) {
	ctx := t.Context()
	cfg := newTestServiceConfig(t, "")

	svc, err := NewService(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc.Start(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, path := range []string{"/readings", "/readings/stream", "/api/v1/write"} {
		req, _ := http.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		svc.httpServer.Handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusNotFound {
			t.Errorf("route %s not registered", path)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
