package readings

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

func TestPromRemoteWriteListenerTranslatesSamples(t *testing.T) {
	storage, _ := newTestStorage(t)
	filter := NewFilterPipeline(nil, nil)
	cfg := QueueConfig{Threshold: 1, FlushTimeout: time.Hour, ResendMaxAttempts: 6, ResendDropCount: 5}
	sched := NewScheduler(cfg, storage, filter, nil, nil)
	sched.Start(t.Context())
	defer sched.Stop()

	listener := NewPromRemoteWriteListener(sched, nil)
	mux := http.NewServeMux()
	listener.RegisterRoutes(mux)

	writeReq := &prompb.WriteRequest{
		Timeseries: []prompb.TimeSeries{{
			Labels: []prompb.Label{
				{Name: "__name__", Value: "temperature"},
				{Name: "location", Value: "warehouse-a"},
			},
			Samples: []prompb.Sample{
				{Value: 21.5, Timestamp: time.Now().UnixMilli()},
			},
		}},
	}
	raw, err := writeReq.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	compressed := snappy.Encode(nil, raw)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/write", bytes.NewReader(compressed))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rows, err := storage.FetchReadings(t.Context(), 1, 10)
		if err == nil && len(rows) == 1 && rows[0].AssetCode == "temperature" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("prometheus remote-write sample was not ingested as a reading in time")
}
