package readings

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWebsocketIngestListenerPersistsFrames(t *testing.T) {
	storage, _ := newTestStorage(t)
	filter := NewFilterPipeline(nil, nil)
	cfg := QueueConfig{Threshold: 1, FlushTimeout: time.Hour, ResendMaxAttempts: 6, ResendDropCount: 5}
	sched := NewScheduler(cfg, storage, filter, nil, nil)
	sched.Start(t.Context())
	defer sched.Stop()

	listener := NewWebsocketIngestListener(sched, nil)
	mux := http.NewServeMux()
	listener.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/readings/stream"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	msg := []byte(`{"readings":[{"asset_code":"T1","user_ts":"now()","reading":{"x":1}}]}`)
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rows, err := storage.FetchReadings(t.Context(), 1, 10)
		if err == nil && len(rows) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("websocket ingest frame was not persisted in time")
}
