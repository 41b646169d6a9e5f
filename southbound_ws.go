package readings

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// wsUpgrader accepts any origin; south-side plugins are trusted
// collaborators, not public clients.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebsocketIngestListener is a persistent push connection that streams
// ingest-JSON-schema messages, one per frame, into the scheduler.
type WebsocketIngestListener struct {
	scheduler *Scheduler
	logger    *slog.Logger
}

// NewWebsocketIngestListener constructs a websocket ingest listener.
func NewWebsocketIngestListener(sched *Scheduler, logger *slog.Logger) *WebsocketIngestListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketIngestListener{scheduler: sched, logger: logger}
}

// RegisterRoutes mounts the upgrade handler onto mux.
func (l *WebsocketIngestListener) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/readings/stream", l.handleUpgrade)
}

func (l *WebsocketIngestListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.logger.Warn("websocket ingest connection dropped", "err", err)
			}
			return
		}

		readings, err := ParseIngestJSON(msg)
		if err != nil {
			l.logger.Warn("dropping malformed websocket ingest frame", "err", err)
			continue
		}
		l.scheduler.IngestBatch(readings)
	}
}
