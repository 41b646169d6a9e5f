package readings

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// PromRemoteWriteListener decodes Prometheus remote-write WriteRequests
// and translates each sample into a Reading.
type PromRemoteWriteListener struct {
	scheduler *Scheduler
	logger    *slog.Logger
}

// NewPromRemoteWriteListener constructs a Prometheus remote-write listener.
func NewPromRemoteWriteListener(sched *Scheduler, logger *slog.Logger) *PromRemoteWriteListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromRemoteWriteListener{scheduler: sched, logger: logger}
}

// RegisterRoutes mounts the remote-write endpoint onto mux.
func (l *PromRemoteWriteListener) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/write", l.handleWrite)
}

func (l *PromRemoteWriteListener) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	compressed, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		http.Error(w, "invalid snappy frame: "+err.Error(), http.StatusBadRequest)
		return
	}

	var req prompb.WriteRequest
	if err := req.Unmarshal(raw); err != nil {
		http.Error(w, "invalid remote write payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	readings := samplesToReadings(&req)
	l.scheduler.IngestBatch(readings)

	w.WriteHeader(http.StatusNoContent)
}

// samplesToReadings flattens every timeseries' samples into individual
// Readings, using the __name__ label as the asset code and the sample
// timestamp (ms since epoch) as user_ts. Every other label is carried
// into the reading payload alongside the value.
func samplesToReadings(req *prompb.WriteRequest) []Reading {
	var out []Reading
	for _, ts := range req.Timeseries {
		assetCode := "unknown"
		payload := map[string]any{}
		for _, lbl := range ts.Labels {
			if lbl.Name == "__name__" {
				assetCode = lbl.Value
				continue
			}
			payload[lbl.Name] = lbl.Value
		}
		for _, s := range ts.Samples {
			body := make(map[string]any, len(payload)+1)
			for k, v := range payload {
				body[k] = v
			}
			body["value"] = s.Value
			raw, err := json.Marshal(body)
			if err != nil {
				continue
			}
			out = append(out, Reading{
				AssetCode: assetCode,
				UserTS:    time.UnixMilli(s.Timestamp).UTC().Format(sqliteTimeLayout),
				Payload:   raw,
			})
		}
	}
	return out
}
