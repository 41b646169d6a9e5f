package readings

import (
	"context"
	"encoding/json"
	"testing"
)

func newTestStorage(t *testing.T) (*StorageEngine, *Catalogue) {
	t.Helper()
	cat, retry := openTestCatalogue(t)
	return NewStorageEngine(cat, retry, nil), cat
}

// TestAppendAndFetchHappyPath covers scenario 1: ingest one
// reading for T1 and fetch it back with id=1.
func TestAppendAndFetchHappyPath(t *testing.T) {
	storage, _ := newTestStorage(t)
	ctx := context.Background()

	n, err := storage.AppendReadings(ctx, []Reading{{
		AssetCode: "T1",
		UserTS:    "2024-01-01 00:00:00.000000",
		Payload:   json.RawMessage(`{"x":1}`),
	}})
	if err != nil {
		t.Fatalf("AppendReadings: %v", err)
	}
	if n != 1 {
		t.Fatalf("AppendReadings inserted = %d, want 1", n)
	}

	rows, err := storage.FetchReadings(ctx, 1, 10)
	if err != nil {
		t.Fatalf("FetchReadings: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("FetchReadings returned %d rows, want 1", len(rows))
	}
	if rows[0].ID != 1 || rows[0].AssetCode != "T1" {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
	var payload map[string]float64
	if err := json.Unmarshal(rows[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["x"] != 1 {
		t.Fatalf("payload = %+v, want x=1", payload)
	}
}

// TestAppendMultiAssetMonotonicIDs covers scenario 2: readings
// for A,B,A land in exactly two tables with distinct monotonic IDs.
func TestAppendMultiAssetMonotonicIDs(t *testing.T) {
	storage, cat := newTestStorage(t)
	ctx := context.Background()

	batch := []Reading{
		{AssetCode: "A", UserTS: "now()", Payload: json.RawMessage(`{"v":1}`)},
		{AssetCode: "B", UserTS: "now()", Payload: json.RawMessage(`{"v":2}`)},
		{AssetCode: "A", UserTS: "now()", Payload: json.RawMessage(`{"v":3}`)},
	}
	n, err := storage.AppendReadings(ctx, batch)
	if err != nil {
		t.Fatalf("AppendReadings: %v", err)
	}
	if n != 3 {
		t.Fatalf("inserted = %d, want 3", n)
	}
	if cat.AssetTableCount() != 2 {
		t.Fatalf("AssetTableCount = %d, want 2", cat.AssetTableCount())
	}

	ids := map[int64]bool{}
	for _, r := range batch {
		if ids[r.ID] {
			t.Fatalf("duplicate id %d", r.ID)
		}
		ids[r.ID] = true
	}
	for i := 1; i < len(batch); i++ {
		if batch[i].ID <= batch[i-1].ID {
			t.Fatalf("ids not increasing: %d then %d", batch[i-1].ID, batch[i].ID)
		}
	}
}

// TestAppendDiscardsInvalidReading verifies an invalid reading is
// skipped, not fatal to the rest of the batch.
func TestAppendDiscardsInvalidReading(t *testing.T) {
	storage, _ := newTestStorage(t)
	ctx := context.Background()

	batch := []Reading{
		{AssetCode: "", UserTS: "now()", Payload: json.RawMessage(`{"v":1}`)},
		{AssetCode: "T1", UserTS: "now()", Payload: json.RawMessage(`{"v":2}`)},
	}
	n, err := storage.AppendReadings(ctx, batch)
	if err != nil {
		t.Fatalf("AppendReadings: %v", err)
	}
	if n != 1 {
		t.Fatalf("inserted = %d, want 1 (one discarded)", n)
	}
}
