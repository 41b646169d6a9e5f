package readings

import (
	"context"
	"encoding/json"
	"testing"
)

// TestRetrieveReadingsPlain covers a bare retrieveReadings dump with no
// query object, exercising the default projection path.
func TestRetrieveReadingsPlain(t *testing.T) {
	storage, _ := newTestStorage(t)
	ctx := context.Background()

	if _, err := storage.AppendReadings(ctx, []Reading{
		{AssetCode: "T1", UserTS: "2024-01-01 00:00:00.000000", Payload: json.RawMessage(`{"v":1}`)},
		{AssetCode: "T1", UserTS: "2024-01-01 00:00:01.000000", Payload: json.RawMessage(`{"v":2}`)},
	}); err != nil {
		t.Fatalf("AppendReadings: %v", err)
	}

	result, err := storage.RetrieveReadings(ctx, "T1", nil)
	if err != nil {
		t.Fatalf("RetrieveReadings: %v", err)
	}
	if result.Count != 2 {
		t.Fatalf("count = %d, want 2", result.Count)
	}
}

// TestRetrieveReadingsTimebucketAll covers scenario 3: three
// readings {v:10},{v:20},{v:30} in one 60s bucket aggregate to
// min=10,max=30,average=20,count=3,sum=60.
func TestRetrieveReadingsTimebucketAll(t *testing.T) {
	storage, _ := newTestStorage(t)
	ctx := context.Background()

	if _, err := storage.AppendReadings(ctx, []Reading{
		{AssetCode: "T1", UserTS: "2024-01-01 00:00:00.000000", Payload: json.RawMessage(`{"v":10}`)},
		{AssetCode: "T1", UserTS: "2024-01-01 00:00:10.000000", Payload: json.RawMessage(`{"v":20}`)},
		{AssetCode: "T1", UserTS: "2024-01-01 00:00:20.000000", Payload: json.RawMessage(`{"v":30}`)},
	}); err != nil {
		t.Fatalf("AppendReadings: %v", err)
	}

	query := []byte(`{
		"aggregate": {"operation": "all"},
		"timebucket": {"timestamp": "user_ts", "size": "60"}
	}`)

	result, err := storage.RetrieveReadings(ctx, "T1", query)
	if err != nil {
		t.Fatalf("RetrieveReadings: %v", err)
	}
	if result.Count != 1 {
		t.Fatalf("count = %d, want 1 bucket", result.Count)
	}

	var reading map[string]map[string]float64
	rawReading, ok := result.Rows[0]["reading"].(string)
	if !ok {
		t.Fatalf("reading column is %T, want string", result.Rows[0]["reading"])
	}
	if err := json.Unmarshal([]byte(rawReading), &reading); err != nil {
		t.Fatalf("unmarshal bucket reading: %v", err)
	}

	v := reading["v"]
	if v["min"] != 10 || v["max"] != 30 || v["average"] != 20 || v["count"] != 3 || v["sum"] != 60 {
		t.Fatalf("bucket aggregate = %+v, want min=10 max=30 average=20 count=3 sum=60", v)
	}
}
