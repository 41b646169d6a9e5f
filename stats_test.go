package readings

import (
	"context"
	"sync"
	"testing"
)

type stubManagementClient struct {
	mu       sync.Mutex
	ensured  map[string]string
	updates  []map[string]int
	tracked  []string
	failNext bool
}

func newStubManagementClient() *stubManagementClient {
	return &stubManagementClient{ensured: make(map[string]string)}
}

func (c *stubManagementClient) EnsureStatistic(_ context.Context, key, description string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensured[key] = description
	return nil
}

func (c *stubManagementClient) UpdateStatistics(_ context.Context, deltas map[string]int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		return errTestInjected
	}
	cp := make(map[string]int, len(deltas))
	for k, v := range deltas {
		cp[k] = v
	}
	c.updates = append(c.updates, cp)
	return nil
}

func (c *stubManagementClient) ReportAssetTrack(_ context.Context, service, plugin, asset, event string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = append(c.tracked, service+"|"+plugin+"|"+asset+"|"+event)
	return nil
}

var errTestInjected = &StorageError{Type: StorageErrorUnknown, Message: "injected test failure"}

// TestStatsTrackerFlushCreatesStatisticOnFirstSight verifies that a
// statistics row is created for an asset seen for the first time, with
// an auto-generated description, then deltas are submitted and cleared.
func TestStatsTrackerFlushCreatesStatisticOnFirstSight(t *testing.T) {
	client := newStubManagementClient()
	tracker := NewStatsTracker(client, "svc", "plugin", nil)

	tracker.AddReadings("T1", 3)
	tracker.flushOnce(context.Background())

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.ensured["T1"] != "Readings count for T1" {
		t.Fatalf("ensured[T1] = %q, want auto-generated description", client.ensured["T1"])
	}
	if len(client.updates) != 1 || client.updates[0]["T1"] != 3 || client.updates[0]["READINGS"] != 3 {
		t.Fatalf("updates = %+v, want one batch with T1=3 READINGS=3", client.updates)
	}
}

// TestStatsTrackerRetainsPendingOnFailure covers "management API
// failure": the pending map is retained and retried on the next flush.
func TestStatsTrackerRetainsPendingOnFailure(t *testing.T) {
	client := newStubManagementClient()
	client.failNext = true
	tracker := NewStatsTracker(client, "svc", "plugin", nil)

	tracker.AddReadings("T1", 5)
	tracker.flushOnce(context.Background())
	if len(client.updates) != 0 {
		t.Fatalf("updates = %+v, want none (first flush injected failure)", client.updates)
	}

	tracker.flushOnce(context.Background())
	if len(client.updates) != 1 || client.updates[0]["T1"] != 5 {
		t.Fatalf("updates after retry = %+v, want one batch with T1=5", client.updates)
	}
}

// TestStatsTrackerDedupesAssetTrack verifies that only first sight of an
// asset triggers a management-API asset-track POST.
func TestStatsTrackerDedupesAssetTrack(t *testing.T) {
	client := newStubManagementClient()
	tracker := NewStatsTracker(client, "svc", "plugin", nil)

	tracker.AddReadings("T1", 1)
	tracker.AddReadings("T1", 1)
	tracker.AddReadings("T1", 1)

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.tracked) != 1 {
		t.Fatalf("tracked = %+v, want exactly one asset-track POST", client.tracked)
	}
}
