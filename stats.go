package readings

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// managementClient is the subset of the management-service client the
// stats worker depends on, so tests can substitute a stub without
// standing up an HTTP server.
type managementClient interface {
	EnsureStatistic(ctx context.Context, key, description string) error
	UpdateStatistics(ctx context.Context, deltas map[string]int) error
	ReportAssetTrack(ctx context.Context, service, plugin, asset, event string) error
}

// StatsTracker accumulates per-asset counters in a map, flushed to the
// management service on a condition-variable wake-up, with a deduped
// first-sight asset-tracker POST.
type StatsTracker struct {
	client  managementClient
	service string
	plugin  string
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]int
	known   map[string]struct{} // assets with a statistics row already created

	trackMu sync.Mutex
	tracked map[string]struct{} // deduped (service,plugin,asset,event) tuples

	condMu sync.Mutex
	cond   *sync.Cond

	stopping bool
	done     chan struct{}
}

// NewStatsTracker constructs a stats tracker. Start must be called to
// launch the stats worker goroutine.
func NewStatsTracker(client managementClient, service, plugin string, logger *slog.Logger) *StatsTracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &StatsTracker{
		client:  client,
		service: service,
		plugin:  plugin,
		logger:  logger,
		pending: make(map[string]int),
		known:   make(map[string]struct{}),
		tracked: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.condMu)
	return t
}

// AddReadings accumulates a per-asset READINGS delta and reports the
// asset-tracker tuple on first sight. Called after every successful
// append.
func (t *StatsTracker) AddReadings(assetCode string, n int) {
	if n <= 0 {
		return
	}
	key := strings.ToUpper(assetCode)
	t.mu.Lock()
	t.pending[key] += n
	t.pending["READINGS"] += n
	t.mu.Unlock()
	t.reportAssetTrackOnce(assetCode)
	t.notify()
}

// AddDiscarded accumulates the DISCARDED counter after resend-queue
// exhaustion drops readings.
func (t *StatsTracker) AddDiscarded(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.pending["DISCARDED"] += n
	t.mu.Unlock()
	t.notify()
}

func (t *StatsTracker) reportAssetTrackOnce(assetCode string) {
	tuple := fmt.Sprintf("%s|%s|%s|Ingest", t.service, t.plugin, strings.ToUpper(assetCode))
	t.trackMu.Lock()
	_, seen := t.tracked[tuple]
	if !seen {
		t.tracked[tuple] = struct{}{}
	}
	t.trackMu.Unlock()
	if seen || t.client == nil {
		return
	}
	if err := t.client.ReportAssetTrack(context.Background(), t.service, t.plugin, assetCode, "Ingest"); err != nil {
		t.logger.Warn("asset track report failed", "asset", assetCode, "err", err)
	}
}

func (t *StatsTracker) notify() {
	t.condMu.Lock()
	t.cond.Broadcast()
	t.condMu.Unlock()
}

// Start launches the stats worker in a new goroutine.
func (t *StatsTracker) Start(ctx context.Context, flushInterval time.Duration) {
	go t.flushLoop(ctx, flushInterval)
}

// Stop signals the stats worker to drain and exit, then waits for it.
func (t *StatsTracker) Stop() {
	t.condMu.Lock()
	t.stopping = true
	t.condMu.Unlock()
	t.notify()
	<-t.done
}

// flushLoop waits on the condition variable (nudged after every
// successful batch), waking at most every flushInterval
// even absent a notification, and drains the pending map on each wake.
func (t *StatsTracker) flushLoop(ctx context.Context, flushInterval time.Duration) {
	defer close(t.done)
	for {
		t.waitForWork(flushInterval)

		t.condMu.Lock()
		stopping := t.stopping
		t.condMu.Unlock()

		t.flushOnce(ctx)

		if stopping {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (t *StatsTracker) waitForWork(flushInterval time.Duration) {
	done := make(chan struct{})
	go func() {
		t.condMu.Lock()
		timer := time.AfterFunc(flushInterval, func() {
			t.condMu.Lock()
			t.cond.Broadcast()
			t.condMu.Unlock()
		})
		if !t.stopping {
			t.cond.Wait()
		}
		timer.Stop()
		t.condMu.Unlock()
		close(done)
	}()
	<-done
}

// flushOnce creates management statistics rows for any asset seen for
// the first time, then submits the accumulated deltas as a batch update.
// On failure the pending map is retained and retried next tick.
func (t *StatsTracker) flushOnce(ctx context.Context) {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	deltas := make(map[string]int, len(t.pending))
	for k, v := range t.pending {
		deltas[k] = v
	}
	t.mu.Unlock()

	if t.client == nil {
		t.mu.Lock()
		for k, v := range deltas {
			t.pending[k] -= v
			if t.pending[k] <= 0 {
				delete(t.pending, k)
			}
		}
		t.mu.Unlock()
		return
	}

	for key := range deltas {
		if key == "READINGS" || key == "DISCARDED" {
			continue
		}
		t.mu.Lock()
		_, exists := t.known[key]
		t.mu.Unlock()
		if exists {
			continue
		}
		desc := statisticDescription(key)
		if err := t.client.EnsureStatistic(ctx, key, desc); err != nil {
			t.logger.Warn("ensure statistic failed, will retry", "key", key, "err", err)
			continue
		}
		t.mu.Lock()
		t.known[key] = struct{}{}
		t.mu.Unlock()
	}

	if err := t.client.UpdateStatistics(ctx, deltas); err != nil {
		t.logger.Warn("statistics flush failed, retaining pending deltas", "err", err)
		return
	}

	t.mu.Lock()
	for k, v := range deltas {
		t.pending[k] -= v
		if t.pending[k] <= 0 {
			delete(t.pending, k)
		}
	}
	t.mu.Unlock()
}

// statisticDescription auto-generates the description text used when a
// statistics row is created for a first-sight asset.
func statisticDescription(assetKey string) string {
	return fmt.Sprintf("Readings count for %s", assetKey)
}
