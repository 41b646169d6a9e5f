package readings

import (
	"log/slog"
	"sync"
)

// Filter is a single reading transformer in the chain. Apply
// receives the readings surviving every filter before it and returns the
// readings to hand to the next filter (or to storage, for the last one).
// A filter that drops a reading simply omits it from the returned slice.
type Filter interface {
	Name() string
	Apply(readings []Reading) []Reading
}

// FilterPipeline is a configured ordered chain of Filters. The scheduler
// hands it a batch; Apply runs the batch through every filter in order
// and returns what survives. Go slices thread ownership through each
// call without needing an explicit terminator type.
type FilterPipeline struct {
	mu      sync.RWMutex
	filters []Filter
	running bool
	logger  *slog.Logger
}

// NewFilterPipeline constructs a pipeline from an ordered filter list.
func NewFilterPipeline(filters []Filter, logger *slog.Logger) *FilterPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilterPipeline{
		filters: filters,
		running: true,
		logger:  logger,
	}
}

// Apply runs readings through the chain in order, under a read lock so a
// concurrent Reconfigure cannot observe a half-swapped chain. While a
// Reconfigure holds the write lock, Apply waits for the swap to finish;
// a pipeline whose running flag is false passes the batch through
// unfiltered.
func (p *FilterPipeline) Apply(readings []Reading) []Reading {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return readings
	}
	out := readings
	for _, f := range p.filters {
		out = f.Apply(out)
		if len(out) == 0 {
			break
		}
	}
	return out
}

// Reconfigure implements "Hot reconfigure": sets running=false
// so any filter traversal already in flight finishes under the drained
// view, swaps the chain under the same pipeline mutex a traversal holds,
// then sets running=true. Apply's RLock/the write lock here already
// serialize against each other, so no separate wait loop is needed beyond
// acquiring the write lock.
func (p *FilterPipeline) Reconfigure(filters []Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.filters = filters
	p.running = true
	p.logger.Info("filter pipeline reconfigured", "filters", filterNames(filters))
}

// Filters returns the current chain's filter names, for diagnostics.
func (p *FilterPipeline) Filters() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return filterNames(p.filters)
}

func filterNames(filters []Filter) []string {
	names := make([]string, len(filters))
	for i, f := range filters {
		names[i] = f.Name()
	}
	return names
}
