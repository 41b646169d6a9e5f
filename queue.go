package readings

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// queuedReading pairs a Reading with the time it entered the active
// queue, used to drive the latency gauge and wait discipline.
type queuedReading struct {
	Reading
	enqueuedAt time.Time
}

// resendBatch is a batch that failed to persist and is awaiting retry,
// tracking consecutive failures so a malformed reading cannot stall the
// pipeline forever.
type resendBatch struct {
	readings []queuedReading
	attempts int
}

// Scheduler is a bounded producer queue with latency-driven flush,
// filter chain hand-off, and a resend queue back-pressure path.
type Scheduler struct {
	cfg     QueueConfig
	storage *StorageEngine
	filter  *FilterPipeline
	stats   *StatsTracker
	logger  *slog.Logger

	// queueMu protects active; fullMu protects full; resendMu protects
	// resend — three separate locks, rather than one lock
	// guarding all three containers.
	queueMu sync.Mutex
	active  []queuedReading

	fullMu sync.Mutex
	full   [][]queuedReading

	resendMu sync.Mutex
	resend   []resendBatch

	condMu sync.Mutex
	cond   *sync.Cond

	stopping bool
	done     chan struct{}

	highLatency bool
}

// NewScheduler constructs a flush scheduler. Start must be called to
// launch the flush worker goroutine.
func NewScheduler(cfg QueueConfig, storage *StorageEngine, filter *FilterPipeline, stats *StatsTracker, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:     cfg,
		storage: storage,
		filter:  filter,
		stats:   stats,
		logger:  logger,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.condMu)
	return s
}

// Ingest appends a single reading to the active queue, rotating into the
// full-queue stack if the threshold is reached.
func (s *Scheduler) Ingest(r Reading) {
	s.IngestBatch([]Reading{r})
}

// IngestBatch appends a batch of readings to the active queue.
func (s *Scheduler) IngestBatch(batch []Reading) {
	now := time.Now()
	s.queueMu.Lock()
	for _, r := range batch {
		s.active = append(s.active, queuedReading{Reading: r, enqueuedAt: now})
	}
	rotate := len(s.active) >= s.cfg.Threshold || s.stopping
	var rotated []queuedReading
	if rotate && len(s.active) > 0 {
		rotated = s.active
		s.active = nil
	}
	s.queueMu.Unlock()

	if rotated != nil {
		s.fullMu.Lock()
		s.full = append(s.full, rotated)
		s.fullMu.Unlock()
	}

	s.notify()
}

func (s *Scheduler) notify() {
	s.condMu.Lock()
	s.cond.Broadcast()
	s.condMu.Unlock()
}

// Start launches the flush worker loop in a new goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	go s.flushLoop(ctx)
}

// Stop signals the flush worker to drain and exit, then waits for it.
func (s *Scheduler) Stop() {
	s.queueMu.Lock()
	s.stopping = true
	s.queueMu.Unlock()
	s.notify()
	<-s.done
}

// flushLoop drains resend first, then full-queues, then the active
// queue, waiting on the condition variable when nothing is pending.
func (s *Scheduler) flushLoop(ctx context.Context) {
	defer close(s.done)
	for {
		batch, ok := s.nextBatch()
		if !ok {
			if s.isStoppingAndEmpty() {
				return
			}
			s.waitForWork(ctx)
			continue
		}
		s.process(ctx, batch)
	}
}

// process hands a batch through the filter pipeline and into storage,
// routing failures back to the resend queue with an incremented attempt
// count.
func (s *Scheduler) process(ctx context.Context, rb resendBatch) {
	s.checkLatency(rb.readings)

	readings := make([]Reading, len(rb.readings))
	for i, q := range rb.readings {
		readings[i] = q.Reading
	}

	filtered := s.filter.Apply(readings)

	n, err := s.storage.AppendReadings(ctx, filtered)
	if err != nil || n < 0 {
		s.logger.Warn("batch persist failed, routing to resend queue", "err", err, "size", len(rb.readings), "attempts", rb.attempts+1)
		s.requeue(rb)
		return
	}
	if skipped := len(filtered) - n; skipped > 0 && s.stats != nil {
		s.stats.AddDiscarded(skipped)
	}
}

func (s *Scheduler) isStoppingAndEmpty() bool {
	s.queueMu.Lock()
	stopping := s.stopping && len(s.active) == 0
	s.queueMu.Unlock()
	if !stopping {
		return false
	}
	s.fullMu.Lock()
	emptyFull := len(s.full) == 0
	s.fullMu.Unlock()
	s.resendMu.Lock()
	emptyResend := len(s.resend) == 0
	s.resendMu.Unlock()
	return emptyFull && emptyResend
}

func (s *Scheduler) nextBatch() (resendBatch, bool) {
	s.resendMu.Lock()
	if len(s.resend) > 0 {
		rb := s.resend[0]
		s.resend = s.resend[1:]
		s.resendMu.Unlock()
		return rb, true
	}
	s.resendMu.Unlock()

	s.fullMu.Lock()
	if n := len(s.full); n > 0 {
		batch := s.full[n-1]
		s.full = s.full[:n-1]
		s.fullMu.Unlock()
		return resendBatch{readings: batch}, true
	}
	s.fullMu.Unlock()

	s.queueMu.Lock()
	if len(s.active) > 0 {
		batch := s.active
		s.active = nil
		s.queueMu.Unlock()
		return resendBatch{readings: batch}, true
	}
	s.queueMu.Unlock()

	return resendBatch{}, false
}

// waitForWork computes timeout = configured − age(oldest) and waits ¾
// of it, or until notified.
func (s *Scheduler) waitForWork(ctx context.Context) {
	timeout := s.cfg.FlushTimeout
	s.queueMu.Lock()
	if len(s.active) > 0 {
		age := time.Since(s.active[0].enqueuedAt)
		remaining := s.cfg.FlushTimeout - age
		if remaining > 0 {
			timeout = remaining
		} else {
			timeout = 0
		}
	}
	s.queueMu.Unlock()

	wait := time.Duration(float64(timeout) * 0.75)
	if wait <= 0 {
		return
	}

	done := make(chan struct{})
	go func() {
		s.condMu.Lock()
		timer := time.AfterFunc(wait, func() {
			s.condMu.Lock()
			s.cond.Broadcast()
			s.condMu.Unlock()
		})
		s.cond.Wait()
		timer.Stop()
		s.condMu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// checkLatency implements the latency gauge: logs only on a
// false→true / true→false transition, never per batch.
func (s *Scheduler) checkLatency(batch []queuedReading) {
	if len(batch) == 0 {
		return
	}
	age := time.Since(batch[0].enqueuedAt)
	high := age > s.cfg.FlushTimeout
	if high != s.highLatency {
		s.highLatency = high
		if high {
			s.logger.Warn("ingest latency exceeded flush timeout", "age", age, "timeout", s.cfg.FlushTimeout)
		} else {
			s.logger.Info("ingest latency back within flush timeout", "age", age, "timeout", s.cfg.FlushTimeout)
		}
	}
}

// requeue appends the failed batch to the resend tail, incrementing its
// attempt count and dropping the head ResendDropCount readings (counted
// as DISCARDED) once the batch has failed ResendMaxAttempts times in a
// row.
func (s *Scheduler) requeue(rb resendBatch) {
	rb.attempts++
	if rb.attempts >= s.cfg.ResendMaxAttempts {
		drop := s.cfg.ResendDropCount
		if drop > len(rb.readings) {
			drop = len(rb.readings)
		}
		if s.stats != nil && drop > 0 {
			s.stats.AddDiscarded(drop)
		}
		rb.readings = rb.readings[drop:]
		rb.attempts = 0
		s.logger.Error("resend batch exceeded max attempts, dropping head readings", "dropped", drop)
	}
	if len(rb.readings) == 0 {
		return
	}
	s.resendMu.Lock()
	s.resend = append(s.resend, rb)
	s.resendMu.Unlock()
}
