package readings

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Retry tuning constants.
const (
	retryBackoff = 100 * time.Microsecond
	maxRetries   = 40
	prepBase     = 5 * time.Millisecond
	prepBackoff  = 5 * time.Millisecond
	prepMaxRetry = 20
)

// retryExecutor wraps every statement execution in a bounded retry loop
// over SQLITE_BUSY / SQLITE_LOCKED. It also keeps a small histogram of
// "succeeded after N retries" counts.
type retryExecutor struct {
	mu        sync.Mutex
	histogram [maxRetries + 1]uint64
	prepHisto [prepMaxRetry + 1]uint64
	terminal  uint64
	logger    *slog.Logger
}

func newRetryExecutor(logger *slog.Logger) *retryExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &retryExecutor{logger: logger}
}

// isBusyOrLocked reports whether err represents SQLITE_BUSY or
// SQLITE_LOCKED as surfaced by modernc.org/sqlite's error strings.
func isBusyOrLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

// Exec runs fn, retrying on BUSY/LOCKED with the short backoff used for
// read queries and simple statements (retries * RETRY_BACKOFF, up to
// MAX_RETRIES).
func (r *retryExecutor) Exec(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil {
			r.record(attempt)
			return nil
		}
		if !isBusyOrLocked(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		sleep := time.Duration(attempt+1) * retryBackoff
		if !sleepCtx(ctx, sleep) {
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.terminal++
	r.mu.Unlock()
	r.logger.Error("sql retries exhausted", "err", err, "max_retries", maxRetries)
	return ErrRetriesExhausted
}

// ExecPrepared runs fn (a prepared-statement Exec/Step) with the larger
// base+jitter backoff used for bulk INSERT paths.
func (r *retryExecutor) ExecPrepared(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= prepMaxRetry; attempt++ {
		err = fn()
		if err == nil {
			r.recordPrep(attempt)
			return nil
		}
		if !isBusyOrLocked(err) {
			return err
		}
		if attempt == prepMaxRetry {
			break
		}
		sleep := prepBase + time.Duration(rand.Int63n(int64(prepBackoff)))
		if !sleepCtx(ctx, sleep) {
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.terminal++
	r.mu.Unlock()
	r.logger.Error("prepared statement retries exhausted", "err", err, "max_retries", prepMaxRetry)
	return ErrRetriesExhausted
}

func (r *retryExecutor) record(attempt int) {
	r.mu.Lock()
	r.histogram[attempt]++
	r.mu.Unlock()
}

func (r *retryExecutor) recordPrep(attempt int) {
	r.mu.Lock()
	r.prepHisto[attempt]++
	r.mu.Unlock()
}

// RetryStats reports the retry histogram accumulated so far.
type RetryStats struct {
	SucceededAfterRetries   [maxRetries + 1]uint64
	PreparedSucceededAfterN [prepMaxRetry + 1]uint64
	TerminalFailures        uint64
}

func (r *retryExecutor) Stats() RetryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RetryStats{
		SucceededAfterRetries:   r.histogram,
		PreparedSucceededAfterN: r.prepHisto,
		TerminalFailures:        r.terminal,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if ctx == nil {
		time.Sleep(d)
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
