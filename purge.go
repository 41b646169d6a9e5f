package readings

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Purge tuning constants.
const (
	purgeDeleteBlockSizeDefault = 20
	minPurgeDeleteBlockSize     = 20
	maxPurgeDeleteBlockSize     = 1500
	purgeBlockSizeGranularity   = 5
	targetPurgeBlockDelTimeUsec = 70_000
	recalcPurgeBlockSizeNBlocks = 30
	slowBlockThresholdUsec      = 150_000
	writeAccessPollInterval     = 100 * time.Millisecond
)

// PurgeResult is the JSON response shape of a purge operation.
type PurgeResult struct {
	Removed        int `json:"removed"`
	UnsentPurged   int `json:"unsentPurged"`
	UnsentRetained int `json:"unsentRetained"`
	Readings       int `json:"readings"`
}

// PurgeEngine runs block-wise DELETE with a self-tuning block size that
// targets a fixed per-block wall time, unsent-row protection, and
// coexistence with live writers.
//
// purgeBlockSize is process-wide; it is mutated only by the purge worker
// and read only by the purge worker, so a plain field protected by
// purgeMu (rather than an atomic) is sufficient.
type PurgeEngine struct {
	cat     *Catalogue
	storage *StorageEngine
	retry   *retryExecutor
	logger  *slog.Logger
	archive *Archiver // may be nil

	purgeMu        sync.Mutex
	purgeBlockSize int
}

// NewPurgeEngine constructs a purge engine seeded with the configured
// initial block size, clamped to [20, 1500].
func NewPurgeEngine(cat *Catalogue, storage *StorageEngine, retry *retryExecutor, archive *Archiver, initialBlockSize int, logger *slog.Logger) *PurgeEngine {
	if logger == nil {
		logger = slog.Default()
	}
	size := initialBlockSize
	if size < minPurgeDeleteBlockSize {
		size = minPurgeDeleteBlockSize
	}
	if size > maxPurgeDeleteBlockSize {
		size = maxPurgeDeleteBlockSize
	}
	return &PurgeEngine{
		cat:            cat,
		storage:        storage,
		retry:          retry,
		archive:        archive,
		logger:         logger,
		purgeBlockSize: size,
	}
}

// BlockSize reports the current adaptive block size, for tests asserting
// `purgeBlockSize ∈ [20, 1500]` invariant.
func (p *PurgeEngine) BlockSize() int {
	p.purgeMu.Lock()
	defer p.purgeMu.Unlock()
	return p.purgeBlockSize
}

// PurgeByAge deletes rows older than ageHours from the given asset's
// readings table. ageHours == 0 derives the age from
// (now − min(user_ts)) / 360. When keepUnsent is
// true, the purge ceiling is clamped to min(sentID, ceiling).
func (p *PurgeEngine) PurgeByAge(ctx context.Context, assetCode string, ageHours uint, keepUnsent bool, sentID int64) (*PurgeResult, error) {
	ref, err := p.cat.GetReadingReference(ctx, assetCode)
	if err != nil {
		return nil, err
	}
	table := fmt.Sprintf("%s.%s", dbAlias(ref.DBID), tableName(ref.TableID))

	minID, maxID, err := p.snapshotIDRange(ctx, table)
	if err != nil {
		return nil, err
	}
	if minID == 0 && maxID == 0 {
		return &PurgeResult{}, nil
	}
	if minID == maxID {
		// Nothing to purge when the table holds at most one row.
		p.logger.Info("no data to purge", "min_id", minID, "max_id", maxID)
		return &PurgeResult{Readings: 1}, nil
	}

	age := ageHours
	if age == 0 {
		age, err = p.deriveAge(ctx, table, maxID)
		if err != nil {
			return nil, err
		}
	}

	ceiling, err := p.findPurgeCeiling(ctx, table, minID, maxID, age)
	if err != nil {
		return nil, err
	}

	unsentPurged := 0
	if keepUnsent {
		if ceiling > sentID {
			unsentPurged = int(ceiling - sentID)
			ceiling = sentID
		}
		if ceiling < minID {
			ceiling = minID
		}
	}

	p.waitForWriters(ctx)

	removed, err := p.deleteBlocks(ctx, table, minID, ceiling)
	if err != nil {
		return nil, err
	}

	result := &PurgeResult{
		Removed:        removed,
		UnsentPurged:   unsentPurged,
		UnsentRetained: int(maxID - ceiling),
		Readings:       int(maxID+1-minID) - removed,
	}
	if sentID == 0 {
		result.UnsentPurged = removed
	}

	return result, nil
}

func (p *PurgeEngine) snapshotIDRange(ctx context.Context, table string) (min, max int64, err error) {
	err = p.retry.Exec(ctx, func() error {
		row := p.cat.DB().QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MIN(id),0), COALESCE(MAX(id),0) FROM %s", table))
		return row.Scan(&min, &max)
	})
	return
}

// deriveAge computes the "(now − min(user_ts)) / 360" fallback age,
// expressed in hours, used when the caller passes ageHours == 0.
func (p *PurgeEngine) deriveAge(ctx context.Context, table string, maxID int64) (uint, error) {
	var hours float64
	err := p.retry.Exec(ctx, func() error {
		row := p.cat.DB().QueryRowContext(ctx, fmt.Sprintf(
			"SELECT (strftime('%%s','now','utc') - strftime('%%s', MIN(user_ts)))/360.0 FROM %s WHERE id <= ?", table), maxID)
		return row.Scan(&hours)
	})
	if err != nil {
		return 0, newPurgeError(PurgeErrorQuery, "derive purge age", err)
	}
	if hours < 0 {
		hours = 0
	}
	return uint(hours), nil
}

// findPurgeCeiling binary-searches on id for the largest id whose
// user_ts < now − age, avoiding a full index scan. Ids are global across
// tables, so each probe reads the first row at or above the midpoint.
func (p *PurgeEngine) findPurgeCeiling(ctx context.Context, table string, lo, hi int64, age uint) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(age) * time.Hour)
	best := lo
	top := hi

	for lo <= hi {
		mid := lo + (hi-lo)/2
		var found int64
		var userTS string
		err := p.retry.Exec(ctx, func() error {
			row := p.cat.DB().QueryRowContext(ctx, fmt.Sprintf("SELECT id, user_ts FROM %s WHERE id >= ? AND id <= ? ORDER BY id LIMIT 1", table), mid, top)
			return row.Scan(&found, &userTS)
		})
		if err != nil {
			return 0, newPurgeError(PurgeErrorQuery, "binary search purge ceiling", err)
		}
		t, parseErr := time.Parse(sqliteTimeLayout, userTS)
		if parseErr != nil {
			return 0, newPurgeError(PurgeErrorQuery, "parse user_ts during purge search", parseErr)
		}
		if t.Before(cutoff) {
			best = found
			lo = found + 1
		} else {
			hi = mid - 1
		}
	}
	return best, nil
}

// waitForWriters blocks until no append is in flight, polling every
// 100ms.
func (p *PurgeEngine) waitForWriters(ctx context.Context) {
	for p.storage.WriteAccessOngoing() {
		if !sleepCtx(ctx, writeAccessPollInterval) {
			return
		}
	}
}

// deleteBlocks runs the block-wise DELETE loop with adaptive sizing
//.
func (p *PurgeEngine) deleteBlocks(ctx context.Context, table string, from, to int64) (int, error) {
	removed := 0
	blocks := 0
	var totTime, prevTotTime time.Duration
	var prevBlocks int

	rowid := from
	for rowid < to {
		blocks++
		rowid += int64(p.BlockSize())
		if rowid > to {
			rowid = to
		}

		if p.archive != nil {
			if err := p.archive.ArchiveBlock(ctx, table, from, rowid); err != nil {
				p.logger.Warn("archive-before-delete failed; continuing with purge", "err", err)
			}
		}

		start := time.Now()
		var affected int64
		err := p.retry.Exec(ctx, func() error {
			res, err := p.cat.DB().ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id <= ?", table), rowid)
			if err != nil {
				return err
			}
			affected, err = res.RowsAffected()
			return err
		})
		elapsed := time.Since(start)
		totTime += elapsed

		if err != nil {
			return removed, newPurgeError(PurgeErrorDelete, "purge delete block", err)
		}
		removed += int(affected)

		if elapsed.Microseconds() > slowBlockThresholdUsec {
			sleepCtx(ctx, time.Duration(100+elapsed.Microseconds()/10_000)*time.Millisecond)
		}

		if blocks%recalcPurgeBlockSizeNBlocks == 0 {
			p.recalculateBlockSize(blocks, prevBlocks, totTime, prevTotTime)
			prevBlocks = blocks
			prevTotTime = totTime
			sleepCtx(ctx, 100*time.Millisecond)
		}
	}
	return removed, nil
}

// recalculateBlockSize implements "Adaptive sizing": 50%
// long-term average + 50% current-window average, scaled toward the
// 70ms target and clamped to [0.5x, 2.0x] of the current size, rounded
// to a multiple of 5, then clamped to [20, 1500].
func (p *PurgeEngine) recalculateBlockSize(blocks, prevBlocks int, totTime, prevTotTime time.Duration) {
	denom := prevBlocks
	if denom == 0 {
		denom = 1
	}
	prevAvg := int(prevTotTime.Microseconds()) / denom
	currAvg := int((totTime - prevTotTime).Microseconds()) / (blocks - prevBlocks)
	if prevAvg == 0 {
		prevAvg = currAvg
	}
	avg := (prevAvg*5 + currAvg*5) / 10
	if avg == 0 {
		return
	}

	deviation := avg - targetPurgeBlockDelTimeUsec
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation <= targetPurgeBlockDelTimeUsec/10 {
		return
	}

	ratio := float64(targetPurgeBlockDelTimeUsec) / float64(avg)
	if ratio > 2.0 {
		ratio = 2.0
	}
	if ratio < 0.5 {
		ratio = 0.5
	}

	p.purgeMu.Lock()
	defer p.purgeMu.Unlock()

	newSize := int(float64(p.purgeBlockSize) * ratio)
	newSize = newSize / purgeBlockSizeGranularity * purgeBlockSizeGranularity
	if newSize < minPurgeDeleteBlockSize {
		newSize = minPurgeDeleteBlockSize
	}
	if newSize > maxPurgeDeleteBlockSize {
		newSize = maxPurgeDeleteBlockSize
	}
	p.logger.Debug("changed purge block size", "old", p.purgeBlockSize, "new", newSize, "avg_usec", avg)
	p.purgeBlockSize = newSize
}
