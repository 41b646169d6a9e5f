package readings

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/foglamp-edge/readings/internal/wire"
)

// StorageEngine performs batched INSERT, aggregate/timebucket SELECT,
// stream ingest, and fetch-by-id against the readings tables.
type StorageEngine struct {
	cat    *Catalogue
	retry  *retryExecutor
	logger *slog.Logger

	// writeAccessOngoing counts in-flight append transactions; the purge
	// engine blocks new DELETE blocks while this is non-zero.
	writeAccessOngoing atomic.Int64

	// onAppended is invoked once per successfully inserted reading, wiring
	// the statistics & asset tracker without a direct import cycle.
	onAppended func(assetCode string)
}

// NewStorageEngine wires a storage engine on top of an already-opened
// catalogue.
func NewStorageEngine(cat *Catalogue, retry *retryExecutor, logger *slog.Logger) *StorageEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StorageEngine{cat: cat, retry: retry, logger: logger}
}

// OnAppended registers a callback invoked after every successfully
// persisted reading.
func (s *StorageEngine) OnAppended(fn func(assetCode string)) { s.onAppended = fn }

// AppendReadings persists a batch of readings inside a single
// transaction, skipping individually-invalid readings. It returns the
// count of inserted rows, or -1 on a non-retriable failure after rolling
// back.
func (s *StorageEngine) AppendReadings(ctx context.Context, batch []Reading) (int, error) {
	s.writeAccessOngoing.Add(1)
	defer s.writeAccessOngoing.Add(-1)

	// Resolve tables and prepare statements before the transaction takes
	// the catalogue's only connection; inside it both calls are cache hits.
	for i := range batch {
		if batch[i].Validate() != nil {
			continue
		}
		ref, err := s.cat.GetReadingReference(ctx, batch[i].AssetCode)
		if err != nil {
			return -1, err
		}
		if _, err := s.cat.InsertStmt(ctx, ref); err != nil {
			return -1, err
		}
	}

	tx, err := s.cat.DB().BeginTx(ctx, nil)
	if err != nil {
		return -1, newStorageError(StorageErrorInsert, "begin transaction", 0, err)
	}

	inserted := 0
	var appended []string
	var lastAsset string
	var lastRef tableRef

	for i := range batch {
		r := &batch[i]
		if err := r.Validate(); err != nil {
			s.logger.Warn("discarding invalid reading", "asset_code", r.AssetCode, "err", err)
			continue
		}

		ref := lastRef
		if r.AssetCode != lastAsset {
			ref, err = s.cat.GetReadingReference(ctx, r.AssetCode)
			if err != nil {
				_ = tx.Rollback()
				return -1, err
			}
			lastAsset = r.AssetCode
			lastRef = ref
		}

		stmt, err := s.cat.InsertStmt(ctx, ref)
		if err != nil {
			_ = tx.Rollback()
			return -1, err
		}
		txStmt := tx.StmtContext(ctx, stmt)

		userTS, err := r.ResolveUserTS()
		if err != nil {
			s.logger.Warn("discarding reading with bad user_ts", "asset_code", r.AssetCode, "err", err)
			continue
		}

		id := s.cat.NextGlobalID()
		ts := time.Now().UTC()

		execErr := s.retry.ExecPrepared(ctx, func() error {
			_, err := txStmt.ExecContext(ctx, id, userTS.Format(sqliteTimeLayout), string(r.Payload), ts.Format(sqliteTimeLayout))
			return err
		})
		if execErr != nil {
			_ = tx.Rollback()
			return -1, newStorageError(StorageErrorInsert, "insert reading", ref.TableID, execErr)
		}

		r.ID = id
		r.Ts = ts
		inserted++
		appended = append(appended, r.AssetCode)
	}

	if err := tx.Commit(); err != nil {
		return -1, newStorageError(StorageErrorInsert, "commit transaction", 0, err)
	}

	if s.onAppended != nil {
		for _, asset := range appended {
			s.onAppended(asset)
		}
	}
	return inserted, nil
}

// sqliteTimeLayout matches the DATETIME column's textual representation.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000"

// ReadingStream persists a packed binary stream of readings: a sequence
// of {user_ts, asset_code_len, asset_code, payload} records, decoded via
// internal/wire.
func (s *StorageEngine) ReadingStream(ctx context.Context, r io.Reader) (int, error) {
	records, err := wire.DecodeStream(r)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	batch := make([]Reading, 0, len(records))
	for _, rec := range records {
		batch = append(batch, Reading{
			AssetCode: rec.AssetCode,
			UserTS:    rec.UserTS,
			Payload:   json.RawMessage(rec.Payload),
		})
	}
	return s.AppendReadings(ctx, batch)
}

// FetchReadings returns rows with id >= fromID, ordered ascending across
// every readings table, limited to blkSize.
// Used by north-side export pipelines.
func (s *StorageEngine) FetchReadings(ctx context.Context, fromID int64, blkSize int) ([]Reading, error) {
	refs := s.cat.AllTableRefs()
	assets := s.cat.TablesForRead()
	if len(refs) == 0 {
		return nil, nil
	}

	tableToAsset := make(map[int]string, len(assets))
	for asset, ref := range assets {
		tableToAsset[ref.TableID] = asset
	}

	parts := make([]string, 0, len(refs))
	for _, ref := range refs {
		alias := dbAlias(ref.DBID)
		asset := tableToAsset[ref.TableID]
		parts = append(parts, fmt.Sprintf(
			"SELECT id, %s AS asset_code, reading, user_ts, ts FROM %s.%s WHERE id >= %d",
			sqliteQuote(asset), alias, tableName(ref.TableID), fromID))
	}
	query := fmt.Sprintf("SELECT * FROM (%s) ORDER BY id ASC LIMIT ?", strings.Join(parts, " UNION ALL "))

	var out []Reading
	err := s.retry.Exec(ctx, func() error {
		out = out[:0]
		rows, err := s.cat.DB().QueryContext(ctx, query, blkSize)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			var asset, payload, userTS, ts string
			if err := rows.Scan(&id, &asset, &payload, &userTS, &ts); err != nil {
				return err
			}
			userTime, _ := time.Parse(sqliteTimeLayout, userTS)
			serverTime, _ := time.Parse(sqliteTimeLayout, ts)
			out = append(out, Reading{
				ID:        id,
				AssetCode: asset,
				UserTS:    userTime.UTC().Format(sqliteTimeLayout),
				Payload:   json.RawMessage(payload),
				Ts:        serverTime.UTC(),
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, newStorageError(StorageErrorQuery, "fetch readings", 0, err)
	}
	return out, nil
}

func sqliteQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// WriteAccessOngoing reports whether an append is currently in flight,
// consulted by the purge engine before starting a delete block.
func (s *StorageEngine) WriteAccessOngoing() bool {
	return s.writeAccessOngoing.Load() != 0
}
