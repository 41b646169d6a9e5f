package readings

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// tableRef is the physical location of an asset's readings table.
type tableRef struct {
	TableID int
	DBID    int
}

// Catalogue is the asset→table mapping and physical-layout metadata.
// All DDL and catalogue mutation happens over a single SQLite connection
// (MaxOpenConns=1) because SQLite's ATTACH is scoped to the connection
// it was issued on.
type Catalogue struct {
	db      *sql.DB
	dataDir string
	cfg     StorageConfig
	retry   *retryExecutor
	logger  *slog.Logger

	mu           sync.RWMutex
	assets       map[string]tableRef
	activeDBID   int
	attached     map[int]bool
	tablesPerDB  map[int]int
	freeInActive int
	nextTableID  int

	idMu     sync.Mutex
	globalID int64

	stmtMu  sync.Mutex
	inserts []*sql.Stmt // arena indexed by tableID; inserts[0] unused
}

// OpenCatalogue opens (or creates) readings_1.db under cfg.DataDir, loads
// the existing catalogue and global-id state, attaches any additional
// database files it references, and ensures at least one pre-allocated
// table is available for new assets.
func OpenCatalogue(ctx context.Context, cfg Config, retry *retryExecutor, logger *slog.Logger) (*Catalogue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	primaryPath := filepath.Join(cfg.DataDir, "readings_1.db")
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)", primaryPath, cfg.Storage.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open primary readings db: %w", err)
	}
	db.SetMaxOpenConns(1)

	c := &Catalogue{
		db:          db,
		dataDir:     cfg.DataDir,
		cfg:         cfg.Storage,
		retry:       retry,
		logger:      logger,
		assets:      make(map[string]tableRef),
		attached:    map[int]bool{1: true},
		tablesPerDB: make(map[int]int),
		activeDBID:  1,
		nextTableID: 1,
		inserts:     make([]*sql.Stmt, 1),
	}

	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := c.loadCatalogue(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := c.bootGlobalID(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := c.ensureFreeTable(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return c, nil
}

func (c *Catalogue) initSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS configuration_readings (global_id INTEGER);
		CREATE TABLE IF NOT EXISTS asset_reading_catalogue (
			table_id INTEGER PRIMARY KEY,
			db_id INTEGER NOT NULL,
			asset_code TEXT NOT NULL UNIQUE
		);
	`)
	if err != nil {
		return fmt.Errorf("init catalogue schema: %w", err)
	}
	return nil
}

// loadCatalogue reads all (table_id, db_id, asset_code) rows, computes
// max_db_id, and attaches every referenced database file.
func (c *Catalogue) loadCatalogue(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, `SELECT table_id, db_id, asset_code FROM asset_reading_catalogue`)
	if err != nil {
		return fmt.Errorf("load catalogue: %w", err)
	}
	defer rows.Close()

	c.mu.Lock()
	defer c.mu.Unlock()

	maxDBID := 1
	maxTableID := 0
	for rows.Next() {
		var tableID, dbID int
		var asset string
		if err := rows.Scan(&tableID, &dbID, &asset); err != nil {
			return fmt.Errorf("scan catalogue row: %w", err)
		}
		c.assets[asset] = tableRef{TableID: tableID, DBID: dbID}
		if dbID > maxDBID {
			maxDBID = dbID
		}
		if tableID > maxTableID {
			maxTableID = tableID
		}
		c.tablesPerDB[dbID]++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	c.activeDBID = maxDBID

	for dbID := 2; dbID <= maxDBID; dbID++ {
		if err := c.attachLocked(ctx, dbID); err != nil {
			return err
		}
	}

	// A clean shutdown can leave pre-allocated tables in the active
	// database that were created but never assigned to an asset; count
	// them so nextTableID (highest physically created id + 1) and
	// freeInActive agree with what's actually on disk, not just with
	// the highest assigned id.
	existing, err := c.countReadingsTablesLocked(ctx, c.activeDBID)
	if err != nil {
		return err
	}
	free := existing - c.tablesPerDB[c.activeDBID]
	if free < 0 {
		free = 0
	}
	c.freeInActive = free
	c.nextTableID = maxTableID + free + 1
	return nil
}

func (c *Catalogue) attachLocked(ctx context.Context, dbID int) error {
	if c.attached[dbID] {
		return nil
	}
	path := filepath.Join(c.dataDir, fmt.Sprintf("readings_%d.db", dbID))
	alias := dbAlias(dbID)
	stmt := fmt.Sprintf("ATTACH DATABASE '%s' AS %s", strings.ReplaceAll(path, "'", "''"), alias)
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("attach %s: %w", alias, err)
	}
	c.attached[dbID] = true
	return nil
}

// dbAlias returns the ATTACH alias for a database id, or "main" for the
// primary readings_1.db.
func dbAlias(dbID int) string {
	if dbID == 1 {
		return "main"
	}
	return fmt.Sprintf("readings_%d", dbID)
}

func tableName(tableID int) string {
	return fmt.Sprintf("readings_%d", tableID)
}

// bootGlobalID implements "Global-ID boot": adopt the stored
// value if >= 1, else recompute max(id)+1 across every readings table,
// then force the stored value to -1 so a crash forces recomputation.
func (c *Catalogue) bootGlobalID(ctx context.Context) error {
	var stored sql.NullInt64
	err := c.db.QueryRowContext(ctx, `SELECT global_id FROM configuration_readings LIMIT 1`).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read global_id: %w", err)
	}

	var next int64
	if stored.Valid && stored.Int64 >= 1 {
		next = stored.Int64
	} else {
		next, err = c.recomputeMaxID(ctx)
		if err != nil {
			return err
		}
	}

	c.idMu.Lock()
	c.globalID = next
	c.idMu.Unlock()

	return c.writeGlobalID(ctx, -1)
}

// recomputeMaxID unions max(id) over every readings table across every
// attached database file.
func (c *Catalogue) recomputeMaxID(ctx context.Context) (int64, error) {
	c.mu.RLock()
	tableIDs := make([]int, 0, len(c.assets))
	dbOf := make(map[int]int, len(c.assets))
	for _, ref := range c.assets {
		tableIDs = append(tableIDs, ref.TableID)
		dbOf[ref.TableID] = ref.DBID
	}
	c.mu.RUnlock()

	if len(tableIDs) == 0 {
		return 1, nil
	}

	parts := make([]string, 0, len(tableIDs))
	for _, tid := range tableIDs {
		alias := dbAlias(dbOf[tid])
		parts = append(parts, fmt.Sprintf("SELECT MAX(id) AS m FROM %s.%s", alias, tableName(tid)))
	}
	query := fmt.Sprintf("SELECT MAX(m) FROM (%s)", strings.Join(parts, " UNION ALL "))

	var max sql.NullInt64
	if err := c.db.QueryRowContext(ctx, query).Scan(&max); err != nil {
		return 0, fmt.Errorf("recompute max id: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

func (c *Catalogue) writeGlobalID(ctx context.Context, v int64) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM configuration_readings`)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `INSERT INTO configuration_readings (global_id) VALUES (?)`, v)
	return err
}

// Shutdown writes back the current global id, unlike the forced -1
// written at boot.
func (c *Catalogue) Shutdown(ctx context.Context) error {
	c.idMu.Lock()
	current := c.globalID
	c.idMu.Unlock()

	c.stmtMu.Lock()
	for _, stmt := range c.inserts {
		if stmt != nil {
			stmt.Close()
		}
	}
	c.stmtMu.Unlock()

	if err := c.writeGlobalID(ctx, current); err != nil {
		return err
	}
	return c.db.Close()
}

// NextGlobalID atomically returns and increments the in-memory global id.
func (c *Catalogue) NextGlobalID() int64 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	id := c.globalID
	c.globalID++
	return id
}

// GetReadingReference resolves asset_code to a table_id, allocating a new
// table on first sight.
func (c *Catalogue) GetReadingReference(ctx context.Context, assetCode string) (tableRef, error) {
	c.mu.RLock()
	ref, ok := c.assets[assetCode]
	c.mu.RUnlock()
	if ok {
		return ref, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ref, ok := c.assets[assetCode]; ok {
		return ref, nil
	}

	if c.freeInActive < 1 {
		if err := c.ensureFreeTableLocked(ctx); err != nil {
			return tableRef{}, err
		}
	}

	// nextTableID tracks the highest table physically created so far
	// (createTablesLocked advances it past the whole pre-allocated
	// batch); the next id to assign is the low end of the still-free
	// range, nextTableID-freeInActive, not nextTableID itself.
	tableID := c.nextTableID - c.freeInActive
	dbID := c.activeDBID

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO asset_reading_catalogue (table_id, db_id, asset_code) VALUES (?, ?, ?)`,
		tableID, dbID, assetCode)
	if err != nil {
		return tableRef{}, newStorageError(StorageErrorCatalogue, "insert catalogue row", tableID, err)
	}

	ref = tableRef{TableID: tableID, DBID: dbID}
	c.assets[assetCode] = ref
	c.freeInActive--
	c.tablesPerDB[dbID]++

	return ref, nil
}

// ensureFreeTable acquires the write lock and delegates to the locked
// variant; used at startup before any readers exist.
func (c *Catalogue) ensureFreeTable(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureFreeTableLocked(ctx)
}

// ensureFreeTableLocked implements pre-allocation and new-DB
// expansion. Caller must hold c.mu for writing.
func (c *Catalogue) ensureFreeTableLocked(ctx context.Context) error {
	existing, err := c.countReadingsTablesLocked(ctx, c.activeDBID)
	if err != nil {
		return err
	}
	assigned := c.tablesPerDB[c.activeDBID]
	free := existing - assigned
	if free > 0 {
		c.freeInActive = free
		return nil
	}

	if existing >= c.cfg.MaxReadingsPerDB {
		if err := c.expandNewDBLocked(ctx); err != nil {
			return err
		}
		existing, err = c.countReadingsTablesLocked(ctx, c.activeDBID)
		if err != nil {
			return err
		}
	}

	toCreate := c.cfg.ReadingsToAllocate
	if err := c.createTablesLocked(ctx, c.activeDBID, existing, toCreate); err != nil {
		return err
	}
	c.freeInActive = toCreate
	return nil
}

func (c *Catalogue) countReadingsTablesLocked(ctx context.Context, dbID int) (int, error) {
	alias := dbAlias(dbID)
	schemaTable := "sqlite_master"
	if alias != "main" {
		schemaTable = alias + ".sqlite_master"
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE type='table' AND name LIKE 'readings\_%%' ESCAPE '\'`, schemaTable)
	var count int
	if err := c.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count readings tables in db %d: %w", dbID, err)
	}
	return count, nil
}

// createTablesLocked creates readingsToAllocate new readings_<k> tables
// in the given database, starting after the highest existing table_id.
func (c *Catalogue) createTablesLocked(ctx context.Context, dbID int, existingCount, count int) error {
	alias := dbAlias(dbID)
	startID := c.nextTableID
	for i := 0; i < count; i++ {
		tid := startID + i
		table := fmt.Sprintf("%s.%s", alias, tableName(tid))
		ddl := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY,
				reading JSON,
				user_ts DATETIME,
				ts DATETIME
			);
			CREATE INDEX IF NOT EXISTS %s.idx_%s_user_ts ON %s(user_ts);
		`, table, alias, tableName(tid), tableName(tid))
		if _, err := c.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
	}
	if startID+count-1 >= c.nextTableID {
		c.nextTableID = startID + count
	}
	return nil
}

// expandNewDBLocked bumps db_id, creates/attaches the new file, and
// makes it the active database.
func (c *Catalogue) expandNewDBLocked(ctx context.Context) error {
	newDBID := c.activeDBID + 1
	if err := c.attachLocked(ctx, newDBID); err != nil {
		return err
	}
	c.activeDBID = newDBID
	c.logger.Info("expanded readings catalogue to new database", "db_id", newDBID)
	return nil
}

// InsertStmt returns the cached prepared INSERT statement for tableID,
// preparing and growing the arena on first use per the design note in
// (append-only indexed container rather than a pointer map).
func (c *Catalogue) InsertStmt(ctx context.Context, ref tableRef) (*sql.Stmt, error) {
	c.stmtMu.Lock()
	defer c.stmtMu.Unlock()

	if ref.TableID < len(c.inserts) && c.inserts[ref.TableID] != nil {
		return c.inserts[ref.TableID], nil
	}

	alias := dbAlias(ref.DBID)
	table := fmt.Sprintf("%s.%s", alias, tableName(ref.TableID))
	stmt, err := c.db.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, user_ts, reading, ts) VALUES (?, ?, ?, ?)`, table))
	if err != nil {
		return nil, newStorageError(StorageErrorInsert, "prepare insert", ref.TableID, err)
	}

	if ref.TableID >= len(c.inserts) {
		grown := make([]*sql.Stmt, ref.TableID+1)
		copy(grown, c.inserts)
		c.inserts = grown
	}
	c.inserts[ref.TableID] = stmt
	return stmt, nil
}

// AssetTableCount returns the number of distinct table_ids ever assigned,
// used by tests to check the "one table per asset" invariant.
func (c *Catalogue) AssetTableCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[int]struct{}, len(c.assets))
	for _, ref := range c.assets {
		seen[ref.TableID] = struct{}{}
	}
	return len(seen)
}

// TablesForRead returns a read-only snapshot of the in-memory asset->table
// mapping, for the storage engine's fetch path. The snapshot is not
// reloaded from asset_reading_catalogue, so a table assigned outside this
// Catalogue is not visible to readers.
func (c *Catalogue) TablesForRead() map[string]tableRef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]tableRef, len(c.assets))
	for k, v := range c.assets {
		out[k] = v
	}
	return out
}

// AllTableRefs returns every known table reference, used by fetch/purge
// operations that must sweep across all tables.
func (c *Catalogue) AllTableRefs() []tableRef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]tableRef, 0, len(c.assets))
	for _, v := range c.assets {
		out = append(out, v)
	}
	return out
}

// DB exposes the underlying connection for the storage and purge engines,
// which share it.
func (c *Catalogue) DB() *sql.DB { return c.db }
