package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/leonardo-matheus/winux-cloudsync/pkg/models"
)

// StorageError wraps a state-store I/O failure. Writes are
// all-or-nothing, so a StorageError never leaves a half-committed row.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// DB is the persistent state store. It is the single source of truth
// for what the engine currently believes about every tracked file.
type DB struct {
	*sql.DB
}

// New opens (or creates) the state database at the given path.
func New(dbPath string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, storageErr("open", err)
	}

	db := &DB{sqlDB}
	if err := db.initialize(); err != nil {
		return nil, storageErr("initialize", err)
	}
	return db, nil
}

// initialize creates the schema if it doesn't exist. The updated_at
// triggers keep derived staleness bookkeeping for UI queries; the
// engine itself never reads updated_at.
func (db *DB) initialize() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			name TEXT PRIMARY KEY,
			local_path TEXT,
			provider TEXT,
			strategy TEXT,
			endpoint TEXT,
			bucket TEXT,
			prefix TEXT,
			access_key TEXT,
			secret_key TEXT
		);
		CREATE TABLE IF NOT EXISTS sync_state (
			provider TEXT NOT NULL,
			local_path TEXT NOT NULL,
			remote_id TEXT,
			local_modified TEXT,
			remote_modified TEXT,
			local_hash TEXT,
			remote_hash TEXT,
			size INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			retry_status TEXT,
			last_sync TEXT,
			version INTEGER NOT NULL DEFAULT 0,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			updated_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now')),
			PRIMARY KEY (provider, local_path)
		);
		CREATE INDEX IF NOT EXISTS idx_sync_state_status ON sync_state(provider, status);
		CREATE INDEX IF NOT EXISTS idx_sync_state_remote ON sync_state(provider, remote_id);
		CREATE TABLE IF NOT EXISTS sync_cursors (
			provider TEXT PRIMARY KEY,
			cursor TEXT
		);
		CREATE TABLE IF NOT EXISTS conflicts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			local_path TEXT NOT NULL,
			remote_id TEXT,
			local_modified TEXT,
			remote_modified TEXT,
			local_size INTEGER,
			remote_size INTEGER,
			local_hash TEXT,
			remote_hash TEXT,
			resolution TEXT,
			created_at TEXT,
			resolved_at TEXT,
			updated_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
		);
		CREATE INDEX IF NOT EXISTS idx_conflicts_open ON conflicts(provider, local_path) WHERE resolution IS NULL;
		CREATE TABLE IF NOT EXISTS file_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			local_path TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			local_hash TEXT,
			remote_hash TEXT,
			committed_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_file_versions_path ON file_versions(provider, local_path);
		CREATE TABLE IF NOT EXISTS activity_log (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			kind TEXT NOT NULL,
			path TEXT,
			name TEXT,
			provider TEXT,
			bytes INTEGER,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_activity_timestamp ON activity_log(timestamp);
		CREATE TRIGGER IF NOT EXISTS trg_sync_state_updated
			AFTER UPDATE OF status, version, local_hash, remote_hash ON sync_state
		BEGIN
			UPDATE sync_state SET updated_at = strftime('%Y-%m-%dT%H:%M:%SZ','now')
			WHERE provider = NEW.provider AND local_path = NEW.local_path;
		END;
		CREATE TRIGGER IF NOT EXISTS trg_conflicts_updated
			AFTER UPDATE OF resolution ON conflicts
		BEGIN
			UPDATE conflicts SET updated_at = strftime('%Y-%m-%dT%H:%M:%SZ','now')
			WHERE id = NEW.id;
		END;
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA temp_store=MEMORY;
	`)
	return err
}

// === Profiles ===

// SaveProfile creates or updates a sync profile.
func (db *DB) SaveProfile(p *models.Profile) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO profiles (name, local_path, provider, strategy, endpoint, bucket, prefix, access_key, secret_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.Name,
		p.LocalPath,
		p.Provider,
		string(p.Strategy),
		p.Destination.Endpoint,
		p.Destination.Bucket,
		p.Destination.Prefix,
		p.Destination.AccessKey,
		p.Destination.SecretKey,
	)
	return storageErr("save profile", err)
}

// GetProfile retrieves a profile by name.
func (db *DB) GetProfile(name string) (*models.Profile, error) {
	var p models.Profile
	var strategy string
	err := db.QueryRow(`
		SELECT name, local_path, provider, strategy, endpoint, bucket, prefix, access_key, secret_key
		FROM profiles WHERE name = ?
	`, name).Scan(
		&p.Name,
		&p.LocalPath,
		&p.Provider,
		&strategy,
		&p.Destination.Endpoint,
		&p.Destination.Bucket,
		&p.Destination.Prefix,
		&p.Destination.AccessKey,
		&p.Destination.SecretKey,
	)
	if err != nil {
		return nil, fmt.Errorf("profile not found: %v", err)
	}
	p.Strategy = models.ConflictStrategy(strategy)
	return &p, nil
}

// === Sync records ===

const recordColumns = `local_path, remote_id, local_modified, remote_modified,
	local_hash, remote_hash, size, status, retry_status, last_sync, version, is_deleted, last_error`

func scanRecord(provider string, scan func(dest ...any) error) (*models.SyncRecord, error) {
	var rec models.SyncRecord
	var localMod, remoteMod string
	var lastSync, retryStatus sql.NullString
	var status string
	err := scan(
		&rec.LocalPath,
		&rec.RemoteID,
		&localMod,
		&remoteMod,
		&rec.LocalHash,
		&rec.RemoteHash,
		&rec.Size,
		&status,
		&retryStatus,
		&lastSync,
		&rec.Version,
		&rec.Deleted,
		&rec.LastError,
	)
	if err != nil {
		return nil, err
	}
	rec.Provider = provider
	rec.Status = models.FileSyncStatus(status)
	rec.RetryStatus = models.FileSyncStatus(retryStatus.String)
	rec.LocalModified = parseTime(localMod)
	rec.RemoteModified = parseTime(remoteMod)
	if lastSync.Valid && lastSync.String != "" {
		t := parseTime(lastSync.String)
		rec.LastSync = &t
	}
	return &rec, nil
}

// GetRecord retrieves the sync record for a local path, or nil if the
// path is not tracked.
func (db *DB) GetRecord(provider, localPath string) (*models.SyncRecord, error) {
	row := db.QueryRow(`
		SELECT `+recordColumns+`
		FROM sync_state WHERE provider = ? AND local_path = ?
	`, provider, localPath)
	rec, err := scanRecord(provider, row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get record", err)
	}
	return rec, nil
}

// GetRecordByRemoteID retrieves the sync record matching a provider
// file ID, or nil if none matches.
func (db *DB) GetRecordByRemoteID(provider, remoteID string) (*models.SyncRecord, error) {
	row := db.QueryRow(`
		SELECT `+recordColumns+`
		FROM sync_state WHERE provider = ? AND remote_id = ? AND is_deleted = 0
	`, provider, remoteID)
	rec, err := scanRecord(provider, row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get record by remote id", err)
	}
	return rec, nil
}

func (db *DB) queryRecords(provider, query string, args ...any) ([]models.SyncRecord, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.SyncRecord
	for rows.Next() {
		rec, err := scanRecord(provider, rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// ListByStatus retrieves all live records with the given status.
func (db *DB) ListByStatus(provider string, status models.FileSyncStatus) ([]models.SyncRecord, error) {
	records, err := db.queryRecords(provider, `
		SELECT `+recordColumns+`
		FROM sync_state WHERE provider = ? AND status = ? AND is_deleted = 0
		ORDER BY local_path
	`, provider, string(status))
	return records, storageErr("list by status", err)
}

// ListAll retrieves every live record for a provider.
func (db *DB) ListAll(provider string) ([]models.SyncRecord, error) {
	records, err := db.queryRecords(provider, `
		SELECT `+recordColumns+`
		FROM sync_state WHERE provider = ? AND is_deleted = 0
		ORDER BY local_path
	`, provider)
	return records, storageErr("list all", err)
}

func upsertRecordTx(tx *sql.Tx, rec *models.SyncRecord) error {
	_, err := tx.Exec(`
		INSERT INTO sync_state (provider, local_path, remote_id, local_modified, remote_modified,
			local_hash, remote_hash, size, status, retry_status, last_sync, version, is_deleted, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, local_path) DO UPDATE SET
			remote_id = excluded.remote_id,
			local_modified = excluded.local_modified,
			remote_modified = excluded.remote_modified,
			local_hash = excluded.local_hash,
			remote_hash = excluded.remote_hash,
			size = excluded.size,
			status = excluded.status,
			retry_status = excluded.retry_status,
			last_sync = excluded.last_sync,
			version = excluded.version,
			is_deleted = excluded.is_deleted,
			last_error = excluded.last_error
	`,
		rec.Provider,
		rec.LocalPath,
		rec.RemoteID,
		formatTime(rec.LocalModified),
		formatTime(rec.RemoteModified),
		rec.LocalHash,
		rec.RemoteHash,
		rec.Size,
		string(rec.Status),
		string(rec.RetryStatus),
		formatTimePtr(rec.LastSync),
		rec.Version,
		rec.Deleted,
		rec.LastError,
	)
	return err
}

// UpsertRecord inserts or replaces a sync record as a single atomic
// write.
func (db *DB) UpsertRecord(rec *models.SyncRecord) error {
	tx, err := db.Begin()
	if err != nil {
		return storageErr("upsert record", err)
	}
	defer tx.Rollback()

	if err := upsertRecordTx(tx, rec); err != nil {
		return storageErr("upsert record", err)
	}
	return storageErr("upsert record", tx.Commit())
}

// CommitTransition persists a state-machine transition: the record, a
// version-history row, and the activity-log entry commit together or
// not at all.
func (db *DB) CommitTransition(rec *models.SyncRecord, ev *models.SyncEvent) error {
	tx, err := db.Begin()
	if err != nil {
		return storageErr("commit transition", err)
	}
	defer tx.Rollback()

	if err := upsertRecordTx(tx, rec); err != nil {
		return storageErr("commit transition", err)
	}
	_, err = tx.Exec(`
		INSERT INTO file_versions (provider, local_path, version, status, local_hash, remote_hash, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.Provider,
		rec.LocalPath,
		rec.Version,
		string(rec.Status),
		rec.LocalHash,
		rec.RemoteHash,
		formatTime(time.Now().UTC()),
	)
	if err != nil {
		return storageErr("commit transition", err)
	}
	if ev != nil {
		if err := appendEventTx(tx, ev); err != nil {
			return storageErr("commit transition", err)
		}
	}
	return storageErr("commit transition", tx.Commit())
}

// MarkDeleted tombstones a record. The row stays so the next sync does
// not resurrect a file already deleted on both sides.
func (db *DB) MarkDeleted(provider, localPath string) error {
	_, err := db.Exec(`
		UPDATE sync_state SET is_deleted = 1 WHERE provider = ? AND local_path = ?
	`, provider, localPath)
	return storageErr("mark deleted", err)
}

// UpdatePath rewrites a record's key after a local rename.
func (db *DB) UpdatePath(provider, oldPath, newPath string) error {
	_, err := db.Exec(`
		UPDATE sync_state SET local_path = ? WHERE provider = ? AND local_path = ?
	`, newPath, provider, oldPath)
	return storageErr("update path", err)
}

// === Cursors ===

// GetCursor returns the stored delta cursor for a provider, or empty
// when no delta fetch has completed yet.
func (db *DB) GetCursor(provider string) (string, error) {
	var cursor string
	err := db.QueryRow(`SELECT cursor FROM sync_cursors WHERE provider = ?`, provider).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", storageErr("get cursor", err)
	}
	return cursor, nil
}

// SetCursor overwrites the delta cursor for a provider. Called only
// after every entry of the fetched batch has been applied.
func (db *DB) SetCursor(provider, cursor string) error {
	_, err := db.Exec(`
		INSERT INTO sync_cursors (provider, cursor) VALUES (?, ?)
		ON CONFLICT(provider) DO UPDATE SET cursor = excluded.cursor
	`, provider, cursor)
	return storageErr("set cursor", err)
}

// ClearCursor drops the cursor, forcing a full re-listing on the next
// delta fetch.
func (db *DB) ClearCursor(provider string) error {
	_, err := db.Exec(`DELETE FROM sync_cursors WHERE provider = ?`, provider)
	return storageErr("clear cursor", err)
}

// === Conflicts ===

// RecordConflict stores a newly detected conflict and returns its ID.
func (db *DB) RecordConflict(c *models.Conflict) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO conflicts (provider, local_path, remote_id, local_modified, remote_modified,
			local_size, remote_size, local_hash, remote_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.Provider,
		c.LocalPath,
		c.RemoteID,
		formatTime(c.LocalModified),
		formatTime(c.RemoteModified),
		c.LocalSize,
		c.RemoteSize,
		c.LocalHash,
		c.RemoteHash,
		formatTime(time.Now().UTC()),
	)
	if err != nil {
		return 0, storageErr("record conflict", err)
	}
	id, err := res.LastInsertId()
	return id, storageErr("record conflict", err)
}

// ListOpenConflicts returns conflicts awaiting a resolution.
func (db *DB) ListOpenConflicts(provider string) ([]models.Conflict, error) {
	rows, err := db.Query(`
		SELECT id, provider, local_path, remote_id, local_modified, remote_modified,
			local_size, remote_size, local_hash, remote_hash, created_at
		FROM conflicts WHERE provider = ? AND resolution IS NULL
		ORDER BY created_at
	`, provider)
	if err != nil {
		return nil, storageErr("list conflicts", err)
	}
	defer rows.Close()

	var conflicts []models.Conflict
	for rows.Next() {
		var c models.Conflict
		var localMod, remoteMod, createdAt string
		err = rows.Scan(
			&c.ID, &c.Provider, &c.LocalPath, &c.RemoteID,
			&localMod, &remoteMod,
			&c.LocalSize, &c.RemoteSize,
			&c.LocalHash, &c.RemoteHash,
			&createdAt,
		)
		if err != nil {
			return nil, storageErr("list conflicts", err)
		}
		c.LocalModified = parseTime(localMod)
		c.RemoteModified = parseTime(remoteMod)
		c.CreatedAt = parseTime(createdAt)
		conflicts = append(conflicts, c)
	}
	return conflicts, storageErr("list conflicts", rows.Err())
}

// ResolveConflict archives an open conflict with its resolution.
func (db *DB) ResolveConflict(provider, localPath string, resolution models.ConflictResolution) error {
	res, err := db.Exec(`
		UPDATE conflicts SET resolution = ?, resolved_at = ?
		WHERE provider = ? AND local_path = ? AND resolution IS NULL
	`, string(resolution), formatTime(time.Now().UTC()), provider, localPath)
	if err != nil {
		return storageErr("resolve conflict", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("resolve conflict", err)
	}
	if n == 0 {
		return fmt.Errorf("no open conflict for %s", localPath)
	}
	return nil
}

// === Activity log ===

func appendEventTx(tx *sql.Tx, ev *models.SyncEvent) error {
	_, err := tx.Exec(`
		INSERT INTO activity_log (id, timestamp, kind, path, name, provider, bytes, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID,
		formatTime(ev.Timestamp),
		string(ev.Kind),
		ev.Path,
		ev.Name,
		ev.Provider,
		ev.Bytes,
		ev.Error,
	)
	return err
}

// AppendEvent adds one entry to the append-only activity log.
func (db *DB) AppendEvent(ev *models.SyncEvent) error {
	tx, err := db.Begin()
	if err != nil {
		return storageErr("append event", err)
	}
	defer tx.Rollback()

	if err := appendEventTx(tx, ev); err != nil {
		return storageErr("append event", err)
	}
	return storageErr("append event", tx.Commit())
}

func (db *DB) queryEvents(query string, args ...any) ([]models.SyncEvent, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.SyncEvent
	for rows.Next() {
		var ev models.SyncEvent
		var ts, kind string
		err = rows.Scan(&ev.ID, &ts, &kind, &ev.Path, &ev.Name, &ev.Provider, &ev.Bytes, &ev.Error)
		if err != nil {
			return nil, err
		}
		ev.Timestamp = parseTime(ts)
		ev.Kind = models.SyncEventKind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecentEvents returns the newest activity entries, newest first.
func (db *DB) RecentEvents(limit int) ([]models.SyncEvent, error) {
	events, err := db.queryEvents(`
		SELECT id, timestamp, kind, path, name, provider, bytes, error
		FROM activity_log ORDER BY timestamp DESC LIMIT ?
	`, limit)
	return events, storageErr("recent events", err)
}

// EventsForDate returns activity entries for one calendar day
// (YYYY-MM-DD), newest first.
func (db *DB) EventsForDate(date string) ([]models.SyncEvent, error) {
	events, err := db.queryEvents(`
		SELECT id, timestamp, kind, path, name, provider, bytes, error
		FROM activity_log WHERE date(timestamp) = ? ORDER BY timestamp DESC
	`, date)
	return events, storageErr("events for date", err)
}

// PruneEvents deletes activity entries older than the given number of
// days and returns the number removed.
func (db *DB) PruneEvents(days int) (int64, error) {
	res, err := db.Exec(`
		DELETE FROM activity_log WHERE timestamp < datetime('now', ?)
	`, fmt.Sprintf("-%d days", days))
	if err != nil {
		return 0, storageErr("prune events", err)
	}
	n, err := res.RowsAffected()
	return n, storageErr("prune events", err)
}

// === Version history ===

// VersionEntry is one committed transition of a record.
type VersionEntry struct {
	Version     int64
	Status      models.FileSyncStatus
	LocalHash   string
	RemoteHash  string
	CommittedAt time.Time
}

// ListVersions returns the committed transition history of a record,
// oldest first.
func (db *DB) ListVersions(provider, localPath string) ([]VersionEntry, error) {
	rows, err := db.Query(`
		SELECT version, status, local_hash, remote_hash, committed_at
		FROM file_versions WHERE provider = ? AND local_path = ?
		ORDER BY id
	`, provider, localPath)
	if err != nil {
		return nil, storageErr("list versions", err)
	}
	defer rows.Close()

	var entries []VersionEntry
	for rows.Next() {
		var e VersionEntry
		var status, committedAt string
		if err := rows.Scan(&e.Version, &status, &e.LocalHash, &e.RemoteHash, &committedAt); err != nil {
			return nil, storageErr("list versions", err)
		}
		e.Status = models.FileSyncStatus(status)
		e.CommittedAt = parseTime(committedAt)
		entries = append(entries, e)
	}
	return entries, storageErr("list versions", rows.Err())
}

// === Stats ===

// GetStats aggregates live record counts and sizes by status.
func (db *DB) GetStats(provider string) (*models.Stats, error) {
	var stats models.Stats
	err := db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(size), 0),
			COUNT(CASE WHEN status = 'synced' THEN 1 END),
			COALESCE(SUM(CASE WHEN status = 'synced' THEN size END), 0),
			COUNT(CASE WHEN status LIKE 'pending_%' THEN 1 END),
			COALESCE(SUM(CASE WHEN status LIKE 'pending_%' THEN size END), 0),
			COUNT(CASE WHEN status = 'conflict' THEN 1 END),
			COUNT(CASE WHEN status = 'error' THEN 1 END),
			COUNT(CASE WHEN status = 'ignored' THEN 1 END)
		FROM sync_state
		WHERE provider = ? AND is_deleted = 0
	`, provider).Scan(
		&stats.TotalFiles,
		&stats.TotalSize,
		&stats.SyncedFiles,
		&stats.SyncedSize,
		&stats.PendingFiles,
		&stats.PendingSize,
		&stats.ConflictFiles,
		&stats.ErrorFiles,
		&stats.IgnoredFiles,
	)
	if err != nil {
		return nil, storageErr("get stats", err)
	}
	return &stats, nil
}

// === Helpers ===

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
