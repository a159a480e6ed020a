// Package sqlitestore implements store.Store on SQLite using the pure Go
// modernc.org/sqlite driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wolfeidau/drive-cache/store"
)

// Store implements store.Store using SQLite.
type Store struct {
	db     *sql.DB
	codec  *store.PayloadCodec
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store. Call Open before use.
func New(opts ...Option) *Store {
	s := &Store{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

// Open opens the database at dbPath, creating it and migrating the schema.
func (s *Store) Open(dbPath string) error {
	if s.db != nil {
		return nil
	}

	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serialises transactions, matching the single-writer model
	// of the other engines.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	codec, err := store.NewPayloadCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating payload codec: %w", err)
	}

	s.db = db
	s.codec = codec
	s.logger.Debug("opened sqlite store", "path", dbPath)
	return nil
}

// migrations[i] upgrades a database from user_version i to i+1.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			file_id TEXT NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			digest TEXT NOT NULL DEFAULT '',
			encoding INTEGER NOT NULL DEFAULT 0,
			stored_at INTEGER NOT NULL,
			last_accessed INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			payload BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_file_id ON files(file_id)`,
		`CREATE INDEX IF NOT EXISTS idx_files_last_accessed ON files(last_accessed, seq)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			id TEXT PRIMARY KEY,
			file_id TEXT NOT NULL,
			fields TEXT,
			last_accessed INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_metadata_file_id ON metadata(file_id)`,
		`CREATE INDEX IF NOT EXISTS idx_metadata_last_accessed ON metadata(last_accessed)`,
	},
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, len(migrations))
	}

	for v := version; v < len(migrations); v++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration: %w", err)
		}
		for _, stmt := range migrations[v] {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration failed: %w\nSQL: %s", err, stmt)
			}
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("writing schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", v+1, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.codec != nil {
		s.codec.Close()
		s.codec = nil
	}
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing sqlite store")
	err := s.db.Close()
	s.db = nil
	return err
}

// SchemaVersion returns PRAGMA user_version.
func (s *Store) SchemaVersion() int {
	if s.db == nil {
		return 0
	}
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0
	}
	return version
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db == nil {
		return store.ErrClosed
	}
	return nil
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func nextSeq(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var seq uint64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM files`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("allocating sequence: %w", err)
	}
	return seq, nil
}

// Put writes the blob and metadata rows for fileID in one transaction.
func (s *Store) Put(ctx context.Context, fileID string, data []byte, fields map[string]any) (*store.Record, error) {
	if err := store.ValidateFileID(fileID); err != nil {
		return nil, err
	}
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	payload, encoding, digest, err := s.codec.Encode(data)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata fields: %w", err)
	}

	id := store.FileKey(fileID)
	metaID := store.MetaKey(fileID)
	now := store.Millis(s.now())

	rec := &store.Record{Data: data}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT id FROM metadata WHERE file_id = ?`, fileID).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("checking metadata index: %w", err)
		case existing != metaID:
			return fmt.Errorf("%w: metadata for %q already stored as %q", store.ErrConstraint, fileID, existing)
		}

		var prev int64
		err = tx.QueryRowContext(ctx, `SELECT last_accessed FROM files WHERE id = ?`, id).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("reading previous entry: %w", err)
		}
		accessed := store.NextAccess(prev, now)

		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO files (id, file_id, size, digest, encoding, stored_at, last_accessed, seq, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				size = excluded.size,
				digest = excluded.digest,
				encoding = excluded.encoding,
				stored_at = excluded.stored_at,
				last_accessed = excluded.last_accessed,
				seq = excluded.seq,
				payload = excluded.payload
		`, id, fileID, len(data), digest, int(encoding), now, accessed, seq, payload)
		if err != nil {
			return fmt.Errorf("putting file row: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO metadata (id, file_id, fields, last_accessed)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				fields = excluded.fields,
				last_accessed = excluded.last_accessed
		`, metaID, fileID, string(fieldsJSON), accessed)
		if err != nil {
			return fmt.Errorf("putting metadata row: %w", err)
		}

		rec.File = store.FileEntry{
			ID:           id,
			FileID:       fileID,
			Size:         int64(len(data)),
			Digest:       digest,
			Encoding:     encoding,
			StoredAt:     now,
			LastAccessed: accessed,
			Seq:          seq,
		}
		rec.Metadata = store.MetadataEntry{
			ID:           metaID,
			FileID:       fileID,
			Fields:       fields,
			LastAccessed: accessed,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Get reads the pair for fileID and refreshes its access time.
func (s *Store) Get(ctx context.Context, fileID string) (*store.Record, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	id := store.FileKey(fileID)
	metaID := store.MetaKey(fileID)
	now := store.Millis(s.now())

	var rec store.Record
	var payload []byte
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var encoding int
		err := tx.QueryRowContext(ctx, `
			SELECT id, file_id, size, digest, encoding, stored_at, last_accessed, payload
			FROM files WHERE id = ?
		`, id).Scan(&rec.File.ID, &rec.File.FileID, &rec.File.Size, &rec.File.Digest,
			&encoding, &rec.File.StoredAt, &rec.File.LastAccessed, &payload)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading file row: %w", err)
		}
		rec.File.Encoding = store.Encoding(encoding) //nolint:gosec // stored from an Encoding value
		if payload == nil && rec.File.Size > 0 {
			return fmt.Errorf("%w: payload missing for %q", store.ErrCorrupted, fileID)
		}

		meta, err := scanMeta(tx.QueryRowContext(ctx, `
			SELECT id, file_id, fields, last_accessed FROM metadata WHERE id = ?
		`, metaID))
		if errors.Is(err, store.ErrNotFound) {
			meta = &store.MetadataEntry{ID: metaID, FileID: fileID}
		} else if err != nil {
			return err
		}

		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return err
		}
		touched := store.NextAccess(rec.File.LastAccessed, now)

		if _, err := tx.ExecContext(ctx, `UPDATE files SET last_accessed = ?, seq = ? WHERE id = ?`, touched, seq, id); err != nil {
			return fmt.Errorf("touching file row: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE metadata SET last_accessed = ? WHERE id = ?`, touched, metaID); err != nil {
			return fmt.Errorf("touching metadata row: %w", err)
		}

		rec.File.LastAccessed = touched
		rec.File.Seq = seq
		meta.LastAccessed = touched
		rec.Metadata = *meta
		return nil
	})
	if err != nil {
		return nil, err
	}

	data, err := s.codec.Decode(payload, rec.File.Encoding, rec.File.Digest, rec.File.Size)
	if err != nil {
		return nil, fmt.Errorf("decoding payload for %q: %w", fileID, err)
	}
	rec.Data = data
	return &rec, nil
}

func scanMeta(row *sql.Row) (*store.MetadataEntry, error) {
	var meta store.MetadataEntry
	var fields sql.NullString
	err := row.Scan(&meta.ID, &meta.FileID, &fields, &meta.LastAccessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata row: %w", err)
	}
	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &meta.Fields); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata fields: %w", err)
		}
	}
	return &meta, nil
}

// GetMetadata reads only the metadata row for fileID.
func (s *Store) GetMetadata(ctx context.Context, fileID string) (*store.MetadataEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return scanMeta(s.db.QueryRowContext(ctx, `
		SELECT id, file_id, fields, last_accessed FROM metadata WHERE id = ?
	`, store.MetaKey(fileID)))
}

func deletePair(ctx context.Context, tx *sql.Tx, fileID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("deleting file row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM metadata WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("deleting metadata row: %w", err)
	}
	return nil
}

// Delete removes the pair for fileID.
func (s *Store) Delete(ctx context.Context, fileID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return deletePair(ctx, tx, fileID)
	})
}

// Evict removes least recently accessed pairs until the totals fit limits.
func (s *Store) Evict(ctx context.Context, limits store.Limits) (*store.EvictResult, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	result := &store.EvictResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var total int64
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0), COUNT(*) FROM files`).Scan(&total, &count); err != nil {
			return fmt.Errorf("summing files: %w", err)
		}
		if !limits.Exceeded(total, count) {
			result.FileCount = count
			result.TotalSize = total
			return nil
		}

		rows, err := tx.QueryContext(ctx, `SELECT id, file_id, size FROM files ORDER BY last_accessed, seq`)
		if err != nil {
			return fmt.Errorf("listing files by access: %w", err)
		}
		var scanErr error
		victims := limits.SelectVictims(total, count, func() (store.Candidate, bool) {
			if !rows.Next() {
				return store.Candidate{}, false
			}
			var c store.Candidate
			if err := rows.Scan(&c.ID, &c.FileID, &c.Size); err != nil {
				scanErr = err
				return store.Candidate{}, false
			}
			return c, true
		})
		closeErr := rows.Close()
		if scanErr != nil {
			return fmt.Errorf("scanning files by access: %w", scanErr)
		}
		if closeErr != nil {
			return fmt.Errorf("listing files by access: %w", closeErr)
		}

		for _, victim := range victims {
			if err := deletePair(ctx, tx, victim.FileID); err != nil {
				return fmt.Errorf("evicting %q: %w", victim.FileID, err)
			}
			result.FileIDs = append(result.FileIDs, victim.FileID)
			result.BytesFreed += victim.Size
		}

		// Metadata rows without a blob are unreachable; drop them with the pass.
		res, err := tx.ExecContext(ctx, `DELETE FROM metadata WHERE file_id NOT IN (SELECT file_id FROM files)`)
		if err != nil {
			return fmt.Errorf("deleting orphaned metadata: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			result.Orphans = int(n)
		}

		result.Evicted = len(victims)
		result.FileCount = count - len(victims)
		result.TotalSize = total - result.BytesFreed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Clear empties both tables in one transaction.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{`DELETE FROM files`, `DELETE FROM metadata`} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("clearing: %w", err)
			}
		}
		return nil
	})
}

// Stats aggregates the files table.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	stats := &store.Stats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(MIN(last_accessed), 0), COALESCE(MAX(last_accessed), 0)
		FROM files
	`).Scan(&stats.FileCount, &stats.TotalSize, &stats.OldestAccess, &stats.NewestAccess)
	if err != nil {
		return nil, fmt.Errorf("reading stats: %w", err)
	}
	return stats, nil
}
