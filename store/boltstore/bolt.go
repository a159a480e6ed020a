// Package boltstore implements store.Store on a single bbolt database file.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/drive-cache/store"
)

// DefaultOpenTimeout bounds how long Open waits for the database file lock.
const DefaultOpenTimeout = 1 * time.Second

// DB implements store.Store using bbolt.
type DB struct {
	db          *bbolt.DB
	codec       *store.PayloadCodec
	logger      *slog.Logger
	now         func() time.Time
	noSync      bool // disables fsync per transaction (for testing only)
	openTimeout time.Duration
}

// Option configures a DB instance.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(b *DB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(b *DB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(b *DB) {
		b.noSync = noSync
	}
}

// WithOpenTimeout sets how long Open waits for another process to release the file lock.
func WithOpenTimeout(d time.Duration) Option {
	return func(b *DB) {
		b.openTimeout = d
	}
}

// New creates a new DB instance with options. Call Open before use.
func New(opts ...Option) *DB {
	b := &DB{
		logger:      slog.Default(),
		now:         time.Now,
		openTimeout: DefaultOpenTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path, creating it and running schema
// migrations on first use.
func (b *DB) Open(path string) error {
	if b.db != nil {
		return nil
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: b.openTimeout,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := store.NewPayloadCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating payload codec: %w", err)
	}

	b.db = db
	b.codec = codec

	b.logger.Debug("opened bolt store", "path", path, "noSync", b.noSync)
	return nil
}

func migrate(db *bbolt.DB) error {
	return db.Update(func(tx *bbolt.Tx) error {
		schema, err := tx.CreateBucketIfNotExists(bucketSchema)
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketSchema, err)
		}

		version := decodeVersion(schema.Get(keySchemaVersion))
		if version > len(migrations) {
			return fmt.Errorf("database schema version %d is newer than supported version %d", version, len(migrations))
		}

		for v := version; v < len(migrations); v++ {
			if err := migrations[v](tx); err != nil {
				return fmt.Errorf("migrating schema to version %d: %w", v+1, err)
			}
		}

		return schema.Put(keySchemaVersion, encodeVersion(len(migrations)))
	})
}

// Close closes the database and releases resources.
func (b *DB) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing bolt store")
	err := b.db.Close()
	b.db = nil
	return err
}

// SchemaVersion returns the schema version recorded in the database.
func (b *DB) SchemaVersion() int {
	if b.db == nil {
		return 0
	}
	var version int
	_ = b.db.View(func(tx *bbolt.Tx) error {
		if schema := tx.Bucket(bucketSchema); schema != nil {
			version = decodeVersion(schema.Get(keySchemaVersion))
		}
		return nil
	})
	return version
}

// Bolt returns the underlying bbolt database.
func (b *DB) Bolt() *bbolt.DB {
	return b.db
}

// buckets groups the collections touched by a transaction.
type buckets struct {
	files         *bbolt.Bucket
	payloads      *bbolt.Bucket
	filesByFileID *bbolt.Bucket
	filesByAccess *bbolt.Bucket
	meta          *bbolt.Bucket
	metaByFileID  *bbolt.Bucket
	metaByAccess  *bbolt.Bucket
}

func openBuckets(tx *bbolt.Tx) (*buckets, error) {
	bk := &buckets{
		files:         tx.Bucket(bucketFiles),
		payloads:      tx.Bucket(bucketFilePayloads),
		filesByFileID: tx.Bucket(bucketFilesByFileID),
		filesByAccess: tx.Bucket(bucketFilesByAccess),
		meta:          tx.Bucket(bucketMetadata),
		metaByFileID:  tx.Bucket(bucketMetadataByFileID),
		metaByAccess:  tx.Bucket(bucketMetadataByAccess),
	}
	if bk.files == nil || bk.payloads == nil || bk.filesByFileID == nil || bk.filesByAccess == nil ||
		bk.meta == nil || bk.metaByFileID == nil || bk.metaByAccess == nil {
		return nil, errors.New("collections missing, database not migrated")
	}
	return bk, nil
}

func (b *DB) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.db == nil {
		return store.ErrClosed
	}
	return nil
}

// Put writes the blob and metadata entries for fileID in one transaction.
func (b *DB) Put(ctx context.Context, fileID string, data []byte, fields map[string]any) (*store.Record, error) {
	if err := store.ValidateFileID(fileID); err != nil {
		return nil, err
	}
	if err := b.ready(ctx); err != nil {
		return nil, err
	}

	payload, encoding, digest, err := b.codec.Encode(data)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	id := store.FileKey(fileID)
	metaID := store.MetaKey(fileID)
	now := store.Millis(b.now())

	rec := &store.Record{Data: data}
	err = b.db.Update(func(tx *bbolt.Tx) error {
		bk, err := openBuckets(tx)
		if err != nil {
			return err
		}

		if existing := bk.metaByFileID.Get([]byte(fileID)); existing != nil && string(existing) != metaID {
			return fmt.Errorf("%w: metadata for %q already stored as %q", store.ErrConstraint, fileID, existing)
		}

		storedAt := now
		old, err := loadFile(bk.files, id)
		if err != nil {
			return err
		}
		if old != nil {
			now = store.NextAccess(old.LastAccessed, now)
		}
		if err := unindexPair(bk, id, metaID); err != nil {
			return err
		}

		seq, err := bk.filesByAccess.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}

		rec.File = store.FileEntry{
			ID:           id,
			FileID:       fileID,
			Size:         int64(len(data)),
			Digest:       digest,
			Encoding:     encoding,
			StoredAt:     storedAt,
			LastAccessed: now,
			Seq:          seq,
		}
		rec.Metadata = store.MetadataEntry{
			ID:           metaID,
			FileID:       fileID,
			Fields:       fields,
			LastAccessed: now,
		}

		if err := bk.payloads.Put([]byte(id), payload); err != nil {
			return fmt.Errorf("putting payload: %w", err)
		}
		if err := bk.filesByFileID.Put([]byte(fileID), []byte(id)); err != nil {
			return fmt.Errorf("putting file id index: %w", err)
		}
		if err := bk.metaByFileID.Put([]byte(fileID), []byte(metaID)); err != nil {
			return fmt.Errorf("putting metadata file id index: %w", err)
		}
		return writePair(bk, &rec.File, &rec.Metadata)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Get reads the pair for fileID and refreshes its access time.
func (b *DB) Get(ctx context.Context, fileID string) (*store.Record, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}

	id := store.FileKey(fileID)
	metaID := store.MetaKey(fileID)
	now := store.Millis(b.now())

	var rec store.Record
	var payload []byte
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bk, err := openBuckets(tx)
		if err != nil {
			return err
		}

		file, err := loadFile(bk.files, id)
		if err != nil {
			return err
		}
		if file == nil {
			return store.ErrNotFound
		}

		val := bk.payloads.Get([]byte(id))
		if val == nil {
			return fmt.Errorf("%w: payload missing for %q", store.ErrCorrupted, fileID)
		}
		payload = bytes.Clone(val)

		meta, err := loadMeta(bk.meta, metaID)
		if err != nil {
			return err
		}
		if meta == nil {
			meta = &store.MetadataEntry{ID: metaID, FileID: fileID}
		}

		if err := unindexPair(bk, id, metaID); err != nil {
			return err
		}
		seq, err := bk.filesByAccess.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}

		touched := store.NextAccess(file.LastAccessed, now)
		file.LastAccessed = touched
		file.Seq = seq
		meta.LastAccessed = touched

		rec.File = *file
		rec.Metadata = *meta
		return writePair(bk, file, meta)
	})
	if err != nil {
		return nil, err
	}

	data, err := b.codec.Decode(payload, rec.File.Encoding, rec.File.Digest, rec.File.Size)
	if err != nil {
		return nil, fmt.Errorf("decoding payload for %q: %w", fileID, err)
	}
	rec.Data = data
	return &rec, nil
}

// GetMetadata reads only the metadata entry for fileID.
func (b *DB) GetMetadata(ctx context.Context, fileID string) (*store.MetadataEntry, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}

	var meta *store.MetadataEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)
		if bucket == nil {
			return store.ErrNotFound
		}
		m, err := loadMeta(bucket, store.MetaKey(fileID))
		if err != nil {
			return err
		}
		if m == nil {
			return store.ErrNotFound
		}
		meta = m
		return nil
	})
	return meta, err
}

// Delete removes the pair for fileID.
func (b *DB) Delete(ctx context.Context, fileID string) error {
	if err := b.ready(ctx); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bk, err := openBuckets(tx)
		if err != nil {
			return err
		}
		return removePair(bk, fileID)
	})
}

// Evict removes least recently accessed pairs until the totals fit limits.
func (b *DB) Evict(ctx context.Context, limits store.Limits) (*store.EvictResult, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}

	result := &store.EvictResult{}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bk, err := openBuckets(tx)
		if err != nil {
			return err
		}

		var total int64
		var count int
		if err := bk.files.ForEach(func(k, v []byte) error {
			var entry store.FileEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				b.logger.Warn("skipping unreadable file entry", "id", string(k), "error", err)
				return nil
			}
			total += entry.Size
			count++
			return nil
		}); err != nil {
			return fmt.Errorf("scanning files: %w", err)
		}

		var orphans [][]byte
		cursor := bk.filesByAccess.Cursor()
		k, v := cursor.First()
		next := func() (store.Candidate, bool) {
			for ; k != nil; k, v = cursor.Next() {
				file, err := loadFile(bk.files, string(v))
				if err != nil || file == nil || !bytes.Equal(k, makeAccessKey(file.LastAccessed, file.Seq)) {
					orphans = append(orphans, bytes.Clone(k))
					continue
				}
				c := store.Candidate{ID: file.ID, FileID: file.FileID, Size: file.Size}
				k, v = cursor.Next()
				return c, true
			}
			return store.Candidate{}, false
		}

		victims := limits.SelectVictims(total, count, next)

		for _, key := range orphans {
			if err := bk.filesByAccess.Delete(key); err != nil {
				return fmt.Errorf("deleting stale access index: %w", err)
			}
		}
		for _, victim := range victims {
			if err := removePair(bk, victim.FileID); err != nil {
				return fmt.Errorf("evicting %q: %w", victim.FileID, err)
			}
			result.FileIDs = append(result.FileIDs, victim.FileID)
			result.BytesFreed += victim.Size
		}

		result.Evicted = len(victims)
		result.Orphans = len(orphans)
		result.FileCount = count - len(victims)
		result.TotalSize = total - result.BytesFreed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Clear empties both collections. Bucket sequences restart.
func (b *DB) Clear(ctx context.Context) error {
	if err := b.ready(ctx); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range dataBuckets {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return fmt.Errorf("deleting bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Stats scans the blob collection.
func (b *DB) Stats(ctx context.Context) (*store.Stats, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}

	stats := &store.Stats{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketFiles)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var entry store.FileEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil // Skip invalid entries
			}
			stats.FileCount++
			stats.TotalSize += entry.Size
			if stats.OldestAccess == 0 || entry.LastAccessed < stats.OldestAccess {
				stats.OldestAccess = entry.LastAccessed
			}
			if entry.LastAccessed > stats.NewestAccess {
				stats.NewestAccess = entry.LastAccessed
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// writePair stores both entries and their access index keys.
func writePair(bk *buckets, file *store.FileEntry, meta *store.MetadataEntry) error {
	fileData, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshaling file entry: %w", err)
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling metadata entry: %w", err)
	}

	accessKey := makeAccessKey(file.LastAccessed, file.Seq)
	if err := bk.files.Put([]byte(file.ID), fileData); err != nil {
		return fmt.Errorf("putting file entry: %w", err)
	}
	if err := bk.filesByAccess.Put(accessKey, []byte(file.ID)); err != nil {
		return fmt.Errorf("putting access index: %w", err)
	}
	if err := bk.meta.Put([]byte(meta.ID), metaData); err != nil {
		return fmt.Errorf("putting metadata entry: %w", err)
	}
	if err := bk.metaByAccess.Put(accessKey, []byte(meta.ID)); err != nil {
		return fmt.Errorf("putting metadata access index: %w", err)
	}
	return nil
}

// unindexPair removes the access index keys currently pointing at the pair.
func unindexPair(bk *buckets, id, metaID string) error {
	file, err := loadFile(bk.files, id)
	if err != nil {
		return err
	}
	if file != nil {
		if err := bk.filesByAccess.Delete(makeAccessKey(file.LastAccessed, file.Seq)); err != nil {
			return fmt.Errorf("deleting access index: %w", err)
		}
		// The metadata index shares the blob's key when both were written together.
		if err := bk.metaByAccess.Delete(makeAccessKey(file.LastAccessed, file.Seq)); err != nil {
			return fmt.Errorf("deleting metadata access index: %w", err)
		}
	}

	meta, err := loadMeta(bk.meta, metaID)
	if err != nil {
		return err
	}
	if meta != nil {
		cursor := bk.metaByAccess.Cursor()
		prefix := encodeTimestamp(meta.LastAccessed)
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			if string(v) == metaID {
				if err := cursor.Delete(); err != nil {
					return fmt.Errorf("deleting metadata access index: %w", err)
				}
				break
			}
		}
	}
	return nil
}

// removePair deletes both entries for fileID with every index that points at them.
func removePair(bk *buckets, fileID string) error {
	id := store.FileKey(fileID)
	metaID := store.MetaKey(fileID)

	if err := unindexPair(bk, id, metaID); err != nil {
		return err
	}

	for _, del := range []struct {
		bucket *bbolt.Bucket
		key    string
	}{
		{bk.files, id},
		{bk.payloads, id},
		{bk.filesByFileID, fileID},
		{bk.meta, metaID},
		{bk.metaByFileID, fileID},
	} {
		if err := del.bucket.Delete([]byte(del.key)); err != nil {
			return fmt.Errorf("deleting %q: %w", del.key, err)
		}
	}
	return nil
}

func loadFile(bucket *bbolt.Bucket, id string) (*store.FileEntry, error) {
	val := bucket.Get([]byte(id))
	if val == nil {
		return nil, nil
	}
	var entry store.FileEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, fmt.Errorf("unmarshaling file entry: %w", err)
	}
	return &entry, nil
}

func loadMeta(bucket *bbolt.Bucket, id string) (*store.MetadataEntry, error) {
	val := bucket.Get([]byte(id))
	if val == nil {
		return nil, nil
	}
	var entry store.MetadataEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata entry: %w", err)
	}
	return &entry, nil
}

var _ store.Store = (*DB)(nil)
