// Package cache is a persistent, bounded file cache for Drive clients. It keeps
// downloaded file payloads with caller supplied metadata, keyed by file id,
// and evicts the least recently used files whenever a write leaves the cache
// over its byte or file count ceiling.
//
// The cache is advisory: every failure is reported as a Result and logged,
// and callers fall back to the Drive API. No method panics.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/drive-cache/download"
	"github.com/wolfeidau/drive-cache/store"
	"github.com/wolfeidau/drive-cache/telemetry"
)

// Metadata holds caller supplied descriptive fields such as name and mime_type.
// Values are stored as JSON, so reads return JSON types: numbers come back
// as float64, arrays as []any and objects as map[string]any.
type Metadata map[string]any

// File is a cached payload with its metadata.
type File struct {
	FileID       string    `json:"file_id"`
	Data         []byte    `json:"-"`
	Size         int64     `json:"size"`
	Digest       string    `json:"digest,omitempty"`
	Metadata     Metadata  `json:"metadata"`
	StoredAt     time.Time `json:"stored_at,omitzero"`
	LastAccessed time.Time `json:"last_accessed"`
}

// MetadataEntry is the metadata half of a cached file.
type MetadataEntry struct {
	FileID       string    `json:"file_id"`
	Metadata     Metadata  `json:"metadata"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Stats summarises the cache contents.
type Stats struct {
	FileCount    int       `json:"file_count"`
	TotalSize    int64     `json:"total_size"`
	MaxBytes     int64     `json:"max_bytes"`
	MaxFiles     int       `json:"max_files"`
	OldestAccess time.Time `json:"oldest_access,omitzero"`
	NewestAccess time.Time `json:"newest_access,omitzero"`
}

// Cache is safe for concurrent use.
type Cache struct {
	store      store.Store
	engine     string
	path       string
	limits     store.Limits
	logger     *slog.Logger
	now        func() time.Time
	downloader *download.Downloader

	mu    sync.RWMutex
	ready bool
}

// New creates a cache from cfg. The store is opened lazily by Initialize or
// the first operation.
func New(cfg Config) (*Cache, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	engine := cfg.Engine
	s := cfg.Store
	if s == nil {
		var err error
		s, err = cfg.newStore()
		if err != nil {
			return nil, err
		}
	} else {
		engine = "custom"
	}

	return &Cache{
		store:      s,
		engine:     engine,
		path:       cfg.Path,
		limits:     store.Limits{MaxBytes: cfg.MaxBytes, MaxFiles: cfg.MaxFiles},
		logger:     cfg.Logger,
		now:        cfg.Now,
		downloader: download.New(download.WithLogger(cfg.Logger)),
	}, nil
}

// Limits returns the eviction ceilings.
func (c *Cache) Limits() store.Limits {
	return c.limits
}

// Initialize opens the persistent store, creating it on first use. It is
// idempotent and safe to call concurrently. On failure the cache stays in
// always-miss mode and a later call may retry.
func (c *Cache) Initialize(ctx context.Context) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready {
		return resultOK
	}
	if err := ctx.Err(); err != nil {
		return backendError(ErrInitialization, err)
	}

	if err := c.store.Open(c.path); err != nil {
		c.logger.Error("failed to open cache store", "engine", c.engine, "path", c.path, "error", err)
		return backendError(ErrInitialization, err)
	}
	if v := c.store.SchemaVersion(); v != store.CurrentSchemaVersion {
		_ = c.store.Close()
		err := fmt.Errorf("schema version %d, want %d", v, store.CurrentSchemaVersion)
		c.logger.Error("cache store has unexpected schema", "engine", c.engine, "path", c.path, "error", err)
		return backendError(ErrInitialization, err)
	}

	c.ready = true
	c.logger.Debug("cache initialized",
		"engine", c.engine,
		"path", c.path,
		"max_bytes", c.limits.MaxBytes,
		"max_files", c.limits.MaxFiles,
	)
	return resultOK
}

// acquire initializes the cache on demand and holds a read lock so Close
// cannot release the store mid-operation. Callers must call release on OK.
func (c *Cache) acquire(ctx context.Context) (release func(), res Result) {
	c.mu.RLock()
	if c.ready {
		return c.mu.RUnlock, resultOK
	}
	c.mu.RUnlock()

	if res := c.Initialize(ctx); !res.OK() {
		return nil, res
	}

	c.mu.RLock()
	if !c.ready {
		c.mu.RUnlock()
		return nil, backendError(ErrInitialization, store.ErrClosed)
	}
	return c.mu.RUnlock, resultOK
}

func (c *Cache) observe(ctx context.Context, op string, start time.Time, res Result) Result {
	telemetry.RecordCacheOp(ctx, op, res.Status.String(), time.Since(start))
	return res
}

// Store writes or overwrites the payload and metadata for fileID in one
// transaction, then evicts least recently used files while either ceiling is
// exceeded. An eviction failure is logged and retried on the next Store.
func (c *Cache) Store(ctx context.Context, fileID string, data []byte, meta Metadata) Result {
	start := time.Now()
	return c.observe(ctx, "store", start, c.put(ctx, fileID, data, meta))
}

func (c *Cache) put(ctx context.Context, fileID string, data []byte, meta Metadata) Result {
	if fileID == "" {
		c.logger.Warn("refusing to cache file without id")
		return backendError(ErrInvalidFileID, nil)
	}

	release, res := c.acquire(ctx)
	if !res.OK() {
		return res
	}
	defer release()

	rec, err := c.store.Put(ctx, fileID, data, meta)
	if err != nil {
		c.logger.Error("failed to store file", "file_id", fileID, "size", len(data), "error", err)
		return backendError(ErrTransaction, err)
	}
	telemetry.RecordBlobWrite(ctx, c.engine, rec.File.Size)

	c.evict(ctx)
	return resultOK
}

// StoreReader reads exactly size bytes from r and stores them. A short or
// long body fails the store without writing anything.
func (c *Cache) StoreReader(ctx context.Context, fileID string, r io.Reader, size int64, meta Metadata) Result {
	start := time.Now()
	if size < 0 {
		return c.observe(ctx, "store", start, backendError(ErrTransaction,
			fmt.Errorf("%w: negative length %d", store.ErrSizeMismatch, size)))
	}

	data, err := io.ReadAll(io.LimitReader(r, size+1))
	if err != nil {
		c.logger.Warn("failed to read payload", "file_id", fileID, "error", err)
		return c.observe(ctx, "store", start, backendError(ErrTransaction, fmt.Errorf("reading payload: %w", err)))
	}
	if int64(len(data)) != size {
		err := fmt.Errorf("%w: expected %d bytes, read %d", store.ErrSizeMismatch, size, len(data))
		c.logger.Warn("payload length mismatch", "file_id", fileID, "error", err)
		return c.observe(ctx, "store", start, backendError(ErrTransaction, err))
	}

	return c.Store(ctx, fileID, data, meta)
}

// evict runs one eviction pass. It is not bound to the caller's cancellation
// so a write that committed is always followed by enforcement.
func (c *Cache) evict(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	res, err := c.store.Evict(ctx, c.limits)
	if err != nil {
		c.logger.Warn("eviction failed, retrying on next store", "error", fmt.Errorf("%w: %w", ErrEviction, err))
		telemetry.RecordEvictionFailure(ctx)
		return
	}

	if res.Orphans > 0 {
		c.logger.Warn("removed stale index entries", "count", res.Orphans)
	}
	if res.Evicted > 0 {
		c.logger.Info("evicted least recently used files",
			"count", res.Evicted,
			"bytes_freed", res.BytesFreed,
			"file_ids", res.FileIDs,
			"files", res.FileCount,
			"total_size", res.TotalSize,
		)
	}
	telemetry.RecordEviction(ctx, res.Evicted, res.BytesFreed)
	telemetry.UpdateCacheState(ctx, res.TotalSize, res.FileCount)
}

// Get returns the cached file and refreshes its recency in the same
// transaction. A payload that fails verification is deleted and reported as
// a miss.
func (c *Cache) Get(ctx context.Context, fileID string) (*File, Result) {
	start := time.Now()
	f, res := c.get(ctx, fileID)
	c.observe(ctx, "get", start, res)
	return f, res
}

func (c *Cache) get(ctx context.Context, fileID string) (*File, Result) {
	if fileID == "" {
		return nil, resultNotFound
	}

	release, res := c.acquire(ctx)
	if !res.OK() {
		return nil, res
	}
	defer release()

	rec, err := c.store.Get(ctx, fileID)
	switch {
	case err == nil:
		return toFile(rec), resultOK
	case errors.Is(err, store.ErrNotFound):
		return nil, resultNotFound
	case errors.Is(err, store.ErrCorrupted):
		c.logger.Warn("dropping corrupted cache entry", "file_id", fileID, "error", err)
		if err := c.store.Delete(context.WithoutCancel(ctx), fileID); err != nil {
			c.logger.Error("failed to delete corrupted cache entry", "file_id", fileID, "error", err)
		}
		return nil, resultNotFound
	default:
		c.logger.Error("failed to read file", "file_id", fileID, "error", err)
		return nil, backendError(ErrTransaction, err)
	}
}

// GetMetadata returns only the metadata for fileID. It does not read the
// payload or refresh recency.
func (c *Cache) GetMetadata(ctx context.Context, fileID string) (*MetadataEntry, Result) {
	start := time.Now()
	entry, res := c.getMetadata(ctx, fileID)
	c.observe(ctx, "get_metadata", start, res)
	return entry, res
}

func (c *Cache) getMetadata(ctx context.Context, fileID string) (*MetadataEntry, Result) {
	if fileID == "" {
		return nil, resultNotFound
	}

	release, res := c.acquire(ctx)
	if !res.OK() {
		return nil, res
	}
	defer release()

	meta, err := c.store.GetMetadata(ctx, fileID)
	switch {
	case err == nil:
		return &MetadataEntry{
			FileID:       meta.FileID,
			Metadata:     nonNil(meta.Fields),
			LastAccessed: time.UnixMilli(meta.LastAccessed),
		}, resultOK
	case errors.Is(err, store.ErrNotFound):
		return nil, resultNotFound
	default:
		c.logger.Error("failed to read metadata", "file_id", fileID, "error", err)
		return nil, backendError(ErrTransaction, err)
	}
}

// Delete removes one file and its metadata. Deleting a missing file is OK.
func (c *Cache) Delete(ctx context.Context, fileID string) Result {
	start := time.Now()
	return c.observe(ctx, "delete", start, c.delete(ctx, fileID))
}

func (c *Cache) delete(ctx context.Context, fileID string) Result {
	if fileID == "" {
		return backendError(ErrInvalidFileID, nil)
	}

	release, res := c.acquire(ctx)
	if !res.OK() {
		return res
	}
	defer release()

	if err := c.store.Delete(ctx, fileID); err != nil {
		c.logger.Error("failed to delete file", "file_id", fileID, "error", err)
		return backendError(ErrTransaction, err)
	}
	c.logger.Debug("deleted file", "file_id", fileID)
	return resultOK
}

// Clear removes every cached file and its metadata in one transaction.
func (c *Cache) Clear(ctx context.Context) Result {
	start := time.Now()
	return c.observe(ctx, "clear", start, c.clear(ctx))
}

func (c *Cache) clear(ctx context.Context) Result {
	release, res := c.acquire(ctx)
	if !res.OK() {
		return res
	}
	defer release()

	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error("failed to clear cache", "error", err)
		return backendError(ErrTransaction, err)
	}
	c.logger.Info("cache cleared")
	telemetry.UpdateCacheState(ctx, 0, 0)
	return resultOK
}

// Stats scans every cached file. It does not refresh recency.
func (c *Cache) Stats(ctx context.Context) (Stats, Result) {
	start := time.Now()
	stats, res := c.stats(ctx)
	c.observe(ctx, "stats", start, res)
	return stats, res
}

func (c *Cache) stats(ctx context.Context) (Stats, Result) {
	out := Stats{MaxBytes: c.limits.MaxBytes, MaxFiles: c.limits.MaxFiles}

	release, res := c.acquire(ctx)
	if !res.OK() {
		return out, res
	}
	defer release()

	s, err := c.store.Stats(ctx)
	if err != nil {
		c.logger.Error("failed to read cache stats", "error", err)
		return out, backendError(ErrTransaction, err)
	}

	out.FileCount = s.FileCount
	out.TotalSize = s.TotalSize
	if s.FileCount > 0 {
		out.OldestAccess = time.UnixMilli(s.OldestAccess)
		out.NewestAccess = time.UnixMilli(s.NewestAccess)
	}
	telemetry.UpdateCacheState(ctx, s.TotalSize, s.FileCount)
	return out, resultOK
}

// Close releases the store. A later operation initializes the cache again.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		return nil
	}
	c.ready = false
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("closing cache store: %w", err)
	}
	c.logger.Debug("cache closed", "engine", c.engine)
	return nil
}

func toFile(rec *store.Record) *File {
	return &File{
		FileID:       rec.File.FileID,
		Data:         rec.Data,
		Size:         rec.File.Size,
		Digest:       rec.File.Digest,
		Metadata:     nonNil(rec.Metadata.Fields),
		StoredAt:     time.UnixMilli(rec.File.StoredAt),
		LastAccessed: time.UnixMilli(rec.File.LastAccessed),
	}
}

func nonNil(fields map[string]any) Metadata {
	if fields == nil {
		return Metadata{}
	}
	return Metadata(fields)
}
