// Package store defines the persistent storage contract behind the file cache
// and the record types shared by its engines.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no entry exists for a file id.
	ErrNotFound = errors.New("store: not found")

	// ErrClosed is returned when an operation runs against a store that is not open.
	ErrClosed = errors.New("store: not open")

	// ErrCorrupted is returned when a persisted payload fails verification.
	ErrCorrupted = errors.New("store: payload corrupted")

	// ErrConstraint is returned when a write would break a unique index.
	ErrConstraint = errors.New("store: constraint violation")

	// ErrInvalidFileID is returned for an empty file id.
	ErrInvalidFileID = errors.New("store: invalid file id")

	// ErrSizeMismatch is returned when a payload does not match its declared length.
	ErrSizeMismatch = errors.New("store: size mismatch")
)

// CurrentSchemaVersion is the schema version every engine migrates to on open.
const CurrentSchemaVersion = 1

// Store persists cached file payloads and their metadata in two collections.
// Every method is a single transaction spanning both collections, so a reader
// never observes a blob without its metadata or a half-removed pair.
// Implementations must be safe for concurrent use.
type Store interface {
	// Lifecycle
	Open(path string) error
	Close() error
	SchemaVersion() int

	// Put writes or overwrites the blob and metadata entries for fileID,
	// stamping both with the current access time.
	Put(ctx context.Context, fileID string, data []byte, fields map[string]any) (*Record, error)

	// Get reads the pair for fileID and refreshes its access time in the same
	// transaction. Returns ErrNotFound on a miss.
	Get(ctx context.Context, fileID string) (*Record, error)

	// GetMetadata reads only the metadata entry. It does not refresh recency.
	GetMetadata(ctx context.Context, fileID string) (*MetadataEntry, error)

	// Delete removes the pair for fileID. Missing entries are not an error.
	Delete(ctx context.Context, fileID string) error

	// Evict removes least recently accessed pairs until the totals fit limits.
	Evict(ctx context.Context, limits Limits) (*EvictResult, error)

	// Clear empties both collections.
	Clear(ctx context.Context) error

	// Stats scans the blob collection. It does not refresh recency.
	Stats(ctx context.Context) (*Stats, error)
}

// Encoding identifies how a payload is persisted.
type Encoding uint8

const (
	EncodingIdentity Encoding = iota
	EncodingZstd
)

// String returns the encoding name.
func (e Encoding) String() string {
	switch e {
	case EncodingIdentity:
		return "identity"
	case EncodingZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// FileEntry is a record in the blob collection.
type FileEntry struct {
	ID           string   `json:"id"`
	FileID       string   `json:"file_id"`
	Size         int64    `json:"size"`
	Digest       string   `json:"digest"`
	Encoding     Encoding `json:"encoding"`
	StoredAt     int64    `json:"stored_at"`
	LastAccessed int64    `json:"last_accessed"`
	// Seq orders entries that share a LastAccessed millisecond.
	Seq uint64 `json:"seq"`
}

// MetadataEntry is a record in the metadata collection.
type MetadataEntry struct {
	ID           string         `json:"id"`
	FileID       string         `json:"file_id"`
	Fields       map[string]any `json:"fields,omitempty"`
	LastAccessed int64          `json:"last_accessed"`
}

// Record is a blob entry with its payload and metadata.
type Record struct {
	File     FileEntry
	Metadata MetadataEntry
	Data     []byte
}

// Stats summarises the blob collection.
type Stats struct {
	FileCount    int   `json:"file_count"`
	TotalSize    int64 `json:"total_size"`
	OldestAccess int64 `json:"oldest_access,omitempty"`
	NewestAccess int64 `json:"newest_access,omitempty"`
}

// EvictResult describes a single eviction pass.
type EvictResult struct {
	Evicted    int
	BytesFreed int64
	FileIDs    []string
	// Orphans counts stale access index entries removed during the pass.
	Orphans int

	// Totals after the pass.
	FileCount int
	TotalSize int64
}

// FileKey returns the blob collection key for fileID.
func FileKey(fileID string) string {
	return "file-" + fileID
}

// MetaKey returns the metadata collection key for fileID.
func MetaKey(fileID string) string {
	return "meta-" + fileID
}

// ValidateFileID rejects identifiers that cannot be cached.
func ValidateFileID(fileID string) error {
	if fileID == "" {
		return ErrInvalidFileID
	}
	return nil
}

// Millis converts t to milliseconds since the Unix epoch.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// NextAccess returns the access time to record on a touch. The result never
// moves backwards, so a clock step does not demote a recently used entry.
func NextAccess(prev, now int64) int64 {
	if now < prev {
		return prev
	}
	return now
}
