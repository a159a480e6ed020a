// Package memstore is an in-memory store.Store for tests and ephemeral caches.
// Data survives Close and Open on the same instance but not the process.
package memstore

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	drivecache "github.com/wolfeidau/drive-cache"
	"github.com/wolfeidau/drive-cache/store"
)

// entry keeps metadata fields JSON encoded so they round-trip with the same
// types as the persistent engines.
type entry struct {
	file   store.FileEntry
	meta   store.MetadataEntry
	fields []byte
	data   []byte
}

// Store is an in-memory store.Store.
type Store struct {
	mu      sync.Mutex
	open    bool
	entries map[string]*entry // keyed by file id
	seq     uint64
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

// Open marks the store usable. The path is ignored.
func (s *Store) Open(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return nil
}

// Close marks the store unusable without discarding data.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

// SchemaVersion always reports the current version.
func (s *Store) SchemaVersion() int {
	return store.CurrentSchemaVersion
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.open {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) record(e *entry) (*store.Record, error) {
	meta, err := e.metadata()
	if err != nil {
		return nil, err
	}
	rec := &store.Record{
		File:     e.file,
		Metadata: *meta,
		Data:     slices.Clone(e.data),
	}
	if rec.Data == nil {
		rec.Data = []byte{}
	}
	return rec, nil
}

func (e *entry) metadata() (*store.MetadataEntry, error) {
	meta := e.meta
	meta.Fields = nil
	if err := json.Unmarshal(e.fields, &meta.Fields); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata fields: %w", err)
	}
	return &meta, nil
}

// Put writes the pair for fileID.
func (s *Store) Put(ctx context.Context, fileID string, data []byte, fields map[string]any) (*store.Record, error) {
	if err := store.ValidateFileID(fileID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata fields: %w", err)
	}

	now := store.Millis(s.now())
	accessed := now
	if old, ok := s.entries[fileID]; ok {
		accessed = store.NextAccess(old.file.LastAccessed, now)
	}
	s.seq++

	e := &entry{
		file: store.FileEntry{
			ID:           store.FileKey(fileID),
			FileID:       fileID,
			Size:         int64(len(data)),
			Digest:       drivecache.HashBytes(data).Digest(),
			StoredAt:     now,
			LastAccessed: accessed,
			Seq:          s.seq,
		},
		meta: store.MetadataEntry{
			ID:           store.MetaKey(fileID),
			FileID:       fileID,
			LastAccessed: accessed,
		},
		fields: encoded,
		data:   slices.Clone(data),
	}
	s.entries[fileID] = e
	return s.record(e)
}

// Get reads the pair for fileID and refreshes its access time.
func (s *Store) Get(ctx context.Context, fileID string) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	e, ok := s.entries[fileID]
	if !ok {
		return nil, store.ErrNotFound
	}
	s.seq++
	touched := store.NextAccess(e.file.LastAccessed, store.Millis(s.now()))
	e.file.LastAccessed = touched
	e.file.Seq = s.seq
	e.meta.LastAccessed = touched
	return s.record(e)
}

// GetMetadata reads the metadata entry for fileID.
func (s *Store) GetMetadata(ctx context.Context, fileID string) (*store.MetadataEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	e, ok := s.entries[fileID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e.metadata()
}

// Delete removes the pair for fileID.
func (s *Store) Delete(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return err
	}
	delete(s.entries, fileID)
	return nil
}

// Evict removes least recently accessed pairs until the totals fit limits.
func (s *Store) Evict(ctx context.Context, limits store.Limits) (*store.EvictResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var total int64
	ordered := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		total += e.file.Size
		ordered = append(ordered, e)
	}
	slices.SortFunc(ordered, func(a, b *entry) int {
		return cmp.Or(
			cmp.Compare(a.file.LastAccessed, b.file.LastAccessed),
			cmp.Compare(a.file.Seq, b.file.Seq),
		)
	})

	i := 0
	victims := limits.SelectVictims(total, len(ordered), func() (store.Candidate, bool) {
		if i >= len(ordered) {
			return store.Candidate{}, false
		}
		e := ordered[i]
		i++
		return store.Candidate{ID: e.file.ID, FileID: e.file.FileID, Size: e.file.Size}, true
	})

	result := &store.EvictResult{}
	for _, v := range victims {
		delete(s.entries, v.FileID)
		result.FileIDs = append(result.FileIDs, v.FileID)
		result.BytesFreed += v.Size
	}
	result.Evicted = len(victims)
	result.FileCount = len(s.entries)
	result.TotalSize = total - result.BytesFreed
	return result, nil
}

// Clear removes every pair.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return err
	}
	clear(s.entries)
	return nil
}

// Stats summarises the stored pairs.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	stats := &store.Stats{}
	for _, e := range s.entries {
		stats.FileCount++
		stats.TotalSize += e.file.Size
		if stats.OldestAccess == 0 || e.file.LastAccessed < stats.OldestAccess {
			stats.OldestAccess = e.file.LastAccessed
		}
		if e.file.LastAccessed > stats.NewestAccess {
			stats.NewestAccess = e.file.LastAccessed
		}
	}
	return stats, nil
}
