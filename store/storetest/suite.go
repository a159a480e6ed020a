// Package storetest is a conformance suite run against every store.Store engine.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/drive-cache/store"
)

// Factory creates an unopened store using now as its clock, and the path it
// should be opened at. Calling Open on the returned store with the same path
// after Close must expose the previously written data.
type Factory func(t *testing.T, now func() time.Time) (s store.Store, path string)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t, which may be in the past.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func open(t *testing.T, factory Factory) (store.Store, *Clock, string) {
	t.Helper()
	clock := NewClock()
	s, path := factory(t, clock.Now)
	require.NoError(t, s.Open(path))
	t.Cleanup(func() { _ = s.Close() })
	return s, clock, path
}

func fileIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("file-%03d", i)
	}
	return ids
}

// Run executes the suite.
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("schema version is current after open", func(t *testing.T) {
		s, _, _ := open(t, factory)
		assert.Equal(t, store.CurrentSchemaVersion, s.SchemaVersion())
	})

	t.Run("put and get round-trip", func(t *testing.T) {
		s, clock, _ := open(t, factory)

		data := []byte("quarterly report contents")
		fields := map[string]any{"name": "report.pdf", "mime_type": "application/pdf"}

		rec, err := s.Put(ctx, "abc123", data, fields)
		require.NoError(t, err)
		assert.Equal(t, "file-abc123", rec.File.ID)
		assert.Equal(t, "meta-abc123", rec.Metadata.ID)
		assert.Equal(t, int64(len(data)), rec.File.Size)
		assert.Equal(t, store.Millis(clock.Now()), rec.File.LastAccessed)
		assert.Equal(t, rec.File.LastAccessed, rec.Metadata.LastAccessed)

		got, err := s.Get(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, data, got.Data)
		assert.Equal(t, "abc123", got.File.FileID)
		assert.Equal(t, "report.pdf", got.Metadata.Fields["name"])
		assert.Equal(t, "application/pdf", got.Metadata.Fields["mime_type"])
	})

	t.Run("large compressible payload round-trips", func(t *testing.T) {
		s, _, _ := open(t, factory)

		data := bytes.Repeat([]byte("csv,row,value\n"), 8192)
		_, err := s.Put(ctx, "sheet", data, nil)
		require.NoError(t, err)

		got, err := s.Get(ctx, "sheet")
		require.NoError(t, err)
		assert.Equal(t, data, got.Data)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), stats.TotalSize)
	})

	t.Run("empty payload is cacheable", func(t *testing.T) {
		s, _, _ := open(t, factory)

		_, err := s.Put(ctx, "empty", []byte{}, nil)
		require.NoError(t, err)

		got, err := s.Get(ctx, "empty")
		require.NoError(t, err)
		assert.Empty(t, got.Data)
		assert.Equal(t, int64(0), got.File.Size)
	})

	t.Run("get returns ErrNotFound for missing file", func(t *testing.T) {
		s, _, _ := open(t, factory)

		_, err := s.Get(ctx, "missing")
		require.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.GetMetadata(ctx, "missing")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("empty file id is rejected", func(t *testing.T) {
		s, _, _ := open(t, factory)

		_, err := s.Put(ctx, "", []byte("x"), nil)
		require.ErrorIs(t, err, store.ErrInvalidFileID)
	})

	t.Run("get refreshes recency of both entries", func(t *testing.T) {
		s, clock, _ := open(t, factory)

		rec, err := s.Put(ctx, "doc", []byte("v1"), map[string]any{"name": "doc.txt"})
		require.NoError(t, err)

		clock.Advance(5 * time.Second)
		got, err := s.Get(ctx, "doc")
		require.NoError(t, err)
		assert.Greater(t, got.File.LastAccessed, rec.File.LastAccessed)
		assert.Equal(t, store.Millis(clock.Now()), got.File.LastAccessed)
		assert.Equal(t, got.File.LastAccessed, got.Metadata.LastAccessed)

		meta, err := s.GetMetadata(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, got.File.LastAccessed, meta.LastAccessed)
	})

	t.Run("access time never moves backwards", func(t *testing.T) {
		s, clock, _ := open(t, factory)

		first, err := s.Put(ctx, "doc", []byte("v1"), nil)
		require.NoError(t, err)

		clock.Set(clock.Now().Add(-time.Hour))
		got, err := s.Get(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, first.File.LastAccessed, got.File.LastAccessed)
	})

	t.Run("get metadata does not refresh recency", func(t *testing.T) {
		s, clock, _ := open(t, factory)

		rec, err := s.Put(ctx, "doc", []byte("v1"), map[string]any{"name": "doc.txt"})
		require.NoError(t, err)

		clock.Advance(time.Minute)
		meta, err := s.GetMetadata(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, rec.Metadata.LastAccessed, meta.LastAccessed)
		assert.Equal(t, "doc.txt", meta.Fields["name"])

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, rec.File.LastAccessed, stats.NewestAccess)
	})

	t.Run("metadata fields round-trip as JSON values", func(t *testing.T) {
		s, _, _ := open(t, factory)

		tags := []string{"finance", "q3"}
		fields := map[string]any{
			"name":  "q3.xlsx",
			"size":  5,
			"tags":  tags,
			"owner": map[string]any{"id": 42},
		}
		_, err := s.Put(ctx, "sheet", []byte("12345"), fields)
		require.NoError(t, err)
		tags[0] = "mutated"

		want := map[string]any{
			"name":  "q3.xlsx",
			"size":  float64(5),
			"tags":  []any{"finance", "q3"},
			"owner": map[string]any{"id": float64(42)},
		}

		got, err := s.Get(ctx, "sheet")
		require.NoError(t, err)
		assert.Equal(t, want, got.Metadata.Fields)

		meta, err := s.GetMetadata(ctx, "sheet")
		require.NoError(t, err)
		assert.Equal(t, want, meta.Fields)

		got.Metadata.Fields["tags"].([]any)[0] = "changed"
		again, err := s.GetMetadata(ctx, "sheet")
		require.NoError(t, err)
		assert.Equal(t, want, again.Fields)
	})

	t.Run("overwrite keeps a single pair", func(t *testing.T) {
		s, clock, _ := open(t, factory)

		_, err := s.Put(ctx, "doc", []byte("first version"), map[string]any{"name": "v1.txt"})
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = s.Put(ctx, "doc", []byte("v2"), map[string]any{"name": "v2.txt"})
		require.NoError(t, err)

		got, err := s.Get(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got.Data)
		assert.Equal(t, "v2.txt", got.Metadata.Fields["name"])

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.FileCount)
		assert.Equal(t, int64(2), stats.TotalSize)
	})

	t.Run("byte ceiling evicts oldest entries", func(t *testing.T) {
		s, clock, _ := open(t, factory)

		// 60 x 2 KiB against a 100 KiB ceiling: the same shape as 60 x 2 MiB
		// against 100 MiB, scaled down.
		const size = 2 * 1024
		limits := store.Limits{MaxBytes: 100 * 1024, MaxFiles: 1000}
		ids := fileIDs(60)
		for i, id := range ids {
			data := bytes.Repeat([]byte{byte(i)}, size)
			_, err := s.Put(ctx, id, data, nil)
			require.NoError(t, err)
			_, err = s.Evict(ctx, limits)
			require.NoError(t, err)
			clock.Advance(time.Millisecond)
		}

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, stats.TotalSize, limits.MaxBytes)
		assert.Equal(t, 50, stats.FileCount)

		for _, id := range ids[:10] {
			_, err := s.Get(ctx, id)
			require.ErrorIs(t, err, store.ErrNotFound, id)
		}
		for _, id := range ids[10:] {
			_, err := s.GetMetadata(ctx, id)
			require.NoError(t, err, id)
		}
	})

	t.Run("count ceiling evicts the oldest entry", func(t *testing.T) {
		s, clock, _ := open(t, factory)

		limits := store.Limits{MaxBytes: 100 * 1024 * 1024, MaxFiles: 50}
		ids := fileIDs(51)
		var last *store.EvictResult
		for _, id := range ids {
			_, err := s.Put(ctx, id, []byte{1}, nil)
			require.NoError(t, err)
			last, err = s.Evict(ctx, limits)
			require.NoError(t, err)
			clock.Advance(time.Millisecond)
		}

		require.NotNil(t, last)
		assert.Equal(t, 1, last.Evicted)
		assert.Equal(t, []string{ids[0]}, last.FileIDs)
		assert.Equal(t, int64(1), last.BytesFreed)
		assert.Equal(t, 50, last.FileCount)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 50, stats.FileCount)

		_, err = s.Get(ctx, ids[0])
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("entries written in the same millisecond evict in insertion order", func(t *testing.T) {
		s, _, _ := open(t, factory)

		for _, id := range []string{"first", "second", "third"} {
			_, err := s.Put(ctx, id, []byte("x"), nil)
			require.NoError(t, err)
		}

		res, err := s.Evict(ctx, store.Limits{MaxFiles: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "second"}, res.FileIDs)

		_, err = s.Get(ctx, "third")
		require.NoError(t, err)
	})

	t.Run("recently read entry survives eviction", func(t *testing.T) {
		s, clock, _ := open(t, factory)

		const size = 10 * 1024
		limits := store.Limits{MaxBytes: 25 * 1024, MaxFiles: 50}

		_, err := s.Put(ctx, "a", bytes.Repeat([]byte("a"), size), nil)
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = s.Put(ctx, "b", bytes.Repeat([]byte("b"), size), nil)
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = s.Get(ctx, "a")
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = s.Put(ctx, "c", bytes.Repeat([]byte("c"), size), nil)
		require.NoError(t, err)

		res, err := s.Evict(ctx, limits)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, res.FileIDs)

		_, err = s.Get(ctx, "a")
		require.NoError(t, err)
		_, err = s.Get(ctx, "c")
		require.NoError(t, err)
	})

	t.Run("single entry above ceiling is evicted", func(t *testing.T) {
		s, _, _ := open(t, factory)

		_, err := s.Put(ctx, "huge", bytes.Repeat([]byte("h"), 4096), nil)
		require.NoError(t, err)

		res, err := s.Evict(ctx, store.Limits{MaxBytes: 1024, MaxFiles: 50})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Evicted)
		assert.Equal(t, 0, res.FileCount)
		assert.Equal(t, int64(0), res.TotalSize)
	})

	t.Run("evict within limits is a no-op", func(t *testing.T) {
		s, _, _ := open(t, factory)

		_, err := s.Put(ctx, "doc", []byte("x"), nil)
		require.NoError(t, err)

		res, err := s.Evict(ctx, store.Limits{MaxBytes: 1024, MaxFiles: 50})
		require.NoError(t, err)
		assert.Equal(t, 0, res.Evicted)
		assert.Equal(t, 1, res.FileCount)
		assert.Equal(t, int64(1), res.TotalSize)
	})

	t.Run("metadata present iff blob present", func(t *testing.T) {
		s, clock, _ := open(t, factory)

		limits := store.Limits{MaxFiles: 3}
		ids := fileIDs(8)
		for _, id := range ids {
			_, err := s.Put(ctx, id, []byte(id), map[string]any{"name": id})
			require.NoError(t, err)
			_, err = s.Evict(ctx, limits)
			require.NoError(t, err)
			clock.Advance(time.Millisecond)
		}
		require.NoError(t, s.Delete(ctx, ids[6]))

		for _, id := range ids {
			_, blobErr := s.Get(ctx, id)
			_, metaErr := s.GetMetadata(ctx, id)
			assert.Equal(t, blobErr == nil, metaErr == nil, id)
			if blobErr != nil {
				require.ErrorIs(t, blobErr, store.ErrNotFound)
				require.ErrorIs(t, metaErr, store.ErrNotFound)
			}
		}
	})

	t.Run("delete removes the pair", func(t *testing.T) {
		s, _, _ := open(t, factory)

		_, err := s.Put(ctx, "doc", []byte("x"), map[string]any{"name": "doc"})
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, "doc"))

		_, err = s.Get(ctx, "doc")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetMetadata(ctx, "doc")
		require.ErrorIs(t, err, store.ErrNotFound)

		// Deleting a missing pair is not an error.
		require.NoError(t, s.Delete(ctx, "doc"))
	})

	t.Run("clear is idempotent", func(t *testing.T) {
		s, _, _ := open(t, factory)

		for _, id := range fileIDs(5) {
			_, err := s.Put(ctx, id, []byte(id), nil)
			require.NoError(t, err)
		}

		require.NoError(t, s.Clear(ctx))
		require.NoError(t, s.Clear(ctx))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, store.Stats{}, *stats)

		// The store is usable after clearing.
		_, err = s.Put(ctx, "after", []byte("x"), nil)
		require.NoError(t, err)
		_, err = s.Get(ctx, "after")
		require.NoError(t, err)
	})

	t.Run("stats report totals and access range", func(t *testing.T) {
		s, clock, _ := open(t, factory)

		first := store.Millis(clock.Now())
		_, err := s.Put(ctx, "a", []byte("aaa"), nil)
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = s.Put(ctx, "b", []byte("bbbb"), nil)
		require.NoError(t, err)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.FileCount)
		assert.Equal(t, int64(7), stats.TotalSize)
		assert.Equal(t, first, stats.OldestAccess)
		assert.Equal(t, first+1000, stats.NewestAccess)
	})

	t.Run("data persists across reopen", func(t *testing.T) {
		s, _, path := open(t, factory)

		_, err := s.Put(ctx, "doc", []byte("persisted"), map[string]any{"name": "doc.txt"})
		require.NoError(t, err)
		require.NoError(t, s.Close())
		require.NoError(t, s.Open(path))

		got, err := s.Get(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, []byte("persisted"), got.Data)
		assert.Equal(t, "doc.txt", got.Metadata.Fields["name"])
		assert.Equal(t, store.CurrentSchemaVersion, s.SchemaVersion())
	})

	t.Run("operations on a closed store fail", func(t *testing.T) {
		s, _, _ := open(t, factory)
		require.NoError(t, s.Close())

		_, err := s.Put(ctx, "doc", []byte("x"), nil)
		require.ErrorIs(t, err, store.ErrClosed)
		_, err = s.Get(ctx, "doc")
		require.ErrorIs(t, err, store.ErrClosed)
		_, err = s.Stats(ctx)
		require.ErrorIs(t, err, store.ErrClosed)
		require.ErrorIs(t, s.Clear(ctx), store.ErrClosed)

		// Close twice is harmless.
		require.NoError(t, s.Close())
	})

	t.Run("canceled context is honored", func(t *testing.T) {
		s, _, _ := open(t, factory)

		canceled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := s.Put(canceled, "doc", []byte("x"), nil)
		require.ErrorIs(t, err, context.Canceled)

		_, err = s.Get(ctx, "doc")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("concurrent writers and readers", func(t *testing.T) {
		s, _, _ := open(t, factory)

		limits := store.Limits{MaxFiles: 20}
		var wg sync.WaitGroup
		for w := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range 10 {
					id := fmt.Sprintf("w%d-%d", w, i)
					if _, err := s.Put(ctx, id, []byte(id), map[string]any{"name": id}); err != nil {
						t.Errorf("put %s: %v", id, err)
						return
					}
					if _, err := s.Get(ctx, id); err != nil && !isNotFound(err) {
						t.Errorf("get %s: %v", id, err)
						return
					}
					if _, err := s.Evict(ctx, limits); err != nil {
						t.Errorf("evict: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, stats.FileCount, 20)
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
