package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/drive-cache/store"
	"github.com/wolfeidau/drive-cache/store/storetest"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	s := New(opts...)
	dbPath := filepath.Join(t.TempDir(), "drive-cache.sqlite")
	require.NoError(t, s.Open(dbPath))
	t.Cleanup(func() { _ = s.Close() })
	return s, dbPath
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, now func() time.Time) (store.Store, string) {
		return New(WithNow(now)), filepath.Join(t.TempDir(), "nested", "drive-cache.sqlite")
	})
}

func TestStore_CorruptedPayload(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Put(ctx, "doc", []byte("original contents"), nil)
	require.NoError(t, err)

	_, err = s.DB().Exec(`UPDATE files SET payload = ? WHERE file_id = ?`, []byte("tampered contents"), "doc")
	require.NoError(t, err)

	_, err = s.Get(ctx, "doc")
	require.ErrorIs(t, err, store.ErrCorrupted)
}

func TestStore_MetadataUniqueIndex(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.DB().Exec(`INSERT INTO metadata (id, file_id, fields, last_accessed) VALUES ('meta-other', 'doc', NULL, 1)`)
	require.NoError(t, err)

	_, err = s.Put(ctx, "doc", []byte("x"), nil)
	require.ErrorIs(t, err, store.ErrConstraint)

	_, err = s.DB().Exec(`INSERT INTO metadata (id, file_id, fields, last_accessed) VALUES ('meta-dup', 'doc', NULL, 1)`)
	require.Error(t, err, "unique index on metadata file_id")
}

func TestStore_EvictDropsOrphanedMetadata(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock()
	s, _ := newTestStore(t, WithNow(clock.Now))

	for _, id := range []string{"a", "b"} {
		_, err := s.Put(ctx, id, []byte(id), nil)
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}
	_, err := s.DB().Exec(`INSERT INTO metadata (id, file_id, fields, last_accessed) VALUES ('meta-ghost', 'ghost', NULL, 1)`)
	require.NoError(t, err)

	res, err := s.Evict(ctx, store.Limits{MaxFiles: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.FileIDs)
	assert.Equal(t, 1, res.Orphans)

	_, err = s.GetMetadata(ctx, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_RefusesNewerSchema(t *testing.T) {
	s, path := newTestStore(t)
	_, err := s.DB().Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = New().Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}
