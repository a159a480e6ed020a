package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/drive-cache/store/storetest"
)

func TestLoad_MissThenHit(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, Config{})

	var calls atomic.Int32
	fetch := func(ctx context.Context, fileID string) (*Fetched, error) {
		calls.Add(1)
		return &Fetched{Data: []byte("payload for " + fileID), Metadata: Metadata{"name": "doc.txt"}}, nil
	}

	f, hit, err := c.Load(ctx, "doc", fetch)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "payload for doc", string(f.Data))
	assert.Equal(t, "doc.txt", f.Metadata["name"])

	f, hit, err = c.Load(ctx, "doc", fetch)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "payload for doc", string(f.Data))
	assert.Equal(t, int32(1), calls.Load())
}

func TestLoad_MissAndHitAgreeOnMetadataTypes(t *testing.T) {
	ctx := context.Background()
	for _, engine := range []string{EngineMemory, EngineBolt, EngineSQLite} {
		t.Run(engine, func(t *testing.T) {
			c, _ := newTestCache(t, Config{Engine: engine})
			fetch := func(ctx context.Context, fileID string) (*Fetched, error) {
				return &Fetched{Data: []byte("12345"), Metadata: Metadata{"size": 5, "tags": []string{"a"}}}, nil
			}

			miss, hit, err := c.Load(ctx, "doc", fetch)
			require.NoError(t, err)
			require.False(t, hit)

			cached, hit, err := c.Load(ctx, "doc", fetch)
			require.NoError(t, err)
			require.True(t, hit)

			want := Metadata{"size": float64(5), "tags": []any{"a"}}
			assert.Equal(t, want, miss.Metadata)
			assert.Equal(t, want, cached.Metadata)
		})
	}
}

func TestLoad_ConcurrentMissesShareOneFetch(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, Config{})

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context, fileID string) (*Fetched, error) {
		calls.Add(1)
		<-release
		return &Fetched{Data: []byte("shared")}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*File, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, _, err := c.Load(ctx, "doc", fetch)
			assert.NoError(t, err)
			results[i] = f
		}()
	}

	// Give every caller time to join the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, f := range results {
		require.NotNil(t, f)
		assert.Equal(t, "shared", string(f.Data))
	}

	// Callers own their buffers.
	results[0].Data[0] = 'X'
	assert.Equal(t, "shared", string(results[1].Data))
}

func TestLoad_FetchError(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, Config{})

	errUpstream := errors.New("drive api unavailable")
	f, hit, err := c.Load(ctx, "doc", func(ctx context.Context, fileID string) (*Fetched, error) {
		return nil, errUpstream
	})
	assert.Nil(t, f)
	assert.False(t, hit)
	assert.ErrorIs(t, err, errUpstream)

	_, res := c.Get(ctx, "doc")
	assert.Equal(t, StatusNotFound, res.Status)
}

func TestLoad_CacheFailureStillServes(t *testing.T) {
	ctx := context.Background()
	fs := newFaultyStore(storetest.NewClock())
	fs.openErr = errors.New("permission denied")
	c, _ := newTestCache(t, Config{Store: fs})

	var calls atomic.Int32
	fetch := func(ctx context.Context, fileID string) (*Fetched, error) {
		calls.Add(1)
		return &Fetched{Data: []byte("from drive")}, nil
	}

	for range 2 {
		f, hit, err := c.Load(ctx, "doc", fetch)
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Equal(t, "from drive", string(f.Data))
		assert.NotNil(t, f.Metadata)
	}
	assert.Equal(t, int32(2), calls.Load())
}
