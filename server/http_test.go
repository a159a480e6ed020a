package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/drive-cache/cache"
	"github.com/wolfeidau/drive-cache/upstream"
)

type fakeDrive struct {
	files map[string]*cache.Fetched
	err   error
	calls atomic.Int32
}

func (f *fakeDrive) Fetch(_ context.Context, fileID string) (*cache.Fetched, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	file, ok := f.files[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", upstream.ErrNotFound, fileID)
	}
	return file, nil
}

func newTestServer(t *testing.T, drive Fetcher, token string) (*httptest.Server, *cache.Cache) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c, err := cache.New(cache.Config{Engine: cache.EngineMemory, MaxFiles: 2, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	cfg := Config{Cache: c, AuthToken: token, Logger: logger}
	if drive != nil {
		cfg.Upstream = drive
	}
	s, err := New(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, c
}

func do(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestNew_RequiresCache(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestGetFile_ReadThrough(t *testing.T) {
	drive := &fakeDrive{files: map[string]*cache.Fetched{
		"doc": {Data: []byte("quarterly numbers"), Metadata: cache.Metadata{"name": "q3.txt", "mime_type": "text/plain"}},
	}}
	ts, _ := newTestServer(t, drive, "")

	resp := do(t, http.MethodGet, ts.URL+"/files/doc")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "miss", resp.Header.Get("X-Cache"))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename=q3.txt`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "17", resp.Header.Get("Content-Length"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "quarterly numbers", readBody(t, resp))

	resp = do(t, http.MethodGet, ts.URL+"/files/doc")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hit", resp.Header.Get("X-Cache"))
	assert.NotEmpty(t, resp.Header.Get("ETag"))
	assert.Equal(t, "quarterly numbers", readBody(t, resp))

	assert.Equal(t, int32(1), drive.calls.Load())
}

func TestGetFile_Head(t *testing.T) {
	drive := &fakeDrive{files: map[string]*cache.Fetched{"doc": {Data: []byte("12345")}}}
	ts, _ := newTestServer(t, drive, "")

	resp := do(t, http.MethodHead, ts.URL+"/files/doc")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Content-Length"))
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Empty(t, readBody(t, resp))
}

func TestGetFile_Range(t *testing.T) {
	drive := &fakeDrive{files: map[string]*cache.Fetched{"doc": {Data: []byte("0123456789")}}}
	ts, _ := newTestServer(t, drive, "")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/files/doc", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=2-4")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "234", readBody(t, resp))
}

func TestGetFile_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", nil, http.StatusNotFound},
		{"unauthorized", upstream.ErrUnauthorized, http.StatusForbidden},
		{"other", errors.New("connection refused"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, _ := newTestServer(t, &fakeDrive{err: tt.err}, "")
			resp := do(t, http.MethodGet, ts.URL+"/files/missing")
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestGetFile_CacheOnly(t *testing.T) {
	ts, c := newTestServer(t, nil, "")

	resp := do(t, http.MethodGet, ts.URL+"/files/doc")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.True(t, c.Store(context.Background(), "doc", []byte("local"), nil).OK())

	resp = do(t, http.MethodGet, ts.URL+"/files/doc")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hit", resp.Header.Get("X-Cache"))
	assert.Equal(t, "local", readBody(t, resp))
}

func TestGetMetadata(t *testing.T) {
	ts, c := newTestServer(t, nil, "")

	resp := do(t, http.MethodGet, ts.URL+"/files/doc/metadata")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.True(t, c.Store(context.Background(), "doc", []byte("x"), cache.Metadata{"name": "doc.txt"}).OK())

	resp = do(t, http.MethodGet, ts.URL+"/files/doc/metadata")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entry cache.MetadataEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
	assert.Equal(t, "doc", entry.FileID)
	assert.Equal(t, "doc.txt", entry.Metadata["name"])
}

func TestDeleteAndClear(t *testing.T) {
	ts, c := newTestServer(t, nil, "")
	ctx := context.Background()

	require.True(t, c.Store(ctx, "a", []byte("a"), nil).OK())
	require.True(t, c.Store(ctx, "b", []byte("b"), nil).OK())

	resp := do(t, http.MethodDelete, ts.URL+"/files/a")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, res := c.Get(ctx, "a")
	assert.Equal(t, cache.StatusNotFound, res.Status)

	resp = do(t, http.MethodDelete, ts.URL+"/cache")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats cache.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 0, stats.FileCount)
	assert.Equal(t, int64(0), stats.TotalSize)
	assert.Equal(t, 2, stats.MaxFiles)
}

func TestStats_EvictionVisible(t *testing.T) {
	ts, c := newTestServer(t, nil, "")
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, c.Store(ctx, id, []byte(id), nil).OK())
	}

	resp := do(t, http.MethodGet, ts.URL+"/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats cache.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 2, stats.FileCount)
}

func TestHandler_AuthApplied(t *testing.T) {
	ts, _ := newTestServer(t, nil, "secret")

	resp := do(t, http.MethodGet, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, readBody(t, resp))

	resp = do(t, http.MethodGet, ts.URL+"/stats")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}

func TestLoggingMiddleware_PreservesRequestID(t *testing.T) {
	ts, _ := newTestServer(t, nil, "")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}

func TestMetrics_NotFoundWhenDisabled(t *testing.T) {
	ts, _ := newTestServer(t, nil, "")
	resp := do(t, http.MethodGet, ts.URL+"/metrics")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResponseWriter_UnwrapReachesFlusher(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	_, err := rw.Write([]byte("chunk"))
	require.NoError(t, err)
	require.NoError(t, http.NewResponseController(rw).Flush())

	assert.True(t, rec.Flushed)
	assert.Equal(t, int64(5), rw.bytesWritten)
}
