package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/drive-cache/cache"
)

func newDriveServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(WithBaseURL(srv.URL+"/api/"), WithBearerToken("drive-token"))
}

func TestDownload(t *testing.T) {
	var gotPath, gotAuth string
	c := newDriveServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/pdf; charset=binary")
		w.Header().Set("Content-Disposition", `attachment; filename="Q3 report.pdf"`)
		_, _ = w.Write([]byte("%PDF-1.7"))
	})

	f, err := c.Download(context.Background(), "7f9c2e4a")
	require.NoError(t, err)

	assert.Equal(t, "/api/files/7f9c2e4a/download", gotPath)
	assert.Equal(t, "Bearer drive-token", gotAuth)
	assert.Equal(t, "7f9c2e4a", f.ID)
	assert.Equal(t, "Q3 report.pdf", f.Name)
	assert.Equal(t, "application/pdf", f.MIMEType)
	assert.Equal(t, []byte("%PDF-1.7"), f.Data)

	assert.Equal(t, cache.Metadata{
		"name":      "Q3 report.pdf",
		"mime_type": "application/pdf",
		"size":      8,
	}, f.Metadata())
}

func TestDownload_StatusErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
		wantMsg string
	}{
		{"not found", http.StatusNotFound, ErrNotFound, ""},
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized, ""},
		{"forbidden", http.StatusForbidden, ErrUnauthorized, ""},
		{"server error", http.StatusInternalServerError, nil, "upstream returned 500: storage offline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newDriveServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "storage offline", tt.status)
			})

			_, err := c.Download(context.Background(), "abc")
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestDownload_NoTokenSendsNoAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(WithBaseURL(srv.URL))
	_, err := c.Download(context.Background(), "abc")
	require.NoError(t, err)
}

func TestDownload_EscapesFileID(t *testing.T) {
	var gotRawPath string
	c := newDriveServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotRawPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte("x"))
	})

	_, err := c.Download(context.Background(), "a/b c")
	require.NoError(t, err)
	assert.Equal(t, "/api/files/a%2Fb%20c/download", gotRawPath)
}

func TestDownload_MaxSize(t *testing.T) {
	body := strings.Repeat("x", 64)

	t.Run("declared length", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		t.Cleanup(srv.Close)

		c := NewClient(WithBaseURL(srv.URL), WithMaxSize(16))
		_, err := c.Download(context.Background(), "big")
		assert.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("chunked", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for range 4 {
				_, _ = w.Write([]byte(body[:16]))
				w.(http.Flusher).Flush()
			}
		}))
		t.Cleanup(srv.Close)

		c := NewClient(WithBaseURL(srv.URL), WithMaxSize(32))
		_, err := c.Download(context.Background(), "big")
		assert.ErrorIs(t, err, ErrTooLarge)
	})
}

func TestDownload_EmptyFileID(t *testing.T) {
	c := NewClient()
	_, err := c.Download(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckLength(t *testing.T) {
	assert.NoError(t, checkLength("", 10))
	assert.NoError(t, checkLength("10", 10))
	assert.ErrorIs(t, checkLength("12", 10), ErrSizeMismatch)
	assert.ErrorContains(t, checkLength("ten", 10), "invalid Content-Length")
}

func TestHeaderParsing(t *testing.T) {
	assert.Equal(t, "notes.txt", filename(`attachment; filename="notes.txt"`))
	assert.Equal(t, "", filename(`attachment`))
	assert.Equal(t, "", filename(`;;;`))
	assert.Equal(t, "", filename(""))

	assert.Equal(t, "text/plain", mediaType("text/plain; charset=utf-8"))
	assert.Equal(t, "not a type;;", mediaType("not a type;;"))
	assert.Equal(t, "", mediaType(""))
}

func TestFetch_ReadThroughCache(t *testing.T) {
	var hits atomic.Int32
	c := newDriveServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Disposition", `attachment; filename="notes.txt"`)
		_, _ = w.Write([]byte("meeting notes"))
	})

	cc, err := cache.New(cache.Config{Engine: cache.EngineMemory})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	ctx := context.Background()
	f, hit, err := cc.Load(ctx, "notes", c.Fetch)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "meeting notes", string(f.Data))
	assert.Equal(t, "notes.txt", f.Metadata["name"])
	assert.Equal(t, float64(13), f.Metadata["size"])
	missMeta := f.Metadata

	f, hit, err = cc.Load(ctx, "notes", c.Fetch)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "text/plain", f.Metadata["mime_type"])
	assert.Equal(t, missMeta, f.Metadata)
	assert.Equal(t, int32(1), hits.Load())
}

func TestNewClient_IgnoresNilHTTPClient(t *testing.T) {
	var c *Client
	require.NotPanics(t, func() {
		c = NewClient(WithHTTPClient(nil))
	})
	require.NotNil(t, c.client)
	assert.Equal(t, DefaultTimeout, c.client.Timeout)
	assert.NotNil(t, c.client.Transport)
}

func TestFetch_PropagatesNotFound(t *testing.T) {
	c := newDriveServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := c.Fetch(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}
