package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/files/abc123", nil)
	return InjectTags(r)
}

func TestInjectTags_Defaults(t *testing.T) {
	tags := GetTags(newTaggedRequest())
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
	require.Empty(t, tags.Route)
	require.Empty(t, tags.FileID)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/files/abc123", nil)
	require.Nil(t, GetTags(r))
	require.Nil(t, TagsFromContext(context.Background()))
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/files/abc123", nil)
	// none of these should panic
	SetRoute(r, "files")
	SetCacheResult(r, CacheHit)
	SetFileID(r, "abc123")
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetRoute(r, "files")
	SetCacheResult(r, CacheMiss)
	SetFileID(r, "abc123")

	require.Equal(t, "files", tags.Route)
	require.Equal(t, CacheMiss, tags.CacheResult)
	require.Equal(t, "abc123", tags.FileID)
	require.Same(t, tags, TagsFromContext(r.Context()))
}
