package cache

import (
	"context"
	"encoding/json"

	"github.com/wolfeidau/drive-cache/download"
)

// Fetched is a file downloaded from the Drive API.
type Fetched struct {
	Data     []byte
	Metadata Metadata
}

// FetchFunc downloads fileID from the Drive API.
type FetchFunc func(ctx context.Context, fileID string) (*Fetched, error)

// Load returns the cached file, or fetches it on a miss and caches the result.
// Concurrent misses for the same file id share one fetch. The boolean reports
// a cache hit. Only fetch errors are returned; cache failures degrade to a
// fetch and are logged.
func (c *Cache) Load(ctx context.Context, fileID string, fetch FetchFunc) (*File, bool, error) {
	if f, res := c.Get(ctx, fileID); res.OK() {
		return f, true, nil
	}

	result, shared, err := c.downloader.Do(ctx, fileID, func(ctx context.Context) (*download.Result, error) {
		fetched, err := fetch(ctx, fileID)
		if err != nil {
			return nil, err
		}
		if res := c.Store(ctx, fileID, fetched.Data, fetched.Metadata); !res.OK() {
			c.logger.Warn("serving fetched file without caching", "file_id", fileID, "error", res.Err)
		}
		return &download.Result{Data: fetched.Data, Metadata: fetched.Metadata}, nil
	})
	if err != nil {
		return nil, false, err
	}

	c.logger.Debug("loaded file from upstream", "file_id", fileID, "size", len(result.Data), "shared", shared)
	return &File{
		FileID:       fileID,
		Data:         result.Data,
		Size:         int64(len(result.Data)),
		Metadata:     jsonMetadata(result.Metadata),
		LastAccessed: c.now(),
	}, false, nil
}

// jsonMetadata returns meta with the value types a later cache hit returns.
func jsonMetadata(meta Metadata) Metadata {
	b, err := json.Marshal(meta)
	if err != nil {
		return nonNil(meta)
	}
	var out Metadata
	if err := json.Unmarshal(b, &out); err != nil {
		return nonNil(meta)
	}
	return nonNil(out)
}
