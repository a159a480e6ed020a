// Package download provides singleflight-based deduplication for concurrent
// Drive API fetches. When multiple callers miss on the same file id, only one
// upstream download is performed and every waiter receives its result.
package download

import (
	"bytes"
	"context"
	"log/slog"
	"maps"

	"golang.org/x/sync/singleflight"
)

// Result holds the outcome of a download operation.
type Result struct {
	Data     []byte
	Metadata map[string]any
}

// clone returns a copy so waiters sharing one download never alias each other's buffers.
func (r *Result) clone() *Result {
	return &Result{
		Data:     bytes.Clone(r.Data),
		Metadata: maps.Clone(r.Metadata),
	}
}

// DownloadFunc fetches a file from upstream and stores it in the cache.
// The context passed to DownloadFunc is detached from any single request so
// that one caller timing out does not cancel the download for other waiters.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent downloads for the same file id
// using singleflight. It uses DoChan so each caller can respect its own
// context deadline without cancelling the in-flight download for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent downloads for the same key.
// The fn receives a context detached from the caller's cancellation.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the download completes, Do returns
// the context error but the in-flight download continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		if res.Shared {
			d.logger.Debug("shared in-flight download", "file_id", key)
		}
		return res.Val.(*Result).clone(), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
