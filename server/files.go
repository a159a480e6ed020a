package server

import (
	"bytes"
	"errors"
	"mime"
	"net/http"
	"strconv"

	"github.com/wolfeidau/drive-cache/cache"
	"github.com/wolfeidau/drive-cache/telemetry"
	"github.com/wolfeidau/drive-cache/upstream"
)

// handleGetFile serves a file from the cache, reading through to the Drive
// API on a miss when an upstream is configured.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("id")
	telemetry.SetRoute(r, "file")
	telemetry.SetFileID(r, fileID)

	if s.upstream == nil {
		f, res := s.cache.Get(r.Context(), fileID)
		if !res.OK() {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
			s.writeResultError(w, res)
			return
		}
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		serveFile(w, r, f, true)
		return
	}

	f, hit, err := s.cache.Load(r.Context(), fileID, s.upstream.Fetch)
	if err != nil {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		s.writeUpstreamError(w, fileID, err)
		return
	}
	if hit {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}
	serveFile(w, r, f, hit)
}

func serveFile(w http.ResponseWriter, r *http.Request, f *cache.File, hit bool) {
	h := w.Header()
	if hit {
		h.Set("X-Cache", "hit")
	} else {
		h.Set("X-Cache", "miss")
	}

	name, _ := f.Metadata["name"].(string)
	contentType, _ := f.Metadata["mime_type"].(string)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	if name != "" {
		if cd := mime.FormatMediaType("attachment", map[string]string{"filename": name}); cd != "" {
			h.Set("Content-Disposition", cd)
		}
	}
	if f.Digest != "" {
		h.Set("ETag", strconv.Quote(f.Digest))
	}

	// ServeContent handles HEAD, Range and conditional requests.
	http.ServeContent(w, r, name, f.StoredAt, bytes.NewReader(f.Data))
}

func (s *Server) writeUpstreamError(w http.ResponseWriter, fileID string, err error) {
	switch {
	case errors.Is(err, upstream.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, upstream.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "upstream refused access")
	default:
		s.logger.Warn("upstream fetch failed", "file_id", fileID, "error", err)
		writeError(w, http.StatusBadGateway, "upstream fetch failed")
	}
}

// handleGetMetadata returns cached metadata without touching recency.
func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("id")
	telemetry.SetRoute(r, "metadata")
	telemetry.SetFileID(r, fileID)

	entry, res := s.cache.GetMetadata(r.Context(), fileID)
	if !res.OK() {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		s.writeResultError(w, res)
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)
	writeJSON(w, http.StatusOK, entry)
}

// handleDeleteFile invalidates one file.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("id")
	telemetry.SetRoute(r, "delete")
	telemetry.SetFileID(r, fileID)

	if res := s.cache.Delete(r.Context(), fileID); !res.OK() {
		s.writeResultError(w, res)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClear drops every cached file.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "clear")

	if res := s.cache.Clear(r.Context()); !res.OK() {
		s.writeResultError(w, res)
		return
	}
	s.logger.Info("cache cleared by request")
	w.WriteHeader(http.StatusNoContent)
}
