package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/wolfeidau/drive-cache/cache"
)

var errNotCached = errors.New("file is not cached")

// StatsCmd prints cache usage.
type StatsCmd struct {
	JSON bool `help:"Print stats as JSON."`
}

func (s *StatsCmd) Run(g *Globals) error {
	ctx := context.Background()
	c, err := g.openCache(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	stats, res := c.Stats(ctx)
	if !res.OK() {
		return res.Err
	}

	if s.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Printf("files:  %d / %d\n", stats.FileCount, stats.MaxFiles)
	fmt.Printf("size:   %s / %s\n", humanize.IBytes(uint64(stats.TotalSize)), humanize.IBytes(uint64(stats.MaxBytes)))
	if stats.FileCount > 0 {
		fmt.Printf("oldest: %s\n", humanize.Time(stats.OldestAccess))
		fmt.Printf("newest: %s\n", humanize.Time(stats.NewestAccess))
	}
	return nil
}

// GetCmd prints a cached file without contacting the Drive API.
type GetCmd struct {
	FileID string `arg:"" help:"Drive file id."`
	Output string `short:"o" help:"Write to this file instead of stdout." type:"path"`
	Meta   bool   `help:"Print metadata instead of content."`
}

func (cmd *GetCmd) Run(g *Globals) error {
	ctx := context.Background()
	c, err := g.openCache(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if cmd.Meta {
		entry, res := c.GetMetadata(ctx, cmd.FileID)
		if err := resultErr(res); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entry)
	}

	f, res := c.Get(ctx, cmd.FileID)
	if err := resultErr(res); err != nil {
		return err
	}
	return writeOutput(cmd.Output, f.Data)
}

// PutCmd stores a local file under a Drive file id.
type PutCmd struct {
	FileID   string `arg:"" help:"Drive file id."`
	File     string `arg:"" help:"Local file to store." type:"existingfile"`
	Name     string `help:"File name metadata (default: base name of FILE)."`
	MIMEType string `name:"mime-type" help:"MIME type metadata (default: from the extension)."`
}

func (cmd *PutCmd) Run(g *Globals) error {
	ctx := context.Background()
	c, err := g.openCache(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	f, err := os.Open(cmd.File)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	name := cmd.Name
	if name == "" {
		name = filepath.Base(cmd.File)
	}
	mimeType := cmd.MIMEType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(name))
	}
	meta := cache.Metadata{"name": name, "size": info.Size()}
	if mimeType != "" {
		meta["mime_type"] = mimeType
	}

	if res := c.StoreReader(ctx, cmd.FileID, f, info.Size(), meta); !res.OK() {
		return res.Err
	}
	g.logger.Info("stored file", "file_id", cmd.FileID, "size", humanize.IBytes(uint64(info.Size())))
	return nil
}

// RmCmd removes cached files.
type RmCmd struct {
	FileIDs []string `arg:"" name:"file-id" help:"Drive file ids."`
}

func (cmd *RmCmd) Run(g *Globals) error {
	ctx := context.Background()
	c, err := g.openCache(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, id := range cmd.FileIDs {
		if res := c.Delete(ctx, id); !res.OK() {
			return res.Err
		}
	}
	return nil
}

// ClearCmd removes every cached file.
type ClearCmd struct{}

func (cmd *ClearCmd) Run(g *Globals) error {
	ctx := context.Background()
	c, err := g.openCache(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if res := c.Clear(ctx); !res.OK() {
		return res.Err
	}
	return nil
}

// FetchCmd reads a file through the cache.
type FetchCmd struct {
	FileID string `arg:"" help:"Drive file id."`
	Output string `short:"o" help:"Write to this file instead of stdout." type:"path"`
}

func (cmd *FetchCmd) Run(g *Globals) error {
	ctx := context.Background()
	c, err := g.openCache(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	client := g.upstreamClient()
	f, hit, err := c.Load(ctx, cmd.FileID, client.Fetch)
	if err != nil {
		return err
	}
	g.logger.Info("fetched file",
		"file_id", cmd.FileID,
		"cache", map[bool]string{true: "hit", false: "miss"}[hit],
		"size", humanize.IBytes(uint64(f.Size)),
	)
	return writeOutput(cmd.Output, f.Data)
}

func resultErr(res cache.Result) error {
	switch res.Status {
	case cache.StatusOK:
		return nil
	case cache.StatusNotFound:
		return errNotCached
	default:
		return res.Err
	}
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
