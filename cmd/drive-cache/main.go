// Command drive-cache manages the persistent Drive file cache and serves it
// over HTTP to local consumers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/drive-cache/cache"
	"github.com/wolfeidau/drive-cache/credentials"
	"github.com/wolfeidau/drive-cache/upstream"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Path      string `help:"Cache database path." env:"DRIVE_CACHE_PATH" type:"path"`
	Engine    string `help:"Storage engine." enum:"bolt,sqlite,memory" default:"bolt" env:"DRIVE_CACHE_ENGINE"`
	MaxBytes  int64  `help:"Total payload size ceiling in bytes." default:"104857600" env:"DRIVE_CACHE_MAX_BYTES"`
	MaxFiles  int    `help:"File count ceiling." default:"50" env:"DRIVE_CACHE_MAX_FILES"`
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"DRIVE_CACHE_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"DRIVE_CACHE_LOG_FORMAT"`

	APIURL      string `name:"api-url" help:"Drive API base URL." env:"DRIVE_CACHE_API_URL"`
	APIToken    string `name:"api-token" help:"Drive API bearer token." env:"DRIVE_CACHE_API_TOKEN"`
	Credentials string `help:"Credentials template file (JSON with env/file/op functions)." env:"DRIVE_CACHE_CREDENTIALS" type:"existingfile"`

	Version kong.VersionFlag `help:"Print version and exit."`

	logger *slog.Logger
	creds  *credentials.Credentials
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve ServeCmd `cmd:"" help:"Serve cached files over HTTP, reading through to the Drive API."`
	Stats StatsCmd `cmd:"" help:"Show cache usage."`
	Get   GetCmd   `cmd:"" help:"Print a cached file."`
	Put   PutCmd   `cmd:"" help:"Store a local file in the cache."`
	Rm    RmCmd    `cmd:"" help:"Remove a file from the cache."`
	Clear ClearCmd `cmd:"" help:"Remove every cached file."`
	Fetch FetchCmd `cmd:"" help:"Read a file through the cache, downloading it on a miss."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("drive-cache"),
		kong.Description("Bounded persistent LRU cache for Drive files."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	if err := cli.Globals.setup(); err != nil {
		kctx.FatalIfErrorf(err)
	}
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func (g *Globals) setup() error {
	g.logger = newLogger(g.LogLevel, g.LogFormat)
	slog.SetDefault(g.logger)

	if g.Credentials == "" {
		return nil
	}
	r := credentials.NewResolver(
		credentials.WithLogger(g.logger),
		credentials.WithOnePassword(),
	)
	creds, err := r.ResolveFile(context.Background(), g.Credentials)
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}
	g.creds = creds
	return nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
	}))
}

// openCache builds a cache from the global flags and opens it.
func (g *Globals) openCache(ctx context.Context) (*cache.Cache, error) {
	c, err := cache.New(cache.Config{
		MaxBytes: g.MaxBytes,
		MaxFiles: g.MaxFiles,
		Path:     g.Path,
		Engine:   g.Engine,
		Logger:   g.logger.With("component", "cache"),
	})
	if err != nil {
		return nil, err
	}
	if res := c.Initialize(ctx); !res.OK() {
		return nil, res.Err
	}
	return c, nil
}

// upstreamClient builds the Drive API client. Flags win over the
// credentials file.
func (g *Globals) upstreamClient() *upstream.Client {
	apiURL, token := g.APIURL, g.APIToken
	if g.creds != nil && g.creds.Drive != nil {
		if apiURL == "" {
			apiURL = g.creds.Drive.APIURL
		}
		if token == "" {
			token = g.creds.Drive.Token
		}
	}

	opts := []upstream.Option{upstream.WithBearerToken(token)}
	if apiURL != "" {
		opts = append(opts, upstream.WithBaseURL(apiURL))
	}
	return upstream.NewClient(opts...)
}

func (g *Globals) authToken(flag string) string {
	if flag != "" {
		return flag
	}
	if g.creds != nil {
		return g.creds.AuthToken
	}
	return ""
}
