package cache

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/wolfeidau/drive-cache/store"
	"github.com/wolfeidau/drive-cache/store/boltstore"
	"github.com/wolfeidau/drive-cache/store/memstore"
	"github.com/wolfeidau/drive-cache/store/sqlitestore"
)

const (
	// DefaultMaxBytes is the default byte ceiling (100 MiB).
	DefaultMaxBytes int64 = 100 * 1024 * 1024

	// DefaultMaxFiles is the default file count ceiling.
	DefaultMaxFiles = 50
)

// Storage engines selectable by name.
const (
	EngineBolt   = "bolt"
	EngineSQLite = "sqlite"
	EngineMemory = "memory"
)

// Config configures a Cache.
type Config struct {
	// MaxBytes is the total payload size ceiling. Zero means DefaultMaxBytes.
	MaxBytes int64

	// MaxFiles is the file count ceiling. Zero means DefaultMaxFiles.
	MaxFiles int

	// Path is where the persistent database lives. Ignored by the memory engine.
	Path string

	// Engine selects the storage engine when Store is nil (default: bolt).
	Engine string

	// Store overrides Engine with a caller supplied store.
	Store store.Store

	// NoSync disables fsync on the bolt engine. Testing only.
	NoSync bool

	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultPath returns the database path under the user cache directory.
func DefaultPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "drive-cache", "drive-cache.db")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxBytes: DefaultMaxBytes,
		MaxFiles: DefaultMaxFiles,
		Path:     DefaultPath(),
		Engine:   EngineBolt,
	}
}

func (c *Config) applyDefaults() error {
	if c.MaxBytes < 0 {
		return fmt.Errorf("max bytes must not be negative: %d", c.MaxBytes)
	}
	if c.MaxFiles < 0 {
		return fmt.Errorf("max files must not be negative: %d", c.MaxFiles)
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.MaxFiles == 0 {
		c.MaxFiles = DefaultMaxFiles
	}
	if c.Engine == "" {
		c.Engine = EngineBolt
	}
	if c.Path == "" && c.Store == nil && c.Engine != EngineMemory {
		c.Path = DefaultPath()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// newStore builds the configured engine.
func (c *Config) newStore() (store.Store, error) {
	switch c.Engine {
	case EngineBolt:
		return boltstore.New(
			boltstore.WithLogger(c.Logger),
			boltstore.WithNow(c.Now),
			boltstore.WithNoSync(c.NoSync),
		), nil
	case EngineSQLite:
		return sqlitestore.New(
			sqlitestore.WithLogger(c.Logger),
			sqlitestore.WithNow(c.Now),
		), nil
	case EngineMemory:
		return memstore.New(memstore.WithNow(c.Now)), nil
	default:
		return nil, fmt.Errorf("unknown storage engine %q", c.Engine)
	}
}
