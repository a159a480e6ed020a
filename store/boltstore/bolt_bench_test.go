package boltstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/wolfeidau/drive-cache/store"
)

func openBench(b *testing.B, now func() time.Time) *DB {
	b.Helper()
	db := New(WithNow(now), WithNoSync(true))
	if err := db.Open(filepath.Join(b.TempDir(), "bench.db")); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = db.Close() })
	return db
}

// BenchmarkGetTouch measures read-and-touch with varying DB sizes.
// Time should stay flat as the entry count grows.
func BenchmarkGetTouch(b *testing.B) {
	for _, n := range []int{100, 500, 1000} {
		b.Run(fmt.Sprintf("entries=%d", n), func(b *testing.B) {
			current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
			db := openBench(b, func() time.Time { return current })
			ctx := context.Background()
			data := make([]byte, 1024)

			for i := range n {
				current = current.Add(time.Millisecond)
				if _, err := db.Put(ctx, fmt.Sprintf("file-%d", i), data, nil); err != nil {
					b.Fatal(err)
				}
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				current = current.Add(time.Millisecond)
				if _, err := db.Get(ctx, fmt.Sprintf("file-%d", i%n)); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkPutEvict measures a steady state write at the file ceiling, where
// every Put is followed by a one-victim eviction.
func BenchmarkPutEvict(b *testing.B) {
	for _, n := range []int{50, 500} {
		b.Run(fmt.Sprintf("ceiling=%d", n), func(b *testing.B) {
			current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
			db := openBench(b, func() time.Time { return current })
			ctx := context.Background()
			limits := store.Limits{MaxBytes: 1 << 40, MaxFiles: n}
			data := make([]byte, 4096)

			for i := range n {
				current = current.Add(time.Millisecond)
				if _, err := db.Put(ctx, fmt.Sprintf("seed-%d", i), data, nil); err != nil {
					b.Fatal(err)
				}
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				current = current.Add(time.Millisecond)
				if _, err := db.Put(ctx, fmt.Sprintf("file-%d", i), data, nil); err != nil {
					b.Fatal(err)
				}
				if _, err := db.Evict(ctx, limits); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
