package boltstore

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

// Bucket names for bbolt storage.
var (
	bucketSchema     = []byte("schema")
	keySchemaVersion = []byte("version")

	// Blob collection
	bucketFiles         = []byte("files")            // file-<id> -> FileEntry JSON
	bucketFilePayloads  = []byte("file_payloads")    // file-<id> -> encoded payload
	bucketFilesByFileID = []byte("files_by_file_id") // fileID -> file-<id>
	bucketFilesByAccess = []byte("files_by_access")  // timestamp+seq -> file-<id> (LRU index)

	// Metadata collection
	bucketMetadata         = []byte("metadata")            // meta-<id> -> MetadataEntry JSON
	bucketMetadataByFileID = []byte("metadata_by_file_id") // fileID -> meta-<id> (unique)
	bucketMetadataByAccess = []byte("metadata_by_access")  // timestamp+seq -> meta-<id>
)

// dataBuckets are emptied by Clear. The schema bucket survives.
var dataBuckets = [][]byte{
	bucketFiles,
	bucketFilePayloads,
	bucketFilesByFileID,
	bucketFilesByAccess,
	bucketMetadata,
	bucketMetadataByFileID,
	bucketMetadataByAccess,
}

// migrations[i] upgrades a database from schema version i to i+1.
var migrations = []func(tx *bbolt.Tx) error{
	// 1: blob and metadata collections with their indexes.
	func(tx *bbolt.Tx) error {
		for _, name := range dataBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	},
}

// encodeTimestamp converts milliseconds to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative values (pre-1970 dates).
func encodeTimestamp(ms int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(ms-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to milliseconds.
func decodeTimestamp(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	u := binary.BigEndian.Uint64(b[:8])
	return int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
}

// makeAccessKey creates a key for the access indexes.
// Format: [8-byte timestamp][8-byte sequence]
func makeAccessKey(ms int64, seq uint64) []byte {
	key := make([]byte, 16)
	copy(key[:8], encodeTimestamp(ms))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

// parseAccessKey extracts the timestamp and sequence from an access index key.
func parseAccessKey(key []byte) (ms int64, seq uint64) {
	if len(key) < 16 {
		return 0, 0
	}
	return decodeTimestamp(key[:8]), binary.BigEndian.Uint64(key[8:16])
}

func encodeVersion(v int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v)) //nolint:gosec // schema versions are small and positive
	return buf
}

func decodeVersion(b []byte) int {
	if len(b) < 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(b)) //nolint:gosec // schema versions are small and positive
}
