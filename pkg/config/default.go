// Package config holds tunables shared across the storage engine.
package config

import "github.com/ncw/directio"

// DBName names the database.
const DBName = "blitzdb"

// PageSize is the size in bytes of a single page, aligned for O_DIRECT I/O.
const PageSize int64 = directio.BlockSize

// BufferPoolSize is the number of frames held by the buffer pool manager.
const BufferPoolSize = 32

// ReplacerK is the "k" in the LRU-K replacement policy: the number of most
// recent accesses considered when computing a frame's backward k-distance.
const ReplacerK = 2

// LeafMaxSize is the maximum number of entries a B+-tree leaf node holds
// before it must split.
const LeafMaxSize = 0 // 0 means "derive from PageSize", see pkg/btree.

// InternalMaxSize is the maximum number of keys a B+-tree internal node
// holds before it must split.
const InternalMaxSize = 0 // 0 means "derive from PageSize", see pkg/btree.

// DeadlockDetectionInterval is the period between successive cycle-detection
// sweeps run by the lock manager's background detector.
const DeadlockDetectionInterval = 50 // milliseconds

// LogFileName names the write-ahead log file.
const LogFileName = "db.log"
