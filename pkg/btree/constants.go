package btree

import (
	"github.com/blitzdb/storage/pkg/buffer"
	"github.com/blitzdb/storage/pkg/config"
	"encoding/binary"
)

// Entry constants.
const ENTRYSIZE int64 = binary.MaxVarintLen64 * 2

// Node header constants.
const (
	NODETYPE_OFFSET  int64 = 0
	NODETYPE_SIZE    int64 = 1
	NUM_KEYS_OFFSET  int64 = NODETYPE_OFFSET + NODETYPE_SIZE
	NUM_KEYS_SIZE    int64 = binary.MaxVarintLen64
	NODE_HEADER_SIZE int64 = NODETYPE_SIZE + NUM_KEYS_SIZE
)

// Leaf node header constants.
const (
	RIGHT_SIBLING_PN_OFFSET int64 = NODE_HEADER_SIZE
	RIGHT_SIBLING_PN_SIZE   int64 = binary.MaxVarintLen64
	LEAF_NODE_HEADER_SIZE   int64 = NODE_HEADER_SIZE + RIGHT_SIBLING_PN_SIZE

	// DefaultEntriesPerLeafNode is the most entries a leaf node's on-disk
	// layout can physically hold; it bounds how large config.LeafMaxSize
	// may push ENTRIES_PER_LEAF_NODE.
	DefaultEntriesPerLeafNode int64 = ((buffer.PageSize - LEAF_NODE_HEADER_SIZE) / ENTRYSIZE) - 1
)

// Internal node header constants.
const (
	KEY_SIZE                  int64 = binary.MaxVarintLen64
	PN_SIZE                   int64 = binary.MaxVarintLen64
	INTERNAL_NODE_HEADER_SIZE int64 = NODE_HEADER_SIZE
	ptrSpace                  int64 = buffer.PageSize - INTERNAL_NODE_HEADER_SIZE - KEY_SIZE

	// DefaultKeysPerInternalNode is the most child pointers an internal
	// node's on-disk layout can physically hold; it bounds how large
	// config.InternalMaxSize may push KEYS_PER_INTERNAL_NODE.
	DefaultKeysPerInternalNode int64 = (ptrSpace / (KEY_SIZE + PN_SIZE)) - 1

	// KEYS_SIZE and PNS_OFFSET size the on-disk layout for the maximum
	// physically possible fanout, independent of any configured override,
	// since every internal page is allocated at a fixed PageSize.
	KEYS_OFFSET int64 = INTERNAL_NODE_HEADER_SIZE
	KEYS_SIZE   int64 = KEY_SIZE * (DefaultKeysPerInternalNode + 1)
	PNS_OFFSET  int64 = KEYS_OFFSET + KEYS_SIZE
)

// ENTRIES_PER_LEAF_NODE and KEYS_PER_INTERNAL_NODE are the effective, live
// node capacities used by split/merge/redistribute decisions. They default
// to the page's physical capacity but honor config.LeafMaxSize and
// config.InternalMaxSize when those are configured to a smaller, nonzero
// value (e.g. so tests can exercise splits/merges without needing
// thousands of entries to fill a page). They are package vars rather than
// consts so tests can override them directly.
var (
	ENTRIES_PER_LEAF_NODE  int64 = effectiveMaxSize(config.LeafMaxSize, DefaultEntriesPerLeafNode)
	KEYS_PER_INTERNAL_NODE int64 = effectiveMaxSize(config.InternalMaxSize, DefaultKeysPerInternalNode)
)

// effectiveMaxSize returns configured if it is a positive value no greater
// than the physical maximum, and otherwise falls back to def.
func effectiveMaxSize(configured, def int64) int64 {
	if configured > 0 && configured <= def {
		return configured
	}
	return def
}

// [CONCURRENCY]
var SUPER_NODE = &InternalNode{NodeHeader: NodeHeader{INTERNAL_NODE, 0, &buffer.Frame{}}}
