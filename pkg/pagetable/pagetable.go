// Package pagetable implements the buffer pool manager's page table: an
// in-memory extendible hash table mapping page ids to frame ids.
//
// Unlike pkg/hash's on-disk hash index, this directory never touches disk;
// it exists purely to give the buffer pool O(1) page_id -> frame_id lookup.
// Splits complete entirely under the table's single lock, never releasing
// and reacquiring it mid-split.
package pagetable

import (
	"sync"

	"github.com/cespare/xxhash"
)

const bucketCapacity = 4

type bucketEntry struct {
	pageID  int64
	frameID int64
}

type bucket struct {
	localDepth int
	entries    []bucketEntry
}

func newBucket(depth int) *bucket {
	return &bucket{localDepth: depth, entries: make([]bucketEntry, 0, bucketCapacity)}
}

func (b *bucket) find(pageID int64) (int64, bool) {
	for _, e := range b.entries {
		if e.pageID == pageID {
			return e.frameID, true
		}
	}
	return 0, false
}

func (b *bucket) remove(pageID int64) bool {
	for i, e := range b.entries {
		if e.pageID == pageID {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return true
		}
	}
	return false
}

// PageTable is an in-memory extendible hash table keyed by page id.
type PageTable struct {
	globalDepth int
	directory   []*bucket
	mtx         sync.Mutex
}

// New constructs an empty page table.
func New() *PageTable {
	depth := 1
	dir := make([]*bucket, 1<<depth)
	b0, b1 := newBucket(depth), newBucket(depth)
	dir[0], dir[1] = b0, b1
	return &PageTable{globalDepth: depth, directory: dir}
}

func hash(pageID int64) uint64 {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(pageID >> (8 * i))
	}
	return xxhash.Sum64(buf[:])
}

func (t *PageTable) index(pageID int64) uint64 {
	return hash(pageID) & ((1 << uint(t.globalDepth)) - 1)
}

// Find returns the frame id holding pageID, if present.
func (t *PageTable) Find(pageID int64) (int64, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	b := t.directory[t.index(pageID)]
	return b.find(pageID)
}

// Remove deletes the page id's mapping, if present.
func (t *PageTable) Remove(pageID int64) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	b := t.directory[t.index(pageID)]
	b.remove(pageID)
}

// Insert maps pageID to frameID, splitting and doubling the directory as
// needed. The whole operation holds the table's lock for its entirety.
func (t *PageTable) Insert(pageID int64, frameID int64) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	idx := t.index(pageID)
	b := t.directory[idx]
	if _, ok := b.find(pageID); ok {
		for i := range b.entries {
			if b.entries[i].pageID == pageID {
				b.entries[i].frameID = frameID
				return
			}
		}
	}
	if len(b.entries) < bucketCapacity {
		b.entries = append(b.entries, bucketEntry{pageID, frameID})
		return
	}
	t.split(b)
	// Retry insertion into the (now smaller) bucket the key maps to.
	idx = t.index(pageID)
	t.directory[idx].entries = append(t.directory[idx].entries, bucketEntry{pageID, frameID})
}

// split grows a full bucket's local depth, doubling the global directory
// first if needed, then redistributes its entries. Entirely internal to
// Insert's critical section: no lock is released or reacquired here.
func (t *PageTable) split(b *bucket) {
	if b.localDepth == t.globalDepth {
		t.directory = append(t.directory, t.directory...)
		t.globalDepth++
	}
	newDepth := b.localDepth + 1
	sibling := newBucket(newDepth)
	b.localDepth = newDepth

	old := b.entries
	b.entries = b.entries[:0]
	// Repoint every directory slot that pointed at b and now hashes to the
	// sibling's half of the (possibly just-doubled) directory.
	splitBit := int64(1) << uint(b.localDepth-1)
	for i := range t.directory {
		if t.directory[i] != b {
			continue
		}
		if int64(i)&splitBit != 0 {
			t.directory[i] = sibling
		}
	}
	for _, e := range old {
		if hash(e.pageID)&uint64(splitBit) != 0 {
			sibling.entries = append(sibling.entries, e)
		} else {
			b.entries = append(b.entries, e)
		}
	}
}
