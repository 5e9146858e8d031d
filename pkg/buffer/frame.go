package buffer

import (
	"sync"
	"sync/atomic"
)

// NoPage is the page id held by a frame that currently backs no page.
const NoPage int64 = -1

// Frame caches one page's worth of data in memory, plus the metadata the
// buffer pool manager needs to track its lifecycle.
type Frame struct {
	owner    *Manager     // the buffer pool manager this frame belongs to
	id       int64        // this frame's slot index within the pool, stable for its lifetime
	pageID   int64        // the page currently cached here, or NoPage
	pinCount atomic.Int64 // number of active references to this frame's page
	dirty    bool
	rwlock   sync.RWMutex
	data     []byte
}

// GetPager returns the buffer pool manager that owns this frame.
func (f *Frame) GetPager() *Manager {
	return f.owner
}

// GetPageNum returns the page id currently cached in this frame.
func (f *Frame) GetPageNum() int64 {
	return f.pageID
}

// IsDirty reports whether the frame's data differs from what is on disk.
func (f *Frame) IsDirty() bool {
	return f.dirty
}

// SetDirty changes the dirty status of the frame.
func (f *Frame) SetDirty(dirty bool) {
	f.dirty = dirty
}

// GetData returns the frame's raw page bytes.
func (f *Frame) GetData() []byte {
	return f.data
}

// Update overwrites size bytes of the frame's data at offset and marks it
// dirty.
func (f *Frame) Update(data []byte, offset int64, size int64) {
	f.dirty = true
	copy(f.data[offset:offset+size], data)
}

func (f *Frame) pin() {
	f.pinCount.Add(1)
}

func (f *Frame) unpin() int64 {
	return f.pinCount.Add(-1)
}

// WLock grabs a writer's lock on the frame.
func (f *Frame) WLock() { f.rwlock.Lock() }

// WUnlock releases a writer's lock on the frame.
func (f *Frame) WUnlock() { f.rwlock.Unlock() }

// RLock grabs a reader's lock on the frame.
func (f *Frame) RLock() { f.rwlock.RLock() }

// RUnlock releases a reader's lock on the frame.
func (f *Frame) RUnlock() { f.rwlock.RUnlock() }
