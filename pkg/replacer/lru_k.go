// Package replacer implements the LRU-K frame eviction policy used by the
// buffer pool manager.
package replacer

import (
	"sync"

	"github.com/blitzdb/storage/pkg/list"
)

// entry tracks one frame's access history bookkeeping.
type entry struct {
	accessCount int64
	evictable   bool
	link        *list.Link // this frame's Link in either historyList or cacheList
}

// LRUK implements the LRU-K replacement policy: a frame with fewer than k
// accesses has an infinite backward k-distance and is preferred for
// eviction over any frame with k or more accesses, in FIFO order amongst
// infinite-distance frames and LRU order amongst the rest.
type LRUK struct {
	k           int64
	size        int64 // number of evictable frames
	historyList *list.List // frames seen fewer than k times, oldest access at tail
	cacheList   *list.List // frames seen k+ times, least recently used at tail
	entries     map[int64]*entry
	mtx         sync.Mutex
}

// New constructs an LRUK replacer tracking up to numFrames distinct frame
// ids, evicting based on the k most recent accesses.
func New(numFrames int, k int64) *LRUK {
	return &LRUK{
		k:           k,
		historyList: list.NewList(),
		cacheList:   list.NewList(),
		entries:     make(map[int64]*entry, numFrames),
	}
}

// RecordAccess notes that frameID was accessed, promoting it from the
// history list to the cache list once it has been seen k times.
func (r *LRUK) RecordAccess(frameID int64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	e, ok := r.entries[frameID]
	if !ok {
		e = &entry{}
		r.entries[frameID] = e
	}
	e.accessCount++
	switch {
	case e.accessCount == 1:
		e.link = r.historyList.PushHead(frameID)
	case e.accessCount == r.k:
		e.link.PopSelf()
		e.link = r.cacheList.PushHead(frameID)
	case e.accessCount > r.k:
		e.link.PopSelf()
		e.link = r.cacheList.PushHead(frameID)
	}
}

// SetEvictable marks a frame as eligible (or ineligible) for eviction.
func (r *LRUK) SetEvictable(frameID int64, evictable bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	e, ok := r.entries[frameID]
	if !ok {
		return
	}
	if e.evictable && !evictable {
		r.size--
	} else if !e.evictable && evictable {
		r.size++
	}
	e.evictable = evictable
}

// Remove drops all access history for an evictable frame, e.g. once it has
// been explicitly deleted from the buffer pool.
func (r *LRUK) Remove(frameID int64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	e, ok := r.entries[frameID]
	if !ok || !e.evictable {
		return
	}
	e.link.PopSelf()
	r.size--
	delete(r.entries, frameID)
}

// Evict selects a frame with the largest backward k-distance among
// evictable frames, removes its history, and returns its id.
func (r *LRUK) Evict() (frameID int64, found bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	// Prefer the oldest infinite-distance (less-than-k-accesses) frame.
	for link := r.historyList.PeekTail(); link != nil; link = link.GetPrev() {
		id := link.GetValue().(int64)
		if r.entries[id].evictable {
			link.PopSelf()
			delete(r.entries, id)
			r.size--
			return id, true
		}
	}
	for link := r.cacheList.PeekTail(); link != nil; link = link.GetPrev() {
		id := link.GetValue().(int64)
		if r.entries[id].evictable {
			link.PopSelf()
			delete(r.entries, id)
			r.size--
			return id, true
		}
	}
	return 0, false
}

// Size returns the number of currently evictable frames.
func (r *LRUK) Size() int64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.size
}
