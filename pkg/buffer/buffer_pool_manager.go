// Package buffer implements the buffer pool manager: the cache of on-disk
// pages held in memory, backed by an LRU-K eviction policy and an
// extendible-hash page table.
package buffer

import (
	"errors"
	"path/filepath"
	"sync"

	"github.com/blitzdb/storage/pkg/config"
	"github.com/blitzdb/storage/pkg/disk"
	"github.com/blitzdb/storage/pkg/list"
	"github.com/blitzdb/storage/pkg/pagetable"
	"github.com/blitzdb/storage/pkg/replacer"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// PageSize is the size in bytes of a single page.
const PageSize = config.PageSize

// ErrRanOutOfPages reports that every frame in the pool is pinned, so no
// page can be fetched or created until one is unpinned.
var ErrRanOutOfPages = errors.New("buffer: no available frames")

// Manager is the buffer pool manager: it mediates all access to on-disk
// pages, fetching, pinning, evicting, and flushing frames on callers'
// behalf.
type Manager struct {
	disk      *disk.Manager
	frames    []*Frame
	free      *list.List // frame ids (int64) not currently backing any page
	occupied  *bitset.BitSet
	replacer  *replacer.LRUK
	pageTable *pagetable.PageTable
	mtx       sync.Mutex
	log       *logrus.Logger
}

// New constructs a Manager with poolSize frames, backed by the given disk
// manager.
func New(diskManager *disk.Manager, poolSize int) *Manager {
	bm := &Manager{
		disk:      diskManager,
		frames:    make([]*Frame, poolSize),
		free:      list.NewList(),
		occupied:  bitset.New(uint(poolSize)),
		replacer:  replacer.New(poolSize, config.ReplacerK),
		pageTable: pagetable.New(),
		log:       logrus.StandardLogger(),
	}
	for i := 0; i < poolSize; i++ {
		bm.frames[i] = &Frame{owner: bm, id: int64(i), pageID: NoPage, data: make([]byte, PageSize)}
		bm.free.PushTail(int64(i))
	}
	return bm
}

// Open opens (creating if absent) a database file at dbFilePath, backing
// it with a buffer pool of config.BufferPoolSize frames. This is the usual
// entry point for indexes constructing their own storage.
func Open(dbFilePath string) (*Manager, error) {
	logPath := filepath.Join(filepath.Dir(dbFilePath), config.LogFileName)
	diskManager, err := disk.New(dbFilePath, logPath)
	if err != nil {
		return nil, err
	}
	return New(diskManager, config.BufferPoolSize), nil
}

// GetFileName returns the data file name backing this buffer pool.
func (bm *Manager) GetFileName() string {
	return bm.disk.DataFileName()
}

// GetNumPages returns the number of pages currently allocated on disk.
func (bm *Manager) GetNumPages() int64 {
	return bm.disk.NumPages()
}

// grabFrame returns a free frame, or evicts one via the replacer. Caller
// must hold bm.mtx.
func (bm *Manager) grabFrame() (*Frame, error) {
	if link := bm.free.PeekHead(); link != nil {
		link.PopSelf()
		id := link.GetValue().(int64)
		return bm.frames[id], nil
	}
	frameID, ok := bm.replacer.Evict()
	if !ok {
		return nil, ErrRanOutOfPages
	}
	victim := bm.frames[frameID]
	if victim.IsDirty() {
		if err := bm.disk.WritePage(victim.pageID, victim.data); err != nil {
			return nil, err
		}
	}
	bm.pageTable.Remove(victim.pageID)
	bm.occupied.Clear(uint(frameID))
	return victim, nil
}

// NewPage allocates a brand new page on disk and returns the pinned frame
// caching it.
func (bm *Manager) NewPage() (*Frame, error) {
	bm.mtx.Lock()
	defer bm.mtx.Unlock()
	frame, err := bm.grabFrame()
	if err != nil {
		return nil, err
	}
	pageID := bm.disk.AllocatePage()
	frame.pageID = pageID
	frame.dirty = true
	frame.pinCount.Store(1)
	for i := range frame.data {
		frame.data[i] = 0
	}
	bm.pageTable.Insert(pageID, frame.id)
	bm.occupied.Set(uint(frame.id))
	bm.replacer.RecordAccess(frame.id)
	bm.replacer.SetEvictable(frame.id, false)
	return frame, nil
}

// FetchPage returns the frame caching pageID, reading it from disk if it
// is not already resident.
func (bm *Manager) FetchPage(pageID int64) (*Frame, error) {
	bm.mtx.Lock()
	defer bm.mtx.Unlock()
	if frameID, ok := bm.pageTable.Find(pageID); ok {
		frame := bm.frames[frameID]
		frame.pin()
		bm.replacer.RecordAccess(frameID)
		bm.replacer.SetEvictable(frameID, false)
		return frame, nil
	}
	frame, err := bm.grabFrame()
	if err != nil {
		return nil, err
	}
	frame.pageID = pageID
	frame.dirty = false
	frame.pinCount.Store(1)
	if err := bm.disk.ReadPage(pageID, frame.data); err != nil {
		bm.free.PushTail(frame.id)
		return nil, err
	}
	bm.pageTable.Insert(pageID, frame.id)
	bm.occupied.Set(uint(frame.id))
	bm.replacer.RecordAccess(frame.id)
	bm.replacer.SetEvictable(frame.id, false)
	return frame, nil
}

// UnpinPage releases a reference to a frame. Once its pin count reaches
// zero, it becomes eligible for eviction. Callers that modified a frame's
// data mark it dirty themselves via Frame.Update before unpinning.
func (bm *Manager) UnpinPage(frame *Frame) error {
	bm.mtx.Lock()
	defer bm.mtx.Unlock()
	count := frame.unpin()
	if count < 0 {
		return errors.New("buffer: pin count for frame is negative")
	}
	if count == 0 {
		bm.replacer.SetEvictable(frame.id, true)
	}
	return nil
}

// FlushPage writes a frame's data to disk if dirty.
func (bm *Manager) FlushPage(frame *Frame) error {
	if !frame.IsDirty() {
		return nil
	}
	if err := bm.disk.WritePage(frame.pageID, frame.data); err != nil {
		return err
	}
	frame.SetDirty(false)
	return nil
}

// FlushAllPages flushes every occupied, dirty frame to disk concurrently,
// returning the first error encountered, if any.
func (bm *Manager) FlushAllPages() error {
	bm.mtx.Lock()
	frames := make([]*Frame, 0, len(bm.frames))
	for i, f := range bm.frames {
		if bm.occupied.Test(uint(i)) {
			frames = append(frames, f)
		}
	}
	bm.mtx.Unlock()

	var g errgroup.Group
	for _, f := range frames {
		f := f
		g.Go(func() error {
			f.RLock()
			defer f.RUnlock()
			return bm.FlushPage(f)
		})
	}
	return g.Wait()
}

// DeletePage removes pageID from the pool entirely, returning it to the
// free list. It is an error to delete a page that is still pinned.
func (bm *Manager) DeletePage(pageID int64) error {
	bm.mtx.Lock()
	defer bm.mtx.Unlock()
	frameID, ok := bm.pageTable.Find(pageID)
	if !ok {
		return nil
	}
	frame := bm.frames[frameID]
	if frame.pinCount.Load() > 0 {
		return errors.New("buffer: cannot delete a pinned page")
	}
	bm.pageTable.Remove(pageID)
	bm.occupied.Clear(uint(frameID))
	bm.replacer.Remove(frameID)
	frame.pageID = NoPage
	frame.dirty = false
	bm.free.PushTail(frameID)
	return nil
}

// Close flushes all dirty pages and closes the backing disk manager.
func (bm *Manager) Close() error {
	if err := bm.FlushAllPages(); err != nil {
		return err
	}
	return bm.disk.Close()
}
