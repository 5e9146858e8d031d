// Package disk implements bit-exact sector I/O for a database's data file
// and its append-only log file.
package disk

import (
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/blitzdb/storage/pkg/config"

	"github.com/ncw/directio"
	"github.com/sirupsen/logrus"
)

// PageSize is the size in bytes of a single page.
const PageSize = config.PageSize

// errShortRead reports that a read ran past the end of the data file; the
// caller's buffer has been zero-filled and this is logged, not returned.
var errShortRead = errors.New("disk: read past end of file")

// Manager owns the on-disk data file and log file for a single database,
// serializing all I/O with one mutex per file handle.
type Manager struct {
	dataFile *os.File
	dataMtx  sync.Mutex
	numPages int64

	logFile *os.File
	logMtx  sync.Mutex

	writes int64
	reads  int64

	log *logrus.Logger
}

// New constructs a Manager backed by a data file and a log file rooted at
// dbPath. Both files are created if absent.
func New(dbPath string, logPath string) (*Manager, error) {
	m := &Manager{log: logrus.StandardLogger()}
	if err := m.openData(dbPath); err != nil {
		return nil, err
	}
	if err := m.openLog(logPath); err != nil {
		m.dataFile.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) openData(path string) error {
	if idx := strings.LastIndex(path, "/"); idx != -1 {
		if err := os.MkdirAll(path[:idx], 0775); err != nil {
			return err
		}
	}
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if info.Size()%PageSize != 0 {
		f.Close()
		return errors.New("disk: data file is not page-aligned, it may be corrupted")
	}
	m.dataFile = f
	m.numPages = info.Size() / PageSize
	return nil
}

func (m *Manager) openLog(path string) error {
	if idx := strings.LastIndex(path, "/"); idx != -1 {
		if err := os.MkdirAll(path[:idx], 0775); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	m.logFile = f
	return nil
}

// AllocatePage reserves and returns the next page id beyond the end of the
// file; the page is not written to disk until WritePage is called.
func (m *Manager) AllocatePage() int64 {
	m.dataMtx.Lock()
	defer m.dataMtx.Unlock()
	pn := m.numPages
	m.numPages++
	return pn
}

// NumPages returns the number of pages currently allocated.
func (m *Manager) NumPages() int64 {
	m.dataMtx.Lock()
	defer m.dataMtx.Unlock()
	return m.numPages
}

// WritePage performs an atomic positional write of data (which must be
// exactly PageSize bytes) at pageID * PageSize.
func (m *Manager) WritePage(pageID int64, data []byte) error {
	if int64(len(data)) != PageSize {
		return errors.New("disk: page buffer is not PageSize bytes")
	}
	m.dataMtx.Lock()
	defer m.dataMtx.Unlock()
	if _, err := m.dataFile.WriteAt(data, pageID*PageSize); err != nil {
		return err
	}
	m.writes++
	return nil
}

// ReadPage performs a positional read of PageSize bytes into out. If the
// file is shorter than (pageID+1)*PageSize, the tail of out is zero-filled
// and a warning is logged; this is not a returned error.
func (m *Manager) ReadPage(pageID int64, out []byte) error {
	if int64(len(out)) != PageSize {
		return errors.New("disk: page buffer is not PageSize bytes")
	}
	m.dataMtx.Lock()
	defer m.dataMtx.Unlock()
	n, err := m.dataFile.ReadAt(out, pageID*PageSize)
	m.reads++
	if n < len(out) {
		for i := n; i < len(out); i++ {
			out[i] = 0
		}
		m.log.WithFields(logrus.Fields{"page_id": pageID, "bytes_read": n}).Warn(errShortRead)
		return nil
	}
	if err != nil {
		return err
	}
	return nil
}

// WriteLog appends data to the log file.
func (m *Manager) WriteLog(data []byte) error {
	m.logMtx.Lock()
	defer m.logMtx.Unlock()
	_, err := m.logFile.Write(data)
	return err
}

// ReadLog reads size bytes from the log file starting at offset.
func (m *Manager) ReadLog(offset int64, size int64) ([]byte, error) {
	m.logMtx.Lock()
	defer m.logMtx.Unlock()
	buf := make([]byte, size)
	n, err := m.logFile.ReadAt(buf, offset)
	if n < len(buf) {
		buf = buf[:n]
	}
	return buf, err
}

// DataFileName returns the path of the backing data file.
func (m *Manager) DataFileName() string {
	return m.dataFile.Name()
}

// Close flushes and closes both file handles.
func (m *Manager) Close() error {
	if err := m.dataFile.Close(); err != nil {
		return err
	}
	return m.logFile.Close()
}
