package database

import (
	"github.com/blitzdb/storage/pkg/cursor"
	"github.com/blitzdb/storage/pkg/entry"
	"github.com/blitzdb/storage/pkg/buffer"
	"io"
)

// IndexType represents either a B+Tree or a Hash Table.
type IndexType string

const (
	BTreeIndexType IndexType = "btree"
	HashIndexType  IndexType = "hash"
)

// Index interface.
type Index interface {
	Close() error
	GetName() string
	GetPager() *buffer.Manager
	Find(int64) (entry.Entry, error)
	Insert(int64, int64) error
	Update(int64, int64) error
	Delete(int64) error
	Select() ([]entry.Entry, error)
	Print(io.Writer)
	PrintPN(int, io.Writer)
	CursorAtStart() (cursor.Cursor, error)
}
