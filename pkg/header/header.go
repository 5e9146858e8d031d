// Package header implements the page-0 header record that lets a B+-Tree
// index recover its root page number after being closed and reopened,
// without needing a separate catalog file. It follows the same record
// layout style (fixed-width varint fields) used throughout pkg/btree.
package header

import (
	"encoding/binary"
	"errors"

	"github.com/blitzdb/storage/pkg/buffer"
)

// PageNum is the reserved page that stores header records. Every B+-Tree
// index's data file dedicates its first page to this record, the same way BusTub
// reserves page 0 for its HeaderPage.
const PageNum int64 = 0

// InvalidRootPN marks an index whose B+-Tree is currently empty.
const InvalidRootPN int64 = -1

// ErrRecordsTooLarge reports that the set of {name -> root page} records
// grew too large to fit in a single page.
var ErrRecordsTooLarge = errors.New("header: index records do not fit in the header page")

// Init resets page to an empty header page holding no records.
func Init(page *buffer.Frame) {
	_ = writeRecords(page, map[string]int64{})
}

// GetRoot returns the root page number recorded for name, and whether a
// record for name was present at all.
func GetRoot(page *buffer.Frame, name string) (int64, bool) {
	records := readRecords(page)
	rootPN, ok := records[name]
	return rootPN, ok
}

// SetRoot records rootPN as name's root page number, creating the record
// if it didn't already exist.
func SetRoot(page *buffer.Frame, name string, rootPN int64) error {
	records := readRecords(page)
	records[name] = rootPN
	return writeRecords(page, records)
}

// readRecords decodes the {name -> root page} records stored in page.
func readRecords(page *buffer.Frame) map[string]int64 {
	data := page.GetData()
	numRecords, n := binary.Varint(data)
	if n <= 0 || numRecords <= 0 {
		return map[string]int64{}
	}
	pos := n
	records := make(map[string]int64, numRecords)
	for i := int64(0); i < numRecords; i++ {
		nameLen, n := binary.Varint(data[pos:])
		if n <= 0 {
			break
		}
		pos += n
		name := string(data[pos : pos+int(nameLen)])
		pos += int(nameLen)
		rootPN, n := binary.Varint(data[pos:])
		if n <= 0 {
			break
		}
		pos += n
		records[name] = rootPN
	}
	return records
}

// writeRecords serializes records into page as
// [count][nameLen, name, rootPN]*, zero-padding the remainder of the page.
func writeRecords(page *buffer.Frame, records map[string]int64) error {
	buf := make([]byte, 0, buffer.PageSize)
	tmp := make([]byte, binary.MaxVarintLen64)

	n := binary.PutVarint(tmp, int64(len(records)))
	buf = append(buf, tmp[:n]...)
	for name, rootPN := range records {
		n = binary.PutVarint(tmp, int64(len(name)))
		buf = append(buf, tmp[:n]...)
		buf = append(buf, []byte(name)...)
		n = binary.PutVarint(tmp, rootPN)
		buf = append(buf, tmp[:n]...)
	}
	if int64(len(buf)) > buffer.PageSize {
		return ErrRecordsTooLarge
	}
	full := make([]byte, buffer.PageSize)
	copy(full, buf)
	page.Update(full, 0, buffer.PageSize)
	return nil
}
