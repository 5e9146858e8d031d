package btree

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/blitzdb/storage/pkg/entry"
	"github.com/blitzdb/storage/pkg/buffer"
	"github.com/blitzdb/storage/pkg/header"
)

// BTreeIndex is an index that uses a B+Tree as it's underlying data structure
type BTreeIndex struct {
	pager  *buffer.Manager // The pager used to store the B+Tree's data.
	name   string          // This index's name, used as its key in the header page.
	rootPN int64           // The pagenum of this B+Tree's root node, or header.InvalidRootPN if empty.
}

// OpenIndex returns a BTreeIndex that stores its data in a file with the given name.
// If the file doesn't exist or is empty, creates and returns a BTreeIndex with an empty B+Tree.
//
// Page 0 of the file is reserved for a header record mapping this index's
// name to its current root page number, so that reopening the same file
// recovers the root without scanning for it.
func OpenIndex(filename string) (*BTreeIndex, error) {
	// Create a pager for the B+Tree
	pager, err := buffer.Open(filename)
	if err != nil {
		return nil, err
	}
	indexName := filepath.Base(filename)
	// Initialize the header page if it's new.
	if pager.GetNumPages() == 0 {
		headerPage, err := pager.NewPage()
		if err != nil {
			return nil, err
		}
		if headerPage.GetPageNum() != header.PageNum {
			pager.UnpinPage(headerPage)
			return nil, errors.New("header page was not allocated at page 0")
		}
		header.Init(headerPage)
		pager.UnpinPage(headerPage)
	}
	headerPage, err := pager.FetchPage(header.PageNum)
	if err != nil {
		return nil, err
	}
	rootPN, found := header.GetRoot(headerPage, indexName)
	if !found {
		rootPN = header.InvalidRootPN
		if err := header.SetRoot(headerPage, indexName, rootPN); err != nil {
			pager.UnpinPage(headerPage)
			return nil, err
		}
	}
	pager.UnpinPage(headerPage)
	return &BTreeIndex{pager: pager, name: indexName, rootPN: rootPN}, nil
}

// setRootPN persists newRootPN as this index's root page number in the
// header page, and updates the in-memory copy. The caller must hold
// SUPER_NODE's write latch.
func (index *BTreeIndex) setRootPN(newRootPN int64) error {
	headerPage, err := index.pager.FetchPage(header.PageNum)
	if err != nil {
		return err
	}
	defer index.pager.UnpinPage(headerPage)
	if err := header.SetRoot(headerPage, index.name, newRootPN); err != nil {
		return err
	}
	index.rootPN = newRootPN
	return nil
}

// fetchRootPage fetches the current root page without creating one. The
// caller must hold SUPER_NODE's write latch before calling, and is
// responsible for unpinning the returned page.
func (index *BTreeIndex) fetchRootPage() (*buffer.Frame, error) {
	if index.rootPN == header.InvalidRootPN {
		return nil, errors.New("btree: index is empty")
	}
	return index.pager.FetchPage(index.rootPN)
}

// fetchOrCreateRootPage fetches the current root page, creating a fresh
// leaf root (and recording it in the header page) if the tree is
// currently empty. The caller must hold SUPER_NODE's write latch before
// calling, and is responsible for unpinning the returned page.
func (index *BTreeIndex) fetchOrCreateRootPage() (*buffer.Frame, error) {
	if index.rootPN != header.InvalidRootPN {
		return index.pager.FetchPage(index.rootPN)
	}
	rootPage, err := index.pager.NewPage()
	if err != nil {
		return nil, err
	}
	initPage(rootPage, LEAF_NODE)
	rootNode := pageToLeafNode(rootPage)
	rootNode.setRightSibling(-1)
	if err := index.setRootPN(rootPage.GetPageNum()); err != nil {
		index.pager.UnpinPage(rootPage)
		return nil, err
	}
	return rootPage, nil
}

// GetName returns the base file name of the file backing this index's pager.
func (index *BTreeIndex) GetName() string {
	return filepath.Base(index.pager.GetFileName())
}

// Get this index's pager.
func (index *BTreeIndex) GetPager() *buffer.Manager {
	return index.pager
}

// Close flushes all changes to disk.
func (index *BTreeIndex) Close() (err error) {
	err = index.pager.Close()
	return err
}

// Find returns the entry associated with the given key, or an error if
// no entry with that key is found.
func (index *BTreeIndex) Find(key int64) (entry.Entry, error) {
	// [CONCURRENCY] Lock the super node while we decide whether a root exists.
	SUPER_NODE.page.WLock()
	rootPage, err := index.fetchRootPage()
	if err != nil {
		SUPER_NODE.page.WUnlock()
		return entry.Entry{}, fmt.Errorf("no entry with key %d was found", key)
	}
	// [CONCURRENCY] Lock and eventually unlock the root node.
	rootPage.WLock()
	rootNode := pageToNode(rootPage)
	initRootNode(rootNode)
	defer unsafeUnlockRoot(rootNode)
	defer index.pager.UnpinPage(rootPage)
	// Start the lookup process on the root node
	value, found := rootNode.get(key)
	if found {
		return entry.New(key, value), nil
	}
	return entry.Entry{}, fmt.Errorf("no entry with key %d was found", key)
}

// Insert inserts a key-value entry into the B+Tree,
// returning an error if there is a problem with the insertion or splitting process.
func (index *BTreeIndex) Insert(key int64, value int64) error {
	// [CONCURRENCY] Lock the super node while we might install a new root.
	SUPER_NODE.page.WLock()
	rootPage, err := index.fetchOrCreateRootPage()
	if err != nil {
		SUPER_NODE.page.WUnlock()
		return err
	}
	// [CONCURRENCY] Lock and eventually unlock the root node.
	rootPage.WLock()
	rootNode := pageToNode(rootPage)
	initRootNode(rootNode)
	defer unsafeUnlockRoot(rootNode)
	defer index.pager.UnpinPage(rootPage)
	// Insert the entry into the root node.
	result, err := rootNode.insert(key, value, false)
	if err != nil || !result.isSplit {
		return err
	}
	// Split the root node.
	// [CONCURRENCY]
	// The root already unlocked its own page as part of splitting (see
	// LeafNode.insert and InternalNode.insert), but since it could split it
	// never called unlockParents(), so the super node is still locked; the
	// root's parent pointer is now nil, so unsafeUnlockRoot() won't release
	// the super node either. Release it once the new root is installed below.
	defer SUPER_NODE.unlock()
	// Create a brand new root page pointing at the split's two halves;
	// record it as the index's root in the header page.
	newRootPage, err := index.pager.NewPage()
	if err != nil {
		return errors.New("failed to create new root")
	}
	defer index.pager.UnpinPage(newRootPage)
	initPage(newRootPage, INTERNAL_NODE)
	newRoot := pageToInternalNode(newRootPage)
	newRoot.updateKeyAt(0, result.key)
	newRoot.updatePNAt(0, result.leftPN)
	newRoot.updatePNAt(1, result.rightPN)
	newRoot.updateNumKeys(1)
	return index.setRootPN(newRootPage.GetPageNum())
}

// Update modifies the value associated with an existing key.
func (index *BTreeIndex) Update(key int64, value int64) error {
	// [CONCURRENCY] Lock the super node while we decide whether a root exists.
	SUPER_NODE.page.WLock()
	rootPage, err := index.fetchRootPage()
	if err != nil {
		SUPER_NODE.page.WUnlock()
		return errors.New("cannot update non-existent entry")
	}
	// [CONCURRENCY] Lock and eventually unlock the root node.
	rootPage.WLock()
	rootNode := pageToNode(rootPage)
	initRootNode(rootNode)
	defer unsafeUnlockRoot(rootNode)
	defer index.pager.UnpinPage(rootPage)
	// Update the entry.
	_, err = rootNode.insert(key, value, true)
	return err
}

// Delete removes the entry with the given key from the B+Tree, merging or
// redistributing underflowing nodes as needed and collapsing the root if
// it empties out or is reduced to a single child.
func (index *BTreeIndex) Delete(key int64) error {
	// [CONCURRENCY] Lock the super node while we decide whether the root
	// itself needs replacing.
	SUPER_NODE.page.WLock()
	rootPage, err := index.fetchRootPage()
	if err != nil {
		SUPER_NODE.page.WUnlock()
		// Deleting from an empty tree is a no-op.
		return nil
	}
	rootPage.WLock()
	rootNode := pageToNode(rootPage)
	initRootNode(rootNode)

	// [CONCURRENCY] delete() never unlocks this node's own page, and only
	// releases the super node once it has determined the root cannot
	// collapse; unlockRootAfterDelete() finishes both unconditionally,
	// after any new root has been recorded via setRootPN.
	switch root := rootNode.(type) {
	case *LeafNode:
		root.delete(key)
		if root.numKeys == 0 {
			// The tree is now empty; drop the old root page entirely.
			index.pager.UnpinPage(rootPage)
			err := index.setRootPN(header.InvalidRootPN)
			unlockRootAfterDelete(root)
			if err != nil {
				return err
			}
			return index.pager.DeletePage(rootPage.GetPageNum())
		}
		unlockRootAfterDelete(root)
		index.pager.UnpinPage(rootPage)
	case *InternalNode:
		root.delete(key)
		if root.numKeys == 0 {
			// The root has been whittled down to a single child; that
			// child becomes the new root.
			childPN := root.getPNAt(0)
			index.pager.UnpinPage(rootPage)
			err := index.setRootPN(childPN)
			unlockRootAfterDelete(root)
			if err != nil {
				return err
			}
			return index.pager.DeletePage(rootPage.GetPageNum())
		}
		unlockRootAfterDelete(root)
		index.pager.UnpinPage(rootPage)
	}
	return nil
}

// Select returns a slice of all the entries in the B+Tree
// ordered by their keys.
func (index *BTreeIndex) Select() ([]entry.Entry, error) {
	/* SOLUTION {{{ */
	// Use a cursor to traverse the B+Tree from start to end
	entries := make([]entry.Entry, 0)
	// Get a cursor pointing to the first entry
	// Cursor returns locked
	cursor, err := index.CursorAtStart()
	

	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	// Traverse over all entries.
	for {
		entry, err := cursor.GetEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		if cursor.Next() {
			break
		}
	}

	return entries, nil
	/* SOLUTION }}} */
}

// SelectRange returns a slice of entries with keys between the startKey and endKey.
// startKey is inclusive, and endKey is exclusive --> [startKey, endKey).
// return an error if startKey >= endKey or some other error occurs
func (index *BTreeIndex) SelectRange(startKey int64, endKey int64) ([]entry.Entry, error) {
	/* SOLUTION {{{ */
	if startKey >= endKey {
		return nil, errors.New("startKey is not smaller than endKey")
	}
	ret := make([]entry.Entry, 0)
	c, err := index.CursorAt(startKey)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	// Get the first entry that the cursor is pointing at
	checkEntry, err := c.GetEntry()
	if err != nil {
		return nil, err
	}
	// Get all the desired entries by looping until endKey is reached/exceeded
	// or until we don't have any more entries
	for endKey > checkEntry.Key {
		ret = append(ret, checkEntry)
		if c.Next() {
			return ret, nil
		}
		checkEntry, err = c.GetEntry()
		if err != nil {
			return ret, nil
		}
	}
	return ret, nil
	/* SOLUTION }}} */
}

// Print will pretty-print all nodes in the B+Tree.
func (index *BTreeIndex) Print(w io.Writer) {
	if index.rootPN == header.InvalidRootPN {
		return
	}
	rootPage, err := index.pager.FetchPage(index.rootPN)
	if err != nil {
		return
	}
	defer index.pager.UnpinPage(rootPage)
	rootNode := pageToNode(rootPage)
	rootNode.printNode(w, "", "")
}

// PrintPN will pretty-print the node with page number PN.
func (index *BTreeIndex) PrintPN(pagenum int, w io.Writer) {
	page, err := index.pager.FetchPage(int64(pagenum))
	if err != nil {
		return
	}
	defer index.pager.UnpinPage(page)
	node := pageToNode(page)
	node.printNode(w, "", "")
}
