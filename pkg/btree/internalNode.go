package btree

import (
	"github.com/blitzdb/storage/pkg/buffer"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// InternalNode represents a non-leaf node in our B+Tree that stores search keys
// and pointers to child nodes to aid traversal.
type InternalNode struct {
	NodeHeader      // Embeds all NodeHeader fields.
	parent     Node // A pointer to the parent node (only used in CONCURRENCY for unlocking)
}

// insert finds the appropriate place in a leaf node to insert a new tuple.
// [CONCURRENCY]
// - Unlock parents if it is impossible to split in this operation
// - Continue with hand-over-hand locking with child node
func (node *InternalNode) insert(key int64, value int64, update bool) (Split, error) {
	// Insert the entry into the appropriate child node.
	// [CONCURRENCY] Unlock parents if it is impossible to split in this operation
	if !node.canSplit() {
		node.unlockParents()
	}
	childIdx := node.search(key)
	child, childErr := node.getAndLockChildAt(childIdx)
	node.initChild(child)
	if childErr != nil {
		return Split{}, childErr
	}

	pager := child.getPage().GetPager()
	defer pager.UnpinPage(child.getPage())
	// Insert value into the child.

	result, childErr := child.insert(key, value, update)
	if childErr != nil {
		node.unlockParents()
		return Split{}, childErr
	}
	// Insert a new key into our node if necessary.
	if result.isSplit {
		split, insertSplitErr := node.insertSplit(result)
		if(!split.isSplit) {
			node.unlockParents()
		}
		node.unlock()
		return split, insertSplitErr
	}
	node.unlockParents()
	// This is the case when there was no split and no child err
	return Split{}, nil
}

// insertSplit inserts a split result into an internal node.
// If this insertion results in another split, the split is cascaded upwards.
func (node *InternalNode) insertSplit(split Split) (Split, error) {
	/* SOLUTION {{{ */
	insertPos := node.search(split.key)
	// Shift keys to the right.
	for i := node.numKeys - 1; i >= insertPos; i-- {
		node.updateKeyAt(i+1, node.getKeyAt(i))
	}
	// Shift children to the right.
	for i := node.numKeys; i > insertPos; i-- {
		node.updatePNAt(i+1, node.getPNAt(i))
	}
	// Insert the new key and pagenumber at this position.
	node.updateKeyAt(insertPos, split.key)
	node.updatePNAt(insertPos+1, split.rightPN)
	node.updateNumKeys(node.numKeys + 1)
	// Check if we need to split.
	if node.numKeys >= KEYS_PER_INTERNAL_NODE {
		return node.split()
	}
	return Split{}, nil
	/* SOLUTION }}} */
}

// split is a helper function that splits an internal node, then propagates the split upwards.
func (node *InternalNode) split() (Split, error) {
	/* SOLUTION {{{ */
	// Create a new internal node to move half our keys to
	newNode, err := createInternalNode(node.page.GetPager())
	if err != nil {
		return Split{}, err
	}
	pager := newNode.getPage().GetPager()
	defer pager.UnpinPage(newNode.getPage())
	// Compute the midpoint index based on the number of children to move
	midpoint := (node.numKeys - 1) / 2
	// Transfer the keys to the right of the midpoint to the new node.
	for i := midpoint + 1; i < node.numKeys; i++ {
		newNode.updatePNAt(newNode.numKeys, node.getPNAt(i))
		newNode.updateKeyAt(newNode.numKeys, node.getKeyAt(i))
		newNode.updateNumKeys(newNode.numKeys + 1)
	}
	newNode.updatePNAt(newNode.numKeys, node.getPNAt(node.numKeys))

	middleKey := node.getKeyAt(midpoint)
	node.updateNumKeys(midpoint)
	// Propagate the split.
	return Split{
		isSplit: true,
		key:     middleKey,
		leftPN:  node.page.GetPageNum(),
		rightPN: newNode.page.GetPageNum(),
	}, nil
	/* SOLUTION }}} */
}

// delete removes a given tuple from the tree rooted at this node, if the
// given key exists, fixing up any sibling that underflows as a result.
// CONCURRENCY:
// - Unlock parents if it is impossible for this node to underflow as a
//   result of a child merging into one of its siblings
// - This node's own page is left locked for the caller to unlock
func (node *InternalNode) delete(key int64) bool {
	wasUnsafe := node.canUnderflow()
	if !wasUnsafe {
		node.unlockParents()
	}
	// Get the next child node where the key would be located under
	childIdx := node.search(key)
	child, err := node.getAndLockChildAt(childIdx)
	if err != nil {
		if wasUnsafe {
			node.unlockParents()
		}
		return false
	}
	// [CONCURRENCY] initialize child node's parent pointer
	node.initChild(child)
	pager := child.getPage().GetPager()

	var childUnderflowed bool
	switch c := child.(type) {
	case *LeafNode:
		childUnderflowed = c.delete(key)
	case *InternalNode:
		childUnderflowed = c.delete(key)
	}

	if !childUnderflowed {
		child.getPage().WUnlock()
		pager.UnpinPage(child.getPage())
		if wasUnsafe {
			node.unlockParents()
		}
		return false
	}

	var selfUnderflowed bool
	switch c := child.(type) {
	case *LeafNode:
		selfUnderflowed = node.fixLeafUnderflow(childIdx, c, pager)
	case *InternalNode:
		selfUnderflowed = node.fixInternalUnderflow(childIdx, c, pager)
	}
	if wasUnsafe && !selfUnderflowed {
		node.unlockParents()
	}
	return selfUnderflowed
}

// get returns the value associated with a given key from the leaf node.
func (node *InternalNode) get(key int64) (value int64, found bool) {
	// [CONCURRENCY] Unlock parents.
	node.unlockParents()
	// Find the child.
	childIdx := node.search(key)
	child, err := node.getAndLockChildAt(childIdx)
	if err != nil {
		return 0, false
	}
	// [CONCURRENCY] initialize child's parent pointer
	node.initChild(child)
	pager := child.getPage().GetPager()
	defer pager.UnpinPage(child.getPage())
	return child.get(key)
}

/////////////////////////////////////////////////////////////////////////////
///////////////////// Internal Node  Helper Functions ///////////////////////
/////////////////////////////////////////////////////////////////////////////

// search returns the first index where key > given key.
// If no such index exists, it returns numKeys.
func (node *InternalNode) search(key int64) int64 {
	// Binary search for the key.
	minIndex := sort.Search(
		int(node.numKeys),
		func(idx int) bool {
			return node.getKeyAt(int64(idx)) > key
		},
	)
	return int64(minIndex)
}

// printNode pretty prints our internal node.
func (node *InternalNode) printNode(w io.Writer, firstPrefix string, prefix string) {
	// Format header data.
	var nodeType string = "Internal"
	numKeys := strconv.Itoa(int(node.numKeys + 1))
	// Print header data.
	io.WriteString(w, fmt.Sprintf("%v[%v] %v size: %v\n",
		firstPrefix, node.page.GetPageNum(), nodeType, numKeys))
	// Print entries.
	nextFirstPrefix := prefix + " |--> "
	nextPrefix := prefix + " |    "
	for idx := int64(0); idx <= node.numKeys; idx++ {
		io.WriteString(w, fmt.Sprintf("%v\n", nextPrefix))
		child, err := node.getChildAt(idx)
		if err != nil {
			return
		}
		pager := child.getPage().GetPager()
		defer pager.UnpinPage(child.getPage())
		child.printNode(w, nextFirstPrefix, nextPrefix)
		if idx != node.numKeys {
			io.WriteString(w, fmt.Sprintf("\n%v[KEY] %v\n", nextPrefix, node.getKeyAt(idx)))
		}
	}
}

// pageToInternalNode returns the internal node corresponding to the given page.
// Concurrency note: the given page must at least be read-locked before calling.
func pageToInternalNode(page *buffer.Frame) *InternalNode {
	nodeHeader := pageToNodeHeader(page)
	return &InternalNode{nodeHeader, nil}
}

// createInternalNode creates and returns a new internal node.
// Nodes created with this function must use `UnpinPage()` accordingly after use.
func createInternalNode(pager *buffer.Manager) (*InternalNode, error) {
	newPage, err := pager.NewPage()
	if err != nil {
		return &InternalNode{}, err
	}
	initPage(newPage, INTERNAL_NODE)
	return pageToInternalNode(newPage), nil
}

// getPage returns the internal node's page.
func (node *InternalNode) getPage() *buffer.Frame {
	return node.page
}

// getNodeType returns internalNode.
func (node *InternalNode) getNodeType() NodeType {
	return node.nodeType
}

// copy copies the metadata and data of the passed in InternalNode to this InternalNode.
// Concurrency note: the toCopy node's page must at least be read-locked before calling.
func (node *InternalNode) copy(toCopy *InternalNode) {
	node.page.Update(toCopy.page.GetData(), 0, buffer.PageSize)
	node.updateNumKeys(toCopy.numKeys)
}

// keyPos returns the offset in the page to the internal node's ith key.
func keyPos(index int64) int64 {
	return KEYS_OFFSET + index*KEY_SIZE
}

// pnPos returns the page offset to the internal node's ith child's pagenumber
func pnPos(index int64) int64 {
	return PNS_OFFSET + index*PN_SIZE
}

// getKeyAt returns the key stored at the given index of the internal node.
// Concurrency note: this InternalNode's page should at least be read-locked before calling.
func (node *InternalNode) getKeyAt(index int64) int64 {
	startPos := keyPos(index)
	key, _ := binary.Varint(node.page.GetData()[startPos : startPos+KEY_SIZE])
	return key
}

// updateKeyAt updates the key at the given index of the internal node.
func (node *InternalNode) updateKeyAt(index int64, newKey int64) {
	// Serialize the key data
	data := make([]byte, KEY_SIZE)
	binary.PutVarint(data, newKey)
	startPos := keyPos(index)
	node.page.Update(data, startPos, KEY_SIZE)
}

// getPNAt returns the pagenumber stored at the given index of the internal node.
// Concurrency note: this InternalNode's page should at least be read-locked before calling.
func (node *InternalNode) getPNAt(index int64) int64 {
	startPos := pnPos(index)
	pagenum, _ := binary.Varint(node.page.GetData()[startPos : startPos+PN_SIZE])
	return pagenum
}

// updatePNAt updates the pagenumber at the given index of the internal node.
func (node *InternalNode) updatePNAt(index int64, newPagenum int64) {
	// Serialize the pagenum data
	data := make([]byte, PN_SIZE)
	binary.PutVarint(data, newPagenum)
	startPos := pnPos(index)
	node.page.Update(data, startPos, PN_SIZE)
}

// getChildAt returns the internal node's ith child.
// Child nodes retrieved via this function must call `UnpinPage()` accordingly after use.
// Concurrency note: this InternalNode's page should at least be read-locked before calling.
func (node *InternalNode) getChildAt(index int64) (Node, error) {
	// Get the child's page
	pagenum := node.getPNAt(index)
	page, err := node.page.GetPager().FetchPage(pagenum)
	if err != nil {
		return &InternalNode{}, err
	}
	return pageToNode(page), nil
}

// getAndLockChildAt write locks and returns the internal node's ith child.
// Child nodes retrieved via this function must call `UnpinPage()` accordingly after use.
// Concurrency note: this InternalNode's page should at least be read-locked before calling.
func (node *InternalNode) getAndLockChildAt(index int64) (Node, error) {
	// Get the child's page
	pagenum := node.getPNAt(index)
	page, err := node.page.GetPager().FetchPage(pagenum)
	if err != nil {
		return &InternalNode{}, err
	}
	page.WLock()
	return pageToNode(page), nil
}

// updateNumKeys updates the numKeys field in the node struct and the underlying page.
func (node *InternalNode) updateNumKeys(newNumKeys int64) {
	node.numKeys = newNumKeys
	// Write the new data to the page
	nKeysData := make([]byte, NUM_KEYS_SIZE)
	binary.PutVarint(nKeysData, newNumKeys)
	node.page.Update(nKeysData, NUM_KEYS_OFFSET, NUM_KEYS_SIZE)
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////// Lock Helper Functions ////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// [CONCURRENCY] Sets the parent pointer of the passed-in child node to this internal node.
func (node *InternalNode) initChild(child Node) {	
	// Set the NodeLockHeader parent field to be this node and lock the node.
	switch castedChild := child.(type) {
	case *InternalNode:
		castedChild.parent = node
	case *LeafNode:
		castedChild.parent = node
	}
}

// canSplit returns whether this node has the capability to split in the next insert operation.
func (node *InternalNode) canSplit() bool {
	return node.numKeys == KEYS_PER_INTERNAL_NODE-1
}

// unlockParents unlocks all of this node's locked parents.
func (node *InternalNode) unlockParents() {
	// Remove this node's parent pointer
	parent := node.parent
	node.parent = nil
	// Parent pointers are only set if the node's parent is locked -
	// take advantage of this to iteratively unlock all locked parents
	for parent != nil {
		switch castedParent := parent.(type) {
		case *InternalNode:
			parent = castedParent.parent
			castedParent.unlock()
		case *LeafNode:
			panic("Should never have a leaf as a parent")
		}
	}
}

// unlock unlocks this internal node.
func (node *InternalNode) unlock() {
	node.parent = nil
	node.page.WUnlock()
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////// Merge/Redistribute ///////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// minInternalChildren is the fewest children a non-root internal node may
// hold; falling below it triggers merge/redistribute with a sibling.
func minInternalChildren() int64 {
	return (KEYS_PER_INTERNAL_NODE + 1) / 2
}

// canUnderflow returns whether a child of this node merging into a sibling
// (and so this node losing one key/child pair) could bring this node below
// minInternalChildren.
func (node *InternalNode) canUnderflow() bool {
	return node.numKeys+1 <= minInternalChildren()
}

// siblingIdx returns the index of an adjacent child to pair with the child
// at childIdx for merge/redistribute, preferring the left sibling, plus
// whether the chosen sibling is to the left.
func (node *InternalNode) siblingIdx(childIdx int64) (idx int64, isLeft bool) {
	if childIdx > 0 {
		return childIdx - 1, true
	}
	return childIdx + 1, false
}

// removeSeparator removes the key at idx and the child pointer immediately
// to its right, shifting later keys and children left by one.
func (node *InternalNode) removeSeparator(idx int64) {
	for i := idx; i < node.numKeys-1; i++ {
		node.updateKeyAt(i, node.getKeyAt(i+1))
	}
	for i := idx + 1; i < node.numKeys; i++ {
		node.updatePNAt(i, node.getPNAt(i+1))
	}
	node.updateNumKeys(node.numKeys - 1)
}

// fixLeafUnderflow merges or redistributes the underflowing leaf child at
// childIdx with an adjacent sibling, unlocking and unpinning both the
// child's and sibling's pages before returning. Returns whether this node
// itself is now undersized.
func (node *InternalNode) fixLeafUnderflow(childIdx int64, child *LeafNode, pager *buffer.Manager) bool {
	siblingPN, isLeft := node.siblingIdx(childIdx)
	siblingNode, err := node.getAndLockChildAt(siblingPN)
	if err != nil {
		child.getPage().WUnlock()
		pager.UnpinPage(child.getPage())
		return false
	}
	sibling := siblingNode.(*LeafNode)

	var left, right *LeafNode
	var sepIdx int64
	if isLeft {
		left, right, sepIdx = sibling, child, siblingPN
	} else {
		left, right, sepIdx = child, sibling, childIdx
	}

	if left.numKeys+right.numKeys < ENTRIES_PER_LEAF_NODE {
		mergeLeaves(left, right)
		node.removeSeparator(sepIdx)
		right.getPage().WUnlock()
		pager.UnpinPage(right.getPage())
		// Leave the page allocated on disk if this fails; the merge above
		// has already succeeded and the tree remains consistent.
		pager.DeletePage(right.getPage().GetPageNum())
		left.getPage().WUnlock()
		pager.UnpinPage(left.getPage())
		return node.numKeys+1 < minInternalChildren()
	}

	newSep := redistributeLeaves(left, right, isLeft)
	node.updateKeyAt(sepIdx, newSep)
	left.getPage().WUnlock()
	pager.UnpinPage(left.getPage())
	right.getPage().WUnlock()
	pager.UnpinPage(right.getPage())
	return false
}

// fixInternalUnderflow merges or redistributes the underflowing internal
// child at childIdx with an adjacent sibling, unlocking and unpinning both
// the child's and sibling's pages before returning. Returns whether this
// node itself is now undersized.
func (node *InternalNode) fixInternalUnderflow(childIdx int64, child *InternalNode, pager *buffer.Manager) bool {
	siblingPN, isLeft := node.siblingIdx(childIdx)
	siblingNode, err := node.getAndLockChildAt(siblingPN)
	if err != nil {
		child.getPage().WUnlock()
		pager.UnpinPage(child.getPage())
		return false
	}
	sibling := siblingNode.(*InternalNode)

	var left, right *InternalNode
	var sepIdx int64
	if isLeft {
		left, right, sepIdx = sibling, child, siblingPN
	} else {
		left, right, sepIdx = child, sibling, childIdx
	}
	sepKey := node.getKeyAt(sepIdx)

	if left.numKeys+1+right.numKeys+1 <= KEYS_PER_INTERNAL_NODE {
		mergeInternals(left, right, sepKey)
		node.removeSeparator(sepIdx)
		right.getPage().WUnlock()
		pager.UnpinPage(right.getPage())
		pager.DeletePage(right.getPage().GetPageNum())
		left.getPage().WUnlock()
		pager.UnpinPage(left.getPage())
		return node.numKeys+1 < minInternalChildren()
	}

	newSep := redistributeInternals(left, right, isLeft, sepKey)
	node.updateKeyAt(sepIdx, newSep)
	left.getPage().WUnlock()
	pager.UnpinPage(left.getPage())
	right.getPage().WUnlock()
	pager.UnpinPage(right.getPage())
	return false
}

// mergeLeaves concatenates right's entries onto the end of left, splicing
// the leaf sibling chain so left points past right.
func mergeLeaves(left, right *LeafNode) {
	base := left.numKeys
	for i := int64(0); i < right.numKeys; i++ {
		left.updateKeyAt(base+i, right.getKeyAt(i))
		left.updateValueAt(base+i, right.getValueAt(i))
	}
	left.updateNumKeys(base + right.numKeys)
	left.setRightSibling(right.rightSiblingPN)
}

// redistributeLeaves moves one entry from whichever of left/right is the
// sibling (donorIsLeft indicates left) to the other, returning the new
// separator key (right's first key post-move).
func redistributeLeaves(left, right *LeafNode, donorIsLeft bool) int64 {
	if donorIsLeft {
		lastIdx := left.numKeys - 1
		k, v := left.getKeyAt(lastIdx), left.getValueAt(lastIdx)
		for i := right.numKeys; i > 0; i-- {
			right.updateKeyAt(i, right.getKeyAt(i-1))
			right.updateValueAt(i, right.getValueAt(i-1))
		}
		right.updateKeyAt(0, k)
		right.updateValueAt(0, v)
		right.updateNumKeys(right.numKeys + 1)
		left.updateNumKeys(left.numKeys - 1)
	} else {
		k, v := right.getKeyAt(0), right.getValueAt(0)
		left.updateKeyAt(left.numKeys, k)
		left.updateValueAt(left.numKeys, v)
		left.updateNumKeys(left.numKeys + 1)
		for i := int64(0); i < right.numKeys-1; i++ {
			right.updateKeyAt(i, right.getKeyAt(i+1))
			right.updateValueAt(i, right.getValueAt(i+1))
		}
		right.updateNumKeys(right.numKeys - 1)
	}
	return right.getKeyAt(0)
}

// mergeInternals concatenates sepKey and right's keys/children onto the
// end of left. Children absorbed from right are not explicitly
// re-parented: parent pointers are in-memory only and are set correctly
// the next time a traversal reaches them via initChild.
func mergeInternals(left, right *InternalNode, sepKey int64) {
	base := left.numKeys
	left.updateKeyAt(base, sepKey)
	for i := int64(0); i < right.numKeys; i++ {
		left.updateKeyAt(base+1+i, right.getKeyAt(i))
	}
	for i := int64(0); i <= right.numKeys; i++ {
		left.updatePNAt(base+1+i, right.getPNAt(i))
	}
	left.updateNumKeys(base + 1 + right.numKeys)
}

// redistributeInternals moves one child (and rotates sepKey through the
// parent) from whichever of left/right is the sibling (donorIsLeft
// indicates left) to the other, returning the new separator key for the
// parent.
func redistributeInternals(left, right *InternalNode, donorIsLeft bool, sepKey int64) int64 {
	if donorIsLeft {
		movedPN := left.getPNAt(left.numKeys)
		newSep := left.getKeyAt(left.numKeys - 1)
		for i := right.numKeys; i > 0; i-- {
			right.updateKeyAt(i, right.getKeyAt(i-1))
		}
		for i := right.numKeys + 1; i > 0; i-- {
			right.updatePNAt(i, right.getPNAt(i-1))
		}
		right.updateKeyAt(0, sepKey)
		right.updatePNAt(0, movedPN)
		right.updateNumKeys(right.numKeys + 1)
		left.updateNumKeys(left.numKeys - 1)
		return newSep
	}
	movedPN := right.getPNAt(0)
	newSep := right.getKeyAt(0)
	left.updateKeyAt(left.numKeys, sepKey)
	left.updatePNAt(left.numKeys+1, movedPN)
	left.updateNumKeys(left.numKeys + 1)
	for i := int64(0); i < right.numKeys-1; i++ {
		right.updateKeyAt(i, right.getKeyAt(i+1))
	}
	for i := int64(0); i < right.numKeys; i++ {
		right.updatePNAt(i, right.getPNAt(i+1))
	}
	right.updateNumKeys(right.numKeys - 1)
	return newSep
}
