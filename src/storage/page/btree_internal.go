package page

import (
	"github.com/Blackdeer1524/MiniRel/src/pkg/assert"
	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
)

// InternalPage holds an ordered array of (key, child page id) pairs. The
// key in slot 0 is unused: it is the "-inf" sentinel, so a node of size N
// separates N children with N-1 keys.
type InternalPage Page

func AsInternal(p *Page) *InternalPage { return (*InternalPage)(p) }

func (ip *InternalPage) node() *BTreeNode { return (*BTreeNode)(ip) }

func (ip *InternalPage) Page() *Page { return (*Page)(ip) }

func (ip *InternalPage) Init(id, parentID common.PageID, maxSize uint32) {
	assert.Assert(maxSize <= MaxNodeEntries, "internal max size %d exceeds page capacity", maxSize)

	n := ip.node()
	n.setU32(offPageType, uint32(BTreePageTypeInternal))
	n.SetSize(0)
	n.SetMaxSize(maxSize)
	n.SetParentID(parentID)
	n.SetStoredID(id)
	n.setU32(offNextPageID, uint32(common.InvalidPageID))
}

func (ip *InternalPage) Size() uint32    { return ip.node().Size() }
func (ip *InternalPage) MaxSize() uint32 { return ip.node().MaxSize() }

func (ip *InternalPage) KeyAt(idx uint32) uint64 { return ip.node().keyAt(idx) }

func (ip *InternalPage) SetKeyAt(idx uint32, key uint64) { ip.node().setKeyAt(idx, key) }

func (ip *InternalPage) ValueAt(idx uint32) common.PageID {
	return common.PageID(ip.node().valueAt(idx))
}

func (ip *InternalPage) setValueAt(idx uint32, id common.PageID) {
	ip.node().setValueAt(idx, uint64(id))
}

// ValueIndex returns the slot whose child pointer equals id, or -1.
func (ip *InternalPage) ValueIndex(id common.PageID) int {
	for i := uint32(0); i < ip.Size(); i++ {
		if ip.ValueAt(i) == id {
			return int(i)
		}
	}
	return -1
}

// Lookup returns the child page that covers key. The search starts from
// slot 1 since slot 0 carries no key.
func (ip *InternalPage) Lookup(key uint64) common.PageID {
	size := ip.Size()
	assert.Assert(size > 1, "lookup in a degenerate internal node")

	// binary search for the last separator <= key
	lo, hi := uint32(1), size
	for lo < hi {
		mid := lo + (hi-lo)/2
		if ip.KeyAt(mid) <= key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return ip.ValueAt(lo - 1)
}

// PopulateNewRoot fills a freshly allocated root with its two children.
func (ip *InternalPage) PopulateNewRoot(oldChild common.PageID, newKey uint64, newChild common.PageID) {
	assert.Assert(ip.Size() == 0, "populating a non-empty root")

	ip.setValueAt(0, oldChild)
	ip.node().setKeyAt(1, newKey)
	ip.setValueAt(1, newChild)
	ip.node().SetSize(2)
}

// InsertNodeAfter places (newKey, newChild) immediately after the slot
// holding oldChild. Returns the new size.
func (ip *InternalPage) InsertNodeAfter(oldChild common.PageID, newKey uint64, newChild common.PageID) uint32 {
	idx := ip.ValueIndex(oldChild)
	assert.Assert(idx >= 0, "old child %d not found in parent %d", oldChild, ip.node().StoredID())

	at := uint32(idx) + 1
	ip.node().shiftRight(at)
	ip.node().setKeyAt(at, newKey)
	ip.setValueAt(at, newChild)
	ip.node().IncSize(1)
	return ip.Size()
}

// insert places (key, child) in separator order. Only used right after a
// split, when the new separator belongs in this (possibly fresh) node.
func (ip *InternalPage) Insert(key uint64, child common.PageID) uint32 {
	size := ip.Size()
	idx := size
	for idx > 1 && ip.KeyAt(idx-1) > key {
		idx--
	}
	ip.node().shiftRight(idx)
	ip.node().setKeyAt(idx, key)
	ip.setValueAt(idx, child)
	ip.node().IncSize(1)
	return ip.Size()
}

// Remove deletes the pair at idx, keeping entries densely packed.
func (ip *InternalPage) Remove(idx uint32) {
	assert.Assert(idx < ip.Size(), "remove index %d out of range", idx)
	ip.node().shiftLeft(idx)
	ip.node().IncSize(-1)
}

// RemoveAndReturnOnlyChild empties the node and returns its single child.
// Only AdjustRoot calls this.
func (ip *InternalPage) RemoveAndReturnOnlyChild() common.PageID {
	assert.Assert(ip.Size() == 1, "node still separates %d children", ip.Size())
	ip.node().SetSize(0)
	return ip.ValueAt(0)
}

// MoveHalfTo moves the upper half of the entries to an empty recipient;
// the mark semantics mirror LeafPage.MoveHalfTo. Moved children must be
// re-parented by the caller.
func (ip *InternalPage) MoveHalfTo(recipient *InternalPage, mark int) {
	size := ip.Size()
	assert.Assert(size > 0, "splitting an empty internal node")
	assert.Assert(recipient.Size() == 0, "split recipient must be empty")

	half := size / 2
	if mark == 0 {
		half = (size + 1) / 2
	}

	copy(recipient.node().entrySlice(0, half), ip.node().entrySlice(size-half, size))
	recipient.node().SetSize(half)
	ip.node().IncSize(-int32(half))
}

// MoveAllTo appends every entry onto recipient, demoting the parent's
// separator (middleKey) into slot 0 so internal keys keep separating
// children. Moved children must be re-parented by the caller.
func (ip *InternalPage) MoveAllTo(recipient *InternalPage, middleKey uint64) {
	size := ip.Size()
	rsize := recipient.Size()
	assert.Assert(rsize+size <= MaxNodeEntries, "internal merge overflow")

	ip.node().setKeyAt(0, middleKey)
	copy(recipient.node().entrySlice(rsize, rsize+size), ip.node().entrySlice(0, size))
	recipient.node().IncSize(int32(size))
	ip.node().SetSize(0)
}

// MoveFirstToEndOf shifts this node's first child onto recipient's tail,
// keyed by the parent separator (middleKey).
func (ip *InternalPage) MoveFirstToEndOf(recipient *InternalPage, middleKey uint64) {
	child := ip.ValueAt(0)
	ip.Remove(0)

	at := recipient.Size()
	recipient.node().setKeyAt(at, middleKey)
	recipient.setValueAt(at, child)
	recipient.node().IncSize(1)
}

// MoveLastToFrontOf shifts this node's last child onto recipient's head.
// The parent separator (middleKey) becomes the key of the entry that used
// to sit in recipient's sentinel slot.
func (ip *InternalPage) MoveLastToFrontOf(recipient *InternalPage, middleKey uint64) {
	ip.node().IncSize(-1)
	key, child := ip.KeyAt(ip.Size()), ip.ValueAt(ip.Size())

	recipient.node().setKeyAt(0, middleKey)
	recipient.node().shiftRight(0)
	recipient.node().setKeyAt(0, key)
	recipient.setValueAt(0, child)
	recipient.node().IncSize(1)
}
