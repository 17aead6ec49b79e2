package page

import (
	"github.com/Blackdeer1524/MiniRel/src/pkg/assert"
	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
)

// LeafPage holds an ordered array of (key, RecordID) pairs plus a pointer
// to the next leaf, forming the range-scan chain. Keys are unique.
type LeafPage Page

func AsLeaf(p *Page) *LeafPage { return (*LeafPage)(p) }

func (l *LeafPage) node() *BTreeNode { return (*BTreeNode)(l) }

func (l *LeafPage) Page() *Page { return (*Page)(l) }

func (l *LeafPage) Init(id, parentID common.PageID, maxSize uint32) {
	assert.Assert(maxSize <= MaxNodeEntries, "leaf max size %d exceeds page capacity", maxSize)

	n := l.node()
	n.setU32(offPageType, uint32(BTreePageTypeLeaf))
	n.SetSize(0)
	n.SetMaxSize(maxSize)
	n.SetParentID(parentID)
	n.SetStoredID(id)
	l.SetNextPageID(common.InvalidPageID)
}

func (l *LeafPage) Size() uint32    { return l.node().Size() }
func (l *LeafPage) MaxSize() uint32 { return l.node().MaxSize() }

func (l *LeafPage) NextPageID() common.PageID {
	return common.PageID(l.node().u32(offNextPageID))
}

func (l *LeafPage) SetNextPageID(id common.PageID) {
	l.node().setU32(offNextPageID, uint32(id))
}

func (l *LeafPage) KeyAt(idx uint32) uint64 { return l.node().keyAt(idx) }

func (l *LeafPage) ValueAt(idx uint32) common.RecordID {
	v := l.node().valueAt(idx)
	return common.RecordID{
		PageID:  common.PageID(v >> 32),
		SlotNum: common.SlotNum(v & 0xFFFFFFFF),
	}
}

func (l *LeafPage) setEntryAt(idx uint32, key uint64, rid common.RecordID) {
	n := l.node()
	n.setKeyAt(idx, key)
	n.setValueAt(idx, uint64(rid.PageID)<<32|uint64(rid.SlotNum))
}

// KeyIndex returns the first index i such that KeyAt(i) >= key; Size() if
// every key is smaller. Used when positioning an iterator.
func (l *LeafPage) KeyIndex(key uint64) uint32 {
	lo, hi := uint32(0), l.Size()
	for lo < hi {
		mid := lo + (hi-lo)/2
		if l.KeyAt(mid) < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Lookup binary-searches for key.
func (l *LeafPage) Lookup(key uint64) (common.RecordID, bool) {
	idx := l.KeyIndex(key)
	if idx < l.Size() && l.KeyAt(idx) == key {
		return l.ValueAt(idx), true
	}
	return common.RecordID{}, false
}

// Insert places (key, rid) in sorted position and returns the new size.
// The caller must have checked for duplicates and capacity.
func (l *LeafPage) Insert(key uint64, rid common.RecordID) uint32 {
	assert.Assert(l.Size() < MaxNodeEntries, "leaf page overflow")

	idx := l.KeyIndex(key)
	l.node().shiftRight(idx)
	l.setEntryAt(idx, key, rid)
	l.node().IncSize(1)
	return l.Size()
}

// Remove deletes key if present, keeping entries densely packed. Returns
// the size after the call.
func (l *LeafPage) Remove(key uint64) uint32 {
	idx := l.KeyIndex(key)
	if idx < l.Size() && l.KeyAt(idx) == key {
		l.node().shiftLeft(idx)
		l.node().IncSize(-1)
	}
	return l.Size()
}

// MoveHalfTo moves the upper half of this page's entries to an empty
// recipient. When the pending insert lands in the lower half (mark == 0)
// the move rounds up so the inserted item ends in the less-full side.
func (l *LeafPage) MoveHalfTo(recipient *LeafPage, mark int) {
	size := l.Size()
	assert.Assert(size > 0, "splitting an empty leaf")
	assert.Assert(recipient.Size() == 0, "split recipient must be empty")

	half := size / 2
	if mark == 0 {
		half = (size + 1) / 2
	}

	copy(recipient.node().entrySlice(0, half), l.node().entrySlice(size-half, size))
	recipient.node().SetSize(half)
	l.node().IncSize(-int32(half))
}

// MoveAllTo concatenates this page's entries onto recipient and threads
// this page's next pointer into it. Used when merging into a left sibling.
func (l *LeafPage) MoveAllTo(recipient *LeafPage) {
	size := l.Size()
	rsize := recipient.Size()
	assert.Assert(rsize+size <= MaxNodeEntries, "leaf merge overflow")

	copy(recipient.node().entrySlice(rsize, rsize+size), l.node().entrySlice(0, size))
	recipient.node().IncSize(int32(size))
	l.node().SetSize(0)
	recipient.SetNextPageID(l.NextPageID())
}

// MoveFirstToEndOf shifts this page's smallest entry onto recipient's tail.
func (l *LeafPage) MoveFirstToEndOf(recipient *LeafPage) {
	key, rid := l.KeyAt(0), l.ValueAt(0)
	l.node().shiftLeft(0)
	l.node().IncSize(-1)

	recipient.setEntryAt(recipient.Size(), key, rid)
	recipient.node().IncSize(1)
}

// MoveLastToFrontOf shifts this page's largest entry onto recipient's head.
func (l *LeafPage) MoveLastToFrontOf(recipient *LeafPage) {
	l.node().IncSize(-1)
	key, rid := l.KeyAt(l.Size()), l.ValueAt(l.Size())

	recipient.node().shiftRight(0)
	recipient.setEntryAt(0, key, rid)
	recipient.node().IncSize(1)
}
