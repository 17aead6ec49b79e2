package page

import (
	"encoding/binary"

	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
)

// Every index page starts with a 24-byte header:
//
//	[ page_type:4 | size:4 | max_size:4 | parent_id:4 | page_id:4 | next_page_id:4 ]
//
// followed by a densely packed array of fixed-size (key, value) pairs.
// next_page_id is meaningful only for leaves.
const (
	offPageType   = 0
	offSize       = 4
	offMaxSize    = 8
	offParentID   = 12
	offPageID     = 16
	offNextPageID = 20

	nodeHeaderSize = 24
	entrySize      = 16 // key:8 + value:8
)

type BTreePageType uint32

const (
	BTreePageTypeInvalid  BTreePageType = 0
	BTreePageTypeInternal BTreePageType = 1
	BTreePageTypeLeaf     BTreePageType = 2
)

// MaxNodeEntries is the hard capacity of one node page.
const MaxNodeEntries = (PageSize - nodeHeaderSize) / entrySize

// BTreeNode is a view over a latched Page interpreting the generic node
// header. The caller is responsible for holding the page latch.
type BTreeNode Page

func AsNode(p *Page) *BTreeNode { return (*BTreeNode)(p) }

func (n *BTreeNode) Page() *Page { return (*Page)(n) }

func (n *BTreeNode) u32(off int) uint32 {
	return binary.LittleEndian.Uint32(n.data[off : off+4])
}

func (n *BTreeNode) setU32(off int, v uint32) {
	binary.LittleEndian.PutUint32(n.data[off:off+4], v)
}

func (n *BTreeNode) PageType() BTreePageType { return BTreePageType(n.u32(offPageType)) }

func (n *BTreeNode) Size() uint32        { return n.u32(offSize) }
func (n *BTreeNode) SetSize(size uint32) { n.setU32(offSize, size) }

func (n *BTreeNode) IncSize(delta int32) {
	n.setU32(offSize, uint32(int32(n.u32(offSize))+delta))
}

func (n *BTreeNode) MaxSize() uint32     { return n.u32(offMaxSize) }
func (n *BTreeNode) SetMaxSize(m uint32) { n.setU32(offMaxSize, m) }

func (n *BTreeNode) ParentID() common.PageID { return common.PageID(n.u32(offParentID)) }

func (n *BTreeNode) SetParentID(id common.PageID) { n.setU32(offParentID, uint32(id)) }

// StoredID is the page id recorded inside the image itself.
func (n *BTreeNode) StoredID() common.PageID { return common.PageID(n.u32(offPageID)) }

func (n *BTreeNode) SetStoredID(id common.PageID) { n.setU32(offPageID, uint32(id)) }

func (n *BTreeNode) IsLeaf() bool { return n.PageType() == BTreePageTypeLeaf }

// IsRoot reports whether this node has no parent.
func (n *BTreeNode) IsRoot() bool { return n.ParentID() == common.InvalidPageID }

func (n *BTreeNode) keyAt(idx uint32) uint64 {
	off := nodeHeaderSize + int(idx)*entrySize
	return binary.LittleEndian.Uint64(n.data[off : off+8])
}

func (n *BTreeNode) setKeyAt(idx uint32, key uint64) {
	off := nodeHeaderSize + int(idx)*entrySize
	binary.LittleEndian.PutUint64(n.data[off:off+8], key)
}

func (n *BTreeNode) valueAt(idx uint32) uint64 {
	off := nodeHeaderSize + int(idx)*entrySize + 8
	return binary.LittleEndian.Uint64(n.data[off : off+8])
}

func (n *BTreeNode) setValueAt(idx uint32, v uint64) {
	off := nodeHeaderSize + int(idx)*entrySize + 8
	binary.LittleEndian.PutUint64(n.data[off:off+8], v)
}

func (n *BTreeNode) entrySlice(from, to uint32) []byte {
	return n.data[nodeHeaderSize+int(from)*entrySize : nodeHeaderSize+int(to)*entrySize]
}

// shiftRight opens a hole at idx, moving entries [idx, size) one slot up.
func (n *BTreeNode) shiftRight(idx uint32) {
	size := n.Size()
	copy(n.entrySlice(idx+1, size+1), n.entrySlice(idx, size))
}

// shiftLeft closes the hole at idx, moving entries (idx, size) one slot down.
func (n *BTreeNode) shiftLeft(idx uint32) {
	size := n.Size()
	copy(n.entrySlice(idx, size-1), n.entrySlice(idx+1, size))
}
