package btree

import (
	"github.com/Blackdeer1524/MiniRel/src/pkg/assert"
	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
	"github.com/Blackdeer1524/MiniRel/src/storage/page"
)

// Iterator is a leaf-resident cursor over the leaf chain. It keeps the
// current leaf read-latched and pinned; advancing past the last slot of a
// leaf releases it and latches the next one. Close must be called unless
// the iterator already ran off the end.
type Iterator struct {
	tree *BPlusTree
	pg   *page.Page
	idx  uint32
}

// Begin positions an iterator at the smallest key.
func (t *BPlusTree) Begin() (*Iterator, error) {
	return t.begin(0, true)
}

// BeginAt positions an iterator at the first key >= key.
func (t *BPlusTree) BeginAt(key uint64) (*Iterator, error) {
	return t.begin(key, false)
}

func (t *BPlusTree) begin(key uint64, leftmost bool) (*Iterator, error) {
	ctx := t.newContext(opRead)

	t.rootMu.Lock()
	ctx.rootLocked = true

	if t.rootID == common.InvalidPageID {
		ctx.release()
		return &Iterator{tree: t}, nil
	}

	leafPg, err := t.findLeafLocked(ctx, key, leftmost)
	if err != nil {
		ctx.release()
		return nil, err
	}

	// The read descent leaves exactly the leaf in the page set; the
	// iterator takes over its latch and pin.
	assert.Assert(len(ctx.pages) == 1, "read descent must end holding only the leaf")
	ctx.pages = ctx.pages[:0]
	ctx.release()

	it := &Iterator{tree: t, pg: leafPg}
	if !leftmost {
		it.idx = page.AsLeaf(leafPg).KeyIndex(key)
		if it.idx >= page.AsLeaf(leafPg).Size() {
			if err := it.advanceLeaf(); err != nil {
				return nil, err
			}
		}
	}
	return it, nil
}

// Valid reports whether the cursor points at an entry.
func (it *Iterator) Valid() bool { return it.pg != nil }

func (it *Iterator) Key() uint64 {
	assert.Assert(it.pg != nil, "dereferencing an exhausted iterator")
	return page.AsLeaf(it.pg).KeyAt(it.idx)
}

func (it *Iterator) Value() common.RecordID {
	assert.Assert(it.pg != nil, "dereferencing an exhausted iterator")
	return page.AsLeaf(it.pg).ValueAt(it.idx)
}

// Next advances the cursor one entry.
func (it *Iterator) Next() error {
	assert.Assert(it.pg != nil, "advancing an exhausted iterator")

	it.idx++
	if it.idx < page.AsLeaf(it.pg).Size() {
		return nil
	}
	return it.advanceLeaf()
}

func (it *Iterator) advanceLeaf() error {
	nextID := page.AsLeaf(it.pg).NextPageID()

	it.pg.RUnlock()
	it.tree.pool.UnpinPage(it.pg.ID(), false)
	it.pg = nil
	it.idx = 0

	if nextID == common.InvalidPageID {
		return nil
	}

	pg, err := it.tree.pool.FetchPage(nextID)
	if err != nil {
		return wrapOOM(err)
	}
	pg.RLock()
	it.pg = pg
	return nil
}

// Close releases the current leaf, if any.
func (it *Iterator) Close() {
	if it.pg == nil {
		return
	}
	it.pg.RUnlock()
	it.tree.pool.UnpinPage(it.pg.ID(), false)
	it.pg = nil
}
