package btree

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Blackdeer1524/MiniRel/src/bufferpool"
	"github.com/Blackdeer1524/MiniRel/src/pkg/assert"
	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
	"github.com/Blackdeer1524/MiniRel/src/storage/page"
)

// ErrOutOfMemory is returned when a tree operation cannot allocate a frame
// from the buffer pool. The operation fails; the caller aborts.
var ErrOutOfMemory = errors.New("out of memory")

type opType int

const (
	opRead opType = iota
	opInsert
	opDelete
)

// BPlusTree is an ordered index over the buffer pool with unique uint64
// keys and RecordID values. Concurrent operations coordinate through
// latch crabbing: latches are taken root-to-leaf and ancestors are
// released as soon as the descent is known to be safe.
type BPlusTree struct {
	name string
	pool bufferpool.BufferPool

	// rootMu covers rootID and the empty-tree check. Writers hold it
	// across the first page fetch; readers acquire it briefly.
	rootMu sync.Mutex
	rootID common.PageID

	leafMaxSize     uint32
	internalMaxSize uint32
}

// Bootstrap claims the header page on a freshly created database. It must
// run exactly once, before any index is opened.
func Bootstrap(pool bufferpool.BufferPool) error {
	pg, err := pool.NewPage()
	if err != nil {
		return wrapOOM(err)
	}
	defer pool.UnpinPage(pg.ID(), true)

	if pg.ID() != page.HeaderPageID {
		return fmt.Errorf("header page must be page %d, got %d", page.HeaderPageID, pg.ID())
	}
	return nil
}

// New opens (or registers) the index called name. The root page id is
// looked up in the header page; a missing entry registers an empty tree.
func New(
	name string,
	pool bufferpool.BufferPool,
	leafMaxSize uint32,
	internalMaxSize uint32,
) (*BPlusTree, error) {
	assert.Assert(
		leafMaxSize >= 2 && leafMaxSize <= page.MaxNodeEntries,
		"invalid leaf max size %d",
		leafMaxSize,
	)
	assert.Assert(
		internalMaxSize >= 3 && internalMaxSize <= page.MaxNodeEntries,
		"invalid internal max size %d",
		internalMaxSize,
	)

	t := &BPlusTree{
		name:            name,
		pool:            pool,
		rootID:          common.InvalidPageID,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
	}

	headerPg, err := pool.FetchPage(page.HeaderPageID)
	if err != nil {
		return nil, wrapOOM(err)
	}
	defer pool.UnpinPage(page.HeaderPageID, true)

	headerPg.Lock()
	defer headerPg.Unlock()

	header := page.AsHeader(headerPg)
	if rootID, ok := header.GetRootID(name); ok {
		t.rootID = rootID
	} else if !header.InsertRecord(name, common.InvalidPageID) {
		return nil, fmt.Errorf("failed to register index %q in the header page", name)
	}

	return t, nil
}

func wrapOOM(err error) error {
	if errors.Is(err, bufferpool.ErrNoSpaceLeft) {
		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	return err
}

// opContext is the per-operation page set of the crabbing protocol: every
// page it holds is pinned and latched in acquisition order. It is scratch
// state of one operation, not tied to any transaction lifetime.
type opContext struct {
	tree       *BPlusTree
	op         opType
	pages      []*page.Page
	deleted    []common.PageID
	rootLocked bool
}

func (t *BPlusTree) newContext(op opType) *opContext {
	return &opContext{tree: t, op: op}
}

func (c *opContext) push(pg *page.Page) {
	c.pages = append(c.pages, pg)
}

// releaseLatched unlatches and unpins every held page, in acquisition
// order, and drops the root latch if held.
func (c *opContext) releaseLatched() {
	for _, pg := range c.pages {
		if c.op == opRead {
			pg.RUnlock()
			c.tree.pool.UnpinPage(pg.ID(), false)
		} else {
			pg.Unlock()
			c.tree.pool.UnpinPage(pg.ID(), true)
		}
	}
	c.pages = c.pages[:0]

	if c.rootLocked {
		c.rootLocked = false
		c.tree.rootMu.Unlock()
	}
}

// release ends the operation: latch sweep first, then deletion of pages
// emptied by coalescing.
func (c *opContext) release() {
	c.releaseLatched()

	for _, pageID := range c.deleted {
		_, err := c.tree.pool.DeletePage(pageID)
		assert.NoError(err)
	}
	c.deleted = nil
}

// isSafe reports that the pending operation cannot propagate past this
// node, so every ancestor latch can be dropped.
func (t *BPlusTree) isSafe(node *page.BTreeNode, op opType) bool {
	switch op {
	case opInsert:
		return node.Size() < node.MaxSize()
	case opDelete:
		return node.Size() > node.MaxSize()/2+1
	default:
		return true
	}
}

// findLeafLocked descends from the root to the leaf covering key (or the
// leftmost leaf). The caller must hold rootMu; for reads it is released
// as soon as the root page is latched, for writes it stays held until the
// descent proves safe. The returned leaf is the last entry of ctx.pages.
func (t *BPlusTree) findLeafLocked(ctx *opContext, key uint64, leftmost bool) (*page.Page, error) {
	assert.Assert(t.rootID != common.InvalidPageID, "descending into an empty tree")

	pg, err := t.pool.FetchPage(t.rootID)
	if err != nil {
		return nil, wrapOOM(err)
	}

	if ctx.op == opRead {
		pg.RLock()
		ctx.rootLocked = false
		t.rootMu.Unlock()
	} else {
		pg.Lock()
	}

	node := page.AsNode(pg)
	if ctx.op != opRead && t.isSafe(node, ctx.op) {
		ctx.releaseLatched()
	}
	ctx.push(pg)

	for !node.IsLeaf() {
		internal := page.AsInternal(pg)

		var childID common.PageID
		if leftmost {
			childID = internal.ValueAt(0)
		} else {
			childID = internal.Lookup(key)
		}

		child, err := t.pool.FetchPage(childID)
		if err != nil {
			return nil, wrapOOM(err)
		}

		if ctx.op == opRead {
			child.RLock()
			ctx.releaseLatched() // parent goes as soon as the child is held
		} else {
			child.Lock()
		}

		childNode := page.AsNode(child)
		if ctx.op != opRead && t.isSafe(childNode, ctx.op) {
			ctx.releaseLatched()
		}
		ctx.push(child)

		pg, node = child, childNode
	}

	return pg, nil
}

// GetValue performs a point lookup.
func (t *BPlusTree) GetValue(key uint64) (common.RecordID, bool, error) {
	ctx := t.newContext(opRead)
	defer ctx.release()

	t.rootMu.Lock()
	ctx.rootLocked = true

	if t.rootID == common.InvalidPageID {
		return common.RecordID{}, false, nil
	}

	leafPg, err := t.findLeafLocked(ctx, key, false)
	if err != nil {
		return common.RecordID{}, false, err
	}

	rid, ok := page.AsLeaf(leafPg).Lookup(key)
	return rid, ok, nil
}

// Insert adds (key, rid); duplicate keys are rejected with false.
func (t *BPlusTree) Insert(key uint64, rid common.RecordID) (bool, error) {
	ctx := t.newContext(opInsert)
	defer ctx.release()

	t.rootMu.Lock()
	ctx.rootLocked = true

	if t.rootID == common.InvalidPageID {
		return true, t.startNewTree(ctx, key, rid)
	}

	leafPg, err := t.findLeafLocked(ctx, key, false)
	if err != nil {
		return false, err
	}

	leaf := page.AsLeaf(leafPg)
	if _, exists := leaf.Lookup(key); exists {
		return false, nil
	}

	if leaf.Size() < leaf.MaxSize() {
		leaf.Insert(key, rid)
		return true, nil
	}

	// Full leaf: split. The pivot choice puts the inserted item into the
	// less-full half.
	mark := 0
	if key > leaf.KeyAt(leaf.MaxSize()/2) {
		mark = 1
	}

	newLeafPg, err := t.pool.NewPage()
	if err != nil {
		return false, wrapOOM(err)
	}
	defer t.pool.UnpinPage(newLeafPg.ID(), true)

	newLeaf := page.AsLeaf(newLeafPg)
	newLeaf.Init(newLeafPg.ID(), page.AsNode(leafPg).ParentID(), t.leafMaxSize)

	leaf.MoveHalfTo(newLeaf, mark)
	if mark == 0 {
		leaf.Insert(key, rid)
	} else {
		newLeaf.Insert(key, rid)
	}

	newLeaf.SetNextPageID(leaf.NextPageID())
	leaf.SetNextPageID(newLeafPg.ID())

	return true, t.insertIntoParent(ctx, leafPg, newLeaf.KeyAt(0), newLeafPg)
}

func (t *BPlusTree) startNewTree(ctx *opContext, key uint64, rid common.RecordID) error {
	assert.Assert(ctx.rootLocked, "root latch must be held when growing a new root")

	pg, err := t.pool.NewPage()
	if err != nil {
		return wrapOOM(err)
	}
	defer t.pool.UnpinPage(pg.ID(), true)

	leaf := page.AsLeaf(pg)
	leaf.Init(pg.ID(), common.InvalidPageID, t.leafMaxSize)
	leaf.Insert(key, rid)

	t.rootID = pg.ID()
	return t.updateHeaderRoot(ctx)
}

// insertIntoParent threads a freshly split-off sibling into the parent,
// splitting the parent in turn when it has no room.
func (t *BPlusTree) insertIntoParent(
	ctx *opContext,
	oldPg *page.Page,
	key uint64,
	newPg *page.Page,
) error {
	oldNode := page.AsNode(oldPg)

	if oldNode.IsRoot() {
		rootPg, err := t.pool.NewPage()
		if err != nil {
			return wrapOOM(err)
		}
		defer t.pool.UnpinPage(rootPg.ID(), true)

		root := page.AsInternal(rootPg)
		root.Init(rootPg.ID(), common.InvalidPageID, t.internalMaxSize)
		root.PopulateNewRoot(oldPg.ID(), key, newPg.ID())

		oldNode.SetParentID(rootPg.ID())
		page.AsNode(newPg).SetParentID(rootPg.ID())

		t.rootID = rootPg.ID()
		return t.updateHeaderRoot(ctx)
	}

	parentPg, err := t.pool.FetchPage(oldNode.ParentID())
	if err != nil {
		return wrapOOM(err)
	}
	defer t.pool.UnpinPage(parentPg.ID(), true)

	parent := page.AsInternal(parentPg)
	if parent.Size() < parent.MaxSize() {
		parent.InsertNodeAfter(oldPg.ID(), key, newPg.ID())
		page.AsNode(newPg).SetParentID(parentPg.ID())
		return nil
	}

	// Full parent: split it the same way, recursing upward.
	mark := 0
	if key > parent.KeyAt(parent.MaxSize()/2) {
		mark = 1
	}

	newParentPg, err := t.pool.NewPage()
	if err != nil {
		return wrapOOM(err)
	}
	defer t.pool.UnpinPage(newParentPg.ID(), true)

	newParent := page.AsInternal(newParentPg)
	newParent.Init(newParentPg.ID(), common.InvalidPageID, t.internalMaxSize)

	parent.MoveHalfTo(newParent, mark)
	if mark == 0 {
		parent.Insert(key, newPg.ID())
		page.AsNode(newPg).SetParentID(parentPg.ID())
	} else {
		newParent.Insert(key, newPg.ID())
	}

	if err := t.adoptChildren(newParentPg); err != nil {
		return err
	}

	return t.insertIntoParent(ctx, parentPg, newParent.KeyAt(0), newParentPg)
}

// adoptChildren re-parents every child listed in an internal page onto it.
// All affected children are below a write-latched ancestor, so no reader
// can observe the update half-done.
func (t *BPlusTree) adoptChildren(ipPg *page.Page) error {
	ip := page.AsInternal(ipPg)
	for i := uint32(0); i < ip.Size(); i++ {
		childID := ip.ValueAt(i)

		childPg, err := t.pool.FetchPage(childID)
		if err != nil {
			return wrapOOM(err)
		}
		page.AsNode(childPg).SetParentID(ipPg.ID())
		t.pool.UnpinPage(childID, true)
	}
	return nil
}

// updateHeaderRoot persists rootID into the header page record for this
// index. The caller must hold the root latch.
func (t *BPlusTree) updateHeaderRoot(ctx *opContext) error {
	assert.Assert(ctx.rootLocked, "root latch must be held to move the root")

	headerPg, err := t.pool.FetchPage(page.HeaderPageID)
	if err != nil {
		return wrapOOM(err)
	}
	defer t.pool.UnpinPage(page.HeaderPageID, true)

	headerPg.Lock()
	defer headerPg.Unlock()

	header := page.AsHeader(headerPg)
	if !header.UpdateRecord(t.name, t.rootID) {
		return fmt.Errorf("index %q is not registered in the header page", t.name)
	}
	return nil
}

// Remove deletes key from the tree, rebalancing when a node underflows.
// Removing an absent key is a no-op.
func (t *BPlusTree) Remove(key uint64) error {
	ctx := t.newContext(opDelete)
	defer ctx.release()

	t.rootMu.Lock()
	ctx.rootLocked = true

	if t.rootID == common.InvalidPageID {
		return nil
	}

	leafPg, err := t.findLeafLocked(ctx, key, false)
	if err != nil {
		return err
	}

	leaf := page.AsLeaf(leafPg)
	before := leaf.Size()
	if leaf.Remove(key) == before {
		return nil
	}

	shouldDelete, err := t.coalesceOrRedistribute(ctx, leafPg)
	if err != nil {
		return err
	}
	if shouldDelete {
		ctx.deleted = append(ctx.deleted, leafPg.ID())
	}
	return nil
}

// coalesceOrRedistribute restores the occupancy invariant of a node that
// may have underflowed. Reports whether the caller must delete the node's
// page.
func (t *BPlusTree) coalesceOrRedistribute(ctx *opContext, nodePg *page.Page) (bool, error) {
	node := page.AsNode(nodePg)

	if node.IsRoot() {
		return t.adjustRoot(ctx, nodePg)
	}

	var maxSize uint32
	if node.IsLeaf() {
		if node.Size() >= (t.leafMaxSize+1)/2 {
			return false, nil
		}
		maxSize = t.leafMaxSize
	} else {
		if node.Size() > t.internalMaxSize/2 {
			return false, nil
		}
		maxSize = t.internalMaxSize
	}

	parentPg, err := t.pool.FetchPage(node.ParentID())
	if err != nil {
		return false, wrapOOM(err)
	}
	defer t.pool.UnpinPage(parentPg.ID(), true)

	parent := page.AsInternal(parentPg)
	idx := parent.ValueIndex(nodePg.ID())
	assert.Assert(idx >= 0, "node %d missing from its parent %d", nodePg.ID(), parentPg.ID())

	// Prefer the predecessor sibling; the leftmost child falls back to its
	// successor.
	var siblingID common.PageID
	if idx == 0 {
		siblingID = parent.ValueAt(1)
	} else {
		siblingID = parent.ValueAt(uint32(idx) - 1)
	}

	siblingPg, err := t.pool.FetchPage(siblingID)
	if err != nil {
		return false, wrapOOM(err)
	}
	siblingPg.Lock()
	ctx.push(siblingPg)

	sibling := page.AsNode(siblingPg)
	if sibling.Size()+node.Size() > maxSize {
		if err := t.redistribute(siblingPg, nodePg, parentPg, idx); err != nil {
			return false, err
		}
		return false, nil
	}

	if idx == 0 {
		// Sibling is the successor: merge it into this node and drop the
		// sibling's page.
		if err := t.coalesce(ctx, nodePg, siblingPg, parentPg, 1); err != nil {
			return false, err
		}
		ctx.deleted = append(ctx.deleted, siblingPg.ID())
		return false, nil
	}

	if err := t.coalesce(ctx, siblingPg, nodePg, parentPg, uint32(idx)); err != nil {
		return false, err
	}
	return true, nil
}

// coalesce merges right into left, removes their separator from the
// parent and recurses on the parent's own occupancy.
func (t *BPlusTree) coalesce(
	ctx *opContext,
	leftPg *page.Page,
	rightPg *page.Page,
	parentPg *page.Page,
	sepIdx uint32,
) error {
	parent := page.AsInternal(parentPg)

	if page.AsNode(rightPg).IsLeaf() {
		page.AsLeaf(rightPg).MoveAllTo(page.AsLeaf(leftPg))
	} else {
		middleKey := parent.KeyAt(sepIdx)
		page.AsInternal(rightPg).MoveAllTo(page.AsInternal(leftPg), middleKey)
		if err := t.adoptChildren(leftPg); err != nil {
			return err
		}
	}

	parent.Remove(sepIdx)

	shouldDelete, err := t.coalesceOrRedistribute(ctx, parentPg)
	if err != nil {
		return err
	}
	if shouldDelete {
		ctx.deleted = append(ctx.deleted, parentPg.ID())
	}
	return nil
}

// redistribute moves one boundary entry between node and its sibling and
// refreshes the separator key in the parent.
func (t *BPlusTree) redistribute(
	siblingPg *page.Page,
	nodePg *page.Page,
	parentPg *page.Page,
	idx int,
) error {
	parent := page.AsInternal(parentPg)

	if page.AsNode(nodePg).IsLeaf() {
		node := page.AsLeaf(nodePg)
		sibling := page.AsLeaf(siblingPg)

		if idx == 0 {
			// Successor sibling donates its smallest entry.
			sibling.MoveFirstToEndOf(node)
			sepIdx := parent.ValueIndex(siblingPg.ID())
			assert.Assert(sepIdx > 0, "successor sibling cannot be the leftmost child")
			parent.SetKeyAt(uint32(sepIdx), sibling.KeyAt(0))
		} else {
			// Predecessor sibling donates its largest entry.
			sibling.MoveLastToFrontOf(node)
			parent.SetKeyAt(uint32(idx), node.KeyAt(0))
		}
		return nil
	}

	node := page.AsInternal(nodePg)
	sibling := page.AsInternal(siblingPg)

	if idx == 0 {
		sepIdx := parent.ValueIndex(siblingPg.ID())
		assert.Assert(sepIdx > 0, "successor sibling cannot be the leftmost child")

		middleKey := parent.KeyAt(uint32(sepIdx))
		sibling.MoveFirstToEndOf(node, middleKey)
		parent.SetKeyAt(uint32(sepIdx), sibling.KeyAt(0))

		return t.reparentChild(node.ValueAt(node.Size()-1), nodePg.ID())
	}

	middleKey := parent.KeyAt(uint32(idx))
	sibling.MoveLastToFrontOf(node, middleKey)
	parent.SetKeyAt(uint32(idx), node.KeyAt(0))

	return t.reparentChild(node.ValueAt(0), nodePg.ID())
}

func (t *BPlusTree) reparentChild(childID, parentID common.PageID) error {
	childPg, err := t.pool.FetchPage(childID)
	if err != nil {
		return wrapOOM(err)
	}
	page.AsNode(childPg).SetParentID(parentID)
	t.pool.UnpinPage(childID, true)
	return nil
}

// adjustRoot handles underflow at the root: an empty leaf root empties
// the whole tree, an internal root with a single child promotes it.
func (t *BPlusTree) adjustRoot(ctx *opContext, rootPg *page.Page) (bool, error) {
	node := page.AsNode(rootPg)

	if node.IsLeaf() {
		if node.Size() > 0 {
			return false, nil
		}
		t.rootID = common.InvalidPageID
		return true, t.updateHeaderRoot(ctx)
	}

	if node.Size() != 1 {
		return false, nil
	}

	childID := page.AsInternal(rootPg).RemoveAndReturnOnlyChild()
	t.rootID = childID
	if err := t.updateHeaderRoot(ctx); err != nil {
		return false, err
	}
	return true, t.reparentChild(childID, common.InvalidPageID)
}
