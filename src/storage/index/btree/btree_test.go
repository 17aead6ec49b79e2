package btree

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/panjf2000/ants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/MiniRel/src/bufferpool"
	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
	"github.com/Blackdeer1524/MiniRel/src/storage/disk"
	"github.com/Blackdeer1524/MiniRel/src/storage/page"
)

func ridFor(key uint64) common.RecordID {
	return common.RecordID{
		PageID:  common.PageID(key >> 8),
		SlotNum: common.SlotNum(key & 0xFF),
	}
}

func newTestTree(
	t *testing.T,
	poolSize uint64,
	leafMax uint32,
	internalMax uint32,
) (*BPlusTree, *bufferpool.DebugManager) {
	t.Helper()

	pool := bufferpool.New(poolSize, bufferpool.NewLRUReplacer(), disk.NewInMemoryManager())
	dbg := bufferpool.NewDebugManager(pool)
	require.NoError(t, Bootstrap(dbg))

	tree, err := New("test_index", dbg, leafMax, internalMax)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, dbg.EnsureAllPagesUnpinnedAndUnlocked())
	})
	return tree, dbg
}

// verifySubtree checks occupancy bounds, parent pointers and separator
// ordering below pageID, returning the subtree's smallest key.
func verifySubtree(
	t *testing.T,
	tree *BPlusTree,
	pageID common.PageID,
	parentID common.PageID,
	isRoot bool,
) uint64 {
	t.Helper()

	pg, err := tree.pool.FetchPage(pageID)
	require.NoError(t, err)
	defer tree.pool.UnpinPage(pageID, false)

	node := page.AsNode(pg)
	assert.Equal(t, parentID, node.ParentID(), "parent pointer of page %d", pageID)
	assert.Equal(t, pageID, node.StoredID(), "stored id of page %d", pageID)

	if node.IsLeaf() {
		leaf := page.AsLeaf(pg)
		if !isRoot {
			assert.GreaterOrEqual(
				t,
				leaf.Size(),
				(tree.leafMaxSize+1)/2,
				"leaf %d underflow",
				pageID,
			)
		}
		assert.LessOrEqual(t, leaf.Size(), tree.leafMaxSize, "leaf %d overflow", pageID)

		for i := uint32(1); i < leaf.Size(); i++ {
			assert.Less(t, leaf.KeyAt(i-1), leaf.KeyAt(i), "leaf %d key order", pageID)
		}
		return leaf.KeyAt(0)
	}

	ip := page.AsInternal(pg)
	if !isRoot {
		assert.GreaterOrEqual(
			t,
			ip.Size(),
			(tree.internalMaxSize+1)/2,
			"internal %d underflow",
			pageID,
		)
	} else {
		assert.GreaterOrEqual(t, ip.Size(), uint32(2), "a root internal separates >= 2 children")
	}
	assert.LessOrEqual(t, ip.Size(), tree.internalMaxSize, "internal %d overflow", pageID)

	for i := uint32(2); i < ip.Size(); i++ {
		assert.Less(t, ip.KeyAt(i-1), ip.KeyAt(i), "internal %d separator order", pageID)
	}

	var first uint64
	for i := uint32(0); i < ip.Size(); i++ {
		childMin := verifySubtree(t, tree, ip.ValueAt(i), pageID, false)
		if i == 0 {
			first = childMin
		} else {
			// Deletions may leave a separator smaller than the child minimum
			// (the removed key), but never larger.
			assert.LessOrEqual(
				t,
				ip.KeyAt(i),
				childMin,
				"separator %d of internal %d exceeds the child minimum",
				i,
				pageID,
			)
		}
	}
	return first
}

func verifyTree(t *testing.T, tree *BPlusTree) {
	t.Helper()

	tree.rootMu.Lock()
	rootID := tree.rootID
	tree.rootMu.Unlock()

	if rootID == common.InvalidPageID {
		return
	}
	verifySubtree(t, tree, rootID, common.InvalidPageID, true)
}

func TestInsertThenLookup(t *testing.T) {
	tree, _ := newTestTree(t, 64, 4, 4)

	keys := rand.Perm(300)
	for _, k := range keys {
		key := uint64(k + 1)
		ok, err := tree.Insert(key, ridFor(key))
		require.NoError(t, err)
		require.True(t, ok, "key %d", key)
	}

	for _, k := range keys {
		key := uint64(k + 1)
		rid, found, err := tree.GetValue(key)
		require.NoError(t, err)
		require.True(t, found, "key %d", key)
		assert.Equal(t, ridFor(key), rid)
	}

	_, found, err := tree.GetValue(100_000)
	require.NoError(t, err)
	assert.False(t, found)

	verifyTree(t, tree)
}

func TestDuplicateInsertIsRejected(t *testing.T) {
	tree, _ := newTestTree(t, 16, 4, 4)

	ok, err := tree.Insert(42, ridFor(42))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tree.Insert(42, ridFor(42))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeafSplitShape(t *testing.T) {
	tree, _ := newTestTree(t, 16, 4, 4)

	for key := uint64(1); key <= 5; key++ {
		ok, err := tree.Insert(key, ridFor(key))
		require.NoError(t, err)
		require.True(t, ok)
	}

	// Five inserts into a leaf of four split it into [1,2] and [3,4,5]
	// under a fresh internal root whose single separator is 3.
	rootPg, err := tree.pool.FetchPage(tree.rootID)
	require.NoError(t, err)
	root := page.AsInternal(rootPg)
	require.False(t, page.AsNode(rootPg).IsLeaf())
	require.Equal(t, uint32(2), root.Size())
	assert.Equal(t, uint64(3), root.KeyAt(1))

	leftID, rightID := root.ValueAt(0), root.ValueAt(1)
	tree.pool.UnpinPage(tree.rootID, false)

	leftPg, err := tree.pool.FetchPage(leftID)
	require.NoError(t, err)
	left := page.AsLeaf(leftPg)
	assert.Equal(t, []uint64{1, 2}, []uint64{left.KeyAt(0), left.KeyAt(1)})
	assert.Equal(t, rightID, left.NextPageID())
	tree.pool.UnpinPage(leftID, false)

	rightPg, err := tree.pool.FetchPage(rightID)
	require.NoError(t, err)
	right := page.AsLeaf(rightPg)
	assert.Equal(
		t,
		[]uint64{3, 4, 5},
		[]uint64{right.KeyAt(0), right.KeyAt(1), right.KeyAt(2)},
	)
	assert.Equal(t, common.InvalidPageID, right.NextPageID())
	tree.pool.UnpinPage(rightID, false)

	verifyTree(t, tree)
}

func TestRemoveWithoutUnderflowKeepsShape(t *testing.T) {
	tree, _ := newTestTree(t, 16, 4, 4)

	for key := uint64(1); key <= 5; key++ {
		_, err := tree.Insert(key, ridFor(key))
		require.NoError(t, err)
	}

	// [3,4,5] shrinks to [4,5]: still at minimum occupancy, no structural
	// change.
	require.NoError(t, tree.Remove(3))

	rootPg, err := tree.pool.FetchPage(tree.rootID)
	require.NoError(t, err)
	root := page.AsInternal(rootPg)
	require.Equal(t, uint32(2), root.Size())
	rightID := root.ValueAt(1)
	tree.pool.UnpinPage(tree.rootID, false)

	rightPg, err := tree.pool.FetchPage(rightID)
	require.NoError(t, err)
	right := page.AsLeaf(rightPg)
	assert.Equal(t, uint32(2), right.Size())
	assert.Equal(t, []uint64{4, 5}, []uint64{right.KeyAt(0), right.KeyAt(1)})
	tree.pool.UnpinPage(rightID, false)
}

func TestCoalescePromotesSurvivorToRoot(t *testing.T) {
	tree, _ := newTestTree(t, 16, 4, 4)

	for key := uint64(1); key <= 5; key++ {
		_, err := tree.Insert(key, ridFor(key))
		require.NoError(t, err)
	}

	require.NoError(t, tree.Remove(3))
	require.NoError(t, tree.Remove(4))
	require.NoError(t, tree.Remove(5))

	// The right leaf underflowed, coalesced into the left one, and AdjustRoot
	// promoted the survivor: the root is a leaf again.
	rootPg, err := tree.pool.FetchPage(tree.rootID)
	require.NoError(t, err)
	require.True(t, page.AsNode(rootPg).IsLeaf())

	root := page.AsLeaf(rootPg)
	assert.Equal(t, []uint64{1, 2}, []uint64{root.KeyAt(0), root.KeyAt(1)})
	assert.True(t, page.AsNode(rootPg).IsRoot())
	tree.pool.UnpinPage(tree.rootID, false)
}

func TestInsertThenDeleteAllLeavesEmptyTree(t *testing.T) {
	tree, _ := newTestTree(t, 64, 4, 4)

	const n = 200
	for key := uint64(1); key <= n; key++ {
		_, err := tree.Insert(key, ridFor(key))
		require.NoError(t, err)
	}
	verifyTree(t, tree)

	for key := uint64(1); key <= n; key++ {
		require.NoError(t, tree.Remove(key))
	}

	assert.Equal(t, common.InvalidPageID, tree.rootID)

	_, found, err := tree.GetValue(1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteInReverseOrder(t *testing.T) {
	tree, _ := newTestTree(t, 64, 4, 4)

	const n = 120
	for key := uint64(1); key <= n; key++ {
		_, err := tree.Insert(key, ridFor(key))
		require.NoError(t, err)
	}

	for key := uint64(n); key >= 1; key-- {
		require.NoError(t, tree.Remove(key))
		if key%10 == 1 {
			verifyTree(t, tree)
		}
	}
	assert.Equal(t, common.InvalidPageID, tree.rootID)
}

func TestSortedIteration(t *testing.T) {
	tree, _ := newTestTree(t, 64, 4, 4)

	keys := rand.Perm(250)
	for _, k := range keys {
		key := uint64(k + 1)
		_, err := tree.Insert(key, ridFor(key))
		require.NoError(t, err)
	}

	it, err := tree.Begin()
	require.NoError(t, err)
	defer it.Close()

	var got []uint64
	for it.Valid() {
		got = append(got, it.Key())
		assert.Equal(t, ridFor(it.Key()), it.Value())
		require.NoError(t, it.Next())
	}

	require.Len(t, got, 250)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i], "iteration must be strictly ascending")
	}
}

func TestBeginAtPositionsOnLowerBound(t *testing.T) {
	tree, _ := newTestTree(t, 32, 4, 4)

	for key := uint64(2); key <= 40; key += 2 {
		_, err := tree.Insert(key, ridFor(key))
		require.NoError(t, err)
	}

	it, err := tree.BeginAt(11)
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Valid())
	assert.Equal(t, uint64(12), it.Key())

	it2, err := tree.BeginAt(1000)
	require.NoError(t, err)
	defer it2.Close()
	assert.False(t, it2.Valid())
}

func TestEmptyTreeOperations(t *testing.T) {
	tree, _ := newTestTree(t, 16, 4, 4)

	_, found, err := tree.GetValue(1)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, tree.Remove(1))

	it, err := tree.Begin()
	require.NoError(t, err)
	assert.False(t, it.Valid())
	it.Close()
}

func TestRootIDSurvivesReopen(t *testing.T) {
	pool := bufferpool.New(32, bufferpool.NewLRUReplacer(), disk.NewInMemoryManager())
	require.NoError(t, Bootstrap(pool))

	tree, err := New("persistent_index", pool, 4, 4)
	require.NoError(t, err)

	for key := uint64(1); key <= 30; key++ {
		_, err := tree.Insert(key, ridFor(key))
		require.NoError(t, err)
	}

	reopened, err := New("persistent_index", pool, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, tree.rootID, reopened.rootID)

	rid, found, err := reopened.GetValue(17)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ridFor(17), rid)
}

func TestConcurrentMixedWorkload(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping slow test in short mode")
	}

	tree, dbg := newTestTree(t, 256, 8, 8)

	const (
		workers  = 8
		opsEach  = 2_000
		keySpace = 500
	)

	workerPool, err := ants.NewPool(workers)
	require.NoError(t, err)
	defer workerPool.Release()

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		seed := int64(w + 1)
		require.NoError(t, workerPool.Submit(func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))

			for range opsEach {
				key := uint64(rng.Intn(keySpace) + 1)
				switch rng.Intn(3) {
				case 0:
					_, err := tree.Insert(key, ridFor(key))
					assert.NoError(t, err)
				case 1:
					assert.NoError(t, tree.Remove(key))
				default:
					rid, found, err := tree.GetValue(key)
					assert.NoError(t, err)
					if found {
						// A lookup may race with deletion, but it must never
						// surface a value that was not associated with its key.
						assert.Equal(t, ridFor(key), rid)
					}
				}
			}
		}))
	}
	wg.Wait()

	verifyTree(t, tree)
	require.NoError(t, dbg.EnsureAllPagesUnpinnedAndUnlocked())

	it, err := tree.Begin()
	require.NoError(t, err)
	defer it.Close()

	prev := uint64(0)
	for it.Valid() {
		if prev != 0 {
			assert.Less(t, prev, it.Key())
		}
		prev = it.Key()
		require.NoError(t, it.Next())
	}
}
