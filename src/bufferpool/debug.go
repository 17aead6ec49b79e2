package bufferpool

import (
	"errors"
	"fmt"

	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
	"github.com/Blackdeer1524/MiniRel/src/storage/page"
)

// DebugManager wraps a Manager so tests can verify the pinning
// discipline: every fetched page unpinned on every path, every latch
// released.
type DebugManager struct {
	m *Manager
}

var _ BufferPool = &DebugManager{}

func NewDebugManager(m *Manager) *DebugManager {
	return &DebugManager{m: m}
}

func (d *DebugManager) NewPage() (*page.Page, error) { return d.m.NewPage() }

func (d *DebugManager) FetchPage(pageID common.PageID) (*page.Page, error) {
	return d.m.FetchPage(pageID)
}

func (d *DebugManager) UnpinPage(pageID common.PageID, dirty bool) bool {
	return d.m.UnpinPage(pageID, dirty)
}

func (d *DebugManager) FlushPage(pageID common.PageID) (bool, error) {
	return d.m.FlushPage(pageID)
}

func (d *DebugManager) FlushAllPages() error { return d.m.FlushAllPages() }

func (d *DebugManager) DeletePage(pageID common.PageID) (bool, error) {
	return d.m.DeletePage(pageID)
}

// EnsureAllPagesUnpinnedAndUnlocked reports every page that is still
// pinned and every frame whose latch is still held.
func (d *DebugManager) EnsureAllPagesUnpinnedAndUnlocked() error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	pinned := map[common.PageID]uint64{}
	locked := map[common.PageID]struct{}{}

	for pageID, frameID := range d.m.pageTable {
		if pinCount := d.m.meta[frameID].pinCount; pinCount != 0 {
			pinned[pageID] = pinCount
		}

		frame := &d.m.frames[frameID]
		if !frame.TryLock() {
			locked[pageID] = struct{}{}
		} else {
			frame.Unlock()
		}
	}

	var err error
	if len(pinned) > 0 {
		err = fmt.Errorf("not all pages were properly unpinned: %+v", pinned)
	}
	if len(locked) > 0 {
		err = errors.Join(err, fmt.Errorf(
			"found pages that were locked and not properly unlocked: %+v",
			locked,
		))
	}
	return err
}
