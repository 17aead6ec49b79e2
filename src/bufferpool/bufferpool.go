package bufferpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Blackdeer1524/MiniRel/src/pkg/assert"
	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
	"github.com/Blackdeer1524/MiniRel/src/storage/page"
)

var ErrNoSpaceLeft = errors.New("no space left in the buffer pool")

// BufferPool mediates every access between disk-resident pages and
// in-memory frames. Page contents are protected by the per-page latch
// held by callers; the pool itself only guards its own metadata.
type BufferPool interface {
	NewPage() (*page.Page, error)
	FetchPage(pageID common.PageID) (*page.Page, error)
	UnpinPage(pageID common.PageID, dirty bool) bool
	FlushPage(pageID common.PageID) (bool, error)
	FlushAllPages() error
	DeletePage(pageID common.PageID) (bool, error)
}

type frameMeta struct {
	pageID   common.PageID
	pinCount uint64
	dirty    bool
}

// Manager is one buffer pool instance. A single mutex guards the page
// table, the free list and per-frame metadata; disk I/O for misses and
// evictions happens inside that critical section.
//
// When the pool is partitioned into num_instances cooperating instances,
// instance i hands out page ids congruent to i modulo num_instances; that
// modular split is the only coordination between instances.
type Manager struct {
	poolSize      uint64
	numInstances  uint64
	instanceIndex uint64

	mu          sync.Mutex
	nextPageID  common.PageID
	pageTable   map[common.PageID]common.FrameID
	frames      []page.Page
	meta        []frameMeta
	emptyFrames []common.FrameID

	replacer    Replacer
	diskManager common.DiskManager
}

var _ BufferPool = &Manager{}

func New(poolSize uint64, replacer Replacer, diskManager common.DiskManager) *Manager {
	return NewInstance(poolSize, 1, 0, replacer, diskManager)
}

func NewInstance(
	poolSize uint64,
	numInstances uint64,
	instanceIndex uint64,
	replacer Replacer,
	diskManager common.DiskManager,
) *Manager {
	assert.Assert(poolSize > 0, "pool size must be greater than zero")
	assert.Assert(numInstances > 0, "an instance must be part of at least one pool")
	assert.Assert(
		instanceIndex < numInstances,
		"instance index %d out of range for %d instances",
		instanceIndex,
		numInstances,
	)

	emptyFrames := make([]common.FrameID, poolSize)
	frames := make([]page.Page, poolSize)
	meta := make([]frameMeta, poolSize)
	for i := range poolSize {
		emptyFrames[i] = common.FrameID(i)
		frames[i].SetID(common.InvalidPageID)
		meta[i].pageID = common.InvalidPageID
	}

	return &Manager{
		poolSize:      poolSize,
		numInstances:  numInstances,
		instanceIndex: instanceIndex,
		nextPageID:    common.PageID(instanceIndex),
		pageTable:     make(map[common.PageID]common.FrameID),
		frames:        frames,
		meta:          meta,
		emptyFrames:   emptyFrames,
		replacer:      replacer,
		diskManager:   diskManager,
	}
}

func (m *Manager) PoolSize() uint64 { return m.poolSize }

func (m *Manager) allocatePageID() common.PageID {
	id := m.nextPageID
	m.nextPageID += common.PageID(m.numInstances)
	return id
}

// SeedNextPageID advances the allocation counter past pages that already
// exist on disk, keeping it inside this instance's residue class. Called
// once when opening a pre-existing database.
func (m *Manager) SeedNextPageID(lowWaterMark common.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.nextPageID < lowWaterMark {
		m.nextPageID += common.PageID(m.numInstances)
	}
}

// reserveFrame produces a frame ready for reuse: free list first, then a
// replacer victim, flushing the victim's image when dirty. Returns
// ErrNoSpaceLeft when every frame is pinned.
func (m *Manager) reserveFrame() (common.FrameID, error) {
	if n := len(m.emptyFrames); n > 0 {
		frameID := m.emptyFrames[n-1]
		m.emptyFrames = m.emptyFrames[:n-1]
		return frameID, nil
	}

	frameID, err := m.replacer.ChooseVictim()
	if err != nil {
		if errors.Is(err, ErrNoVictimAvailable) {
			return 0, ErrNoSpaceLeft
		}
		return 0, err
	}

	victim := &m.meta[frameID]
	assert.Assert(victim.pageID != common.InvalidPageID, "victim frame %d holds no page", frameID)
	assert.Assert(
		victim.pinCount == 0,
		"victim page %d has pin count %d",
		victim.pageID,
		victim.pinCount,
	)

	if victim.dirty {
		err := m.diskManager.WritePage(victim.pageID, m.frames[frameID].Data())
		if err != nil {
			m.replacer.Unpin(frameID)
			return 0, err
		}
	}

	delete(m.pageTable, victim.pageID)
	victim.pageID = common.InvalidPageID
	victim.dirty = false
	return frameID, nil
}

func (m *Manager) install(frameID common.FrameID, pageID common.PageID) *page.Page {
	m.meta[frameID] = frameMeta{pageID: pageID, pinCount: 1, dirty: false}
	m.pageTable[pageID] = frameID
	m.replacer.Pin(frameID)

	frame := &m.frames[frameID]
	frame.SetID(pageID)
	return frame
}

// NewPage allocates a fresh page id, installs it into an available frame
// zeroed out, and returns it pinned once.
func (m *Manager) NewPage() (*page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameID, err := m.reserveFrame()
	if err != nil {
		return nil, err
	}

	pageID := m.allocatePageID()
	clear(m.frames[frameID].Data())
	return m.install(frameID, pageID), nil
}

// FetchPage returns the requested page pinned, reading it from disk on a
// miss. Misses read exactly one page image.
func (m *Manager) FetchPage(pageID common.PageID) (*page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if frameID, ok := m.pageTable[pageID]; ok {
		m.meta[frameID].pinCount++
		m.replacer.Pin(frameID)
		return &m.frames[frameID], nil
	}

	frameID, err := m.reserveFrame()
	if err != nil {
		return nil, err
	}

	if err := m.diskManager.ReadPage(pageID, m.frames[frameID].Data()); err != nil {
		m.emptyFrames = append(m.emptyFrames, frameID)
		return nil, err
	}

	return m.install(frameID, pageID), nil
}

// UnpinPage drops one pin and ORs the dirty flag into the frame. The
// frame becomes evictable when the pin count reaches zero; flushing is
// left to the eviction path.
func (m *Manager) UnpinPage(pageID common.PageID, dirty bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameID, ok := m.pageTable[pageID]
	if !ok {
		return false
	}

	meta := &m.meta[frameID]
	if meta.pinCount == 0 {
		return false
	}

	meta.dirty = meta.dirty || dirty
	meta.pinCount--
	if meta.pinCount == 0 {
		m.replacer.Unpin(frameID)
	}
	return true
}

// FlushPage writes the page image out if it is dirty, regardless of pin
// count. Reports whether the page was resident.
func (m *Manager) FlushPage(pageID common.PageID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.flushPage(pageID)
}

func (m *Manager) flushPage(pageID common.PageID) (bool, error) {
	frameID, ok := m.pageTable[pageID]
	if !ok {
		return false, nil
	}

	meta := &m.meta[frameID]
	if !meta.dirty {
		return true, nil
	}

	if err := m.diskManager.WritePage(pageID, m.frames[frameID].Data()); err != nil {
		return true, fmt.Errorf("failed to flush page %d: %w", pageID, err)
	}
	meta.dirty = false
	return true, nil
}

func (m *Manager) FlushAllPages() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	for pageID := range m.pageTable {
		_, flushErr := m.flushPage(pageID)
		err = errors.Join(err, flushErr)
	}
	return err
}

// DeletePage removes a page from the pool and deallocates it. A page
// that is not resident is vacuously deleted; a pinned page cannot be.
func (m *Manager) DeletePage(pageID common.PageID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameID, ok := m.pageTable[pageID]
	if !ok {
		m.diskManager.DeallocatePage(pageID)
		return true, nil
	}

	meta := &m.meta[frameID]
	if meta.pinCount > 0 {
		return false, nil
	}

	delete(m.pageTable, pageID)
	m.replacer.Pin(frameID) // no longer evictable: the frame is free again
	m.meta[frameID] = frameMeta{pageID: common.InvalidPageID}

	frame := &m.frames[frameID]
	frame.Reset()
	m.emptyFrames = append(m.emptyFrames, frameID)

	m.diskManager.DeallocatePage(pageID)
	return true, nil
}
