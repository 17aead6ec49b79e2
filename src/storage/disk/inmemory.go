package disk

import (
	"sync"

	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
	"github.com/Blackdeer1524/MiniRel/src/storage/page"
)

// InMemoryManager mirrors Manager for unit tests: page images in a map,
// the log in a byte slice.
type InMemoryManager struct {
	mu sync.Mutex

	pages map[common.PageID][]byte
	log   []byte

	nextPageID common.PageID
	freePages  []common.PageID

	numReads  uint64
	numWrites uint64
}

var (
	_ common.DiskManager = &InMemoryManager{}
	_ common.LogStorage  = &InMemoryManager{}
)

func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{
		pages: make(map[common.PageID][]byte),
	}
}

func (m *InMemoryManager) ReadPage(pageID common.PageID, buf []byte) error {
	if len(buf) != page.PageSize {
		return ErrShortPage
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.numReads++
	stored, ok := m.pages[pageID]
	if !ok {
		clear(buf)
		return nil
	}
	copy(buf, stored)
	return nil
}

func (m *InMemoryManager) WritePage(pageID common.PageID, buf []byte) error {
	if len(buf) != page.PageSize {
		return ErrShortPage
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.numWrites++
	stored, ok := m.pages[pageID]
	if !ok {
		stored = make([]byte, page.PageSize)
		m.pages[pageID] = stored
	}
	copy(stored, buf)
	return nil
}

func (m *InMemoryManager) AllocatePage() common.PageID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.freePages); n > 0 {
		id := m.freePages[n-1]
		m.freePages = m.freePages[:n-1]
		return id
	}

	id := m.nextPageID
	m.nextPageID++
	return id
}

func (m *InMemoryManager) DeallocatePage(pageID common.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pages, pageID)
	m.freePages = append(m.freePages, pageID)
}

func (m *InMemoryManager) AppendLog(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log = append(m.log, data...)
	return nil
}

func (m *InMemoryManager) ReadLog(buf []byte, offset int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset >= int64(len(m.log)) {
		return 0, nil
	}
	return copy(buf, m.log[offset:]), nil
}

// NumReads reports how many page reads were issued. Test instrumentation.
func (m *InMemoryManager) NumReads() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numReads
}

func (m *InMemoryManager) NumWrites() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numWrites
}
