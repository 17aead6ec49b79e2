package page

import (
	"sync"

	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
)

// PageSize is the size of every on-disk page image.
const PageSize = 4096

// Page is the in-memory residence of one disk page: the raw image plus a
// reader/writer latch. Pin count and the dirty bit live in the buffer
// pool's frame metadata, which is the sole owner of both.
type Page struct {
	latch sync.RWMutex

	id   common.PageID
	data [PageSize]byte
}

func NewPage() *Page {
	return &Page{id: common.InvalidPageID}
}

func (p *Page) ID() common.PageID { return p.id }

// SetID is called by the buffer pool when (re)installing a page into the
// frame. Callers outside the pool must never touch it.
func (p *Page) SetID(id common.PageID) { p.id = id }

// Data exposes the raw page image. The caller must hold the latch in the
// appropriate mode while reading or writing it.
func (p *Page) Data() []byte { return p.data[:] }

func (p *Page) SetData(d []byte) {
	copy(p.data[:], d)
}

// Reset zeroes the image and invalidates the id.
func (p *Page) Reset() {
	p.id = common.InvalidPageID
	clear(p.data[:])
}

func (p *Page) Lock()         { p.latch.Lock() }
func (p *Page) Unlock()       { p.latch.Unlock() }
func (p *Page) RLock()        { p.latch.RLock() }
func (p *Page) RUnlock()      { p.latch.RUnlock() }
func (p *Page) TryLock() bool { return p.latch.TryLock() }
