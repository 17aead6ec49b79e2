package bufferpool

import (
	"container/list"
	"sync"

	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
)

// LRUReplacer orders evictable frames by recency of Unpin and evicts the
// least recently unpinned one.
type LRUReplacer struct {
	mu sync.Mutex

	order    *list.List // front = most recently unpinned
	elements map[common.FrameID]*list.Element
}

var _ Replacer = &LRUReplacer{}

func NewLRUReplacer() *LRUReplacer {
	return &LRUReplacer{
		order:    list.New(),
		elements: make(map[common.FrameID]*list.Element),
	}
}

func (r *LRUReplacer) Pin(frameID common.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.elements[frameID]; ok {
		r.order.Remove(e)
		delete(r.elements, frameID)
	}
}

func (r *LRUReplacer) Unpin(frameID common.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.elements[frameID]; ok {
		return
	}
	r.elements[frameID] = r.order.PushFront(frameID)
}

func (r *LRUReplacer) ChooseVictim() (common.FrameID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	back := r.order.Back()
	if back == nil {
		return 0, ErrNoVictimAvailable
	}

	frameID := r.order.Remove(back).(common.FrameID)
	delete(r.elements, frameID)
	return frameID, nil
}

func (r *LRUReplacer) GetSize() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return uint64(len(r.elements))
}
