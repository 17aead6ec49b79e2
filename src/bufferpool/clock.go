package bufferpool

import (
	"sync"

	"github.com/Blackdeer1524/MiniRel/src/pkg/assert"
	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
)

// ClockReplacer approximates LRU with a circular array of (present,
// referenced) bits and a shared hand. Unpin sets both bits, Pin clears
// them; the victim search gives referenced frames a second chance.
type ClockReplacer struct {
	mu sync.Mutex

	present    []bool
	referenced []bool
	hand       uint64
	size       uint64
}

var _ Replacer = &ClockReplacer{}

func NewClockReplacer(poolSize uint64) *ClockReplacer {
	assert.Assert(poolSize > 0, "pool size must be greater than zero")

	return &ClockReplacer{
		present:    make([]bool, poolSize),
		referenced: make([]bool, poolSize),
	}
}

func (r *ClockReplacer) Pin(frameID common.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	assert.Assert(uint64(frameID) < uint64(len(r.present)), "frame id %d overflows the pool", frameID)

	if r.present[frameID] {
		r.size--
	}
	r.present[frameID] = false
	r.referenced[frameID] = false
}

func (r *ClockReplacer) Unpin(frameID common.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	assert.Assert(uint64(frameID) < uint64(len(r.present)), "frame id %d overflows the pool", frameID)

	if !r.present[frameID] {
		r.size++
	}
	r.present[frameID] = true
	r.referenced[frameID] = true
}

// ChooseVictim advances the hand: present+referenced frames lose their
// reference bit, the first present+unreferenced frame is taken. With at
// least one evictable frame it terminates within two sweeps.
func (r *ClockReplacer) ChooseVictim() (common.FrameID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return 0, ErrNoVictimAvailable
	}

	n := uint64(len(r.present))
	for steps := uint64(0); steps < 2*n; steps++ {
		idx := r.hand
		r.hand = (r.hand + 1) % n

		if !r.present[idx] {
			continue
		}
		if r.referenced[idx] {
			r.referenced[idx] = false
			continue
		}

		r.present[idx] = false
		r.size--
		return common.FrameID(idx), nil
	}

	assert.Assert(false, "clock sweep did not terminate with %d evictable frames", r.size)
	return 0, ErrNoVictimAvailable
}

func (r *ClockReplacer) GetSize() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.size
}
