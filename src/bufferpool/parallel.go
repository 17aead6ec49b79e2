package bufferpool

import (
	"errors"
	"sync/atomic"

	"github.com/Blackdeer1524/MiniRel/src/pkg/assert"
	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
	"github.com/Blackdeer1524/MiniRel/src/storage/page"
)

// ParallelManager shards one logical buffer pool over several independent
// Manager instances to cut contention on the pool mutex. A page always
// belongs to the instance its id is congruent to; NewPage round-robins
// the starting instance so allocation load spreads evenly.
type ParallelManager struct {
	instances []*Manager
	hint      atomic.Uint64
}

var _ BufferPool = &ParallelManager{}

func NewParallel(
	numInstances uint64,
	poolSizePerInstance uint64,
	newReplacer func(poolSize uint64) Replacer,
	diskManager common.DiskManager,
) *ParallelManager {
	assert.Assert(numInstances > 0, "need at least one instance")

	instances := make([]*Manager, numInstances)
	for i := range numInstances {
		instances[i] = NewInstance(
			poolSizePerInstance,
			numInstances,
			i,
			newReplacer(poolSizePerInstance),
			diskManager,
		)
	}
	return &ParallelManager{instances: instances}
}

func (p *ParallelManager) instanceFor(pageID common.PageID) *Manager {
	return p.instances[uint64(pageID)%uint64(len(p.instances))]
}

func (p *ParallelManager) NewPage() (*page.Page, error) {
	n := uint64(len(p.instances))
	start := p.hint.Add(1) - 1

	for i := range n {
		pg, err := p.instances[(start+i)%n].NewPage()
		if err == nil {
			return pg, nil
		}
		if !errors.Is(err, ErrNoSpaceLeft) {
			return nil, err
		}
	}
	return nil, ErrNoSpaceLeft
}

func (p *ParallelManager) FetchPage(pageID common.PageID) (*page.Page, error) {
	return p.instanceFor(pageID).FetchPage(pageID)
}

func (p *ParallelManager) UnpinPage(pageID common.PageID, dirty bool) bool {
	return p.instanceFor(pageID).UnpinPage(pageID, dirty)
}

func (p *ParallelManager) FlushPage(pageID common.PageID) (bool, error) {
	return p.instanceFor(pageID).FlushPage(pageID)
}

func (p *ParallelManager) FlushAllPages() error {
	var err error
	for _, inst := range p.instances {
		err = errors.Join(err, inst.FlushAllPages())
	}
	return err
}

func (p *ParallelManager) DeletePage(pageID common.PageID) (bool, error) {
	return p.instanceFor(pageID).DeletePage(pageID)
}
