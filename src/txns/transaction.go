package txns

import (
	"sync"
	"sync/atomic"

	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
)

// Transaction carries the two-phase-locking state of one client
// transaction. The owner goroutine drives the GROWING/SHRINKING
// transitions; the deadlock detector may flip the state to ABORTED at any
// point, which waiters observe through their condvar predicate.
type Transaction struct {
	id        common.TxnID
	isolation IsolationLevel
	state     atomic.Int32

	mu        sync.Mutex
	shared    map[common.RecordID]struct{}
	exclusive map[common.RecordID]struct{}

	prevLSN common.LSN
}

func newTransaction(id common.TxnID, isolation IsolationLevel) *Transaction {
	return &Transaction{
		id:        id,
		isolation: isolation,
		shared:    make(map[common.RecordID]struct{}),
		exclusive: make(map[common.RecordID]struct{}),
		prevLSN:   common.InvalidLSN,
	}
}

func (t *Transaction) ID() common.TxnID { return t.id }

func (t *Transaction) IsolationLevel() IsolationLevel { return t.isolation }

func (t *Transaction) State() TxnState { return TxnState(t.state.Load()) }

func (t *Transaction) setState(s TxnState) { t.state.Store(int32(s)) }

func (t *Transaction) PrevLSN() common.LSN { return t.prevLSN }

func (t *Transaction) SetPrevLSN(lsn common.LSN) { t.prevLSN = lsn }

func (t *Transaction) IsSharedLocked(rid common.RecordID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.shared[rid]
	return ok
}

func (t *Transaction) IsExclusiveLocked(rid common.RecordID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.exclusive[rid]
	return ok
}

func (t *Transaction) addSharedLock(rid common.RecordID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.shared[rid] = struct{}{}
}

func (t *Transaction) addExclusiveLock(rid common.RecordID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.exclusive[rid] = struct{}{}
}

func (t *Transaction) removeSharedLock(rid common.RecordID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.shared, rid)
}

func (t *Transaction) removeExclusiveLock(rid common.RecordID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.exclusive, rid)
}

// LockedRecords snapshots every record id the transaction currently holds
// a lock on, in either mode.
func (t *Transaction) LockedRecords() []common.RecordID {
	t.mu.Lock()
	defer t.mu.Unlock()

	rids := make([]common.RecordID, 0, len(t.shared)+len(t.exclusive))
	for rid := range t.shared {
		rids = append(rids, rid)
	}
	for rid := range t.exclusive {
		rids = append(rids, rid)
	}
	return rids
}
