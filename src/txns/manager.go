package txns

import (
	"fmt"
	"sync"
	"time"

	"github.com/Blackdeer1524/MiniRel/src"
	"github.com/Blackdeer1524/MiniRel/src/pkg/assert"
	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
)

type lockRequest struct {
	txnID   common.TxnID
	mode    LockMode
	granted bool
}

// lockRequestQueue orders the requests on one record id. Grants respect
// queue order: a request is grantable iff every request ahead of it is
// compatible and no other transaction's upgrade is pending, so a shared
// request enqueued behind a waiting exclusive does not cut in.
type lockRequestQueue struct {
	requests     []*lockRequest
	upgradingTxn common.TxnID
	cond         *sync.Cond
}

func (q *lockRequestQueue) find(txnID common.TxnID) *lockRequest {
	for _, r := range q.requests {
		if r.txnID == txnID {
			return r
		}
	}
	return nil
}

func (q *lockRequestQueue) remove(txnID common.TxnID) bool {
	for i, r := range q.requests {
		if r.txnID == txnID {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return true
		}
	}
	return false
}

func (q *lockRequestQueue) has(txnID common.TxnID) bool {
	return q.find(txnID) != nil
}

// moveAfterGrantedPrefix repositions an upgrading request right behind
// the currently granted holders, ahead of every plain waiter.
func (q *lockRequestQueue) moveAfterGrantedPrefix(req *lockRequest) {
	removed := q.remove(req.txnID)
	assert.Assert(removed, "upgrading request for txn %d is not queued", req.txnID)

	at := len(q.requests)
	for i, r := range q.requests {
		if !r.granted {
			at = i
			break
		}
	}

	q.requests = append(q.requests, nil)
	copy(q.requests[at+1:], q.requests[at:])
	q.requests[at] = req
}

func (q *lockRequestQueue) grantable(req *lockRequest) bool {
	if q.upgradingTxn != common.NilTxnID && q.upgradingTxn != req.txnID {
		return false
	}

	for _, r := range q.requests {
		if r == req {
			return true
		}
		if !r.mode.Compatible(req.mode) {
			return false
		}
	}

	assert.Assert(false, "request of txn %d vanished from its queue", req.txnID)
	return false
}

// LockManager enforces two-phase locking at record-id granularity. One
// mutex guards the lock table structure; waiting happens on per-queue
// condition variables sharing that mutex. A background goroutine detects
// deadlocks on the waits-for graph and aborts victims.
type LockManager struct {
	mu        sync.Mutex
	lockTable map[common.RecordID]*lockRequestQueue
	txns      map[common.TxnID]*Transaction

	log  src.Logger
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewLockManager starts the deadlock detection goroutine on the given
// interval. Close must be called to stop it.
func NewLockManager(log src.Logger, detectionInterval time.Duration) *LockManager {
	lm := &LockManager{
		lockTable: make(map[common.RecordID]*lockRequestQueue),
		txns:      make(map[common.TxnID]*Transaction),
		log:       log,
		stop:      make(chan struct{}),
	}

	lm.wg.Add(1)
	go lm.runDeadlockDetection(detectionInterval)
	return lm
}

func (lm *LockManager) Close() {
	close(lm.stop)
	lm.wg.Wait()
}

func (lm *LockManager) queue(rid common.RecordID) *lockRequestQueue {
	q, ok := lm.lockTable[rid]
	if !ok {
		q = &lockRequestQueue{
			upgradingTxn: common.NilTxnID,
			cond:         sync.NewCond(&lm.mu),
		}
		lm.lockTable[rid] = q
	}
	return q
}

func abortWith(txn *Transaction, err error) error {
	txn.setState(TxnAborted)
	return fmt.Errorf("txn %d: %w", txn.ID(), err)
}

// wait blocks until req is grantable or the transaction is aborted by the
// detector. Reports whether the lock was granted.
func (lm *LockManager) wait(txn *Transaction, q *lockRequestQueue, req *lockRequest) bool {
	for !q.grantable(req) && txn.State() != TxnAborted {
		q.cond.Wait()
	}

	if txn.State() == TxnAborted {
		q.remove(req.txnID)
		q.cond.Broadcast()
		return false
	}

	req.granted = true
	return true
}

// LockShared acquires a shared lock on rid, blocking while incompatible
// requests are ahead in the queue.
func (lm *LockManager) LockShared(txn *Transaction, rid common.RecordID) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if txn.IsolationLevel() == ReadUncommitted {
		return abortWith(txn, ErrLockSharedOnReadUncommitted)
	}
	if txn.State() == TxnShrinking && txn.IsolationLevel() == RepeatableRead {
		return abortWith(txn, ErrLockOnShrinking)
	}
	if txn.IsSharedLocked(rid) || txn.IsExclusiveLocked(rid) {
		return nil
	}

	q := lm.queue(rid)
	req := &lockRequest{txnID: txn.ID(), mode: LockShared}
	q.requests = append(q.requests, req)
	lm.txns[txn.ID()] = txn

	if !lm.wait(txn, q, req) {
		if len(q.requests) == 0 {
			delete(lm.lockTable, rid)
		}
		return fmt.Errorf("txn %d: %w", txn.ID(), ErrDeadlock)
	}

	txn.addSharedLock(rid)
	return nil
}

// LockExclusive acquires an exclusive lock on rid. A transaction that
// already holds the record shared must use LockUpgrade instead.
func (lm *LockManager) LockExclusive(txn *Transaction, rid common.RecordID) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if txn.State() == TxnShrinking {
		return abortWith(txn, ErrLockOnShrinking)
	}
	if txn.IsExclusiveLocked(rid) {
		return nil
	}
	assert.Assert(
		!txn.IsSharedLocked(rid),
		"txn %d must upgrade its shared lock on %v instead of relocking",
		txn.ID(),
		rid,
	)

	q := lm.queue(rid)
	req := &lockRequest{txnID: txn.ID(), mode: LockExclusive}
	q.requests = append(q.requests, req)
	lm.txns[txn.ID()] = txn

	if !lm.wait(txn, q, req) {
		if len(q.requests) == 0 {
			delete(lm.lockTable, rid)
		}
		return fmt.Errorf("txn %d: %w", txn.ID(), ErrDeadlock)
	}

	txn.addExclusiveLock(rid)
	return nil
}

// LockUpgrade turns a held shared lock into an exclusive one. Only one
// upgrade may be pending per record; a second upgrader is rejected with
// ErrUpgradeConflict.
func (lm *LockManager) LockUpgrade(txn *Transaction, rid common.RecordID) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if txn.State() == TxnShrinking {
		return abortWith(txn, ErrLockOnShrinking)
	}
	if txn.IsExclusiveLocked(rid) {
		return nil
	}
	if !txn.IsSharedLocked(rid) {
		return abortWith(txn, ErrUpgradeOnUnshared)
	}

	q, ok := lm.lockTable[rid]
	assert.Assert(ok, "txn %d holds a shared lock on %v but the queue is gone", txn.ID(), rid)

	if q.upgradingTxn != common.NilTxnID {
		return abortWith(txn, ErrUpgradeConflict)
	}
	q.upgradingTxn = txn.ID()

	req := q.find(txn.ID())
	assert.Assert(req != nil && req.granted, "txn %d has no granted request on %v", txn.ID(), rid)

	req.granted = false
	req.mode = LockExclusive
	q.moveAfterGrantedPrefix(req)

	granted := lm.wait(txn, q, req)
	q.upgradingTxn = common.NilTxnID
	q.cond.Broadcast()

	if !granted {
		// The shared entry was consumed by the upgrade attempt.
		txn.removeSharedLock(rid)
		if len(q.requests) == 0 {
			delete(lm.lockTable, rid)
		}
		return fmt.Errorf("txn %d: %w", txn.ID(), ErrDeadlock)
	}

	txn.removeSharedLock(rid)
	txn.addExclusiveLock(rid)
	return nil
}

// Unlock releases the transaction's lock on rid. Under two-phase locking
// the first unlock moves the transaction into its shrinking phase, except
// for shared unlocks under read committed.
func (lm *LockManager) Unlock(txn *Transaction, rid common.RecordID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	return lm.unlock(txn, rid, true)
}

func (lm *LockManager) unlock(txn *Transaction, rid common.RecordID, transition bool) bool {
	var mode LockMode
	switch {
	case txn.IsSharedLocked(rid):
		mode = LockShared
	case txn.IsExclusiveLocked(rid):
		mode = LockExclusive
	default:
		return false
	}

	q, ok := lm.lockTable[rid]
	assert.Assert(ok, "txn %d holds a lock on %v but the queue is gone", txn.ID(), rid)

	q.remove(txn.ID())

	if transition &&
		txn.State() == TxnGrowing &&
		!(mode == LockShared && txn.IsolationLevel() == ReadCommitted) {
		txn.setState(TxnShrinking)
	}

	if mode == LockShared {
		txn.removeSharedLock(rid)
	} else {
		txn.removeExclusiveLock(rid)
	}

	if len(q.requests) == 0 {
		delete(lm.lockTable, rid)
	} else {
		q.cond.Broadcast()
	}
	return true
}

// UnlockAll sweeps every lock the transaction still holds. It is the
// commit/abort path and therefore skips the 2PL phase transition.
func (lm *LockManager) UnlockAll(txn *Transaction) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, rid := range txn.LockedRecords() {
		lm.unlock(txn, rid, false)
	}
	delete(lm.txns, txn.ID())
}
