package txns

import (
	"sync"
	"sync/atomic"

	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
	"github.com/Blackdeer1524/MiniRel/src/recovery"
)

// TxnManager hands out transaction ids and drives the commit/abort
// protocol: emit the log record, then release every lock the transaction
// still holds. Rolling back data modifications is the job of the
// executor layer, not the lock manager.
type TxnManager struct {
	nextTxnID atomic.Uint64

	mu   sync.Mutex
	txns map[common.TxnID]*Transaction

	logManager *recovery.LogManager
}

func NewTxnManager(logManager *recovery.LogManager) *TxnManager {
	return &TxnManager{
		txns:       make(map[common.TxnID]*Transaction),
		logManager: logManager,
	}
}

func (m *TxnManager) Begin(isolation IsolationLevel) *Transaction {
	id := common.TxnID(m.nextTxnID.Add(1))
	txn := newTransaction(id, isolation)

	if lsn := m.logManager.AppendLogRecord(recovery.NewBeginLogRecord(id)); lsn != common.InvalidLSN {
		txn.SetPrevLSN(lsn)
	}

	m.mu.Lock()
	m.txns[id] = txn
	m.mu.Unlock()

	return txn
}

func (m *TxnManager) GetTransaction(id common.TxnID) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[id]
	return txn, ok
}

func (m *TxnManager) Commit(txn *Transaction, lockManager *LockManager) {
	txn.setState(TxnCommitted)

	record := recovery.NewCommitLogRecord(txn.ID(), txn.PrevLSN())
	if lsn := m.logManager.AppendLogRecord(record); lsn != common.InvalidLSN {
		txn.SetPrevLSN(lsn)
	}

	lockManager.UnlockAll(txn)
	m.forget(txn)
}

func (m *TxnManager) Abort(txn *Transaction, lockManager *LockManager) {
	txn.setState(TxnAborted)

	record := recovery.NewAbortLogRecord(txn.ID(), txn.PrevLSN())
	if lsn := m.logManager.AppendLogRecord(record); lsn != common.InvalidLSN {
		txn.SetPrevLSN(lsn)
	}

	lockManager.UnlockAll(txn)
	m.forget(txn)
}

func (m *TxnManager) forget(txn *Transaction) {
	m.mu.Lock()
	delete(m.txns, txn.ID())
	m.mu.Unlock()
}
