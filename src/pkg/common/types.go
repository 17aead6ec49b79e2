package common

import (
	"fmt"
	"math"
)

// PageID addresses a fixed-size page image on disk. Ids are stable for the
// lifetime of the page; InvalidPageID marks an uninitialized reference.
type PageID uint32

const InvalidPageID = PageID(math.MaxUint32)

// FrameID addresses a slot in the buffer pool, in [0, pool_size).
type FrameID uint64

// TxnID is assigned monotonically by the transaction manager. Lower id
// means older transaction.
type TxnID uint64

const NilTxnID = TxnID(0)

// LSN is a log sequence number.
type LSN uint32

const InvalidLSN = LSN(math.MaxUint32)

type SlotNum uint32

// RecordID names a tuple as (page, slot). It is opaque to the lock manager.
type RecordID struct {
	PageID  PageID
	SlotNum SlotNum
}

func (r RecordID) String() string {
	return fmt.Sprintf("(%d,%d)", r.PageID, r.SlotNum)
}

// DiskManager is the page-image storage contract consumed by the buffer
// pool. Reads and writes are synchronous and page-sized; no partial write
// is ever visible.
type DiskManager interface {
	ReadPage(pageID PageID, buf []byte) error
	WritePage(pageID PageID, buf []byte) error
	AllocatePage() PageID
	DeallocatePage(pageID PageID)
}

// LogStorage is the append-only log writer consumed by the recovery
// collaborator. The storage core emits records but never replays them.
type LogStorage interface {
	AppendLog(data []byte) error
	ReadLog(buf []byte, offset int64) (int, error)
}
