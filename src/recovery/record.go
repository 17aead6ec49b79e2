package recovery

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
)

var ErrTruncatedRecord = errors.New("truncated log record")

type LogRecordType uint32

const (
	TypeInvalid LogRecordType = iota
	TypeBegin
	TypeCommit
	TypeAbort
	TypeInsert
	TypeMarkDelete
	TypeApplyDelete
	TypeUpdate
	TypeNewPage
)

func (t LogRecordType) String() string {
	switch t {
	case TypeBegin:
		return "BEGIN"
	case TypeCommit:
		return "COMMIT"
	case TypeAbort:
		return "ABORT"
	case TypeInsert:
		return "INSERT"
	case TypeMarkDelete:
		return "MARKDELETE"
	case TypeApplyDelete:
		return "APPLYDELETE"
	case TypeUpdate:
		return "UPDATE"
	case TypeNewPage:
		return "NEWPAGE"
	default:
		return fmt.Sprintf("LogRecordType(%d)", uint32(t))
	}
}

// logRecordHeaderSize covers the five fixed fields every record starts
// with: [ size:4 | lsn:4 | txn_id:4 | prev_lsn:4 | record_type:4 ].
const logRecordHeaderSize = 20

// LogRecord is one entry of the write-ahead log. Replay semantics belong
// to an external recovery collaborator; the core only emits records.
type LogRecord struct {
	Size    uint32
	LSN     common.LSN
	TxnID   common.TxnID
	PrevLSN common.LSN
	Type    LogRecordType

	// data-record payload
	RID   common.RecordID
	Tuple []byte

	// update payload
	OldTuple []byte
	NewTuple []byte

	// new-page payload
	PrevPageID common.PageID
	PageID     common.PageID
}

func newRecord(t LogRecordType, txnID common.TxnID, prevLSN common.LSN) *LogRecord {
	return &LogRecord{
		TxnID:   txnID,
		PrevLSN: prevLSN,
		Type:    t,
	}
}

func NewBeginLogRecord(txnID common.TxnID) *LogRecord {
	return newRecord(TypeBegin, txnID, common.InvalidLSN)
}

func NewCommitLogRecord(txnID common.TxnID, prevLSN common.LSN) *LogRecord {
	return newRecord(TypeCommit, txnID, prevLSN)
}

func NewAbortLogRecord(txnID common.TxnID, prevLSN common.LSN) *LogRecord {
	return newRecord(TypeAbort, txnID, prevLSN)
}

func NewInsertLogRecord(
	txnID common.TxnID,
	prevLSN common.LSN,
	rid common.RecordID,
	tuple []byte,
) *LogRecord {
	r := newRecord(TypeInsert, txnID, prevLSN)
	r.RID = rid
	r.Tuple = tuple
	return r
}

func NewMarkDeleteLogRecord(
	txnID common.TxnID,
	prevLSN common.LSN,
	rid common.RecordID,
	tuple []byte,
) *LogRecord {
	r := newRecord(TypeMarkDelete, txnID, prevLSN)
	r.RID = rid
	r.Tuple = tuple
	return r
}

func NewApplyDeleteLogRecord(
	txnID common.TxnID,
	prevLSN common.LSN,
	rid common.RecordID,
	tuple []byte,
) *LogRecord {
	r := newRecord(TypeApplyDelete, txnID, prevLSN)
	r.RID = rid
	r.Tuple = tuple
	return r
}

func NewUpdateLogRecord(
	txnID common.TxnID,
	prevLSN common.LSN,
	rid common.RecordID,
	oldTuple []byte,
	newTuple []byte,
) *LogRecord {
	r := newRecord(TypeUpdate, txnID, prevLSN)
	r.RID = rid
	r.OldTuple = oldTuple
	r.NewTuple = newTuple
	return r
}

func NewNewPageLogRecord(
	txnID common.TxnID,
	prevLSN common.LSN,
	prevPageID common.PageID,
	pageID common.PageID,
) *LogRecord {
	r := newRecord(TypeNewPage, txnID, prevLSN)
	r.PrevPageID = prevPageID
	r.PageID = pageID
	return r
}

func (r *LogRecord) payloadSize() uint32 {
	switch r.Type {
	case TypeInsert, TypeMarkDelete, TypeApplyDelete:
		return 8 + 4 + uint32(len(r.Tuple))
	case TypeUpdate:
		return 8 + 4 + uint32(len(r.OldTuple)) + 4 + uint32(len(r.NewTuple))
	case TypeNewPage:
		return 8
	default:
		return 0
	}
}

type recordWriter struct {
	buf []byte
}

func (w *recordWriter) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *recordWriter) rid(rid common.RecordID) {
	w.u32(uint32(rid.PageID))
	w.u32(uint32(rid.SlotNum))
}

func (w *recordWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// Serialize encodes the record; Size and LSN must be assigned by the log
// manager beforehand.
func (r *LogRecord) Serialize() []byte {
	w := recordWriter{buf: make([]byte, 0, r.Size)}
	w.u32(r.Size)
	w.u32(uint32(r.LSN))
	w.u32(uint32(r.TxnID))
	w.u32(uint32(r.PrevLSN))
	w.u32(uint32(r.Type))

	switch r.Type {
	case TypeInsert, TypeMarkDelete, TypeApplyDelete:
		w.rid(r.RID)
		w.bytes(r.Tuple)
	case TypeUpdate:
		w.rid(r.RID)
		w.bytes(r.OldTuple)
		w.bytes(r.NewTuple)
	case TypeNewPage:
		w.u32(uint32(r.PrevPageID))
		w.u32(uint32(r.PageID))
	}
	return w.buf
}

type recordReader struct {
	buf []byte
	off int
}

func (rd *recordReader) u32() (uint32, error) {
	if rd.off+4 > len(rd.buf) {
		return 0, ErrTruncatedRecord
	}
	v := binary.LittleEndian.Uint32(rd.buf[rd.off : rd.off+4])
	rd.off += 4
	return v, nil
}

func (rd *recordReader) rid() (common.RecordID, error) {
	pageID, err := rd.u32()
	if err != nil {
		return common.RecordID{}, err
	}
	slot, err := rd.u32()
	if err != nil {
		return common.RecordID{}, err
	}
	return common.RecordID{PageID: common.PageID(pageID), SlotNum: common.SlotNum(slot)}, nil
}

func (rd *recordReader) bytes() ([]byte, error) {
	n, err := rd.u32()
	if err != nil {
		return nil, err
	}
	if rd.off+int(n) > len(rd.buf) {
		return nil, ErrTruncatedRecord
	}
	b := make([]byte, n)
	copy(b, rd.buf[rd.off:rd.off+int(n)])
	rd.off += int(n)
	return b, nil
}

// DeserializeLogRecord decodes the record at the head of buf, returning
// it along with the number of bytes consumed.
func DeserializeLogRecord(buf []byte) (*LogRecord, uint32, error) {
	rd := recordReader{buf: buf}

	r := &LogRecord{}
	fields := []func(v uint32){
		func(v uint32) { r.Size = v },
		func(v uint32) { r.LSN = common.LSN(v) },
		func(v uint32) { r.TxnID = common.TxnID(v) },
		func(v uint32) { r.PrevLSN = common.LSN(v) },
		func(v uint32) { r.Type = LogRecordType(v) },
	}
	for _, set := range fields {
		v, err := rd.u32()
		if err != nil {
			return nil, 0, err
		}
		set(v)
	}

	if r.Size < logRecordHeaderSize || int(r.Size) > len(buf) {
		return nil, 0, ErrTruncatedRecord
	}

	var err error
	switch r.Type {
	case TypeInsert, TypeMarkDelete, TypeApplyDelete:
		if r.RID, err = rd.rid(); err != nil {
			return nil, 0, err
		}
		if r.Tuple, err = rd.bytes(); err != nil {
			return nil, 0, err
		}
	case TypeUpdate:
		if r.RID, err = rd.rid(); err != nil {
			return nil, 0, err
		}
		if r.OldTuple, err = rd.bytes(); err != nil {
			return nil, 0, err
		}
		if r.NewTuple, err = rd.bytes(); err != nil {
			return nil, 0, err
		}
	case TypeNewPage:
		var prev, cur uint32
		if prev, err = rd.u32(); err != nil {
			return nil, 0, err
		}
		if cur, err = rd.u32(); err != nil {
			return nil, 0, err
		}
		r.PrevPageID = common.PageID(prev)
		r.PageID = common.PageID(cur)
	}

	return r, r.Size, nil
}
