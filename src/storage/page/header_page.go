package page

import (
	"bytes"
	"encoding/binary"

	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
)

// HeaderPage is page 0 on disk: a flat record table mapping index names to
// their root page ids. The B+Tree updates it under its root latch.
//
// Layout: [ record_count:4 | (name:32 | root_page_id:4)* ]
const (
	HeaderPageID = common.PageID(0)

	headerNameSize   = 32
	headerRecordSize = headerNameSize + 4
	headerMaxRecords = (PageSize - 4) / headerRecordSize
)

type HeaderPage Page

func AsHeader(p *Page) *HeaderPage { return (*HeaderPage)(p) }

func (h *HeaderPage) Page() *Page { return (*Page)(h) }

func (h *HeaderPage) RecordCount() uint32 {
	return binary.LittleEndian.Uint32(h.data[0:4])
}

func (h *HeaderPage) setRecordCount(n uint32) {
	binary.LittleEndian.PutUint32(h.data[0:4], n)
}

func (h *HeaderPage) recordOffset(idx uint32) int {
	return 4 + int(idx)*headerRecordSize
}

func (h *HeaderPage) nameAt(idx uint32) []byte {
	off := h.recordOffset(idx)
	raw := h.data[off : off+headerNameSize]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		return raw[:i]
	}
	return raw
}

func (h *HeaderPage) find(name string) (uint32, bool) {
	for i := uint32(0); i < h.RecordCount(); i++ {
		if string(h.nameAt(i)) == name {
			return i, true
		}
	}
	return 0, false
}

// InsertRecord registers a new (name, root) pair. Returns false when the
// name already exists, is too long, or the table is full.
func (h *HeaderPage) InsertRecord(name string, root common.PageID) bool {
	if len(name) == 0 || len(name) > headerNameSize {
		return false
	}
	if _, ok := h.find(name); ok {
		return false
	}

	count := h.RecordCount()
	if count >= headerMaxRecords {
		return false
	}

	off := h.recordOffset(count)
	clear(h.data[off : off+headerNameSize])
	copy(h.data[off:off+headerNameSize], name)
	binary.LittleEndian.PutUint32(h.data[off+headerNameSize:off+headerRecordSize], uint32(root))
	h.setRecordCount(count + 1)
	return true
}

// UpdateRecord rewrites the root id of an existing record.
func (h *HeaderPage) UpdateRecord(name string, root common.PageID) bool {
	idx, ok := h.find(name)
	if !ok {
		return false
	}

	off := h.recordOffset(idx)
	binary.LittleEndian.PutUint32(h.data[off+headerNameSize:off+headerRecordSize], uint32(root))
	return true
}

// GetRootID looks up the root page id stored under name.
func (h *HeaderPage) GetRootID(name string) (common.PageID, bool) {
	idx, ok := h.find(name)
	if !ok {
		return common.InvalidPageID, false
	}

	off := h.recordOffset(idx)
	return common.PageID(binary.LittleEndian.Uint32(h.data[off+headerNameSize : off+headerRecordSize])), true
}

// DeleteRecord drops a record, compacting the table.
func (h *HeaderPage) DeleteRecord(name string) bool {
	idx, ok := h.find(name)
	if !ok {
		return false
	}

	count := h.RecordCount()
	from := h.recordOffset(idx + 1)
	to := h.recordOffset(idx)
	end := h.recordOffset(count)
	copy(h.data[to:], h.data[from:end])
	h.setRecordCount(count - 1)
	return true
}
