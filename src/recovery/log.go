package recovery

import (
	"sync"
	"sync/atomic"

	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
)

// LogManager buffers serialized log records and hands them to the
// append-only log storage in groups. LSNs are assigned under the manager
// mutex so record order on disk matches assignment order. Two buffers
// swap on flush so appends keep flowing while a flush is in progress.
type LogManager struct {
	enabled atomic.Bool

	// flushMu serializes flushers; appenders only contend on mu.
	flushMu sync.Mutex

	mu            sync.Mutex
	nextLSN       common.LSN
	persistentLSN common.LSN
	buf           []byte
	flushBuf      []byte

	storage common.LogStorage
}

func NewLogManager(storage common.LogStorage) *LogManager {
	return &LogManager{
		nextLSN:       0,
		persistentLSN: common.InvalidLSN,
		storage:       storage,
	}
}

// Enabled mirrors the global logging switch. The storage core never
// inspects it; only the log manager and its clients do.
func (l *LogManager) Enabled() bool { return l.enabled.Load() }

func (l *LogManager) Enable()  { l.enabled.Store(true) }
func (l *LogManager) Disable() { l.enabled.Store(false) }

// AppendLogRecord assigns the record its LSN and size and buffers its
// serialized form. Appends are dropped while logging is disabled.
func (l *LogManager) AppendLogRecord(r *LogRecord) common.LSN {
	if !l.enabled.Load() {
		return common.InvalidLSN
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r.Size = logRecordHeaderSize + r.payloadSize()
	r.LSN = l.nextLSN
	l.nextLSN++

	l.buf = append(l.buf, r.Serialize()...)
	return r.LSN
}

// Flush writes every buffered record out and advances the persistent LSN.
func (l *LogManager) Flush() error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	l.buf, l.flushBuf = l.flushBuf[:0], l.buf
	flushUpTo := l.nextLSN
	toWrite := l.flushBuf
	l.mu.Unlock()

	if len(toWrite) == 0 {
		return nil
	}

	if err := l.storage.AppendLog(toWrite); err != nil {
		return err
	}

	l.mu.Lock()
	if flushUpTo > 0 {
		l.persistentLSN = flushUpTo - 1
	}
	l.mu.Unlock()
	return nil
}

// PersistentLSN is the largest LSN known to be on disk.
func (l *LogManager) PersistentLSN() common.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.persistentLSN
}

// NextLSN exposes the next LSN to be assigned. Test introspection.
func (l *LogManager) NextLSN() common.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.nextLSN
}
