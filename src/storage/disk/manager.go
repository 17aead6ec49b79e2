package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
	"github.com/Blackdeer1524/MiniRel/src/storage/page"
)

var ErrShortPage = errors.New("page buffer is not page-sized")

// Manager persists page images and the append-only log through an afero
// filesystem. Pages live in <path>, the log in <path>.log; the page with
// id pid occupies bytes [pid*PageSize, (pid+1)*PageSize).
type Manager struct {
	mu sync.Mutex

	fs      afero.Fs
	db      afero.File
	log     afero.File
	logSize int64

	nextPageID common.PageID
	freePages  []common.PageID
}

var (
	_ common.DiskManager = &Manager{}
	_ common.LogStorage  = &Manager{}
)

func New(fs afero.Fs, dbPath string) (*Manager, error) {
	dbPath = filepath.Clean(dbPath)
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	db, err := fs.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open db file %s: %w", dbPath, err)
	}

	logFile, err := fs.OpenFile(dbPath+".log", os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	dbInfo, err := db.Stat()
	if err != nil {
		_ = db.Close()
		_ = logFile.Close()
		return nil, err
	}

	logInfo, err := logFile.Stat()
	if err != nil {
		_ = db.Close()
		_ = logFile.Close()
		return nil, err
	}

	return &Manager{
		fs:         fs,
		db:         db,
		log:        logFile,
		logSize:    logInfo.Size(),
		nextPageID: common.PageID(dbInfo.Size() / page.PageSize),
	}, nil
}

// ReadPage fills buf with the page image. Pages allocated but never
// written read back as zeroes.
func (m *Manager) ReadPage(pageID common.PageID, buf []byte) error {
	if len(buf) != page.PageSize {
		return ErrShortPage
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	offset := int64(pageID) * page.PageSize
	n, err := m.db.ReadAt(buf, offset)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		clear(buf[n:])
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read page %d: %w", pageID, err)
	}
	return nil
}

func (m *Manager) WritePage(pageID common.PageID, buf []byte) error {
	if len(buf) != page.PageSize {
		return ErrShortPage
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	offset := int64(pageID) * page.PageSize
	if _, err := m.db.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("failed to write page %d: %w", pageID, err)
	}
	return nil
}

// AllocatePage hands out a page id, preferring previously deallocated ids.
// The parallel pool header is the only core client; pool instances carve
// ids out of their own modular counters.
func (m *Manager) AllocatePage() common.PageID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.freePages); n > 0 {
		id := m.freePages[n-1]
		m.freePages = m.freePages[:n-1]
		return id
	}

	id := m.nextPageID
	m.nextPageID++
	return id
}

func (m *Manager) DeallocatePage(pageID common.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.freePages = append(m.freePages, pageID)
}

// NumPages reports how many pages the db file held when it was opened,
// adjusted for allocations made since. Used to seed pool allocators when
// reopening an existing database.
func (m *Manager) NumPages() common.PageID {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.nextPageID
}

func (m *Manager) AppendLog(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.log.WriteAt(data, m.logSize); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	m.logSize += int64(len(data))
	return m.log.Sync()
}

func (m *Manager) ReadLog(buf []byte, offset int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.log.ReadAt(buf, offset)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (m *Manager) ShutDown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return errors.Join(m.db.Close(), m.log.Close())
}
