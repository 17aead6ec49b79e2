package app

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/MiniRel/src"
	"github.com/Blackdeer1524/MiniRel/src/bufferpool"
	"github.com/Blackdeer1524/MiniRel/src/pkg/utils"
	"github.com/Blackdeer1524/MiniRel/src/recovery"
	"github.com/Blackdeer1524/MiniRel/src/storage/disk"
	"github.com/Blackdeer1524/MiniRel/src/storage/index/btree"
	"github.com/Blackdeer1524/MiniRel/src/txns"
)

// Storage assembles the core: disk manager, buffer pool, log manager,
// lock manager and transaction manager, configured from the environment.
type Storage struct {
	Env envVars
	Log src.Logger

	Disk        *disk.Manager
	Pool        *bufferpool.Manager
	LogManager  *recovery.LogManager
	LockManager *txns.LockManager
	TxnManager  *txns.TxnManager
}

// Init wires everything together on top of fs. Passing afero.NewMemMapFs
// gives a throwaway database; afero.NewOsFs a persistent one.
func Init(fs afero.Fs) (*Storage, error) {
	env := mustLoadEnv()

	var log src.Logger
	if env.Environment == EnvDev {
		log = utils.Must(zap.NewDevelopment()).Sugar()
	} else {
		log = utils.Must(zap.NewProduction()).Sugar()
	}

	dbPath := filepath.Join(env.DataDir, env.DBFileName)
	freshDB, err := isFreshDB(fs, dbPath)
	if err != nil {
		return nil, err
	}

	diskManager, err := disk.New(fs, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to init disk manager: %w", err)
	}

	replacer, err := newReplacer(env)
	if err != nil {
		_ = diskManager.ShutDown()
		return nil, err
	}

	pool := bufferpool.New(env.BufferPoolSize, replacer, diskManager)

	if freshDB {
		if err := btree.Bootstrap(pool); err != nil {
			_ = diskManager.ShutDown()
			return nil, fmt.Errorf("failed to bootstrap storage: %w", err)
		}
	} else {
		pool.SeedNextPageID(diskManager.NumPages())
	}

	logManager := recovery.NewLogManager(diskManager)
	if env.EnableLogging {
		logManager.Enable()
	}

	lockManager := txns.NewLockManager(log, env.DeadlockDetectionInterval)

	log.Infof(
		"storage initialized: db=%s pool=%d replacer=%s fresh=%v",
		dbPath,
		env.BufferPoolSize,
		env.ReplacerPolicy,
		freshDB,
	)

	return &Storage{
		Env:         env,
		Log:         log,
		Disk:        diskManager,
		Pool:        pool,
		LogManager:  logManager,
		LockManager: lockManager,
		TxnManager:  txns.NewTxnManager(logManager),
	}, nil
}

func isFreshDB(fs afero.Fs, dbPath string) (bool, error) {
	exists, err := afero.Exists(fs, dbPath)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

func newReplacer(env envVars) (bufferpool.Replacer, error) {
	switch env.ReplacerPolicy {
	case "lru":
		return bufferpool.NewLRUReplacer(), nil
	case "clock":
		return bufferpool.NewClockReplacer(env.BufferPoolSize), nil
	default:
		return nil, fmt.Errorf("unknown replacer policy %q", env.ReplacerPolicy)
	}
}

// OpenIndex opens (or registers) a B+Tree over the storage's buffer pool.
func (s *Storage) OpenIndex(name string) (*btree.BPlusTree, error) {
	return btree.New(name, s.Pool, s.Env.LeafMaxSize, s.Env.InternalMaxSize)
}

// Close flushes everything and tears the core down.
func (s *Storage) Close() error {
	s.LockManager.Close()

	err := errors.Join(
		s.LogManager.Flush(),
		s.Pool.FlushAllPages(),
		s.Disk.ShutDown(),
	)
	if err != nil {
		s.Log.Errorf("failed to close storage: %v", err)
	}

	if syncErr := s.Log.Sync(); syncErr != nil {
		err = errors.Join(err, syncErr)
	}
	return err
}
