package main

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/panjf2000/ants"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Blackdeer1524/MiniRel/src/app"
	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
	"github.com/Blackdeer1524/MiniRel/src/txns"
)

var (
	inMemory bool

	demoKeys    uint64
	demoWorkers int
	demoIndex   string
)

func storageFs() afero.Fs {
	if inMemory {
		return afero.NewMemMapFs()
	}
	return afero.NewOsFs()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "minirel",
		Short: "MiniRel storage core: buffer pool, B+Tree index, 2PL lock manager",
	}
	root.PersistentFlags().
		BoolVar(&inMemory, "in-memory", false, "run against a throwaway in-memory filesystem")

	root.AddCommand(newDemoCmd())
	root.AddCommand(newLocksCmd())
	return root
}

// demo drives a concurrent insert workload through the B+Tree and then
// verifies every key with a full scan.
func newDemoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "run a concurrent B+Tree workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := app.Init(storageFs())
			if err != nil {
				return err
			}
			defer func() { _ = storage.Close() }()

			indexName := demoIndex
			if indexName == "" {
				indexName = "demo_" + uuid.NewString()[:8]
			}

			index, err := storage.OpenIndex(indexName)
			if err != nil {
				return err
			}

			pool, err := ants.NewPool(demoWorkers)
			if err != nil {
				return err
			}
			defer pool.Release()

			var inserted atomic.Uint64
			insertRange := func(start uint64) error {
				for key := start; key <= demoKeys; key += uint64(demoWorkers) {
					ok, err := index.Insert(key, common.RecordID{
						PageID:  common.PageID(key >> 8),
						SlotNum: common.SlotNum(key & 0xFF),
					})
					if err != nil {
						return err
					}
					if ok {
						inserted.Add(1)
					}
				}
				return nil
			}

			g := errgroup.Group{}
			for w := range demoWorkers {
				start := uint64(w) + 1
				done := make(chan error, 1)
				if err := pool.Submit(func() { done <- insertRange(start) }); err != nil {
					return err
				}
				g.Go(func() error { return <-done })
			}
			if err := g.Wait(); err != nil {
				return err
			}

			var scanned uint64
			it, err := index.Begin()
			if err != nil {
				return err
			}
			defer it.Close()

			prev := uint64(0)
			for it.Valid() {
				key := it.Key()
				if key <= prev && scanned > 0 {
					return fmt.Errorf("scan out of order: %d after %d", key, prev)
				}
				prev = key
				scanned++
				if err := it.Next(); err != nil {
					return err
				}
			}

			storage.Log.Infof(
				"demo finished: index=%s inserted=%d scanned=%d",
				indexName,
				inserted.Load(),
				scanned,
			)
			if scanned != inserted.Load() {
				return fmt.Errorf("scan mismatch: inserted %d, scanned %d", inserted.Load(), scanned)
			}
			return nil
		},
	}

	cmd.Flags().Uint64Var(&demoKeys, "keys", 10_000, "number of keys to insert")
	cmd.Flags().IntVar(&demoWorkers, "workers", 8, "concurrent workers")
	cmd.Flags().StringVar(&demoIndex, "index", "", "index name (random when empty)")
	return cmd
}

// locks demonstrates the deadlock detector: two transactions lock two
// records in opposite order and the youngest one gets aborted.
func newLocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "provoke a deadlock and let the detector resolve it",
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := app.Init(storageFs())
			if err != nil {
				return err
			}
			defer func() { _ = storage.Close() }()

			a := common.RecordID{PageID: 1, SlotNum: 0}
			b := common.RecordID{PageID: 1, SlotNum: 1}

			t1 := storage.TxnManager.Begin(txns.RepeatableRead)
			t2 := storage.TxnManager.Begin(txns.RepeatableRead)

			if err := storage.LockManager.LockExclusive(t1, a); err != nil {
				return err
			}
			if err := storage.LockManager.LockExclusive(t2, b); err != nil {
				return err
			}

			crossed := make(chan error, 1)
			go func() {
				err := storage.LockManager.LockExclusive(t2, a)
				if err != nil {
					// Unwinding the victim releases b and unblocks t1.
					storage.TxnManager.Abort(t2, storage.LockManager)
				}
				crossed <- err
			}()

			err1 := storage.LockManager.LockExclusive(t1, b)
			err2 := <-crossed

			storage.Log.Infof("t1 lock(b): %v", err1)
			storage.Log.Infof("t2 lock(a): %v", err2)

			storage.TxnManager.Commit(t1, storage.LockManager)
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
