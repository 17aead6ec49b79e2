package txns

import (
	"slices"
	"time"

	"github.com/Blackdeer1524/MiniRel/src/pkg/assert"
	"github.com/Blackdeer1524/MiniRel/src/pkg/common"
)

// waitsForGraph maps a waiting transaction to the transactions holding
// the locks it waits on. It is rebuilt from scratch on every detection
// cycle and never persisted.
type waitsForGraph map[common.TxnID][]common.TxnID

// WaitsForEdge is one "t1 waits on a lock granted to t2" edge, exported
// for introspection in tests.
type WaitsForEdge struct {
	From common.TxnID
	To   common.TxnID
}

func (lm *LockManager) runDeadlockDetection(interval time.Duration) {
	defer lm.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-lm.stop:
			return
		case <-ticker.C:
		}
		lm.detectDeadlocks()
	}
}

// detectDeadlocks aborts the youngest member of every waits-for cycle and
// wakes the condvars its victims block on, until the graph is acyclic.
func (lm *LockManager) detectDeadlocks() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for {
		graph := lm.buildWaitsForGraph()
		victim, ok := findVictim(graph)
		if !ok {
			return
		}

		txn, known := lm.txns[victim]
		assert.Assert(known, "victim txn %d is not registered in the lock table", victim)

		lm.log.Infof("deadlock detected, aborting youngest txn %d", victim)
		txn.setState(TxnAborted)

		// Wake every queue the victim touches: its own waiter must observe
		// the abort, and waiters blocked behind its entries must resweep.
		for _, q := range lm.lockTable {
			if q.has(victim) {
				q.cond.Broadcast()
			}
		}
	}
}

// buildWaitsForGraph adds an edge from every waiting request to every
// granted request on the same queue, skipping transactions that are
// already aborted.
func (lm *LockManager) buildWaitsForGraph() waitsForGraph {
	graph := make(waitsForGraph)

	for _, q := range lm.lockTable {
		for _, waiting := range q.requests {
			if waiting.granted {
				continue
			}
			if lm.txnAborted(waiting.txnID) {
				continue
			}

			for _, granted := range q.requests {
				if !granted.granted || lm.txnAborted(granted.txnID) {
					continue
				}
				graph[waiting.txnID] = append(graph[waiting.txnID], granted.txnID)
			}
		}
	}

	for _, succs := range graph {
		slices.Sort(succs)
	}
	return graph
}

func (lm *LockManager) txnAborted(txnID common.TxnID) bool {
	txn, ok := lm.txns[txnID]
	return ok && txn.State() == TxnAborted
}

// GetEdgeList flattens the current waits-for graph, deterministically
// ordered. Test introspection.
func (lm *LockManager) GetEdgeList() []WaitsForEdge {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	graph := lm.buildWaitsForGraph()
	edges := make([]WaitsForEdge, 0, len(graph))
	for from, tos := range graph {
		for _, to := range tos {
			edges = append(edges, WaitsForEdge{From: from, To: to})
		}
	}
	slices.SortFunc(edges, func(a, b WaitsForEdge) int {
		if a.From != b.From {
			if a.From < b.From {
				return -1
			}
			return 1
		}
		switch {
		case a.To < b.To:
			return -1
		case a.To > b.To:
			return 1
		default:
			return 0
		}
	})
	return edges
}

type visitState byte

const (
	visitNotVisited visitState = iota
	visitOnStack
	visitDone
)

// findVictim searches the graph for a cycle with a depth-first walk in
// sorted transaction-id order and returns the youngest (largest) id on
// the cycle. Visiting order makes the choice deterministic.
func findVictim(graph waitsForGraph) (common.TxnID, bool) {
	nodes := make([]common.TxnID, 0, len(graph))
	for txnID := range graph {
		nodes = append(nodes, txnID)
	}
	slices.Sort(nodes)

	marks := make(map[common.TxnID]visitState, len(graph))
	stack := make([]common.TxnID, 0, len(graph))

	var dfs func(txnID common.TxnID) (common.TxnID, bool)
	dfs = func(txnID common.TxnID) (common.TxnID, bool) {
		marks[txnID] = visitOnStack
		stack = append(stack, txnID)

		for _, next := range graph[txnID] {
			switch marks[next] {
			case visitOnStack:
				// Back edge: the cycle is the stack suffix starting at next.
				start := slices.Index(stack, next)
				assert.Assert(start >= 0, "on-stack node %d missing from the stack", next)

				victim := next
				for _, member := range stack[start:] {
					if member > victim {
						victim = member
					}
				}
				return victim, true
			case visitNotVisited:
				if victim, found := dfs(next); found {
					return victim, true
				}
			case visitDone:
			}
		}

		marks[txnID] = visitDone
		stack = stack[:len(stack)-1]
		return 0, false
	}

	for _, txnID := range nodes {
		if marks[txnID] != visitNotVisited {
			continue
		}
		if victim, found := dfs(txnID); found {
			return victim, true
		}
	}
	return 0, false
}
