// Package concurrency implements strict two-phase locking over tables and
// rows, with a background detector that breaks deadlocks by aborting the
// youngest transaction on any cycle.
package concurrency

import (
	"errors"
	"fmt"
	"sync"
)

// noUpgrader marks a lock queue as having no in-flight upgrade.
const noUpgrader int64 = -1

// ErrTransactionFinished is returned when a lock is requested by a
// transaction that has already committed or aborted.
var ErrTransactionFinished = errors.New("concurrency: transaction already committed or aborted")

// ErrAbortedWhileWaiting is returned to a waiter whose transaction was
// aborted (typically by the deadlock detector) while it slept for a grant.
var ErrAbortedWhileWaiting = errors.New("concurrency: transaction aborted while waiting for lock")

type lockRequest struct {
	txnID   int64
	mode    LockMode
	granted bool
}

// lockQueue is the FIFO list of requests against a single table or row,
// guarded by one mutex and condition variable.
type lockQueue struct {
	mtx       sync.Mutex
	cond      *sync.Cond
	requests  []*lockRequest
	upgrading int64
}

func newLockQueue() *lockQueue {
	q := &lockQueue{upgrading: noUpgrader}
	q.cond = sync.NewCond(&q.mtx)
	return q
}

func removeRequest(q *lockQueue, target *lockRequest) {
	for i, r := range q.requests {
		if r == target {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

// grantable reports whether req's mode is compatible with every other
// granted request in the queue, and that no other transaction is mid
// upgrade. Caller must hold q.mtx.
func grantable(q *lockQueue, req *lockRequest) bool {
	if q.upgrading != noUpgrader && q.upgrading != req.txnID {
		return false
	}
	for _, r := range q.requests {
		if !r.granted || r.txnID == req.txnID {
			continue
		}
		if !compatible(req.mode, r.mode) {
			return false
		}
	}
	return true
}

// LockManager implements the hierarchical, multi-granularity lock protocol
// of section 4.6: table-level intention/shared/exclusive locks, row-level
// shared/exclusive locks qualified by a table-level intention lock, upgrade
// priority, and isolation-level-aware preconditions.
type LockManager struct {
	tableMtx    sync.Mutex
	tableQueues map[string]*lockQueue

	rowMtx    sync.Mutex
	rowQueues map[string]*lockQueue
}

// NewLockManager constructs an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{
		tableQueues: make(map[string]*lockQueue),
		rowQueues:   make(map[string]*lockQueue),
	}
}

func (lm *LockManager) tableQueueFor(oid string) *lockQueue {
	lm.tableMtx.Lock()
	defer lm.tableMtx.Unlock()
	q, ok := lm.tableQueues[oid]
	if !ok {
		q = newLockQueue()
		lm.tableQueues[oid] = q
	}
	return q
}

func rowKey(oid string, rid int64) string {
	return fmt.Sprintf("%s/%d", oid, rid)
}

func (lm *LockManager) rowQueueFor(oid string, rid int64) *lockQueue {
	key := rowKey(oid, rid)
	lm.rowMtx.Lock()
	defer lm.rowMtx.Unlock()
	q, ok := lm.rowQueues[key]
	if !ok {
		q = newLockQueue()
		lm.rowQueues[key] = q
	}
	return q
}

// abort transitions txn to ABORTED and returns the error the caller should
// propagate.
func (lm *LockManager) abort(txn *Transaction, reason AbortReason) error {
	txn.setState(Aborted)
	return &TransactionAbortError{TxnID: txn.ID(), Reason: reason}
}

// checkPrecondition validates a lock request against the transaction's
// state and isolation level, per section 4.6.3. isRow restricts the
// request to S/X, since intention locks are table-only.
func (lm *LockManager) checkPrecondition(txn *Transaction, mode LockMode, isRow bool) error {
	if isRow && mode != Shared && mode != Exclusive {
		return lm.abort(txn, AttemptedIntentionLockOnRow)
	}

	state := txn.State()
	if state == Aborted || state == Committed {
		return ErrTransactionFinished
	}
	level := txn.IsolationLevel()

	if state == Shrinking {
		switch level {
		case RepeatableRead:
			return lm.abort(txn, LockOnShrinking)
		case ReadCommitted:
			if mode != IntentionShared && mode != Shared {
				return lm.abort(txn, LockOnShrinking)
			}
		case ReadUncommitted:
			if mode == Shared || mode == IntentionShared {
				return lm.abort(txn, LockSharedOnReadUncommitted)
			}
			return lm.abort(txn, LockOnShrinking)
		}
	}

	if state == Growing && level == ReadUncommitted {
		if mode != IntentionExclusive && mode != Exclusive {
			return lm.abort(txn, LockSharedOnReadUncommitted)
		}
	}

	return nil
}

// runGrantLoop appends req to q (held locked by the caller) and blocks
// until it is granted or the owning transaction aborts, e.g. at the hands
// of the deadlock detector. Always returns with q.mtx unlocked.
func runGrantLoop(q *lockQueue, txn *Transaction, req *lockRequest) error {
	q.requests = append(q.requests, req)
	for {
		if txn.State() == Aborted {
			removeRequest(q, req)
			if q.upgrading == txn.ID() {
				q.upgrading = noUpgrader
			}
			q.cond.Broadcast()
			q.mtx.Unlock()
			return ErrAbortedWhileWaiting
		}
		if grantable(q, req) {
			break
		}
		q.cond.Wait()
	}
	req.granted = true
	if q.upgrading == txn.ID() {
		q.upgrading = noUpgrader
	}
	q.mtx.Unlock()
	return nil
}

// LockTable acquires mode on oid for txn, blocking until compatible or the
// transaction is aborted by a precondition failure or the deadlock
// detector.
func (lm *LockManager) LockTable(txn *Transaction, mode LockMode, oid string) error {
	if err := lm.checkPrecondition(txn, mode, false); err != nil {
		return err
	}

	q := lm.tableQueueFor(oid)
	q.mtx.Lock()

	for _, r := range q.requests {
		if r.txnID != txn.ID() || !r.granted {
			continue
		}
		if r.mode == mode {
			q.mtx.Unlock()
			return nil
		}
		if q.upgrading != noUpgrader && q.upgrading != txn.ID() {
			q.mtx.Unlock()
			return lm.abort(txn, UpgradeConflict)
		}
		if !legalUpgrade(r.mode, mode) {
			q.mtx.Unlock()
			return lm.abort(txn, IncompatibleUpgrade)
		}
		removeRequest(q, r)
		txn.removeTableLock(r.mode, oid)
		q.upgrading = txn.ID()
		break
	}

	req := &lockRequest{txnID: txn.ID(), mode: mode}
	if err := runGrantLoop(q, txn, req); err != nil {
		return err
	}

	txn.addTableLock(mode, oid)
	return nil
}

// UnlockTable releases txn's lock on oid.
func (lm *LockManager) UnlockTable(txn *Transaction, oid string) error {
	if txn.hasAnyRowLockOn(oid) {
		return lm.abort(txn, TableUnlockedBeforeUnlockingRows)
	}

	q := lm.tableQueueFor(oid)
	q.mtx.Lock()
	var found *lockRequest
	for _, r := range q.requests {
		if r.txnID == txn.ID() && r.granted {
			found = r
			break
		}
	}
	if found == nil {
		q.mtx.Unlock()
		return lm.abort(txn, AttemptedUnlockButNoLockHeld)
	}
	removeRequest(q, found)
	q.cond.Broadcast()
	q.mtx.Unlock()

	txn.removeTableLock(found.mode, oid)
	lm.maybeTransitionToShrinking(txn, found.mode)
	return nil
}

// LockRow acquires a Shared or Exclusive lock on (oid, rid) for txn. The
// transaction must already hold a table lock on oid strong enough to cover
// the requested row mode.
func (lm *LockManager) LockRow(txn *Transaction, mode LockMode, oid string, rid int64) error {
	if err := lm.checkPrecondition(txn, mode, true); err != nil {
		return err
	}

	tableMode, hasTable := txn.HasTableLock(oid)
	sufficient := false
	if hasTable {
		if mode == Shared {
			sufficient = true // any table lock at all implies at least IS coverage
		} else {
			sufficient = tableMode == IntentionExclusive || tableMode == SharedIntentionExclusive || tableMode == Exclusive
		}
	}
	if !sufficient {
		return lm.abort(txn, TableLockNotPresent)
	}

	q := lm.rowQueueFor(oid, rid)
	q.mtx.Lock()

	for _, r := range q.requests {
		if r.txnID != txn.ID() || !r.granted {
			continue
		}
		if r.mode == mode {
			q.mtx.Unlock()
			return nil
		}
		if q.upgrading != noUpgrader && q.upgrading != txn.ID() {
			q.mtx.Unlock()
			return lm.abort(txn, UpgradeConflict)
		}
		if !(r.mode == Shared && mode == Exclusive) {
			q.mtx.Unlock()
			return lm.abort(txn, IncompatibleUpgrade)
		}
		removeRequest(q, r)
		txn.removeRowLock(r.mode, oid, rid)
		q.upgrading = txn.ID()
		break
	}

	req := &lockRequest{txnID: txn.ID(), mode: mode}
	if err := runGrantLoop(q, txn, req); err != nil {
		return err
	}

	txn.addRowLock(mode, oid, rid)
	return nil
}

// UnlockRow releases txn's lock on (oid, rid).
func (lm *LockManager) UnlockRow(txn *Transaction, oid string, rid int64) error {
	q := lm.rowQueueFor(oid, rid)
	q.mtx.Lock()
	var found *lockRequest
	for _, r := range q.requests {
		if r.txnID == txn.ID() && r.granted {
			found = r
			break
		}
	}
	if found == nil {
		q.mtx.Unlock()
		return lm.abort(txn, AttemptedUnlockButNoLockHeld)
	}
	removeRequest(q, found)
	q.cond.Broadcast()
	q.mtx.Unlock()

	txn.removeRowLock(found.mode, oid, rid)
	lm.maybeTransitionToShrinking(txn, found.mode)
	return nil
}

// maybeTransitionToShrinking moves txn from GROWING to SHRINKING when the
// just-released mode qualifies under its isolation level. Releasing
// intention locks never transitions a transaction's phase.
func (lm *LockManager) maybeTransitionToShrinking(txn *Transaction, releasedMode LockMode) {
	if txn.State() != Growing {
		return
	}
	switch txn.IsolationLevel() {
	case RepeatableRead:
		if releasedMode == Shared || releasedMode == Exclusive {
			txn.setState(Shrinking)
		}
	case ReadCommitted, ReadUncommitted:
		if releasedMode == Exclusive {
			txn.setState(Shrinking)
		}
	}
}

// releaseAll drops every lock txn currently holds, rows before tables so
// the TABLE_UNLOCKED_BEFORE_UNLOCKING_ROWS precondition never fires. Used
// by Commit, Abort, and the deadlock detector's victim cleanup.
func (lm *LockManager) releaseAll(txn *Transaction) {
	for _, rl := range txn.RowLocks() {
		_ = lm.UnlockRow(txn, rl.Oid, rl.Rid)
	}
	for _, tl := range txn.TableLocks() {
		_ = lm.UnlockTable(txn, tl.Oid)
	}
}

// waitEdges returns every (waiter, holder) transaction-id pair currently
// present across all table and row queues, for the deadlock detector to
// build a waits-for graph from.
func (lm *LockManager) waitEdges() [][2]int64 {
	var edges [][2]int64
	collect := func(q *lockQueue) {
		q.mtx.Lock()
		for _, w := range q.requests {
			if w.granted {
				continue
			}
			for _, g := range q.requests {
				if g.granted {
					edges = append(edges, [2]int64{w.txnID, g.txnID})
				}
			}
		}
		q.mtx.Unlock()
	}

	lm.tableMtx.Lock()
	tables := make([]*lockQueue, 0, len(lm.tableQueues))
	for _, q := range lm.tableQueues {
		tables = append(tables, q)
	}
	lm.tableMtx.Unlock()
	for _, q := range tables {
		collect(q)
	}

	lm.rowMtx.Lock()
	rows := make([]*lockQueue, 0, len(lm.rowQueues))
	for _, q := range lm.rowQueues {
		rows = append(rows, q)
	}
	lm.rowMtx.Unlock()
	for _, q := range rows {
		collect(q)
	}
	return edges
}

// broadcastAll wakes every waiter on every queue, used after a deadlock
// victim's locks are released so blocked requests re-evaluate grantability.
func (lm *LockManager) broadcastAll() {
	lm.tableMtx.Lock()
	tables := make([]*lockQueue, 0, len(lm.tableQueues))
	for _, q := range lm.tableQueues {
		tables = append(tables, q)
	}
	lm.tableMtx.Unlock()
	for _, q := range tables {
		q.mtx.Lock()
		q.cond.Broadcast()
		q.mtx.Unlock()
	}

	lm.rowMtx.Lock()
	rows := make([]*lockQueue, 0, len(lm.rowQueues))
	for _, q := range lm.rowQueues {
		rows = append(rows, q)
	}
	lm.rowMtx.Unlock()
	for _, q := range rows {
		q.mtx.Lock()
		q.cond.Broadcast()
		q.mtx.Unlock()
	}
}
