package concurrency

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blitzdb/storage/pkg/config"

	"github.com/google/uuid"
)

// TransactionManager owns the lock manager, the table of live transactions,
// and the background deadlock detector. There is exactly one per database.
type TransactionManager struct {
	lockManager *LockManager

	mtx          sync.RWMutex
	transactions map[int64]*Transaction
	nextID       atomic.Int64

	detector *Detector
}

// NewTransactionManager constructs a TransactionManager and starts its
// deadlock detector on config.DeadlockDetectionInterval.
func NewTransactionManager() *TransactionManager {
	tm := &TransactionManager{
		lockManager:  NewLockManager(),
		transactions: make(map[int64]*Transaction),
	}
	interval := time.Duration(config.DeadlockDetectionInterval) * time.Millisecond
	tm.detector = newDetector(tm.lockManager, tm, interval)
	go tm.detector.run()
	return tm
}

// LockManager returns the lock manager backing this transaction manager.
func (tm *TransactionManager) LockManager() *LockManager {
	return tm.lockManager
}

// Begin starts a new transaction at the given isolation level.
func (tm *TransactionManager) Begin(level IsolationLevel) *Transaction {
	id := tm.nextID.Add(1)
	txn := newTransaction(id, uuid.New(), level)
	tm.mtx.Lock()
	tm.transactions[id] = txn
	tm.mtx.Unlock()
	return txn
}

// GetTransaction looks up a running transaction by id.
func (tm *TransactionManager) GetTransaction(id int64) (*Transaction, bool) {
	tm.mtx.RLock()
	defer tm.mtx.RUnlock()
	txn, ok := tm.transactions[id]
	return txn, ok
}

// Commit releases every lock txn holds and marks it COMMITTED.
func (tm *TransactionManager) Commit(txn *Transaction) error {
	if txn.State() == Aborted {
		return errors.New("concurrency: cannot commit an aborted transaction")
	}
	tm.lockManager.releaseAll(txn)
	txn.setState(Committed)
	tm.mtx.Lock()
	delete(tm.transactions, txn.ID())
	tm.mtx.Unlock()
	return nil
}

// Abort releases every lock txn holds and marks it ABORTED. Safe to call on
// a transaction the lock manager or the deadlock detector already aborted.
func (tm *TransactionManager) Abort(txn *Transaction) error {
	txn.setState(Aborted)
	tm.lockManager.releaseAll(txn)
	tm.mtx.Lock()
	delete(tm.transactions, txn.ID())
	tm.mtx.Unlock()
	return nil
}

// Close stops the background deadlock detector.
func (tm *TransactionManager) Close() {
	tm.detector.Stop()
}
