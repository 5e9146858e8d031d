package concurrency

import (
	"sync"

	"github.com/google/uuid"
)

// IsolationLevel governs which lock modes a transaction's growing and
// shrinking phases permit.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

// TxnState is a transaction's position in the two-phase locking protocol.
type TxnState int

const (
	Growing TxnState = iota
	Shrinking
	Committed
	Aborted
)

func (s TxnState) String() string {
	switch s {
	case Growing:
		return "GROWING"
	case Shrinking:
		return "SHRINKING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// TableLockEntry names a table-level lock held by a transaction.
type TableLockEntry struct {
	Oid  string
	Mode LockMode
}

// RowLockEntry names a row-level lock held by a transaction.
type RowLockEntry struct {
	Oid  string
	Rid  int64
	Mode LockMode
}

// Transaction is one client's unit of work against the database. It tracks
// two-phase locking state and every lock currently granted to it, mirrored
// exactly by the lock manager's queues.
type Transaction struct {
	id        int64
	clientID  uuid.UUID
	isolation IsolationLevel

	mtx   sync.RWMutex
	state TxnState

	tableLocks [5]map[string]struct{}          // indexed by LockMode
	rowLocks   [2]map[string]map[int64]struct{} // 0 = Shared, 1 = Exclusive
}

func newTransaction(id int64, clientID uuid.UUID, level IsolationLevel) *Transaction {
	t := &Transaction{id: id, clientID: clientID, isolation: level, state: Growing}
	for i := range t.tableLocks {
		t.tableLocks[i] = make(map[string]struct{})
	}
	for i := range t.rowLocks {
		t.rowLocks[i] = make(map[string]map[int64]struct{})
	}
	return t
}

// ID returns the transaction's identifier. Higher ids are younger
// transactions; the deadlock detector uses this to pick victims.
func (t *Transaction) ID() int64 { return t.id }

// ClientID returns the uuid identifying the client session that owns this
// transaction, used to correlate write-ahead log records back to it.
func (t *Transaction) ClientID() uuid.UUID { return t.clientID }

// IsolationLevel returns the transaction's isolation level.
func (t *Transaction) IsolationLevel() IsolationLevel { return t.isolation }

// State returns the transaction's current position in the 2PL protocol.
func (t *Transaction) State() TxnState {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.state
}

func (t *Transaction) setState(s TxnState) {
	t.mtx.Lock()
	t.state = s
	t.mtx.Unlock()
}

func rowLockIndex(mode LockMode) int {
	if mode == Shared {
		return 0
	}
	return 1
}

func (t *Transaction) addTableLock(mode LockMode, oid string) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.tableLocks[mode][oid] = struct{}{}
}

func (t *Transaction) removeTableLock(mode LockMode, oid string) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	delete(t.tableLocks[mode], oid)
}

// HasTableLock reports the mode of a lock this transaction holds on oid, if
// any. A transaction holds at most one table lock mode per oid at a time,
// since upgrades replace rather than add to the set.
func (t *Transaction) HasTableLock(oid string) (LockMode, bool) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	for mode, set := range t.tableLocks {
		if _, ok := set[oid]; ok {
			return LockMode(mode), true
		}
	}
	return 0, false
}

func (t *Transaction) addRowLock(mode LockMode, oid string, rid int64) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	set := t.rowLocks[rowLockIndex(mode)]
	if set[oid] == nil {
		set[oid] = make(map[int64]struct{})
	}
	set[oid][rid] = struct{}{}
}

func (t *Transaction) removeRowLock(mode LockMode, oid string, rid int64) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if set := t.rowLocks[rowLockIndex(mode)][oid]; set != nil {
		delete(set, rid)
	}
}

// HasRowLock reports the mode of a lock this transaction holds on (oid,
// rid), if any.
func (t *Transaction) HasRowLock(oid string, rid int64) (LockMode, bool) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	if _, ok := t.rowLocks[0][oid][rid]; ok {
		return Shared, true
	}
	if _, ok := t.rowLocks[1][oid][rid]; ok {
		return Exclusive, true
	}
	return 0, false
}

// hasAnyRowLockOn reports whether the transaction holds any row lock at all
// on the given table, used to enforce that rows are unlocked before the
// table lock covering them.
func (t *Transaction) hasAnyRowLockOn(oid string) bool {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return len(t.rowLocks[0][oid]) > 0 || len(t.rowLocks[1][oid]) > 0
}

// TableLocks returns a snapshot of every table lock currently held.
func (t *Transaction) TableLocks() []TableLockEntry {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	var out []TableLockEntry
	for mode, set := range t.tableLocks {
		for oid := range set {
			out = append(out, TableLockEntry{Oid: oid, Mode: LockMode(mode)})
		}
	}
	return out
}

// RowLocks returns a snapshot of every row lock currently held.
func (t *Transaction) RowLocks() []RowLockEntry {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	var out []RowLockEntry
	for idx, byTable := range t.rowLocks {
		mode := Shared
		if idx == 1 {
			mode = Exclusive
		}
		for oid, rids := range byTable {
			for rid := range rids {
				out = append(out, RowLockEntry{Oid: oid, Rid: rid, Mode: mode})
			}
		}
	}
	return out
}
