package recovery_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/blitzdb/storage/pkg/concurrency"
	"github.com/blitzdb/storage/pkg/config"
	"github.com/blitzdb/storage/pkg/database"
	"github.com/blitzdb/storage/pkg/recovery"
	"github.com/blitzdb/storage/test/utils"

	"github.com/google/uuid"
)

// setupRecovery primes a fresh database directory and wires up a
// TransactionManager and a RecoveryManager journaling to it, cleaning up
// all three on test completion.
func setupRecovery(t *testing.T) (*database.Database, *concurrency.TransactionManager, *recovery.RecoveryManager, string) {
	dbName, err := os.MkdirTemp("", "")
	if err != nil {
		t.Fatal("Failed to create random database folder:", err)
	}
	dbName = filepath.Clean(dbName)

	d, err := recovery.Prime(dbName)
	if err != nil {
		t.Fatal("Error priming database:", err)
	}

	logFileName := filepath.Join(dbName, config.LogFileName)
	if err := d.CreateLogFile(logFileName); err != nil {
		t.Fatal("Error creating log file:", err)
	}

	tm := concurrency.NewTransactionManager()
	rm, err := recovery.NewRecoveryManager(d, logFileName)
	if err != nil {
		t.Fatal("Error constructing recovery manager:", err)
	}

	utils.EnsureCleanup(t, func() {
		tm.Close()
		_ = os.RemoveAll(dbName)
		_ = os.RemoveAll(dbName + "-recovery")
	})
	return d, tm, rm, dbName
}

// createTable creates a table in db and journals its creation through rm,
// returning a fresh random table name.
func createTable(t *testing.T, db *database.Database, rm *recovery.RecoveryManager, indexType database.IndexType) string {
	tableName := strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := db.CreateTable(tableName, indexType); err != nil {
		t.Fatal("Error creating table:", err)
	}
	if err := rm.Table(string(indexType), tableName); err != nil {
		t.Fatal("Error logging table creation:", err)
	}
	return tableName
}

func TestRecovery(t *testing.T) {
	t.Run("TableAndEditLogsJournalCleanly", testTableAndEditLogs)
	t.Run("CheckpointSnapshotsAndPrimeRestores", testCheckpointRestore)
	t.Run("RecoverReportsUncommittedTransactions", testRecoverReportsPending)
	t.Run("RecoverReportsNothingOnceCommitted", testRecoverReportsNothingOnceCommitted)
}

func testTableAndEditLogs(t *testing.T) {
	db, tm, rm, _ := setupRecovery(t)
	tableName := createTable(t, db, rm, database.BTreeIndexType)
	table, err := db.GetTable(tableName)
	if err != nil {
		t.Fatal("Error getting table:", err)
	}

	txn := tm.Begin(concurrency.RepeatableRead)
	if err := rm.Start(txn.ClientID()); err != nil {
		t.Fatal("Error writing start log:", err)
	}

	utils.InsertEntry(t, table, 1, 100)
	if err := rm.Edit(txn.ClientID(), table, recovery.INSERT_ACTION, 1, 0, 100); err != nil {
		t.Fatal("Error writing edit log:", err)
	}

	if err := rm.Commit(txn.ClientID()); err != nil {
		t.Fatal("Error writing commit log:", err)
	}

	utils.CheckFindEntry(t, table, 1, 100)
}

func testCheckpointRestore(t *testing.T) {
	db, _, rm, dbName := setupRecovery(t)
	tableName := createTable(t, db, rm, database.BTreeIndexType)
	table, err := db.GetTable(tableName)
	if err != nil {
		t.Fatal("Error getting table:", err)
	}

	utils.InsertEntry(t, table, 1, 1)
	if err := rm.Checkpoint(); err != nil {
		t.Fatal("Error checkpointing:", err)
	}

	// This write happens after the checkpoint and is never flushed or
	// snapshotted, simulating a crash before the next checkpoint.
	utils.InsertEntry(t, table, 2, 2)

	restored, err := recovery.Prime(dbName)
	if err != nil {
		t.Fatal("Error priming from snapshot:", err)
	}
	utils.EnsureCleanup(t, func() { _ = restored.Close() })

	restoredTable, err := restored.GetTable(tableName)
	if err != nil {
		t.Fatal("Error getting restored table:", err)
	}
	utils.CheckFindEntry(t, restoredTable, 1, 1)
	if _, err := restoredTable.Find(2); err == nil {
		t.Error("Expected key 2 (inserted after the checkpoint) to be absent from the restored snapshot")
	}
}

func testRecoverReportsPending(t *testing.T) {
	db, tm, rm, dbName := setupRecovery(t)
	tableName := createTable(t, db, rm, database.BTreeIndexType)
	table, err := db.GetTable(tableName)
	if err != nil {
		t.Fatal("Error getting table:", err)
	}

	txn := tm.Begin(concurrency.RepeatableRead)
	if err := rm.Start(txn.ClientID()); err != nil {
		t.Fatal("Error writing start log:", err)
	}
	utils.InsertEntry(t, table, 1, 1)
	if err := rm.Edit(txn.ClientID(), table, recovery.INSERT_ACTION, 1, 0, 1); err != nil {
		t.Fatal("Error writing edit log:", err)
	}
	// No Commit: txn is still outstanding when the checkpoint below fires.
	if err := rm.Checkpoint(); err != nil {
		t.Fatal("Error checkpointing:", err)
	}

	logFileName := filepath.Join(dbName, config.LogFileName)
	rm2, err := recovery.NewRecoveryManager(db, logFileName)
	if err != nil {
		t.Fatal("Error constructing second recovery manager:", err)
	}

	pending, err := rm2.Recover()
	if err != nil {
		t.Fatal("Error recovering:", err)
	}
	found := false
	for _, id := range pending {
		if id == txn.ClientID() {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected transaction %s to be reported as pending, got %v", txn.ClientID(), pending)
	}
}

func testRecoverReportsNothingOnceCommitted(t *testing.T) {
	db, tm, rm, dbName := setupRecovery(t)
	tableName := createTable(t, db, rm, database.BTreeIndexType)
	table, err := db.GetTable(tableName)
	if err != nil {
		t.Fatal("Error getting table:", err)
	}

	txn := tm.Begin(concurrency.RepeatableRead)
	if err := rm.Start(txn.ClientID()); err != nil {
		t.Fatal("Error writing start log:", err)
	}
	utils.InsertEntry(t, table, 1, 1)
	if err := rm.Edit(txn.ClientID(), table, recovery.INSERT_ACTION, 1, 0, 1); err != nil {
		t.Fatal("Error writing edit log:", err)
	}
	if err := rm.Commit(txn.ClientID()); err != nil {
		t.Fatal("Error writing commit log:", err)
	}
	if err := rm.Checkpoint(); err != nil {
		t.Fatal("Error checkpointing:", err)
	}

	logFileName := filepath.Join(dbName, config.LogFileName)
	rm2, err := recovery.NewRecoveryManager(db, logFileName)
	if err != nil {
		t.Fatal("Error constructing second recovery manager:", err)
	}

	pending, err := rm2.Recover()
	if err != nil {
		t.Fatal("Error recovering:", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no pending transactions after a commit, got %v", pending)
	}
}
