package recovery

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blitzdb/storage/pkg/config"
	"github.com/blitzdb/storage/pkg/database"

	"github.com/icza/backscanner"
	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"

	"github.com/google/uuid"
)

// RecoveryManager owns the write-ahead log for a database: every table
// creation and entry edit is journaled here before (or alongside) being
// applied, and Checkpoint periodically snapshots the whole data directory
// so a crash never has to replay further back than the last snapshot.
//
// Replaying the log itself (redo committed work, undo in-flight work) is
// not implemented; see Recover.
type RecoveryManager struct {
	db *database.Database

	// txStack tracks the edits of each not-yet-committed transaction, keyed
	// by the client uuid correlating a Transaction to its log records.
	txStack map[uuid.UUID][]editLog

	logFile *os.File
	mtx     sync.Mutex
	log     *logrus.Logger
}

// NewRecoveryManager opens logFilename (creating it if absent) and returns
// a RecoveryManager journaling to it on behalf of db.
func NewRecoveryManager(db *database.Database, logFilename string) (*RecoveryManager, error) {
	logFile, err := os.OpenFile(logFilename, os.O_APPEND|os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	return &RecoveryManager{
		db:      db,
		txStack: make(map[uuid.UUID][]editLog),
		logFile: logFile,
		log:     logrus.StandardLogger(),
	}, nil
}

// flushLog serializes l and immediately appends it to the log file.
// Expects rm.mtx to be held.
func (rm *RecoveryManager) flushLog(l log) error {
	if _, err := rm.logFile.WriteString(l.toString()); err != nil {
		return err
	}
	return rm.logFile.Sync()
}

// Table records the creation of a table to the write-ahead log.
func (rm *RecoveryManager) Table(tblType string, tblName string) error {
	rm.mtx.Lock()
	defer rm.mtx.Unlock()
	if err := rm.flushLog(tableLog{tblType: tblType, tblName: tblName}); err != nil {
		return fmt.Errorf("error writing a Table log: %w", err)
	}
	return nil
}

// Edit records an individual entry change (insert, update, deletion) made
// under the transaction identified by clientID.
func (rm *RecoveryManager) Edit(clientID uuid.UUID, table database.Index, act action, key int64, oldval int64, newval int64) error {
	rm.mtx.Lock()
	defer rm.mtx.Unlock()
	l := editLog{id: clientID, tablename: table.GetName(), action: act, key: key, oldval: oldval, newval: newval}
	rm.txStack[clientID] = append(rm.txStack[clientID], l)
	return rm.flushLog(l)
}

// Start records the start of a transaction to the write-ahead log.
func (rm *RecoveryManager) Start(clientID uuid.UUID) error {
	rm.mtx.Lock()
	defer rm.mtx.Unlock()
	rm.txStack[clientID] = make([]editLog, 0)
	if err := rm.flushLog(startLog{id: clientID}); err != nil {
		return fmt.Errorf("error writing a Start log: %w", err)
	}
	return nil
}

// Commit records the committing of a transaction to the write-ahead log.
func (rm *RecoveryManager) Commit(clientID uuid.UUID) error {
	rm.mtx.Lock()
	defer rm.mtx.Unlock()
	delete(rm.txStack, clientID)
	if err := rm.flushLog(commitLog{id: clientID}); err != nil {
		return fmt.Errorf("error writing a Commit log: %w", err)
	}
	return nil
}

// Checkpoint flushes every table's buffer pool to disk, writes a checkpoint
// log naming the transactions still uncommitted at that instant, and
// snapshots the data directory so recovery never needs to look further
// back than this point.
func (rm *RecoveryManager) Checkpoint() error {
	rm.mtx.Lock()
	defer rm.mtx.Unlock()
	for _, tb := range rm.db.GetTables() {
		if err := tb.GetPager().FlushAllPages(); err != nil {
			return fmt.Errorf("error flushing table during checkpoint: %w", err)
		}
	}
	activeTxs := make([]uuid.UUID, 0, len(rm.txStack))
	for id := range rm.txStack {
		activeTxs = append(activeTxs, id)
	}
	if err := rm.flushLog(checkpointLog{activeTxs}); err != nil {
		return fmt.Errorf("error writing a Checkpoint log: %w", err)
	}
	return rm.snapshot()
}

// snapshot copies the live data directory onto a sibling "-recovery"
// directory, overwriting whatever snapshot was there before. Prime
// restores from this directory on the next open after a crash.
func (rm *RecoveryManager) snapshot() error {
	folder := strings.TrimSuffix(rm.db.GetBasePath(), "/")
	recoveryFolder := folder + "-recovery/"
	if err := os.RemoveAll(recoveryFolder); err != nil {
		return err
	}
	return copy.Copy(folder+"/", recoveryFolder)
}

// Prime opens the database at folder, restoring it from its "-recovery"
// snapshot first if one exists. Call this instead of database.Open on
// startup so a crash between checkpoints doesn't surface a half-written
// data directory.
func Prime(folder string) (*database.Database, error) {
	base := filepath.Clean(folder)
	recoveryFolder := base + "-recovery/"
	dbFolder := base + "/"

	if _, err := os.Stat(recoveryFolder); err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(recoveryFolder, 0775); err != nil {
				return nil, err
			}
			return database.Open(dbFolder)
		}
		return nil, err
	}

	logSrcPath := filepath.Join(base, config.LogFileName)
	if _, err := os.Stat(logSrcPath); err == nil {
		logDstPath := filepath.Join(recoveryFolder, config.LogFileName)
		_ = copy.Copy(logSrcPath, logDstPath)
	}
	if err := os.RemoveAll(dbFolder); err != nil {
		return nil, err
	}
	if err := copy.Copy(recoveryFolder, dbFolder); err != nil {
		return nil, err
	}
	return database.Open(dbFolder)
}

// Recover scans the log back to the most recent checkpoint and reports the
// client transactions that were still uncommitted when the database last
// stopped. It does not replay their writes: redoing committed work and
// undoing in-flight work against the B+-tree and hash indexes is left as a
// no-op surface, matching the stubbed log manager. Callers should treat any
// reported transaction's on-disk state as unknown.
func (rm *RecoveryManager) Recover() ([]uuid.UUID, error) {
	logs, active, err := rm.readLogs()
	if err != nil {
		return nil, fmt.Errorf("error reading logs: %w", err)
	}
	for _, l := range logs {
		if cl, ok := l.(commitLog); ok {
			delete(active, cl.id)
		}
	}
	pending := make([]uuid.UUID, 0, len(active))
	for id := range active {
		pending = append(pending, id)
	}
	if len(pending) > 0 {
		rm.log.Warnf("recovery: %d transaction(s) were active at last checkpoint; replay is not implemented, their writes are of unknown durability", len(pending))
	}
	return pending, nil
}

// readLogs returns every log record from the most recent checkpoint to the
// end of the file, along with the set of transactions the checkpoint
// recorded as still active.
func (rm *RecoveryManager) readLogs() (logs []log, active map[uuid.UUID]bool, err error) {
	lines, active, err := rm.linesSinceCheckpoint()
	if err != nil {
		return nil, nil, err
	}
	logs = make([]log, 0, len(lines))
	for _, s := range lines {
		l, err := logFromString(s)
		if err != nil {
			return nil, nil, err
		}
		logs = append(logs, l)
	}
	return logs, active, nil
}

// linesSinceCheckpoint scans the log file backwards with backscanner,
// stopping once it passes the most recent checkpoint record, and returns
// the lines from that point on in forward order plus the set of
// transactions the checkpoint (if any) named as active.
func (rm *RecoveryManager) linesSinceCheckpoint() (lines []string, active map[uuid.UUID]bool, err error) {
	fstats, err := rm.logFile.Stat()
	if err != nil {
		return nil, nil, err
	}

	scanner := backscanner.New(rm.logFile, int(fstats.Size()))
	checkpointTarget := []byte("checkpoint")
	active = make(map[uuid.UUID]bool)
	checkpointHit := false
	for {
		line, _, err := scanner.LineBytes()
		if err != nil {
			if err == io.EOF {
				return lines, active, nil
			}
			return nil, nil, err
		}
		// Every record ends in a newline, so the scan yields an empty line
		// after the final record; it is not a record.
		if len(line) == 0 {
			continue
		}
		if bytes.Contains(line, checkpointTarget) {
			l, err := logFromString(string(line))
			if err != nil {
				return nil, nil, err
			}
			for _, id := range l.(checkpointLog).ids {
				active[id] = true
			}
			checkpointHit = true
		}
		if checkpointHit {
			break
		}
		lines = append([]string{string(line)}, lines...)
	}
	return lines, active, nil
}
