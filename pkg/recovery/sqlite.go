package recovery

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"flowmesh/pkg/buffer"
	"flowmesh/pkg/compression"
	"flowmesh/pkg/state"
	"flowmesh/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	step_id   TEXT NOT NULL,
	key       BLOB NOT NULL,
	key_typed BLOB NOT NULL,
	epoch     INTEGER NOT NULL,
	codec     TEXT NOT NULL,
	value     BLOB,
	tombstone INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_step_key ON snapshots(step_id, key, epoch);

CREATE TABLE IF NOT EXISTS frontiers (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id    TEXT NOT NULL,
	worker_index INTEGER NOT NULL,
	epoch        INTEGER NOT NULL,
	resume_token TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_frontiers_source_worker ON frontiers(source_id, worker_index, epoch);
`

// SQLiteLog is the concrete Log backend: two append-only tables, staged
// writes through a buffer.StagingBuffer, optional blob compression via
// pkg/compression before each row is committed.
type SQLiteLog struct {
	db      *sql.DB
	comp    *compression.Manager
	logger  *logrus.Logger
	staging *buffer.StagingBuffer
}

// Open opens (creating if absent) a SQLite-backed recovery log at path.
// path may be ":memory:" for tests.
func Open(path string, logger *logrus.Logger) (*SQLiteLog, error) {
	if logger == nil {
		logger = logrus.New()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("recovery: open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("recovery: migrate schema: %w", err)
	}

	l := &SQLiteLog{
		db:     db,
		comp:   compression.NewManager(),
		logger: logger,
	}
	l.staging = buffer.New(buffer.Config{}, l.flushSnapshots, logger)
	return l, nil
}

// AppendSnapshots stages entries and flushes immediately: the caller (the
// scheduler, at a snapshot boundary) already batches, so the staging
// buffer's threshold coalescing mainly protects against a flurry of tiny
// reduce/stateful_map emissions between scheduled snapshots.
func (l *SQLiteLog) AppendSnapshots(ctx context.Context, entries []SnapshotEntry) error {
	for _, e := range entries {
		if err := l.staging.Write(ctx, e); err != nil {
			return err
		}
	}
	return l.staging.Flush(ctx)
}

func (l *SQLiteLog) flushSnapshots(ctx context.Context, batch []interface{}) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recovery: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO snapshots(step_id, key, key_typed, epoch, codec, value, tombstone) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("recovery: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, raw := range batch {
		e, ok := raw.(SnapshotEntry)
		if !ok {
			continue
		}
		codecName, blob, err := l.comp.Compress(e.Value)
		if err != nil {
			tx.Rollback()
			return err
		}
		tomb := 0
		if e.Tombstone {
			tomb = 1
		}
		keyTyped, err := gobEncodeKey(e.Key)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx, string(e.Step), types.KeyBytes(e.Key), keyTyped, int64(e.Epoch), codecName, blob, tomb); err != nil {
			tx.Rollback()
			return fmt.Errorf("recovery: insert snapshot: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("recovery: commit: %w", err)
	}
	return nil
}

// AppendFrontier durably records a source's resume token as of epoch. This
// is a single small row; it bypasses the staging buffer so its fsync
// happens immediately, matching §4.3's ordering rule (frontier record for E
// must be fsynced only after every snapshot with epoch <= E already is —
// the caller is responsible for calling AppendSnapshots/Flush first).
func (l *SQLiteLog) AppendFrontier(ctx context.Context, entry FrontierEntry) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO frontiers(source_id, worker_index, epoch, resume_token) VALUES (?, ?, ?, ?)`,
		string(entry.SourceID), entry.WorkerIndex, int64(entry.Epoch), entry.ResumeToken)
	if err != nil {
		return fmt.Errorf("recovery: insert frontier: %w", err)
	}
	return nil
}

// ReadFrom implements state.Restorer by replaying every snapshot row in
// append (seq) order. The epoch parameter is part of the Restorer contract
// but filtering by upToEpoch happens in state.Store.Restore, so it is
// unused here; every row is returned and let the caller filter.
func (l *SQLiteLog) ReadFrom(types.Epoch) ([]state.RestoreRecord, error) {
	rows, err := l.db.Query(`SELECT step_id, key_typed, epoch, codec, value, tombstone FROM snapshots ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("recovery: read snapshots: %w", err)
	}
	defer rows.Close()

	var out []state.RestoreRecord
	for rows.Next() {
		var stepID, codecName string
		var keyTyped, blob []byte
		var epoch int64
		var tomb int
		if err := rows.Scan(&stepID, &keyTyped, &epoch, &codecName, &blob, &tomb); err != nil {
			return nil, fmt.Errorf("recovery: scan snapshot: %w", err)
		}
		value, err := l.comp.Decompress(codecName, blob)
		if err != nil {
			return nil, err
		}
		key, err := gobDecodeKey(keyTyped)
		if err != nil {
			return nil, err
		}
		out = append(out, state.RestoreRecord{
			Step:      types.StepID(stepID),
			Key:       key,
			Epoch:     types.Epoch(epoch),
			Value:     value,
			Tombstone: tomb != 0,
		})
	}
	return out, rows.Err()
}

// gobEncodeKey and gobDecodeKey round-trip a typed Key (plain string/int64
// or a composite like types.WindowKey) through the snapshots table's
// key_typed column. This is separate from the canonical "key" column, which
// stays a flattened byte string purely for GROUP BY/index purposes in
// Truncate; restoring a windowed operator's open cells needs the original
// concrete type back so its OnEpochClose type assertion still matches.
func gobEncodeKey(k types.Key) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&k); err != nil {
		return nil, fmt.Errorf("recovery: gob encode key: %w", err)
	}
	return buf.Bytes(), nil
}

func gobDecodeKey(b []byte) (types.Key, error) {
	var k types.Key
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&k); err != nil {
		return nil, fmt.Errorf("recovery: gob decode key: %w", err)
	}
	return k, nil
}

// LatestFrontier returns the most recently recorded resume token for
// (sourceID, workerIndex).
func (l *SQLiteLog) LatestFrontier(ctx context.Context, sourceID types.StepID, workerIndex int) (string, types.Epoch, bool, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT epoch, resume_token FROM frontiers WHERE source_id = ? AND worker_index = ? ORDER BY seq DESC LIMIT 1`,
		string(sourceID), workerIndex)
	var epoch int64
	var token string
	switch err := row.Scan(&epoch, &token); err {
	case nil:
		return token, types.Epoch(epoch), true, nil
	case sql.ErrNoRows:
		return "", 0, false, nil
	default:
		return "", 0, false, fmt.Errorf("recovery: read frontier: %w", err)
	}
}

// Truncate deletes snapshot rows superseded by a later row for the same
// (step_id, key) at or before upToEpoch, and frontier rows superseded by a
// later row for the same (source_id, worker_index).
func (l *SQLiteLog) Truncate(ctx context.Context, upToEpoch types.Epoch) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recovery: begin truncate: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE epoch <= ? AND seq NOT IN (
			SELECT MAX(seq) FROM snapshots WHERE epoch <= ? GROUP BY step_id, key
		)`, int64(upToEpoch), int64(upToEpoch)); err != nil {
		tx.Rollback()
		return fmt.Errorf("recovery: truncate snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM frontiers
		WHERE epoch <= ? AND seq NOT IN (
			SELECT MAX(seq) FROM frontiers WHERE epoch <= ? GROUP BY source_id, worker_index
		)`, int64(upToEpoch), int64(upToEpoch)); err != nil {
		tx.Rollback()
		return fmt.Errorf("recovery: truncate frontiers: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("recovery: commit truncate: %w", err)
	}
	return nil
}

// Close flushes pending staged writes and closes the database handle.
func (l *SQLiteLog) Close() error {
	if err := l.staging.Close(); err != nil {
		l.logger.WithError(err).Warn("recovery: staging buffer close reported an error")
	}
	return l.db.Close()
}
