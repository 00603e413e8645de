package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// Checkpoint keys.
const (
	CheckpointLastDrain = "last_drain_at"
)

// ThreadCheckpoint is the key under which the highest observed sequence
// number of a conversation is kept.
func ThreadCheckpoint(convID string) string {
	return "thread_seq:" + convID
}

// GetCheckpoint reads a checkpoint value. ok is false when it was never set.
func (db *DB) GetCheckpoint(ctx context.Context, key string) (value string, ok bool, err error) {
	err = db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// GetCheckpointInt reads a numeric checkpoint, returning 0 when unset.
func (db *DB) GetCheckpointInt(ctx context.Context, key string) (int64, error) {
	v, ok, err := db.GetCheckpoint(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// SetCheckpoint writes a checkpoint value.
func (tx *Tx) SetCheckpoint(ctx context.Context, key, value string) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// RaiseCheckpoint stores v under key if it exceeds the current value.
func (tx *Tx) RaiseCheckpoint(ctx context.Context, key string, v int64) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		WHERE CAST(sync_state.value AS INTEGER) < CAST(excluded.value AS INTEGER)`,
		key, strconv.FormatInt(v, 10), time.Now().UnixMilli())
	return err
}
