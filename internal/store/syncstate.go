package store

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/status"
)

// SyncState is the replication bookkeeping shared by every synced record type.
type SyncState struct {
	Status     status.Sync `json:"sync_status"`
	RetryCount int         `json:"retry_count"`
	LastError  string      `json:"last_error,omitempty"`
}

func tableFor(kind Kind) (string, error) {
	switch kind {
	case KindConversation:
		return "conversations", nil
	case KindMessage:
		return "messages", nil
	}
	return "", fmt.Errorf("unknown record kind %q", kind)
}

// PendingRefs returns every record awaiting delivery. Conversations come
// first so messages are never pushed ahead of the conversation they belong
// to; messages follow in local send order.
func (db *DB) PendingRefs(ctx context.Context) ([]Ref, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT kind, id FROM (
			SELECT 'conversation' AS kind, id, 0 AS grp, created_at AS pos FROM conversations WHERE sync_status = ?
			UNION ALL
			SELECT 'message', id, 1, local_seq FROM messages WHERE sync_status = ?)
		ORDER BY grp, pos, id`,
		status.Pending, status.Pending)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var refs []Ref
	for rows.Next() {
		var r Ref
		if err := rows.Scan(&r.Kind, &r.ID); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// CountBySync returns how many records of any kind are in the given sync state.
func (db *DB) CountBySync(ctx context.Context, s status.Sync) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM conversations WHERE sync_status = ?)
			+ (SELECT COUNT(*) FROM messages WHERE sync_status = ?)`, s, s).Scan(&n)
	return n, err
}

// GetSyncState returns the sync bookkeeping of a record.
func (db *DB) GetSyncState(ctx context.Context, ref Ref) (*SyncState, error) {
	return getSyncState(ctx, db, ref)
}

// GetSyncState reads the sync bookkeeping of a record inside the transaction.
func (tx *Tx) GetSyncState(ctx context.Context, ref Ref) (*SyncState, error) {
	return getSyncState(ctx, tx.tx, ref)
}

func getSyncState(ctx context.Context, q querier, ref Ref) (*SyncState, error) {
	table, err := tableFor(ref.Kind)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT sync_status, retry_count, last_error FROM `+table+` WHERE id = ?`, ref.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	var s SyncState
	if err := rows.Scan(&s.Status, &s.RetryCount, &s.LastError); err != nil {
		return nil, err
	}
	return &s, nil
}

// SetSyncState moves a record to next, enforcing the allowed sync transitions.
// A Confirmation, when given for a message, records the server-assigned
// timestamp and sequence number in the same write.
func (tx *Tx) SetSyncState(ctx context.Context, ref Ref, next SyncState, conf *Confirmation) error {
	cur, err := getSyncState(ctx, tx.tx, ref)
	if err != nil {
		return err
	}
	if err := status.Transition(cur.Status, next.Status); err != nil {
		return fmt.Errorf("%s %s: %w", ref.Kind, ref.ID, err)
	}
	now := time.Now().UnixMilli()

	switch ref.Kind {
	case KindMessage:
		var ts, seq *int64
		if conf != nil {
			ts = &conf.ServerTimestamp
			seq = conf.SequenceNumber
		}
		_, err = tx.tx.ExecContext(ctx, `
			UPDATE messages SET sync_status = ?, retry_count = ?, last_error = ?, updated_at = ?,
				server_timestamp = COALESCE(?, server_timestamp),
				sequence_number = COALESCE(?, sequence_number)
			WHERE id = ?`,
			next.Status, next.RetryCount, next.LastError, now, ts, seq, ref.ID)
		if err != nil {
			return fmt.Errorf("set sync state %s: %w", ref.ID, err)
		}
		m, err := tx.GetMessage(ctx, ref.ID)
		if err != nil {
			return err
		}
		tx.touchMessage(m)
	case KindConversation:
		_, err = tx.tx.ExecContext(ctx, `
			UPDATE conversations SET sync_status = ?, retry_count = ?, last_error = ?, updated_at = ?
			WHERE id = ?`,
			next.Status, next.RetryCount, next.LastError, now, ref.ID)
		if err != nil {
			return fmt.Errorf("set sync state %s: %w", ref.ID, err)
		}
		c, err := tx.GetConversation(ctx, ref.ID)
		if err != nil {
			return err
		}
		tx.touchConversation(c)
	}
	return nil
}
