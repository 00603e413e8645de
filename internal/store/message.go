package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/status"
)

const messageColumns = `local_seq, id, conversation_id, sender_id, text, local_created_at,
	server_timestamp, sequence_number, status, sync_status, retry_count, last_error, updated_at`

// ThreadEntry is a message together with its local insertion sequence, which
// breaks ties between messages sharing an order key.
type ThreadEntry struct {
	Message
	LocalSeq int64 `json:"local_seq"`
}

// Cursor positions a thread page. The zero value starts from the newest message.
type Cursor struct {
	OrderKey int64 `json:"order_key"`
	LocalSeq int64 `json:"local_seq"`
}

// Cursor returns the position of the entry, usable as a Before cursor.
func (e *ThreadEntry) Cursor() Cursor {
	return Cursor{OrderKey: e.OrderKey(), LocalSeq: e.LocalSeq}
}

func scanMessage(row interface{ Scan(...any) error }) (*ThreadEntry, error) {
	var e ThreadEntry
	var serverTS, seq sql.NullInt64
	if err := row.Scan(&e.LocalSeq, &e.ID, &e.ConversationID, &e.SenderID, &e.Text, &e.LocalCreatedAt,
		&serverTS, &seq, &e.Status, &e.SyncStatus, &e.RetryCount, &e.LastError, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if serverTS.Valid {
		e.ServerTimestamp = &serverTS.Int64
	}
	if seq.Valid {
		e.SequenceNumber = &seq.Int64
	}
	return &e, nil
}

func getMessage(ctx context.Context, q querier, id string) (*Message, error) {
	e, err := scanMessage(q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e.Message, nil
}

// GetMessage returns a message by id, or nil if it does not exist.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	return getMessage(ctx, db, id)
}

// ListThread returns up to limit messages of a conversation that sort before
// the cursor, oldest first. Messages are ordered by server timestamp when
// confirmed and local creation time otherwise, then by local insertion.
func (db *DB) ListThread(ctx context.Context, convID string, before Cursor, limit int) ([]ThreadEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if before.OrderKey <= 0 {
		before = Cursor{OrderKey: 1<<63 - 1}
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
			AND (COALESCE(server_timestamp, local_created_at) < ?
				OR (COALESCE(server_timestamp, local_created_at) = ? AND ? > 0 AND local_seq < ?))
		ORDER BY COALESCE(server_timestamp, local_created_at) DESC, local_seq DESC
		LIMIT ?`, convID, before.OrderKey, before.OrderKey, before.LocalSeq, before.LocalSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ThreadEntry
	for rows.Next() {
		e, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// UnreadFrom returns messages in a conversation sent by someone other than
// selfID whose status has not reached read, oldest first.
func (db *DB) UnreadFrom(ctx context.Context, convID, selfID string) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND status != ?
		ORDER BY local_seq`, convID, selfID, status.Read)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		e, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e.Message)
	}
	return out, rows.Err()
}

// GetMessage reads a message inside the transaction, or nil.
func (tx *Tx) GetMessage(ctx context.Context, id string) (*Message, error) {
	return getMessage(ctx, tx.tx, id)
}

// InsertMessage stores m unless a message with the same id already exists,
// in which case the stored copy is left untouched. It reports whether a row
// was written.
func (tx *Tx) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	if m.Status == "" {
		m.Status = status.Sent
	}
	if m.SyncStatus == "" {
		m.SyncStatus = status.Pending
	}
	m.UpdatedAt = time.Now().UnixMilli()
	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, text, local_created_at,
			server_timestamp, sequence_number, status, sync_status, retry_count, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.ConversationID, m.SenderID, m.Text, m.LocalCreatedAt,
		m.ServerTimestamp, m.SequenceNumber, m.Status, m.SyncStatus, m.RetryCount, m.LastError, m.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	tx.touchMessage(m)
	return true, nil
}

// AdvanceStatus moves a message's delivery status forward to next. A status
// that is not ahead of the stored one is ignored. Text and sender are never
// touched. It reports whether the status changed.
func (tx *Tx) AdvanceStatus(ctx context.Context, msgID string, next status.Delivery) (bool, error) {
	m, err := tx.GetMessage(ctx, msgID)
	if err != nil {
		return false, err
	}
	if m == nil {
		return false, ErrNotFound
	}
	advanced, ok := status.Advance(m.Status, next)
	if !ok {
		return false, nil
	}
	m.Status = advanced
	m.UpdatedAt = time.Now().UnixMilli()
	if _, err := tx.tx.ExecContext(ctx, `UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`,
		m.Status, m.UpdatedAt, m.ID); err != nil {
		return false, fmt.Errorf("advance status %s: %w", msgID, err)
	}
	tx.touchMessage(m)
	return true, nil
}
