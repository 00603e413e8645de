package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/status"
)

const conversationColumns = `id, participant_ids, is_group, display_name, photo_url,
	last_message_text, last_message_at, last_message_sender_id, unread_count, archived,
	sync_status, retry_count, last_error, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var c Conversation
	var participants string
	if err := row.Scan(&c.ID, &participants, &c.IsGroup, &c.DisplayName, &c.PhotoURL,
		&c.LastMessageText, &c.LastMessageAt, &c.LastMessageSenderID, &c.UnreadCount, &c.Archived,
		&c.SyncStatus, &c.RetryCount, &c.LastError, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
		return nil, fmt.Errorf("conversation %s participants: %w", c.ID, err)
	}
	return &c, nil
}

func getConversation(ctx context.Context, q querier, id string) (*Conversation, error) {
	c, err := scanConversation(q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// GetConversation returns a conversation by id, or nil if it does not exist.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return getConversation(ctx, db, id)
}

// ListConversations returns conversations ordered by most recent activity.
func (db *DB) ListConversations(ctx context.Context, limit, offset int, includeArchived bool) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE archived = 0 OR ?
		ORDER BY MAX(last_message_at, created_at) DESC, id
		LIMIT ? OFFSET ?`, includeArchived, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetConversation reads a conversation inside the transaction, or nil.
func (tx *Tx) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return getConversation(ctx, tx.tx, id)
}

// InsertConversation stores c unless a conversation with the same id already
// exists. It reports whether a row was written.
func (tx *Tx) InsertConversation(ctx context.Context, c *Conversation) (bool, error) {
	participants, err := json.Marshal(c.ParticipantIDs)
	if err != nil {
		return false, err
	}
	now := time.Now().UnixMilli()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	if c.SyncStatus == "" {
		c.SyncStatus = status.Pending
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	c.UpdatedAt = now
	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		c.ID, string(participants), c.IsGroup, c.DisplayName, c.PhotoURL,
		c.LastMessageText, c.LastMessageAt, c.LastMessageSenderID, c.UnreadCount, c.Archived,
		c.SyncStatus, c.RetryCount, c.LastError, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert conversation %s: %w", c.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	tx.touchConversation(c)
	return true, nil
}

// ApplyTail folds a tail update into the conversation's denormalized fields.
// The newer tail by At wins; an equal or older one is ignored. The unread
// counter grows by one when the winning tail comes from a non-self sender
// other than the previous tail sender. Both the local send path and remote
// observation call this, so replays of the same message never count twice.
// It reports whether the conversation changed.
func (tx *Tx) ApplyTail(ctx context.Context, convID string, tail Tail, selfID string) (bool, error) {
	c, err := tx.GetConversation(ctx, convID)
	if err != nil {
		return false, err
	}
	if c == nil {
		return false, ErrNotFound
	}
	if tail.At < c.LastMessageAt || (tail.At == c.LastMessageAt && tail.SenderID == c.LastMessageSenderID && tail.Text == c.LastMessageText) {
		return false, nil
	}
	if tail.SenderID != "" && tail.SenderID != selfID && tail.SenderID != c.LastMessageSenderID {
		c.UnreadCount++
	}
	c.LastMessageText = tail.Text
	c.LastMessageAt = tail.At
	c.LastMessageSenderID = tail.SenderID
	c.UpdatedAt = time.Now().UnixMilli()

	if _, err := tx.tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_text = ?, last_message_at = ?, last_message_sender_id = ?,
			unread_count = ?, updated_at = ?
		WHERE id = ?`,
		c.LastMessageText, c.LastMessageAt, c.LastMessageSenderID, c.UnreadCount, c.UpdatedAt, c.ID); err != nil {
		return false, fmt.Errorf("apply tail %s: %w", convID, err)
	}
	tx.touchConversation(c)
	return true, nil
}

// MarkRead resets the unread counter. It is the only operation that lowers it.
func (tx *Tx) MarkRead(ctx context.Context, convID string) error {
	return tx.updateConversation(ctx, convID, func(c *Conversation) bool {
		if c.UnreadCount == 0 {
			return false
		}
		c.UnreadCount = 0
		return true
	})
}

// SetArchived sets the archive flag.
func (tx *Tx) SetArchived(ctx context.Context, convID string, archived bool) error {
	return tx.updateConversation(ctx, convID, func(c *Conversation) bool {
		if c.Archived == archived {
			return false
		}
		c.Archived = archived
		return true
	})
}

// SetMetadata replaces the cached display name and photo.
func (tx *Tx) SetMetadata(ctx context.Context, convID, displayName, photoURL string) error {
	return tx.updateConversation(ctx, convID, func(c *Conversation) bool {
		if c.DisplayName == displayName && c.PhotoURL == photoURL {
			return false
		}
		c.DisplayName = displayName
		c.PhotoURL = photoURL
		return true
	})
}

// updateConversation loads a conversation, lets fn modify it and writes back
// the mutable columns if fn reports a change.
func (tx *Tx) updateConversation(ctx context.Context, convID string, fn func(c *Conversation) bool) error {
	c, err := tx.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrNotFound
	}
	if !fn(c) {
		return nil
	}
	c.UpdatedAt = time.Now().UnixMilli()
	if _, err := tx.tx.ExecContext(ctx, `
		UPDATE conversations SET display_name = ?, photo_url = ?, unread_count = ?, archived = ?,
			sync_status = ?, retry_count = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		c.DisplayName, c.PhotoURL, c.UnreadCount, c.Archived,
		c.SyncStatus, c.RetryCount, c.LastError, c.UpdatedAt, c.ID); err != nil {
		return fmt.Errorf("update conversation %s: %w", convID, err)
	}
	tx.touchConversation(c)
	return nil
}
