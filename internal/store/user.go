package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetUser returns a cached user profile, or nil.
func (db *DB) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := db.QueryRowContext(ctx,
		`SELECT id, display_name, photo_url, updated_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.DisplayName, &u.PhotoURL, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertUser caches a user profile.
func (tx *Tx) UpsertUser(ctx context.Context, u *User) error {
	u.UpdatedAt = time.Now().UnixMilli()
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO users (id, display_name, photo_url, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			photo_url = excluded.photo_url,
			updated_at = excluded.updated_at`,
		u.ID, u.DisplayName, u.PhotoURL, u.UpdatedAt)
	if err != nil {
		return err
	}
	tx.users = append(tx.users, *u)
	return nil
}
