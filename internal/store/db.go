package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a record required by an operation does not exist.
var ErrNotFound = errors.New("record not found")

// DB wraps the SQLite database that holds the canonical on-device records.
// Reads go straight to the pool; every mutation goes through Update, which
// serializes writers and publishes the changed records once committed.
type DB struct {
	*sql.DB
	bus *bus.Bus
	wmu sync.Mutex
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Change notifications are published on b when it is non-nil.
func Open(path string, b *bus.Bus) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, bus: b}, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Update runs fn inside a transaction while holding the writer lock. Either
// every mutation made by fn is committed or none is. Records touched through
// tx are published on the bus after commit, one event per record type.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	db.wmu.Lock()
	defer db.wmu.Unlock()

	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	tx := &Tx{tx: sqlTx}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	db.notify(tx)
	return nil
}

func (db *DB) notify(tx *Tx) {
	if db.bus == nil {
		return
	}
	if len(tx.messages) > 0 {
		db.bus.Publish(bus.Event{Kind: bus.KindMessagesChanged, Payload: tx.messages})
	}
	if len(tx.conversations) > 0 {
		db.bus.Publish(bus.Event{Kind: bus.KindConversationsChanged, Payload: tx.conversations})
	}
	if len(tx.users) > 0 {
		db.bus.Publish(bus.Event{Kind: bus.KindUsersChanged, Payload: tx.users})
	}
}

// Tx is a write transaction handed to Update callbacks.
type Tx struct {
	tx            *sql.Tx
	messages      []Message
	conversations []Conversation
	users         []User
}

func (tx *Tx) touchMessage(m *Message) {
	for i := range tx.messages {
		if tx.messages[i].ID == m.ID {
			tx.messages[i] = *m
			return
		}
	}
	tx.messages = append(tx.messages, *m)
}

func (tx *Tx) touchConversation(c *Conversation) {
	for i := range tx.conversations {
		if tx.conversations[i].ID == c.ID {
			tx.conversations[i] = *c
			return
		}
	}
	tx.conversations = append(tx.conversations, *c)
}
