// Package sync folds remote changes into the local store and pushes local
// records out.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/validate"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

var (
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrConversationNotSynced = errors.New("conversation is not synced")
)

// Kicker asks for pending records to be delivered soon.
type Kicker interface {
	Kick()
}

// Threads keeps message threads in step with the remote channel: it stores
// local sends and folds remote message streams in without duplicates.
type Threads struct {
	db     *store.DB
	ch     remote.Channel
	kick   Kicker
	selfID string
	logger *zap.Logger
	now    func() time.Time

	mu      gosync.Mutex
	watches map[string]*Watch
}

// NewThreads creates a thread reconciler for the signed-in user selfID.
func NewThreads(db *store.DB, ch remote.Channel, kick Kicker, selfID string, logger *zap.Logger) *Threads {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Threads{
		db:      db,
		ch:      ch,
		kick:    kick,
		selfID:  selfID,
		logger:  logger,
		now:     time.Now,
		watches: make(map[string]*Watch),
	}
}

// Send validates text, stores it as a pending message and moves the
// conversation tail, then asks for delivery. The message is visible locally
// before anything reaches the network.
func (t *Threads) Send(ctx context.Context, convID, text string) (*store.Message, error) {
	clean, err := validate.Text(text)
	if err != nil {
		return nil, err
	}
	conv, err := t.db.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	if conv.SyncStatus != status.Synced {
		return nil, fmt.Errorf("%w: %s is %s", ErrConversationNotSynced, convID, conv.SyncStatus)
	}

	m := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       t.selfID,
		Text:           clean,
		LocalCreatedAt: t.now().UnixMilli(),
		Status:         status.Sent,
		SyncStatus:     status.Pending,
	}
	if err := t.db.Update(ctx, func(tx *store.Tx) error {
		if _, err := tx.InsertMessage(ctx, m); err != nil {
			return err
		}
		_, err := tx.ApplyTail(ctx, convID, store.Tail{Text: m.Text, At: m.LocalCreatedAt, SenderID: m.SenderID}, t.selfID)
		return err
	}); err != nil {
		return nil, err
	}
	t.logger.Debug("message queued", zap.String("conversation", convID), zap.String("id", m.ID))
	if t.kick != nil {
		t.kick.Kick()
	}
	return m, nil
}

// Watch is a live subscription to one conversation's messages.
type Watch struct {
	convID  string
	handles []remote.Handle
	stop    gosync.Once
	done    chan struct{}
	t       *Threads
}

// Stop removes the subscription. It is safe to call more than once.
func (w *Watch) Stop() {
	w.stop.Do(func() {
		close(w.done)
		for _, h := range w.handles {
			w.t.ch.RemoveObserver(h)
		}
		w.t.mu.Lock()
		if w.t.watches[w.convID] == w {
			delete(w.t.watches, w.convID)
		}
		w.t.mu.Unlock()
	})
}

// Watch subscribes to the messages of a conversation until ctx is done or
// the returned Watch is stopped. Watching a conversation already watched
// returns the existing subscription.
func (t *Threads) Watch(ctx context.Context, convID string) (*Watch, error) {
	t.mu.Lock()
	if w, ok := t.watches[convID]; ok {
		t.mu.Unlock()
		return w, nil
	}
	w := &Watch{convID: convID, t: t, done: make(chan struct{})}
	t.watches[convID] = w
	t.mu.Unlock()

	path := remote.MessagesPath(convID)
	added, err := t.ch.ObserveChildAdded(ctx, path, func(c remote.Child) { t.onChild(convID, c, false) })
	if err != nil {
		w.Stop()
		return nil, err
	}
	w.handles = append(w.handles, added)
	changed, err := t.ch.ObserveChildChanged(ctx, path, func(c remote.Child) { t.onChild(convID, c, true) })
	if err != nil {
		w.Stop()
		return nil, err
	}
	w.handles = append(w.handles, changed)

	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.done:
		}
	}()
	return w, nil
}

// Unwatch stops the subscription to convID, if any.
func (t *Threads) Unwatch(convID string) {
	t.mu.Lock()
	w := t.watches[convID]
	t.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// StopAll stops every subscription.
func (t *Threads) StopAll() {
	t.mu.Lock()
	ws := make([]*Watch, 0, len(t.watches))
	for _, w := range t.watches {
		ws = append(ws, w)
	}
	t.mu.Unlock()
	for _, w := range ws {
		w.Stop()
	}
}

func (t *Threads) onChild(convID string, c remote.Child, changed bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	doc, err := wire.DecodeMessage(c.Key, c.Value)
	if err != nil {
		metrics.ReconciledTotal.WithLabelValues("message", "error").Inc()
		t.logger.Warn("undecodable remote message", zap.String("conversation", convID), zap.String("key", c.Key), zap.Error(err))
		return
	}
	var result string
	if changed {
		result, err = t.ApplyChanged(ctx, convID, doc)
	} else {
		result, err = t.ApplyAdded(ctx, convID, doc)
	}
	if err != nil {
		metrics.ReconciledTotal.WithLabelValues("message", "error").Inc()
		t.logger.Error("reconcile message", zap.String("conversation", convID), zap.String("id", doc.ID), zap.Error(err))
		return
	}
	metrics.ReconciledTotal.WithLabelValues("message", result).Inc()

	if result == "inserted" && doc.SenderID != t.selfID && doc.Status == string(status.Sent) {
		t.receipt(ctx, convID, doc.ID, status.Delivered)
	}
}

// ApplyAdded folds a newly observed remote message into the store. A message
// already stored, whether from a local send or an earlier notification, is
// left as is. It returns "inserted" or "duplicate".
func (t *Threads) ApplyAdded(ctx context.Context, convID string, doc *wire.Message) (string, error) {
	result := "duplicate"
	err := t.db.Update(ctx, func(tx *store.Tx) error {
		inserted, err := tx.InsertMessage(ctx, doc.Local(convID))
		if err != nil || !inserted {
			return err
		}
		result = "inserted"
		at := doc.ServerTimestamp
		if at == 0 {
			at = doc.LocalCreatedAt
		}
		tail := store.Tail{Text: doc.Text, At: at, SenderID: doc.SenderID}
		if _, err := tx.ApplyTail(ctx, convID, tail, t.selfID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if doc.SequenceNumber > 0 {
			return tx.RaiseCheckpoint(ctx, store.ThreadCheckpoint(convID), doc.SequenceNumber)
		}
		return nil
	})
	return result, err
}

// ApplyChanged moves a stored message's status forward. Text and sender are
// never rewritten. A change for a message not stored yet is treated as an
// addition, since observers for additions and changes are independent.
// It returns "updated", "ignored" or the ApplyAdded result.
func (t *Threads) ApplyChanged(ctx context.Context, convID string, doc *wire.Message) (string, error) {
	result := "ignored"
	err := t.db.Update(ctx, func(tx *store.Tx) error {
		changed, err := tx.AdvanceStatus(ctx, doc.ID, status.Delivery(doc.Status))
		if errors.Is(err, store.ErrNotFound) {
			result = "missing"
			return nil
		}
		if changed {
			result = "updated"
		}
		return err
	})
	if err == nil && result == "missing" {
		return t.ApplyAdded(ctx, convID, doc)
	}
	return result, err
}

func (t *Threads) receipt(ctx context.Context, convID, msgID string, s status.Delivery) {
	_, err := t.ch.Update(ctx, remote.MessagePath(convID, msgID), map[string]any{"status": string(s)})
	if err != nil {
		t.logger.Warn("write receipt", zap.String("conversation", convID), zap.String("id", msgID),
			zap.String("status", string(s)), zap.Error(err))
	}
}

// Checkpoint returns the highest sequence number seen in a conversation.
func (t *Threads) Checkpoint(ctx context.Context, convID string) (int64, error) {
	return t.db.GetCheckpointInt(ctx, store.ThreadCheckpoint(convID))
}
