package sync

import (
	"context"
	"errors"
	"slices"
	gosync "sync"
	"time"

	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// ProfileSource looks up user profiles.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (*identity.Profile, bool, error)
}

// Conversations folds remote conversation snapshots into the store and owns
// the unread counter.
type Conversations struct {
	db       *store.DB
	ch       remote.Channel
	profiles ProfileSource
	selfID   string
	logger   *zap.Logger

	mu      gosync.Mutex
	handles []remote.Handle
}

// NewConversations creates a conversation reconciler for selfID. profiles
// may be nil, in which case display metadata is never refreshed.
func NewConversations(db *store.DB, ch remote.Channel, profiles ProfileSource, selfID string, logger *zap.Logger) *Conversations {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conversations{db: db, ch: ch, profiles: profiles, selfID: selfID, logger: logger}
}

// Start observes every conversation on the remote side. Calling Start while
// already started is a no-op.
func (c *Conversations) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handles) > 0 {
		return nil
	}
	fn := func(child remote.Child) { c.onChild(child) }
	added, err := c.ch.ObserveChildAdded(ctx, remote.ConversationsPath(), fn)
	if err != nil {
		return err
	}
	changed, err := c.ch.ObserveChildChanged(ctx, remote.ConversationsPath(), fn)
	if err != nil {
		c.ch.RemoveObserver(added)
		return err
	}
	c.handles = []remote.Handle{added, changed}
	return nil
}

// Stop removes the observers.
func (c *Conversations) Stop() {
	c.mu.Lock()
	handles := c.handles
	c.handles = nil
	c.mu.Unlock()
	for _, h := range handles {
		c.ch.RemoveObserver(h)
	}
}

func (c *Conversations) onChild(child remote.Child) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	doc, err := wire.DecodeConversation(child.Key, child.Value)
	if err != nil {
		metrics.ReconciledTotal.WithLabelValues("conversation", "error").Inc()
		c.logger.Warn("undecodable remote conversation", zap.String("key", child.Key), zap.Error(err))
		return
	}
	result, err := c.Apply(ctx, doc)
	if err != nil {
		metrics.ReconciledTotal.WithLabelValues("conversation", "error").Inc()
		c.logger.Error("reconcile conversation", zap.String("conversation", doc.ID), zap.Error(err))
		return
	}
	metrics.ReconciledTotal.WithLabelValues("conversation", result).Inc()

	if result == "inserted" && !doc.IsGroup {
		if err := c.RefreshMetadata(ctx, doc.ID); err != nil {
			c.logger.Warn("refresh conversation metadata", zap.String("conversation", doc.ID), zap.Error(err))
		}
	}
}

// Apply folds one remote conversation snapshot into the store. Snapshots of
// conversations selfID is not part of are ignored. A new conversation starts
// with one unread message when someone else sent its tail; an existing one
// takes the newer tail. A local copy still waiting on its own push is marked
// synced, since the remote side evidently has it.
// It returns "inserted", "updated", "duplicate" or "ignored".
func (c *Conversations) Apply(ctx context.Context, doc *wire.Conversation) (string, error) {
	if !slices.Contains(doc.ParticipantIDs, c.selfID) {
		return "ignored", nil
	}
	result := "duplicate"
	err := c.db.Update(ctx, func(tx *store.Tx) error {
		existing, err := tx.GetConversation(ctx, doc.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			if _, err := tx.InsertConversation(ctx, doc.Local(c.selfID)); err != nil {
				return err
			}
			result = "inserted"
			return nil
		}

		if existing.SyncStatus != status.Synced {
			ref := store.Ref{Kind: store.KindConversation, ID: doc.ID}
			if existing.SyncStatus == status.Failed {
				if err := tx.SetSyncState(ctx, ref, store.SyncState{Status: status.Pending}, nil); err != nil {
					return err
				}
			}
			if err := tx.SetSyncState(ctx, ref, store.SyncState{Status: status.Synced}, nil); err != nil {
				return err
			}
			result = "updated"
		}
		changed, err := tx.ApplyTail(ctx, doc.ID, doc.Tail(), c.selfID)
		if err != nil {
			return err
		}
		if changed {
			result = "updated"
		}
		if doc.IsGroup && (doc.DisplayName != "" || doc.PhotoURL != "") {
			return tx.SetMetadata(ctx, doc.ID, doc.DisplayName, doc.PhotoURL)
		}
		return nil
	})
	return result, err
}

// RefreshMetadata reads the peer's profile of a two-party conversation,
// caches it and copies its name and photo onto the conversation.
func (c *Conversations) RefreshMetadata(ctx context.Context, convID string) error {
	if c.profiles == nil {
		return nil
	}
	conv, err := c.db.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if conv == nil {
		return ErrConversationNotFound
	}
	if conv.IsGroup {
		return nil
	}
	var peerID string
	for _, id := range conv.ParticipantIDs {
		if id != c.selfID {
			peerID = id
			break
		}
	}
	if peerID == "" {
		return nil
	}
	p, ok, err := c.profiles.Profile(ctx, peerID)
	if err != nil || !ok {
		return err
	}
	return c.db.Update(ctx, func(tx *store.Tx) error {
		if err := tx.UpsertUser(ctx, &store.User{ID: peerID, DisplayName: p.DisplayName, PhotoURL: p.PhotoURL}); err != nil {
			return err
		}
		return tx.SetMetadata(ctx, convID, p.DisplayName, p.PhotoURL)
	})
}

// MarkRead zeroes the unread counter and tells senders their messages were
// read. The counter is reset even when receipts cannot be written; receipts
// that failed are retried on the next MarkRead.
func (c *Conversations) MarkRead(ctx context.Context, convID string) error {
	if err := c.db.Update(ctx, func(tx *store.Tx) error { return tx.MarkRead(ctx, convID) }); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	msgs, err := c.db.UnreadFrom(ctx, convID, c.selfID)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range msgs {
		if _, err := c.ch.Update(ctx, remote.MessagePath(convID, m.ID), map[string]any{"status": string(status.Read)}); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.db.Update(ctx, func(tx *store.Tx) error {
			_, err := tx.AdvanceStatus(ctx, m.ID, status.Read)
			return err
		}); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		c.logger.Warn("read receipts incomplete", zap.String("conversation", convID), zap.Int("failed", len(errs)))
	}
	return errors.Join(errs...)
}

// SetArchived sets the archive flag of a conversation.
func (c *Conversations) SetArchived(ctx context.Context, convID string, archived bool) error {
	err := c.db.Update(ctx, func(tx *store.Tx) error { return tx.SetArchived(ctx, convID, archived) })
	if errors.Is(err, store.ErrNotFound) {
		return ErrConversationNotFound
	}
	return err
}
