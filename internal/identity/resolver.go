package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// ConversationPusher creates a conversation on the remote side.
type ConversationPusher interface {
	PushConversation(ctx context.Context, c *store.Conversation) (*store.Confirmation, error)
}

// Resolver opens two-party conversations. Identity is derived from the
// participant pair, so two clients opening the same pair concurrently land
// on the same record without coordinating.
type Resolver struct {
	db     *store.DB
	ch     remote.Channel
	dir    Directory
	pusher ConversationPusher
	log    *zap.Logger
}

// NewResolver creates a Resolver.
func NewResolver(db *store.DB, ch remote.Channel, dir Directory, pusher ConversationPusher, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{db: db, ch: ch, dir: dir, pusher: pusher, log: log}
}

// Open is CreateConversation for the signed-in user.
func (r *Resolver) Open(ctx context.Context, peerID string) (*store.Conversation, error) {
	self, ok := r.dir.CurrentUserID()
	if !ok {
		return nil, ErrNotAuthenticated
	}
	return r.CreateConversation(ctx, self, peerID)
}

// CreateConversation returns the conversation between selfID and peerID,
// creating it if neither the store nor the remote side has it yet. Peer
// checks run before anything is written. When the remote create fails the
// local record is marked failed and a *PushError is returned, unless the
// record was confirmed from the remote side in the meantime.
func (r *Resolver) CreateConversation(ctx context.Context, selfID, peerID string) (*store.Conversation, error) {
	if selfID == "" {
		return nil, ErrNotAuthenticated
	}
	if peerID == "" {
		return nil, ErrPeerNotFound
	}
	if peerID == selfID {
		return nil, ErrSelfConversation
	}
	exists, err := r.dir.UserExists(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("look up peer %s: %w", peerID, err)
	}
	if !exists {
		return nil, ErrPeerNotFound
	}
	blocked, err := r.dir.IsBlocked(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("check block %s: %w", peerID, err)
	}
	if blocked {
		return nil, ErrPeerBlocked
	}

	id := ConversationID(selfID, peerID)
	log := r.log.With(zap.String("conversation", id))

	if c, err := r.db.GetConversation(ctx, id); err != nil || c != nil {
		return c, err
	}

	if c, err := r.materialize(ctx, id, selfID); err != nil {
		log.Warn("remote lookup failed, creating locally", zap.Error(err))
	} else if c != nil {
		log.Info("conversation materialized from remote")
		return c, nil
	}

	conv := &store.Conversation{
		ID:             id,
		ParticipantIDs: Participants(selfID, peerID),
		SyncStatus:     status.Pending,
	}
	var inserted bool
	if err := r.db.Update(ctx, func(tx *store.Tx) error {
		var err error
		inserted, err = tx.InsertConversation(ctx, conv)
		return err
	}); err != nil {
		return nil, err
	}
	if !inserted {
		// Another caller got here first; its push decides the outcome.
		return r.db.GetConversation(ctx, id)
	}

	ref := store.Ref{Kind: store.KindConversation, ID: id}
	conf, pushErr := r.pusher.PushConversation(ctx, conv)
	next := store.SyncState{Status: status.Synced}
	if pushErr != nil {
		next = store.SyncState{Status: status.Failed, RetryCount: 1, LastError: pushErr.Error()}
	}
	// The conversation observer may have seen the remote create and
	// confirmed the record already; only a pending record is moved.
	ctx = context.WithoutCancel(ctx)
	var final status.Sync
	if err := r.db.Update(ctx, func(tx *store.Tx) error {
		cur, err := tx.GetSyncState(ctx, ref)
		if err != nil {
			return err
		}
		if cur.Status != status.Pending {
			final = cur.Status
			return nil
		}
		final = next.Status
		return tx.SetSyncState(ctx, ref, next, conf)
	}); err != nil {
		return nil, errors.Join(pushErr, err)
	}
	if final == status.Synced {
		if pushErr != nil {
			log.Info("conversation confirmed remotely despite push error", zap.Error(pushErr))
		} else {
			log.Info("conversation created")
		}
		return r.db.GetConversation(ctx, id)
	}
	if pushErr == nil {
		pushErr = fmt.Errorf("conversation left %s", final)
	}
	log.Error("conversation push failed", zap.Error(pushErr))
	return nil, &PushError{ConversationID: id, Err: pushErr}
}

// materialize copies a conversation that already exists remotely into the
// store. It returns nil when the remote side has none.
func (r *Resolver) materialize(ctx context.Context, id, selfID string) (*store.Conversation, error) {
	v, ok, err := r.ch.ReadOnce(ctx, remote.ConversationPath(id))
	if err != nil || !ok {
		return nil, err
	}
	doc, err := wire.DecodeConversation(id, v)
	if err != nil {
		return nil, err
	}
	local := doc.Local(selfID)
	if len(local.ParticipantIDs) == 0 {
		return nil, fmt.Errorf("remote conversation %s has no participants", id)
	}
	if err := r.db.Update(ctx, func(tx *store.Tx) error {
		_, err := tx.InsertConversation(ctx, local)
		return err
	}); err != nil {
		return nil, err
	}
	return r.db.GetConversation(ctx, id)
}
