package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
)

// Pusher writes local records to the remote channel. Writes use Create keyed
// by record id, so delivering the same record twice leaves one remote copy
// and never overwrites fields the remote side has moved on since.
type Pusher struct {
	db     *store.DB
	ch     remote.Channel
	selfID string
}

// NewPusher creates a Pusher for the signed-in user selfID.
func NewPusher(db *store.DB, ch remote.Channel, selfID string) *Pusher {
	return &Pusher{db: db, ch: ch, selfID: selfID}
}

// Deliver pushes the record ref points at.
func (p *Pusher) Deliver(ctx context.Context, ref store.Ref) (*store.Confirmation, error) {
	switch ref.Kind {
	case store.KindConversation:
		c, err := p.db.GetConversation(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, store.ErrNotFound
		}
		return p.PushConversation(ctx, c)
	case store.KindMessage:
		m, err := p.db.GetMessage(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, store.ErrNotFound
		}
		return p.PushMessage(ctx, m)
	}
	return nil, fmt.Errorf("unknown record kind %q", ref.Kind)
}

// PushConversation creates the conversation document if it is absent.
func (p *Pusher) PushConversation(ctx context.Context, c *store.Conversation) (*store.Confirmation, error) {
	v, _, err := p.ch.Create(ctx, remote.ConversationPath(c.ID), wire.NewConversation(c))
	if err != nil {
		return nil, err
	}
	doc, err := wire.DecodeConversation(c.ID, v)
	if err != nil {
		return nil, err
	}
	return &store.Confirmation{ServerTimestamp: doc.CreatedAt}, nil
}

// PushMessage creates the message document and moves the conversation tail
// to it unless the remote tail is already newer, as after a retry of an old
// message.
func (p *Pusher) PushMessage(ctx context.Context, m *store.Message) (*store.Confirmation, error) {
	v, _, err := p.ch.Create(ctx, remote.MessagePath(m.ConversationID, m.ID), wire.NewMessage(m))
	if err != nil {
		return nil, err
	}
	doc, err := wire.DecodeMessage(m.ID, v)
	if err != nil {
		return nil, err
	}
	if _, _, err := p.ch.UpdateIf(ctx, remote.ConversationPath(m.ConversationID), wire.TailFields(doc), wire.TailIsOlder(doc.ServerTimestamp)); err != nil {
		return nil, fmt.Errorf("update tail: %w", err)
	}
	conf := &store.Confirmation{ServerTimestamp: doc.ServerTimestamp}
	if doc.SequenceNumber > 0 {
		seq := doc.SequenceNumber
		conf.SequenceNumber = &seq
	}
	return conf, nil
}

// Confirm applies the local side effects of a delivered record inside the
// transaction that marks it synced.
func (p *Pusher) Confirm(ctx context.Context, tx *store.Tx, ref store.Ref, conf *store.Confirmation) error {
	if ref.Kind != store.KindMessage || conf == nil {
		return nil
	}
	m, err := tx.GetMessage(ctx, ref.ID)
	if err != nil || m == nil {
		return err
	}
	tail := store.Tail{Text: m.Text, At: conf.ServerTimestamp, SenderID: m.SenderID}
	if _, err := tx.ApplyTail(ctx, m.ConversationID, tail, p.selfID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if conf.SequenceNumber != nil {
		return tx.RaiseCheckpoint(ctx, store.ThreadCheckpoint(m.ConversationID), *conf.SequenceNumber)
	}
	return nil
}
