package sync

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/validate"
	"github.com/matheus3301/chatsync/internal/wire"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedConversation(t *testing.T, db *store.DB, c *store.Conversation) {
	t.Helper()
	err := db.Update(context.Background(), func(tx *store.Tx) error {
		_, err := tx.InsertConversation(context.Background(), c)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func mustConversation(t *testing.T, db *store.DB, id string) *store.Conversation {
	t.Helper()
	c, err := db.GetConversation(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatalf("conversation %s not stored", id)
	}
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type countingKicker struct{ n atomic.Int32 }

func (k *countingKicker) Kick() { k.n.Add(1) }

// deliver pushes a pending record and commits it the way the coordinator does.
func deliver(t *testing.T, db *store.DB, p *Pusher, ref store.Ref) {
	t.Helper()
	ctx := context.Background()
	conf, err := p.Deliver(ctx, ref)
	if err != nil {
		t.Fatalf("deliver %v: %v", ref, err)
	}
	err = db.Update(ctx, func(tx *store.Tx) error {
		if err := tx.SetSyncState(ctx, ref, store.SyncState{Status: status.Synced}, conf); err != nil {
			return err
		}
		return p.Confirm(ctx, tx, ref, conf)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSendQueuesPendingMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, &store.Conversation{ID: "a1_b1", ParticipantIDs: []string{"a1", "b1"}, SyncStatus: status.Synced})

	kick := &countingKicker{}
	th := NewThreads(db, remote.NewMemoryServer().Connect(), kick, "a1", nil)

	m, err := th.Send(ctx, "a1_b1", "  hello  ")
	if err != nil {
		t.Fatal(err)
	}
	if m.Text != "hello" || m.SenderID != "a1" || m.SyncStatus != status.Pending || m.Status != status.Sent {
		t.Errorf("unexpected message %+v", m)
	}
	if kick.n.Load() != 1 {
		t.Errorf("expected one kick, got %d", kick.n.Load())
	}

	c := mustConversation(t, db, "a1_b1")
	if c.LastMessageText != "hello" || c.LastMessageSenderID != "a1" {
		t.Errorf("tail not moved: %+v", c)
	}
	if c.UnreadCount != 0 {
		t.Errorf("own message counted as unread: %d", c.UnreadCount)
	}

	refs, err := db.PendingRefs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0] != (store.Ref{Kind: store.KindMessage, ID: m.ID}) {
		t.Errorf("pending refs = %v", refs)
	}
}

func TestSendRejections(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, &store.Conversation{ID: "a1_c1", ParticipantIDs: []string{"a1", "c1"}, SyncStatus: status.Pending})
	th := NewThreads(db, remote.NewMemoryServer().Connect(), nil, "a1", nil)

	if _, err := th.Send(ctx, "a1_c1", "   "); !errors.Is(err, validate.ErrEmpty) {
		t.Errorf("blank text: got %v", err)
	}
	if _, err := th.Send(ctx, "nope", "hi"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("missing conversation: got %v", err)
	}
	if _, err := th.Send(ctx, "a1_c1", "hi"); !errors.Is(err, ErrConversationNotSynced) {
		t.Errorf("pending conversation: got %v", err)
	}
}

func TestApplyAddedSuppressesDuplicates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, &store.Conversation{ID: "a1_b1", ParticipantIDs: []string{"a1", "b1"}, SyncStatus: status.Synced})
	th := NewThreads(db, remote.NewMemoryServer().Connect(), nil, "a1", nil)

	doc := &wire.Message{ID: "m1", SenderID: "b1", Text: "hey", LocalCreatedAt: 100, ServerTimestamp: 150, SequenceNumber: 1, Status: "sent"}
	for i, want := range []string{"inserted", "duplicate", "duplicate"} {
		got, err := th.ApplyAdded(ctx, "a1_b1", doc)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("apply %d: got %q, want %q", i, got, want)
		}
	}

	entries, err := db.ListThread(ctx, "a1_b1", store.Cursor{}, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 message, got %d", len(entries))
	}
	c := mustConversation(t, db, "a1_b1")
	if c.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", c.UnreadCount)
	}
	if c.LastMessageAt != 150 {
		t.Errorf("tail at %d, want server timestamp", c.LastMessageAt)
	}
	seq, err := th.Checkpoint(ctx, "a1_b1")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Errorf("checkpoint = %d", seq)
	}
}

func TestApplyChangedNeverRegresses(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	th := NewThreads(db, remote.NewMemoryServer().Connect(), nil, "a1", nil)

	read := &wire.Message{ID: "m1", SenderID: "a1", Text: "x", LocalCreatedAt: 1, ServerTimestamp: 2, Status: "read"}
	if got, err := th.ApplyChanged(ctx, "a1_b1", read); err != nil || got != "inserted" {
		t.Fatalf("changed before added: %q %v", got, err)
	}

	stale := *read
	stale.Status = "delivered"
	stale.Text = "rewritten"
	got, err := th.ApplyChanged(ctx, "a1_b1", &stale)
	if err != nil {
		t.Fatal(err)
	}
	if got != "ignored" {
		t.Errorf("got %q, want ignored", got)
	}
	m, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != status.Read || m.Text != "x" {
		t.Errorf("message changed: %+v", m)
	}
}

func TestConversationsApply(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := NewConversations(db, remote.NewMemoryServer().Connect(), nil, "a1", nil)

	if got, _ := c.Apply(ctx, &wire.Conversation{ID: "b1_c1", ParticipantIDs: []string{"b1", "c1"}}); got != "ignored" {
		t.Errorf("foreign conversation: got %q", got)
	}

	doc := &wire.Conversation{
		ID: "a1_b1", ParticipantIDs: []string{"a1", "b1"},
		LastMessageText: "one", LastMessageAt: 10, LastMessageSenderID: "b1",
	}
	if got, err := c.Apply(ctx, doc); err != nil || got != "inserted" {
		t.Fatalf("first apply: %q %v", got, err)
	}
	if got, _ := c.Apply(ctx, doc); got != "duplicate" {
		t.Errorf("replay: got %q", got)
	}
	if conv := mustConversation(t, db, "a1_b1"); conv.UnreadCount != 1 {
		t.Errorf("unread after insert = %d", conv.UnreadCount)
	}

	// A newer tail from the same sender does not grow the counter.
	doc.LastMessageText, doc.LastMessageAt = "two", 20
	if got, _ := c.Apply(ctx, doc); got != "updated" {
		t.Errorf("newer tail: got %q", got)
	}
	if conv := mustConversation(t, db, "a1_b1"); conv.UnreadCount != 1 || conv.LastMessageText != "two" {
		t.Errorf("after same-sender tail: %+v", conv)
	}

	older := *doc
	older.LastMessageText, older.LastMessageAt = "zero", 5
	if got, _ := c.Apply(ctx, &older); got != "duplicate" {
		t.Errorf("older tail: got %q", got)
	}
	if conv := mustConversation(t, db, "a1_b1"); conv.LastMessageText != "two" {
		t.Errorf("older tail won: %+v", conv)
	}
}

func TestConversationsApplyConfirmsLocalPending(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, &store.Conversation{ID: "a1_b1", ParticipantIDs: []string{"a1", "b1"}, SyncStatus: status.Pending})
	seedConversation(t, db, &store.Conversation{ID: "a1_c1", ParticipantIDs: []string{"a1", "c1"}, SyncStatus: status.Pending})
	if err := db.Update(ctx, func(tx *store.Tx) error {
		return tx.SetSyncState(ctx, store.Ref{Kind: store.KindConversation, ID: "a1_c1"},
			store.SyncState{Status: status.Failed, RetryCount: 3, LastError: "boom"}, nil)
	}); err != nil {
		t.Fatal(err)
	}

	c := NewConversations(db, remote.NewMemoryServer().Connect(), nil, "a1", nil)
	for _, id := range []string{"a1_b1", "a1_c1"} {
		got, err := c.Apply(ctx, &wire.Conversation{ID: id, ParticipantIDs: []string{"a1", id[3:]}})
		if err != nil {
			t.Fatal(err)
		}
		if got != "updated" {
			t.Errorf("%s: got %q", id, got)
		}
		if conv := mustConversation(t, db, id); conv.SyncStatus != status.Synced {
			t.Errorf("%s: sync status %s", id, conv.SyncStatus)
		}
	}
}

type staticProfiles map[string]*identity.Profile

func (s staticProfiles) Profile(_ context.Context, id string) (*identity.Profile, bool, error) {
	p, ok := s[id]
	return p, ok, nil
}

func TestRefreshMetadataCachesPeer(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, &store.Conversation{ID: "a1_b1", ParticipantIDs: []string{"a1", "b1"}, SyncStatus: status.Synced})

	profiles := staticProfiles{"b1": {ID: "b1", DisplayName: "Bea", PhotoURL: "https://img/b1"}}
	c := NewConversations(db, remote.NewMemoryServer().Connect(), profiles, "a1", nil)
	if err := c.RefreshMetadata(ctx, "a1_b1"); err != nil {
		t.Fatal(err)
	}
	conv := mustConversation(t, db, "a1_b1")
	if conv.DisplayName != "Bea" || conv.PhotoURL != "https://img/b1" {
		t.Errorf("metadata not copied: %+v", conv)
	}
	u, err := db.GetUser(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || u.DisplayName != "Bea" {
		t.Errorf("user not cached: %+v", u)
	}
}

func TestSetArchivedUnknownConversation(t *testing.T) {
	c := NewConversations(testDB(t), remote.NewMemoryServer().Connect(), nil, "a1", nil)
	if err := c.SetArchived(context.Background(), "nope", true); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("got %v", err)
	}
	if err := c.MarkRead(context.Background(), "nope"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("got %v", err)
	}
}

// Two clients share one remote service: a1 sends, b1 sees the message with
// one unread, reads it, and a1 sees the read receipt.
func TestMessageRoundTripBetweenClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := remote.NewMemoryServer()
	connA, connB := srv.Connect(), srv.Connect()
	dbA, dbB := testDB(t), testDB(t)
	convID := identity.ConversationID("a1", "b1")

	pusherA := NewPusher(dbA, connA, "a1")
	threadsA := NewThreads(dbA, connA, nil, "a1", nil)
	seedConversation(t, dbA, &store.Conversation{ID: convID, ParticipantIDs: identity.Participants("a1", "b1"), SyncStatus: status.Pending})
	deliver(t, dbA, pusherA, store.Ref{Kind: store.KindConversation, ID: convID})
	if _, err := threadsA.Watch(ctx, convID); err != nil {
		t.Fatal(err)
	}
	defer threadsA.StopAll()

	convsB := NewConversations(dbB, connB, nil, "b1", nil)
	threadsB := NewThreads(dbB, connB, nil, "b1", nil)
	if err := convsB.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer convsB.Stop()
	eventually(t, "b1 to see the conversation", func() bool {
		c, _ := dbB.GetConversation(ctx, convID)
		return c != nil
	})
	if _, err := threadsB.Watch(ctx, convID); err != nil {
		t.Fatal(err)
	}
	defer threadsB.StopAll()

	m, err := threadsA.Send(ctx, convID, "hi bea")
	if err != nil {
		t.Fatal(err)
	}
	deliver(t, dbA, pusherA, store.Ref{Kind: store.KindMessage, ID: m.ID})

	eventually(t, "b1 to receive the message", func() bool {
		got, _ := dbB.GetMessage(ctx, m.ID)
		return got != nil && got.SyncStatus == status.Synced
	})
	eventually(t, "b1 unread to reach 1", func() bool {
		c, _ := dbB.GetConversation(ctx, convID)
		return c != nil && c.UnreadCount == 1 && c.LastMessageText == "hi bea"
	})
	eventually(t, "a1 to see delivered", func() bool {
		got, _ := dbA.GetMessage(ctx, m.ID)
		return got != nil && (got.Status == status.Delivered || got.Status == status.Read)
	})

	if err := convsB.MarkRead(ctx, convID); err != nil {
		t.Fatal(err)
	}
	if c := mustConversation(t, dbB, convID); c.UnreadCount != 0 {
		t.Errorf("unread after MarkRead = %d", c.UnreadCount)
	}
	eventually(t, "a1 to see read", func() bool {
		got, _ := dbA.GetMessage(ctx, m.ID)
		return got != nil && got.Status == status.Read
	})

	a, err := dbA.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.SyncStatus != status.Synced || a.ServerTimestamp == nil || a.SequenceNumber == nil || *a.SequenceNumber != 1 {
		t.Errorf("sender copy not confirmed: %+v", a)
	}

	// Redelivering the same record leaves one remote copy.
	if _, err := pusherA.Deliver(ctx, store.Ref{Kind: store.KindMessage, ID: m.ID}); err != nil {
		t.Fatal(err)
	}
	entries, err := dbB.ListThread(ctx, convID, store.Cursor{}, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("b1 has %d messages, want 1", len(entries))
	}
}

// Redelivering an older message after a newer one went out leaves the remote
// tail on the newer one.
func TestRedeliveryKeepsNewerRemoteTail(t *testing.T) {
	ctx := context.Background()
	var now atomic.Int64
	srv := remote.NewMemoryServer()
	srv.SetClock(func() time.Time { return time.UnixMilli(now.Load()) })
	conn := srv.Connect()
	db := testDB(t)
	convID := identity.ConversationID("a1", "b1")
	pusher := NewPusher(db, conn, "a1")
	threads := NewThreads(db, conn, nil, "a1", nil)

	now.Store(50)
	seedConversation(t, db, &store.Conversation{ID: convID, ParticipantIDs: identity.Participants("a1", "b1"), SyncStatus: status.Pending})
	deliver(t, db, pusher, store.Ref{Kind: store.KindConversation, ID: convID})

	send := func(at int64, text string) *store.Message {
		t.Helper()
		now.Store(at)
		m, err := threads.Send(ctx, convID, text)
		if err != nil {
			t.Fatal(err)
		}
		deliver(t, db, pusher, store.Ref{Kind: store.KindMessage, ID: m.ID})
		return m
	}
	old := send(100, "old")
	latest := send(200, "latest")

	now.Store(300)
	if _, err := pusher.Deliver(ctx, store.Ref{Kind: store.KindMessage, ID: old.ID}); err != nil {
		t.Fatal(err)
	}

	v, ok := srv.Snapshot(remote.ConversationPath(convID))
	if !ok {
		t.Fatal("conversation missing remotely")
	}
	doc, err := wire.DecodeConversation(convID, v)
	if err != nil {
		t.Fatal(err)
	}
	if doc.LastMessageID != latest.ID || doc.LastMessageAt != 200 || doc.LastMessageText != "latest" {
		t.Errorf("remote tail rolled back: %+v", doc)
	}
}
