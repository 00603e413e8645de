package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
)

func testDB(t *testing.T, b *bus.Bus) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, b)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func insertConversation(t *testing.T, db *DB, c *Conversation) {
	t.Helper()
	err := db.Update(context.Background(), func(tx *Tx) error {
		_, err := tx.InsertConversation(context.Background(), c)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func insertMessage(t *testing.T, db *DB, m *Message) bool {
	t.Helper()
	var inserted bool
	err := db.Update(context.Background(), func(tx *Tx) error {
		var err error
		inserted, err = tx.InsertMessage(context.Background(), m)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return inserted
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t, nil)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != SchemaVersion {
		t.Errorf("version = %d, want %d", result.Version, SchemaVersion)
	}
}

func TestConversationInsertIfAbsent(t *testing.T) {
	db := testDB(t, nil)
	ctx := context.Background()

	insertConversation(t, db, &Conversation{ID: "a1_b1", ParticipantIDs: []string{"a1", "b1"}, DisplayName: "B"})
	insertConversation(t, db, &Conversation{ID: "a1_b1", ParticipantIDs: []string{"a1", "b1"}, DisplayName: "other"})

	c, err := db.GetConversation(ctx, "a1_b1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.DisplayName != "B" {
		t.Fatalf("got %+v, want first insert to win", c)
	}
	if c.SyncStatus != status.Pending {
		t.Errorf("sync status = %s, want pending", c.SyncStatus)
	}
	if !c.HasParticipant("b1") || c.HasParticipant("z9") {
		t.Errorf("participants = %v", c.ParticipantIDs)
	}

	missing, err := db.GetConversation(ctx, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing conversation")
	}
}

func TestMessageInsertIsDuplicateFree(t *testing.T) {
	db := testDB(t, nil)
	ctx := context.Background()

	if !insertMessage(t, db, &Message{ID: "m1", ConversationID: "c", SenderID: "a1", Text: "hello", LocalCreatedAt: 1000}) {
		t.Fatal("first insert reported no write")
	}
	if insertMessage(t, db, &Message{ID: "m1", ConversationID: "c", SenderID: "a1", Text: "degraded", LocalCreatedAt: 1000, SyncStatus: status.Synced}) {
		t.Fatal("second insert with same id wrote a row")
	}

	msgs, err := db.ListThread(ctx, "c", Cursor{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Text != "hello" || msgs[0].SyncStatus != status.Pending {
		t.Errorf("stored copy was overwritten: %+v", msgs[0].Message)
	}
}

func TestAdvanceStatusNeverRegresses(t *testing.T) {
	db := testDB(t, nil)
	ctx := context.Background()
	insertMessage(t, db, &Message{ID: "m1", ConversationID: "c", SenderID: "b1", Text: "hi", LocalCreatedAt: 1})

	steps := []struct {
		next    status.Delivery
		changed bool
		want    status.Delivery
	}{
		{status.Delivered, true, status.Delivered},
		{status.Sent, false, status.Delivered},
		{status.Read, true, status.Read},
		{status.Delivered, false, status.Read},
	}
	for _, s := range steps {
		var changed bool
		err := db.Update(ctx, func(tx *Tx) error {
			var err error
			changed, err = tx.AdvanceStatus(ctx, "m1", s.next)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		m, _ := db.GetMessage(ctx, "m1")
		if changed != s.changed || m.Status != s.want {
			t.Errorf("advance to %s: changed=%v status=%s, want %v %s", s.next, changed, m.Status, s.changed, s.want)
		}
	}

	err := db.Update(ctx, func(tx *Tx) error {
		_, err := tx.AdvanceStatus(ctx, "missing", status.Read)
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListThreadOrdering(t *testing.T) {
	db := testDB(t, nil)
	ctx := context.Background()

	ts := func(v int64) *int64 { return &v }
	insertMessage(t, db, &Message{ID: "late-local", ConversationID: "c", Text: "3", LocalCreatedAt: 3000})
	insertMessage(t, db, &Message{ID: "confirmed", ConversationID: "c", Text: "1", LocalCreatedAt: 9000, ServerTimestamp: ts(1000)})
	insertMessage(t, db, &Message{ID: "tie-a", ConversationID: "c", Text: "2a", LocalCreatedAt: 2000})
	insertMessage(t, db, &Message{ID: "tie-b", ConversationID: "c", Text: "2b", LocalCreatedAt: 2000})
	insertMessage(t, db, &Message{ID: "elsewhere", ConversationID: "d", Text: "x", LocalCreatedAt: 1})

	all, err := db.ListThread(ctx, "c", Cursor{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"confirmed", "tie-a", "tie-b", "late-local"}
	if len(all) != len(want) {
		t.Fatalf("got %d messages, want %d", len(all), len(want))
	}
	for i, id := range want {
		if all[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, all[i].ID, id)
		}
	}

	// Page backwards from the newest two.
	page, err := db.ListThread(ctx, "c", Cursor{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "tie-b" || page[1].ID != "late-local" {
		t.Fatalf("first page = %v", ids(page))
	}
	older, err := db.ListThread(ctx, "c", page[0].Cursor(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 2 || older[0].ID != "confirmed" || older[1].ID != "tie-a" {
		t.Fatalf("second page = %v", ids(older))
	}
}

func ids(entries []ThreadEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestApplyTailUnreadAccounting(t *testing.T) {
	db := testDB(t, nil)
	ctx := context.Background()
	insertConversation(t, db, &Conversation{ID: "g", ParticipantIDs: []string{"me", "b", "c", "d"}})

	apply := func(tail Tail) bool {
		t.Helper()
		var changed bool
		err := db.Update(ctx, func(tx *Tx) error {
			var err error
			changed, err = tx.ApplyTail(ctx, "g", tail, "me")
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		return changed
	}
	unread := func() int {
		t.Helper()
		c, err := db.GetConversation(ctx, "g")
		if err != nil {
			t.Fatal(err)
		}
		return c.UnreadCount
	}

	apply(Tail{Text: "1", At: 100, SenderID: "b"})
	apply(Tail{Text: "2", At: 200, SenderID: "c"})
	apply(Tail{Text: "3", At: 300, SenderID: "d"})
	if got := unread(); got != 3 {
		t.Fatalf("unread = %d, want 3", got)
	}

	// Replaying the current tail is a no-op.
	if apply(Tail{Text: "3", At: 300, SenderID: "d"}) {
		t.Error("replayed tail reported a change")
	}
	// Older tails lose.
	if apply(Tail{Text: "0", At: 50, SenderID: "b"}) {
		t.Error("older tail reported a change")
	}
	// Same sender again does not count.
	apply(Tail{Text: "4", At: 400, SenderID: "d"})
	// Self does not count.
	apply(Tail{Text: "5", At: 500, SenderID: "me"})
	if got := unread(); got != 3 {
		t.Fatalf("unread = %d, want 3", got)
	}

	if err := db.Update(ctx, func(tx *Tx) error { return tx.MarkRead(ctx, "g") }); err != nil {
		t.Fatal(err)
	}
	if got := unread(); got != 0 {
		t.Fatalf("unread after mark read = %d, want 0", got)
	}

	c, _ := db.GetConversation(ctx, "g")
	if c.LastMessageText != "5" || c.LastMessageAt != 500 || c.LastMessageSenderID != "me" {
		t.Errorf("tail = %q %d %q", c.LastMessageText, c.LastMessageAt, c.LastMessageSenderID)
	}
}

func TestSetSyncStateTransitions(t *testing.T) {
	db := testDB(t, nil)
	ctx := context.Background()
	insertMessage(t, db, &Message{ID: "m1", ConversationID: "c", Text: "x", LocalCreatedAt: 10})
	ref := Ref{Kind: KindMessage, ID: "m1"}

	set := func(next SyncState, conf *Confirmation) error {
		return db.Update(ctx, func(tx *Tx) error { return tx.SetSyncState(ctx, ref, next, conf) })
	}

	if err := set(SyncState{Status: status.Failed, RetryCount: 3, LastError: "boom"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := set(SyncState{Status: status.Synced}, nil); err == nil {
		t.Fatal("failed -> synced should be rejected")
	}
	if err := set(SyncState{Status: status.Pending}, nil); err != nil {
		t.Fatal(err)
	}
	seq := int64(7)
	if err := set(SyncState{Status: status.Synced}, &Confirmation{ServerTimestamp: 5000, SequenceNumber: &seq}); err != nil {
		t.Fatal(err)
	}

	m, _ := db.GetMessage(ctx, "m1")
	if m.SyncStatus != status.Synced || m.RetryCount != 0 || m.LastError != "" {
		t.Errorf("sync = %s retry=%d err=%q", m.SyncStatus, m.RetryCount, m.LastError)
	}
	if m.ServerTimestamp == nil || *m.ServerTimestamp != 5000 || m.SequenceNumber == nil || *m.SequenceNumber != 7 {
		t.Errorf("confirmation not recorded: %+v", m)
	}
	if m.OrderKey() != 5000 {
		t.Errorf("order key = %d, want 5000", m.OrderKey())
	}

	_, err := db.GetSyncState(ctx, Ref{Kind: KindMessage, ID: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPendingRefsOrder(t *testing.T) {
	db := testDB(t, nil)
	ctx := context.Background()

	insertMessage(t, db, &Message{ID: "m2", ConversationID: "c", Text: "first", LocalCreatedAt: 20})
	insertMessage(t, db, &Message{ID: "m1", ConversationID: "c", Text: "second", LocalCreatedAt: 10})
	insertMessage(t, db, &Message{ID: "done", ConversationID: "c", Text: "x", LocalCreatedAt: 5, SyncStatus: status.Synced})
	insertConversation(t, db, &Conversation{ID: "c", ParticipantIDs: []string{"a", "b"}, CreatedAt: 1})

	refs, err := db.PendingRefs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []Ref{{KindConversation, "c"}, {KindMessage, "m2"}, {KindMessage, "m1"}}
	if len(refs) != len(want) {
		t.Fatalf("got %v, want %v", refs, want)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("ref %d = %v, want %v", i, refs[i], want[i])
		}
	}

	n, err := db.CountBySync(ctx, status.Pending)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("pending count = %d, want 3", n)
	}
}

func TestUpdateRollsBackAndNotifies(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("store.", 10)
	defer unsub()
	db := testDB(t, b)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.Update(ctx, func(tx *Tx) error {
		if _, err := tx.InsertMessage(ctx, &Message{ID: "m1", ConversationID: "c", Text: "x", LocalCreatedAt: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if m, _ := db.GetMessage(ctx, "m1"); m != nil {
		t.Fatal("rolled back insert is visible")
	}
	select {
	case evt := <-ch:
		t.Fatalf("event published for rolled back tx: %v", evt.Kind)
	case <-time.After(20 * time.Millisecond):
	}

	insertMessage(t, db, &Message{ID: "m2", ConversationID: "c", Text: "y", LocalCreatedAt: 2})
	select {
	case evt := <-ch:
		if evt.Kind != bus.KindMessagesChanged {
			t.Fatalf("kind = %s", evt.Kind)
		}
		msgs := evt.Payload.([]Message)
		if len(msgs) != 1 || msgs[0].ID != "m2" {
			t.Errorf("payload = %+v", msgs)
		}
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
}

func TestCheckpoints(t *testing.T) {
	db := testDB(t, nil)
	ctx := context.Background()
	key := ThreadCheckpoint("c")

	for _, v := range []int64{5, 3, 9, 7} {
		if err := db.Update(ctx, func(tx *Tx) error { return tx.RaiseCheckpoint(ctx, key, v) }); err != nil {
			t.Fatal(err)
		}
	}
	got, err := db.GetCheckpointInt(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if got != 9 {
		t.Errorf("checkpoint = %d, want 9", got)
	}

	if _, ok, _ := db.GetCheckpoint(ctx, CheckpointLastDrain); ok {
		t.Error("unset checkpoint reported as set")
	}
}

func TestUserCache(t *testing.T) {
	db := testDB(t, nil)
	ctx := context.Background()
	for _, name := range []string{"Bob", "Robert"} {
		if err := db.Update(ctx, func(tx *Tx) error {
			return tx.UpsertUser(ctx, &User{ID: "b1", DisplayName: name})
		}); err != nil {
			t.Fatal(err)
		}
	}
	u, err := db.GetUser(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || u.DisplayName != "Robert" {
		t.Errorf("got %+v, want Robert", u)
	}
}
