package identity

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
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

// remotePusher creates the conversation document the way the sync pusher does.
type remotePusher struct {
	ch    remote.Channel
	calls int
	err   error
}

func (p *remotePusher) PushConversation(ctx context.Context, c *store.Conversation) (*store.Confirmation, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	_, _, err := p.ch.Create(ctx, remote.ConversationPath(c.ID), wire.NewConversation(c))
	return nil, err
}

// observedPusher creates the document and then confirms the local record the
// way the conversation observer does when it sees the create first. err is
// returned after the remote write went through.
type observedPusher struct {
	ch  remote.Channel
	db  *store.DB
	err error
}

func (p *observedPusher) PushConversation(ctx context.Context, c *store.Conversation) (*store.Confirmation, error) {
	if _, _, err := p.ch.Create(ctx, remote.ConversationPath(c.ID), wire.NewConversation(c)); err != nil {
		return nil, err
	}
	ref := store.Ref{Kind: store.KindConversation, ID: c.ID}
	if err := p.db.Update(ctx, func(tx *store.Tx) error {
		return tx.SetSyncState(ctx, ref, store.SyncState{Status: status.Synced}, nil)
	}); err != nil {
		return nil, err
	}
	return nil, p.err
}

type staticDirectory struct {
	self    string
	users   map[string]bool
	blocked map[string]bool
}

func (d staticDirectory) CurrentUserID() (string, bool) { return d.self, d.self != "" }

func (d staticDirectory) UserExists(_ context.Context, id string) (bool, error) {
	return d.users[id], nil
}

func (d staticDirectory) IsBlocked(_ context.Context, id string) (bool, error) {
	return d.blocked[id], nil
}

func publish(t *testing.T, ch remote.Channel, p Profile) {
	t.Helper()
	if err := NewRemoteDirectory(ch, p.ID).Publish(context.Background(), p); err != nil {
		t.Fatal(err)
	}
}

func TestConversationIDIsOrderIndependent(t *testing.T) {
	pairs := [][2]string{{"a1", "b1"}, {"zed", "amy"}, {"u_1", "u_2"}, {"B", "a"}}
	for _, p := range pairs {
		if ConversationID(p[0], p[1]) != ConversationID(p[1], p[0]) {
			t.Errorf("ConversationID(%s, %s) depends on argument order", p[0], p[1])
		}
	}
	if got := ConversationID("b1", "a1"); got != "a1_b1" {
		t.Errorf("ConversationID = %q, want a1_b1", got)
	}
	if got := Participants("b1", "a1"); got[0] != "a1" || got[1] != "b1" {
		t.Errorf("Participants = %v", got)
	}
}

func TestCreateConversation(t *testing.T) {
	ctx := context.Background()
	srv := remote.NewMemoryServer()
	conn := srv.Connect()
	publish(t, conn, Profile{ID: "a1", DisplayName: "Ana"})
	publish(t, conn, Profile{ID: "b1", DisplayName: "Bea"})

	db := testDB(t)
	pusher := &remotePusher{ch: conn}
	r := NewResolver(db, conn, NewRemoteDirectory(conn, "a1"), pusher, nil)

	c, err := r.Open(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != "a1_b1" || c.SyncStatus != status.Synced {
		t.Errorf("got %+v", c)
	}
	if _, ok := srv.Snapshot(remote.ConversationPath("a1_b1")); !ok {
		t.Error("conversation not created remotely")
	}

	// A second open is served from the store.
	again, err := r.Open(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != c.ID || pusher.calls != 1 {
		t.Errorf("second open pushed again: calls=%d", pusher.calls)
	}
}

// The peer opens the pair from its own client after the conversation exists
// remotely: it gets the same id and materializes the record without pushing.
func TestCreateConversationFromEitherSide(t *testing.T) {
	ctx := context.Background()
	srv := remote.NewMemoryServer()
	connA, connB := srv.Connect(), srv.Connect()
	publish(t, connA, Profile{ID: "a1"})
	publish(t, connB, Profile{ID: "b1"})

	ra := NewResolver(testDB(t), connA, NewRemoteDirectory(connA, "a1"), &remotePusher{ch: connA}, nil)
	a, err := ra.CreateConversation(ctx, "a1", "b1")
	if err != nil {
		t.Fatal(err)
	}

	dbB := testDB(t)
	pusherB := &remotePusher{ch: connB}
	rb := NewResolver(dbB, connB, NewRemoteDirectory(connB, "b1"), pusherB, nil)
	b, err := rb.CreateConversation(ctx, "b1", "a1")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Fatalf("ids differ: %s vs %s", a.ID, b.ID)
	}
	if b.SyncStatus != status.Synced || pusherB.calls != 0 {
		t.Errorf("materialized copy: %+v, pushes=%d", b, pusherB.calls)
	}
	stored, err := dbB.GetConversation(ctx, b.ID)
	if err != nil || stored == nil {
		t.Fatalf("not stored on b1: %v", err)
	}
}

func TestCreateConversationRejections(t *testing.T) {
	ctx := context.Background()
	dir := staticDirectory{
		self:    "a1",
		users:   map[string]bool{"b1": true, "c1": true},
		blocked: map[string]bool{"c1": true},
	}

	tests := []struct {
		name string
		self string
		peer string
		want error
	}{
		{"unknown peer", "a1", "zz", ErrPeerNotFound},
		{"empty peer", "a1", "", ErrPeerNotFound},
		{"blocked peer", "a1", "c1", ErrPeerBlocked},
		{"self", "a1", "a1", ErrSelfConversation},
		{"signed out", "", "b1", ErrNotAuthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := remote.NewMemoryServer()
			conn := srv.Connect()
			db := testDB(t)
			pusher := &remotePusher{ch: conn}
			r := NewResolver(db, conn, dir, pusher, nil)

			_, err := r.CreateConversation(ctx, tt.self, tt.peer)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			convs, err := db.ListConversations(ctx, 10, 0, true)
			if err != nil {
				t.Fatal(err)
			}
			if len(convs) != 0 || pusher.calls != 0 {
				t.Errorf("rejection left state: %d conversations, %d pushes", len(convs), pusher.calls)
			}
		})
	}
}

func TestRemoteDirectoryBlocking(t *testing.T) {
	ctx := context.Background()
	conn := remote.NewMemoryServer().Connect()
	publish(t, conn, Profile{ID: "a1"})
	publish(t, conn, Profile{ID: "b1", Blocked: []string{"a1"}})
	publish(t, conn, Profile{ID: "c1"})

	dir := NewRemoteDirectory(conn, "a1")
	if blocked, err := dir.IsBlocked(ctx, "b1"); err != nil || !blocked {
		t.Errorf("b1 blocks a1: blocked=%v err=%v", blocked, err)
	}
	if blocked, err := dir.IsBlocked(ctx, "c1"); err != nil || blocked {
		t.Errorf("c1: blocked=%v err=%v", blocked, err)
	}
	if ok, err := dir.UserExists(ctx, "nobody"); err != nil || ok {
		t.Errorf("nobody exists=%v err=%v", ok, err)
	}

	r := NewResolver(testDB(t), conn, dir, &remotePusher{ch: conn}, nil)
	if _, err := r.Open(ctx, "b1"); !errors.Is(err, ErrPeerBlocked) {
		t.Errorf("open b1: %v", err)
	}
}

func TestCreateConversationPushFailure(t *testing.T) {
	ctx := context.Background()
	conn := remote.NewMemoryServer().Connect()
	db := testDB(t)
	dir := staticDirectory{self: "a1", users: map[string]bool{"b1": true}}
	pusher := &remotePusher{ch: conn, err: remote.ErrUnreachable}
	r := NewResolver(db, conn, dir, pusher, nil)

	_, err := r.Open(ctx, "b1")
	var pushErr *PushError
	if !errors.As(err, &pushErr) {
		t.Fatalf("got %v, want *PushError", err)
	}
	if pushErr.ConversationID != "a1_b1" || !errors.Is(err, remote.ErrUnreachable) {
		t.Errorf("push error %+v", pushErr)
	}

	c, err := db.GetConversation(ctx, "a1_b1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.SyncStatus != status.Failed || c.LastError == "" {
		t.Errorf("local record after failed push: %+v", c)
	}
}

func TestCreateConversationConfirmedByObserverFirst(t *testing.T) {
	tests := []struct {
		name    string
		pushErr error
	}{
		{"push ok", nil},
		{"push error after remote write", context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			srv := remote.NewMemoryServer()
			conn := srv.Connect()
			db := testDB(t)
			dir := staticDirectory{self: "a1", users: map[string]bool{"b1": true}}
			r := NewResolver(db, conn, dir, &observedPusher{ch: conn, db: db, err: tt.pushErr}, nil)

			c, err := r.Open(ctx, "b1")
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if c == nil || c.ID != "a1_b1" || c.SyncStatus != status.Synced {
				t.Errorf("got %+v", c)
			}
			if _, ok := srv.Snapshot(remote.ConversationPath("a1_b1")); !ok {
				t.Error("conversation missing remotely")
			}
		})
	}
}
