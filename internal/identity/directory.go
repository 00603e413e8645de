package identity

import (
	"context"
	"slices"

	"github.com/matheus3301/chatsync/internal/remote"
)

// Profile is the public document stored under users/<id>.
type Profile struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName,omitempty"`
	PhotoURL    string   `json:"photoUrl,omitempty"`
	Blocked     []string `json:"blocked,omitempty"`
}

// RemoteDirectory answers Directory questions from user documents on the
// remote channel. Blocking is symmetric: either side listing the other in
// its blocked set blocks the pair.
type RemoteDirectory struct {
	ch     remote.Channel
	selfID string
}

var _ Directory = (*RemoteDirectory)(nil)

// NewRemoteDirectory returns a directory for the signed-in user selfID. An
// empty selfID means nobody is signed in.
func NewRemoteDirectory(ch remote.Channel, selfID string) *RemoteDirectory {
	return &RemoteDirectory{ch: ch, selfID: selfID}
}

func (d *RemoteDirectory) CurrentUserID() (string, bool) {
	return d.selfID, d.selfID != ""
}

// Profile reads a user's profile. ok is false if the user does not exist.
func (d *RemoteDirectory) Profile(ctx context.Context, userID string) (*Profile, bool, error) {
	v, ok, err := d.ch.ReadOnce(ctx, remote.UserPath(userID))
	if err != nil || !ok {
		return nil, false, err
	}
	var p Profile
	if err := remote.Decode(v, &p); err != nil {
		return nil, false, err
	}
	if p.ID == "" {
		p.ID = userID
	}
	return &p, true, nil
}

func (d *RemoteDirectory) UserExists(ctx context.Context, peerID string) (bool, error) {
	_, ok, err := d.Profile(ctx, peerID)
	return ok, err
}

func (d *RemoteDirectory) IsBlocked(ctx context.Context, peerID string) (bool, error) {
	peer, ok, err := d.Profile(ctx, peerID)
	if err != nil {
		return false, err
	}
	if ok && slices.Contains(peer.Blocked, d.selfID) {
		return true, nil
	}
	self, ok, err := d.Profile(ctx, d.selfID)
	if err != nil {
		return false, err
	}
	return ok && slices.Contains(self.Blocked, peerID), nil
}

// Publish writes the signed-in user's own profile.
func (d *RemoteDirectory) Publish(ctx context.Context, p Profile) error {
	p.ID = d.selfID
	_, err := d.ch.Update(ctx, remote.UserPath(d.selfID), map[string]any{
		"id":          p.ID,
		"displayName": p.DisplayName,
		"photoUrl":    p.PhotoURL,
		"blocked":     p.Blocked,
	})
	return err
}
