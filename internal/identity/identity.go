// Package identity derives conversation identity and opens two-party
// conversations against the local store and the remote channel.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Separator joins the sorted participant ids of a two-party conversation.
const Separator = "_"

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrPeerNotFound     = errors.New("peer not found")
	ErrPeerBlocked      = errors.New("peer blocked")
	ErrSelfConversation = errors.New("cannot open a conversation with yourself")
)

// PushError reports that a new conversation was stored locally but could not
// be created on the remote side. The local record is left failed.
type PushError struct {
	ConversationID string
	Err            error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push conversation %s: %v", e.ConversationID, e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }

// ConversationID returns the id shared by both participants of a two-party
// conversation, whichever of them computes it.
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, Separator)
}

// Participants returns the sorted participant list of a two-party conversation.
func Participants(a, b string) []string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids
}

// Directory answers questions about users.
type Directory interface {
	// CurrentUserID returns the signed-in user, or ok=false.
	CurrentUserID() (id string, ok bool)
	IsBlocked(ctx context.Context, peerID string) (bool, error)
	UserExists(ctx context.Context, peerID string) (bool, error)
}
