// Package wire defines the documents exchanged over the remote channel and
// their mapping to local records.
package wire

import (
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

// Conversation is the document at conversations/<id>.
type Conversation struct {
	ID                  string   `json:"id"`
	ParticipantIDs      []string `json:"participantIds"`
	IsGroup             bool     `json:"isGroup"`
	DisplayName         string   `json:"displayName,omitempty"`
	PhotoURL            string   `json:"photoUrl,omitempty"`
	LastMessageText     string   `json:"lastMessageText,omitempty"`
	LastMessageAt       int64    `json:"lastMessageAt,omitempty"`
	LastMessageSenderID string   `json:"lastMessageSenderId,omitempty"`
	LastMessageID       string   `json:"lastMessageId,omitempty"`
	CreatedAt           int64    `json:"createdAt,omitempty"`
}

// Message is the document at messages/<conversation>/<id>.
type Message struct {
	ID              string `json:"id"`
	ConversationID  string `json:"conversationId"`
	SenderID        string `json:"senderId"`
	Text            string `json:"text"`
	LocalCreatedAt  int64  `json:"localCreatedAt"`
	ServerTimestamp int64  `json:"serverTimestamp,omitempty"`
	SequenceNumber  int64  `json:"sequenceNumber,omitempty"`
	Status          string `json:"status"`
}

// DecodeConversation reads a conversation document. key fills a missing id.
func DecodeConversation(key string, v any) (*Conversation, error) {
	var c Conversation
	if err := remote.Decode(v, &c); err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = key
	}
	return &c, nil
}

// DecodeMessage reads a message document. key fills a missing id.
func DecodeMessage(key string, v any) (*Message, error) {
	var m Message
	if err := remote.Decode(v, &m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		m.ID = key
	}
	return &m, nil
}

// Tail returns the conversation's tail pointer.
func (c *Conversation) Tail() store.Tail {
	return store.Tail{Text: c.LastMessageText, At: c.LastMessageAt, SenderID: c.LastMessageSenderID}
}

// Local builds a synced local record from a remote conversation as seen by
// selfID. Unread starts at 1 when someone else sent the last message.
func (c *Conversation) Local(selfID string) *store.Conversation {
	unread := 0
	if c.LastMessageSenderID != "" && c.LastMessageSenderID != selfID {
		unread = 1
	}
	return &store.Conversation{
		ID:                  c.ID,
		ParticipantIDs:      c.ParticipantIDs,
		IsGroup:             c.IsGroup,
		DisplayName:         c.DisplayName,
		PhotoURL:            c.PhotoURL,
		LastMessageText:     c.LastMessageText,
		LastMessageAt:       c.LastMessageAt,
		LastMessageSenderID: c.LastMessageSenderID,
		UnreadCount:         unread,
		SyncStatus:          status.Synced,
		CreatedAt:           c.CreatedAt,
	}
}

// Local builds a synced local record from a remote message.
func (m *Message) Local(convID string) *store.Message {
	local := &store.Message{
		ID:             m.ID,
		ConversationID: convID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		LocalCreatedAt: m.LocalCreatedAt,
		Status:         status.Delivery(m.Status),
		SyncStatus:     status.Synced,
	}
	if !local.Status.Valid() {
		local.Status = status.Sent
	}
	if m.ServerTimestamp > 0 {
		ts := m.ServerTimestamp
		local.ServerTimestamp = &ts
	}
	if m.SequenceNumber > 0 {
		seq := m.SequenceNumber
		local.SequenceNumber = &seq
	}
	if local.LocalCreatedAt == 0 {
		local.LocalCreatedAt = m.ServerTimestamp
	}
	return local
}

// NewConversation is the document written when a conversation is first
// created remotely. The service stamps createdAt.
func NewConversation(c *store.Conversation) map[string]any {
	return map[string]any{
		"id":             c.ID,
		"participantIds": c.ParticipantIDs,
		"isGroup":        c.IsGroup,
		"createdAt":      remote.ServerTimestamp,
	}
}

// NewMessage is the document written when a message is delivered. The
// service stamps serverTimestamp and sequenceNumber.
func NewMessage(m *store.Message) map[string]any {
	return map[string]any{
		"id":              m.ID,
		"conversationId":  m.ConversationID,
		"senderId":        m.SenderID,
		"text":            m.Text,
		"localCreatedAt":  m.LocalCreatedAt,
		"serverTimestamp": remote.ServerTimestamp,
		"sequenceNumber":  remote.ServerSequence,
		"status":          string(status.Sent),
	}
}

// TailIsOlder accepts a stored conversation whose tail is not newer than at.
// A missing conversation is rejected, so a tail never creates one.
func TailIsOlder(at int64) func(map[string]any) bool {
	return func(cur map[string]any) bool {
		if cur == nil {
			return false
		}
		prev, _ := cur["lastMessageAt"].(float64)
		return int64(prev) <= at
	}
}

// TailFields is the partial update that moves a conversation's tail to m.
func TailFields(m *Message) map[string]any {
	return map[string]any{
		"lastMessageText":     m.Text,
		"lastMessageAt":       m.ServerTimestamp,
		"lastMessageSenderId": m.SenderID,
		"lastMessageId":       m.ID,
	}
}
