package store

import "github.com/matheus3301/chatsync/internal/status"

// Kind names a record type held by the store.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindMessage      Kind = "message"
)

// Ref identifies a record by type and id.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// Conversation is the local copy of a conversation. Timestamps are unix millis.
type Conversation struct {
	ID                  string      `json:"id"`
	ParticipantIDs      []string    `json:"participant_ids"`
	IsGroup             bool        `json:"is_group"`
	DisplayName         string      `json:"display_name,omitempty"`
	PhotoURL            string      `json:"photo_url,omitempty"`
	LastMessageText     string      `json:"last_message_text,omitempty"`
	LastMessageAt       int64       `json:"last_message_at,omitempty"`
	LastMessageSenderID string      `json:"last_message_sender_id,omitempty"`
	UnreadCount         int         `json:"unread_count"`
	Archived            bool        `json:"archived"`
	SyncStatus          status.Sync `json:"sync_status"`
	RetryCount          int         `json:"retry_count"`
	LastError           string      `json:"last_error,omitempty"`
	CreatedAt           int64       `json:"created_at"`
	UpdatedAt           int64       `json:"updated_at"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Message is the local copy of a message. ServerTimestamp and SequenceNumber
// stay nil until the remote side confirms the write.
type Message struct {
	ID              string          `json:"id"`
	ConversationID  string          `json:"conversation_id"`
	SenderID        string          `json:"sender_id"`
	Text            string          `json:"text"`
	LocalCreatedAt  int64           `json:"local_created_at"`
	ServerTimestamp *int64          `json:"server_timestamp,omitempty"`
	SequenceNumber  *int64          `json:"sequence_number,omitempty"`
	Status          status.Delivery `json:"status"`
	SyncStatus      status.Sync     `json:"sync_status"`
	RetryCount      int             `json:"retry_count"`
	LastError       string          `json:"last_error,omitempty"`
	UpdatedAt       int64           `json:"updated_at"`
}

// OrderKey is the display position of the message: the server timestamp
// once known, the local creation time before that.
func (m *Message) OrderKey() int64 {
	if m.ServerTimestamp != nil {
		return *m.ServerTimestamp
	}
	return m.LocalCreatedAt
}

// User is a cached peer profile.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	PhotoURL    string `json:"photo_url,omitempty"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Tail is the denormalized most-recent-message pointer of a conversation.
type Tail struct {
	Text     string
	At       int64
	SenderID string
}

// Confirmation carries what the remote side assigned to a delivered record.
type Confirmation struct {
	ServerTimestamp int64
	SequenceNumber  *int64
}
