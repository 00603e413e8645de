package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by namespace prefix ("store.", "sync.", "net.").
const (
	KindMessagesChanged      = "store.messages"
	KindConversationsChanged = "store.conversations"
	KindUsersChanged         = "store.users"

	KindSyncStarted      = "sync.started"
	KindSyncCompleted    = "sync.completed"
	KindSyncRecordFailed = "sync.record_failed"

	KindReachabilityChanged = "net.reachability_changed"
	KindPowerChanged        = "net.power_changed"

	KindTypingChanged = "presence.typing"
)
