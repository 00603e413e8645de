package status

import (
	"fmt"
	"slices"
)

// Delivery is the per-message delivery state. It only moves forward.
type Delivery string

const (
	Sent      Delivery = "sent"
	Delivered Delivery = "delivered"
	Read      Delivery = "read"
)

var deliveryRank = map[Delivery]int{
	Sent:      0,
	Delivered: 1,
	Read:      2,
}

// Valid reports whether d is a known delivery state.
func (d Delivery) Valid() bool {
	_, ok := deliveryRank[d]
	return ok
}

// Advance returns the later of current and next. An unknown next never
// moves the state.
func Advance(current, next Delivery) (Delivery, bool) {
	if !next.Valid() {
		return current, false
	}
	if !current.Valid() {
		return next, true
	}
	if deliveryRank[next] > deliveryRank[current] {
		return next, true
	}
	return current, false
}

// Sync is the replication state of a local record.
type Sync string

const (
	Pending Sync = "pending"
	Synced  Sync = "synced"
	Failed  Sync = "failed"
)

// validTransitions defines allowed sync state transitions. Failed only
// leaves through an explicit retry back to Pending.
var validTransitions = map[Sync][]Sync{
	Pending: {Synced, Failed, Pending},
	Synced:  {Pending},
	Failed:  {Pending},
}

// Transition checks a sync state change and returns an error if it is not allowed.
func Transition(from, to Sync) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid sync transition from %s to %s", from, to)
	}
	return nil
}
