// Package remote defines the path-addressed real-time data service the sync
// engine replicates against, with an in-memory server and a Redis backend.
//
// Every path names one document. A document's parent is the path without its
// last segment, and observers watch the direct children of a parent. Values
// are normalized through JSON, so numbers come back as float64 and structs
// come back as map[string]any.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("remote: connection closed")

// ErrUnreachable is returned when the service cannot be reached.
var ErrUnreachable = errors.New("remote: service unreachable")

// EventKind is the kind of child change an observer is notified of.
type EventKind string

const (
	ChildAdded   EventKind = "added"
	ChildChanged EventKind = "changed"
	ChildRemoved EventKind = "removed"
)

// Child is a direct child of an observed path. For removals Value holds the
// document that was removed.
type Child struct {
	Key   string
	Value any
}

// Handle identifies a registered observer.
type Handle string

// Channel is a connection to the remote data service.
type Channel interface {
	// Write replaces the document at path and returns the stored value with
	// sentinels resolved.
	Write(ctx context.Context, path string, value any) (any, error)
	// Update merges fields into the document at path, creating it if needed.
	// A nil field value deletes that field.
	Update(ctx context.Context, path string, fields map[string]any) (map[string]any, error)
	// UpdateIf is Update applied only when ok accepts the stored document
	// (nil when absent), checked atomically with the write. It returns the
	// document now stored and whether fields were applied.
	UpdateIf(ctx context.Context, path string, fields map[string]any, ok func(current map[string]any) bool) (map[string]any, bool, error)
	// Create writes value only if nothing is stored at path. It returns the
	// document now stored and whether this call created it.
	Create(ctx context.Context, path string, value any) (any, bool, error)
	// Remove deletes the document at path.
	Remove(ctx context.Context, path string) error
	// ReadOnce returns the document at path. ok is false if none exists.
	ReadOnce(ctx context.Context, path string) (value any, ok bool, err error)

	// ObserveChildAdded calls fn for every existing child of path and then
	// for each child added later. Callbacks for one observer run in order on
	// a single goroutine.
	ObserveChildAdded(ctx context.Context, path string, fn func(Child)) (Handle, error)
	ObserveChildChanged(ctx context.Context, path string, fn func(Child)) (Handle, error)
	ObserveChildRemoved(ctx context.Context, path string, fn func(Child)) (Handle, error)
	RemoveObserver(h Handle)

	// OnDisconnectClear arranges for the document at path to be removed when
	// this connection goes away. Registering the same path again is a no-op.
	OnDisconnectClear(ctx context.Context, path string) error

	Ping(ctx context.Context) error
	Close() error
}

type sentinel string

// Values substituted by the service at write time. They may appear anywhere
// in a written value, including nested maps and struct fields.
const (
	// ServerTimestamp resolves to the service clock in unix milliseconds.
	ServerTimestamp sentinel = ".sv/timestamp"
	// ServerSequence resolves to the next value of a counter kept per parent
	// path, so siblings get increasing numbers.
	ServerSequence sentinel = ".sv/sequence"
)

// resolver replaces sentinels in a normalized value. Each source is called
// at most once per write so every occurrence gets the same value.
type resolver struct {
	now func() (int64, error)
	seq func() (int64, error)

	ts, n   float64
	tsDone  bool
	seqDone bool
}

func (r *resolver) resolve(v any) (any, error) {
	switch x := v.(type) {
	case string:
		switch sentinel(x) {
		case ServerTimestamp:
			if !r.tsDone {
				ts, err := r.now()
				if err != nil {
					return nil, err
				}
				r.ts, r.tsDone = float64(ts), true
			}
			return r.ts, nil
		case ServerSequence:
			if !r.seqDone {
				n, err := r.seq()
				if err != nil {
					return nil, err
				}
				r.n, r.seqDone = float64(n), true
			}
			return r.n, nil
		}
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			rv, err := r.resolve(val)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			rv, err := r.resolve(val)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	}
	return v, nil
}

// normalize round-trips v through JSON.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("remote: encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("remote: decode value: %w", err)
	}
	return out, nil
}

// merge applies fields on top of doc. A nil field value deletes the field.
func merge(doc any, fields map[string]any) map[string]any {
	out := map[string]any{}
	if m, ok := doc.(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	for k, v := range fields {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
