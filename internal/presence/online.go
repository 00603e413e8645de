package presence

import (
	"context"

	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

// Online publishes the signed-in user's online status and observes others'.
type Online struct {
	ch     remote.Channel
	selfID string
	logger *zap.Logger
}

func NewOnline(ch remote.Channel, selfID string, logger *zap.Logger) *Online {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Online{ch: ch, selfID: selfID, logger: logger}
}

// GoOnline marks the user online. The service drops the mark when this
// client disconnects.
func (o *Online) GoOnline(ctx context.Context) error {
	path := remote.PresencePath(o.selfID)
	if _, err := o.ch.Write(ctx, path, map[string]any{"online": true, "since": remote.ServerTimestamp}); err != nil {
		return err
	}
	if err := o.ch.OnDisconnectClear(ctx, path); err != nil {
		return err
	}
	o.logger.Debug("presence online", zap.String("user", o.selfID))
	return nil
}

// GoOffline removes the online mark.
func (o *Online) GoOffline(ctx context.Context) error {
	return o.ch.Remove(ctx, remote.PresencePath(o.selfID))
}

// Observe calls fn whenever userID goes online or offline, starting with
// the current state if online. The returned func stops observing.
func (o *Online) Observe(ctx context.Context, userID string, fn func(online bool)) (func(), error) {
	parent, key := remote.Split(remote.PresencePath(userID))
	var handles []remote.Handle
	stop := func() {
		for _, h := range handles {
			o.ch.RemoveObserver(h)
		}
	}
	on := func(c remote.Child) {
		if c.Key == key {
			fn(true)
		}
	}
	off := func(c remote.Child) {
		if c.Key == key {
			fn(false)
		}
	}
	for _, reg := range []struct {
		observe func(context.Context, string, func(remote.Child)) (remote.Handle, error)
		fn      func(remote.Child)
	}{
		{o.ch.ObserveChildAdded, on},
		{o.ch.ObserveChildRemoved, off},
	} {
		h, err := reg.observe(ctx, parent, reg.fn)
		if err != nil {
			stop()
			return nil, err
		}
		handles = append(handles, h)
	}
	return stop, nil
}
