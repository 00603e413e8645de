// Package presence carries ephemeral per-user signals over the remote
// channel: typing indicators and online status. Nothing here is stored
// locally.
package presence

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options tune the typing channel.
type Options struct {
	// Throttle is the minimum spacing of typing writes per conversation and user.
	Throttle time.Duration
	// Expiry clears a typing flag after this long without a StartTyping call.
	Expiry time.Duration
	Now    func() time.Time
}

// DefaultOptions returns a three second throttle and expiry.
func DefaultOptions() Options {
	return Options{Throttle: 3 * time.Second, Expiry: 3 * time.Second}
}

// TypingChange is the payload of a presence.typing event.
type TypingChange struct {
	ConversationID string   `json:"conversation_id"`
	UserIDs        []string `json:"user_ids"`
}

type typingKey struct{ conv, user string }

// Typing broadcasts and observes "is typing" flags.
type Typing struct {
	ch     remote.Channel
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	mu       sync.Mutex
	limiters map[typingKey]*rate.Limiter
	timers   map[typingKey]*time.Timer
	watches  map[string]*Subscription
}

// NewTyping creates a typing channel.
func NewTyping(ch remote.Channel, b *bus.Bus, logger *zap.Logger, opts Options) *Typing {
	def := DefaultOptions()
	if opts.Throttle <= 0 {
		opts.Throttle = def.Throttle
	}
	if opts.Expiry <= 0 {
		opts.Expiry = def.Expiry
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Typing{
		ch:       ch,
		bus:      b,
		logger:   logger,
		opts:     opts,
		limiters: make(map[typingKey]*rate.Limiter),
		timers:   make(map[typingKey]*time.Timer),
		watches:  make(map[string]*Subscription),
	}
}

// StartTyping raises userID's typing flag in convID. Calls within the
// throttle window of the last write only push the local expiry back. The
// flag is cleared by the service if this client disconnects. It reports
// whether a remote write happened.
func (t *Typing) StartTyping(ctx context.Context, convID, userID string) (bool, error) {
	k := typingKey{convID, userID}
	t.mu.Lock()
	lim, ok := t.limiters[k]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.opts.Throttle), 1)
		t.limiters[k] = lim
	}
	allowed := lim.AllowN(t.opts.Now(), 1)
	t.armLocked(k)
	t.mu.Unlock()

	if !allowed {
		metrics.TypingWritesTotal.WithLabelValues("throttled").Inc()
		return false, nil
	}

	path := remote.TypingUserPath(convID, userID)
	_, err := t.ch.Write(ctx, path, true)
	if err == nil {
		err = t.ch.OnDisconnectClear(ctx, path)
	}
	if err != nil {
		metrics.TypingWritesTotal.WithLabelValues("error").Inc()
		t.mu.Lock()
		delete(t.limiters, k)
		t.mu.Unlock()
		return false, err
	}
	metrics.TypingWritesTotal.WithLabelValues("sent").Inc()
	return true, nil
}

// armLocked (re)starts the local expiry timer of k. Caller holds mu.
func (t *Typing) armLocked(k typingKey) {
	if tm, ok := t.timers[k]; ok {
		tm.Reset(t.opts.Expiry)
		return
	}
	t.timers[k] = time.AfterFunc(t.opts.Expiry, func() { t.expire(k) })
}

func (t *Typing) expire(k typingKey) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.StopTyping(ctx, k.conv, k.user); err != nil {
		t.logger.Debug("clear expired typing flag", zap.String("conversation", k.conv), zap.Error(err))
	}
}

// StopTyping clears userID's typing flag in convID and resets its throttle,
// so the next StartTyping writes at once.
func (t *Typing) StopTyping(ctx context.Context, convID, userID string) error {
	k := typingKey{convID, userID}
	t.mu.Lock()
	if tm, ok := t.timers[k]; ok {
		tm.Stop()
		delete(t.timers, k)
	}
	delete(t.limiters, k)
	t.mu.Unlock()

	if err := t.ch.Remove(ctx, remote.TypingUserPath(convID, userID)); err != nil {
		metrics.TypingWritesTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.TypingWritesTotal.WithLabelValues("cleared").Inc()
	return nil
}

// Subscription delivers the set of users typing in one conversation.
type Subscription struct {
	convID  string
	ch      remote.Channel
	handles []remote.Handle
	fn      func([]string)

	mu     sync.Mutex
	typing map[string]bool
	stop   sync.Once
}

// Users returns the users currently typing, sorted.
func (s *Subscription) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usersLocked()
}

func (s *Subscription) usersLocked() []string {
	out := make([]string, 0, len(s.typing))
	for u := range s.typing {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

func (s *Subscription) apply(c remote.Child, removed bool) {
	on, _ := c.Value.(bool)
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.typing[c.Key]
	if removed || !on {
		delete(s.typing, c.Key)
	} else {
		s.typing[c.Key] = true
	}
	if was == s.typing[c.Key] {
		return
	}
	if s.fn != nil {
		s.fn(s.usersLocked())
	}
}

// Stop ends the subscription.
func (s *Subscription) Stop() {
	s.stop.Do(func() {
		for _, h := range s.handles {
			s.ch.RemoveObserver(h)
		}
	})
}

// Subscribe calls fn with the full sorted set of typing users of convID
// whenever it changes. fn runs with the subscription locked and must not
// call back into it.
func (t *Typing) Subscribe(ctx context.Context, convID string, fn func(userIDs []string)) (*Subscription, error) {
	s := &Subscription{convID: convID, ch: t.ch, fn: fn, typing: make(map[string]bool)}
	path := remote.TypingPath(convID)
	observers := []struct {
		observe func(context.Context, string, func(remote.Child)) (remote.Handle, error)
		removed bool
	}{
		{t.ch.ObserveChildAdded, false},
		{t.ch.ObserveChildChanged, false},
		{t.ch.ObserveChildRemoved, true},
	}
	for _, o := range observers {
		removed := o.removed
		h, err := o.observe(ctx, path, func(c remote.Child) { s.apply(c, removed) })
		if err != nil {
			s.Stop()
			return nil, err
		}
		s.handles = append(s.handles, h)
	}
	return s, nil
}

// Watch keeps a subscription to convID open and publishes every change of
// its typing set on the bus until Unwatch or Close.
func (t *Typing) Watch(ctx context.Context, convID string) error {
	t.mu.Lock()
	_, ok := t.watches[convID]
	t.mu.Unlock()
	if ok {
		return nil
	}
	s, err := t.Subscribe(ctx, convID, func(users []string) {
		t.bus.Publish(bus.Event{Kind: bus.KindTypingChanged, Payload: TypingChange{ConversationID: convID, UserIDs: users}})
	})
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.watches[convID]; ok {
		s.Stop()
		return nil
	}
	t.watches[convID] = s
	return nil
}

// Typers returns who is typing in a watched conversation, or nil.
func (t *Typing) Typers(convID string) []string {
	t.mu.Lock()
	s := t.watches[convID]
	t.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Users()
}

// Unwatch closes the subscription Watch opened.
func (t *Typing) Unwatch(convID string) {
	t.mu.Lock()
	s := t.watches[convID]
	delete(t.watches, convID)
	t.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// Close stops every watch and clears every flag this client raised.
func (t *Typing) Close(ctx context.Context) {
	t.mu.Lock()
	watches := t.watches
	t.watches = make(map[string]*Subscription)
	keys := make([]typingKey, 0, len(t.timers))
	for k := range t.timers {
		keys = append(keys, k)
	}
	t.mu.Unlock()

	for _, s := range watches {
		s.Stop()
	}
	for _, k := range keys {
		if err := t.StopTyping(ctx, k.conv, k.user); err != nil {
			t.logger.Debug("clear typing flag on close", zap.String("conversation", k.conv), zap.Error(err))
		}
	}
}
