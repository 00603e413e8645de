// Package coordinator drains records awaiting delivery to the remote channel
// with bounded retries.
package coordinator

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/netstate"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrShutdown       = errors.New("coordinator is shut down")
)

// Deliverer pushes one record to the remote side and applies the local side
// effects of a confirmed delivery.
type Deliverer interface {
	Deliver(ctx context.Context, ref store.Ref) (*store.Confirmation, error)
	Confirm(ctx context.Context, tx *store.Tx, ref store.Ref, conf *store.Confirmation) error
}

// Options tune the retry economics.
type Options struct {
	MaxAttempts int
	// BackoffBase is the wait before the second attempt; each later wait doubles.
	BackoffBase time.Duration
	// Jitter adds up to half the backoff at random.
	Jitter bool
	// LowPowerCooldown delays every drain while power is constrained.
	LowPowerCooldown time.Duration
	// DrainInterval is the period of background drains. Zero disables them.
	DrainInterval time.Duration

	// Sleep waits d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// DefaultOptions returns three attempts one and two seconds apart.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:      3,
		BackoffBase:      time.Second,
		LowPowerCooldown: 10 * time.Second,
		DrainInterval:    30 * time.Second,
	}
}

// DrainSummary is the payload of a sync.completed event.
type DrainSummary struct {
	Trigger   string `json:"trigger"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
	Pending   int    `json:"pending"`
}

// RecordFailure is the payload of a sync.record_failed event.
type RecordFailure struct {
	Ref   store.Ref `json:"ref"`
	Error string    `json:"error"`
}

// Coordinator delivers pending records. At most one drain runs at a time;
// a drain requested while another is running makes the running one go
// around again instead of starting a second.
type Coordinator struct {
	db     *store.DB
	d      Deliverer
	net    *netstate.Monitor
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	wake chan string

	mu      sync.Mutex
	syncing bool
	rerun   bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Coordinator and subscribes it to net's transitions. A drain
// runs whenever net turns reachable.
func New(db *store.DB, d Deliverer, net *netstate.Monitor, b *bus.Bus, logger *zap.Logger, opts Options) *Coordinator {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.BackoffBase
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		db:     db,
		d:      d,
		net:    net,
		bus:    b,
		logger: logger,
		opts:   opts,
		wake:   make(chan string, 1),
	}
	if net.IsReachable() {
		metrics.Online.Set(1)
	}
	net.OnReachabilityChange(func(prev, cur netstate.Reachability) {
		if cur.Reachable {
			metrics.Online.Set(1)
		} else {
			metrics.Online.Set(0)
		}
		if cur.Reachable && !prev.Reachable {
			c.signal("reachability")
		}
	})
	return c
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the background loop that serves Kick, reachability
// transitions and the drain interval until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrShutdown
	}
	if c.cancel != nil {
		return nil
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
	c.signal("start")
	return nil
}

// Stop ends the loop, cancelling any drain in flight, and waits for it.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.closed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Coordinator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if c.opts.DrainInterval > 0 {
		t := time.NewTicker(c.opts.DrainInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case trigger := <-c.wake:
			c.drain(ctx, trigger)
		case <-tick:
			c.drain(ctx, "interval")
		}
	}
}

func (c *Coordinator) signal(trigger string) {
	select {
	case c.wake <- trigger:
	default:
	}
}

// Kick asks the background loop to drain soon. It never blocks.
func (c *Coordinator) Kick() {
	c.signal("kick")
}

// SyncPending drains the queue on the calling goroutine. It returns at once
// when the network is unreachable or a drain is already running. Delivery
// failures are recorded on their records and never returned.
func (c *Coordinator) SyncPending(ctx context.Context) {
	c.drain(ctx, "manual")
}

func (c *Coordinator) IsOnline() bool {
	return c.net.IsReachable()
}

func (c *Coordinator) IsSyncing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncing
}

// PendingCount counts the records awaiting delivery.
func (c *Coordinator) PendingCount(ctx context.Context) (int, error) {
	return c.db.CountBySync(ctx, status.Pending)
}

func (c *Coordinator) drain(ctx context.Context, trigger string) {
	if !c.net.IsReachable() {
		return
	}
	c.mu.Lock()
	if c.syncing {
		c.rerun = true
		c.mu.Unlock()
		return
	}
	c.syncing = true
	c.mu.Unlock()

	metrics.DrainsTotal.WithLabelValues(trigger).Inc()
	c.bus.Publish(bus.Event{Kind: bus.KindSyncStarted, Payload: trigger})
	sum := DrainSummary{Trigger: trigger}

	for {
		if c.net.PowerConstrained() && c.opts.LowPowerCooldown > 0 {
			c.logger.Debug("power constrained, cooling down", zap.Duration("cooldown", c.opts.LowPowerCooldown))
			_ = c.opts.Sleep(ctx, c.opts.LowPowerCooldown)
		}
		delivered, failed := c.drainOnce(ctx)
		sum.Delivered += delivered
		sum.Failed += failed

		pending, err := c.PendingCount(context.WithoutCancel(ctx))
		if err != nil {
			c.logger.Error("count pending records", zap.Error(err))
		}
		sum.Pending = pending
		metrics.PendingRecords.Set(float64(pending))

		c.mu.Lock()
		again := c.rerun && ctx.Err() == nil && c.net.IsReachable()
		c.rerun = false
		if !again {
			c.syncing = false
		}
		c.mu.Unlock()
		if !again {
			break
		}
	}

	c.markDrained(ctx)
	c.logger.Info("drain finished",
		zap.String("trigger", trigger), zap.Int("delivered", sum.Delivered),
		zap.Int("failed", sum.Failed), zap.Int("pending", sum.Pending))
	c.bus.Publish(bus.Event{Kind: bus.KindSyncCompleted, Payload: sum})
}

// drainOnce walks the current queue in order. It stops early when the
// network drops or ctx ends, leaving the rest pending.
func (c *Coordinator) drainOnce(ctx context.Context) (delivered, failed int) {
	refs, err := c.db.PendingRefs(ctx)
	if err != nil {
		c.logger.Error("read pending records", zap.Error(err))
		return 0, 0
	}
	for _, ref := range refs {
		if ctx.Err() != nil || !c.net.IsReachable() {
			return delivered, failed
		}
		st, err := c.deliver(ctx, ref)
		if err != nil {
			continue
		}
		switch st.Status {
		case status.Synced:
			delivered++
		case status.Failed:
			failed++
		}
	}
	return delivered, failed
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	d := c.opts.BackoffBase << (attempt - 1)
	if c.opts.Jitter && d > 1 {
		d += time.Duration(rand.Int64N(int64(d) / 2))
	}
	return d
}

// deliver runs the bounded attempt cycle for one record and commits its
// outcome. A cancelled cycle commits nothing and leaves the record pending.
func (c *Coordinator) deliver(ctx context.Context, ref store.Ref) (*store.SyncState, error) {
	log := c.logger.With(zap.String("kind", string(ref.Kind)), zap.String("id", ref.ID))
	kind := string(ref.Kind)
	start := c.opts.Now()
	var lastErr error

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.opts.Sleep(ctx, c.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}
		conf, err := c.d.Deliver(ctx, ref)
		if err == nil {
			metrics.DeliveryAttemptsTotal.WithLabelValues(kind, "ok").Inc()
			metrics.DeliveryDuration.WithLabelValues(kind).Observe(c.opts.Now().Sub(start).Seconds())
			return c.commit(ctx, ref, store.SyncState{Status: status.Synced}, conf)
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRecordNotFound
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.DeliveryAttemptsTotal.WithLabelValues(kind, "error").Inc()
		log.Warn("delivery attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		lastErr = err
	}

	metrics.DeliveryExhaustedTotal.WithLabelValues(kind).Inc()
	metrics.DeliveryDuration.WithLabelValues(kind).Observe(c.opts.Now().Sub(start).Seconds())
	log.Error("delivery failed", zap.Int("attempts", c.opts.MaxAttempts), zap.Error(lastErr))
	st, err := c.commit(ctx, ref, store.SyncState{
		Status:     status.Failed,
		RetryCount: c.opts.MaxAttempts,
		LastError:  lastErr.Error(),
	}, nil)
	if err == nil {
		c.bus.Publish(bus.Event{Kind: bus.KindSyncRecordFailed, Payload: RecordFailure{Ref: ref, Error: lastErr.Error()}})
	}
	return st, err
}

// commit records the outcome of a finished cycle. It runs even if ctx was
// cancelled after the last attempt returned, so a delivered record is never
// left pending. A record that left pending meanwhile is not touched.
func (c *Coordinator) commit(ctx context.Context, ref store.Ref, next store.SyncState, conf *store.Confirmation) (*store.SyncState, error) {
	ctx = context.WithoutCancel(ctx)
	var final *store.SyncState
	err := c.db.Update(ctx, func(tx *store.Tx) error {
		cur, err := tx.GetSyncState(ctx, ref)
		if err != nil {
			return err
		}
		if cur.Status != status.Pending {
			final = cur
			return nil
		}
		if err := tx.SetSyncState(ctx, ref, next, conf); err != nil {
			return err
		}
		if next.Status == status.Synced {
			if err := c.d.Confirm(ctx, tx, ref, conf); err != nil {
				return err
			}
		}
		final = &next
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		c.logger.Error("commit delivery outcome", zap.String("kind", string(ref.Kind)), zap.String("id", ref.ID), zap.Error(err))
		return nil, err
	}
	return final, nil
}

func (c *Coordinator) markDrained(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	at := strconv.FormatInt(c.opts.Now().UnixMilli(), 10)
	if err := c.db.Update(ctx, func(tx *store.Tx) error {
		return tx.SetCheckpoint(ctx, store.CheckpointLastDrain, at)
	}); err != nil {
		c.logger.Warn("record drain checkpoint", zap.Error(err))
	}
}

// Retry puts a record back to pending with a fresh attempt budget and, when
// the network is reachable, runs a full attempt cycle for it right away.
// Offline, the record simply waits for the next drain. It returns the
// record's sync state afterwards.
func (c *Coordinator) Retry(ctx context.Context, ref store.Ref) (*store.SyncState, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrShutdown
	}

	var reset store.SyncState
	err := c.db.Update(ctx, func(tx *store.Tx) error {
		cur, err := tx.GetSyncState(ctx, ref)
		if err != nil {
			return err
		}
		if cur.Status == status.Synced {
			reset = *cur
			return nil
		}
		reset = store.SyncState{Status: status.Pending}
		return tx.SetSyncState(ctx, ref, reset, nil)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if reset.Status == status.Synced {
		return &reset, nil
	}
	metrics.RetriesTotal.WithLabelValues(string(ref.Kind)).Inc()
	c.logger.Info("retry requested", zap.String("kind", string(ref.Kind)), zap.String("id", ref.ID))

	if !c.net.IsReachable() {
		return &reset, nil
	}
	st, err := c.deliver(ctx, ref)
	if err != nil && ctx.Err() != nil {
		// Cancelled mid-cycle; the record stays pending for the next drain.
		return &reset, nil
	}
	return st, err
}
