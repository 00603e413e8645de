// Package netstate tracks network reachability and power state and tells
// interested components when either changes.
package netstate

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Reachability is the current network condition.
type Reachability struct {
	Reachable bool `json:"reachable"`
	// Constrained marks an expensive or limited link.
	Constrained bool `json:"constrained"`
}

// Pinger is anything whose health can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor holds the reachability and power signals. Listeners run
// synchronously, in registration order, on the goroutine that caused the
// change, after the new state is visible.
type Monitor struct {
	bus *bus.Bus
	log *zap.Logger

	mu      sync.Mutex
	reach   Reachability
	lowPow  bool
	onReach []func(prev, cur Reachability)
	onPower []func(constrained bool)
}

// New creates a Monitor starting from initial.
func New(b *bus.Bus, log *zap.Logger, initial Reachability) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{bus: b, log: log, reach: initial}
}

func (m *Monitor) Reachability() Reachability {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reach
}

func (m *Monitor) IsReachable() bool {
	return m.Reachability().Reachable
}

func (m *Monitor) PowerConstrained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lowPow
}

// OnReachabilityChange registers fn for every reachability change.
func (m *Monitor) OnReachabilityChange(fn func(prev, cur Reachability)) {
	m.mu.Lock()
	m.onReach = append(m.onReach, fn)
	m.mu.Unlock()
}

// OnPowerChange registers fn for every power state change.
func (m *Monitor) OnPowerChange(fn func(constrained bool)) {
	m.mu.Lock()
	m.onPower = append(m.onPower, fn)
	m.mu.Unlock()
}

// SetReachability records a new network condition. Setting the current value
// again is a no-op.
func (m *Monitor) SetReachability(r Reachability) {
	m.mu.Lock()
	prev := m.reach
	if prev == r {
		m.mu.Unlock()
		return
	}
	m.reach = r
	fns := append([]func(prev, cur Reachability){}, m.onReach...)
	m.mu.Unlock()

	m.log.Info("reachability changed",
		zap.Bool("reachable", r.Reachable), zap.Bool("constrained", r.Constrained),
		zap.Bool("was_reachable", prev.Reachable))
	m.bus.Publish(bus.Event{Kind: bus.KindReachabilityChanged, Payload: r})
	for _, fn := range fns {
		fn(prev, r)
	}
}

// SetPowerConstrained records the power state.
func (m *Monitor) SetPowerConstrained(constrained bool) {
	m.mu.Lock()
	if m.lowPow == constrained {
		m.mu.Unlock()
		return
	}
	m.lowPow = constrained
	fns := append([]func(bool){}, m.onPower...)
	m.mu.Unlock()

	m.log.Info("power state changed", zap.Bool("constrained", constrained))
	m.bus.Publish(bus.Event{Kind: bus.KindPowerChanged, Payload: constrained})
	for _, fn := range fns {
		fn(constrained)
	}
}

// Probe pings p every interval until ctx is done and derives reachability
// from the result. Only changes in the probe result are applied, so a
// manual SetReachability holds until the link itself changes. The
// constrained flag is left as last set.
func (m *Monitor) Probe(ctx context.Context, p Pinger, interval, timeout time.Duration) {
	var last *bool
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := p.Ping(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		ok := err == nil
		if last != nil && *last == ok {
			return
		}
		last = &ok
		cur := m.Reachability()
		if !ok {
			m.log.Warn("remote probe failed", zap.Error(err))
		}
		m.SetReachability(Reachability{Reachable: ok, Constrained: cur.Constrained})
	}

	check()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}
