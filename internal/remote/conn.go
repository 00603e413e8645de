package remote

import (
	"context"
	"sync"
	"sync/atomic"
)

// Conn is one client's connection to a MemoryServer. It implements Channel.
type Conn struct {
	id  string
	srv *MemoryServer

	reachable atomic.Bool

	mu        sync.Mutex
	closed    bool
	leases    map[string]struct{}
	observers map[Handle]*observer
	fault     func(op, path string) error
}

var _ Channel = (*Conn)(nil)

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// SetReachable simulates losing or regaining the network. While unreachable
// every operation fails with ErrUnreachable.
func (c *Conn) SetReachable(ok bool) { c.reachable.Store(ok) }

// SetFault installs a hook consulted before every operation. A non-nil
// return fails the operation with that error.
func (c *Conn) SetFault(fn func(op, path string) error) {
	c.mu.Lock()
	c.fault = fn
	c.mu.Unlock()
}

func (c *Conn) check(ctx context.Context, op, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed, fault := c.closed, c.fault
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !c.reachable.Load() {
		return ErrUnreachable
	}
	if path != "" {
		if err := ValidatePath(path); err != nil {
			return err
		}
	}
	if fault != nil {
		return fault(op, path)
	}
	return nil
}

func (c *Conn) Write(ctx context.Context, path string, value any) (any, error) {
	if err := c.check(ctx, "write", path); err != nil {
		return nil, err
	}
	return c.srv.write(path, value)
}

func (c *Conn) Update(ctx context.Context, path string, fields map[string]any) (map[string]any, error) {
	if err := c.check(ctx, "update", path); err != nil {
		return nil, err
	}
	doc, _, err := c.srv.update(path, fields, nil)
	return doc, err
}

func (c *Conn) UpdateIf(ctx context.Context, path string, fields map[string]any, ok func(map[string]any) bool) (map[string]any, bool, error) {
	if err := c.check(ctx, "update", path); err != nil {
		return nil, false, err
	}
	return c.srv.update(path, fields, ok)
}

func (c *Conn) Create(ctx context.Context, path string, value any) (any, bool, error) {
	if err := c.check(ctx, "create", path); err != nil {
		return nil, false, err
	}
	return c.srv.create(path, value)
}

func (c *Conn) Remove(ctx context.Context, path string) error {
	if err := c.check(ctx, "remove", path); err != nil {
		return err
	}
	c.srv.mu.Lock()
	c.srv.delete(path)
	c.srv.mu.Unlock()
	return nil
}

func (c *Conn) ReadOnce(ctx context.Context, path string) (any, bool, error) {
	if err := c.check(ctx, "read", path); err != nil {
		return nil, false, err
	}
	v, ok := c.srv.Snapshot(path)
	return v, ok, nil
}

func (c *Conn) ObserveChildAdded(ctx context.Context, path string, fn func(Child)) (Handle, error) {
	return c.observe(ctx, path, ChildAdded, fn)
}

func (c *Conn) ObserveChildChanged(ctx context.Context, path string, fn func(Child)) (Handle, error) {
	return c.observe(ctx, path, ChildChanged, fn)
}

func (c *Conn) ObserveChildRemoved(ctx context.Context, path string, fn func(Child)) (Handle, error) {
	return c.observe(ctx, path, ChildRemoved, fn)
}

func (c *Conn) observe(ctx context.Context, path string, kind EventKind, fn func(Child)) (Handle, error) {
	if err := c.check(ctx, "observe", path); err != nil {
		return "", err
	}
	o := c.srv.observe(path, kind, fn)
	c.mu.Lock()
	c.observers[o.handle] = o
	c.mu.Unlock()
	return o.handle, nil
}

func (c *Conn) RemoveObserver(h Handle) {
	c.mu.Lock()
	o, ok := c.observers[h]
	delete(c.observers, h)
	c.mu.Unlock()
	if ok {
		c.srv.unobserve(o)
	}
}

func (c *Conn) OnDisconnectClear(ctx context.Context, path string) error {
	if err := c.check(ctx, "on_disconnect", path); err != nil {
		return err
	}
	c.mu.Lock()
	c.leases[path] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.check(ctx, "ping", "")
}

// Close disconnects the client: its observers stop and every path
// registered with OnDisconnectClear is removed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	leases := c.leases
	observers := c.observers
	c.leases = nil
	c.observers = nil
	c.mu.Unlock()

	for _, o := range observers {
		c.srv.unobserve(o)
	}
	c.srv.mu.Lock()
	for path := range leases {
		c.srv.delete(path)
	}
	c.srv.mu.Unlock()
	return nil
}
