package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const maxTxRetries = 8

// RedisOptions configures a Redis-backed channel.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// Lease is how long a path registered with OnDisconnectClear survives
	// after this client stops renewing it.
	Lease  time.Duration
	Logger *zap.Logger
}

// Redis implements Channel on a Redis server.
//
// Key layout under the prefix:
//
//	node:<path>      JSON document
//	children:<path>  ZSET of child keys scored by insertion order
//	events:<path>    pub/sub channel of child events
//	seq:<path>       counter behind ServerSequence
//	order            global insertion counter
//
// Redis has no per-client disconnect hooks, so OnDisconnectClear puts a TTL
// lease on the node and renews it while the client is alive. Close removes
// leased nodes right away; a crashed client's nodes expire after Lease.
type Redis struct {
	rdb    *redis.Client
	owned  bool
	prefix string
	lease  time.Duration
	log    *zap.Logger

	mu        sync.Mutex
	closed    bool
	leases    map[string]struct{}
	observers map[Handle]*redisObserver

	stop chan struct{}
	wg   sync.WaitGroup
}

type redisObserver struct {
	*observer
	ps *redis.PubSub
}

type wireEvent struct {
	Kind  EventKind       `json:"kind"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

var _ Channel = (*Redis)(nil)

// DialRedis connects to the server in opts and verifies it answers.
func DialRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	r := NewRedis(rdb, opts)
	r.owned = true
	return r, nil
}

// NewRedis wraps an existing client. The client is not closed by Close.
func NewRedis(rdb *redis.Client, opts RedisOptions) *Redis {
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Redis{
		rdb:       rdb,
		prefix:    opts.KeyPrefix,
		lease:     opts.Lease,
		log:       opts.Logger,
		leases:    make(map[string]struct{}),
		observers: make(map[Handle]*redisObserver),
		stop:      make(chan struct{}),
	}
	r.wg.Add(1)
	go r.keepalive()
	return r
}

func (r *Redis) nodeKey(path string) string { return r.prefix + "node:" + path }
func (r *Redis) childKey(path string) string { return r.prefix + "children:" + path }
func (r *Redis) eventsKey(path string) string { return r.prefix + "events:" + path }
func (r *Redis) seqKey(path string) string { return r.prefix + "seq:" + path }

func (r *Redis) check(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if path != "" {
		return ValidatePath(path)
	}
	return nil
}

// prepare normalizes value and resolves sentinels against the server.
func (r *Redis) prepare(ctx context.Context, path string, value any) (any, error) {
	v, err := normalize(value)
	if err != nil {
		return nil, err
	}
	parent, _ := Split(path)
	res := &resolver{
		now: r.serverTime(ctx),
		seq: func() (int64, error) { return r.rdb.Incr(ctx, r.seqKey(parent)).Result() },
	}
	return res.resolve(v)
}

func (r *Redis) serverTime(ctx context.Context) func() (int64, error) {
	return func() (int64, error) {
		t, err := r.rdb.Time(ctx).Result()
		if err != nil {
			return 0, err
		}
		return t.UnixMilli(), nil
	}
}

// readNode decodes a GET of a node key. ok is false when the key is missing.
func readNode(cmd *redis.StringCmd) (v any, ok bool, err error) {
	raw, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *Redis) leased(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.leases[path]
	return ok
}

// put queues the writes that store raw at path inside a MULTI block and
// returns the command telling whether the child is new.
func (r *Redis) put(ctx context.Context, p redis.Pipeliner, path string, raw []byte, order int64) *redis.IntCmd {
	parent, key := Split(path)
	p.Set(ctx, r.nodeKey(path), raw, 0)
	if r.leased(path) {
		p.PExpire(ctx, r.nodeKey(path), r.lease)
	}
	return p.ZAddNX(ctx, r.childKey(parent), redis.Z{Score: float64(order), Member: key})
}

func (r *Redis) publish(ctx context.Context, path string, kind EventKind, value any) {
	parent, key := Split(path)
	ev := wireEvent{Kind: kind, Key: key}
	if value != nil {
		ev.Value, _ = json.Marshal(value)
	}
	raw, _ := json.Marshal(ev)
	if err := r.rdb.Publish(ctx, r.eventsKey(parent), raw).Err(); err != nil {
		r.log.Warn("publish child event", zap.String("path", path), zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (r *Redis) nextOrder(ctx context.Context) (int64, error) {
	return r.rdb.Incr(ctx, r.prefix+"order").Result()
}

func (r *Redis) Write(ctx context.Context, path string, value any) (any, error) {
	if err := r.check(ctx, path); err != nil {
		return nil, err
	}
	v, err := r.prepare(ctx, path, value)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	order, err := r.nextOrder(ctx)
	if err != nil {
		return nil, err
	}
	var added *redis.IntCmd
	if _, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		added = r.put(ctx, p, path, raw, order)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	r.publish(ctx, path, childKind(added), v)
	return v, nil
}

func (r *Redis) Update(ctx context.Context, path string, fields map[string]any) (map[string]any, error) {
	doc, _, err := r.update(ctx, path, fields, nil)
	return doc, err
}

func (r *Redis) UpdateIf(ctx context.Context, path string, fields map[string]any, ok func(map[string]any) bool) (map[string]any, bool, error) {
	return r.update(ctx, path, fields, ok)
}

// update merges fields under WATCH of the node, so the condition and the
// merge see the same document. Sentinels are resolved only once the
// condition holds.
func (r *Redis) update(ctx context.Context, path string, fields map[string]any, ok func(map[string]any) bool) (map[string]any, bool, error) {
	if err := r.check(ctx, path); err != nil {
		return nil, false, err
	}
	v, err := normalize(fields)
	if err != nil {
		return nil, false, err
	}
	order, err := r.nextOrder(ctx)
	if err != nil {
		return nil, false, err
	}

	parent, _ := Split(path)
	nodeKey := r.nodeKey(path)
	var doc map[string]any
	var applied bool
	var added *redis.IntCmd
	txf := func(tx *redis.Tx) error {
		existing, _, err := readNode(tx.Get(ctx, nodeKey))
		if err != nil {
			return err
		}
		cur, _ := existing.(map[string]any)
		if ok != nil && !ok(cur) {
			doc, applied = cur, false
			return nil
		}
		res := &resolver{
			now: r.serverTime(ctx),
			seq: func() (int64, error) { return r.rdb.Incr(ctx, r.seqKey(parent)).Result() },
		}
		resolved, err := res.resolve(v)
		if err != nil {
			return err
		}
		fm, _ := resolved.(map[string]any)
		merged := merge(existing, fm)
		raw, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			added = r.put(ctx, p, path, raw, order)
			return nil
		})
		if err != nil {
			return err
		}
		doc, applied = merged, true
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err = r.rdb.Watch(ctx, txf, nodeKey)
		if err == nil {
			if applied {
				r.publish(ctx, path, childKind(added), doc)
			}
			return doc, applied, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, false, fmt.Errorf("update %s: %w", path, err)
		}
	}
	return nil, false, fmt.Errorf("update %s: %w", path, err)
}

// Create checks for the node, takes the next sequence number and writes the
// node and its index entry in one transaction watching both the node and the
// parent's counter. A create that loses to an existing node consumes no
// sequence number.
func (r *Redis) Create(ctx context.Context, path string, value any) (any, bool, error) {
	if err := r.check(ctx, path); err != nil {
		return nil, false, err
	}
	v, err := normalize(value)
	if err != nil {
		return nil, false, err
	}
	order, err := r.nextOrder(ctx)
	if err != nil {
		return nil, false, err
	}

	parent, _ := Split(path)
	nodeKey, seqKey := r.nodeKey(path), r.seqKey(parent)
	var doc any
	var created bool
	txf := func(tx *redis.Tx) error {
		existing, found, err := readNode(tx.Get(ctx, nodeKey))
		if err != nil {
			return err
		}
		if found {
			doc, created = existing, false
			return nil
		}
		res := &resolver{
			now: r.serverTime(ctx),
			seq: func() (int64, error) {
				n, err := tx.Get(ctx, seqKey).Int64()
				if err != nil && !errors.Is(err, redis.Nil) {
					return 0, err
				}
				return n + 1, nil
			},
		}
		resolved, err := res.resolve(v)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(resolved)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if res.seqDone {
				p.Incr(ctx, seqKey)
			}
			r.put(ctx, p, path, raw, order)
			return nil
		})
		if err != nil {
			return err
		}
		doc, created = resolved, true
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err = r.rdb.Watch(ctx, txf, nodeKey, seqKey)
		if err == nil {
			if created {
				r.publish(ctx, path, ChildAdded, doc)
			}
			return doc, created, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, false, fmt.Errorf("create %s: %w", path, err)
		}
	}
	return nil, false, fmt.Errorf("create %s: %w", path, err)
}

func (r *Redis) Remove(ctx context.Context, path string) error {
	if err := r.check(ctx, path); err != nil {
		return err
	}
	return r.remove(ctx, path)
}

func (r *Redis) remove(ctx context.Context, path string) error {
	raw, err := r.rdb.GetDel(ctx, r.nodeKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	parent, key := Split(path)
	if err := r.rdb.ZRem(ctx, r.childKey(parent), key).Err(); err != nil {
		return fmt.Errorf("remove %s: index: %w", path, err)
	}
	var old any
	_ = json.Unmarshal(raw, &old)
	r.publish(ctx, path, ChildRemoved, old)
	return nil
}

func (r *Redis) ReadOnce(ctx context.Context, path string) (any, bool, error) {
	if err := r.check(ctx, path); err != nil {
		return nil, false, err
	}
	v, ok, err := readNode(r.rdb.Get(ctx, r.nodeKey(path)))
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	return v, ok, nil
}

func (r *Redis) ObserveChildAdded(ctx context.Context, path string, fn func(Child)) (Handle, error) {
	return r.observe(ctx, path, ChildAdded, fn)
}

func (r *Redis) ObserveChildChanged(ctx context.Context, path string, fn func(Child)) (Handle, error) {
	return r.observe(ctx, path, ChildChanged, fn)
}

func (r *Redis) ObserveChildRemoved(ctx context.Context, path string, fn func(Child)) (Handle, error) {
	return r.observe(ctx, path, ChildRemoved, fn)
}

// observe subscribes before listing existing children, so a child added in
// between may be reported twice but is never missed.
func (r *Redis) observe(ctx context.Context, path string, kind EventKind, fn func(Child)) (Handle, error) {
	if err := r.check(ctx, path); err != nil {
		return "", err
	}
	ps := r.rdb.Subscribe(ctx, r.eventsKey(path))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return "", fmt.Errorf("subscribe %s: %w", path, err)
	}

	o := newObserver(path, kind, fn)
	if kind == ChildAdded {
		if err := r.replay(ctx, path, o); err != nil {
			_ = ps.Close()
			o.stop()
			return "", err
		}
	}

	ch := ps.Channel()
	go func() {
		for msg := range ch {
			var ev wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.Warn("bad child event", zap.String("path", path), zap.Error(err))
				continue
			}
			if ev.Kind != kind {
				continue
			}
			var v any
			if len(ev.Value) > 0 {
				_ = json.Unmarshal(ev.Value, &v)
			}
			o.push(Child{Key: ev.Key, Value: v})
		}
	}()

	r.mu.Lock()
	r.observers[o.handle] = &redisObserver{observer: o, ps: ps}
	r.mu.Unlock()
	return o.handle, nil
}

func (r *Redis) replay(ctx context.Context, path string, o *observer) error {
	keys, err := r.rdb.ZRange(ctx, r.childKey(path), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list children %s: %w", path, err)
	}
	if len(keys) == 0 {
		return nil
	}
	nodeKeys := make([]string, len(keys))
	for i, k := range keys {
		nodeKeys[i] = r.nodeKey(Join(path, k))
	}
	vals, err := r.rdb.MGet(ctx, nodeKeys...).Result()
	if err != nil {
		return fmt.Errorf("load children %s: %w", path, err)
	}
	for i, raw := range vals {
		s, ok := raw.(string)
		if !ok {
			// Expired lease; the index entry is stale.
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			continue
		}
		o.push(Child{Key: keys[i], Value: v})
	}
	return nil
}

func (r *Redis) RemoveObserver(h Handle) {
	r.mu.Lock()
	ro, ok := r.observers[h]
	delete(r.observers, h)
	r.mu.Unlock()
	if ok {
		_ = ro.ps.Close()
		ro.stop()
	}
}

func (r *Redis) OnDisconnectClear(ctx context.Context, path string) error {
	if err := r.check(ctx, path); err != nil {
		return err
	}
	r.mu.Lock()
	r.leases[path] = struct{}{}
	r.mu.Unlock()
	return r.rdb.PExpire(ctx, r.nodeKey(path), r.lease).Err()
}

func (r *Redis) keepalive() {
	defer r.wg.Done()
	t := time.NewTicker(r.lease / 3)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			r.mu.Lock()
			paths := make([]string, 0, len(r.leases))
			for p := range r.leases {
				paths = append(paths, p)
			}
			r.mu.Unlock()
			if len(paths) == 0 {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.lease/3)
			_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
				for _, path := range paths {
					p.PExpire(ctx, r.nodeKey(path), r.lease)
				}
				return nil
			})
			cancel()
			if err != nil {
				r.log.Warn("renew disconnect leases", zap.Int("paths", len(paths)), zap.Error(err))
			}
		}
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.check(ctx, ""); err != nil {
		return err
	}
	return r.rdb.Ping(ctx).Err()
}

// Close stops observers, removes every leased path and, when the client was
// created by DialRedis, closes it.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	leases := r.leases
	observers := r.observers
	r.leases = map[string]struct{}{}
	r.observers = nil
	r.mu.Unlock()

	close(r.stop)
	r.wg.Wait()

	for _, ro := range observers {
		_ = ro.ps.Close()
		ro.stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for path := range leases {
		if err := r.remove(ctx, path); err != nil {
			r.log.Warn("clear leased path", zap.String("path", path), zap.Error(err))
		}
	}
	if r.owned {
		return r.rdb.Close()
	}
	return nil
}

func childKind(added *redis.IntCmd) EventKind {
	if added != nil && added.Val() == 1 {
		return ChildAdded
	}
	return ChildChanged
}
