package remote

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryServer is an in-process remote service. Each client gets its own
// Conn; closing a Conn behaves like that client disconnecting.
type MemoryServer struct {
	mu        sync.Mutex
	docs      map[string]any
	children  map[string]map[string]int64 // parent -> key -> insertion order
	order     int64
	seqs      map[string]int64
	observers map[string][]*observer
	now       func() time.Time
}

// NewMemoryServer creates an empty server using the wall clock.
func NewMemoryServer() *MemoryServer {
	return &MemoryServer{
		docs:      make(map[string]any),
		children:  make(map[string]map[string]int64),
		seqs:      make(map[string]int64),
		observers: make(map[string][]*observer),
		now:       time.Now,
	}
}

// SetClock replaces the clock used for ServerTimestamp.
func (s *MemoryServer) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Connect opens a new client connection.
func (s *MemoryServer) Connect() *Conn {
	c := &Conn{
		id:        uuid.NewString(),
		srv:       s,
		leases:    make(map[string]struct{}),
		observers: make(map[Handle]*observer),
	}
	c.reachable.Store(true)
	return c
}

// Snapshot returns the document at path, bypassing any connection.
func (s *MemoryServer) Snapshot(path string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.docs[path]
	return v, ok
}

func (s *MemoryServer) resolver(parent string) *resolver {
	return &resolver{
		now: func() (int64, error) { return s.now().UnixMilli(), nil },
		seq: func() (int64, error) {
			s.seqs[parent]++
			return s.seqs[parent], nil
		},
	}
}

// store puts value at path and notifies observers of the parent. Caller holds mu.
func (s *MemoryServer) store(path string, value any) {
	parent, key := Split(path)
	kind := ChildChanged
	if _, ok := s.docs[path]; !ok {
		kind = ChildAdded
		if s.children[parent] == nil {
			s.children[parent] = make(map[string]int64)
		}
		s.order++
		s.children[parent][key] = s.order
	}
	s.docs[path] = value
	s.notify(parent, kind, Child{Key: key, Value: value})
}

func (s *MemoryServer) delete(path string) {
	old, ok := s.docs[path]
	if !ok {
		return
	}
	parent, key := Split(path)
	delete(s.docs, path)
	delete(s.children[parent], key)
	s.notify(parent, ChildRemoved, Child{Key: key, Value: old})
}

func (s *MemoryServer) notify(parent string, kind EventKind, c Child) {
	for _, o := range s.observers[parent] {
		if o.kind == kind {
			o.push(c)
		}
	}
}

func (s *MemoryServer) write(path string, value any) (any, error) {
	v, err := normalize(value)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, _ := Split(path)
	v, err = s.resolver(parent).resolve(v)
	if err != nil {
		return nil, err
	}
	s.store(path, v)
	return v, nil
}

func (s *MemoryServer) update(path string, fields map[string]any, ok func(map[string]any) bool) (map[string]any, bool, error) {
	v, err := normalize(fields)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, _ := s.docs[path].(map[string]any)
	if ok != nil && !ok(cur) {
		return cur, false, nil
	}
	parent, _ := Split(path)
	v, err = s.resolver(parent).resolve(v)
	if err != nil {
		return nil, false, err
	}
	fm, _ := v.(map[string]any)
	doc := merge(s.docs[path], fm)
	s.store(path, doc)
	return doc, true, nil
}

func (s *MemoryServer) create(path string, value any) (any, bool, error) {
	v, err := normalize(value)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.docs[path]; ok {
		return existing, false, nil
	}
	parent, _ := Split(path)
	v, err = s.resolver(parent).resolve(v)
	if err != nil {
		return nil, false, err
	}
	s.store(path, v)
	return v, true, nil
}

func (s *MemoryServer) observe(parent string, kind EventKind, fn func(Child)) *observer {
	o := newObserver(parent, kind, fn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == ChildAdded {
		keys := make([]string, 0, len(s.children[parent]))
		for k := range s.children[parent] {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			return s.children[parent][keys[i]] < s.children[parent][keys[j]]
		})
		for _, k := range keys {
			o.push(Child{Key: k, Value: s.docs[Join(parent, k)]})
		}
	}
	s.observers[parent] = append(s.observers[parent], o)
	return o
}

func (s *MemoryServer) unobserve(o *observer) {
	s.mu.Lock()
	list := s.observers[o.parent]
	for i, x := range list {
		if x == o {
			s.observers[o.parent] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	o.stop()
}
