package remote

import (
	"sync"

	"github.com/google/uuid"
)

// observer delivers child events to a callback on its own goroutine. Pushing
// never blocks the writer; events queue until the callback catches up.
type observer struct {
	handle Handle
	parent string
	kind   EventKind
	fn     func(Child)

	mu      sync.Mutex
	queue   []Child
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newObserver(parent string, kind EventKind, fn func(Child)) *observer {
	o := &observer{
		handle: Handle(uuid.NewString()),
		parent: parent,
		kind:   kind,
		fn:     fn,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *observer) push(c Child) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, c)
	select {
	case o.wake <- struct{}{}:
	default:
	}
	o.mu.Unlock()
}

func (o *observer) run() {
	defer close(o.done)
	for range o.wake {
		for {
			o.mu.Lock()
			if o.stopped {
				o.mu.Unlock()
				return
			}
			if len(o.queue) == 0 {
				o.mu.Unlock()
				break
			}
			c := o.queue[0]
			o.queue = o.queue[1:]
			o.mu.Unlock()
			o.fn(c)
		}
	}
}

// stop discards queued events. A callback already running finishes first
// unless stop is called from inside it.
func (o *observer) stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.queue = nil
	close(o.wake)
	o.mu.Unlock()
}
