package watchedcache

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/skynetservices/skynet/store/coordstore"
)

const wildcardPattern = "*"

// callback is a subscriber's handler: relative path, the node's current
// value (nil for deletions), and the store version that value was
// observed at (0 for deletions, which have none).
type callback func(relative string, value []byte, version int)

type subscription struct {
	id      uint64
	kind    coordstore.EventKind
	pattern string
	handler callback
}

// dispatcher fans out cache lifecycle events to registered subscribers,
// delivering to the pattern-specific subscription before the wildcard one
// when both match, in registration order within each. It is the
// deduplicated-fan-out counterpart to the teacher's debounce Coalescer:
// both turn "many raw signals" into "one delivery per interested
// subscriber", just along a different axis (pattern match instead of time
// window).
type dispatcher struct {
	mu     sync.RWMutex
	nextID atomic.Uint64
	subs   map[coordstore.EventKind][]*subscription
	logger *slog.Logger
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		subs:   make(map[coordstore.EventKind][]*subscription),
		logger: slog.Default(),
	}
}

func (d *dispatcher) subscribe(kind coordstore.EventKind, pattern string, handler callback) func() {
	id := d.nextID.Add(1)
	sub := &subscription{id: id, kind: kind, pattern: pattern, handler: handler}

	d.mu.Lock()
	d.subs[kind] = append(d.subs[kind], sub)
	d.mu.Unlock()

	return func() {
		d.unsubscribe(kind, id)
	}
}

func (d *dispatcher) unsubscribe(kind coordstore.EventKind, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.subs[kind]
	for i, sub := range subs {
		if sub.id == id {
			d.subs[kind] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// dispatch delivers an event to every matching subscription of kind,
// specific-pattern matches first, then the wildcard, in registration
// order within each group.
func (d *dispatcher) dispatch(kind coordstore.EventKind, relative string, value []byte, version int) {
	d.mu.RLock()
	subs := append([]*subscription(nil), d.subs[kind]...)
	d.mu.RUnlock()

	var specific, wildcard []*subscription
	for _, sub := range subs {
		if sub.pattern == wildcardPattern {
			wildcard = append(wildcard, sub)
		} else if sub.pattern == relative {
			specific = append(specific, sub)
		}
	}

	for _, sub := range append(specific, wildcard...) {
		d.safeCall(sub, relative, value, version)
	}
}

func (d *dispatcher) safeCall(sub *subscription, relative string, value []byte, version int) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("watchedcache: subscriber callback panicked",
				"subscriber_id", sub.id,
				"pattern", sub.pattern,
				"path", relative,
				"panic", r,
			)
		}
	}()

	sub.handler(relative, value, version)
}

// closeAll drops every registered subscription. Pending deliveries already
// in flight complete; no new ones are dispatched afterward.
func (d *dispatcher) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = make(map[coordstore.EventKind][]*subscription)
}
