package flagstore

import "sync"

// notifier implements in-process Subscribe for every store flavor. Cross-tab
// coherence comes from re-reading flags before acting on them, not from
// cross-process notifications.
type notifier struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]func(Change)
}

func (n *notifier) Subscribe(key string, fn func(Change)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[string]map[int]func(Change))
	}
	if n.subs[key] == nil {
		n.subs[key] = make(map[int]func(Change))
	}
	id := n.next
	n.next++
	n.subs[key][id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs[key], id)
	}
}

// notify delivers a change to current subscribers. Callbacks run without the
// lock held so a subscriber may re-enter the store.
func (n *notifier) notify(change Change) {
	n.mu.Lock()
	fns := make([]func(Change), 0, len(n.subs[change.Key]))
	for _, fn := range n.subs[change.Key] {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}
