package wal

import "sync"

// Event is a bit set of WAL changes.
type Event uint32

const (
	// EventWrite is raised after a transaction is committed.
	EventWrite Event = 1 << iota
	// EventRotate is raised when a new segment is started.
	EventRotate
)

// Watcher delivers coalesced WAL events to a single consumer. Events raised
// while the consumer is busy accumulate in a pending set; C is signalled at
// most once per batch of events.
type Watcher struct {
	w  *WAL
	ch chan struct{}

	mu      sync.Mutex
	pending Event
}

// Watch registers a watcher. It starts with EventWrite|EventRotate pending
// so a consumer replays from its position immediately.
func (w *WAL) Watch() *Watcher {
	wt := &Watcher{w: w, ch: make(chan struct{}, 1), pending: EventWrite | EventRotate}
	wt.ch <- struct{}{}
	w.mu.Lock()
	w.watchers[wt] = struct{}{}
	w.mu.Unlock()
	return wt
}

// C is signalled when events are pending.
func (wt *Watcher) C() <-chan struct{} { return wt.ch }

// Events returns and clears the pending events.
func (wt *Watcher) Events() Event {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	ev := wt.pending
	wt.pending = 0
	return ev
}

// Close unregisters the watcher. Pending events are discarded.
func (wt *Watcher) Close() {
	wt.w.mu.Lock()
	delete(wt.w.watchers, wt)
	wt.w.mu.Unlock()
}

func (w *WAL) notifyLocked(ev Event) {
	for wt := range w.watchers {
		wt.mu.Lock()
		wt.pending |= ev
		wt.mu.Unlock()
		select {
		case wt.ch <- struct{}{}:
		default:
		}
	}
}
