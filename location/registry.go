package location

import (
	"sync"
	"time"
)

// Registry is the in-memory mapping of watched users to the watchers
// subscribed to their live position. It is an explicitly owned object
// shared by reference, never a package singleton, and is safe for
// concurrent use.
//
// Every entry carries its own expiry timer so cancellation is a single
// lookup-and-stop. The registry is best effort: a process restart loses
// subscriptions, which clients cheaply re-establish.
type Registry struct {
	mu       sync.Mutex
	watchers map[string]map[string]*subscription
}

type subscription struct {
	expiresAt time.Time
	timer     *time.Timer
}

func NewRegistry() *Registry {
	return &Registry{watchers: make(map[string]map[string]*subscription)}
}

// Track subscribes watcherID to watchedID for the given duration. A
// duplicate subscription refreshes the expiry instead of duplicating the
// entry.
func (r *Registry) Track(watcherID, watchedID string, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.watchers[watchedID]
	if !ok {
		set = make(map[string]*subscription)
		r.watchers[watchedID] = set
	}

	// A refresh installs a fresh entry. The old timer may already have
	// fired and be waiting on the lock; its callback compares pointers, so
	// it cannot remove the replacement.
	if old, ok := set[watcherID]; ok {
		old.timer.Stop()
	}
	sub := &subscription{expiresAt: time.Now().Add(duration)}
	sub.timer = time.AfterFunc(duration, func() {
		r.expire(watcherID, watchedID, sub)
	})
	set[watcherID] = sub
}

// expire removes a subscription only if it is still the one the timer was
// armed for.
func (r *Registry) expire(watcherID, watchedID string, sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.watchers[watchedID]
	if !ok || set[watcherID] != sub {
		return
	}
	delete(set, watcherID)
	if len(set) == 0 {
		delete(r.watchers, watchedID)
	}
}

// Untrack removes a subscription. Removing one that does not exist is a
// no-op, not an error.
func (r *Registry) Untrack(watcherID, watchedID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.watchers[watchedID]
	if !ok {
		return
	}
	if sub, ok := set[watcherID]; ok {
		sub.timer.Stop()
		delete(set, watcherID)
	}
	if len(set) == 0 {
		delete(r.watchers, watchedID)
	}
}

// DropWatcher removes watcherID from every watched set. Used when the
// watcher's session ends; subscriptions held by others on the departing
// user are untouched, since presence and subscription are independent.
func (r *Registry) DropWatcher(watcherID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for watchedID, set := range r.watchers {
		if sub, ok := set[watcherID]; ok {
			sub.timer.Stop()
			delete(set, watcherID)
		}
		if len(set) == 0 {
			delete(r.watchers, watchedID)
		}
	}
}

// ForEachWatcher calls fn for every current watcher of watchedID. The
// snapshot is taken under the lock; fn runs outside it so slow delivery
// never serializes unrelated users.
func (r *Registry) ForEachWatcher(watchedID string, fn func(watcherID string)) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.watchers[watchedID]))
	for id := range r.watchers[watchedID] {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		fn(id)
	}
}

// Watching reports whether watcherID currently holds a subscription to
// watchedID.
func (r *Registry) Watching(watcherID, watchedID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.watchers[watchedID][watcherID]
	return ok
}

// Size returns the number of active subscriptions across all users.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.watchers {
		n += len(set)
	}
	return n
}
