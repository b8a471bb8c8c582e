package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/Yowj/astvault/pkg/realtime"
)

// Reconciler folds raw channel events into the set of currently-known remote
// users plus the connection-health flag. The local user's key is filtered at
// ingestion and never appears in the set.
//
// Sync snapshots are authoritative and replace the whole set; join is a
// first-wins idempotent insert; leave is an idempotent removal. Malformed
// events are dropped, a single bad message must not break the view.
type Reconciler struct {
	self string
	now  func() time.Time

	mu        sync.RWMutex
	users     map[string]Record
	order     []string
	connected bool
}

// NewReconciler creates a reconciler that excludes selfKey from the set.
func NewReconciler(selfKey string) *Reconciler {
	return &Reconciler{
		self:  selfKey,
		now:   time.Now,
		users: make(map[string]Record),
	}
}

// Apply processes one channel event. Never panics, regardless of payload.
func (r *Reconciler) Apply(ev realtime.Event) {
	switch ev.Kind {
	case realtime.EventSync:
		r.applySync(ev.State)
	case realtime.EventJoin:
		r.applyJoin(ev.Key, ev.Records)
	case realtime.EventLeave:
		r.applyLeave(ev.Key)
	}
}

func (r *Reconciler) applySync(state map[string][]json.RawMessage) {
	users := make(map[string]Record, len(state))
	order := make([]string, 0, len(state))

	// Snapshot keys are sorted so the rebuilt ordering is stable across
	// identical snapshots.
	keys := make([]string, 0, len(state))
	for key := range state {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	now := r.now()
	for _, key := range keys {
		if key == "" || key == r.self {
			continue
		}
		rec, ok := decodeFirst(key, state[key])
		if !ok {
			continue
		}
		// The snapshot carries no reliable presence timestamp; stamp one at
		// reconciliation time.
		rec.LastSeen = now
		users[key] = rec
		order = append(order, key)
	}

	r.mu.Lock()
	r.users = users
	r.order = order
	// The first sync is the backend's confirmation that the subscription is
	// live.
	r.connected = true
	r.mu.Unlock()
}

func (r *Reconciler) applyJoin(key string, records []json.RawMessage) {
	if key == "" || key == r.self {
		return
	}
	rec, ok := decodeFirst(key, records)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[key]; exists {
		// First join wins; duplicate joins leave the existing record alone.
		return
	}
	rec.LastSeen = r.now()
	r.users[key] = rec
	r.order = append(r.order, key)
}

func (r *Reconciler) applyLeave(key string) {
	if key == "" || key == r.self {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[key]; !exists {
		return
	}
	delete(r.users, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// decodeFirst surfaces the first record of a key's stack. A user with several
// open sessions stacks several records; only the first is displayed.
func decodeFirst(key string, records []json.RawMessage) (Record, bool) {
	if len(records) == 0 {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(records[0], &rec); err != nil {
		return Record{}, false
	}
	rec.UserID = key
	rec.Online = true
	return rec, true
}

// SetConnected overrides the connection flag; driven by the subscribe
// handshake outcome.
func (r *Reconciler) SetConnected(connected bool) {
	r.mu.Lock()
	r.connected = connected
	r.mu.Unlock()
}

// Connected reports whether the subscription handshake has completed.
func (r *Reconciler) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// Users returns the known remote users in insertion order.
func (r *Reconciler) Users() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.users[key])
	}
	return out
}

// Size returns the number of known remote users.
func (r *Reconciler) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Reset clears all reconciled state; part of teardown.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.users = make(map[string]Record)
	r.order = nil
	r.connected = false
	r.mu.Unlock()
}
