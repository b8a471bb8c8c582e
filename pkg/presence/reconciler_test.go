package presence

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/Yowj/astvault/pkg/realtime"
)

func rawRecord(email, fullName string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{
		"email":    email,
		"fullName": fullName,
	})
	return data
}

func syncEvent(state map[string][]json.RawMessage) realtime.Event {
	return realtime.Event{Kind: realtime.EventSync, State: state}
}

func joinEvent(key string, records ...json.RawMessage) realtime.Event {
	return realtime.Event{Kind: realtime.EventJoin, Key: key, Records: records}
}

func leaveEvent(key string) realtime.Event {
	return realtime.Event{Kind: realtime.EventLeave, Key: key}
}

func TestReconciler_SyncReplacesState(t *testing.T) {
	r := NewReconciler("self")

	r.Apply(joinEvent("old", rawRecord("old@example.com", "Old")))
	if r.Size() != 1 {
		t.Fatalf("Expected 1 user after join, got %d", r.Size())
	}

	r.Apply(syncEvent(map[string][]json.RawMessage{
		"u1": {rawRecord("u1@example.com", "One")},
		"u2": {rawRecord("u2@example.com", "Two")},
	}))

	users := r.Users()
	if len(users) != 2 {
		t.Fatalf("Expected snapshot to replace state with 2 users, got %d", len(users))
	}
	for _, u := range users {
		if u.UserID == "old" {
			t.Error("Expected pre-sync user to be dropped by the snapshot")
		}
		if !u.Online {
			t.Errorf("Expected user %s to be marked online", u.UserID)
		}
	}
}

func TestReconciler_SyncExcludesSelf(t *testing.T) {
	r := NewReconciler("self")

	r.Apply(syncEvent(map[string][]json.RawMessage{
		"self": {rawRecord("me@example.com", "Me")},
		"u1":   {rawRecord("u1@example.com", "One")},
	}))

	users := r.Users()
	if len(users) != 1 || users[0].UserID != "u1" {
		t.Errorf("Expected only the remote user, got %+v", users)
	}
}

func TestReconciler_SyncSetsConnected(t *testing.T) {
	r := NewReconciler("self")

	if r.Connected() {
		t.Fatal("Expected new reconciler to be disconnected")
	}

	r.Apply(syncEvent(map[string][]json.RawMessage{}))

	if !r.Connected() {
		t.Error("Expected sync to mark the subscription live")
	}
}

func TestReconciler_SyncOrderStable(t *testing.T) {
	state := map[string][]json.RawMessage{
		"charlie": {rawRecord("c@example.com", "C")},
		"alice":   {rawRecord("a@example.com", "A")},
		"bob":     {rawRecord("b@example.com", "B")},
	}

	r := NewReconciler("self")
	r.Apply(syncEvent(state))
	first := r.Users()

	r.Apply(syncEvent(state))
	second := r.Users()

	if len(first) != len(second) {
		t.Fatalf("Expected identical snapshots to yield same size, got %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].UserID != second[i].UserID {
			t.Errorf("Expected stable ordering at %d, got %s vs %s", i, first[i].UserID, second[i].UserID)
		}
	}
}

func TestReconciler_JoinIdempotent(t *testing.T) {
	r := NewReconciler("self")

	r.Apply(joinEvent("u1", rawRecord("u1@example.com", "First")))
	r.Apply(joinEvent("u1", rawRecord("u1@example.com", "Second")))

	users := r.Users()
	if len(users) != 1 {
		t.Fatalf("Expected duplicate join to be a no-op, got %d users", len(users))
	}
	if users[0].FullName != "First" {
		t.Errorf("Expected the first join to win, got %q", users[0].FullName)
	}
}

func TestReconciler_JoinSelfIgnored(t *testing.T) {
	r := NewReconciler("self")

	r.Apply(joinEvent("self", rawRecord("me@example.com", "Me")))

	if r.Size() != 0 {
		t.Errorf("Expected self join to be filtered, got %d users", r.Size())
	}
}

func TestReconciler_JoinFirstSessionSurfaced(t *testing.T) {
	r := NewReconciler("self")

	// Two browser tabs: the record stack carries both, only the first shows.
	r.Apply(joinEvent("u1",
		rawRecord("u1@example.com", "Tab One"),
		rawRecord("u1@example.com", "Tab Two"),
	))

	users := r.Users()
	if len(users) != 1 {
		t.Fatalf("Expected one surfaced record, got %d", len(users))
	}
	if users[0].FullName != "Tab One" {
		t.Errorf("Expected the first record of the stack, got %q", users[0].FullName)
	}
}

func TestReconciler_LeaveIdempotent(t *testing.T) {
	r := NewReconciler("self")

	r.Apply(joinEvent("u1", rawRecord("u1@example.com", "One")))
	r.Apply(leaveEvent("u1"))
	r.Apply(leaveEvent("u1"))
	r.Apply(leaveEvent("never-seen"))

	if r.Size() != 0 {
		t.Errorf("Expected empty set after leaves, got %d users", r.Size())
	}
}

func TestReconciler_MalformedEventsDropped(t *testing.T) {
	r := NewReconciler("self")
	r.Apply(syncEvent(map[string][]json.RawMessage{
		"u1": {rawRecord("u1@example.com", "One")},
	}))

	events := []realtime.Event{
		joinEvent(""),
		joinEvent("u2"),
		joinEvent("u3", json.RawMessage(`not json`)),
		{Kind: realtime.EventKind(99), Key: "u4"},
		syncEvent(nil),
	}
	for _, ev := range events {
		r.Apply(ev)
	}

	// The trailing empty sync legitimately clears the set; nothing before it
	// may have panicked or inserted garbage.
	if r.Size() != 0 {
		t.Errorf("Expected empty set after final sync, got %d users", r.Size())
	}
	if !r.Connected() {
		t.Error("Expected connection flag to survive malformed events")
	}
}

func TestReconciler_LastSeenStampedAtReconciliation(t *testing.T) {
	stamp := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	r := NewReconciler("self")
	r.now = func() time.Time { return stamp }

	r.Apply(syncEvent(map[string][]json.RawMessage{
		"u1": {rawRecord("u1@example.com", "One")},
	}))
	r.Apply(joinEvent("u2", rawRecord("u2@example.com", "Two")))

	for _, u := range r.Users() {
		if !u.LastSeen.Equal(stamp) {
			t.Errorf("Expected LastSeen stamped at reconciliation for %s, got %v", u.UserID, u.LastSeen)
		}
	}
}

func TestReconciler_Reset(t *testing.T) {
	r := NewReconciler("self")
	r.Apply(syncEvent(map[string][]json.RawMessage{
		"u1": {rawRecord("u1@example.com", "One")},
	}))

	r.Reset()

	if r.Size() != 0 {
		t.Errorf("Expected empty set after reset, got %d users", r.Size())
	}
	if r.Connected() {
		t.Error("Expected disconnected after reset")
	}
}

func TestReconciler_Scenario(t *testing.T) {
	r := NewReconciler("self")

	// Handshake snapshot with two peers and the local user.
	r.Apply(syncEvent(map[string][]json.RawMessage{
		"self":  {rawRecord("me@example.com", "Me")},
		"alice": {rawRecord("alice@example.com", "Alice")},
		"bob":   {rawRecord("bob@example.com", "Bob")},
	}))

	// A third peer joins, twice (duplicate broadcast).
	r.Apply(joinEvent("carol", rawRecord("carol@example.com", "Carol")))
	r.Apply(joinEvent("carol", rawRecord("carol@example.com", "Carol Again")))

	// Bob leaves, twice.
	r.Apply(leaveEvent("bob"))
	r.Apply(leaveEvent("bob"))

	view := BuildView(r.Users(), r.Connected(), true)
	if view.OnlineCount != 3 {
		t.Errorf("Expected count 3 (alice, carol, self), got %d", view.OnlineCount)
	}
	if len(view.OnlineUsers) != 2 {
		t.Fatalf("Expected 2 remote users, got %d", len(view.OnlineUsers))
	}
	if view.CurrentUserStatus != StatusOnline {
		t.Errorf("Expected online status, got %s", view.CurrentUserStatus)
	}

	seen := map[string]bool{}
	for _, u := range view.OnlineUsers {
		seen[u.UserID] = true
	}
	if !seen["alice"] || !seen["carol"] {
		t.Errorf("Expected alice and carol in the view, got %v", seen)
	}
}

func TestReconciler_CountMatchesSetSize(t *testing.T) {
	r := NewReconciler("self")

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("u%d", i)
		r.Apply(joinEvent(key, rawRecord(key+"@example.com", key)))

		view := BuildView(r.Users(), r.Connected(), true)
		if view.OnlineCount != len(view.OnlineUsers)+1 {
			t.Fatalf("Count invariant broken at %d: count=%d users=%d", i, view.OnlineCount, len(view.OnlineUsers))
		}
	}
}
