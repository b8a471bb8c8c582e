// Package realtime wraps the hosted presence transport. A Channel is one
// logical publish/subscribe topic scoped by a topic name and a presence key;
// it delivers sync/join/leave notifications and lets the local client track
// its own presence record on the topic.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

// EventKind discriminates the three notification types a channel can deliver.
type EventKind int

const (
	// EventSync carries a full authoritative snapshot of all tracked keys.
	EventSync EventKind = iota
	// EventJoin signals a key started being tracked, with its initial records.
	EventJoin
	// EventLeave signals a key stopped being tracked.
	EventLeave
)

func (k EventKind) String() string {
	switch k {
	case EventSync:
		return "sync"
	case EventJoin:
		return "join"
	case EventLeave:
		return "leave"
	}
	return "unknown"
}

// Event is a single presence notification. Exactly one of State (sync) or
// Key/Records (join, leave) is meaningful for a given Kind. Record payloads
// stay opaque here; the consumer decodes them.
type Event struct {
	Kind    EventKind
	Key     string
	Records []json.RawMessage
	State   map[string][]json.RawMessage
}

// Channel is one open presence topic. Implementations deliver events
// asynchronously to the registered handler; events for a single remote key
// arrive in the order the backend applied them, with no ordering guarantee
// across keys.
type Channel interface {
	// On registers the event handler. Must be called before Subscribe.
	On(fn func(Event))

	// Subscribe performs the subscription handshake and blocks until the
	// backend acknowledges. The acknowledgment snapshot is delivered to the
	// handler as a sync event before Subscribe returns.
	Subscribe(ctx context.Context) error

	// Track publishes or refreshes the local user's presence record on the
	// channel. Returns an error if the channel is closed or the transport
	// rejects the publish; callers treat failures as best-effort.
	Track(ctx context.Context, record any) error

	// Unsubscribe releases the channel and stops event delivery. Safe to
	// call multiple times.
	Unsubscribe() error
}

// Opener creates channels bound to a topic and presence key.
type Opener interface {
	Channel(topic, presenceKey string) Channel
}

var (
	// ErrClosed is returned by operations on a released channel.
	ErrClosed = errors.New("realtime: channel closed")
	// ErrNotSubscribed is returned by Track before a successful Subscribe.
	ErrNotSubscribed = errors.New("realtime: channel not subscribed")
)
