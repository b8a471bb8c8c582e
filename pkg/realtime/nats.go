package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Subject layout owned by the presence hub:
//
//	presence.event.{topic}      broadcast sync/join/leave events
//	presence.subscribe.{topic}  request/reply subscription handshake
//	presence.track.{topic}      presence record announcements
//	presence.untrack.{topic}    graceful release of a connection
const (
	eventPrefix     = "presence.event."
	subscribePrefix = "presence.subscribe."
	trackPrefix     = "presence.track."
	untrackPrefix   = "presence.untrack."
)

// wireEvent is the broadcast payload on presence.event.{topic}.
type wireEvent struct {
	Type    string                       `json:"type"`
	Key     string                       `json:"key,omitempty"`
	Records []json.RawMessage            `json:"records,omitempty"`
	State   map[string][]json.RawMessage `json:"state,omitempty"`
}

// trackRequest is the payload published to presence.track.{topic} and
// presence.untrack.{topic}. ConnId distinguishes multiple sessions (browser
// tabs) tracking the same key.
type trackRequest struct {
	Key    string          `json:"key"`
	ConnId string          `json:"connId"`
	Record json.RawMessage `json:"record,omitempty"`
}

// subscribeReply is the handshake response: the full presence table.
type subscribeReply struct {
	State map[string][]json.RawMessage `json:"state"`
}

// Client opens presence channels over a NATS connection.
type Client struct {
	nc *nats.Conn
}

func NewClient(nc *nats.Conn) *Client {
	return &Client{nc: nc}
}

// Channel creates a channel bound to topic with presenceKey as the local
// user's key. Each handle gets its own connection id, so two handles for the
// same key stack on the backend instead of clobbering each other.
func (c *Client) Channel(topic, presenceKey string) Channel {
	return &natsChannel{
		nc:     c.nc,
		topic:  topic,
		key:    presenceKey,
		connID: uuid.NewString(),
	}
}

type natsChannel struct {
	nc     *nats.Conn
	topic  string
	key    string
	connID string

	mu          sync.Mutex
	handler     func(Event)
	sub         *nats.Subscription
	subscribed  bool
	closed      bool
	handshaking bool
	pending     []Event
}

func (ch *natsChannel) On(fn func(Event)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.handler = fn
}

func (ch *natsChannel) Subscribe(ctx context.Context) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrClosed
	}
	if ch.subscribed {
		ch.mu.Unlock()
		return nil
	}
	// Broadcasts arriving before the handshake snapshot is applied are
	// queued, not delivered. A join raced ahead of an older snapshot would
	// otherwise be erased by it and never rebroadcast.
	ch.handshaking = true
	ch.mu.Unlock()

	// Subscribe to the event stream before requesting the snapshot so no
	// delta between the two is lost.
	sub, err := ch.nc.Subscribe(eventPrefix+ch.topic, ch.dispatch)
	if err != nil {
		ch.abortHandshake()
		return fmt.Errorf("subscribe %s: %w", eventPrefix+ch.topic, err)
	}

	body, _ := json.Marshal(trackRequest{Key: ch.key, ConnId: ch.connID})
	reply, err := ch.nc.RequestWithContext(ctx, subscribePrefix+ch.topic, body)
	if err != nil {
		sub.Unsubscribe()
		ch.abortHandshake()
		return fmt.Errorf("handshake %s: %w", subscribePrefix+ch.topic, err)
	}

	var snap subscribeReply
	if err := json.Unmarshal(reply.Data, &snap); err != nil {
		sub.Unsubscribe()
		ch.abortHandshake()
		return fmt.Errorf("decode handshake snapshot: %w", err)
	}

	return ch.completeHandshake(sub, snap.State)
}

func (ch *natsChannel) abortHandshake() {
	ch.mu.Lock()
	ch.handshaking = false
	ch.pending = nil
	ch.mu.Unlock()
}

// completeHandshake delivers the snapshot as the sync event, then replays
// broadcasts queued during the handshake in arrival order. The queue keeps
// filling while it drains, so every event lands after the sync it raced.
func (ch *natsChannel) completeHandshake(sub *nats.Subscription, state map[string][]json.RawMessage) error {
	ch.mu.Lock()
	if ch.closed {
		// Unsubscribed while the handshake was in flight.
		ch.handshaking = false
		ch.pending = nil
		ch.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		return ErrClosed
	}
	ch.sub = sub
	ch.subscribed = true
	handler := ch.handler
	ch.mu.Unlock()

	if handler != nil {
		handler(Event{Kind: EventSync, State: state})
	}

	for {
		ch.mu.Lock()
		if len(ch.pending) == 0 {
			ch.handshaking = false
			ch.mu.Unlock()
			return nil
		}
		queued := ch.pending
		ch.pending = nil
		ch.mu.Unlock()

		if handler != nil {
			for _, ev := range queued {
				handler(ev)
			}
		}
	}
}

// dispatch converts a raw broadcast into an Event. Unknown or undecodable
// messages are dropped; a single bad broadcast must not break the stream.
func (ch *natsChannel) dispatch(msg *nats.Msg) {
	var we wireEvent
	if err := json.Unmarshal(msg.Data, &we); err != nil {
		slog.Debug("Dropping undecodable presence event", "topic", ch.topic, "error", err)
		return
	}

	var ev Event
	switch we.Type {
	case "sync":
		ev = Event{Kind: EventSync, State: we.State}
	case "join":
		ev = Event{Kind: EventJoin, Key: we.Key, Records: we.Records}
	case "leave":
		ev = Event{Kind: EventLeave, Key: we.Key}
	default:
		slog.Debug("Dropping presence event with unknown type", "topic", ch.topic, "type", we.Type)
		return
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	if ch.handshaking {
		ch.pending = append(ch.pending, ev)
		ch.mu.Unlock()
		return
	}
	handler := ch.handler
	ch.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

func (ch *natsChannel) Track(ctx context.Context, record any) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrClosed
	}
	if !ch.subscribed {
		ch.mu.Unlock()
		return ErrNotSubscribed
	}
	ch.mu.Unlock()

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode presence record: %w", err)
	}
	body, _ := json.Marshal(trackRequest{Key: ch.key, ConnId: ch.connID, Record: raw})
	if err := ch.nc.Publish(trackPrefix+ch.topic, body); err != nil {
		return fmt.Errorf("publish track: %w", err)
	}
	// Flush so the announcement round-trips before Track returns.
	if err := ch.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush track: %w", err)
	}
	return nil
}

func (ch *natsChannel) Unsubscribe() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	sub := ch.sub
	subscribed := ch.subscribed
	ch.sub = nil
	ch.subscribed = false
	ch.pending = nil
	ch.mu.Unlock()

	if subscribed {
		// Best effort: tell the hub this connection is gone so peers see the
		// leave immediately instead of waiting for KV expiry.
		body, _ := json.Marshal(trackRequest{Key: ch.key, ConnId: ch.connID})
		if err := ch.nc.Publish(untrackPrefix+ch.topic, body); err != nil {
			slog.Debug("Untrack publish failed", "topic", ch.topic, "error", err)
		}
	}
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("unsubscribe events: %w", err)
		}
	}
	return nil
}
