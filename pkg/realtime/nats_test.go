package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
)

func collectEvents(ch *natsChannel) *[]Event {
	var events []Event
	ch.On(func(ev Event) { events = append(events, ev) })
	return &events
}

func TestDispatch_DecodesEventTypes(t *testing.T) {
	ch := &natsChannel{topic: "online-users"}
	events := collectEvents(ch)

	ch.dispatch(&nats.Msg{Data: []byte(`{"type":"sync","state":{"u1":[{"email":"a@b.c"}]}}`)})
	ch.dispatch(&nats.Msg{Data: []byte(`{"type":"join","key":"u2","records":[{"email":"d@e.f"}]}`)})
	ch.dispatch(&nats.Msg{Data: []byte(`{"type":"leave","key":"u2"}`)})

	if len(*events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(*events))
	}

	if (*events)[0].Kind != EventSync || len((*events)[0].State["u1"]) != 1 {
		t.Errorf("Unexpected sync event: %+v", (*events)[0])
	}
	if (*events)[1].Kind != EventJoin || (*events)[1].Key != "u2" || len((*events)[1].Records) != 1 {
		t.Errorf("Unexpected join event: %+v", (*events)[1])
	}
	if (*events)[2].Kind != EventLeave || (*events)[2].Key != "u2" {
		t.Errorf("Unexpected leave event: %+v", (*events)[2])
	}
}

func TestDispatch_DropsBadMessages(t *testing.T) {
	ch := &natsChannel{topic: "online-users"}
	events := collectEvents(ch)

	ch.dispatch(&nats.Msg{Data: []byte(`not json at all`)})
	ch.dispatch(&nats.Msg{Data: []byte(`{"type":"mystery","key":"u1"}`)})
	ch.dispatch(&nats.Msg{Data: []byte(``)})

	if len(*events) != 0 {
		t.Errorf("Expected bad messages to be dropped, got %d events", len(*events))
	}
}

func TestDispatch_NoHandlerOrClosed(t *testing.T) {
	// No handler registered: must not panic.
	ch := &natsChannel{topic: "online-users"}
	ch.dispatch(&nats.Msg{Data: []byte(`{"type":"leave","key":"u1"}`)})

	// Closed channel: events are suppressed even with a handler.
	ch = &natsChannel{topic: "online-users", closed: true}
	events := collectEvents(ch)
	ch.dispatch(&nats.Msg{Data: []byte(`{"type":"leave","key":"u1"}`)})
	if len(*events) != 0 {
		t.Errorf("Expected no delivery after close, got %d events", len(*events))
	}
}

func TestHandshake_QueuedJoinReplaysAfterSync(t *testing.T) {
	// A join broadcast can outrun the snapshot reply: the hub serves a
	// snapshot without u2, u2 tracks, and the join lands on the event
	// subscription before the reply does. The join must be held back and
	// replayed after the snapshot, or the older sync erases u2 for good.
	ch := &natsChannel{topic: "online-users", key: "u1", handshaking: true}
	events := collectEvents(ch)

	ch.dispatch(&nats.Msg{Data: []byte(`{"type":"join","key":"u2","records":[{"email":"d@e.f"}]}`)})
	ch.dispatch(&nats.Msg{Data: []byte(`{"type":"leave","key":"u3"}`)})
	if len(*events) != 0 {
		t.Fatalf("Expected broadcasts queued during handshake, got %d events", len(*events))
	}

	snapshot := map[string][]json.RawMessage{"u3": {json.RawMessage(`{"email":"g@h.i"}`)}}
	if err := ch.completeHandshake(nil, snapshot); err != nil {
		t.Fatalf("completeHandshake failed: %v", err)
	}

	if len(*events) != 3 {
		t.Fatalf("Expected sync plus 2 replayed events, got %d", len(*events))
	}
	if (*events)[0].Kind != EventSync || len((*events)[0].State["u3"]) != 1 {
		t.Errorf("Expected snapshot sync first, got %+v", (*events)[0])
	}
	if (*events)[1].Kind != EventJoin || (*events)[1].Key != "u2" {
		t.Errorf("Expected queued join replayed second, got %+v", (*events)[1])
	}
	if (*events)[2].Kind != EventLeave || (*events)[2].Key != "u3" {
		t.Errorf("Expected queued leave replayed third, got %+v", (*events)[2])
	}

	// Queue drained and handshake over: later broadcasts deliver directly.
	ch.dispatch(&nats.Msg{Data: []byte(`{"type":"leave","key":"u2"}`)})
	if len(*events) != 4 || (*events)[3].Kind != EventLeave {
		t.Errorf("Expected direct delivery after handshake, got %d events", len(*events))
	}
}

func TestHandshake_ClosedDropsQueue(t *testing.T) {
	ch := &natsChannel{topic: "online-users", key: "u1", handshaking: true}
	events := collectEvents(ch)
	ch.dispatch(&nats.Msg{Data: []byte(`{"type":"join","key":"u2","records":[{}]}`)})

	ch.closed = true
	if err := ch.completeHandshake(nil, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
	if len(*events) != 0 {
		t.Errorf("Expected queued events dropped on close, got %d", len(*events))
	}
	if ch.pending != nil || ch.handshaking {
		t.Error("Expected handshake state cleared")
	}
}

func TestTrack_StateErrors(t *testing.T) {
	ch := &natsChannel{topic: "online-users", key: "u1"}

	err := ch.Track(context.Background(), map[string]string{"email": "a@b.c"})
	if !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("Expected ErrNotSubscribed before handshake, got %v", err)
	}

	ch.closed = true
	err = ch.Track(context.Background(), nil)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after release, got %v", err)
	}
}

func TestSubscribe_AfterClose(t *testing.T) {
	ch := &natsChannel{topic: "online-users", closed: true}
	if err := ch.Subscribe(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	// Never-subscribed channel: release is a no-op both times.
	ch := &natsChannel{topic: "online-users", key: "u1"}
	if err := ch.Unsubscribe(); err != nil {
		t.Fatalf("First release failed: %v", err)
	}
	if err := ch.Unsubscribe(); err != nil {
		t.Fatalf("Second release failed: %v", err)
	}
	if !ch.closed {
		t.Error("Expected channel marked closed")
	}
}
