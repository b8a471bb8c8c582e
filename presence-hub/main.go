package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Yowj/astvault/pkg/otelhelper"
)

// TrackRequest is the payload clients publish to presence.track.{topic} and
// presence.untrack.{topic}.
type TrackRequest struct {
	Key    string          `json:"key"`
	ConnId string          `json:"connId"`
	Record json.RawMessage `json:"record,omitempty"`
}

// PresenceEvent is broadcast to presence.event.{topic} subscribers.
type PresenceEvent struct {
	Type    string                       `json:"type"`
	Key     string                       `json:"key,omitempty"`
	Records []json.RawMessage            `json:"records,omitempty"`
	State   map[string][]json.RawMessage `json:"state,omitempty"`
}

// SubscribeReply answers presence.subscribe.{topic} with the full snapshot.
type SubscribeReply struct {
	State map[string][]json.RawMessage `json:"state"`
}

// Connections expire from the KV bucket if not refreshed; clients heartbeat
// every 30 seconds, so three missed beats mark a session gone.
const connTTL = 90 * time.Second

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// kvKey encodes a tracked connection as "{topic}.{key}.{connId}". Topics must
// not contain dots.
func kvKey(topic, key, connID string) string {
	return topic + "." + key + "." + connID
}

func parseKVKey(k string) (topic, key, connID string, ok bool) {
	parts := strings.SplitN(k, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// publishEvent broadcasts a presence event on the topic's event subject.
func publishEvent(ctx context.Context, nc *nats.Conn, topic string, evt PresenceEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("Failed to marshal presence event", "topic", topic, "type", evt.Type, "error", err)
		return
	}
	if err := otelhelper.TracedPublish(ctx, nc, "presence.event."+topic, data); err != nil {
		slog.Warn("Failed to publish presence event", "topic", topic, "type", evt.Type, "error", err)
		return
	}
	slog.Debug("Published presence event", "topic", topic, "type", evt.Type, "key", evt.Key)
}

// runWatcher mirrors the PRESENCE KV bucket into the table and turns KV
// mutations into join/leave broadcasts. The first pass replays existing
// entries without deletes to hydrate, then a sync snapshot per hydrated topic
// lets already-subscribed clients recover after a hub restart.
func runWatcher(ctx context.Context, nc *nats.Conn, kv nats.KeyValue, table *presenceTable, broadcast func() bool, dropCounter metric.Int64Counter) {
	watcher, err := kv.WatchAll(nats.IgnoreDeletes())
	if err != nil {
		slog.Error("Failed to start KV watcher", "error", err)
		return
	}

	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		if topic, key, connID, ok := parseKVKey(entry.Key()); ok {
			table.put(topic, key, connID, entry.Value())
		}
	}
	watcher.Stop()

	if broadcast() {
		for _, topic := range table.topicNames() {
			publishEvent(ctx, nc, topic, PresenceEvent{Type: "sync", State: table.snapshot(topic)})
		}
	}
	slog.Info("KV watcher hydrated, presence table synced")

	watcher, err = kv.WatchAll()
	if err != nil {
		slog.Error("Failed to restart KV watcher with deletes", "error", err)
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}

			topic, key, connID, ok := parseKVKey(entry.Key())
			if !ok {
				continue
			}

			switch entry.Operation() {
			case nats.KeyValuePut:
				if first := table.put(topic, key, connID, entry.Value()); first && broadcast() {
					publishEvent(ctx, nc, topic, PresenceEvent{
						Type:    "join",
						Key:     key,
						Records: table.records(topic, key),
					})
				}
			case nats.KeyValueDelete, nats.KeyValuePurge:
				wasLast := table.remove(topic, key, connID)
				if wasLast {
					dropCounter.Add(context.Background(), 1, metric.WithAttributes(
						attribute.String("topic", topic),
					))
					slog.Info("Last connection gone for key", "topic", topic, "key", key, "connId", connID)
					if broadcast() {
						publishEvent(ctx, nc, topic, PresenceEvent{Type: "leave", Key: key})
					}
				} else {
					slog.Debug("Connection gone, key still has sessions", "topic", topic, "key", key, "connId", connID)
				}
			}
		}
	}
}

func main() {
	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("presence-hub")
	trackCounter, _ := meter.Int64Counter("presence_tracks_total",
		metric.WithDescription("Total presence track announcements"))
	subscribeCounter, _ := meter.Int64Counter("presence_subscribes_total",
		metric.WithDescription("Total subscription handshakes"))
	subscribeDuration, _ := otelhelper.NewDurationHistogram(meter, "presence_subscribe_duration_seconds", "Duration of subscription handshakes")
	dropCounter, _ := meter.Int64Counter("presence_drops_total",
		metric.WithDescription("Total keys dropped (graceful untrack or TTL expiry)"))

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "presence-hub")
	natsPass := envOrDefault("NATS_PASS", "presence-hub-secret")

	slog.Info("Starting Presence Hub", "nats_url", natsURL)

	table := newPresenceTable()

	// The pointer is published after connect while the reconnect handler may
	// already be reading it, hence the atomic.
	var leader atomic.Pointer[LeaderElection]
	broadcast := broadcastGate(&leader)

	var watcherMu sync.Mutex
	var watcherCancel context.CancelFunc

	createBucket := func(js nats.JetStreamContext) error {
		_, kvErr := js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  "PRESENCE",
			History: 1,
			TTL:     connTTL,
			Storage: nats.MemoryStorage,
		})
		return kvErr
	}

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("presence-hub"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected — recreating KV bucket and resetting state")

				js, jsErr := nc.JetStream()
				if jsErr != nil {
					slog.Error("Failed to get JetStream after reconnect", "error", jsErr)
					return
				}
				if kvErr := createBucket(js); kvErr != nil {
					slog.Error("Failed to recreate KV bucket after reconnect", "error", kvErr)
					return
				}

				table.reset()

				kv, kvErr := js.KeyValue("PRESENCE")
				if kvErr != nil {
					slog.Error("Failed to bind PRESENCE KV after reconnect", "error", kvErr)
					return
				}
				watcherMu.Lock()
				if watcherCancel != nil {
					watcherCancel()
				}
				newCtx, newCancel := context.WithCancel(context.Background())
				watcherCancel = newCancel
				watcherMu.Unlock()
				go runWatcher(newCtx, nc, kv, table, broadcast, dropCounter)
				slog.Info("KV watcher restarted")
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}

	if err := createBucket(js); err != nil {
		slog.Error("Failed to create KV bucket", "error", err)
		os.Exit(1)
	}
	slog.Info("NATS KV bucket ready", "bucket", "PRESENCE", "ttl", connTTL.String())

	kv, err := js.KeyValue("PRESENCE")
	if err != nil {
		slog.Error("Failed to bind PRESENCE KV", "error", err)
		os.Exit(1)
	}

	// Elect the broadcasting instance so scaled-out hubs emit each event once
	njs, err := jetstream.New(nc)
	if err != nil {
		slog.Error("Failed to create JetStream client", "error", err)
		os.Exit(1)
	}
	election, err := NewLeaderElection(njs, "PRESENCE_LEADER", "leader", 10*time.Second, 3*time.Second)
	if err != nil {
		slog.Error("Failed to set up leader election", "error", err)
		os.Exit(1)
	}
	leader.Store(election)
	go election.Start(ctx)
	defer election.Stop()
	slog.Info("Leader election started", "instance_id", election.InstanceID())

	// presence.track.{topic}: refresh the connection's KV entry. The watcher
	// turns the resulting Put into a join broadcast when it is the key's
	// first connection.
	_, err = nc.Subscribe("presence.track.*", func(msg *nats.Msg) {
		parts := strings.Split(msg.Subject, ".")
		if len(parts) < 3 {
			return
		}
		topic := parts[2]

		var req TrackRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.Key == "" || req.ConnId == "" {
			slog.Warn("Invalid track request", "topic", topic, "error", err)
			return
		}

		record := req.Record
		if len(record) == 0 {
			record = json.RawMessage(`{}`)
		}
		if _, err := kv.Put(kvKey(topic, req.Key, req.ConnId), record); err != nil {
			slog.Warn("Failed to store presence record", "topic", topic, "key", req.Key, "error", err)
			return
		}

		trackCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("topic", topic),
		))
	})
	if err != nil {
		slog.Error("Failed to subscribe to presence.track.*", "error", err)
		os.Exit(1)
	}

	// presence.untrack.{topic}: graceful release; peers see the leave
	// immediately instead of waiting for KV expiry.
	_, err = nc.Subscribe("presence.untrack.*", func(msg *nats.Msg) {
		parts := strings.Split(msg.Subject, ".")
		if len(parts) < 3 {
			return
		}
		topic := parts[2]

		var req TrackRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.Key == "" || req.ConnId == "" {
			return
		}
		kv.Delete(kvKey(topic, req.Key, req.ConnId))
	})
	if err != nil {
		slog.Error("Failed to subscribe to presence.untrack.*", "error", err)
		os.Exit(1)
	}

	// presence.subscribe.{topic}: handshake; the reply snapshot doubles as
	// the subscription confirmation.
	_, err = nc.Subscribe("presence.subscribe.*", func(msg *nats.Msg) {
		start := time.Now()
		ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "presence subscribe")
		defer span.End()

		parts := strings.Split(msg.Subject, ".")
		if len(parts) < 3 {
			msg.Respond([]byte(`{"state":{}}`))
			return
		}
		topic := parts[2]
		span.SetAttributes(attribute.String("presence.topic", topic))

		state := table.snapshot(topic)
		data, err := json.Marshal(SubscribeReply{State: state})
		if err != nil {
			slog.ErrorContext(ctx, "Failed to marshal snapshot", "topic", topic, "error", err)
			span.RecordError(err)
			msg.Respond([]byte(`{"state":{}}`))
			return
		}
		msg.Respond(data)

		duration := time.Since(start).Seconds()
		attrs := metric.WithAttributes(attribute.String("topic", topic))
		subscribeCounter.Add(ctx, 1, attrs)
		subscribeDuration.Record(ctx, duration, attrs)

		span.SetAttributes(attribute.Int("presence.key_count", len(state)))
		slog.DebugContext(ctx, "Served presence snapshot", "topic", topic, "keys", len(state))
	})
	if err != nil {
		slog.Error("Failed to subscribe to presence.subscribe.*", "error", err)
		os.Exit(1)
	}

	slog.Info("Presence hub ready — listening for presence.track.*, presence.untrack.*, presence.subscribe.*")

	// Start KV watcher for join/leave detection
	watcherMu.Lock()
	initialCtx, initialCancel := context.WithCancel(ctx)
	watcherCancel = initialCancel
	watcherMu.Unlock()
	go runWatcher(initialCtx, nc, kv, table, broadcast, dropCounter)

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down presence hub")
	watcherMu.Lock()
	if watcherCancel != nil {
		watcherCancel()
	}
	watcherMu.Unlock()
	nc.Drain()
	slog.Info("Presence hub shutdown complete")
}
