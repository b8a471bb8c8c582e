package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Yowj/astvault/pkg/realtime"
	"github.com/Yowj/astvault/pkg/session"
)

// Topic is the well-known presence topic shared by all clients.
const Topic = "online-users"

const announceTimeout = 5 * time.Second

// Option configures a Tracker.
type Option func(*Tracker)

// WithTopic overrides the presence topic.
func WithTopic(topic string) Option {
	return func(t *Tracker) { t.topic = topic }
}

// WithHeartbeatInterval overrides the re-announcement interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(t *Tracker) { t.interval = d }
}

// Tracker owns exactly one presence channel for the authenticated session:
// it opens the channel on Start, runs the heartbeat, and guarantees release
// through a single idempotent Stop covering every teardown path: logout,
// unmount, re-authentication, and a subscribe that never completed.
type Tracker struct {
	opener   realtime.Opener
	topic    string
	interval time.Duration

	// lifecycleMu serializes Start and Stop end to end. Two concurrent
	// sign-ins would otherwise interleave and leave the loser's channel
	// subscribed with nothing left holding it.
	lifecycleMu sync.Mutex

	mu      sync.Mutex
	started bool
	user    session.User
	ch      realtime.Channel
	rec     *Reconciler
	cancel  context.CancelFunc
}

func NewTracker(opener realtime.Opener, opts ...Option) *Tracker {
	t := &Tracker{
		opener:   opener,
		topic:    Topic,
		interval: DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start opens a channel keyed by user's id, performs the subscription
// handshake, announces the local record, and begins heartbeating. A tracker
// already started for another user is stopped first, so re-authentication
// never leaks the previous channel.
//
// A handshake failure leaves the tracker in a degraded-but-rendering state:
// only the local user shows, status stays offline, and teardown still runs
// through Stop. The error is returned for logging only.
func (t *Tracker) Start(ctx context.Context, user session.User) error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()
	t.stop()

	rec := NewReconciler(user.ID)
	ch := t.opener.Channel(t.topic, user.ID)
	ch.On(rec.Apply)

	hbCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.started = true
	t.user = user
	t.ch = ch
	t.rec = rec
	t.cancel = cancel
	t.mu.Unlock()

	hb := &heartbeat{
		interval: t.interval,
		// Live read per tick: a flag captured at start would silently stop
		// the heartbeat after a reconnect.
		connected: rec.Connected,
		announce:  t.announce,
	}
	go hb.run(hbCtx)

	if err := ch.Subscribe(ctx); err != nil {
		rec.SetConnected(false)
		slog.Warn("Presence subscription failed, rendering degraded", "user", user.ID, "error", err)
		return err
	}

	rec.SetConnected(true)
	t.announce(ctx)
	return nil
}

// announce publishes a freshly timestamped record for the local user.
// Failures are swallowed and logged; the next heartbeat tick retries.
func (t *Tracker) announce(ctx context.Context) {
	t.mu.Lock()
	started := t.started
	ch := t.ch
	user := t.user
	t.mu.Unlock()
	if !started || ch == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()
	if err := ch.Track(ctx, recordFor(user, time.Now())); err != nil {
		slog.Debug("Presence announce failed", "user", user.ID, "error", err)
	}
}

// Stop cancels the heartbeat, releases the channel, and clears local state.
// Idempotent; safe even if the channel never finished subscribing.
func (t *Tracker) Stop() {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()
	t.stop()
}

func (t *Tracker) stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	cancel := t.cancel
	ch := t.ch
	rec := t.rec
	t.cancel = nil
	t.ch = nil
	t.rec = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		if err := ch.Unsubscribe(); err != nil {
			slog.Debug("Presence channel release failed", "error", err)
		}
	}
	if rec != nil {
		rec.Reset()
	}
}

// View derives the current display shape. An unstarted tracker renders the
// signed-out shape.
func (t *Tracker) View() View {
	t.mu.Lock()
	started := t.started
	rec := t.rec
	t.mu.Unlock()

	if !started || rec == nil {
		return BuildView(nil, false, false)
	}
	return BuildView(rec.Users(), rec.Connected(), true)
}

// User returns the tracked local user and whether the tracker is started.
func (t *Tracker) User() (session.User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.user, t.started
}
