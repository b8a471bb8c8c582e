package presence

import (
	"context"
	"time"
)

// DefaultHeartbeatInterval is how often the local record is re-announced so
// backend-side expiry does not drop the local user while the session stays
// open.
const DefaultHeartbeatInterval = 30 * time.Second

// heartbeat re-asserts the local user's presence on a fixed interval. The
// connected flag is re-read on every tick rather than captured once, so the
// loop keeps working across a reconnect.
type heartbeat struct {
	interval  time.Duration
	connected func() bool
	announce  func(context.Context)
}

// run blocks until ctx is cancelled. Ticks while disconnected announce
// nothing.
func (h *heartbeat) run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.connected() {
				h.announce(ctx)
			}
		}
	}
}
