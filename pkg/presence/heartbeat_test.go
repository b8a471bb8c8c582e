package presence

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestHeartbeat_AnnouncesWhileConnected(t *testing.T) {
	var announces atomic.Int32
	hb := &heartbeat{
		interval:  5 * time.Millisecond,
		connected: func() bool { return true },
		announce:  func(context.Context) { announces.Add(1) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.run(ctx)
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	cancel()
	<-done

	if n := announces.Load(); n < 3 {
		t.Errorf("Expected repeated announcements, got %d", n)
	}
}

func TestHeartbeat_SilentWhileDisconnected(t *testing.T) {
	var announces atomic.Int32
	var connected atomic.Bool

	hb := &heartbeat{
		interval:  5 * time.Millisecond,
		connected: connected.Load,
		announce:  func(context.Context) { announces.Add(1) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.run(ctx)
		close(done)
	}()

	time.Sleep(40 * time.Millisecond)
	if n := announces.Load(); n != 0 {
		t.Errorf("Expected no announcements while disconnected, got %d", n)
	}

	// The flag is read per tick, so flipping it revives the heartbeat without
	// a restart.
	connected.Store(true)
	time.Sleep(40 * time.Millisecond)
	if n := announces.Load(); n < 2 {
		t.Errorf("Expected heartbeat to resume after reconnect, got %d", n)
	}

	cancel()
	<-done
}

func TestHeartbeat_StopsOnCancel(t *testing.T) {
	var announces atomic.Int32
	hb := &heartbeat{
		interval:  5 * time.Millisecond,
		connected: func() bool { return true },
		announce:  func(context.Context) { announces.Add(1) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	settled := announces.Load()
	time.Sleep(30 * time.Millisecond)
	if n := announces.Load(); n != settled {
		t.Errorf("Expected no announcements after cancel, got %d more", n-settled)
	}
}
