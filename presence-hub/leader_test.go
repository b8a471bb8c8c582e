package main

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestBroadcastGate(t *testing.T) {
	var leader atomic.Pointer[LeaderElection]
	gate := broadcastGate(&leader)

	if !gate() {
		t.Error("Expected broadcasting before the election exists")
	}

	le := &LeaderElection{}
	leader.Store(le)
	if gate() {
		t.Error("Expected no broadcasting while not the leader")
	}

	le.isLeader.Store(true)
	if !gate() {
		t.Error("Expected broadcasting as the leader")
	}
}

func TestBroadcastGate_ConcurrentPublish(t *testing.T) {
	// The watcher goroutine reads the gate while main publishes the
	// election after connect. Both sides must be safe to interleave.
	var leader atomic.Pointer[LeaderElection]
	gate := broadcastGate(&leader)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			gate()
		}
	}()
	go func() {
		defer wg.Done()
		le := &LeaderElection{}
		le.isLeader.Store(true)
		leader.Store(le)
	}()
	wg.Wait()

	if !gate() {
		t.Error("Expected broadcasting once the stored election leads")
	}
}
