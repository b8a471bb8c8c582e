package main

import (
	"encoding/json"
	"sync"
)

// presenceTable is a thread-safe in-memory mirror of the PRESENCE KV bucket:
// topic → key → stack of per-connection records. A key with several open
// sessions (browser tabs) stacks several entries; the stack keeps arrival
// order so the first record stays stable for observers.
type presenceTable struct {
	mu     sync.RWMutex
	topics map[string]map[string][]stackEntry
}

type stackEntry struct {
	connID string
	record json.RawMessage
}

func newPresenceTable() *presenceTable {
	return &presenceTable{topics: make(map[string]map[string][]stackEntry)}
}

// put stores or refreshes a connection's record and reports whether this is
// the key's first connection on the topic.
func (t *presenceTable) put(topic, key, connID string, record json.RawMessage) (first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := t.topics[topic]
	if keys == nil {
		keys = make(map[string][]stackEntry)
		t.topics[topic] = keys
	}

	stack := keys[key]
	for i := range stack {
		if stack[i].connID == connID {
			stack[i].record = record
			return false
		}
	}
	keys[key] = append(stack, stackEntry{connID: connID, record: record})
	return len(stack) == 0
}

// remove drops a connection and reports whether it was the key's last one.
func (t *presenceTable) remove(topic, key, connID string) (last bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := t.topics[topic]
	if keys == nil {
		return false
	}
	stack, ok := keys[key]
	if !ok {
		return false
	}

	for i := range stack {
		if stack[i].connID == connID {
			stack = append(stack[:i], stack[i+1:]...)
			break
		}
	}
	if len(stack) == 0 {
		delete(keys, key)
		if len(keys) == 0 {
			delete(t.topics, topic)
		}
		return ok
	}
	keys[key] = stack
	return false
}

// records returns the record stack for a key in arrival order.
func (t *presenceTable) records(topic, key string) []json.RawMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stack := t.topics[topic][key]
	if len(stack) == 0 {
		return nil
	}
	out := make([]json.RawMessage, len(stack))
	for i, e := range stack {
		out[i] = e.record
	}
	return out
}

// snapshot returns the full presence state of a topic.
func (t *presenceTable) snapshot(topic string) map[string][]json.RawMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state := make(map[string][]json.RawMessage, len(t.topics[topic]))
	for key, stack := range t.topics[topic] {
		records := make([]json.RawMessage, len(stack))
		for i, e := range stack {
			records[i] = e.record
		}
		state[key] = records
	}
	return state
}

// topicNames returns the topics with at least one tracked key.
func (t *presenceTable) topicNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.topics))
	for topic := range t.topics {
		names = append(names, topic)
	}
	return names
}

func (t *presenceTable) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topics = make(map[string]map[string][]stackEntry)
}
