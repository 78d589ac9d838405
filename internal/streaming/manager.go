// Package streaming provides the progress/status sink: an in-memory pub/sub
// of pipeline checkpoint events with a per-request ring buffer for replay.
// Publishing never blocks and never affects pipeline control flow.
package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types emitted at pipeline checkpoints.
const (
	TypePlanningComplete   = "planning_complete"
	TypeSearching          = "searching"
	TypeRanking            = "ranking"
	TypeConfidenceComputed = "confidence_computed"
	TypeReflexionIteration = "reflexion_iteration"
	TypeMetricsSnapshot    = "metrics_snapshot"
	TypeComplete           = "complete"
)

// Event is one pipeline progress event.
type Event struct {
	RequestID string         `json:"request_id"`
	Type      string         `json:"type"`
	Message   string         `json:"message,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       uint64         `json:"seq"`
}

// Marshal returns the event's JSON for SSE payloads and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Sink receives fire-and-forget progress events.
type Sink interface {
	Emit(requestID string, evt Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(string, Event) {}

// Manager is an injected in-memory Sink with subscriber fan-out and
// best-effort replay.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates a manager whose per-request replay buffer holds
// capacity events.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Emit publishes an event to all subscribers of requestID (non-blocking).
// The sends happen under the manager lock: they can never block, and
// holding the lock keeps them ordered against Unsubscribe's close.
func (m *Manager) Emit(requestID string, evt Event) {
	evt.RequestID = requestID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[requestID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[requestID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	for ch := range m.subscribers[requestID] {
		select {
		case ch <- evt:
		default:
			// Drop if the subscriber is slow.
		}
	}
}

// Subscribe adds a subscriber channel for a requestID; the caller must drain
// it and call Unsubscribe.
func (m *Manager) Subscribe(requestID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[requestID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[requestID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes the subscriber channel.
func (m *Manager) Unsubscribe(requestID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[requestID]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, requestID)
		}
	}
}

// ReplaySince returns buffered events with Seq > since, best-effort within
// ring capacity. The ring is read under the lock; Emit mutates it.
func (m *Manager) ReplaySince(requestID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[requestID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history for a finished request.
func (m *Manager) Forget(requestID string) {
	m.mu.Lock()
	delete(m.history, requestID)
	m.mu.Unlock()
}

// ring is a fixed-capacity event buffer.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

// Sequence numbers start at 1 so SSE ids are always truthy.
func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity), nextSeq: 1} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
