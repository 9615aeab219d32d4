// Package stream fans conversation events out to SSE subscribers.
//
// Each session has a set of subscribers. Publishing marshals the payload
// once and enqueues it on every subscriber's bounded queue; when a queue is
// full, text deltas are dropped (the client coalesces partial text anyway)
// while frame, done, and error events are always kept.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Event names on the wire.
const (
	EventStatus          = "status"
	EventText            = "text"
	EventDone            = "done"
	EventError           = "error"
	EventAborted         = "aborted"
	EventFrame           = "frame"
	EventElementStart    = "hml:element:start"
	EventElementComplete = "hml:element:complete"
	EventElementError    = "hml:element:error"
)

const defaultQueueSize = 256

// Event is a named SSE event with a JSON payload.
type Event struct {
	Name string
	Data json.RawMessage
}

// Terminal reports whether ev ends a turn's stream.
func (ev Event) Terminal() bool {
	return ev.Name == EventDone || ev.Name == EventError || ev.Name == EventAborted
}

// droppable reports whether ev may be discarded under backpressure.
func (ev Event) droppable() bool {
	return ev.Name == EventText
}

// Gauge tracks the live subscriber count. prometheus.Gauge satisfies it.
type Gauge interface {
	Inc()
	Dec()
}

// Subscriber receives one session's events. Not safe for concurrent Next
// calls; a single reader drains the queue.
type Subscriber struct {
	sessionID string

	mu      sync.Mutex
	queue   []Event
	closed  bool
	dropped int

	wake chan struct{}
}

// SessionID returns the session this subscriber watches.
func (s *Subscriber) SessionID() string {
	return s.sessionID
}

// Dropped returns how many events were discarded under backpressure.
func (s *Subscriber) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// push enqueues ev, dropping droppable events once the queue is at capacity.
func (s *Subscriber) push(ev Event, limit int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= limit && ev.droppable() {
		s.dropped++
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next pops the oldest event, waiting until one arrives, the subscriber is
// closed, or done is closed. The queue is drained before close is honored so
// no accepted event is lost.
func (s *Subscriber) Next(done <-chan struct{}) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return Event{}, false
		}

		select {
		case <-s.wake:
		case <-done:
			return Event{}, false
		}
	}
}

// TryNext pops the oldest event without blocking.
func (s *Subscriber) TryNext() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

// close marks the subscriber dead and wakes any blocked reader.
func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Broadcaster is the per-session subscriber registry.
type Broadcaster struct {
	mu       sync.RWMutex
	sessions map[string]map[*Subscriber]struct{}

	queueSize int
	gauge     Gauge
	logger    *slog.Logger
}

// Option tunes a Broadcaster.
type Option func(*Broadcaster)

// WithQueueSize overrides the per-subscriber queue threshold.
func WithQueueSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithGauge wires a subscriber-count gauge.
func WithGauge(g Gauge) Option {
	return func(b *Broadcaster) { b.gauge = g }
}

// NewBroadcaster builds an empty registry.
func NewBroadcaster(logger *slog.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		sessions:  make(map[string]map[*Subscriber]struct{}),
		queueSize: defaultQueueSize,
		logger:    logger.With("component", "stream"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber for sessionID. The caller must
// Unsubscribe when done.
func (b *Broadcaster) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		sessionID: sessionID,
		wake:      make(chan struct{}, 1),
	}

	b.mu.Lock()
	set, ok := b.sessions[sessionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.sessions[sessionID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	if b.gauge != nil {
		b.gauge.Inc()
	}
	return sub
}

// Unsubscribe removes sub and closes it. Safe to call twice.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	set, ok := b.sessions[sub.sessionID]
	if ok {
		if _, member := set[sub]; !member {
			ok = false
		}
		delete(set, sub)
		if len(set) == 0 {
			delete(b.sessions, sub.sessionID)
		}
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	sub.close()
	if b.gauge != nil {
		b.gauge.Dec()
	}
}

// Publish marshals data and enqueues the event for every subscriber of
// sessionID. Unmarshalable payloads are logged and skipped.
func (b *Broadcaster) Publish(sessionID, event string, data any) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
		raw = json.RawMessage("{}")
	case json.RawMessage:
		raw = v
	default:
		enc, err := json.Marshal(v)
		if err != nil {
			b.logger.Error("marshal event payload", "event", event, "error", err)
			return
		}
		raw = enc
	}

	b.mu.RLock()
	set := b.sessions[sessionID]
	subs := make([]*Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	ev := Event{Name: event, Data: raw}
	for _, sub := range subs {
		sub.push(ev, b.queueSize)
	}
}

// SubscriberCount returns the number of live subscribers for sessionID.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[sessionID])
}

// Close tears down every subscriber, e.g. at shutdown.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	var all []*Subscriber
	for _, set := range b.sessions {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.sessions = make(map[string]map[*Subscriber]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.close()
		if b.gauge != nil {
			b.gauge.Dec()
		}
	}
}
