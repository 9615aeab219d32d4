package stream

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := b.Subscribe("sess-1")
	defer b.Unsubscribe(sub)

	b.Publish("sess-1", EventStatus, map[string]string{"state": "calling_api"})

	ev, ok := sub.Next(nil)
	if !ok {
		t.Fatal("Next returned no event")
	}
	if ev.Name != EventStatus {
		t.Errorf("event name = %q, want %q", ev.Name, EventStatus)
	}

	var payload map[string]string
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("event data is not JSON: %v", err)
	}
	if payload["state"] != "calling_api" {
		t.Errorf("payload state = %q, want %q", payload["state"], "calling_api")
	}
}

func TestEventsArriveInOrder(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := b.Subscribe("sess-1")
	defer b.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		b.Publish("sess-1", EventText, map[string]int{"n": i})
	}

	for i := 0; i < 10; i++ {
		ev, ok := sub.Next(nil)
		if !ok {
			t.Fatalf("missing event %d", i)
		}
		var payload map[string]int
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			t.Fatal(err)
		}
		if payload["n"] != i {
			t.Fatalf("event %d carries n=%d, want %d; order broken", i, payload["n"], i)
		}
	}
}

func TestPublishScopedToSession(t *testing.T) {
	b := NewBroadcaster(nil)
	a := b.Subscribe("sess-a")
	other := b.Subscribe("sess-b")
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(other)

	b.Publish("sess-a", EventText, map[string]string{"t": "hi"})

	if _, ok := a.TryNext(); !ok {
		t.Error("subscriber of sess-a missed its event")
	}
	if _, ok := other.TryNext(); ok {
		t.Error("subscriber of sess-b received sess-a's event")
	}
}

func TestBackpressureDropsOnlyText(t *testing.T) {
	b := NewBroadcaster(nil, WithQueueSize(2))
	sub := b.Subscribe("sess-1")
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish("sess-1", EventText, map[string]int{"n": i})
	}
	// Queue holds 2 text events; 3 were dropped.
	if got := sub.Dropped(); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}

	// Critical events land regardless of the full queue.
	b.Publish("sess-1", EventFrame, map[string]string{"id": "f1"})
	b.Publish("sess-1", EventDone, nil)

	var names []string
	for {
		ev, ok := sub.TryNext()
		if !ok {
			break
		}
		names = append(names, ev.Name)
	}

	joined := strings.Join(names, ",")
	if !strings.Contains(joined, EventFrame) || !strings.Contains(joined, EventDone) {
		t.Errorf("critical events dropped: got %v", names)
	}
	if len(names) != 4 {
		t.Errorf("queue held %d events, want 4 (2 text + frame + done)", len(names))
	}
}

func TestUnsubscribeClosesSubscriber(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := b.Subscribe("sess-1")

	if got := b.SubscriberCount("sess-1"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}

	b.Unsubscribe(sub)

	if got := b.SubscriberCount("sess-1"); got != 0 {
		t.Errorf("count after unsubscribe = %d, want 0", got)
	}
	if _, ok := sub.Next(nil); ok {
		t.Error("Next on closed subscriber returned an event")
	}

	// Second unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

type countingGauge struct {
	mu sync.Mutex
	n  int
}

func (g *countingGauge) Inc() { g.mu.Lock(); g.n++; g.mu.Unlock() }
func (g *countingGauge) Dec() { g.mu.Lock(); g.n--; g.mu.Unlock() }
func (g *countingGauge) get() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

func TestGaugeTracksSubscribers(t *testing.T) {
	g := &countingGauge{}
	b := NewBroadcaster(nil, WithGauge(g))

	s1 := b.Subscribe("a")
	s2 := b.Subscribe("a")
	if g.get() != 2 {
		t.Errorf("gauge = %d, want 2", g.get())
	}

	b.Unsubscribe(s1)
	b.Unsubscribe(s2)
	b.Unsubscribe(s2)
	if g.get() != 0 {
		t.Errorf("gauge after unsubscribes = %d, want 0", g.get())
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Publish("nobody-home", EventDone, nil)
}

func TestNextHonorsDone(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := b.Subscribe("sess-1")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(done)
	}()

	start := time.Now()
	if _, ok := sub.Next(done); ok {
		t.Error("Next returned an event with an empty queue")
	}
	if time.Since(start) > time.Second {
		t.Error("Next did not honor done channel")
	}
}

func TestCloseWakesAllSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	subs := []*Subscriber{b.Subscribe("a"), b.Subscribe("b"), b.Subscribe("a")}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *Subscriber) {
			defer wg.Done()
			s.Next(nil)
		}(sub)
	}

	b.Close()

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake blocked subscribers")
	}

	if got := b.SubscriberCount("a"); got != 0 {
		t.Errorf("count after Close = %d, want 0", got)
	}
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{EventDone, true},
		{EventError, true},
		{EventAborted, true},
		{EventText, false},
		{EventStatus, false},
		{EventFrame, false},
		{EventElementComplete, false},
	}

	for _, tt := range tests {
		if got := (Event{Name: tt.name}).Terminal(); got != tt.want {
			t.Errorf("Terminal(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRawPayloadPassthrough(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := b.Subscribe("s")
	defer b.Unsubscribe(sub)

	raw := json.RawMessage(`{"already":"encoded"}`)
	b.Publish("s", EventFrame, raw)

	ev, ok := sub.TryNext()
	if !ok {
		t.Fatal("event missing")
	}
	if string(ev.Data) != `{"already":"encoded"}` {
		t.Errorf("raw payload re-encoded: %s", ev.Data)
	}
}
