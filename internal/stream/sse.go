package stream

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

const heartbeatInterval = 500 * time.Millisecond

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("stream: response writer does not support flushing")

// ServeOptions tunes one SSE response.
type ServeOptions struct {
	// StopOnTerminal ends the response after a done/error/aborted event.
	// Turn-initiating requests set this; passive watchers leave it false.
	StopOnTerminal bool
}

// Serve subscribes to sessionID and streams events to w until the client
// disconnects, the broadcaster closes the subscriber, or (with
// StopOnTerminal) a terminal event is written.
func (b *Broadcaster) Serve(w http.ResponseWriter, r *http.Request, sessionID string, opts ServeOptions) error {
	sub := b.Subscribe(sessionID)
	defer b.Unsubscribe(sub)
	return b.ServeSubscriber(w, r, sub, opts)
}

// ServeSubscriber streams an existing subscription. Callers that start work
// whose events must not be missed subscribe first, start the work, then call
// this. The caller unsubscribes.
//
// The response starts with a `:ok` comment so clients can distinguish a live
// stream from a buffered error, and a `:heartbeat-N` comment every 500ms
// keeps intermediaries from reaping idle connections. Client disconnect is
// observed through the request context and through write failures.
func (b *Broadcaster) ServeSubscriber(w http.ResponseWriter, r *http.Request, sub *Subscriber, opts ServeOptions) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprint(w, ":ok\n\n"); err != nil {
		return err
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	beats := 0
	for {
		select {
		case <-r.Context().Done():
			return nil

		case <-heartbeat.C:
			beats++
			if _, err := fmt.Fprintf(w, ":heartbeat-%d\n\n", beats); err != nil {
				return nil
			}
			flusher.Flush()

		case <-sub.wake:
			for {
				ev, ok := sub.TryNext()
				if !ok {
					break
				}
				if err := writeEvent(w, ev); err != nil {
					return nil
				}
				flusher.Flush()
				if opts.StopOnTerminal && ev.Terminal() {
					return nil
				}
			}
			// wake with an empty queue means the subscriber was closed.
			if sub.isClosed() {
				return nil
			}
		}
	}
}

func (s *Subscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed && len(s.queue) == 0
}

// writeEvent emits one `event: name\ndata: json\n\n` record.
func writeEvent(w http.ResponseWriter, ev Event) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
	return err
}
