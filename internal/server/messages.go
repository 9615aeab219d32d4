package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/herolabs/hero/internal/observability"
	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/internal/stream"
	"github.com/herolabs/hero/internal/turn"
	"github.com/herolabs/hero/pkg/models"
)

type messageRequest struct {
	Content string `json:"content"`
	Hidden  bool   `json:"hidden"`
}

// handleMessageStream runs a turn and streams its events. The subscription
// is opened before the pipeline starts so no event is missed, and the turn
// is cancelled when the client goes away, which is what surfaces the
// aborted terminal event to other watchers.
func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	sess, ok := s.loadOwnedSession(w, r, user, false)
	if !ok {
		return
	}
	if sess.Status == models.SessionArchived {
		s.jsonError(w, "Session is archived", http.StatusConflict)
		return
	}

	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.jsonError(w, "content is required", http.StatusBadRequest)
		return
	}

	if s.pipeline.Busy(sess.ID) {
		s.jsonError(w, "Session is busy with another turn", http.StatusConflict)
		return
	}

	ctx := observability.WithSessionID(r.Context(), sess.ID)

	sub := s.broadcaster.Subscribe(sess.ID)
	defer s.broadcaster.Unsubscribe(sub)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.pipeline.Run(runCtx, turn.Request{
			SessionID: sess.ID,
			UserID:    user.ID,
			Content:   req.Content,
			Hidden:    req.Hidden,
		})
		errCh <- err
	}()

	_ = s.broadcaster.ServeSubscriber(w, r, sub, stream.ServeOptions{StopOnTerminal: true})

	// The stream has ended: the client disconnected or a terminal event
	// was delivered. Either way the turn must not outlive the request.
	cancel()
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, store.ErrSessionBusy) {
			// Lost the lease race after the Busy precheck; the stream
			// already carried the error event.
			return
		}
		s.logger.Warn("turn ended with error", "session_id", sess.ID, "error", err)
	}
}

// handleWatch streams a session's events without starting a turn. Watchers
// stay connected across turns until the client closes.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	sess, ok := s.loadOwnedSession(w, r, user, false)
	if !ok {
		return
	}

	_ = s.broadcaster.Serve(w, r, sess.ID, stream.ServeOptions{})
}
