// Package turn runs conversation turns: persist the user's message, stream
// the coordinator agent's completion, execute any interactions it emitted,
// feed results back, and repeat until the agent stops asking for work or the
// turn cap is hit.
//
// A turn holds its session's write lease for the whole run, so frame order
// within a session is unambiguous and a second concurrent turn is rejected
// with store.ErrSessionBusy. Every exit path, including panic and client
// disconnect, releases the lease and emits exactly one terminal stream
// event.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/herolabs/hero/internal/dispatch"
	"github.com/herolabs/hero/internal/frames"
	"github.com/herolabs/hero/internal/interactions"
	"github.com/herolabs/hero/internal/observability"
	"github.com/herolabs/hero/internal/participants"
	"github.com/herolabs/hero/internal/providers"
	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/internal/stream"
	"github.com/herolabs/hero/pkg/models"
)

// MaxTurns caps the stream→dispatch→feedback loop within one run.
const MaxTurns = 8

// errAborted marks a client-disconnect unwind inside the loop.
var errAborted = errors.New("turn: aborted")

// Config tunes a Pipeline.
type Config struct {
	// MaxTurns defaults to 8.
	MaxTurns int

	// MaxTokens is passed through to providers. Zero keeps their default.
	MaxTokens int

	// Tracer emits spans around the run and each provider call. Nil means
	// the no-op tracer.
	Tracer *observability.Tracer
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxTurns <= 0 || cfg.MaxTurns > 64 {
		cfg.MaxTurns = MaxTurns
	}
	if cfg.Tracer == nil {
		cfg.Tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	return cfg
}

// EventSink receives stream events. stream.Broadcaster satisfies it.
type EventSink interface {
	Publish(sessionID, event string, data any)
}

// Pipeline executes turns against a session's frame log.
//
// The store must be the raw (unlocked) store: the pipeline itself holds the
// session write lease, and the dispatcher and broker append through the same
// handle while the lease is held.
type Pipeline struct {
	cfg        Config
	store      store.Store
	locks      *store.LockManager
	registry   *participants.Registry
	providers  *providers.Registry
	dispatcher *dispatch.Dispatcher
	events     EventSink
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	logger     *slog.Logger
}

// New wires a pipeline. events and metrics may be nil.
func New(
	cfg Config,
	st store.Store,
	locks *store.LockManager,
	registry *participants.Registry,
	provs *providers.Registry,
	dispatcher *dispatch.Dispatcher,
	events EventSink,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = sanitizeConfig(cfg)
	return &Pipeline{
		cfg:        cfg,
		store:      st,
		locks:      locks,
		registry:   registry,
		providers:  provs,
		dispatcher: dispatcher,
		events:     events,
		metrics:    metrics,
		tracer:     cfg.Tracer,
		logger:     logger.With("component", "turn"),
	}
}

// Request describes one incoming user message.
type Request struct {
	SessionID string
	UserID    string

	// Content is the user's message text.
	Content string

	// Hidden keeps the message in LLM context without showing it by default.
	Hidden bool

	// DelegationDepth is non-zero when this turn runs inside a delegation.
	DelegationDepth int
}

// Outcome summarizes a finished run.
type Outcome struct {
	// Status is completed, failed, or aborted.
	Status models.ResultStatus

	// Turns is how many provider calls ran.
	Turns int

	// Text is the last assistant reply, cleaned for display.
	Text string

	// UserFrameID is the persisted user message frame.
	UserFrameID string
}

// Run executes one turn end to end. The user frame is persisted before
// anything can fail downstream; provider and dispatch errors surface as a
// friendly error event plus an error frame, never as a raw provider body.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := p.tracer.StartTurn(ctx, req.SessionID)
	defer span.End()

	release, err := p.locks.TryAcquire(req.SessionID, "turn:"+req.UserID)
	if err != nil {
		// A subscriber may already be attached; close its stream out.
		p.publish(req.SessionID, stream.EventError, map[string]string{
			"message": "Another turn is already running in this session.",
		})
		p.tracer.RecordError(span, err)
		return nil, fmt.Errorf("acquire write lease: %w", err)
	}
	defer release()

	start := time.Now()
	outcome := &Outcome{Status: models.ResultCompleted}
	defer func() {
		if p.metrics != nil {
			p.metrics.Turns.WithLabelValues(string(outcome.Status)).Inc()
			p.metrics.TurnDuration.Observe(time.Since(start).Seconds())
		}
	}()

	// Step 1: the user's message survives any downstream failure.
	userFrame, err := p.persistUserMessage(ctx, req)
	if err != nil {
		outcome.Status = models.ResultFailed
		p.publish(req.SessionID, stream.EventError, map[string]string{
			"message": "Failed to record the message. Please try again.",
		})
		p.tracer.RecordError(span, err)
		return outcome, err
	}
	outcome.UserFrameID = userFrame.ID

	loaded, err := p.registry.LoadSessionWithAgent(ctx, req.SessionID, req.UserID)
	if err != nil {
		outcome.Status = models.ResultFailed
		p.finishError(ctx, req.SessionID, err)
		p.tracer.RecordError(span, err)
		return outcome, err
	}

	// Without a coordinator agent the turn is a plain append.
	if loaded.Agent == nil {
		p.publish(req.SessionID, stream.EventDone, map[string]any{"turns": 0})
		return outcome, nil
	}

	err = p.loop(ctx, req, loaded, outcome)
	switch {
	case errors.Is(err, errAborted) || ctx.Err() != nil:
		outcome.Status = models.ResultAborted
		p.publish(req.SessionID, stream.EventAborted, map[string]any{"turns": outcome.Turns})
		return outcome, nil
	case err != nil:
		outcome.Status = models.ResultFailed
		p.finishError(ctx, req.SessionID, err)
		p.tracer.RecordError(span, err)
		return outcome, nil
	default:
		p.publish(req.SessionID, stream.EventDone, map[string]any{
			"turns": outcome.Turns,
			"text":  outcome.Text,
		})
		return outcome, nil
	}
}

// loop is steps 3–6: compose, stream, detect, dispatch, feed back.
func (p *Pipeline) loop(ctx context.Context, req Request, loaded *participants.SessionWithAgent, outcome *Outcome) error {
	session := loaded.Session
	agent := loaded.Agent

	for outcome.Turns < p.cfg.MaxTurns {
		if ctx.Err() != nil {
			return errAborted
		}

		transcript, err := p.composeContext(ctx, session.ID, agent)
		if err != nil {
			return err
		}

		p.publish(session.ID, stream.EventStatus, map[string]string{"state": "calling_api"})

		text, err := p.streamOnce(ctx, session.ID, agent, transcript)
		if err != nil {
			return err
		}
		outcome.Turns++
		outcome.Text = CleanDisplay(text)

		assistant, err := frames.NewMessage(session.ID, models.AuthorAgent, agent.ID, models.MessagePayload{
			Role:    models.RoleAssistant,
			Content: models.MessageContent(text),
		})
		if err != nil {
			return err
		}
		if err := p.append(ctx, assistant); err != nil {
			return fmt.Errorf("persist assistant frame: %w", err)
		}

		det := interactions.Parse(text)
		if det.Empty() {
			return nil
		}

		results := p.dispatcher.Dispatch(ctx, dispatch.Request{
			SessionID:       session.ID,
			OwnerUserID:     session.OwnerUserID,
			Actor:           models.Subject{Type: models.SubjectAgent, ID: agent.ID},
			Session:         session,
			DelegationDepth: req.DelegationDepth,
		}, det)

		if ctx.Err() != nil {
			return errAborted
		}

		feedback := dispatch.Feedback(results)
		if feedback == "" {
			return nil
		}

		fb, err := frames.NewMessage(session.ID, models.AuthorSystem, "", models.MessagePayload{
			Role:    models.RoleUser,
			Content: models.MessageContent(feedback),
			Hidden:  true,
			Kind:    models.KindFeedback,
		})
		if err != nil {
			return err
		}
		if err := p.append(ctx, fb); err != nil {
			// Feedback that cannot be recorded would desynchronize the next
			// iteration's context; stop here instead.
			return fmt.Errorf("persist feedback frame: %w", err)
		}
	}
	return nil
}

// streamOnce runs a single provider call, forwarding text deltas as events
// and accumulating the full reply.
func (p *Pipeline) streamOnce(ctx context.Context, sessionID string, agent *models.Agent, transcript *transcript) (string, error) {
	provider, err := p.providers.Get(agent.Provider)
	if err != nil {
		return "", err
	}

	ctx, span := p.tracer.StartProviderCall(ctx, provider.Name(), agent.Model)
	defer span.End()

	chunks, err := provider.Complete(ctx, &providers.CompletionRequest{
		Model:     agent.Model,
		System:    transcript.System,
		Messages:  transcript.Messages,
		MaxTokens: p.cfg.MaxTokens,
	})
	if err != nil {
		p.countProviderRequest(provider.Name(), agent.Model, "error")
		p.tracer.RecordError(span, err)
		return "", err
	}

	var text string
	for chunk := range chunks {
		if ctx.Err() != nil {
			// Client went away; the provider stream unwinds via ctx. Break
			// at the event boundary without persisting anything further.
			return "", errAborted
		}
		switch {
		case chunk.Error != nil:
			p.countProviderRequest(provider.Name(), agent.Model, "error")
			p.tracer.RecordError(span, chunk.Error)
			return "", chunk.Error
		case chunk.Text != "":
			text += chunk.Text
			p.publish(sessionID, stream.EventText, map[string]string{"delta": chunk.Text})
		}
		if chunk.Done {
			p.countProviderRequest(provider.Name(), agent.Model, "success")
			p.recordUsage(ctx, sessionID, provider.Name(), agent.Model, chunk.InputTokens, chunk.OutputTokens)
		}
	}
	// A stream that ends because the client went away is an abort even when
	// the provider closed the channel without a terminal chunk.
	if ctx.Err() != nil {
		return "", errAborted
	}
	return text, nil
}

// persistUserMessage appends the turn's user frame and announces it.
func (p *Pipeline) persistUserMessage(ctx context.Context, req Request) (*models.Frame, error) {
	frame, err := frames.NewMessage(req.SessionID, models.AuthorUser, req.UserID, models.MessagePayload{
		Role:    models.RoleUser,
		Content: models.MessageContent(req.Content),
		Hidden:  req.Hidden,
	})
	if err != nil {
		return nil, err
	}
	if err := p.append(ctx, frame); err != nil {
		return nil, fmt.Errorf("persist user frame: %w", err)
	}
	return frame, nil
}

// append writes a frame and publishes the frame event.
func (p *Pipeline) append(ctx context.Context, frame *models.Frame) error {
	if err := p.store.AppendFrame(ctx, frame); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.FramesAppended.WithLabelValues(string(frame.Type)).Inc()
	}
	p.publish(frame.SessionID, stream.EventFrame, frame)
	return nil
}

// finishError converts err for participants, emits the error event, and
// records the error frame. Frame write failures here are logged, not fatal;
// the terminal event has already been guaranteed.
func (p *Pipeline) finishError(ctx context.Context, sessionID string, err error) {
	friendly := providers.FriendlyMessage(err)
	p.logger.Error("turn failed", "session_id", sessionID, "error", err)
	p.publish(sessionID, stream.EventError, map[string]string{"message": friendly})

	frame, ferr := frames.NewErrorMessage(sessionID, friendly)
	if ferr != nil {
		p.logger.Error("build error frame", "error", ferr)
		return
	}
	// The turn context may already be cancelled; the record still matters.
	if aerr := p.store.AppendFrame(context.WithoutCancel(ctx), frame); aerr != nil {
		p.logger.Error("persist error frame", "error", aerr)
		return
	}
	if p.metrics != nil {
		p.metrics.FramesAppended.WithLabelValues(string(frame.Type)).Inc()
	}
	p.publish(sessionID, stream.EventFrame, frame)
}

func (p *Pipeline) recordUsage(ctx context.Context, sessionID, provider, model string, input, output int) {
	if input == 0 && output == 0 {
		return
	}
	if err := p.store.AddSessionTokens(ctx, sessionID, int64(input), int64(output)); err != nil {
		p.logger.Warn("record token usage", "session_id", sessionID, "error", err)
	}
	if p.metrics != nil {
		p.metrics.ProviderTokens.WithLabelValues(provider, model, "input").Add(float64(input))
		p.metrics.ProviderTokens.WithLabelValues(provider, model, "output").Add(float64(output))
	}
}

func (p *Pipeline) countProviderRequest(provider, model, status string) {
	if p.metrics != nil {
		p.metrics.ProviderRequests.WithLabelValues(provider, model, status).Inc()
	}
}

func (p *Pipeline) publish(sessionID, event string, data any) {
	if p.events == nil {
		return
	}
	p.events.Publish(sessionID, event, data)
}

// Busy reports whether a turn currently holds the session's write lease.
func (p *Pipeline) Busy(sessionID string) bool {
	return p.locks.IsLocked(sessionID)
}
