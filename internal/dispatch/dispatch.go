// Package dispatch executes detected interactions behind the permission
// engine. Every interaction is evaluated, prompted for if needed, recorded
// as a request frame, executed, and recorded as a result frame; the caller
// gets per-item results to fold into the next turn.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/herolabs/hero/internal/commands"
	"github.com/herolabs/hero/internal/frames"
	"github.com/herolabs/hero/internal/interactions"
	"github.com/herolabs/hero/internal/observability"
	"github.com/herolabs/hero/internal/permissions"
	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/internal/tools"
	"github.com/herolabs/hero/pkg/models"
)

// EventSink receives interaction lifecycle events for streaming. The
// broadcaster satisfies it; a nil sink disables events.
type EventSink interface {
	Publish(sessionID, event string, data any)
}

// Request scopes one dispatch run to a session and the actor whose
// interactions are being executed.
type Request struct {
	SessionID   string
	OwnerUserID string

	// Actor produced the interactions and is the permission subject.
	Actor models.Subject

	// Session is the loaded session, passed through to command builtins.
	Session *models.Session

	DelegationDepth int
}

// ItemResult is the outcome of one dispatched interaction.
type ItemResult struct {
	Interaction interactions.Interaction
	Status      models.ResultStatus
	// Output is the rendered result: tool output as JSON, command content
	// as text. Empty for denied and aborted items.
	Output     string
	Error      string
	DurationMS int64
}

// Dispatcher runs interactions behind permission checks.
type Dispatcher struct {
	engine   *permissions.Engine
	broker   *permissions.Broker
	tools    *tools.Registry
	commands *commands.Registry
	store    store.Store
	events   EventSink
	tracer   *observability.Tracer
	logger   *slog.Logger
}

// NewDispatcher wires the dispatcher. events and tracer may be nil.
func NewDispatcher(
	engine *permissions.Engine,
	broker *permissions.Broker,
	toolReg *tools.Registry,
	cmdReg *commands.Registry,
	st store.Store,
	events EventSink,
	tracer *observability.Tracer,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	return &Dispatcher{
		engine:   engine,
		broker:   broker,
		tools:    toolReg,
		commands: cmdReg,
		store:    st,
		events:   events,
		tracer:   tracer,
		logger:   logger.With("component", "dispatch"),
	}
}

// Dispatch executes everything in det. Pipelines run concurrently with each
// other; the interactions inside one pipeline run in order, as do inline
// elements. Results come back in detection order regardless of scheduling.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, det interactions.Detection) []ItemResult {
	if det.Empty() {
		return nil
	}

	if len(det.Pipelines) > 0 {
		buckets := make([][]ItemResult, len(det.Pipelines))
		var wg sync.WaitGroup
		for i, p := range det.Pipelines {
			wg.Add(1)
			go func(idx int, pipeline interactions.Pipeline) {
				defer wg.Done()
				buckets[idx] = d.runSequence(ctx, req, pipeline.Name, pipeline.Interactions)
			}(i, p)
		}
		wg.Wait()

		var out []ItemResult
		for _, bucket := range buckets {
			out = append(out, bucket...)
		}
		return out
	}
	return d.runSequence(ctx, req, "", det.Inline)
}

// runSequence executes interactions one at a time. Once the context is
// cancelled the remaining items are marked aborted without executing.
func (d *Dispatcher) runSequence(ctx context.Context, req Request, pipeline string, items []interactions.Interaction) []ItemResult {
	results := make([]ItemResult, 0, len(items))
	for _, item := range items {
		if ctx.Err() != nil {
			results = append(results, ItemResult{Interaction: item, Status: models.ResultAborted})
			continue
		}
		results = append(results, d.dispatchOne(ctx, req, pipeline, item))
	}
	return results
}

func (d *Dispatcher) dispatchOne(ctx context.Context, req Request, pipeline string, item interactions.Interaction) (res ItemResult) {
	ctx, span := d.tracer.StartDispatch(ctx, item.Name)
	defer func() {
		if res.Status == models.ResultFailed && res.Error != "" {
			d.tracer.RecordError(span, errors.New(res.Error))
		}
		span.End()
	}()

	resource := resourceFor(item)
	d.emit(req.SessionID, "hml:element:start", elementEvent(item, ""))

	decision := d.engine.Evaluate(ctx, req.Actor, resource, permissions.EvalContext{
		OwnerUserID: req.OwnerUserID,
		SessionID:   req.SessionID,
		Args:        item.Args,
	})

	if decision.Action == models.ActionPrompt {
		answer, err := d.broker.Request(ctx, permissions.PromptRequest{
			SessionID:   req.SessionID,
			OwnerUserID: req.OwnerUserID,
			Subject:     req.Actor,
			Resource:    resource,
		})
		if err != nil && ctx.Err() != nil {
			d.emit(req.SessionID, "hml:element:error", elementEvent(item, "aborted"))
			return ItemResult{Interaction: item, Status: models.ResultAborted}
		}
		if _, allowed := answer.RuleScope(); allowed {
			// The answer recorded a rule; evaluate again to pick it up
			// with its scope, so a once grant is consumed below.
			decision = d.engine.Evaluate(ctx, req.Actor, resource, permissions.EvalContext{
				OwnerUserID: req.OwnerUserID,
				SessionID:   req.SessionID,
				Args:        item.Args,
			})
			if decision.Action == models.ActionPrompt {
				// The rule never landed; do not loop back into a prompt.
				decision = permissions.Decision{Action: models.ActionDeny}
			}
		} else {
			decision = permissions.Decision{Action: models.ActionDeny}
		}
	}

	// A cancelled turn writes no further frames.
	if ctx.Err() != nil {
		d.emit(req.SessionID, "hml:element:error", elementEvent(item, "aborted"))
		return ItemResult{Interaction: item, Status: models.ResultAborted}
	}

	d.writeRequestFrame(ctx, req, item, pipeline)

	if decision.Action != models.ActionAllow {
		result := ItemResult{
			Interaction: item,
			Status:      models.ResultDenied,
			Error:       fmt.Sprintf("permission denied for %s %s", resource.Type, resource.Name),
		}
		d.writeResultFrame(ctx, req, item, pipeline, result)
		d.emit(req.SessionID, "hml:element:error", elementEvent(item, "denied"))
		return result
	}

	start := time.Now()
	result := d.execute(ctx, req, item)
	result.DurationMS = time.Since(start).Milliseconds()

	// The allow held through execution start; a once rule is spent now
	// even if the handler itself failed.
	d.engine.ConsumeOnce(ctx, decision)

	if result.Status == models.ResultAborted {
		d.emit(req.SessionID, "hml:element:error", elementEvent(item, "aborted"))
		return result
	}

	d.writeResultFrame(ctx, req, item, pipeline, result)
	if result.Status == models.ResultCompleted {
		d.emit(req.SessionID, "hml:element:complete", elementEvent(item, string(result.Status)))
	} else {
		d.emit(req.SessionID, "hml:element:error", elementEvent(item, string(result.Status)))
	}
	return result
}

// execute runs the interaction through the registry that owns its
// assertion. Commands go to the command registry; questions and functions
// go to the tool registry (questions as the ask tool).
func (d *Dispatcher) execute(ctx context.Context, req Request, item interactions.Interaction) ItemResult {
	result := ItemResult{Interaction: item}

	switch item.Assertion {
	case interactions.AssertionCommand:
		cmdResult := d.commands.Execute(ctx, &commands.Invocation{
			Name:      item.Name,
			Args:      commandArgs(item),
			SessionID: req.SessionID,
			UserID:    req.OwnerUserID,
			Session:   req.Session,
			Store:     d.store,
		})
		if cmdResult.Success {
			result.Status = models.ResultCompleted
			result.Output = cmdResult.Content
		} else {
			result.Status = models.ResultFailed
			result.Error = cmdResult.Error
		}

	case interactions.AssertionQuestion, interactions.AssertionFunction:
		name := item.Name
		args := item.Args
		if item.Assertion == interactions.AssertionQuestion {
			name = "ask"
			args = askArgs(item)
		}
		ec := tools.ExecContext{
			SessionID:       req.SessionID,
			UserID:          req.OwnerUserID,
			Store:           d.store,
			DelegationDepth: req.DelegationDepth,
		}
		if req.Actor.Type == models.SubjectAgent {
			ec.AgentID = req.Actor.ID
		}
		outcome := d.tools.Execute(ctx, ec, name, args)
		switch outcome.Status {
		case tools.StatusCompleted:
			result.Status = models.ResultCompleted
			result.Output = renderResult(outcome.Result)
		case tools.StatusAborted:
			result.Status = models.ResultAborted
		default:
			result.Status = models.ResultFailed
			result.Error = outcome.Error
		}

	default:
		result.Status = models.ResultFailed
		result.Error = fmt.Sprintf("unknown assertion: %s", item.Assertion)
	}
	return result
}

// Feedback folds item results into the text fed back to the model on the
// next turn.
func Feedback(results []ItemResult) string {
	var sb strings.Builder
	for _, r := range results {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s %s] %s", r.Interaction.ID, r.Interaction.Name, r.Status)
		switch {
		case r.Error != "":
			sb.WriteString(": ")
			sb.WriteString(r.Error)
		case r.Output != "":
			sb.WriteString("\n")
			sb.WriteString(r.Output)
		}
	}
	return sb.String()
}

func (d *Dispatcher) writeRequestFrame(ctx context.Context, req Request, item interactions.Interaction, pipeline string) {
	var args json.RawMessage
	if len(item.Args) > 0 {
		if raw, err := json.Marshal(item.Args); err == nil {
			args = raw
		}
	}
	frame, err := frames.NewRequest(req.SessionID, authorType(req.Actor), req.Actor.ID, models.RequestPayload{
		InteractionID: item.ID,
		Assertion:     string(item.Assertion),
		Name:          item.Name,
		Args:          args,
		Pipeline:      pipeline,
	})
	if err == nil {
		err = d.store.AppendFrame(ctx, frame)
	}
	if err != nil {
		// The execution proceeds; the log is best effort here.
		d.logger.Error("write request frame", "interaction_id", item.ID, "error", err)
	}
}

func (d *Dispatcher) writeResultFrame(ctx context.Context, req Request, item interactions.Interaction, pipeline string, result ItemResult) {
	var raw json.RawMessage
	if result.Output != "" {
		if json.Valid([]byte(result.Output)) {
			raw = json.RawMessage(result.Output)
		} else if b, err := json.Marshal(result.Output); err == nil {
			raw = b
		}
	}
	frame, err := frames.NewResult(req.SessionID, authorType(req.Actor), req.Actor.ID, item.ID, models.ResultPayload{
		InteractionID: item.ID,
		Status:        result.Status,
		Result:        raw,
		Error:         result.Error,
		DurationMS:    result.DurationMS,
	})
	if err == nil {
		err = d.store.AppendFrame(ctx, frame)
	}
	if err != nil {
		d.logger.Error("write result frame", "interaction_id", item.ID, "error", err)
	}
}

func (d *Dispatcher) emit(sessionID, event string, data any) {
	if d.events == nil {
		return
	}
	d.events.Publish(sessionID, event, data)
}

func elementEvent(item interactions.Interaction, status string) map[string]any {
	data := map[string]any{
		"id":        item.ID,
		"name":      item.Name,
		"assertion": string(item.Assertion),
	}
	if status != "" {
		data["status"] = status
	}
	return data
}

// resourceFor maps an interaction to the resource a rule must cover:
// commands check the command namespace, functions the tool namespace, and
// questions the ask ability.
func resourceFor(item interactions.Interaction) models.Resource {
	switch item.Assertion {
	case interactions.AssertionCommand:
		return models.Resource{Type: models.ResourceCommand, Name: item.Name}
	case interactions.AssertionQuestion:
		return models.Resource{Type: models.ResourceAbility, Name: "ask"}
	default:
		return models.Resource{Type: models.ResourceTool, Name: item.Name}
	}
}

func authorType(subject models.Subject) models.AuthorType {
	if subject.Type == models.SubjectUser {
		return models.AuthorUser
	}
	return models.AuthorAgent
}

// commandArgs extracts the argument tail for a command interaction; block
// form may carry it as message or as an "args" entry.
func commandArgs(item interactions.Interaction) string {
	if item.Message != "" {
		return item.Message
	}
	if s, ok := item.Args["args"].(string); ok {
		return s
	}
	return ""
}

// askArgs shapes a question interaction into the ask tool's arguments.
func askArgs(item interactions.Interaction) map[string]any {
	args := map[string]any{"message": item.Message}
	if len(item.Options) > 0 {
		options := make([]any, len(item.Options))
		for i, o := range item.Options {
			options[i] = o
		}
		args["options"] = options
	}
	if item.Timeout > 0 {
		args["timeout"] = float64(item.Timeout.Milliseconds())
	}
	return args
}

// renderResult serializes a tool result for the result frame and the
// feedback text.
func renderResult(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
