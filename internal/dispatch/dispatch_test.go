package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/herolabs/hero/internal/commands"
	"github.com/herolabs/hero/internal/interactions"
	"github.com/herolabs/hero/internal/permissions"
	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/internal/tools"
	"github.com/herolabs/hero/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sinkEvent struct {
	sessionID string
	event     string
	data      any
}

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *recordingSink) Publish(sessionID, event string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{sessionID: sessionID, event: event, data: data})
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.event
	}
	return out
}

type fixture struct {
	store  *store.MemoryStore
	engine *permissions.Engine
	broker *permissions.Broker
	tools  *tools.Registry
	cmds   *commands.Registry
	sink   *recordingSink
	d      *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := testLogger()

	st := store.NewMemoryStore()
	if err := st.CreateSession(context.Background(), &models.Session{
		ID:          "sess-1",
		OwnerUserID: "user-1",
		Name:        "dispatch test",
		Status:      models.SessionActive,
	}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	f := &fixture{
		store:  st,
		engine: permissions.NewEngine(st, log),
		broker: permissions.NewBroker(st, log),
		tools:  tools.NewRegistry(log),
		cmds:   commands.NewRegistry(log),
		sink:   &recordingSink{},
	}
	t.Cleanup(f.broker.Close)
	f.d = NewDispatcher(f.engine, f.broker, f.tools, f.cmds, st, f.sink, nil, log)
	return f
}

func (f *fixture) registerTool(t *testing.T, name string, handler tools.Handler) {
	t.Helper()
	err := f.tools.Register(tools.Tool{Name: name, Description: "test tool", Handler: handler})
	if err != nil {
		t.Fatalf("Register(%q) error = %v", name, err)
	}
}

func (f *fixture) allowRule(t *testing.T, resourceType models.ResourceType, name string) {
	t.Helper()
	err := f.store.CreateRule(context.Background(), &models.PermissionRule{
		OwnerUserID:  "user-1",
		SubjectType:  models.SubjectAny,
		ResourceType: resourceType,
		ResourceName: name,
		Action:       models.ActionAllow,
		Scope:        models.ScopePermanent,
	})
	if err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}
}

func (f *fixture) frames(t *testing.T) []*models.Frame {
	t.Helper()
	all, err := f.store.ListFrames(context.Background(), "sess-1", store.FrameListOptions{})
	if err != nil {
		t.Fatalf("ListFrames() error = %v", err)
	}
	return all
}

func agentRequest() Request {
	return Request{
		SessionID:   "sess-1",
		OwnerUserID: "user-1",
		Actor:       models.Subject{Type: models.SubjectAgent, ID: "agent-1"},
	}
}

func fnInteraction(id, name string, args map[string]any) interactions.Interaction {
	return interactions.Interaction{
		ID:        id,
		Assertion: interactions.AssertionFunction,
		Name:      name,
		Args:      args,
	}
}

func inline(items ...interactions.Interaction) interactions.Detection {
	return interactions.Detection{Inline: items}
}

func TestDispatcher_AllowedToolExecutes(t *testing.T) {
	f := newFixture(t)
	f.allowRule(t, models.ResourceTool, "echo")
	f.registerTool(t, "echo", func(ctx context.Context, ec tools.ExecContext, args map[string]any, next tools.Next) tools.Outcome {
		return tools.Completed(map[string]any{"echoed": args["value"]})
	})

	results := f.d.Dispatch(context.Background(), agentRequest(), inline(
		fnInteraction("i1", "echo", map[string]any{"value": "hello"}),
	))

	if len(results) != 1 {
		t.Fatalf("Dispatch() returned %d results, want 1", len(results))
	}
	r := results[0]
	if r.Status != models.ResultCompleted {
		t.Errorf("Status = %v, want %v (error %q)", r.Status, models.ResultCompleted, r.Error)
	}
	if !strings.Contains(r.Output, `"echoed": "hello"`) {
		t.Errorf("Output = %q, want echoed value", r.Output)
	}

	frames := f.frames(t)
	if len(frames) != 2 {
		t.Fatalf("frame count = %d, want 2", len(frames))
	}
	if frames[0].Type != models.FrameRequest || frames[1].Type != models.FrameResult {
		t.Errorf("frame types = %v, %v, want request then result", frames[0].Type, frames[1].Type)
	}
	var reqPayload models.RequestPayload
	if err := json.Unmarshal(frames[0].Payload, &reqPayload); err != nil {
		t.Fatalf("unmarshal request payload: %v", err)
	}
	if reqPayload.InteractionID != "i1" || reqPayload.Name != "echo" {
		t.Errorf("request payload = %+v, want interaction i1 echo", reqPayload)
	}
	var resPayload models.ResultPayload
	if err := json.Unmarshal(frames[1].Payload, &resPayload); err != nil {
		t.Fatalf("unmarshal result payload: %v", err)
	}
	if resPayload.InteractionID != "i1" || resPayload.Status != models.ResultCompleted {
		t.Errorf("result payload = %+v, want completed i1", resPayload)
	}
	if frames[1].AuthorType != models.AuthorAgent || frames[1].AuthorID != "agent-1" {
		t.Errorf("result author = %s/%s, want agent/agent-1", frames[1].AuthorType, frames[1].AuthorID)
	}

	events := f.sink.names()
	want := []string{"hml:element:start", "hml:element:complete"}
	if len(events) != len(want) || events[0] != want[0] || events[1] != want[1] {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestDispatcher_DeniedTool(t *testing.T) {
	f := newFixture(t)
	err := f.store.CreateRule(context.Background(), &models.PermissionRule{
		OwnerUserID:  "user-1",
		SubjectType:  models.SubjectAny,
		ResourceType: models.ResourceTool,
		ResourceName: "echo",
		Action:       models.ActionDeny,
		Scope:        models.ScopePermanent,
	})
	if err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}
	called := false
	f.registerTool(t, "echo", func(ctx context.Context, ec tools.ExecContext, args map[string]any, next tools.Next) tools.Outcome {
		called = true
		return tools.Completed("should not run")
	})

	results := f.d.Dispatch(context.Background(), agentRequest(), inline(
		fnInteraction("i1", "echo", nil),
	))

	if called {
		t.Error("denied tool handler was executed")
	}
	if results[0].Status != models.ResultDenied {
		t.Errorf("Status = %v, want %v", results[0].Status, models.ResultDenied)
	}
	if !strings.Contains(results[0].Error, "permission denied for tool echo") {
		t.Errorf("Error = %q, want permission denied message", results[0].Error)
	}

	frames := f.frames(t)
	if len(frames) != 2 {
		t.Fatalf("frame count = %d, want request and denied result", len(frames))
	}
	var resPayload models.ResultPayload
	if err := json.Unmarshal(frames[1].Payload, &resPayload); err != nil {
		t.Fatalf("unmarshal result payload: %v", err)
	}
	if resPayload.Status != models.ResultDenied {
		t.Errorf("result payload status = %v, want %v", resPayload.Status, models.ResultDenied)
	}

	events := f.sink.names()
	if len(events) != 2 || events[1] != "hml:element:error" {
		t.Errorf("events = %v, want start then error", events)
	}
}

// answerNextPrompt waits for the next pending prompt in the session and
// resolves it with the given answer.
func answerNextPrompt(t *testing.T, broker *permissions.Broker, answer models.PromptAnswer) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if prompts := broker.List("sess-1"); len(prompts) > 0 {
			if !broker.HandleResponse(context.Background(), prompts[0].ID, answer) {
				t.Errorf("HandleResponse(%q) = false, want true", prompts[0].ID)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("no prompt appeared within deadline")
}

func TestDispatcher_PromptAnswers(t *testing.T) {
	tests := []struct {
		name          string
		answer        models.PromptAnswer
		wantStatus    models.ResultStatus
		wantRulesLeft int
	}{
		{"allow once is consumed", models.AnswerAllowOnce, models.ResultCompleted, 0},
		{"allow session persists", models.AnswerAllowSession, models.ResultCompleted, 1},
		{"deny", models.AnswerDeny, models.ResultDenied, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.registerTool(t, "echo", func(ctx context.Context, ec tools.ExecContext, args map[string]any, next tools.Next) tools.Outcome {
				return tools.Completed("ran")
			})

			done := make(chan []ItemResult, 1)
			go func() {
				done <- f.d.Dispatch(context.Background(), agentRequest(), inline(
					fnInteraction("i1", "echo", nil),
				))
			}()
			answerNextPrompt(t, f.broker, tt.answer)

			var results []ItemResult
			select {
			case results = <-done:
			case <-time.After(3 * time.Second):
				t.Fatal("Dispatch did not return after prompt answer")
			}

			if results[0].Status != tt.wantStatus {
				t.Errorf("Status = %v, want %v", results[0].Status, tt.wantStatus)
			}
			rules, err := f.store.ListRulesByOwner(context.Background(), "user-1")
			if err != nil {
				t.Fatalf("ListRulesByOwner() error = %v", err)
			}
			if len(rules) != tt.wantRulesLeft {
				t.Errorf("rules after dispatch = %d, want %d", len(rules), tt.wantRulesLeft)
			}

			// The prompt frame precedes the request frame for the gated item.
			frames := f.frames(t)
			if len(frames) < 3 {
				t.Fatalf("frame count = %d, want prompt, request and result", len(frames))
			}
			if frames[0].Type != models.FrameMessage {
				t.Errorf("first frame type = %v, want prompt message", frames[0].Type)
			}
			if frames[1].Type != models.FrameRequest || frames[2].Type != models.FrameResult {
				t.Errorf("frame types = %v, %v, want request then result", frames[1].Type, frames[2].Type)
			}
		})
	}
}

func TestDispatcher_PromptTimeoutDenies(t *testing.T) {
	f := newFixture(t)
	f.broker.SetTimeout(20 * time.Millisecond)
	f.registerTool(t, "echo", func(ctx context.Context, ec tools.ExecContext, args map[string]any, next tools.Next) tools.Outcome {
		return tools.Completed("ran")
	})

	results := f.d.Dispatch(context.Background(), agentRequest(), inline(
		fnInteraction("i1", "echo", nil),
	))

	if results[0].Status != models.ResultDenied {
		t.Errorf("Status = %v, want %v", results[0].Status, models.ResultDenied)
	}
}

func TestDispatcher_OnceRuleConsumedAfterFailure(t *testing.T) {
	f := newFixture(t)
	err := f.store.CreateRule(context.Background(), &models.PermissionRule{
		OwnerUserID:  "user-1",
		SessionID:    "sess-1",
		SubjectType:  models.SubjectAny,
		ResourceType: models.ResourceTool,
		ResourceName: "flaky",
		Action:       models.ActionAllow,
		Scope:        models.ScopeOnce,
	})
	if err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}
	f.registerTool(t, "flaky", func(ctx context.Context, ec tools.ExecContext, args map[string]any, next tools.Next) tools.Outcome {
		return tools.Failed("backend unavailable")
	})

	results := f.d.Dispatch(context.Background(), agentRequest(), inline(
		fnInteraction("i1", "flaky", nil),
	))

	if results[0].Status != models.ResultFailed {
		t.Errorf("Status = %v, want %v", results[0].Status, models.ResultFailed)
	}
	if results[0].Error != "backend unavailable" {
		t.Errorf("Error = %q, want backend unavailable", results[0].Error)
	}
	rules, err := f.store.ListRulesByOwner(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ListRulesByOwner() error = %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("rules after dispatch = %d, want once rule consumed", len(rules))
	}
}

func TestDispatcher_CommandDispatch(t *testing.T) {
	f := newFixture(t)
	f.allowRule(t, models.ResourceCommand, "ping")
	var gotInv *commands.Invocation
	err := f.cmds.Register(&commands.Command{
		Name:        "ping",
		Description: "test command",
		AcceptsArgs: true,
		Handler: func(ctx context.Context, inv *commands.Invocation) *commands.Result {
			gotInv = inv
			return &commands.Result{Success: true, Content: "pong " + inv.Args}
		},
	})
	if err != nil {
		t.Fatalf("Register(ping) error = %v", err)
	}

	session := &models.Session{ID: "sess-1", OwnerUserID: "user-1"}
	req := agentRequest()
	req.Session = session

	results := f.d.Dispatch(context.Background(), req, inline(interactions.Interaction{
		ID:        "c1",
		Assertion: interactions.AssertionCommand,
		Name:      "ping",
		Message:   "now",
	}))

	if results[0].Status != models.ResultCompleted {
		t.Fatalf("Status = %v, want %v (error %q)", results[0].Status, models.ResultCompleted, results[0].Error)
	}
	if results[0].Output != "pong now" {
		t.Errorf("Output = %q, want %q", results[0].Output, "pong now")
	}
	if gotInv == nil {
		t.Fatal("command handler not invoked")
	}
	if gotInv.SessionID != "sess-1" || gotInv.UserID != "user-1" || gotInv.Session != session {
		t.Errorf("invocation = %+v, want session and user forwarded", gotInv)
	}
}

func TestDispatcher_CommandFailure(t *testing.T) {
	f := newFixture(t)
	f.allowRule(t, models.ResourceCommand, "broken")
	err := f.cmds.Register(&commands.Command{
		Name:        "broken",
		Description: "test command",
		Handler: func(ctx context.Context, inv *commands.Invocation) *commands.Result {
			return &commands.Result{Success: false, Error: "nothing to do"}
		},
	})
	if err != nil {
		t.Fatalf("Register(broken) error = %v", err)
	}

	results := f.d.Dispatch(context.Background(), agentRequest(), inline(interactions.Interaction{
		ID:        "c1",
		Assertion: interactions.AssertionCommand,
		Name:      "broken",
	}))

	if results[0].Status != models.ResultFailed {
		t.Errorf("Status = %v, want %v", results[0].Status, models.ResultFailed)
	}
	if results[0].Error != "nothing to do" {
		t.Errorf("Error = %q, want command error", results[0].Error)
	}
	events := f.sink.names()
	if len(events) != 2 || events[1] != "hml:element:error" {
		t.Errorf("events = %v, want start then error", events)
	}
}

func TestDispatcher_QuestionRoutesToAsk(t *testing.T) {
	f := newFixture(t)
	f.allowRule(t, models.ResourceAbility, "ask")
	var gotArgs map[string]any
	f.registerTool(t, "ask", func(ctx context.Context, ec tools.ExecContext, args map[string]any, next tools.Next) tools.Outcome {
		gotArgs = args
		return tools.Completed("blue")
	})

	results := f.d.Dispatch(context.Background(), agentRequest(), inline(interactions.Interaction{
		ID:        "q1",
		Assertion: interactions.AssertionQuestion,
		Name:      "ask",
		Message:   "Which color?",
		Options:   []string{"red", "blue"},
		Timeout:   30 * time.Second,
	}))

	if results[0].Status != models.ResultCompleted {
		t.Fatalf("Status = %v, want %v (error %q)", results[0].Status, models.ResultCompleted, results[0].Error)
	}
	if gotArgs == nil {
		t.Fatal("ask tool not invoked")
	}
	if gotArgs["message"] != "Which color?" {
		t.Errorf("message arg = %v, want question text", gotArgs["message"])
	}
	options, _ := gotArgs["options"].([]any)
	if len(options) != 2 || options[1] != "blue" {
		t.Errorf("options arg = %v, want [red blue]", gotArgs["options"])
	}
	if gotArgs["timeout"] != float64(30000) {
		t.Errorf("timeout arg = %v, want 30000", gotArgs["timeout"])
	}
}

func TestDispatcher_ParallelPipelinesKeepOrder(t *testing.T) {
	f := newFixture(t)
	f.allowRule(t, models.ResourceTool, "")
	f.registerTool(t, "slow", func(ctx context.Context, ec tools.ExecContext, args map[string]any, next tools.Next) tools.Outcome {
		time.Sleep(40 * time.Millisecond)
		return tools.Completed("slow done")
	})
	f.registerTool(t, "fast", func(ctx context.Context, ec tools.ExecContext, args map[string]any, next tools.Next) tools.Outcome {
		return tools.Completed("fast done")
	})

	det := interactions.Detection{Pipelines: []interactions.Pipeline{
		{Name: "alpha", Interactions: []interactions.Interaction{
			fnInteraction("a1", "slow", nil),
			fnInteraction("a2", "fast", nil),
		}},
		{Name: "beta", Interactions: []interactions.Interaction{
			fnInteraction("b1", "fast", nil),
		}},
	}}

	results := f.d.Dispatch(context.Background(), agentRequest(), det)

	if len(results) != 3 {
		t.Fatalf("Dispatch() returned %d results, want 3", len(results))
	}
	gotIDs := []string{results[0].Interaction.ID, results[1].Interaction.ID, results[2].Interaction.ID}
	wantIDs := []string{"a1", "a2", "b1"}
	for i := range wantIDs {
		if gotIDs[i] != wantIDs[i] {
			t.Fatalf("result order = %v, want %v", gotIDs, wantIDs)
		}
	}
	for _, r := range results {
		if r.Status != models.ResultCompleted {
			t.Errorf("%s status = %v, want %v", r.Interaction.ID, r.Status, models.ResultCompleted)
		}
	}

	// Both pipelines wrote a request and a result per item.
	if frames := f.frames(t); len(frames) != 6 {
		t.Errorf("frame count = %d, want 6", len(frames))
	}
}

func TestDispatcher_CancelledContextSkipsEverything(t *testing.T) {
	f := newFixture(t)
	f.allowRule(t, models.ResourceTool, "echo")
	f.registerTool(t, "echo", func(ctx context.Context, ec tools.ExecContext, args map[string]any, next tools.Next) tools.Outcome {
		return tools.Completed("ran")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := f.d.Dispatch(ctx, agentRequest(), inline(
		fnInteraction("i1", "echo", nil),
		fnInteraction("i2", "echo", nil),
	))

	if len(results) != 2 {
		t.Fatalf("Dispatch() returned %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Status != models.ResultAborted {
			t.Errorf("%s status = %v, want %v", r.Interaction.ID, r.Status, models.ResultAborted)
		}
	}
	if frames := f.frames(t); len(frames) != 0 {
		t.Errorf("frame count = %d, want no frames after cancel", len(frames))
	}
	if events := f.sink.names(); len(events) != 0 {
		t.Errorf("events = %v, want none", events)
	}
}

func TestDispatcher_CancelDuringExecution(t *testing.T) {
	f := newFixture(t)
	f.allowRule(t, models.ResourceTool, "block")
	ctx, cancel := context.WithCancel(context.Background())
	f.registerTool(t, "block", func(ctx context.Context, ec tools.ExecContext, args map[string]any, next tools.Next) tools.Outcome {
		<-ctx.Done()
		return tools.Aborted()
	})
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	results := f.d.Dispatch(ctx, agentRequest(), inline(
		fnInteraction("i1", "block", nil),
		fnInteraction("i2", "block", nil),
	))

	for _, r := range results {
		if r.Status != models.ResultAborted {
			t.Errorf("%s status = %v, want %v", r.Interaction.ID, r.Status, models.ResultAborted)
		}
	}
	// The first item got its request frame before the cancel; nothing else
	// lands afterwards.
	frames := f.frames(t)
	if len(frames) != 1 || frames[0].Type != models.FrameRequest {
		t.Errorf("frames = %d, want the single request written before cancel", len(frames))
	}
}

func TestDispatcher_UnknownAssertion(t *testing.T) {
	f := newFixture(t)
	f.allowRule(t, models.ResourceTool, "mystery")

	results := f.d.Dispatch(context.Background(), agentRequest(), inline(interactions.Interaction{
		ID:        "i1",
		Assertion: interactions.Assertion("ritual"),
		Name:      "mystery",
	}))

	if results[0].Status != models.ResultFailed {
		t.Errorf("Status = %v, want %v", results[0].Status, models.ResultFailed)
	}
	if !strings.Contains(results[0].Error, "unknown assertion") {
		t.Errorf("Error = %q, want unknown assertion", results[0].Error)
	}
}

func TestDispatcher_EmptyDetection(t *testing.T) {
	f := newFixture(t)
	if results := f.d.Dispatch(context.Background(), agentRequest(), interactions.Detection{}); results != nil {
		t.Errorf("Dispatch() = %v, want nil", results)
	}
	if frames := f.frames(t); len(frames) != 0 {
		t.Errorf("frame count = %d, want 0", len(frames))
	}
}

func TestDispatcher_UserActorAuthorsFrames(t *testing.T) {
	f := newFixture(t)
	f.allowRule(t, models.ResourceCommand, "ping")
	err := f.cmds.Register(&commands.Command{
		Name:        "ping",
		Description: "test command",
		Handler: func(ctx context.Context, inv *commands.Invocation) *commands.Result {
			return &commands.Result{Success: true, Content: "pong"}
		},
	})
	if err != nil {
		t.Fatalf("Register(ping) error = %v", err)
	}

	req := agentRequest()
	req.Actor = models.Subject{Type: models.SubjectUser, ID: "user-1"}

	f.d.Dispatch(context.Background(), req, inline(interactions.Interaction{
		ID:        "c1",
		Assertion: interactions.AssertionCommand,
		Name:      "ping",
	}))

	frames := f.frames(t)
	if len(frames) != 2 {
		t.Fatalf("frame count = %d, want 2", len(frames))
	}
	for _, fr := range frames {
		if fr.AuthorType != models.AuthorUser || fr.AuthorID != "user-1" {
			t.Errorf("frame author = %s/%s, want user/user-1", fr.AuthorType, fr.AuthorID)
		}
	}
}

func TestFeedback(t *testing.T) {
	tests := []struct {
		name    string
		results []ItemResult
		want    string
	}{
		{
			name:    "empty",
			results: nil,
			want:    "",
		},
		{
			name: "completed with output",
			results: []ItemResult{{
				Interaction: fnInteraction("i1", "echo", nil),
				Status:      models.ResultCompleted,
				Output:      "hello",
			}},
			want: "[i1 echo] completed\nhello",
		},
		{
			name: "failed with error",
			results: []ItemResult{{
				Interaction: fnInteraction("i1", "echo", nil),
				Status:      models.ResultFailed,
				Error:       "boom",
			}},
			want: "[i1 echo] failed: boom",
		},
		{
			name: "denied",
			results: []ItemResult{{
				Interaction: fnInteraction("i1", "echo", nil),
				Status:      models.ResultDenied,
				Error:       "permission denied for tool echo",
			}},
			want: "[i1 echo] denied: permission denied for tool echo",
		},
		{
			name: "multiple results are separated",
			results: []ItemResult{
				{
					Interaction: fnInteraction("i1", "echo", nil),
					Status:      models.ResultCompleted,
					Output:      "one",
				},
				{
					Interaction: fnInteraction("i2", "echo", nil),
					Status:      models.ResultAborted,
				},
			},
			want: "[i1 echo] completed\none\n\n[i2 echo] aborted",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Feedback(tt.results); got != tt.want {
				t.Errorf("Feedback() = %q, want %q", got, tt.want)
			}
		})
	}
}
