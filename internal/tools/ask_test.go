package tools

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

type fakeAsker struct {
	req    AskRequest
	answer string
	err    error
}

func (f *fakeAsker) Ask(ctx context.Context, req AskRequest) (string, error) {
	f.req = req
	if f.err != nil {
		return "", f.err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return f.answer, nil
}

func TestAskTool_ForwardsQuestion(t *testing.T) {
	asker := &fakeAsker{answer: "yes"}
	tool := NewAskTool(asker)

	ec := ExecContext{SessionID: "sess-1", UserID: "user-1"}
	args := map[string]any{
		"message": "Deploy to production?",
		"options": []any{"yes", "no"},
		"timeout": float64(5000),
	}
	out := tool.Handler(context.Background(), ec, args, nil)
	if out.Status != StatusCompleted {
		t.Fatalf("status = %v, want %v (error: %s)", out.Status, StatusCompleted, out.Error)
	}

	if asker.req.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", asker.req.SessionID)
	}
	if asker.req.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", asker.req.UserID)
	}
	if asker.req.Message != "Deploy to production?" {
		t.Errorf("Message = %q, want the question", asker.req.Message)
	}
	if !reflect.DeepEqual(asker.req.Options, []string{"yes", "no"}) {
		t.Errorf("Options = %v, want [yes no]", asker.req.Options)
	}
	if asker.req.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", asker.req.Timeout)
	}

	answer, ok := out.Result.(*AskAnswer)
	if !ok {
		t.Fatalf("result type = %T, want *AskAnswer", out.Result)
	}
	if answer.Answer != "yes" {
		t.Errorf("Answer = %q, want yes", answer.Answer)
	}
}

func TestAskTool_MissingMessage(t *testing.T) {
	tool := NewAskTool(&fakeAsker{})
	out := tool.Handler(context.Background(), ExecContext{}, map[string]any{}, nil)
	if out.Status != StatusFailed {
		t.Errorf("status = %v, want %v", out.Status, StatusFailed)
	}
}

func TestAskTool_AskerError(t *testing.T) {
	tool := NewAskTool(&fakeAsker{err: errors.New("nobody answered")})
	out := tool.Handler(context.Background(), ExecContext{}, map[string]any{"message": "hi?"}, nil)
	if out.Status != StatusFailed {
		t.Fatalf("status = %v, want %v", out.Status, StatusFailed)
	}
	if out.Error == "" {
		t.Error("error is empty, want asker error text")
	}
}

func TestAskTool_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tool := NewAskTool(&fakeAsker{answer: "never seen"})
	out := tool.Handler(ctx, ExecContext{}, map[string]any{"message": "hi?"}, nil)
	if out.Status != StatusAborted {
		t.Errorf("status = %v, want %v", out.Status, StatusAborted)
	}
}
