package tools

import (
	"context"
	"errors"
	"testing"
)

type fakeDelegator struct {
	req   DelegateRequest
	reply string
	err   error
}

func (f *fakeDelegator) Delegate(ctx context.Context, req DelegateRequest) (string, error) {
	f.req = req
	if f.err != nil {
		return "", f.err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return f.reply, nil
}

func TestDelegateTool_ForwardsRequest(t *testing.T) {
	delegator := &fakeDelegator{reply: "task done"}
	tool := NewDelegateTool(delegator)

	ec := ExecContext{
		SessionID:       "sess-1",
		UserID:          "user-1",
		AgentID:         "agent-parent",
		DelegationDepth: 1,
	}
	args := map[string]any{"agentId": "agent-child", "task": "summarize the report"}
	out := tool.Handler(context.Background(), ec, args, nil)
	if out.Status != StatusCompleted {
		t.Fatalf("status = %v, want %v (error: %s)", out.Status, StatusCompleted, out.Error)
	}

	if delegator.req.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", delegator.req.SessionID)
	}
	if delegator.req.CallerID != "agent-parent" {
		t.Errorf("CallerID = %q, want agent-parent", delegator.req.CallerID)
	}
	if delegator.req.AgentID != "agent-child" {
		t.Errorf("AgentID = %q, want agent-child", delegator.req.AgentID)
	}
	if delegator.req.Task != "summarize the report" {
		t.Errorf("Task = %q, want the task", delegator.req.Task)
	}
	if delegator.req.Depth != 1 {
		t.Errorf("Depth = %d, want 1", delegator.req.Depth)
	}

	reply, ok := out.Result.(*DelegateReply)
	if !ok {
		t.Fatalf("result type = %T, want *DelegateReply", out.Result)
	}
	if reply.Response != "task done" {
		t.Errorf("Response = %q, want task done", reply.Response)
	}
	if reply.AgentID != "agent-child" {
		t.Errorf("AgentID = %q, want agent-child", reply.AgentID)
	}
}

func TestDelegateTool_MissingArgs(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
	}{
		{"no agentId", map[string]any{"task": "do it"}},
		{"no task", map[string]any{"agentId": "agent-1"}},
		{"empty", map[string]any{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := NewDelegateTool(&fakeDelegator{})
			out := tool.Handler(context.Background(), ExecContext{}, tt.args, nil)
			if out.Status != StatusFailed {
				t.Errorf("status = %v, want %v", out.Status, StatusFailed)
			}
		})
	}
}

func TestDelegateTool_ErrorPassthrough(t *testing.T) {
	tool := NewDelegateTool(&fakeDelegator{err: errors.New("Delegation timed out")})
	out := tool.Handler(context.Background(), ExecContext{},
		map[string]any{"agentId": "agent-1", "task": "slow task"}, nil)
	if out.Status != StatusFailed {
		t.Fatalf("status = %v, want %v", out.Status, StatusFailed)
	}
	if out.Error != "Delegation timed out" {
		t.Errorf("error = %q, want Delegation timed out", out.Error)
	}
}

func TestDelegateTool_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tool := NewDelegateTool(&fakeDelegator{reply: "never seen"})
	out := tool.Handler(ctx, ExecContext{},
		map[string]any{"agentId": "agent-1", "task": "task"}, nil)
	if out.Status != StatusAborted {
		t.Errorf("status = %v, want %v", out.Status, StatusAborted)
	}
}
