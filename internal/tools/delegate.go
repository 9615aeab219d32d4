package tools

import (
	"context"
	"encoding/json"
)

// Delegator runs a task in a child session on behalf of a parent agent
// and returns the delegated agent's reply.
type Delegator interface {
	Delegate(ctx context.Context, req DelegateRequest) (string, error)
}

// DelegateRequest describes one delegation hop.
type DelegateRequest struct {
	SessionID string
	UserID    string
	CallerID  string
	AgentID   string
	Task      string
	Depth     int
}

// DelegateReply is the completed payload of a delegate invocation.
type DelegateReply struct {
	AgentID  string `json:"agentId"`
	Response string `json:"response"`
}

// NewDelegateTool builds the delegate builtin on top of a Delegator.
func NewDelegateTool(delegator Delegator) Tool {
	return Tool{
		Name:        "delegate",
		Description: "Delegate a task to another agent in this session and wait for its reply.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"agentId": {"type": "string", "description": "Participant ID of the agent to delegate to."},
				"task": {"type": "string", "description": "The task for the delegated agent."}
			},
			"required": ["agentId", "task"]
		}`),
		Handler: func(ctx context.Context, ec ExecContext, args map[string]any, next Next) Outcome {
			agentID, _ := args["agentId"].(string)
			if agentID == "" {
				return Failed("agentId is required")
			}
			task, _ := args["task"].(string)
			if task == "" {
				return Failed("task is required")
			}

			reply, err := delegator.Delegate(ctx, DelegateRequest{
				SessionID: ec.SessionID,
				UserID:    ec.UserID,
				CallerID:  ec.AgentID,
				AgentID:   agentID,
				Task:      task,
				Depth:     ec.DelegationDepth,
			})
			if err != nil {
				if ctx.Err() != nil {
					return Aborted()
				}
				return Failed("%v", err)
			}
			return Completed(&DelegateReply{AgentID: agentID, Response: reply})
		},
	}
}
