package tools

import (
	"context"
	"encoding/json"
	"time"
)

// Asker resolves a free-text question by prompting a human participant
// and blocking until they answer, the timeout lapses, or ctx is done.
type Asker interface {
	Ask(ctx context.Context, req AskRequest) (string, error)
}

// AskRequest is a question bound for the session's human participants.
type AskRequest struct {
	SessionID string
	UserID    string
	Message   string
	Options   []string
	Timeout   time.Duration
}

// AskAnswer is the completed payload of an ask invocation.
type AskAnswer struct {
	Message string `json:"message"`
	Answer  string `json:"answer"`
}

// NewAskTool builds the ask builtin on top of an Asker.
func NewAskTool(asker Asker) Tool {
	return Tool{
		Name:        "ask",
		Description: "Ask the user a question and wait for their answer.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message": {"type": "string", "description": "The question to ask."},
				"options": {"type": "array", "items": {"type": "string"}},
				"timeout": {"type": "integer", "minimum": 1, "description": "Timeout in milliseconds."}
			},
			"required": ["message"]
		}`),
		Handler: func(ctx context.Context, ec ExecContext, args map[string]any, next Next) Outcome {
			message, _ := args["message"].(string)
			if message == "" {
				return Failed("message is required")
			}
			req := AskRequest{
				SessionID: ec.SessionID,
				UserID:    ec.UserID,
				Message:   message,
			}
			if raw, ok := args["options"].([]any); ok {
				for _, o := range raw {
					if s, ok := o.(string); ok && s != "" {
						req.Options = append(req.Options, s)
					}
				}
			}
			if ms, ok := argNumber(args, "timeout"); ok && ms > 0 {
				req.Timeout = time.Duration(ms) * time.Millisecond
			}

			answer, err := asker.Ask(ctx, req)
			if err != nil {
				if ctx.Err() != nil {
					return Aborted()
				}
				return Failed("ask failed: %v", err)
			}
			return Completed(&AskAnswer{Message: message, Answer: answer})
		},
	}
}
