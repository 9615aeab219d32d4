// Package providers streams model completions for the turn pipeline.
//
// Each provider adapts the session transcript to its vendor SDK, opens a
// streaming request with retries, and forwards text deltas over a channel.
// Failures are wrapped in ProviderError so callers can classify them, and
// FriendlyMessage renders the sentence a participant sees in place of the
// raw provider error.
package providers

import "context"

// LLMProvider is the contract a model backend satisfies.
// Implementations must be safe for concurrent use.
type LLMProvider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Complete opens a streaming completion. The returned channel carries
	// text deltas and closes after a terminal chunk: Done on success, Error
	// otherwise. Complete itself returns an error only when the request
	// could not be started.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error)
}

// CompletionRequest is a fully composed prompt for one model turn.
type CompletionRequest struct {
	// Model overrides the provider's default model when set.
	Model string `json:"model,omitempty"`

	// System carries the coordinator system prompt. Providers place it
	// wherever their API expects system instructions.
	System string `json:"system,omitempty"`

	// Messages is the transcript, oldest first.
	Messages []Message `json:"messages"`

	// MaxTokens caps the response length. Zero means the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Message is one transcript entry. Role is "user", "assistant" or "system".
// Interactions travel inside message text, so there is no separate
// tool-call surface here.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk is one streamed piece of a completion.
type Chunk struct {
	// Text is a partial response delta.
	Text string `json:"text,omitempty"`

	// Done marks the final chunk of a successful stream. Token counts are
	// populated only here.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream. No Done chunk follows it.
	Error error `json:"-"`

	// InputTokens and OutputTokens report usage for the whole request.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

const defaultMaxTokens = 4096

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return defaultMaxTokens
	}
	return n
}
