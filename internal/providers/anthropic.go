package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// maxEmptyStreamEvents bounds how many consecutive events may carry nothing
// usable before the stream is declared malformed.
const maxEmptyStreamEvents = 300

// AnthropicProvider streams completions from the Anthropic Messages API.
// It is safe for concurrent use.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey authenticates requests (required).
	APIKey string

	// BaseURL overrides the default API base URL, for tests and proxies.
	BaseURL string

	// DefaultModel is used when a request names no model.
	DefaultModel string

	// MaxRetries bounds attempts for transient failures (default 3).
	MaxRetries int

	// RetryDelay is the base backoff delay (default 1s).
	RetryDelay time.Duration
}

// NewAnthropicProvider creates a provider from config.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}

	// Retries are handled here, not in the SDK, so backoff and attempt
	// counts stay under one roof.
	options := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete opens a streaming completion against the Messages API. Transient
// failures while opening the stream are retried with exponential backoff.
func (p *AnthropicProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error) {
	chunks := make(chan *Chunk)
	model := p.model(req.Model)

	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream = p.createStream(ctx, req, model)
			// The SDK surfaces request failures through the stream rather
			// than a return value.
			err = stream.Err()
			if err == nil {
				break
			}

			wrapped := p.wrapError(err, model)
			if !IsRetryable(wrapped) {
				chunks <- &Chunk{Error: wrapped}
				return
			}

			if attempt < p.maxRetries {
				backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
				select {
				case <-ctx.Done():
					chunks <- &Chunk{Error: ctx.Err()}
					return
				case <-time.After(backoff):
				}
			}
		}
		if err != nil {
			chunks <- &Chunk{Error: fmt.Errorf("anthropic: max retries exceeded: %w", p.wrapError(err, model))}
			return
		}

		p.processStream(stream, chunks, model)
	}()

	return chunks, nil
}

func (p *AnthropicProvider) createStream(ctx context.Context, req *CompletionRequest, model string) *ssestream.Stream[anthropic.MessageStreamEventUnion] {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  convertAnthropicMessages(req.Messages),
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.System,
			},
		}
	}
	return p.client.Messages.NewStreaming(ctx, params)
}

// convertAnthropicMessages maps the transcript to the Messages API schema.
// The API accepts only user and assistant roles, so system entries (prompt
// responses, question answers) become user turns, and adjacent same-role
// entries merge into one multi-block message.
func convertAnthropicMessages(messages []Message) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if msg.Role == "assistant" {
			role = anthropic.MessageParamRoleAssistant
		}

		block := anthropic.NewTextBlock(msg.Content)
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, block)
			continue
		}
		result = append(result, anthropic.MessageParam{
			Role:    role,
			Content: []anthropic.ContentBlockParamUnion{block},
		})
	}
	return result
}

// processStream forwards Messages API events as chunks until the stream
// terminates. Exactly one terminal chunk is sent.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *Chunk, model string) {
	var inputTokens int
	var outputTokens int
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				inputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start", "content_block_stop":
			processed = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				chunks <- &Chunk{Text: delta.Text}
				processed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			chunks <- &Chunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return

		case "error":
			chunks <- &Chunk{Error: p.wrapError(errors.New("anthropic stream error"), model)}
			return
		}

		// Malformed stream protection.
		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- &Chunk{Error: p.wrapError(
					fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEvents),
					model,
				)}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &Chunk{Error: p.wrapError(err, model)}
		return
	}

	// The stream ended without message_stop; report success anyway so the
	// consumer always sees a terminal chunk.
	chunks <- &Chunk{
		Done:         true,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}
}

func (p *AnthropicProvider) model(override string) string {
	if override != "" {
		return override
	}
	return p.defaultModel
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := (&ProviderError{
			Provider: "anthropic",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}).WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message != "" {
			providerErr = providerErr.WithMessage(message)
		} else if providerErr.Message == "" {
			providerErr.Message = "anthropic request failed"
		}
		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError("anthropic", model, err)
}
