package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider streams completions from the OpenAI Chat Completions API.
// It is safe for concurrent use.
type OpenAIProvider struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	// APIKey authenticates requests (required).
	APIKey string

	// BaseURL overrides the API endpoint, for tests and compatible gateways.
	BaseURL string

	// DefaultModel is used when a request names no model.
	DefaultModel string

	// MaxRetries bounds attempts for transient failures (default 3).
	MaxRetries int

	// RetryDelay is the base backoff delay (default 1s).
	RetryDelay time.Duration
}

// NewOpenAIProvider creates a provider from config.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete opens a streaming chat completion. The OpenAI client reports
// request failures synchronously, so retries with linear backoff happen
// here before the channel is returned.
func (p *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error) {
	model := p.model(req.Model)

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		// The final stream frame then carries token usage.
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		lastErr = p.wrapError(lastErr, model)
		if !IsRetryable(lastErr) {
			return nil, lastErr
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
	}

	chunks := make(chan *Chunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *Chunk, model string) {
	defer close(chunks)
	defer stream.Close()

	var inputTokens int
	var outputTokens int

	for {
		select {
		case <-ctx.Done():
			chunks <- &Chunk{Error: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				chunks <- &Chunk{
					Done:         true,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}
			chunks <- &Chunk{Error: p.wrapError(err, model)}
			return
		}

		// With IncludeUsage set, the last data frame carries usage and an
		// empty choice list.
		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		if text := response.Choices[0].Delta.Content; text != "" {
			chunks <- &Chunk{Text: text}
		}
	}
}

// convertOpenAIMessages maps the transcript to the chat schema. The chat API
// accepts a system role directly, so system entries pass through and the
// coordinator prompt leads the list.
func convertOpenAIMessages(messages []Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case "assistant":
			role = openai.ChatMessageRoleAssistant
		case "system":
			role = openai.ChatMessageRoleSystem
		}
		result = append(result, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}
	return result
}

func (p *OpenAIProvider) model(override string) string {
	if override != "" {
		return override
	}
	return p.defaultModel
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := (&ProviderError{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}).WithStatus(apiErr.HTTPStatusCode).WithMessage(apiErr.Message)

		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		} else if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		if providerErr.Reason == ReasonUnknown {
			providerErr.Reason = ClassifyError(err)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		providerErr := (&ProviderError{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
			Message:  reqErr.Error(),
		}).WithStatus(reqErr.HTTPStatusCode)
		if providerErr.Reason == ReasonUnknown {
			providerErr.Reason = ClassifyError(err)
		}
		return providerErr
	}

	return NewProviderError("openai", model, err)
}
