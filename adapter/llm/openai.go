package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/scttfrdmn/budgetguard/cost"
	"github.com/scttfrdmn/budgetguard/guard"
)

// OpenAIProvider adapts OpenAI's chat completions API to guard.Provider.
//
// Wraps the go-openai SDK. Input tokens are counted exactly with the
// model's tiktoken encoding; streamed calls always request usage on the
// final chunk (stream_options.include_usage) so the terminal event carries
// the billing truth.
//
// Example:
//
//	provider := llm.NewOpenAIProvider("sk-...", "gpt-4o-mini")
//	resp, err := session.Complete(ctx, provider, &guard.Request{
//	    Model:    "gpt-4o-mini",
//	    Messages: []guard.Message{guard.NewMessage("user", "Hello!")},
//	})
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates an OpenAI adapter. An empty apiKey falls back
// to the OPENAI_API_KEY environment variable; an empty model defaults to
// gpt-4o-mini.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Model returns the default model identifier.
func (p *OpenAIProvider) Model() string {
	return p.model
}

// CountInputTokens counts the request's input tokens with the model's
// tiktoken encoding, falling back to the character heuristic if the
// encoding cannot be loaded.
func (p *OpenAIProvider) CountInputTokens(req *guard.Request) (int, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	counter, err := cost.NewTiktokenCounter(encodingForModel(model))
	if err != nil {
		return cost.CountMessageTokensHeuristic(req.Messages), nil
	}
	return cost.CountMessageTokens(req.Messages, counter), nil
}

func (p *OpenAIProvider) buildRequest(req *guard.Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := msg.Role
		switch role {
		case "system", "user", "tool", "assistant":
		default:
			role = "assistant"
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
			Name:    msg.Name,
		})
	}

	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	if stop, ok := req.Extra["stop"].([]string); ok {
		out.Stop = stop
	}
	return out
}

// Complete performs a single-shot chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req *guard.Request) (*guard.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}

	return &guard.Response{
		ID:         resp.ID,
		Model:      resp.Model,
		Content:    resp.Choices[0].Message.Content,
		StopReason: string(resp.Choices[0].FinishReason),
		Usage: guard.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		Created: time.Unix(resp.Created, 0).UTC(),
		Raw:     &resp,
	}, nil
}

// Stream performs a streaming chat completion. Usage reporting on the
// final chunk is always requested, even when the caller did not ask for
// it, because without it the call's actual cost is unknowable.
func (p *OpenAIProvider) Stream(ctx context.Context, req *guard.Request) (guard.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	openaiReq := p.buildRequest(req)
	openaiReq.Stream = true
	openaiReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, openaiReq)
	if err != nil {
		return nil, fmt.Errorf("openai stream error: %w", err)
	}
	return &openaiStream{stream: stream}, nil
}

// Unwrap returns the underlying *openai.Client.
func (p *OpenAIProvider) Unwrap() interface{} {
	return p.client
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openaiStream) Recv() (*guard.StreamEvent, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		// io.EOF passes through unchanged as the end-of-stream marker.
		return nil, err
	}
	return mapOpenAIChunk(&resp), nil
}

// mapOpenAIChunk translates one SDK stream chunk into a neutral event.
// The usage-bearing chunk (requested via stream_options.include_usage) is
// the terminal event.
func mapOpenAIChunk(resp *openai.ChatCompletionStreamResponse) *guard.StreamEvent {
	ev := &guard.StreamEvent{Raw: resp}
	if len(resp.Choices) > 0 {
		ev.Delta = resp.Choices[0].Delta.Content
	}
	if resp.Usage != nil {
		ev.Terminal = true
		ev.Usage = &guard.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return ev
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}
