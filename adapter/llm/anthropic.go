package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/scttfrdmn/budgetguard/cost"
	"github.com/scttfrdmn/budgetguard/guard"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider adapts Anthropic's Messages API to guard.Provider.
//
// Talks to the API directly over HTTP with SSE parsing for streams.
// Anthropic's tokenizer is not public, so input tokens are estimated with
// the character heuristic; the exact counts arrive in the response usage.
// In a stream, message_start carries the input token count and the final
// message_delta carries the output count — that delta is the terminal,
// usage-bearing event.
type AnthropicProvider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewAnthropicProvider creates an Anthropic adapter. An empty apiKey falls
// back to the ANTHROPIC_API_KEY environment variable; an empty model
// defaults to claude-3-5-haiku-latest.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &AnthropicProvider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    "https://api.anthropic.com/v1",
		httpClient: &http.Client{},
	}
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Model returns the default model identifier.
func (p *AnthropicProvider) Model() string {
	return p.model
}

// CountInputTokens estimates input tokens with the character heuristic.
func (p *AnthropicProvider) CountInputTokens(req *guard.Request) (int, error) {
	return cost.CountMessageTokensHeuristic(req.Messages), nil
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	System      string             `json:"system,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type    string             `json:"type"`
	Message *anthropicResponse `json:"message,omitempty"`
	Delta   *anthropicDelta    `json:"delta,omitempty"`
	Usage   *anthropicUsage    `json:"usage,omitempty"`
}

type anthropicDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

func (p *AnthropicProvider) buildRequest(req *guard.Request, stream bool) anthropicRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}

	var messages []anthropicMessage
	var system string
	for _, msg := range req.Messages {
		// System prompts travel in a dedicated field.
		if msg.Role == "system" {
			system = msg.Content
			continue
		}
		role := "assistant"
		if msg.Role == "user" {
			role = "user"
		}
		messages = append(messages, anthropicMessage{Role: role, Content: msg.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	return anthropicRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		System:      system,
		Stream:      stream,
	}
}

// Complete performs a single-shot messages call.
func (p *AnthropicProvider) Complete(ctx context.Context, req *guard.Request) (*guard.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	httpResp, err := p.doRequest(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var resp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode anthropic response: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &guard.Response{
		ID:         resp.ID,
		Model:      resp.Model,
		Content:    content.String(),
		StopReason: resp.StopReason,
		Usage: guard.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
		Created: time.Now().UTC(),
		Raw:     &resp,
	}, nil
}

// Stream performs a streaming messages call.
func (p *AnthropicProvider) Stream(ctx context.Context, req *guard.Request) (guard.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	httpResp, err := p.doRequest(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	return &anthropicStream{
		body:    httpResp.Body,
		scanner: bufio.NewScanner(httpResp.Body),
	}, nil
}

// Unwrap returns the underlying *http.Client.
func (p *AnthropicProvider) Unwrap() interface{} {
	return p.httpClient
}

func (p *AnthropicProvider) doRequest(ctx context.Context, req anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/messages", p.baseURL), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("anthropic api error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// anthropicStream parses the Messages API server-sent event stream.
// Input tokens from message_start are held until the message_delta event
// closes the message; that event becomes the terminal usage-bearing one.
type anthropicStream struct {
	body        io.ReadCloser
	scanner     *bufio.Scanner
	inputTokens int
}

func (s *anthropicStream) Recv() (*guard.StreamEvent, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				s.inputTokens = event.Message.Usage.InputTokens
			}
			return &guard.StreamEvent{Raw: &event}, nil
		case "content_block_delta":
			if event.Delta != nil {
				return &guard.StreamEvent{Delta: event.Delta.Text, Raw: &event}, nil
			}
		case "message_delta":
			ev := &guard.StreamEvent{Terminal: true, Raw: &event}
			if event.Usage != nil {
				ev.Usage = &guard.Usage{
					InputTokens:  s.inputTokens,
					OutputTokens: event.Usage.OutputTokens,
				}
			}
			return ev, nil
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *anthropicStream) Close() error {
	return s.body.Close()
}
