package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/scttfrdmn/budgetguard/cost"
	"github.com/scttfrdmn/budgetguard/guard"
)

// GeminiProvider adapts Google's Gemini models to guard.Provider.
//
// Wraps the google/generative-ai-go SDK. Gemini reports usage metadata on
// streamed responses incrementally; the adapter tracks the latest counts
// and emits a synthetic terminal event once the iterator is exhausted, so
// the session layer sees one usage-bearing final fragment like every other
// provider.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a Gemini adapter. An empty apiKey falls back
// to GEMINI_API_KEY then GOOGLE_API_KEY; an empty model defaults to
// gemini-2.0-flash.
func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
		if apiKey == "" {
			apiKey = os.Getenv("GOOGLE_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("gemini api key required: provide apiKey or set GEMINI_API_KEY or GOOGLE_API_KEY")
		}
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

// Name returns "gemini".
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Model returns the default model identifier.
func (p *GeminiProvider) Model() string {
	return p.model
}

// CountInputTokens estimates input tokens with the character heuristic.
func (p *GeminiProvider) CountInputTokens(req *guard.Request) (int, error) {
	return cost.CountMessageTokensHeuristic(req.Messages), nil
}

func (p *GeminiProvider) prepare(req *guard.Request) (*genai.GenerativeModel, []*genai.Content, []genai.Part) {
	modelName := req.Model
	if modelName == "" {
		modelName = p.model
	}
	model := p.client.GenerativeModel(modelName)

	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.Temperature != nil {
		model.SetTemperature(float32(*req.Temperature))
	}
	if req.TopP != nil {
		model.SetTopP(float32(*req.TopP))
	}

	// Gemini has no dedicated system field in chat history; system turns
	// go into SystemInstruction. The final user turn is sent separately.
	var history []*genai.Content
	var last []genai.Part
	for i, msg := range req.Messages {
		if msg.Role == "system" {
			model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(msg.Content)}}
			continue
		}
		role := "user"
		if msg.Role != "user" {
			role = "model"
		}
		if i == len(req.Messages)-1 {
			last = []genai.Part{genai.Text(msg.Content)}
			continue
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	return model, history, last
}

func extractGeminiContent(resp *genai.GenerateContentResponse) string {
	var out strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				out.WriteString(string(text))
			}
		}
	}
	return out.String()
}

func geminiUsage(resp *genai.GenerateContentResponse) *guard.Usage {
	if resp.UsageMetadata == nil {
		return nil
	}
	return &guard.Usage{
		InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
		OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
	}
}

// Complete performs a single-shot generation.
func (p *GeminiProvider) Complete(ctx context.Context, req *guard.Request) (*guard.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	model, history, last := p.prepare(req)
	session := model.StartChat()
	session.History = history

	resp, err := session.SendMessage(ctx, last...)
	if err != nil {
		return nil, fmt.Errorf("gemini api error: %w", err)
	}

	out := &guard.Response{
		Model:   req.Model,
		Content: extractGeminiContent(resp),
		Created: time.Now().UTC(),
		Raw:     resp,
	}
	if out.Model == "" {
		out.Model = p.model
	}
	if usage := geminiUsage(resp); usage != nil {
		out.Usage = *usage
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != 0 {
		out.StopReason = resp.Candidates[0].FinishReason.String()
	}
	return out, nil
}

// Stream performs a streaming generation.
func (p *GeminiProvider) Stream(ctx context.Context, req *guard.Request) (guard.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	model, history, last := p.prepare(req)
	session := model.StartChat()
	session.History = history

	return &geminiStream{iter: session.SendMessageStream(ctx, last...)}, nil
}

// Unwrap returns the underlying *genai.Client.
func (p *GeminiProvider) Unwrap() interface{} {
	return p.client
}

// Close releases the underlying client connection.
func (p *GeminiProvider) Close() error {
	return p.client.Close()
}

type geminiStream struct {
	iter      *genai.GenerateContentResponseIterator
	lastUsage *guard.Usage
	done      bool
}

func (s *geminiStream) Recv() (*guard.StreamEvent, error) {
	if s.done {
		return nil, io.EOF
	}

	resp, err := s.iter.Next()
	if errors.Is(err, iterator.Done) {
		s.done = true
		// The iterator is exhausted; surface the accumulated usage as
		// the terminal event so finalization has a single commit point.
		if s.lastUsage != nil {
			return &guard.StreamEvent{Terminal: true, Usage: s.lastUsage}, nil
		}
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("gemini stream error: %w", err)
	}

	if usage := geminiUsage(resp); usage != nil {
		s.lastUsage = usage
	}
	return &guard.StreamEvent{Delta: extractGeminiContent(resp), Raw: resp}, nil
}

func (s *geminiStream) Close() error {
	s.done = true
	return nil
}
