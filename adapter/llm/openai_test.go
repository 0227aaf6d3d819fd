package llm

import (
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/scttfrdmn/budgetguard/guard"
)

func TestOpenAIBuildRequest(t *testing.T) {
	p := NewOpenAIProvider("k", "gpt-4o-mini")

	temp := 0.2
	req := &guard.Request{
		Messages: []guard.Message{
			guard.NewMessage("system", "be brief"),
			{Role: "user", Content: "hi", Name: "alice"},
			guard.NewMessage("weird-role", "x"),
		},
		MaxTokens:   256,
		Temperature: &temp,
		Extra:       map[string]interface{}{"stop": []string{"END"}},
	}

	built := p.buildRequest(req)
	if built.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q, want provider default", built.Model)
	}
	if len(built.Messages) != 3 {
		t.Fatalf("Messages = %d, want 3", len(built.Messages))
	}
	if built.Messages[1].Name != "alice" {
		t.Errorf("Name = %q, want alice", built.Messages[1].Name)
	}
	// Unknown roles normalize to assistant rather than failing the call.
	if built.Messages[2].Role != "assistant" {
		t.Errorf("unknown role mapped to %q, want assistant", built.Messages[2].Role)
	}
	if built.MaxTokens != 256 {
		t.Errorf("MaxTokens = %d, want 256", built.MaxTokens)
	}
	if built.Temperature != 0.2 {
		t.Errorf("Temperature = %f, want 0.2", built.Temperature)
	}
	if len(built.Stop) != 1 || built.Stop[0] != "END" {
		t.Errorf("Stop = %v, want [END]", built.Stop)
	}

	// Request model overrides the provider default.
	built = p.buildRequest(&guard.Request{Model: "gpt-4o", Messages: req.Messages})
	if built.Model != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", built.Model)
	}
}

func TestOpenAICountInputTokens(t *testing.T) {
	p := NewOpenAIProvider("k", "gpt-4o-mini")

	req := &guard.Request{
		Messages: []guard.Message{guard.NewMessage("user", "Hello, world!")},
	}
	n, err := p.CountInputTokens(req)
	if err != nil {
		t.Fatalf("CountInputTokens failed: %v", err)
	}
	// Exact counts depend on whether the tiktoken ranks loaded, but any
	// path must include per-message overhead beyond the raw text.
	if n < 4 {
		t.Errorf("CountInputTokens = %d, want at least overhead tokens", n)
	}
}

func TestEncodingForModel(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o-mini", "o200k_base"},
		{"gpt-4.1", "o200k_base"},
		{"o1-preview", "o200k_base"},
		{"o4-mini", "o200k_base"},
		{"gpt-4-turbo", "cl100k_base"},
		{"gpt-3.5-turbo", "cl100k_base"},
		{"mystery", "o200k_base"},
	}
	for _, tt := range tests {
		if got := encodingForModel(tt.model); got != tt.want {
			t.Errorf("encodingForModel(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestOpenAIStreamEventMapping(t *testing.T) {
	delta := openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{
			{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "chunk"}},
		},
	}
	usage := openai.ChatCompletionStreamResponse{
		Usage: &openai.Usage{PromptTokens: 10, CompletionTokens: 20},
	}

	ev := mapOpenAIChunk(&delta)
	if ev.Delta != "chunk" || ev.Terminal {
		t.Errorf("delta chunk mapped to %+v", ev)
	}

	ev = mapOpenAIChunk(&usage)
	if !ev.Terminal {
		t.Fatal("usage-bearing chunk not marked terminal")
	}
	if ev.Usage.InputTokens != 10 || ev.Usage.OutputTokens != 20 {
		t.Errorf("Usage = %+v, want 10/20", ev.Usage)
	}
}
