// Package guard provides the core types and interfaces for budgetguard.
//
// The types here form the boundary between the budget machinery (ledger,
// estimator, session orchestrator) and the provider adapters that translate
// them to and from vendor SDK shapes.
package guard

import (
	"context"
	"fmt"
	"time"
)

// Message is a single turn in a conversation, in provider-neutral form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Name is an optional participant name (OpenAI function/tool roles).
	Name string `json:"name,omitempty"`
}

// NewMessage creates a message with the given role and content.
func NewMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}

// Request is a provider-neutral chat completion request.
//
// Adapters map it onto the vendor SDK's call signature. MaxTokens doubles
// as the conservative output-token bound used for pre-call cost estimation,
// so setting it keeps reservations tight.
type Request struct {
	Model    string
	Messages []Message

	// MaxTokens caps generated output. Zero means provider default.
	MaxTokens   int
	Temperature *float64
	TopP        *float64

	// Extra carries provider-specific options that have no neutral form.
	Extra map[string]interface{}
}

// Validate checks the request has the minimum fields adapters require.
// Model may be empty; adapters and sessions fall back to the provider's
// default model.
func (r *Request) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("request must contain at least one message")
	}
	for i, msg := range r.Messages {
		if msg.Role == "" {
			return fmt.Errorf("message %d: role cannot be empty", i)
		}
	}
	return nil
}

// Usage holds the token counts a provider reports for a completed call.
// These are the billing truth: actual cost is always computed from Usage,
// never from the pre-call estimate.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Response is a provider-neutral completion response.
type Response struct {
	ID         string
	Model      string
	Content    string
	StopReason string
	Usage      Usage
	Created    time.Time

	// Raw is the vendor SDK's native response object, surfaced unchanged
	// so the budget wrapper stays transparent to callers that need it.
	Raw interface{}
}

// StreamEvent is one fragment of a streamed response.
//
// Exactly one event in a well-formed stream is terminal: it carries the
// final Usage from which actual cost is computed. Until that event is
// observed the call's cost is unknowable and its reservation stays open.
type StreamEvent struct {
	// Delta is the incremental text in this fragment, possibly empty.
	Delta string

	// Terminal marks the usage-bearing final event.
	Terminal bool

	// Usage is set only on the terminal event.
	Usage *Usage

	// Raw is the vendor's native chunk/event object, unchanged.
	Raw interface{}
}

// Stream is a lazy sequence of response fragments from a provider.
//
// Recv returns io.EOF after the last event. Callers that stop consuming
// early must call Close so the adapter can release the underlying
// connection; the session layer additionally resolves the budget
// reservation on either path.
type Stream interface {
	Recv() (*StreamEvent, error)
	Close() error
}

// Provider is the adapter boundary: one implementation per vendor SDK.
//
// A Provider translates the neutral Request into a vendor call and back,
// and supplies the pre-call token count the cost estimator needs. It holds
// no budget state; all enforcement lives in the ledger and session layers.
type Provider interface {
	// Name identifies the provider ("openai", "anthropic", ...).
	Name() string

	// Model returns the default model identifier for this instance,
	// used when a Request leaves Model empty.
	Model() string

	// CountInputTokens estimates the input token count for a request
	// before it is sent. Adapters use exact tokenizers where available
	// and conservative character heuristics otherwise.
	CountInputTokens(req *Request) (int, error)

	// Complete performs a single-shot call. The returned Response carries
	// the provider-reported Usage.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream performs a streaming call. The returned Stream's terminal
	// event carries final Usage.
	Stream(ctx context.Context, req *Request) (Stream, error)

	// Unwrap returns the underlying vendor client for advanced features.
	// Using it breaks provider portability.
	Unwrap() interface{}
}

// TokenEstimator counts tokens for text content. It exists so the cost
// package can swap tokenization strategies (tiktoken encodings, character
// heuristics) without the domain types depending on either.
type TokenEstimator interface {
	CountTokens(text string) int
}
