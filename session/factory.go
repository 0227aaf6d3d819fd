package session

import (
	"context"

	"github.com/scttfrdmn/budgetguard/adapter/llm"
	"github.com/scttfrdmn/budgetguard/guard"
	"github.com/scttfrdmn/budgetguard/ledger"
)

// Bound pairs a session with a single provider for the common case of
// guarding one vendor.
//
// Example:
//
//	bound, err := session.OpenAI(session.Config{BudgetUSD: 5.00}, "", "gpt-4o-mini")
//	resp, err := bound.Complete(ctx, req)
type Bound struct {
	*BudgetedSession
	provider guard.Provider
}

// NewBound binds a session to a provider.
func NewBound(sess *BudgetedSession, provider guard.Provider) *Bound {
	return &Bound{BudgetedSession: sess, provider: provider}
}

// Provider returns the bound provider.
func (b *Bound) Provider() guard.Provider {
	return b.provider
}

// Complete runs a guarded completion against the bound provider.
func (b *Bound) Complete(ctx context.Context, req *guard.Request) (*guard.Response, error) {
	return b.BudgetedSession.Complete(ctx, b.provider, req)
}

// Stream runs a guarded streaming completion against the bound provider.
func (b *Bound) Stream(ctx context.Context, req *guard.Request) (*GuardedStream, error) {
	return b.BudgetedSession.Stream(ctx, b.provider, req)
}

// OpenAI creates a session bound to an OpenAI provider. An empty apiKey
// falls back to OPENAI_API_KEY; an empty model uses the provider default.
func OpenAI(cfg Config, apiKey, model string) (*Bound, error) {
	sess, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return NewBound(sess, llm.NewOpenAIProvider(apiKey, model)), nil
}

// Anthropic creates a session bound to an Anthropic provider.
func Anthropic(cfg Config, apiKey, model string) (*Bound, error) {
	sess, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return NewBound(sess, llm.NewAnthropicProvider(apiKey, model)), nil
}

// Gemini creates a session bound to a Gemini provider.
func Gemini(ctx context.Context, cfg Config, apiKey, model string) (*Bound, error) {
	sess, err := New(cfg)
	if err != nil {
		return nil, err
	}
	provider, err := llm.NewGeminiProvider(ctx, apiKey, model)
	if err != nil {
		return nil, err
	}
	return NewBound(sess, provider), nil
}

// Bedrock creates a session bound to an AWS Bedrock provider.
func Bedrock(ctx context.Context, cfg Config, bedrockCfg llm.BedrockConfig) (*Bound, error) {
	sess, err := New(cfg)
	if err != nil {
		return nil, err
	}
	provider, err := llm.NewBedrockProvider(ctx, bedrockCfg)
	if err != nil {
		return nil, err
	}
	return NewBound(sess, provider), nil
}

// Ledger exposes the underlying ledger for advanced integrations, e.g.
// sharing one budget across several sessions' providers.
func (s *BudgetedSession) Ledger() *ledger.Ledger {
	return s.ledger
}
