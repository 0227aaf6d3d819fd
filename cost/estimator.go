// Package cost computes pre-call cost estimates and post-call actual costs
// for LLM API requests, backed by a pricing.Table.
//
// The Estimator is deliberately conservative: output tokens are assumed at
// the request's cap when one is given, otherwise at a documented bound,
// and reasoning models get a large safety multiplier for their hidden
// reasoning tokens. A high estimate only holds budget temporarily; a low
// one lets concurrent callers jointly overshoot the ceiling.
package cost

import (
	"github.com/scttfrdmn/budgetguard/guard"
	"github.com/scttfrdmn/budgetguard/pricing"
)

// Safety multiplier for o-series reasoning models: hidden reasoning tokens
// are billed as output but never returned, commonly several times the
// visible completion.
const reasoningOutputMultiplier = 4

// Minimum assumed output tokens when a request sets no cap.
const defaultAssumedOutputFloor = 1024

// Estimator produces pre-call cost estimates from a pricing table.
//
// Example:
//
//	table, _ := pricing.NewTable()
//	est := cost.NewEstimator(table)
//	amount, err := est.EstimateChat("gpt-4o-mini", messages, 512, pricing.TierStandard)
type Estimator struct {
	table     *pricing.Table
	encodings *encodingCache

	// tokenizer, when set, overrides encoding-based counting entirely.
	tokenizer guard.TokenEstimator
}

// EstimatorOption configures an Estimator.
type EstimatorOption func(*Estimator)

// WithTokenEstimator forces all token counting through the given counter
// instead of resolving a tiktoken encoding per model. Used for custom
// tokenizers and in tests.
func WithTokenEstimator(te guard.TokenEstimator) EstimatorOption {
	return func(e *Estimator) {
		e.tokenizer = te
	}
}

// NewEstimator creates an Estimator backed by the given pricing table.
func NewEstimator(table *pricing.Table, opts ...EstimatorOption) *Estimator {
	e := &Estimator{
		table:     table,
		encodings: newEncodingCache(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Estimate computes the cost for explicit token counts. Pure arithmetic:
// inputTokens at the model's input rate plus assumedOutputTokens at the
// output rate. Returns *pricing.UnknownModelError for unpriceable models.
func (e *Estimator) Estimate(model string, tier pricing.Tier, inputTokens, assumedOutputTokens int) (float64, error) {
	inputPrice, err := e.table.InputPrice(model, tier, false)
	if err != nil {
		return 0, err
	}
	outputPrice, err := e.table.OutputPrice(model, tier)
	if err != nil {
		return 0, err
	}

	return float64(inputTokens)/1000.0*inputPrice + float64(assumedOutputTokens)/1000.0*outputPrice, nil
}

// AssumedOutputTokens returns the conservative output-token bound used when
// estimating: the request's cap when given, otherwise at least 1024 or half
// the input (whichever is larger) capped at the model's published maximum.
// Reasoning models get a 4x multiplier on top for hidden reasoning tokens.
func (e *Estimator) AssumedOutputTokens(model string, inputTokens, maxTokens int) int {
	assumed := maxTokens
	if assumed <= 0 {
		assumed = inputTokens / 2
		if assumed < defaultAssumedOutputFloor {
			assumed = defaultAssumedOutputFloor
		}
		if cap := e.table.MaxOutputTokens(model); assumed > cap {
			assumed = cap
		}
	}

	if e.table.IsReasoningModel(model) {
		assumed *= reasoningOutputMultiplier
	}
	return assumed
}

// CountInputTokens counts input tokens for a chat request using the
// model's tiktoken encoding where available, falling back to the character
// heuristic.
func (e *Estimator) CountInputTokens(model string, messages []guard.Message) int {
	counter := e.tokenizer
	if counter == nil {
		counter = e.encodings.counterFor(e.table.Encoding(model))
	}
	return CountMessageTokens(messages, counter)
}

// EstimateChat estimates the cost of a chat completion before it is made.
// maxTokens of zero means the request set no output cap.
func (e *Estimator) EstimateChat(model string, messages []guard.Message, maxTokens int, tier pricing.Tier) (float64, error) {
	inputTokens := e.CountInputTokens(model, messages)
	outputTokens := e.AssumedOutputTokens(model, inputTokens, maxTokens)
	return e.Estimate(model, tier, inputTokens, outputTokens)
}

// Breakdown itemizes an estimate for debugging and cost previews.
type Breakdown struct {
	Model            string       `json:"model"`
	Tier             pricing.Tier `json:"tier"`
	InputTokens      int          `json:"input_tokens"`
	OutputTokens     int          `json:"output_tokens"`
	InputCost        float64      `json:"input_cost"`
	OutputCost       float64      `json:"output_cost"`
	TotalCost        float64      `json:"total_cost"`
	InputPricePer1K  float64      `json:"input_price_per_1k"`
	OutputPricePer1K float64      `json:"output_price_per_1k"`
	IsReasoningModel bool         `json:"is_reasoning_model"`
}

// EstimateChatWithBreakdown is EstimateChat with the itemized numbers.
func (e *Estimator) EstimateChatWithBreakdown(model string, messages []guard.Message, maxTokens int, tier pricing.Tier) (*Breakdown, error) {
	inputTokens := e.CountInputTokens(model, messages)
	outputTokens := e.AssumedOutputTokens(model, inputTokens, maxTokens)

	inputPrice, err := e.table.InputPrice(model, tier, false)
	if err != nil {
		return nil, err
	}
	outputPrice, err := e.table.OutputPrice(model, tier)
	if err != nil {
		return nil, err
	}

	inputCost := float64(inputTokens) / 1000.0 * inputPrice
	outputCost := float64(outputTokens) / 1000.0 * outputPrice

	return &Breakdown{
		Model:            model,
		Tier:             tier,
		InputTokens:      inputTokens,
		OutputTokens:     outputTokens,
		InputCost:        inputCost,
		OutputCost:       outputCost,
		TotalCost:        inputCost + outputCost,
		InputPricePer1K:  inputPrice,
		OutputPricePer1K: outputPrice,
		IsReasoningModel: e.table.IsReasoningModel(model),
	}, nil
}
