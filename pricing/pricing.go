// Package pricing provides static per-model rate tables for LLM API calls.
//
// Rates are loaded from an embedded JSON table (or a caller-supplied file)
// and looked up by (model, tier). The package is pure data access: it never
// performs budget decisions, only answers "what does a token cost".
package pricing

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

//go:embed pricing.json
var defaultPricing []byte

// Tier selects which rate column applies to a call.
type Tier string

const (
	// TierStandard is the default real-time pricing tier.
	TierStandard Tier = "standard"
	// TierBatch is the discounted asynchronous batch tier.
	TierBatch Tier = "batch"
)

// tierRates holds the per-1K-token USD rates for one (model, tier) pair.
type tierRates struct {
	InputPer1K       float64  `json:"input_price_per_1k"`
	CachedInputPer1K *float64 `json:"cached_input_price_per_1k,omitempty"`
	OutputPer1K      float64  `json:"output_price_per_1k"`
}

// modelEntry is the full pricing record for one canonical model.
type modelEntry struct {
	Standard        *tierRates `json:"standard,omitempty"`
	Batch           *tierRates `json:"batch,omitempty"`
	MaxOutputTokens int        `json:"max_output_tokens,omitempty"`
	ContextWindow   int        `json:"context_window,omitempty"`
}

type tableData struct {
	Models  map[string]modelEntry `json:"models"`
	Aliases map[string]string     `json:"model_aliases"`
}

// Table is an immutable pricing lookup for model token rates.
//
// Construct once and share freely; all methods are safe for concurrent use.
//
// Example:
//
//	table, err := pricing.NewTable()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	price, _ := table.InputPrice("gpt-4o-mini", pricing.TierStandard, false)
//	fmt.Printf("$%.5f per 1K input tokens\n", price)
type Table struct {
	models  map[string]modelEntry
	aliases map[string]string
}

// NewTable creates a Table from the embedded default pricing data.
func NewTable() (*Table, error) {
	return parseTable(defaultPricing)
}

// LoadTable creates a Table from a pricing JSON file on disk, for custom
// deployments or negotiated rates.
func LoadTable(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &DataError{Message: fmt.Sprintf("failed to read pricing file %s", path), Err: err}
	}
	return parseTable(raw)
}

func parseTable(raw []byte) (*Table, error) {
	var data tableData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, &DataError{Message: "failed to parse pricing configuration", Err: err}
	}
	if len(data.Models) == 0 {
		return nil, &DataError{Message: "pricing configuration contains no models"}
	}
	if data.Aliases == nil {
		data.Aliases = make(map[string]string)
	}
	return &Table{models: data.Models, aliases: data.Aliases}, nil
}

// Resolve maps a model name or alias to its canonical table entry.
//
// Resolution order: alias map, exact match, then progressive stripping of
// version/date suffixes (gpt-4o-mini-2024-07-18 resolves to gpt-4o-mini).
// Returns *UnknownModelError when no entry matches; callers must decide
// policy themselves, the table never falls back silently.
func (t *Table) Resolve(model string) (string, error) {
	if canonical, ok := t.aliases[model]; ok {
		return canonical, nil
	}
	if _, ok := t.models[model]; ok {
		return model, nil
	}

	parts := strings.Split(model, "-")
	for i := len(parts) - 1; i > 0; i-- {
		candidate := strings.Join(parts[:i], "-")
		if _, ok := t.models[candidate]; ok {
			return candidate, nil
		}
	}

	return "", &UnknownModelError{Model: model, Available: t.Models()}
}

func (t *Table) rates(model string, tier Tier) (*tierRates, string, error) {
	canonical, err := t.Resolve(model)
	if err != nil {
		return nil, "", err
	}
	entry := t.models[canonical]

	var rates *tierRates
	switch tier {
	case TierBatch:
		rates = entry.Batch
	default:
		rates = entry.Standard
	}
	// Missing tier falls back to standard, matching how providers bill
	// calls made without a batch arrangement.
	if rates == nil {
		rates = entry.Standard
	}
	if rates == nil {
		return nil, "", &DataError{Message: fmt.Sprintf("no rates for model %q tier %q", canonical, tier)}
	}
	return rates, canonical, nil
}

// InputPrice returns the USD price per 1,000 input tokens. When cached is
// true and the model publishes a cached-input rate, that rate is returned.
func (t *Table) InputPrice(model string, tier Tier, cached bool) (float64, error) {
	rates, _, err := t.rates(model, tier)
	if err != nil {
		return 0, err
	}
	if cached && rates.CachedInputPer1K != nil {
		return *rates.CachedInputPer1K, nil
	}
	return rates.InputPer1K, nil
}

// OutputPrice returns the USD price per 1,000 output tokens.
func (t *Table) OutputPrice(model string, tier Tier) (float64, error) {
	rates, _, err := t.rates(model, tier)
	if err != nil {
		return 0, err
	}
	return rates.OutputPer1K, nil
}

// MaxOutputTokens returns the model's maximum output tokens, defaulting to
// 4096 for models that do not publish one or are unknown.
func (t *Table) MaxOutputTokens(model string) int {
	canonical, err := t.Resolve(model)
	if err != nil {
		return 4096
	}
	if n := t.models[canonical].MaxOutputTokens; n > 0 {
		return n
	}
	return 4096
}

// ContextWindow returns the model's context window size in tokens,
// defaulting to 128000 for unknown models.
func (t *Table) ContextWindow(model string) int {
	canonical, err := t.Resolve(model)
	if err != nil {
		return 128000
	}
	if n := t.models[canonical].ContextWindow; n > 0 {
		return n
	}
	return 128000
}

// Encoding returns the tiktoken encoding name for a model.
//
// GPT-4.1, GPT-4o, and the o-series use o200k_base; older GPT-4 and
// GPT-3.5 use cl100k_base. Non-OpenAI models default to o200k_base, which
// only matters when a caller counts their tokens with tiktoken anyway.
func (t *Table) Encoding(model string) string {
	canonical, err := t.Resolve(model)
	if err != nil {
		canonical = model
	}
	switch {
	case strings.HasPrefix(canonical, "gpt-4.1"),
		strings.HasPrefix(canonical, "gpt-4o"),
		strings.HasPrefix(canonical, "o1"),
		strings.HasPrefix(canonical, "o3"),
		strings.HasPrefix(canonical, "o4"):
		return "o200k_base"
	case strings.HasPrefix(canonical, "gpt-4"), strings.HasPrefix(canonical, "gpt-3.5"):
		return "cl100k_base"
	default:
		return "o200k_base"
	}
}

// IsReasoningModel reports whether a model bills hidden reasoning tokens
// (the o-series). Estimates for these models need a large safety margin
// because reasoning tokens are charged as output but never returned.
func (t *Table) IsReasoningModel(model string) bool {
	canonical, err := t.Resolve(model)
	if err != nil {
		return false
	}
	return strings.HasPrefix(canonical, "o1") ||
		strings.HasPrefix(canonical, "o3") ||
		strings.HasPrefix(canonical, "o4")
}

// Models returns the sorted canonical model identifiers in the table.
func (t *Table) Models() []string {
	models := make([]string, 0, len(t.models))
	for model := range t.models {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}
