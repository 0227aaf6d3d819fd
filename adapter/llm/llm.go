// Package llm provides guard.Provider adapters for LLM vendor SDKs.
//
// Each adapter translates the provider-neutral guard.Request into a vendor
// call and maps the vendor's response (or stream of response fragments)
// back into guard types, carrying the provider-reported token usage the
// budget machinery needs. Adapters hold no budget state; enforcement lives
// entirely in the ledger and session layers.
package llm

import "strings"

// encodingForModel picks the tiktoken encoding for an OpenAI model.
// GPT-4.1, GPT-4o, and the o-series use o200k_base; older GPT-4 and
// GPT-3.5 use cl100k_base.
func encodingForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return "o200k_base"
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return "cl100k_base"
	default:
		return "o200k_base"
	}
}
