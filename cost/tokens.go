package cost

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/scttfrdmn/budgetguard/guard"
)

// Conservative estimate for text without an exact tokenizer: ~4 characters
// per token for English.
const charsPerToken = 4

// Per-message formatting overhead for OpenAI-style chat requests
// (<|start|>role/content<|end|> markers).
const (
	tokensPerMessage = 3
	tokensPerName    = 1
	// Every reply is primed with <|start|>assistant<|message|>.
	replyPrimingTokens = 3
)

// Overhead per message when counting heuristically for providers whose
// tokenizers are not public (role labels, separators).
const heuristicTokensPerMessage = 4

// TiktokenCounter counts tokens with an exact tiktoken encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter creates a counter for a tiktoken encoding name such as
// "o200k_base" or "cl100k_base".
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %q: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

// CountTokens returns the exact token count for text under this encoding.
func (c *TiktokenCounter) CountTokens(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// HeuristicCounter approximates tokens as len(text)/4, never less than 1
// for non-empty text. Deliberately conservative rather than accurate: a
// slight over-count keeps reservations from systematically undershooting.
type HeuristicCounter struct{}

// CountTokens returns the approximate token count for text.
func (HeuristicCounter) CountTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / charsPerToken
	if n < 1 {
		n = 1
	}
	return n
}

// CountMessageTokens counts the input tokens for an OpenAI-style chat
// request, including the per-message formatting overhead and the reply
// priming tokens the API bills for.
func CountMessageTokens(messages []guard.Message, counter guard.TokenEstimator) int {
	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += counter.CountTokens(msg.Content)
		if msg.Name != "" {
			total += counter.CountTokens(msg.Name) + tokensPerName
		}
	}
	return total + replyPrimingTokens
}

// CountMessageTokensHeuristic counts input tokens for providers without a
// public tokenizer, using the character heuristic plus a fixed per-message
// overhead.
func CountMessageTokensHeuristic(messages []guard.Message) int {
	counter := HeuristicCounter{}
	total := 0
	for _, msg := range messages {
		total += heuristicTokensPerMessage
		total += counter.CountTokens(msg.Content)
	}
	return total
}

// encodingCache memoizes tiktoken counters per encoding name; loading an
// encoding's BPE ranks is expensive.
type encodingCache struct {
	mu       sync.Mutex
	counters map[string]guard.TokenEstimator
}

func newEncodingCache() *encodingCache {
	return &encodingCache{counters: make(map[string]guard.TokenEstimator)}
}

// counterFor returns a counter for the encoding, falling back to the
// character heuristic when the encoding cannot be loaded. The fallback is
// cached too so a broken encoding is not retried on every call.
func (c *encodingCache) counterFor(encoding string) guard.TokenEstimator {
	c.mu.Lock()
	defer c.mu.Unlock()

	if counter, ok := c.counters[encoding]; ok {
		return counter
	}

	var counter guard.TokenEstimator
	if tk, err := NewTiktokenCounter(encoding); err == nil {
		counter = tk
	} else {
		counter = HeuristicCounter{}
	}
	c.counters[encoding] = counter
	return counter
}
