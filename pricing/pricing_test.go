package pricing

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	table, err := NewTable()
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	return table
}

func TestResolve(t *testing.T) {
	table := newTestTable(t)

	tests := []struct {
		name  string
		model string
		want  string
	}{
		{"exact match", "gpt-4o-mini", "gpt-4o-mini"},
		{"alias", "claude-3-5-haiku-latest", "claude-3-5-haiku"},
		{"bedrock alias", "anthropic.claude-3-5-sonnet-20241022-v2:0", "claude-3-5-sonnet"},
		{"date suffix stripped", "gpt-4o-mini-2024-07-18", "gpt-4o-mini"},
		{"version suffix stripped", "claude-3-5-sonnet-20241022", "claude-3-5-sonnet"},
		{"o-series suffix stripped", "o3-mini-2025-01-31", "o3-mini"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := table.Resolve(tt.model)
			if err != nil {
				t.Fatalf("Resolve(%q) failed: %v", tt.model, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.model, got, tt.want)
			}
		})
	}
}

func TestResolveUnknownModel(t *testing.T) {
	table := newTestTable(t)

	_, err := table.Resolve("totally-made-up-model")
	var unknown *UnknownModelError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected *UnknownModelError, got %v", err)
	}
	if unknown.Model != "totally-made-up-model" {
		t.Errorf("Model = %q, want the requested name", unknown.Model)
	}
	if len(unknown.Available) == 0 {
		t.Error("expected Available to list known models")
	}
}

func TestInputPriceTiers(t *testing.T) {
	table := newTestTable(t)

	standard, err := table.InputPrice("gpt-4o", TierStandard, false)
	if err != nil {
		t.Fatalf("InputPrice failed: %v", err)
	}
	if standard != 0.0025 {
		t.Errorf("standard input price = %f, want 0.0025", standard)
	}

	batch, err := table.InputPrice("gpt-4o", TierBatch, false)
	if err != nil {
		t.Fatalf("InputPrice batch failed: %v", err)
	}
	if batch != 0.00125 {
		t.Errorf("batch input price = %f, want 0.00125", batch)
	}

	cached, err := table.InputPrice("gpt-4o", TierStandard, true)
	if err != nil {
		t.Fatalf("InputPrice cached failed: %v", err)
	}
	if cached != 0.00125 {
		t.Errorf("cached input price = %f, want 0.00125", cached)
	}
}

func TestCachedPriceFallsBackWhenUnpublished(t *testing.T) {
	table := newTestTable(t)

	// claude-3-haiku has no cached rate; cached lookups return the
	// regular rate.
	price, err := table.InputPrice("claude-3-haiku", TierStandard, true)
	if err != nil {
		t.Fatalf("InputPrice failed: %v", err)
	}
	if price != 0.00025 {
		t.Errorf("price = %f, want 0.00025", price)
	}
}

func TestOutputPrice(t *testing.T) {
	table := newTestTable(t)

	price, err := table.OutputPrice("claude-3-5-sonnet", TierStandard)
	if err != nil {
		t.Fatalf("OutputPrice failed: %v", err)
	}
	if price != 0.015 {
		t.Errorf("output price = %f, want 0.015", price)
	}

	if _, err := table.OutputPrice("nope", TierStandard); err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestModelLimits(t *testing.T) {
	table := newTestTable(t)

	if got := table.MaxOutputTokens("gpt-4o"); got != 16384 {
		t.Errorf("MaxOutputTokens(gpt-4o) = %d, want 16384", got)
	}
	if got := table.MaxOutputTokens("unknown-model"); got != 4096 {
		t.Errorf("MaxOutputTokens default = %d, want 4096", got)
	}
	if got := table.ContextWindow("gemini-1.5-pro"); got != 2097152 {
		t.Errorf("ContextWindow(gemini-1.5-pro) = %d, want 2097152", got)
	}
	if got := table.ContextWindow("unknown-model"); got != 128000 {
		t.Errorf("ContextWindow default = %d, want 128000", got)
	}
}

func TestEncoding(t *testing.T) {
	table := newTestTable(t)

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "o200k_base"},
		{"gpt-4.1", "o200k_base"},
		{"o3-mini", "o200k_base"},
		{"gpt-4-turbo", "cl100k_base"},
		{"gpt-3.5-turbo", "cl100k_base"},
		{"claude-3-5-sonnet", "o200k_base"},
	}
	for _, tt := range tests {
		if got := table.Encoding(tt.model); got != tt.want {
			t.Errorf("Encoding(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestIsReasoningModel(t *testing.T) {
	table := newTestTable(t)

	reasoning := []string{"o1", "o3", "o3-mini", "o4-mini", "o3-mini-2025-01-31"}
	for _, model := range reasoning {
		if !table.IsReasoningModel(model) {
			t.Errorf("IsReasoningModel(%q) = false, want true", model)
		}
	}
	conversational := []string{"gpt-4o", "claude-3-5-sonnet", "gemini-2.0-flash", "unknown"}
	for _, model := range conversational {
		if table.IsReasoningModel(model) {
			t.Errorf("IsReasoningModel(%q) = true, want false", model)
		}
	}
}

func TestLoadTableFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.json")
	custom := `{
		"models": {
			"my-model": {
				"standard": {"input_price_per_1k": 0.001, "output_price_per_1k": 0.002}
			}
		}
	}`
	if err := os.WriteFile(path, []byte(custom), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	table, err := LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}
	price, err := table.InputPrice("my-model", TierStandard, false)
	if err != nil {
		t.Fatalf("InputPrice failed: %v", err)
	}
	if price != 0.001 {
		t.Errorf("price = %f, want 0.001", price)
	}

	// Batch falls back to standard when the custom file omits it.
	batch, err := table.InputPrice("my-model", TierBatch, false)
	if err != nil {
		t.Fatalf("InputPrice batch failed: %v", err)
	}
	if batch != 0.001 {
		t.Errorf("batch fallback price = %f, want 0.001", batch)
	}
}

func TestLoadTableErrors(t *testing.T) {
	var dataErr *DataError

	_, err := LoadTable("/no/such/file.json")
	if !errors.As(err, &dataErr) {
		t.Fatalf("expected *DataError for missing file, got %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_, err = LoadTable(path)
	if !errors.As(err, &dataErr) {
		t.Fatalf("expected *DataError for malformed JSON, got %v", err)
	}

	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, []byte(`{"models": {}}`), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_, err = LoadTable(empty)
	if !errors.As(err, &dataErr) {
		t.Fatalf("expected *DataError for empty model table, got %v", err)
	}
}

func TestModelsSorted(t *testing.T) {
	table := newTestTable(t)

	models := table.Models()
	if len(models) == 0 {
		t.Fatal("expected models")
	}
	for i := 1; i < len(models); i++ {
		if models[i-1] >= models[i] {
			t.Fatalf("models not sorted: %q before %q", models[i-1], models[i])
		}
	}
}
