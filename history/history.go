// Package history records settled LLM spend for later analysis.
//
// Each guarded call that settles against the ledger produces one Record.
// Records flow into a Storage backend (in-memory by default, Redis for
// deployments that need persistence) and a Tracker answers aggregate
// questions over them: total spend, per-model breakdown, statistics.
package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record is a single settled LLM call.
//
// Fields:
//   - SessionID: Session identifier
//   - Provider: Provider name ("openai", "anthropic", ...)
//   - Model: Model identifier
//   - InputTokens: Number of input tokens
//   - OutputTokens: Number of output tokens
//   - EstimatedCost: Pre-call reservation amount ($)
//   - ActualCost: Settled cost from reported usage ($)
//   - Timestamp: When the call settled
//   - Metadata: Additional metadata
type Record struct {
	SessionID     string                 `json:"session_id"`
	Provider      string                 `json:"provider"`
	Model         string                 `json:"model"`
	InputTokens   int                    `json:"input_tokens"`
	OutputTokens  int                    `json:"output_tokens"`
	EstimatedCost float64                `json:"estimated_cost"`
	ActualCost    float64                `json:"actual_cost"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// ToMap converts the record to a map for serialization.
func (r *Record) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"session_id":     r.SessionID,
		"provider":       r.Provider,
		"model":          r.Model,
		"input_tokens":   r.InputTokens,
		"output_tokens":  r.OutputTokens,
		"estimated_cost": r.EstimatedCost,
		"actual_cost":    r.ActualCost,
		"timestamp":      r.Timestamp.Format(time.RFC3339),
		"metadata":       r.Metadata,
	}
}

// Storage is the interface for spend record backends.
type Storage interface {
	// Store saves a spend record.
	Store(ctx context.Context, rec *Record) error

	// Query retrieves records matching the criteria. Empty filters match
	// everything; nil times leave that bound open.
	Query(ctx context.Context, sessionID, model string, startTime, endTime *time.Time) ([]*Record, error)
}

// MemoryStorage provides in-memory storage for spend records.
type MemoryStorage struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make([]*Record, 0),
	}
}

// Store saves a spend record in memory.
func (s *MemoryStorage) Store(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	return nil
}

// Query retrieves records from memory matching the criteria.
func (s *MemoryStorage) Query(ctx context.Context, sessionID, model string, startTime, endTime *time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*Record, 0)
	for _, rec := range s.records {
		if sessionID != "" && rec.SessionID != sessionID {
			continue
		}
		if model != "" && rec.Model != model {
			continue
		}
		if startTime != nil && rec.Timestamp.Before(*startTime) {
			continue
		}
		if endTime != nil && rec.Timestamp.After(*endTime) {
			continue
		}
		results = append(results, rec)
	}
	return results, nil
}

// Tracker aggregates spend records from a Storage backend.
//
// Example:
//
//	tracker := NewTracker(nil)
//	_ = tracker.Record(ctx, &Record{
//	    SessionID: "user-123", Provider: "openai", Model: "gpt-4o-mini",
//	    InputTokens: 1000, OutputTokens: 500, ActualCost: 0.0045,
//	})
//	total, _ := tracker.Total(ctx, "user-123", nil, nil)
//	fmt.Printf("Session spend: $%.4f\n", total)
type Tracker struct {
	storage Storage
}

// NewTracker creates a spend tracker. A nil storage uses in-memory.
func NewTracker(storage Storage) *Tracker {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	return &Tracker{storage: storage}
}

// Record stores a spend record, stamping the timestamp if unset.
func (t *Tracker) Record(ctx context.Context, rec *Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]interface{})
	}
	return t.storage.Store(ctx, rec)
}

// Total returns the total settled spend for a session. An empty sessionID
// totals across all sessions.
func (t *Tracker) Total(ctx context.Context, sessionID string, startTime, endTime *time.Time) (float64, error) {
	records, err := t.storage.Query(ctx, sessionID, "", startTime, endTime)
	if err != nil {
		return 0, err
	}

	total := 0.0
	for _, rec := range records {
		total += rec.ActualCost
	}
	return total, nil
}

// Breakdown returns settled spend grouped by model.
//
// Example:
//
//	breakdown, _ := tracker.Breakdown(ctx, "user-123")
//	// map[gpt-4o-mini:0.12 claude-3-5-haiku:0.04]
func (t *Tracker) Breakdown(ctx context.Context, sessionID string) (map[string]float64, error) {
	records, err := t.storage.Query(ctx, sessionID, "", nil, nil)
	if err != nil {
		return nil, err
	}

	breakdown := make(map[string]float64)
	for _, rec := range records {
		breakdown[rec.Model] += rec.ActualCost
	}
	return breakdown, nil
}

// TopSessions returns the top N sessions by settled spend.
func (t *Tracker) TopSessions(ctx context.Context, limit int, startTime, endTime *time.Time) ([]SessionSpend, error) {
	records, err := t.storage.Query(ctx, "", "", startTime, endTime)
	if err != nil {
		return nil, err
	}

	totals := make(map[string]float64)
	for _, rec := range records {
		totals[rec.SessionID] += rec.ActualCost
	}

	results := make([]SessionSpend, 0, len(totals))
	for sessionID, total := range totals {
		results = append(results, SessionSpend{SessionID: sessionID, TotalCost: total})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].TotalCost > results[j].TotalCost
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// SessionSpend pairs a session with its total settled spend.
type SessionSpend struct {
	SessionID string
	TotalCost float64
}

// Statistics summarizes records matching the filters.
type Statistics struct {
	TotalCost          float64
	TotalRequests      int
	TotalInputTokens   int
	TotalOutputTokens  int
	AvgCostPerRequest  float64
	EstimationAccuracy float64 // actual/estimated ratio, 0 when no estimates
}

// Stats computes aggregate statistics. An empty sessionID or model leaves
// that filter open.
func (t *Tracker) Stats(ctx context.Context, sessionID, model string) (Statistics, error) {
	records, err := t.storage.Query(ctx, sessionID, model, nil, nil)
	if err != nil {
		return Statistics{}, err
	}

	var stats Statistics
	if len(records) == 0 {
		return stats, nil
	}

	totalEstimated := 0.0
	for _, rec := range records {
		stats.TotalCost += rec.ActualCost
		stats.TotalInputTokens += rec.InputTokens
		stats.TotalOutputTokens += rec.OutputTokens
		totalEstimated += rec.EstimatedCost
	}
	stats.TotalRequests = len(records)
	stats.AvgCostPerRequest = stats.TotalCost / float64(len(records))
	if totalEstimated > 0 {
		stats.EstimationAccuracy = stats.TotalCost / totalEstimated
	}
	return stats, nil
}
