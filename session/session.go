// Package session orchestrates budget-guarded LLM calls.
//
// A BudgetedSession ties together the pricing table, the pre-call cost
// estimator, the budget ledger, and the post-call calculator. Every call
// follows the same sequence: estimate the worst plausible cost, reserve it
// against the ledger, run the provider call, settle the reservation with
// the cost computed from reported usage. Failed calls release their
// reservation so abandoned estimates never pin budget.
//
// Example:
//
//	sess, err := session.New(session.Config{BudgetUSD: 10.00})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	provider, _ := llm.NewOpenAIProvider("", "gpt-4o-mini")
//	resp, err := sess.Complete(ctx, provider, &guard.Request{
//	    Model:    "gpt-4o-mini",
//	    Messages: []guard.Message{guard.NewMessage("user", "hello")},
//	})
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scttfrdmn/budgetguard/cost"
	"github.com/scttfrdmn/budgetguard/guard"
	"github.com/scttfrdmn/budgetguard/history"
	"github.com/scttfrdmn/budgetguard/ledger"
	"github.com/scttfrdmn/budgetguard/observability"
	"github.com/scttfrdmn/budgetguard/pricing"
)

// Config configures a BudgetedSession.
type Config struct {
	// BudgetUSD is the total budget for the session. Required, must be
	// positive.
	BudgetUSD float64

	// SessionID labels history records and metrics. Empty disables the
	// label.
	SessionID string

	// Tier selects the pricing tier. Zero value is standard pricing.
	Tier pricing.Tier

	// WarningThresholds overrides the default warning percentages
	// {30, 80, 95}. Each fires at most once per session lifetime.
	WarningThresholds []int

	// OnWarning is invoked synchronously when spend crosses a threshold.
	OnWarning ledger.WarningFunc

	// OnBudgetExceeded, when set, changes the refusal policy: a blocked
	// call invokes the callback and returns (nil, nil) instead of
	// propagating *ledger.BudgetExceededError. Leave nil to get the
	// error.
	OnBudgetExceeded func(*ledger.BudgetExceededError)

	// PricingPath loads model pricing from a JSON file instead of the
	// embedded table.
	PricingPath string

	// Logger receives reservation and settlement logs. Nil uses
	// slog.Default().
	Logger *slog.Logger

	// History receives a record per settled call. Nil disables history.
	History *history.Tracker

	// Observer receives ledger events, typically
	// *observability.BudgetMetrics. Nil disables.
	Observer ledger.Observer
}

// BudgetedSession guards LLM calls against a spending budget.
//
// All methods are safe for concurrent use; the ledger serializes budget
// state, and the estimator and calculator are read-only after creation.
type BudgetedSession struct {
	ledger     *ledger.Ledger
	table      *pricing.Table
	estimator  *cost.Estimator
	calculator *cost.Calculator
	tier       pricing.Tier
	sessionID  string
	onExceeded func(*ledger.BudgetExceededError)
	history    *history.Tracker
	logger     *slog.Logger
	tracer     trace.Tracer
}

// New creates a budget-guarded session.
func New(cfg Config) (*BudgetedSession, error) {
	if cfg.BudgetUSD <= 0 {
		return nil, fmt.Errorf("budget must be positive, got %.4f", cfg.BudgetUSD)
	}

	var table *pricing.Table
	var err error
	if cfg.PricingPath != "" {
		table, err = pricing.LoadTable(cfg.PricingPath)
	} else {
		table, err = pricing.NewTable()
	}
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session")

	var opts []ledger.Option
	if cfg.WarningThresholds != nil {
		opts = append(opts, ledger.WithWarningThresholds(cfg.WarningThresholds))
	}
	if cfg.OnWarning != nil {
		opts = append(opts, ledger.WithWarningFunc(cfg.OnWarning))
	}
	if cfg.Observer != nil {
		opts = append(opts, ledger.WithObserver(cfg.Observer))
	}
	opts = append(opts, ledger.WithLogger(logger))

	led, err := ledger.New(cfg.BudgetUSD, opts...)
	if err != nil {
		return nil, err
	}

	return &BudgetedSession{
		ledger:     led,
		table:      table,
		estimator:  cost.NewEstimator(table),
		calculator: cost.NewCalculator(table),
		tier:       cfg.Tier,
		sessionID:  cfg.SessionID,
		onExceeded: cfg.OnBudgetExceeded,
		history:    cfg.History,
		logger:     logger,
		tracer:     observability.GetTracer("budgetguard.session"),
	}, nil
}

// Complete runs a guarded completion against provider.
//
// The call is refused before any network traffic when the pre-call
// estimate exceeds the remaining budget. A blocked call returns
// *ledger.BudgetExceededError, or (nil, nil) after invoking the
// OnBudgetExceeded callback when one is configured. Provider failures
// release the reservation and propagate the error.
func (s *BudgetedSession) Complete(ctx context.Context, provider guard.Provider, req *guard.Request) (*guard.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	model := s.resolveModel(provider, req)

	ctx, span := s.tracer.Start(ctx, "session.complete", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", provider.Name()),
		attribute.String("llm.model", model),
	)

	estimate, reservationID, err := s.reserve(ctx, model, req)
	if err != nil {
		var exceeded *ledger.BudgetExceededError
		if errors.As(err, &exceeded) {
			span.SetStatus(codes.Error, "budget exceeded")
			if s.onExceeded != nil {
				s.onExceeded(exceeded)
				return nil, nil
			}
		}
		return nil, err
	}
	span.SetAttributes(attribute.Float64("budget.estimated_cost", estimate))

	resp, err := provider.Complete(ctx, req)
	if err != nil {
		if relErr := s.ledger.Release(reservationID); relErr != nil {
			s.logger.Error("failed to release reservation",
				"reservation_id", reservationID, "error", relErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	actual, err := s.settle(ctx, provider, model, estimate, reservationID, resp.Usage)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Float64("budget.actual_cost", actual))
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// Stream runs a guarded streaming completion against provider.
//
// The reservation stays open while chunks flow. The returned GuardedStream
// settles the reservation exactly once: commit when the provider's
// terminal usage-bearing event arrives, release on Close, stream error, or
// an end of stream that never reported usage.
func (s *BudgetedSession) Stream(ctx context.Context, provider guard.Provider, req *guard.Request) (*GuardedStream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	model := s.resolveModel(provider, req)

	ctx, span := s.tracer.Start(ctx, "session.stream", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("llm.provider", provider.Name()),
		attribute.String("llm.model", model),
	)

	estimate, reservationID, err := s.reserve(ctx, model, req)
	if err != nil {
		var exceeded *ledger.BudgetExceededError
		if errors.As(err, &exceeded) {
			span.SetStatus(codes.Error, "budget exceeded")
			if s.onExceeded != nil {
				span.End()
				s.onExceeded(exceeded)
				return nil, nil
			}
		}
		span.End()
		return nil, err
	}
	span.SetAttributes(attribute.Float64("budget.estimated_cost", estimate))

	stream, err := provider.Stream(ctx, req)
	if err != nil {
		if relErr := s.ledger.Release(reservationID); relErr != nil {
			s.logger.Error("failed to release reservation",
				"reservation_id", reservationID, "error", relErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	return &GuardedStream{
		session:       s,
		ctx:           ctx,
		provider:      provider,
		model:         model,
		stream:        stream,
		reservationID: reservationID,
		estimate:      estimate,
		span:          span,
	}, nil
}

func (s *BudgetedSession) resolveModel(provider guard.Provider, req *guard.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return provider.Model()
}

// reserve estimates the call and places the reservation.
func (s *BudgetedSession) reserve(ctx context.Context, model string, req *guard.Request) (float64, string, error) {
	estimate, err := s.estimator.EstimateChat(model, req.Messages, req.MaxTokens, s.tier)
	if err != nil {
		return 0, "", err
	}

	reservationID, err := s.ledger.Reserve(estimate)
	if err != nil {
		s.logger.InfoContext(ctx, "call refused",
			"model", model,
			"estimated_cost", estimate,
			"remaining", s.ledger.Remaining())
		return estimate, "", err
	}

	s.logger.DebugContext(ctx, "reservation placed",
		"reservation_id", reservationID,
		"model", model,
		"estimated_cost", estimate)
	return estimate, reservationID, nil
}

// settle computes actual cost from usage and commits the reservation.
func (s *BudgetedSession) settle(ctx context.Context, provider guard.Provider, model string, estimate float64, reservationID string, usage guard.Usage) (float64, error) {
	actual, err := s.calculator.FromUsage(model, usage, s.tier)
	if err != nil {
		// Unknown model at settlement means the pricing table and the
		// provider disagree; fall back to the estimate so the
		// reservation still settles.
		s.logger.WarnContext(ctx, "settling at estimate, usage-based cost unavailable",
			"model", model, "error", err)
		actual = estimate
	}

	snap, err := s.ledger.Commit(reservationID, actual)
	if err != nil {
		return 0, err
	}

	s.logger.DebugContext(ctx, "reservation settled",
		"reservation_id", reservationID,
		"actual_cost", actual,
		"spent", snap.Spent,
		"remaining", snap.Remaining)

	if s.history != nil {
		rec := &history.Record{
			SessionID:     s.sessionID,
			Provider:      provider.Name(),
			Model:         model,
			InputTokens:   usage.InputTokens,
			OutputTokens:  usage.OutputTokens,
			EstimatedCost: estimate,
			ActualCost:    actual,
		}
		if err := s.history.Record(ctx, rec); err != nil {
			s.logger.WarnContext(ctx, "failed to record spend history", "error", err)
		}
	}
	return actual, nil
}

// EstimateChat previews the reservation amount for a request without
// touching the ledger.
func (s *BudgetedSession) EstimateChat(model string, messages []guard.Message, maxTokens int) (float64, error) {
	return s.estimator.EstimateChat(model, messages, maxTokens, s.tier)
}

// TotalSpent returns the committed spend so far.
func (s *BudgetedSession) TotalSpent() float64 {
	return s.ledger.Spent()
}

// RemainingBudget returns budget minus spent minus reserved.
func (s *BudgetedSession) RemainingBudget() float64 {
	return s.ledger.Remaining()
}

// Reserved returns the amount held by in-flight reservations.
func (s *BudgetedSession) Reserved() float64 {
	return s.ledger.Reserved()
}

// Budget returns the configured budget.
func (s *BudgetedSession) Budget() float64 {
	return s.ledger.Budget()
}

// Summary returns a consistent snapshot of the budget state.
func (s *BudgetedSession) Summary() ledger.Snapshot {
	return s.ledger.Summary()
}

// Reset zeroes spend and re-arms threshold warnings. It fails with
// *ledger.OperationNotAllowedError while reservations are in flight.
func (s *BudgetedSession) Reset() error {
	return s.ledger.Reset()
}
