package session

import (
	"context"
	"io"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scttfrdmn/budgetguard/guard"
)

// GuardedStream wraps a provider stream with reservation settlement.
//
// The reservation placed by Stream stays open until the stream resolves.
// Resolution happens exactly once, whichever comes first:
//   - the terminal usage-bearing event arrives → commit at actual cost
//   - Recv returns an error or io.EOF without usage → release
//   - Close before the terminal event → release
//
// After resolution further events pass through without touching the
// ledger, and Close becomes a plain transport close.
type GuardedStream struct {
	session       *BudgetedSession
	ctx           context.Context
	provider      guard.Provider
	model         string
	stream        guard.Stream
	reservationID string
	estimate      float64
	span          trace.Span

	mu       sync.Mutex
	resolved bool
}

// Recv returns the next stream event. Vendor chunks pass through
// unchanged; the terminal usage-bearing event additionally settles the
// reservation before being returned.
func (g *GuardedStream) Recv() (*guard.StreamEvent, error) {
	event, err := g.stream.Recv()
	if err != nil {
		if err == io.EOF {
			// Stream ended without a usage-bearing event.
			g.release("stream ended without usage")
		} else {
			g.release(err.Error())
		}
		return nil, err
	}

	if event.Terminal {
		g.commit(event.Usage)
	}
	return event, nil
}

// Close closes the underlying stream. An unresolved reservation is
// released; abandoning a stream never pins budget.
func (g *GuardedStream) Close() error {
	g.release("stream closed before terminal event")
	return g.stream.Close()
}

// Resolved reports whether the reservation has been settled.
func (g *GuardedStream) Resolved() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolved
}

func (g *GuardedStream) commit(usage *guard.Usage) {
	g.mu.Lock()
	if g.resolved {
		g.mu.Unlock()
		return
	}
	g.resolved = true
	g.mu.Unlock()

	var u guard.Usage
	if usage != nil {
		u = *usage
	}
	actual, err := g.session.settle(g.ctx, g.provider, g.model, g.estimate, g.reservationID, u)
	if err != nil {
		g.span.RecordError(err)
		g.span.SetStatus(codes.Error, err.Error())
	} else {
		g.span.SetAttributes(attribute.Float64("budget.actual_cost", actual))
		g.span.SetStatus(codes.Ok, "")
	}
	g.span.End()
}

func (g *GuardedStream) release(reason string) {
	g.mu.Lock()
	if g.resolved {
		g.mu.Unlock()
		return
	}
	g.resolved = true
	g.mu.Unlock()

	if err := g.session.ledger.Release(g.reservationID); err != nil {
		g.session.logger.Error("failed to release stream reservation",
			"reservation_id", g.reservationID, "error", err)
	} else {
		g.session.logger.DebugContext(g.ctx, "stream reservation released",
			"reservation_id", g.reservationID, "reason", reason)
	}
	g.span.SetAttributes(attribute.String("budget.release_reason", reason))
	g.span.End()
}
