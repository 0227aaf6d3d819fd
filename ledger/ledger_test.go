package ledger

import (
	"errors"
	"math"
	"sync"
	"testing"
)

func TestNewRejectsNegativeBudget(t *testing.T) {
	_, err := New(-1.00)
	if err == nil {
		t.Fatal("expected error for negative budget")
	}
}

func TestReserveCommitLifecycle(t *testing.T) {
	l, err := New(10.00)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	id, err := l.Reserve(2.00)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty reservation ID")
	}
	if got := l.Reserved(); got != 2.00 {
		t.Errorf("Reserved = %f, want 2.00", got)
	}
	if got := l.Remaining(); got != 8.00 {
		t.Errorf("Remaining = %f, want 8.00", got)
	}

	// Actual cost below the estimate frees the difference.
	snap, err := l.Commit(id, 1.50)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if snap.Spent != 1.50 {
		t.Errorf("snapshot Spent = %f, want 1.50", snap.Spent)
	}
	if snap.Reserved != 0 {
		t.Errorf("snapshot Reserved = %f, want 0", snap.Reserved)
	}
	if got := l.Remaining(); got != 8.50 {
		t.Errorf("Remaining after commit = %f, want 8.50", got)
	}
}

func TestReserveBlockedWhenEstimateExceedsRemaining(t *testing.T) {
	l, _ := New(1.00)

	if _, err := l.Reserve(0.80); err != nil {
		t.Fatalf("first Reserve failed: %v", err)
	}

	_, err := l.Reserve(0.30)
	var exceeded *BudgetExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected *BudgetExceededError, got %v", err)
	}
	if exceeded.EstimatedCost != 0.30 {
		t.Errorf("EstimatedCost = %f, want 0.30", exceeded.EstimatedCost)
	}
	if math.Abs(exceeded.Remaining-0.20) > Epsilon {
		t.Errorf("Remaining = %f, want 0.20", exceeded.Remaining)
	}

	// A refused reservation leaves the ledger untouched.
	if got := l.Reserved(); got != 0.80 {
		t.Errorf("Reserved after refusal = %f, want 0.80", got)
	}
	if got := l.Spent(); got != 0 {
		t.Errorf("Spent after refusal = %f, want 0", got)
	}
}

func TestReserveExactRemaining(t *testing.T) {
	l, _ := New(1.00)

	// Estimate equal to remaining must pass the epsilon-tolerant check.
	if _, err := l.Reserve(1.00); err != nil {
		t.Fatalf("Reserve at exact remaining failed: %v", err)
	}
	if _, err := l.Reserve(0.01); err == nil {
		t.Fatal("expected refusal with zero headroom")
	}
}

func TestCommitDoesNotRecheckBudget(t *testing.T) {
	l, _ := New(1.00)

	id, err := l.Reserve(0.50)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	// Actual cost overshoots both the estimate and the budget; the charge
	// already happened, so it must be recorded in full.
	snap, err := l.Commit(id, 1.75)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if snap.Spent != 1.75 {
		t.Errorf("Spent = %f, want 1.75", snap.Spent)
	}
	if snap.Remaining >= 0 {
		t.Errorf("Remaining = %f, want negative after overshoot", snap.Remaining)
	}
}

func TestReleaseReturnsEstimateToPool(t *testing.T) {
	l, _ := New(5.00)

	id, _ := l.Reserve(3.00)
	if err := l.Release(id); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if got := l.Reserved(); got != 0 {
		t.Errorf("Reserved = %f, want 0", got)
	}
	if got := l.Remaining(); got != 5.00 {
		t.Errorf("Remaining = %f, want 5.00", got)
	}
	if got := l.Spent(); got != 0 {
		t.Errorf("Spent = %f, want 0", got)
	}
}

func TestNoDoubleSettlement(t *testing.T) {
	l, _ := New(5.00)

	tests := []struct {
		name   string
		first  func(id string) error
		second func(id string) error
	}{
		{
			name:   "commit then commit",
			first:  func(id string) error { _, err := l.Commit(id, 0.10); return err },
			second: func(id string) error { _, err := l.Commit(id, 0.10); return err },
		},
		{
			name:   "commit then release",
			first:  func(id string) error { _, err := l.Commit(id, 0.10); return err },
			second: func(id string) error { return l.Release(id) },
		},
		{
			name:   "release then commit",
			first:  func(id string) error { return l.Release(id) },
			second: func(id string) error { _, err := l.Commit(id, 0.10); return err },
		},
		{
			name:   "release then release",
			first:  func(id string) error { return l.Release(id) },
			second: func(id string) error { return l.Release(id) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := l.Reserve(0.50)
			if err != nil {
				t.Fatalf("Reserve failed: %v", err)
			}
			if err := tt.first(id); err != nil {
				t.Fatalf("first settlement failed: %v", err)
			}

			err = tt.second(id)
			var invalid *InvalidReservationError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected *InvalidReservationError, got %v", err)
			}
			if invalid.ID != id {
				t.Errorf("error ID = %q, want %q", invalid.ID, id)
			}
		})
	}
}

func TestSettleUnknownReservation(t *testing.T) {
	l, _ := New(5.00)

	_, err := l.Commit("no-such-id", 0.10)
	var invalid *InvalidReservationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *InvalidReservationError, got %v", err)
	}
	if invalid.Status != "" {
		t.Errorf("Status = %q, want empty for unknown ID", invalid.Status)
	}
}

func TestWarningThresholdsFireOncePerLifetime(t *testing.T) {
	var events []WarningEvent
	l, err := New(10.00,
		WithWarningThresholds([]int{50, 90}),
		WithWarningFunc(func(e WarningEvent) {
			events = append(events, e)
		}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	commit := func(amount float64) {
		t.Helper()
		id, err := l.Reserve(amount)
		if err != nil {
			t.Fatalf("Reserve(%f) failed: %v", amount, err)
		}
		if _, err := l.Commit(id, amount); err != nil {
			t.Fatalf("Commit(%f) failed: %v", amount, err)
		}
	}

	commit(4.00) // 40%, below both
	if len(events) != 0 {
		t.Fatalf("expected no warnings at 40%%, got %d", len(events))
	}

	commit(1.50) // 55%, crosses 50
	if len(events) != 1 || events[0].Threshold != 50 {
		t.Fatalf("expected single 50%% warning, got %+v", events)
	}

	commit(1.00) // 65%, still only 50 crossed
	if len(events) != 1 {
		t.Fatalf("50%% warning fired again: %+v", events)
	}

	commit(3.00) // 95%, crosses 90
	if len(events) != 2 || events[1].Threshold != 90 {
		t.Fatalf("expected 90%% warning, got %+v", events)
	}
}

func TestSingleCommitCrossesMultipleThresholds(t *testing.T) {
	var events []WarningEvent
	l, _ := New(10.00,
		WithWarningThresholds([]int{30, 80, 95}),
		WithWarningFunc(func(e WarningEvent) {
			events = append(events, e)
		}),
	)

	id, _ := l.Reserve(9.80)
	if _, err := l.Commit(id, 9.80); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 warnings, got %d", len(events))
	}
	// Ascending threshold order.
	for i, want := range []int{30, 80, 95} {
		if events[i].Threshold != want {
			t.Errorf("events[%d].Threshold = %d, want %d", i, events[i].Threshold, want)
		}
	}
}

func TestWarningCallbackMayReadAccessors(t *testing.T) {
	// The callback runs outside the mutex; calling accessors from it must
	// not deadlock.
	done := make(chan struct{})
	var l *Ledger
	l, _ = New(1.00,
		WithWarningThresholds([]int{50}),
		WithWarningFunc(func(e WarningEvent) {
			_ = l.Spent()
			_ = l.Summary()
			close(done)
		}),
	)

	id, _ := l.Reserve(0.60)
	if _, err := l.Commit(id, 0.60); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	select {
	case <-done:
	default:
		t.Fatal("warning callback did not run before Commit returned")
	}
}

func TestResetRejectedWhilePending(t *testing.T) {
	l, _ := New(5.00)

	id, _ := l.Reserve(1.00)
	err := l.Reset()
	var notAllowed *OperationNotAllowedError
	if !errors.As(err, &notAllowed) {
		t.Fatalf("expected *OperationNotAllowedError, got %v", err)
	}

	// Settling the reservation unblocks Reset.
	if _, err := l.Commit(id, 1.00); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := l.Reset(); err != nil {
		t.Fatalf("Reset after settlement failed: %v", err)
	}
	if got := l.Spent(); got != 0 {
		t.Errorf("Spent after Reset = %f, want 0", got)
	}
}

func TestResetRearmsThresholds(t *testing.T) {
	fired := 0
	l, _ := New(1.00,
		WithWarningThresholds([]int{50}),
		WithWarningFunc(func(WarningEvent) { fired++ }),
	)

	commit := func() {
		id, _ := l.Reserve(0.60)
		if _, err := l.Commit(id, 0.60); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
	}

	commit()
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	if err := l.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	commit()
	if fired != 2 {
		t.Fatalf("fired after Reset = %d, want 2 (threshold re-armed)", fired)
	}
}

func TestWarningThresholdFiltering(t *testing.T) {
	var events []WarningEvent
	l, _ := New(1.00,
		WithWarningThresholds([]int{-5, 0, 40, 150}),
		WithWarningFunc(func(e WarningEvent) { events = append(events, e) }),
	)

	id, _ := l.Reserve(1.00)
	if _, err := l.Commit(id, 1.00); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// Only the in-range threshold survives.
	if len(events) != 1 || events[0].Threshold != 40 {
		t.Fatalf("expected single 40%% warning, got %+v", events)
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	granted   []float64
	blocked   int
	released  []float64
	committed []float64
}

func (r *recordingObserver) ReservationGranted(amount float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.granted = append(r.granted, amount)
}

func (r *recordingObserver) ReservationBlocked(requested, remaining float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked++
}

func (r *recordingObserver) ReservationReleased(amount float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, amount)
}

func (r *recordingObserver) CostCommitted(actualCost float64, snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, actualCost)
}

func TestObserverReceivesTransitions(t *testing.T) {
	obs := &recordingObserver{}
	l, _ := New(1.00, WithObserver(obs))

	id1, _ := l.Reserve(0.40)
	id2, _ := l.Reserve(0.40)
	if _, err := l.Reserve(0.40); err == nil {
		t.Fatal("expected third reservation to be blocked")
	}
	if _, err := l.Commit(id1, 0.35); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := l.Release(id2); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if len(obs.granted) != 2 {
		t.Errorf("granted events = %d, want 2", len(obs.granted))
	}
	if obs.blocked != 1 {
		t.Errorf("blocked events = %d, want 1", obs.blocked)
	}
	if len(obs.released) != 1 || obs.released[0] != 0.40 {
		t.Errorf("released events = %v, want [0.40]", obs.released)
	}
	if len(obs.committed) != 1 || obs.committed[0] != 0.35 {
		t.Errorf("committed events = %v, want [0.35]", obs.committed)
	}
}

func TestConcurrentReservationsNeverOvershoot(t *testing.T) {
	const (
		budget     = 10.00
		workers    = 50
		iterations = 40
		estimate   = 0.05
	)

	l, _ := New(budget)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				id, err := l.Reserve(estimate)
				if err != nil {
					var exceeded *BudgetExceededError
					if !errors.As(err, &exceeded) {
						t.Errorf("unexpected Reserve error: %v", err)
					}
					continue
				}

				// Mid-flight the invariant must hold.
				snap := l.Summary()
				if snap.Spent+snap.Reserved > budget+Epsilon {
					t.Errorf("invariant violated: spent %f + reserved %f > budget",
						snap.Spent, snap.Reserved)
				}

				// Alternate settle paths; commits never exceed estimates
				// here, so the ceiling is a hard one.
				if (w+i)%3 == 0 {
					if err := l.Release(id); err != nil {
						t.Errorf("Release failed: %v", err)
					}
				} else {
					if _, err := l.Commit(id, estimate); err != nil {
						t.Errorf("Commit failed: %v", err)
					}
				}
			}
		}(w)
	}
	wg.Wait()

	snap := l.Summary()
	if snap.Reserved != 0 {
		t.Errorf("Reserved after drain = %f, want 0", snap.Reserved)
	}
	if snap.Spent > budget+Epsilon {
		t.Errorf("Spent %f exceeds budget %f", snap.Spent, budget)
	}
}

func TestSnapshotUtilization(t *testing.T) {
	l, _ := New(10.00)

	id, _ := l.Reserve(2.00)
	if _, err := l.Commit(id, 2.00); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, err := l.Reserve(3.00); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	snap := l.Summary()
	if math.Abs(snap.UtilizationPercent-50.0) > 1e-6 {
		t.Errorf("UtilizationPercent = %f, want 50.0", snap.UtilizationPercent)
	}
}

func TestZeroBudgetBlocksEverything(t *testing.T) {
	l, err := New(0)
	if err != nil {
		t.Fatalf("New(0) failed: %v", err)
	}

	if _, err := l.Reserve(0.01); err == nil {
		t.Fatal("expected refusal against zero budget")
	}
	// Zero-amount reservations still pass; they hold nothing.
	if _, err := l.Reserve(0); err != nil {
		t.Fatalf("zero reservation failed: %v", err)
	}
}
