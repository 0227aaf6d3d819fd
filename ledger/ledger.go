// Package ledger implements a concurrency-safe spend ledger with a
// reservation protocol for enforcing a hard budget ceiling.
//
// The ledger guarantees that, under any interleaving of concurrent callers,
// committed plus reserved spend never exceeds the configured budget: the
// budget check and the reservation allocation happen as one atomic step
// inside Reserve. Actual cost is settled later via Commit (with the real
// amount, which may differ from the estimate) or returned to the pool via
// Release.
//
// One deliberate exception to the ceiling: Commit never re-checks the
// budget. Once an external call has actually incurred a charge, refusing to
// record it would be incoherent, so an actual cost above the estimate is
// absorbed even when it pushes committed spend past the budget. Streamed
// and reasoning-heavy calls overshoot their estimates routinely; callers
// who need tight ceilings should reserve with conservative estimates.
package ledger

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Epsilon is the tolerance applied to the ceiling check, absorbing
// floating-point drift in accumulated USD amounts.
const Epsilon = 1e-9

// DefaultWarningThresholds are the utilization percentages that fire
// warnings when no explicit thresholds are configured.
var DefaultWarningThresholds = []int{30, 80, 95}

// Status is the lifecycle state of a reservation.
type Status string

const (
	// StatusPending marks a reservation whose call is still in flight.
	StatusPending Status = "pending"
	// StatusCommitted marks a reservation settled with actual cost.
	StatusCommitted Status = "committed"
	// StatusReleased marks a reservation cancelled without spend.
	StatusReleased Status = "released"
)

// reservation is the ledger-owned record of one in-flight hold. Callers
// only ever see the ID.
type reservation struct {
	id        string
	amount    float64
	createdAt time.Time
	status    Status
}

// Snapshot is a consistent point-in-time view of the ledger totals.
type Snapshot struct {
	Budget    float64 `json:"budget"`
	Spent     float64 `json:"spent"`
	Reserved  float64 `json:"reserved"`
	Remaining float64 `json:"remaining"`
	// UtilizationPercent is (spent + reserved) / budget expressed as a
	// percentage, or zero for a zero budget.
	UtilizationPercent float64 `json:"utilization_percent"`
}

// WarningEvent describes one threshold crossing, delivered to the
// configured WarningFunc at most once per threshold per ledger lifetime.
type WarningEvent struct {
	// Threshold is the configured utilization percentage that was crossed.
	Threshold int     `json:"threshold"`
	Spent     float64 `json:"spent"`
	Remaining float64 `json:"remaining"`
	Budget    float64 `json:"budget"`
}

// WarningFunc receives threshold-crossing notifications. It is invoked
// synchronously before Commit returns, but outside the ledger's mutex, so
// it may safely read ledger accessors. A slow WarningFunc delays only the
// committing caller, never other ledger operations.
type WarningFunc func(WarningEvent)

// Observer receives ledger state transitions for metrics collection.
// All methods are called outside the ledger's mutex.
type Observer interface {
	// ReservationGranted fires after Reserve succeeds.
	ReservationGranted(amount float64)
	// ReservationBlocked fires after Reserve is refused.
	ReservationBlocked(requested, remaining float64)
	// ReservationReleased fires after Release returns an estimate to the pool.
	ReservationReleased(amount float64)
	// CostCommitted fires after Commit records actual spend.
	CostCommitted(actualCost float64, snap Snapshot)
}

// Ledger tracks committed and reserved spend against a fixed budget.
//
// All operations are short, non-blocking critical sections behind a single
// mutex; the external call a reservation covers happens strictly between
// Reserve and Commit/Release and is never performed under the lock. A
// Ledger is an in-process primitive: state is not persisted and not shared
// across processes. Construct one per budgeted session and share it by
// pointer among that session's goroutines.
//
// Example:
//
//	l, err := ledger.New(5.00, ledger.WithWarningThresholds([]int{50, 90}))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	id, err := l.Reserve(0.02)
//	if err != nil {
//	    var exceeded *ledger.BudgetExceededError
//	    if errors.As(err, &exceeded) {
//	        // blocked before any charge was incurred
//	    }
//	    return err
//	}
//	// ... perform the external call ...
//	snap, err := l.Commit(id, actualCost)
type Ledger struct {
	mu           sync.Mutex
	budget       float64
	spent        float64
	reserved     float64
	reservations map[string]*reservation

	thresholds []int
	fired      map[int]bool
	onWarning  WarningFunc

	observer Observer
	logger   *slog.Logger
}

// Option configures a Ledger at construction.
type Option func(*Ledger)

// WithWarningThresholds sets the utilization percentages (in (0, 100])
// that fire warnings. Values are sorted; out-of-range values are dropped.
func WithWarningThresholds(thresholds []int) Option {
	return func(l *Ledger) {
		kept := make([]int, 0, len(thresholds))
		for _, t := range thresholds {
			if t > 0 && t <= 100 {
				kept = append(kept, t)
			}
		}
		sort.Ints(kept)
		l.thresholds = kept
	}
}

// WithWarningFunc sets the callback invoked when utilization crosses a
// configured threshold.
func WithWarningFunc(fn WarningFunc) Option {
	return func(l *Ledger) {
		l.onWarning = fn
	}
}

// WithObserver attaches a metrics observer to the ledger.
func WithObserver(obs Observer) Option {
	return func(l *Ledger) {
		l.observer = obs
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Ledger with the given budget in USD.
func New(budgetUSD float64, opts ...Option) (*Ledger, error) {
	if budgetUSD < 0 {
		return nil, fmt.Errorf("budget cannot be negative, got %f", budgetUSD)
	}

	l := &Ledger{
		budget:       budgetUSD,
		reservations: make(map[string]*reservation),
		thresholds:   append([]int(nil), DefaultWarningThresholds...),
		fired:        make(map[int]bool),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ledger")
	return l, nil
}

// Reserve atomically checks the budget and places a hold for an estimated
// cost, returning the reservation ID.
//
// The check and the allocation are a single critical section: two
// concurrent reservations can never both pass the check and jointly
// overshoot the budget. On refusal the ledger is unchanged and the error
// is a *BudgetExceededError carrying the requested amount and the
// remaining headroom.
func (l *Ledger) Reserve(estimatedCost float64) (string, error) {
	if estimatedCost < 0 {
		return "", fmt.Errorf("estimated cost cannot be negative, got %f", estimatedCost)
	}

	l.mu.Lock()
	remaining := l.budget - l.spent - l.reserved
	if estimatedCost > remaining+Epsilon {
		l.mu.Unlock()
		l.logger.Debug("reservation blocked",
			"estimated_cost", estimatedCost,
			"remaining", remaining,
		)
		if l.observer != nil {
			l.observer.ReservationBlocked(estimatedCost, remaining)
		}
		return "", &BudgetExceededError{EstimatedCost: estimatedCost, Remaining: remaining}
	}

	id := uuid.NewString()
	l.reserved += estimatedCost
	l.reservations[id] = &reservation{
		id:        id,
		amount:    estimatedCost,
		createdAt: time.Now().UTC(),
		status:    StatusPending,
	}
	l.mu.Unlock()

	if l.observer != nil {
		l.observer.ReservationGranted(estimatedCost)
	}
	return id, nil
}

// Commit settles a pending reservation with the actual incurred cost and
// returns a snapshot of the ledger after the settlement.
//
// The budget ceiling is NOT re-checked here: the slot was reserved up
// front, the external charge has already happened, and actual cost above
// the estimate (common for streamed responses) is recorded in full even
// when it pushes spent past the budget. Threshold warnings are evaluated
// against the new spent/budget utilization and fired, each at most once,
// before Commit returns.
func (l *Ledger) Commit(reservationID string, actualCost float64) (Snapshot, error) {
	if actualCost < 0 {
		return Snapshot{}, fmt.Errorf("actual cost cannot be negative, got %f", actualCost)
	}

	l.mu.Lock()
	res, ok := l.reservations[reservationID]
	if !ok {
		l.mu.Unlock()
		return Snapshot{}, &InvalidReservationError{ID: reservationID}
	}
	if res.status != StatusPending {
		l.mu.Unlock()
		return Snapshot{}, &InvalidReservationError{ID: reservationID, Status: res.status}
	}

	l.reserved -= res.amount
	l.spent += actualCost
	res.status = StatusCommitted
	res.amount = actualCost

	snap := l.snapshotLocked()
	warnings := l.collectWarningsLocked()
	l.mu.Unlock()

	// Callbacks run outside the mutex so they may re-enter accessors.
	// The fired set was updated under the lock, so each threshold still
	// fires exactly once even with concurrent commits.
	for _, w := range warnings {
		l.logger.Warn("budget utilization threshold crossed",
			"threshold_percent", w.Threshold,
			"spent", w.Spent,
			"remaining", w.Remaining,
			"budget", w.Budget,
		)
		if l.onWarning != nil {
			l.onWarning(w)
		}
	}
	if l.observer != nil {
		l.observer.CostCommitted(actualCost, snap)
	}

	return snap, nil
}

// Release cancels a pending reservation, returning its estimate to the
// pool without recording any spend. Used when the external call never
// happened or failed before completion.
func (l *Ledger) Release(reservationID string) error {
	l.mu.Lock()
	res, ok := l.reservations[reservationID]
	if !ok {
		l.mu.Unlock()
		return &InvalidReservationError{ID: reservationID}
	}
	if res.status != StatusPending {
		l.mu.Unlock()
		return &InvalidReservationError{ID: reservationID, Status: res.status}
	}

	l.reserved -= res.amount
	res.status = StatusReleased
	amount := res.amount
	l.mu.Unlock()

	if l.observer != nil {
		l.observer.ReservationReleased(amount)
	}
	return nil
}

// collectWarningsLocked marks and returns the thresholds newly crossed by
// the current spent/budget utilization. Caller must hold l.mu.
func (l *Ledger) collectWarningsLocked() []WarningEvent {
	if l.budget <= 0 {
		return nil
	}
	utilization := l.spent / l.budget * 100

	var crossed []WarningEvent
	for _, threshold := range l.thresholds {
		if utilization >= float64(threshold) && !l.fired[threshold] {
			l.fired[threshold] = true
			crossed = append(crossed, WarningEvent{
				Threshold: threshold,
				Spent:     l.spent,
				Remaining: l.budget - l.spent - l.reserved,
				Budget:    l.budget,
			})
		}
	}
	return crossed
}

func (l *Ledger) snapshotLocked() Snapshot {
	snap := Snapshot{
		Budget:    l.budget,
		Spent:     l.spent,
		Reserved:  l.reserved,
		Remaining: l.budget - l.spent - l.reserved,
	}
	if l.budget > 0 {
		snap.UtilizationPercent = (l.spent + l.reserved) / l.budget * 100
	}
	return snap
}

// Spent returns the total committed spend, excluding pending reservations.
func (l *Ledger) Spent() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spent
}

// Reserved returns the sum of all pending reservation amounts.
func (l *Ledger) Reserved() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved
}

// Remaining returns the budget headroom: budget minus spent minus reserved.
func (l *Ledger) Remaining() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budget - l.spent - l.reserved
}

// Budget returns the fixed budget this ledger was constructed with.
func (l *Ledger) Budget() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budget
}

// Summary returns a consistent snapshot of all totals.
func (l *Ledger) Summary() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Reset zeroes committed spend and re-arms all warning thresholds so the
// ledger can be reused with the same budget.
//
// Reset refuses to run while reservations are pending and returns an
// *OperationNotAllowedError instead: zeroing under in-flight calls would
// leave those reservations dangling against a fresh ledger. Settle or
// release every reservation first.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.reserved > Epsilon || l.pendingCountLocked() > 0 {
		return &OperationNotAllowedError{
			Reason: fmt.Sprintf("cannot reset ledger with %d pending reservation(s) holding $%.6f",
				l.pendingCountLocked(), l.reserved),
		}
	}

	l.spent = 0
	l.reserved = 0
	l.reservations = make(map[string]*reservation)
	l.fired = make(map[int]bool)
	return nil
}

func (l *Ledger) pendingCountLocked() int {
	n := 0
	for _, res := range l.reservations {
		if res.status == StatusPending {
			n++
		}
	}
	return n
}
