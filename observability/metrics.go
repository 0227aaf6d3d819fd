package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/scttfrdmn/budgetguard/ledger"
)

var globalMeterProvider *sdkmetric.MeterProvider

// InitMetrics initializes OpenTelemetry metrics with Prometheus export.
func InitMetrics(serviceName string) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	globalMeterProvider = provider
	return provider, nil
}

// GetMeter returns a meter from the current global meter provider.
func GetMeter(name string) metric.Meter {
	return otel.Meter(name)
}

// BudgetMetrics records ledger activity as OpenTelemetry metrics. It
// implements ledger.Observer, so attach it with ledger.WithObserver.
//
// Exported metrics:
//   - budgetguard.spend:           cumulative settled spend (USD)
//   - budgetguard.reservations:    reservation outcomes, by status
//   - budgetguard.reserved_amount: cumulative reserved amounts (USD)
//   - budgetguard.utilization:     budget utilization after each commit (%)
type BudgetMetrics struct {
	spendCounter       metric.Float64Counter
	reservationCounter metric.Int64Counter
	reservedCounter    metric.Float64Counter
	utilizationHist    metric.Float64Histogram
	attrs              []attribute.KeyValue
}

// NewBudgetMetrics creates budget metrics instruments. The sessionID label
// is attached to every measurement; empty omits it.
func NewBudgetMetrics(sessionID string) (*BudgetMetrics, error) {
	meter := GetMeter("budgetguard.observability")

	spendCounter, err := meter.Float64Counter(
		"budgetguard.spend",
		metric.WithDescription("Cumulative settled LLM spend"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create spend counter: %w", err)
	}

	reservationCounter, err := meter.Int64Counter(
		"budgetguard.reservations",
		metric.WithDescription("Reservation outcomes by status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reservation counter: %w", err)
	}

	reservedCounter, err := meter.Float64Counter(
		"budgetguard.reserved_amount",
		metric.WithDescription("Cumulative reserved amounts"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reserved counter: %w", err)
	}

	utilizationHist, err := meter.Float64Histogram(
		"budgetguard.utilization",
		metric.WithDescription("Budget utilization after each commit"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create utilization histogram: %w", err)
	}

	var attrs []attribute.KeyValue
	if sessionID != "" {
		attrs = append(attrs, attribute.String("session.id", sessionID))
	}

	return &BudgetMetrics{
		spendCounter:       spendCounter,
		reservationCounter: reservationCounter,
		reservedCounter:    reservedCounter,
		utilizationHist:    utilizationHist,
		attrs:              attrs,
	}, nil
}

// ReservationGranted records a granted reservation.
func (m *BudgetMetrics) ReservationGranted(amount float64) {
	ctx := context.Background()
	attrs := append(m.attrs, attribute.String("status", "granted"))
	m.reservationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.reservedCounter.Add(ctx, amount, metric.WithAttributes(m.attrs...))
}

// ReservationBlocked records a reservation refused for insufficient headroom.
func (m *BudgetMetrics) ReservationBlocked(requested, remaining float64) {
	ctx := context.Background()
	attrs := append(m.attrs, attribute.String("status", "blocked"))
	m.reservationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// ReservationReleased records an abandoned reservation.
func (m *BudgetMetrics) ReservationReleased(amount float64) {
	ctx := context.Background()
	attrs := append(m.attrs, attribute.String("status", "released"))
	m.reservationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// CostCommitted records settled spend and the resulting utilization.
func (m *BudgetMetrics) CostCommitted(actualCost float64, snap ledger.Snapshot) {
	ctx := context.Background()
	m.spendCounter.Add(ctx, actualCost, metric.WithAttributes(m.attrs...))
	m.utilizationHist.Record(ctx, snap.UtilizationPercent, metric.WithAttributes(m.attrs...))
}

// ShutdownMetrics gracefully shuts down the meter provider.
func ShutdownMetrics(ctx context.Context) error {
	if globalMeterProvider != nil {
		return globalMeterProvider.Shutdown(ctx)
	}
	return nil
}
