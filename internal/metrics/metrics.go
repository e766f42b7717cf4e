package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "marketpay"

// Результаты захвата блокировки оформления заказа.
const (
	AdmissionAcquired = "acquired"
	AdmissionTimeout  = "timeout"
	AdmissionError    = "error"
)

// Pipeline содержит метрики конвейера заказ → платёж → outbox.
// Все методы безопасны для nil-получателя, поэтому сервисы могут работать без метрик.
type Pipeline struct {
	admissions      *prometheus.CounterVec
	admissionWait   prometheus.Histogram
	ordersCreated   *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	gatewayCalls    *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	reconciled      *prometheus.CounterVec
	sweepDuration   *prometheus.HistogramVec
}

// NewPipeline регистрирует метрики в prometheus.DefaultRegisterer.
func NewPipeline() *Pipeline {
	return NewPipelineWithRegisterer(prometheus.DefaultRegisterer)
}

// NewPipelineWithRegisterer регистрирует метрики в registerer. Повторная регистрация
// возвращает уже существующие коллекторы.
func NewPipelineWithRegisterer(registerer prometheus.Registerer) *Pipeline {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Pipeline{
		admissions: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_admissions_total",
			Help:      "Order admission lock attempts grouped by result.",
		}, []string{"result"})),
		admissionWait: register(registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_admission_wait_seconds",
			Help:      "Time spent waiting for the order admission lock.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		})),
		ordersCreated: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Order creation attempts grouped by result.",
		}, []string{"result"})),
		transitions: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_transitions_total",
			Help:      "Committed payment status transitions.",
		}, []string{"from", "to"})),
		gatewayCalls: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Payment gateway calls grouped by operation and result.",
		}, []string{"operation", "result"})),
		gatewayDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Payment gateway call latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"})),
		reconciled: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_rows_total",
			Help:      "Rows processed by reconciliation sweeps grouped by outcome.",
		}, []string{"sweep", "outcome"})),
		sweepDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciliation_sweep_duration_seconds",
			Help:      "Duration of a single reconciliation sweep.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sweep"})),
	}
}

func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			existing, ok := already.ExistingCollector.(T)
			if !ok {
				panic(fmt.Sprintf("collector already registered with unexpected type %T", already.ExistingCollector))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector: %v", err))
	}
	return collector
}

// ObserveAdmission фиксирует исход ожидания блокировки.
func (p *Pipeline) ObserveAdmission(result string, wait time.Duration) {
	if p == nil {
		return
	}
	p.admissions.WithLabelValues(result).Inc()
	p.admissionWait.Observe(wait.Seconds())
}

// RecordOrder фиксирует исход создания заказа.
func (p *Pipeline) RecordOrder(result string) {
	if p == nil {
		return
	}
	p.ordersCreated.WithLabelValues(result).Inc()
}

// RecordTransition фиксирует переход платежа после коммита.
func (p *Pipeline) RecordTransition(from, to string) {
	if p == nil || from == to {
		return
	}
	p.transitions.WithLabelValues(from, to).Inc()
}

// ObserveGatewayCall фиксирует вызов шлюза.
func (p *Pipeline) ObserveGatewayCall(operation, result string, duration time.Duration) {
	if p == nil {
		return
	}
	p.gatewayCalls.WithLabelValues(operation, result).Inc()
	p.gatewayDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordReconciled фиксирует обработку строки сверки.
func (p *Pipeline) RecordReconciled(sweep, outcome string) {
	if p == nil {
		return
	}
	p.reconciled.WithLabelValues(sweep, outcome).Inc()
}

// ObserveSweep фиксирует длительность прохода сверки.
func (p *Pipeline) ObserveSweep(sweep string, duration time.Duration) {
	if p == nil {
		return
	}
	p.sweepDuration.WithLabelValues(sweep).Observe(duration.Seconds())
}
