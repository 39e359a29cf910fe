package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by process variables and the
// surrounding server.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They must be cheap to call because hooks run inline
// with operation dispatch and subscription fan-out.
type Collector interface {
	IncHotReload(file string)
	IncOperation(kind, outcome string)
	IncSubscriberDropped(channel string, count uint64)
	SetSubscribers(channel string, count int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                 {}
func (noopCollector) IncOperation(string, string)         {}
func (noopCollector) IncSubscriberDropped(string, uint64) {}
func (noopCollector) SetSubscribers(string, int)          {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	hotReloads  *prometheus.CounterVec
	operations  *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	subscribers *prometheus.GaugeVec
}

var (
	metricsMu        sync.Mutex
	hotReloadCounter *prometheus.CounterVec
	operationCounter *prometheus.CounterVec
	droppedCounter   *prometheus.CounterVec
	subscriberGauge  *prometheus.GaugeVec
)

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Metrics already registered by a previous call are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metricsMu.Lock()
	defer metricsMu.Unlock()

	var err error
	if hotReloadCounter == nil {
		hotReloadCounter, err = registerCounterVec(reg, prometheus.CounterOpts{
			Name: "pvmailbox_config_hot_reload_total",
			Help: "Number of hot reload operations triggered per configuration source file.",
		}, "file")
		if err != nil {
			return nil, err
		}
	}
	if operationCounter == nil {
		operationCounter, err = registerCounterVec(reg, prometheus.CounterOpts{
			Name: "pvmailbox_operations_total",
			Help: "Number of completed get, put and rpc operations by outcome.",
		}, "kind", "outcome")
		if err != nil {
			return nil, err
		}
	}
	if droppedCounter == nil {
		droppedCounter, err = registerCounterVec(reg, prometheus.CounterOpts{
			Name: "pvmailbox_subscription_dropped_total",
			Help: "Number of updates dropped from subscription queues due to capacity limits.",
		}, "channel")
		if err != nil {
			return nil, err
		}
	}
	if subscriberGauge == nil {
		gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pvmailbox_subscribers",
			Help: "Number of active subscriptions per channel.",
		}, []string{"channel"})
		if err := reg.Register(gauge); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				return nil, err
			}
			existing, ok := already.ExistingCollector.(*prometheus.GaugeVec)
			if !ok {
				return nil, err
			}
			gauge = existing
		}
		subscriberGauge = gauge
	}

	return &PrometheusCollector{
		hotReloads:  hotReloadCounter,
		operations:  operationCounter,
		dropped:     droppedCounter,
		subscribers: subscriberGauge,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		return existing, nil
	}
	return counter, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// IncOperation records a completed operation.
func (p *PrometheusCollector) IncOperation(kind, outcome string) {
	if p == nil || p.operations == nil {
		return
	}
	p.operations.WithLabelValues(kind, outcome).Inc()
}

// IncSubscriberDropped records updates dropped from a subscription queue.
func (p *PrometheusCollector) IncSubscriberDropped(channel string, count uint64) {
	if p == nil || p.dropped == nil || count == 0 {
		return
	}
	p.dropped.WithLabelValues(channel).Add(float64(count))
}

// SetSubscribers updates the gauge tracking active subscriptions.
func (p *PrometheusCollector) SetSubscribers(channel string, count int) {
	if p == nil || p.subscribers == nil {
		return
	}
	p.subscribers.WithLabelValues(channel).Set(float64(count))
}
