package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives runtime events from the scheduler and the protocol
// server. Calls happen inline on the poll and request paths.
type Collector interface {
	ObservePoll(deviceType string, online bool, took time.Duration)
	SetDevicesOnline(n int)
	IncCycle()
	IncSchedulerFault()
	IncServerRequest(function, result string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObservePoll(string, bool, time.Duration) {}
func (noopCollector) SetDevicesOnline(int)                    {}
func (noopCollector) IncCycle()                               {}
func (noopCollector) IncSchedulerFault()                      {}
func (noopCollector) IncServerRequest(string, string)         {}

// PrometheusCollector exposes gateway metrics via Prometheus.
type PrometheusCollector struct {
	polls          *prometheus.CounterVec
	pollDuration   *prometheus.HistogramVec
	devicesOnline  prometheus.Gauge
	cycles         prometheus.Counter
	faults         prometheus.Counter
	serverRequests *prometheus.CounterVec
}

// NewPrometheusCollector registers the gateway metrics with reg, or with the
// default registerer when reg is nil. Registering twice against the same
// registerer reuses the existing metrics.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var (
		p   PrometheusCollector
		err error
	)
	if p.polls, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modbus_gateway_polls_total",
		Help: "Device polls by device type and resulting status.",
	}, []string{"type", "status"})); err != nil {
		return nil, err
	}
	if p.pollDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modbus_gateway_poll_duration_seconds",
		Help:    "Wall time of a single device poll.",
		Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"type"})); err != nil {
		return nil, err
	}
	if p.devicesOnline, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "modbus_gateway_devices_online",
		Help: "Devices that answered their latest poll.",
	})); err != nil {
		return nil, err
	}
	if p.cycles, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "modbus_gateway_cycles_total",
		Help: "Completed acquisition cycles.",
	})); err != nil {
		return nil, err
	}
	if p.faults, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "modbus_gateway_scheduler_faults_total",
		Help: "Acquisition cycles aborted by an unexpected fault.",
	})); err != nil {
		return nil, err
	}
	if p.serverRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modbus_gateway_server_requests_total",
		Help: "Requests served by the gateway Modbus server by function and result.",
	}, []string{"function", "result"})); err != nil {
		return nil, err
	}
	return &p, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

func (p *PrometheusCollector) ObservePoll(deviceType string, online bool, took time.Duration) {
	if p == nil {
		return
	}
	status := "offline"
	if online {
		status = "online"
	}
	p.polls.WithLabelValues(deviceType, status).Inc()
	p.pollDuration.WithLabelValues(deviceType).Observe(took.Seconds())
}

func (p *PrometheusCollector) SetDevicesOnline(n int) {
	if p == nil {
		return
	}
	p.devicesOnline.Set(float64(n))
}

func (p *PrometheusCollector) IncCycle() {
	if p == nil {
		return
	}
	p.cycles.Inc()
}

func (p *PrometheusCollector) IncSchedulerFault() {
	if p == nil {
		return
	}
	p.faults.Inc()
}

func (p *PrometheusCollector) IncServerRequest(function, result string) {
	if p == nil {
		return
	}
	p.serverRequests.WithLabelValues(function, result).Inc()
}
