package broker

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the broker's Prometheus collectors.
type Metrics struct {
	Published     prometheus.Counter
	Received      prometheus.Counter
	Dispatched    prometheus.Counter
	Discarded     prometheus.Counter
	DecodeErrors  prometheus.Counter
	Subscriptions prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zeq", Subsystem: "broker", Name: "events_published_total",
			Help: "Events accepted by the publisher socket.",
		}),
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zeq", Subsystem: "broker", Name: "events_received_total",
			Help: "Frames consumed from subscriptions.",
		}),
		Dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zeq", Subsystem: "broker", Name: "events_dispatched_total",
			Help: "Received events passed to a registered handler.",
		}),
		Discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zeq", Subsystem: "broker", Name: "events_discarded_total",
			Help: "Received events with no registered handler.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zeq", Subsystem: "broker", Name: "decode_errors_total",
			Help: "Received frames that could not be decoded into an event.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zeq", Subsystem: "broker", Name: "subscriptions",
			Help: "Active subscriptions.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	// brokers sharing a registerer share the collectors
	for _, c := range []*prometheus.Counter{&m.Published, &m.Received, &m.Dispatched, &m.Discarded, &m.DecodeErrors} {
		if *c, err = register(reg, *c); err != nil {
			return nil, err
		}
	}
	if m.Subscriptions, err = register(reg, m.Subscriptions); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
