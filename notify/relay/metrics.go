package relay

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "notifyrelay"

type metrics struct {
	fires         prometheus.Counter
	staleFires    prometheus.Counter
	forwarded     prometheus.Counter
	buffered      prometheus.Counter
	dropped       prometheus.Counter
	acks          prometheus.Counter
	sinkFailures  prometheus.Counter
	subscriptions prometheus.Gauge
	pending       prometheus.Gauge
	running       prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		fires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fires_total",
			Help:      "Notifications received from the change source.",
		}),
		staleFires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stale_fires_total",
			Help:      "Notifications received for a subscription that no longer exists.",
		}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "forwarded_total",
			Help:      "Notifications handed to the attached listener.",
		}),
		buffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "buffered_total",
			Help:      "Notifications appended to the pending buffer.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_total",
			Help:      "Pending notifications discarded because the buffer was full.",
		}),
		acks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "acks_total",
			Help:      "Acknowledgements released to the change source.",
		}),
		sinkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "listener_failures_total",
			Help:      "Listener sends that failed and detached the listener.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "subscriptions",
			Help:      "Live subscriptions.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending",
			Help:      "Notifications waiting for a listener.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "running",
			Help:      "1 while the relay is running or starting.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.fires, m.staleFires, m.forwarded, m.buffered, m.dropped,
		m.acks, m.sinkFailures, m.subscriptions, m.pending, m.running,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
		}
	}
	return m, nil
}
