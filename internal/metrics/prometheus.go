package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "hl_sentinel_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(g)
		return g
	}

	m := &Metrics{
		Ticks:               promCounter{counter("ticks_total", "Total number of scheduler ticks.")},
		TaskErrors:          promCounter{counter("task_errors_total", "Total number of isolated task failures.")},
		AnomaliesDetected:   promCounter{counter("anomalies_detected_total", "Total number of anomalies emitted after dedup.")},
		AnomaliesSuppressed: promCounter{counter("anomalies_suppressed_total", "Total number of anomalies suppressed by dedup.")},
		WatchpointsFired:    promCounter{counter("watchpoints_fired_total", "Total number of watchpoints fired.")},
		ClosesDetected:      promCounter{counter("closes_detected_total", "Total number of position closes detected.")},
		WakesDispatched:     promCounter{counter("wakes_dispatched_total", "Total number of reasoning engine wakes dispatched.")},
		WakesSkipped:        promCounter{counter("wakes_skipped_total", "Total number of wake attempts skipped.")},
		BreakerTrips:        promCounter{counter("breaker_trips_total", "Total number of circuit breaker trips.")},
		ActiveWatchpoints:   promGauge{gauge("active_watchpoints", "Number of ACTIVE watchpoints.")},
		OpenPositions:       promGauge{gauge("open_positions", "Number of open positions in the cache.")},
		DailyRealizedPnL:    promGauge{gauge("daily_realized_pnl_usd", "Realized PnL accumulated for the current UTC day.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
