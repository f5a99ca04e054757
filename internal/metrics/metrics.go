package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	Ticks               Counter
	TaskErrors          Counter
	AnomaliesDetected   Counter
	AnomaliesSuppressed Counter
	WatchpointsFired    Counter
	ClosesDetected      Counter
	WakesDispatched     Counter
	WakesSkipped        Counter
	BreakerTrips        Counter
	ActiveWatchpoints   Gauge
	OpenPositions       Gauge
	DailyRealizedPnL    Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		Ticks:               n,
		TaskErrors:          n,
		AnomaliesDetected:   n,
		AnomaliesSuppressed: n,
		WatchpointsFired:    n,
		ClosesDetected:      n,
		WakesDispatched:     n,
		WakesSkipped:        n,
		BreakerTrips:        n,
		ActiveWatchpoints:   g,
		OpenPositions:       g,
		DailyRealizedPnL:    g,
	}
}
