package loopback

import (
	"sort"

	"github.com/rcrowley/go-metrics"
)

type sessionMetrics struct {
	registry metrics.Registry

	PiecesComplete   metrics.Gauge
	RequestsInFlight metrics.Gauge
	BlocksReceived   metrics.Counter
	BlocksSent       metrics.Counter
	Stalls           metrics.Counter
}

func (s *Session) initMetrics() {
	r := metrics.NewRegistry()
	s.metrics = &sessionMetrics{
		registry: r,

		PiecesComplete: metrics.NewRegisteredFunctionalGauge("pieces_complete", r, func() int64 {
			return int64(s.leechStore.Bitfield().Count())
		}),
		RequestsInFlight: metrics.NewRegisteredFunctionalGauge("requests_in_flight", r, func() int64 {
			return int64(len(s.leech.conn.Requests()))
		}),
		BlocksReceived: metrics.NewRegisteredCounter("blocks_received", r),
		BlocksSent:     metrics.NewRegisteredCounter("blocks_sent", r),
		Stalls:         metrics.NewRegisteredCounter("stalls", r),
	}
}

// snapshot returns the current value of every metric in the registry.
// Meters report their total count.
func (m *sessionMetrics) snapshot() map[string]int64 {
	values := make(map[string]int64)
	m.registry.Each(func(name string, i interface{}) {
		switch v := i.(type) {
		case metrics.Meter:
			values[name] = v.Count()
		case metrics.Counter:
			values[name] = v.Count()
		case metrics.Gauge:
			values[name] = v.Value()
		}
	})
	return values
}

func sortedNames(m map[string]int64) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
