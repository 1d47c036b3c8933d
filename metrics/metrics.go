// Package metrics exports decode statistics as Prometheus metrics, for
// scraping or for the node exporter textfile collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sergev/fluxdecode/track"
)

const namespace = "fluxdecode"

// Recorder holds the metrics of one decode run in its own registry.
type Recorder struct {
	registry *prometheus.Registry

	tracks         *prometheus.CounterVec
	revolutions    prometheus.Counter
	sectors        *prometheus.CounterVec
	fields         *prometheus.CounterVec
	syncLosses     *prometheus.CounterVec
	invalidSymbols *prometheus.CounterVec
	weakBits       prometheus.Counter
	weakRatio      prometheus.Histogram
	pllLocked      prometheus.Histogram
	pllJitter      prometheus.Histogram
}

// NewRecorder creates a recorder with a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		tracks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracks_total",
			Help:      "Tracks decoded by detected encoding",
		}, []string{"encoding"}),
		revolutions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revolutions_total",
			Help:      "Revolutions decoded",
		}),
		sectors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sectors_total",
			Help:      "Merged sectors by encoding and status",
		}, []string{"encoding", "status"}),
		fields: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_fields_total",
			Help:      "Data fields seen over all revolutions by encoding and status",
		}, []string{"encoding", "status"}),
		syncLosses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_losses_total",
			Help:      "Fields abandoned after losing sync",
		}, []string{"encoding"}),
		invalidSymbols: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_symbols_total",
			Help:      "GCR codes outside the code table",
		}, []string{"encoding"}),
		weakBits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weak_bits_total",
			Help:      "Weak bits on fused tracks",
		}),
		weakRatio: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "weak_ratio",
			Help:      "Fraction of weak bits per fused track",
			Buckets:   []float64{0, 0.0001, 0.001, 0.01, 0.05, 0.1, 0.5},
		}),
		pllLocked: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pll",
			Name:      "locked_ratio",
			Help:      "Fraction of pulses seen while locked, per revolution",
			Buckets:   []float64{0.5, 0.8, 0.9, 0.95, 0.99, 1},
		}),
		pllJitter: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pll",
			Name:      "jitter",
			Help:      "RMS phase error per revolution, fraction of a cell",
			Buckets:   prometheus.LinearBuckets(0.02, 0.02, 10),
		}),
	}
}

// Registry returns the registry holding the recorder's metrics.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveTrack adds one decoded track to the metrics.
func (r *Recorder) ObserveTrack(res *track.Result) {
	if res == nil {
		return
	}
	enc := res.Encoding.String()
	r.tracks.WithLabelValues(enc).Inc()

	good := res.GoodSectors()
	r.sectors.WithLabelValues(enc, "good").Add(float64(good))
	r.sectors.WithLabelValues(enc, "bad").Add(float64(len(res.Sectors) - good))

	for _, rev := range res.Revolutions {
		r.revolutions.Inc()
		r.pllLocked.Observe(rev.PLL.LockedRatio)
		r.pllJitter.Observe(rev.PLL.Jitter)
		for _, es := range rev.Decoders {
			if es.Stats.Found == 0 && es.Stats.SyncLosses == 0 && es.Stats.InvalidSymbols == 0 {
				continue
			}
			name := es.Encoding.String()
			r.fields.WithLabelValues(name, "good").Add(float64(es.Stats.Good))
			r.fields.WithLabelValues(name, "bad").Add(float64(es.Stats.Bad))
			r.syncLosses.WithLabelValues(name).Add(float64(es.Stats.SyncLosses))
			r.invalidSymbols.WithLabelValues(name).Add(float64(es.Stats.InvalidSymbols))
		}
	}

	r.weakBits.Add(float64(res.Weak.WeakBits))
	r.weakRatio.Observe(res.Weak.WeakRatio)
}

// WriteTextfile writes all metrics in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
