package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/flightincorporated47/metasys-connector-backend/internal/ports"
)

// PromObs routes counters, gauges and latencies to Prometheus collectors and
// log calls to zerolog. Unknown metric names are ignored.
type PromObs struct {
	log      zerolog.Logger
	counters map[string]prometheus.Counter
	vecs     map[string]*prometheus.CounterVec
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

func NewPromObs(reg prometheus.Registerer, logger zerolog.Logger) *PromObs {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	polled := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metasys_points_polled_total",
		Help: "Point reads attempted.",
	})
	published := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metasys_points_published_total",
		Help: "Change events delivered to the batch sink.",
	})
	batches := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metasys_batches_published_total",
		Help: "Batches delivered to the batch sink.",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metasys_errors_total",
		Help: "Read and publish failures.",
	})
	flushErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metasys_flush_errors_total",
		Help: "Failed batch sink writes.",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metasys_dropped_events_total",
		Help: "Change events rejected because the publisher buffer was full.",
	})
	readErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metasys_read_errors_total",
		Help: "Point read failures by error class.",
	}, []string{"class"})

	bufferLen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "metasys_publisher_buffer_length",
		Help: "Change events buffered and not yet batched.",
	})
	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "metasys_pending_batches",
		Help: "Batches awaiting a successful sink write.",
	})
	planPoints := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "metasys_plan_points",
		Help: "Points in the active poll plan.",
	})
	walSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "metasys_wal_size_bytes",
		Help: "Size of the batch WAL on disk.",
	})

	readLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "metasys_read_latency_seconds",
		Help:    "Latency of a single point read.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	sinkLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "metasys_sink_latency_seconds",
		Help:    "Latency of a batch sink write.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	reg.MustRegister(polled, published, batches, errorsTotal, flushErrors, dropped, readErrors,
		bufferLen, pending, planPoints, walSize, readLatency, sinkLatency)

	return &PromObs{
		log: logger,
		counters: map[string]prometheus.Counter{
			"metasys_points_polled_total":     polled,
			"metasys_points_published_total":  published,
			"metasys_batches_published_total": batches,
			"metasys_errors_total":            errorsTotal,
			"metasys_flush_errors_total":      flushErrors,
			"metasys_dropped_events_total":    dropped,
		},
		vecs: map[string]*prometheus.CounterVec{
			"metasys_read_errors_total": readErrors,
		},
		gauges: map[string]prometheus.Gauge{
			"metasys_publisher_buffer_length": bufferLen,
			"metasys_pending_batches":         pending,
			"metasys_plan_points":             planPoints,
			"metasys_wal_size_bytes":          walSize,
		},
		histos: map[string]prometheus.Observer{
			"metasys_read_latency_seconds": readLatency,
			"metasys_sink_latency_seconds": sinkLatency,
		},
	}
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	withFields(p.log.Info(), fields).Msg(msg)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	withFields(p.log.Error().Err(err), fields).Msg(msg)
}

// LogCritical logs at error level with critical=true; zerolog's fatal level
// would exit the process.
func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	withFields(p.log.Error().Err(err).Bool("critical", true), fields).Msg(msg)
}

// IncCounter adds v to the named counter. Labeled counters take their label
// values in declaration order.
func (p *PromObs) IncCounter(name string, v float64, labels ...string) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
		return
	}
	if vec, ok := p.vecs[name]; ok {
		c, err := vec.GetMetricWithLabelValues(labels...)
		if err != nil {
			p.log.Warn().Err(err).Str("metric", name).Msg("counter label mismatch")
			return
		}
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func withFields(e *zerolog.Event, fields []ports.Field) *zerolog.Event {
	for _, f := range fields {
		e = e.Interface(f.Key, f.Value)
	}
	return e
}

var _ ports.Observability = (*PromObs)(nil)
