package analytics

import (
	"context"
	"net/http"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/matchmaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "ranked_mm"

// Metrics is the Prometheus instrumentation of the matchmaking pipeline.
// Each instance owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry
	log      zerolog.Logger

	queueDepth      *prometheus.GaugeVec
	tickDuration    *prometheus.HistogramVec
	candidates      *prometheus.CounterVec
	escalations     *prometheus.CounterVec
	capacityAlerts  *prometheus.CounterVec
	readyChecks     *prometheus.CounterVec
	handoffs        *prometheus.CounterVec
	waitSeconds     *prometheus.HistogramVec
	qualityScore    *prometheus.HistogramVec
	samplesDropped  prometheus.Counter
	samplesRecorded *prometheus.CounterVec
}

func NewMetrics(log zerolog.Logger) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		log:      log.With().Str("component", "metrics").Logger(),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_waiting_tickets",
			Help:      "Waiting tickets seen by the last tick of each shard.",
		}, []string{"shard"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one matchmaking pass over a shard.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"shard"}),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Match candidates formed.",
		}, []string{"shard"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "range_escalations_total",
			Help:      "Tickets whose range was escalated after stalling.",
		}, []string{"shard"}),
		capacityAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_alerts_total",
			Help:      "Tickets that waited past the alert ceiling.",
		}, []string{"shard"}),
		readyChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ready_checks_total",
			Help:      "Resolved ready checks by outcome.",
		}, []string{"outcome"}),
		handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Session handoffs by outcome.",
		}, []string{"outcome"}),
		waitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "candidate_wait_seconds",
			Help:      "Longest ticket wait in each resolved candidate.",
			Buckets:   []float64{5, 15, 30, 60, 120, 180, 300, 600},
		}, []string{"outcome"}),
		qualityScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quality_score",
			Help:      "Quality score of resolved candidates.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"outcome"}),
		samplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_samples_load_shed_total",
			Help:      "Quality samples dropped because the buffer was full.",
		}),
		samplesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_samples_persisted_total",
			Help:      "Quality samples written to storage.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.queueDepth, m.tickDuration, m.candidates, m.escalations, m.capacityAlerts,
		m.readyChecks, m.handoffs, m.waitSeconds, m.qualityScore,
		m.samplesDropped, m.samplesRecorded,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveTick implements matchmaker.TickObserver
func (m *Metrics) ObserveTick(r matchmaker.TickReport) {
	shard := r.Shard.String()
	m.queueDepth.WithLabelValues(shard).Set(float64(r.Considered))
	m.tickDuration.WithLabelValues(shard).Observe(r.Duration.Seconds())
	m.candidates.WithLabelValues(shard).Add(float64(len(r.Candidates)))
	m.escalations.WithLabelValues(shard).Add(float64(len(r.Escalated)))
}

// CapacityAlert implements matchmaker.AlertSink
func (m *Metrics) CapacityAlert(_ context.Context, a matchmaker.CapacityAlert) {
	m.capacityAlerts.WithLabelValues(a.Shard.String()).Inc()
	m.log.Error().
		Str("shard", a.Shard.String()).
		Str("ticket_id", a.TicketID.String()).
		Int("players", len(a.PlayerIDs)).
		Dur("waited", a.Waited).
		Msg("ticket waited past alert ceiling")
}

// ObserveReadyCheck counts a ready-check resolution
func (m *Metrics) ObserveReadyCheck(outcome domain.ReadyOutcome) {
	m.readyChecks.WithLabelValues(string(outcome)).Inc()
}

// ObserveHandoff implements handoff.Observer
func (m *Metrics) ObserveHandoff(outcome string) {
	m.handoffs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeSample(s domain.QualitySample) {
	m.waitSeconds.WithLabelValues(string(s.Outcome)).Observe(s.WaitSeconds)
	m.qualityScore.WithLabelValues(string(s.Outcome)).Observe(s.Score)
}
