package analytics

import (
	"context"
	"encoding/json"
	"math"
	"sync/atomic"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config controls scoring and the persistence worker
type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	SpreadNorm    float64
	WaitNorm      time.Duration
}

// SampleStore persists quality samples
type SampleStore interface {
	InsertQualitySamples(ctx context.Context, samples []domain.QualitySample) error
}

// Score rates a candidate in [0, 1]. A zero spread and no wait score 1.
func Score(spread float64, wait time.Duration, spreadNorm float64, waitNorm time.Duration) float64 {
	spreadPart := 1.0
	if spreadNorm > 0 {
		spreadPart = 1 - math.Min(math.Max(spread, 0)/spreadNorm, 1)
	}
	waitPart := 1.0
	if waitNorm > 0 {
		waitPart = 1 - math.Min(math.Max(wait.Seconds(), 0)/waitNorm.Seconds(), 1)
	}
	return 0.5*spreadPart + 0.5*waitPart
}

// Recorder buffers quality samples and writes them in batches off the hot path.
// When the buffer is full new samples are dropped and counted.
type Recorder struct {
	cfg     Config
	store   SampleStore
	metrics *Metrics
	log     zerolog.Logger
	queue   chan domain.QualitySample
	dropped atomic.Int64
	written atomic.Int64
}

func NewRecorder(cfg Config, store SampleStore, metrics *Metrics, log zerolog.Logger) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &Recorder{
		cfg:     cfg,
		store:   store,
		metrics: metrics,
		log:     log.With().Str("component", "analytics").Logger(),
		queue:   make(chan domain.QualitySample, cfg.BufferSize),
	}
}

// Sample builds the observation of a resolved candidate
func (r *Recorder) Sample(c *domain.MatchCandidate, outcome domain.QualityOutcome, at time.Time) domain.QualitySample {
	wait := time.Duration(c.WaitSeconds * float64(time.Second))
	players, _ := json.Marshal(c.PlayerIDs())
	return domain.QualitySample{
		ID:           uuid.New(),
		Timestamp:    at,
		CandidateID:  c.ID,
		QueueType:    c.Shard.QueueType,
		Region:       c.Shard.Region,
		Outcome:      outcome,
		Score:        Score(c.RatingSpread, wait, r.cfg.SpreadNorm, r.cfg.WaitNorm),
		WaitSeconds:  c.WaitSeconds,
		RatingSpread: c.RatingSpread,
		PlayerIDs:    players,
	}
}

// RecordCandidate scores and enqueues a resolved candidate
func (r *Recorder) RecordCandidate(c *domain.MatchCandidate, outcome domain.QualityOutcome, at time.Time) {
	r.Record(r.Sample(c, outcome, at))
}

// Record enqueues a sample without blocking. It reports false when the sample was shed.
func (r *Recorder) Record(s domain.QualitySample) bool {
	if r.metrics != nil {
		r.metrics.observeSample(s)
	}
	select {
	case r.queue <- s:
		return true
	default:
		r.dropped.Add(1)
		if r.metrics != nil {
			r.metrics.samplesDropped.Inc()
		}
		return false
	}
}

// Dropped returns how many samples were shed
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written returns how many samples were persisted
func (r *Recorder) Written() int64 { return r.written.Load() }

// Run persists batches until ctx is done, then drains what is left
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]domain.QualitySample, 0, r.cfg.BatchSize)
	for {
		select {
		case s := <-r.queue:
			batch = append(batch, s)
			if len(batch) >= r.cfg.BatchSize {
				batch = r.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = r.flush(ctx, batch)
		case <-ctx.Done():
			r.drain(batch)
			return nil
		}
	}
}

func (r *Recorder) drain(batch []domain.QualitySample) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case s := <-r.queue:
			batch = append(batch, s)
			if len(batch) >= r.cfg.BatchSize {
				batch = r.flush(ctx, batch)
			}
		default:
			r.flush(ctx, batch)
			r.log.Info().Int64("written", r.Written()).Int64("dropped", r.Dropped()).Msg("quality recorder stopped")
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context, batch []domain.QualitySample) []domain.QualitySample {
	if len(batch) == 0 {
		return batch
	}
	if err := r.store.InsertQualitySamples(ctx, batch); err != nil {
		r.log.Error().Err(err).Int("samples", len(batch)).Msg("failed to persist quality samples")
		if r.metrics != nil {
			r.metrics.samplesRecorded.WithLabelValues("error").Add(float64(len(batch)))
		}
	} else {
		r.written.Add(int64(len(batch)))
		if r.metrics != nil {
			r.metrics.samplesRecorded.WithLabelValues("ok").Add(float64(len(batch)))
		}
	}
	return batch[:0]
}
