package service

import (
	"context"
	"time"

	"github.com/dom/ranked-matchmaking/internal/allocator"
	"github.com/dom/ranked-matchmaking/internal/analytics"
	"github.com/dom/ranked-matchmaking/internal/config"
	"github.com/dom/ranked-matchmaking/internal/handoff"
	"github.com/dom/ranked-matchmaking/internal/matchmaker"
	"github.com/dom/ranked-matchmaking/internal/queue"
	"github.com/dom/ranked-matchmaking/internal/rating"
	"github.com/dom/ranked-matchmaking/internal/readycheck"
	"github.com/dom/ranked-matchmaking/internal/repository"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	allocatorTimeout = 5 * time.Second
	waitWindow       = 50
)

type Services struct {
	Tokens      *TokenService
	Ratings     *RatingService
	Reviews     *ReviewService
	Queue       *QueueService
	Accounts    *CooldownRegistry
	ReadyChecks *readycheck.Coordinator
	Handoff     *handoff.Handoff
	Matchmaker  *matchmaker.Matchmaker
	Recorder    *analytics.Recorder
	Metrics     *analytics.Metrics
	Store       queue.TicketStore
	Allocator   allocator.Allocator
	Repos       *repository.Repositories
}

type options struct {
	allocator allocator.Allocator
	notifier  Notifier
	store     queue.TicketStore
}

// Option overrides a collaborator of the service graph
type Option func(*options)

func WithAllocator(a allocator.Allocator) Option { return func(o *options) { o.allocator = a } }

func WithNotifier(n Notifier) Option { return func(o *options) { o.notifier = n } }

func WithTicketStore(s queue.TicketStore) Option { return func(o *options) { o.store = s } }

func NewServices(repos *repository.Repositories, cfg *config.Config, log zerolog.Logger, opts ...Option) (*Services, error) {
	o := options{notifier: NopNotifier{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = queue.NewShardedStore()
	}
	if o.allocator == nil {
		if cfg.Handoff.AllocatorURL != "" {
			o.allocator = allocator.NewHTTPClient(cfg.Handoff.AllocatorURL, allocatorTimeout)
		} else {
			log.Warn().Msg("ALLOCATOR_URL not set, using in-process session allocator")
			o.allocator = allocator.NewLocal(0)
		}
	}

	mm := cfg.Matchmaking
	composition, err := mm.RoleComposition()
	if err != nil {
		return nil, err
	}

	metrics := analytics.NewMetrics(log)
	scheduler := queue.NewScheduler(queue.RangePolicy{
		BaseRange:     mm.BaseRange,
		Step:          mm.RangeStep,
		Interval:      mm.RangeInterval,
		Cap:           mm.RangeCap,
		LatencyBaseMs: mm.LatencyBaseMs,
		LatencyStepMs: mm.LatencyStepMs,
		LatencyCapMs:  mm.LatencyCapMs,
	})

	rc := cfg.Rating
	model := rating.NewModel(rating.Policy{
		InitialMean:        rc.InitialMean,
		InitialUncertainty: rc.InitialUncertainty,
		UncertaintyFloor:   rc.UncertaintyFloor,
		ShrinkFactor:       rc.ShrinkFactor,
		KBase:              rc.KBase,
		KMinRatio:          rc.KMinRatio,
		InactivityPeriod:   rc.InactivityPeriod,
		DecayPerPeriod:     rc.DecayPerPeriod,
	})
	ratings := NewRatingService(repos, model, rating.PlacementPolicy{
		Games:       rc.PlacementGames,
		BandMin:     rc.PlacementBandMin,
		BandMax:     rc.PlacementBandMax,
		Uncertainty: rc.PlacementUncertainty,
	}, rc.MaxRetries, log)

	reviews := NewReviewService(repos.SmurfReviews, log)
	accounts := NewCooldownRegistry(log)
	parties := queue.NewPartyAggregator(queue.PartyPolicy{
		MaxPartySize:       mm.MaxPartySize,
		TeamSize:           mm.TeamSize,
		PenaltyPerVariance: mm.PenaltyPerVariance,
		MaxSpreadPenalty:   mm.MaxSpreadPenalty,
	}, eligibilityGates{reviews, accounts}, o.store)

	ac := cfg.Analytics
	recorder := analytics.NewRecorder(analytics.Config{
		BufferSize:    ac.BufferSize,
		BatchSize:     ac.BatchSize,
		FlushInterval: ac.FlushInterval,
		SpreadNorm:    ac.SpreadNorm,
		WaitNorm:      ac.WaitNorm,
	}, repos.QualitySamples, metrics, log)

	compensation := queue.Compensation{Amount: mm.CompensationBoost, Duration: mm.CompensationDuration}
	hc := cfg.Handoff
	hand := handoff.New(handoff.Config{
		VoiceEnabled:   hc.VoiceEnabled,
		SyncTimeout:    hc.SyncTimeout,
		MaxRetries:     hc.MaxRetries,
		InitialBackoff: hc.InitialBackoff,
		MaxBackoff:     hc.MaxBackoff,
		Compensation:   compensation,
	}, o.store, o.allocator, repos.Matches, log,
		handoff.WithNotifier(o.notifier),
		handoff.WithQualityRecorder(recorder),
		handoff.WithObserver(metrics),
	)

	readyChecks := readycheck.NewCoordinator(mm.ReadyCheckTimeout, o.notifier, nil, log)
	queueSvc := NewQueueService(QueueConfig{
		Regions:         cfg.Regions,
		Compensation:    compensation,
		DeclineCooldown: mm.DeclineCooldown,
	}, QueueDeps{
		Store:       o.store,
		Scheduler:   scheduler,
		Parties:     parties,
		Ratings:     ratings,
		ReadyChecks: readyChecks,
		Handoff:     hand,
		Estimator:   queue.NewWaitEstimator(waitWindow),
		Quality:     recorder,
		Observer:    metrics,
		Accounts:    accounts,
		Notifier:    o.notifier,
	}, log)
	readyChecks.SetHandler(queueSvc)
	reviews.SetEvictor(queueSvc)

	matcher := matchmaker.New(matchmaker.Config{
		TickInterval: mm.TickInterval,
		TeamCount:    mm.TeamCount,
		TeamSize:     mm.TeamSize,
		Composition:  composition,
		ScanLimit:    mm.ScanLimit,
		EvalBudget:   mm.EvalBudget,
		StallCeiling: mm.StallCeiling,
		AlertCeiling: mm.AlertCeiling,
	}, o.store, scheduler, queueSvc, log,
		matchmaker.WithAlertSink(metrics),
		matchmaker.WithObserver(metrics),
	)

	return &Services{
		Tokens:      NewTokenService(cfg.JWTSecret, time.Duration(cfg.JWTExpirationHours)*time.Hour),
		Ratings:     ratings,
		Reviews:     reviews,
		Queue:       queueSvc,
		Accounts:    accounts,
		ReadyChecks: readyChecks,
		Handoff:     hand,
		Matchmaker:  matcher,
		Recorder:    recorder,
		Metrics:     metrics,
		Store:       o.store,
		Allocator:   o.allocator,
		Repos:       repos,
	}, nil
}

// Run drives the matchmaker loop and the analytics writer until ctx is done
func (s *Services) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Matchmaker.Run(gctx) })
	g.Go(func() error { return s.Recorder.Run(gctx) })
	return g.Wait()
}

// Close stops ready checks, waits for handoffs in flight and cancels pending session locks
func (s *Services) Close() {
	s.Queue.Close()
	s.Handoff.Close()
}
