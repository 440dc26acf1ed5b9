// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sgucard/dispatcher/internal/producer"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CardLister is the reference-data collaborator named in SPEC_FULL.md §4.7 — out of
// core scope, injected here so the scheduler compiles and runs against a fake in
// tests and a real importer-backed implementation in production.
type CardLister interface {
	// CardsWithAppointmentOn returns every card with an appointment on the given day.
	CardsWithAppointmentOn(ctx context.Context, day time.Time) ([]string, error)
	// ActiveCards returns every card currently marked active.
	ActiveCards(ctx context.Context) ([]string, error)
}

// Summary is the structured outcome of one sweep, logged at the end of a run
// (SPEC_FULL.md §4.7).
type Summary struct {
	Created int
	Skipped int
	Errored int
}

// Scheduler runs the two canonical periodic producers (C7) in-process on a
// robfig/cron/v3 schedule.
type Scheduler struct {
	cards     CardLister
	producer  *producer.Producer
	limiter   *rate.Limiter
	dailySpec string
	sweepSpec string
	log       *zap.Logger
	cron      *cron.Cron
}

// New builds a scheduler. rateLimit is the minimum pause between enqueue calls
// (rate_limit_ms); zero or negative disables pacing entirely.
func New(cards CardLister, prod *producer.Producer, rateLimit time.Duration, dailySpec, sweepSpec string, log *zap.Logger) *Scheduler {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Every(rateLimit), 1)
	}
	return &Scheduler{
		cards:     cards,
		producer:  prod,
		limiter:   limiter,
		dailySpec: dailySpec,
		sweepSpec: sweepSpec,
		log:       log,
	}
}

// Start schedules both producers and begins running them. Call Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.dailySpec, func() { s.RunDailyWindow(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.sweepSpec, func() { s.RunFullSweep(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule. In-flight enqueue runs are allowed to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}

// RunDailyWindow enqueues a job for every card with an appointment tomorrow
// (SPEC_FULL.md §4.7 "Daily window").
func (s *Scheduler) RunDailyWindow(ctx context.Context) Summary {
	tomorrow := time.Now().Add(24 * time.Hour)
	cards, err := s.cards.CardsWithAppointmentOn(ctx, tomorrow)
	if err != nil {
		s.log.Error("daily window: failed to list cards", zap.Error(err))
		return Summary{Errored: 1}
	}
	summary := s.enqueueAll(ctx, cards)
	s.log.Info("daily window complete", zap.Int("created", summary.Created), zap.Int("skipped", summary.Skipped), zap.Int("errored", summary.Errored))
	return summary
}

// RunFullSweep enqueues a job for every card currently marked active
// (SPEC_FULL.md §4.7 "Full sweep").
func (s *Scheduler) RunFullSweep(ctx context.Context) Summary {
	cards, err := s.cards.ActiveCards(ctx)
	if err != nil {
		s.log.Error("full sweep: failed to list cards", zap.Error(err))
		return Summary{Errored: 1}
	}
	summary := s.enqueueAll(ctx, cards)
	s.log.Info("full sweep complete", zap.Int("created", summary.Created), zap.Int("skipped", summary.Skipped), zap.Int("errored", summary.Errored))
	return summary
}

func (s *Scheduler) enqueueAll(ctx context.Context, cards []string) Summary {
	var summary Summary
	for _, card := range cards {
		if err := s.limiter.Wait(ctx); err != nil {
			return summary
		}
		_, skipped, _, err := s.producer.CreateJob(ctx, card, nil, nil)
		switch {
		case err != nil:
			summary.Errored++
			s.log.Warn("enqueue failed", zap.String("card", card), zap.Error(err))
		case skipped:
			summary.Skipped++
		default:
			summary.Created++
		}
	}
	return summary
}
