// Copyright 2025 James Ross
package producer

import (
	"context"

	"github.com/sgucard/dispatcher/internal/obs"
	"github.com/sgucard/dispatcher/internal/store"
	"go.uber.org/zap"
)

// Skip reasons, returned verbatim so callers (the API and the periodic producers) can
// log or surface them without re-deriving the policy (SPEC_FULL.md §4.5).
const (
	ReasonProcessingActive          = "processing_active"
	ReasonRecentSuccess             = "recent_success"
	ReasonPendingOrProcessingExists = "pending_or_processing_exists"
)

// Policy is the de-duplication configuration (SPEC_FULL.md §4.5, additive/OR).
type Policy struct {
	SkipExisting           bool
	SkipActiveProcessing   bool
	SkipRecentSuccessHours float64
}

// Producer is the sole write path into the Job Store for new work (C5). The dispatcher
// and periodic producers never call store.Insert directly; they go through CreateJob so
// the de-duplication policy is applied uniformly.
type Producer struct {
	store  store.Store
	policy Policy
	log    *zap.Logger
}

func New(st store.Store, policy Policy, log *zap.Logger) *Producer {
	return &Producer{store: st, policy: policy, log: log}
}

// CreateJob inserts a new sgucard job for card unless a de-duplication filter skips
// it. All checks are advisory (SPEC_FULL.md §4.5): a race may still produce a
// duplicate pending row, which is harmless because the dispatcher serializes per card
// via claim order and the backend is idempotent on repeated extractions.
func (p *Producer) CreateJob(ctx context.Context, card string, cardAlt, patientID *string) (job *store.Job, skipped bool, reason string, err error) {
	if p.policy.SkipActiveProcessing {
		active, err := p.store.ByCardActiveProcessing(ctx, card)
		if err != nil {
			return nil, false, "", err
		}
		if active {
			p.skip(card, ReasonProcessingActive)
			return nil, true, ReasonProcessingActive, nil
		}
	}

	if p.policy.SkipRecentSuccessHours > 0 {
		recent, err := p.store.ByCardSuccessRecent(ctx, card, p.policy.SkipRecentSuccessHours)
		if err != nil {
			return nil, false, "", err
		}
		if recent {
			p.skip(card, ReasonRecentSuccess)
			return nil, true, ReasonRecentSuccess, nil
		}
	}

	if p.policy.SkipExisting {
		exists, err := p.store.ByCardPendingOrProcessing(ctx, card)
		if err != nil {
			return nil, false, "", err
		}
		if exists {
			p.skip(card, ReasonPendingOrProcessingExists)
			return nil, true, ReasonPendingOrProcessingExists, nil
		}
	}

	j, err := p.store.Insert(ctx, store.TypeSGUCard, card, cardAlt, patientID)
	if err != nil {
		return nil, false, "", err
	}
	obs.JobsInserted.Inc()
	p.log.Info("job inserted", zap.String("job_id", j.ID), zap.String("card", card))
	return j, false, "", nil
}

func (p *Producer) skip(card, reason string) {
	obs.JobsSkipped.WithLabelValues(reason).Inc()
	p.log.Debug("job skipped", zap.String("card", card), zap.String("reason", reason))
}
