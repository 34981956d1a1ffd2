package repository

import (
	"context"
	"sync/atomic"
	"time"

	"terapia/internal/domain"
	"terapia/internal/models"

	"github.com/rs/zerolog"
)

// FailoverDraftRepository prefers the primary (Redis) store and trips to the
// fallback (memory) on errors, probing the primary again after a cooldown.
type FailoverDraftRepository struct {
	primary   domain.DraftRepository
	fallback  domain.DraftRepository
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	cooldown  time.Duration
}

func NewFailoverDraftRepository(primary, fallback domain.DraftRepository, logger *zerolog.Logger) *FailoverDraftRepository {
	return &FailoverDraftRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		cooldown: time.Minute,
	}
}

func (r *FailoverDraftRepository) markDown(err error) {
	r.logger.Error().Err(err).Msg("primary draft repository failed, falling back to memory")
	r.isDown.Store(true)
	r.lastCheck.Store(time.Now().UnixNano())
}

// shouldProbe reports whether the cooldown elapsed and the primary deserves
// another try.
func (r *FailoverDraftRepository) shouldProbe() bool {
	last := time.Unix(0, r.lastCheck.Load())
	return time.Since(last) > r.cooldown
}

func (r *FailoverDraftRepository) GetDraft(ctx context.Context, id string) (*models.Draft, error) {
	if !r.isDown.Load() {
		draft, err := r.primary.GetDraft(ctx, id)
		if err == nil {
			return draft, nil
		}
		r.markDown(err)
	} else if r.shouldProbe() {
		draft, err := r.primary.GetDraft(ctx, id)
		if err == nil {
			r.isDown.Store(false)
			return draft, nil
		}
		r.lastCheck.Store(time.Now().UnixNano())
	}

	return r.fallback.GetDraft(ctx, id)
}

func (r *FailoverDraftRepository) SaveDraft(ctx context.Context, draft *models.Draft) error {
	if !r.isDown.Load() {
		err := r.primary.SaveDraft(ctx, draft)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}

	return r.fallback.SaveDraft(ctx, draft)
}

func (r *FailoverDraftRepository) DeleteDraft(ctx context.Context, id string) error {
	if !r.isDown.Load() {
		err := r.primary.DeleteDraft(ctx, id)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}

	return r.fallback.DeleteDraft(ctx, id)
}
