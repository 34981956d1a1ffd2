package repository

import (
	"context"
	"sync"
	"time"

	"terapia/internal/models"
)

type draftEntry struct {
	draft     *models.Draft
	expiresAt time.Time
}

// MemoryDraftRepository is the single-process fallback store. TTL handling
// is lazy: expired entries are dropped on read.
type MemoryDraftRepository struct {
	drafts sync.Map
	ttl    time.Duration
}

func NewMemoryDraftRepository(ttl time.Duration) *MemoryDraftRepository {
	return &MemoryDraftRepository{
		ttl: ttl,
	}
}

func (r *MemoryDraftRepository) GetDraft(ctx context.Context, id string) (*models.Draft, error) {
	val, ok := r.drafts.Load(id)
	if !ok {
		return nil, nil
	}
	entry := val.(*draftEntry)
	if r.ttl > 0 && time.Now().After(entry.expiresAt) {
		r.drafts.Delete(id)
		return nil, nil
	}
	return entry.draft, nil
}

func (r *MemoryDraftRepository) SaveDraft(ctx context.Context, draft *models.Draft) error {
	r.drafts.Store(draft.ID, &draftEntry{
		draft:     draft,
		expiresAt: time.Now().Add(r.ttl),
	})
	return nil
}

func (r *MemoryDraftRepository) DeleteDraft(ctx context.Context, id string) error {
	r.drafts.Delete(id)
	return nil
}
