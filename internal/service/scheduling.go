package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"terapia/internal/database"
	"terapia/internal/domain"
	"terapia/internal/events"
	"terapia/internal/metrics"
	"terapia/internal/models"
	"terapia/internal/schedule"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrPlanNotFound  = errors.New("plan not found")
	ErrDraftNotFound = errors.New("draft not found")
)

// IncompleteError carries the per-slot gating problems that block a submit.
type IncompleteError struct {
	Problems map[int]map[string]string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("draft incomplete: %d slot(s) not ready", len(e.Problems))
}

func (e *IncompleteError) Unwrap() error {
	return schedule.ErrIncomplete
}

// SchedulingService owns the draft lifecycle: one live slot set per draft,
// snapshots persisted to the draft repository on every change, accepted
// submissions journaled in sqlite and handed to the forwarder.
type SchedulingService struct {
	plans        []models.Plan
	planIndex    map[string]models.Plan
	client       domain.AvailabilityClient
	repo         domain.DraftRepository
	db           *database.DB
	forwarder    domain.SubmissionForwarder
	eventBus     domain.EventPublisher
	logger       *zerolog.Logger
	queryTimeout time.Duration

	mu   sync.Mutex
	live map[string]*draftEntry
}

type draftEntry struct {
	draft *models.Draft
	set   *schedule.SlotSet
}

func NewSchedulingService(
	plans []models.Plan,
	client domain.AvailabilityClient,
	repo domain.DraftRepository,
	db *database.DB,
	forwarder domain.SubmissionForwarder,
	eventBus domain.EventPublisher,
	queryTimeout time.Duration,
	logger *zerolog.Logger,
) *SchedulingService {
	if queryTimeout <= 0 {
		queryTimeout = models.DefaultQueryTimeout * time.Second
	}
	planIndex := make(map[string]models.Plan, len(plans))
	for _, p := range plans {
		planIndex[p.ID] = p
	}
	return &SchedulingService{
		plans:        plans,
		planIndex:    planIndex,
		client:       client,
		repo:         repo,
		db:           db,
		forwarder:    forwarder,
		eventBus:     eventBus,
		logger:       logger,
		queryTimeout: queryTimeout,
		live:         make(map[string]*draftEntry),
	}
}

// Plans returns the configured treatment plans.
func (s *SchedulingService) Plans() []models.Plan {
	out := make([]models.Plan, len(s.plans))
	copy(out, s.plans)
	return out
}

func (s *SchedulingService) CreateDraft(ctx context.Context, patientRef, planID string) (*models.Draft, error) {
	plan, ok := s.planIndex[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}

	now := time.Now()
	draft := &models.Draft{
		ID:         uuid.NewString(),
		PatientRef: patientRef,
		PlanID:     plan.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	set := s.newSlotSet(draft.ID)
	set.Rebuild(plan.Sessions)
	draft.Slots = set.Snapshot()

	s.mu.Lock()
	s.live[draft.ID] = &draftEntry{draft: draft, set: set}
	s.mu.Unlock()

	if err := s.repo.SaveDraft(ctx, draft); err != nil {
		return nil, fmt.Errorf("failed to save draft: %w", err)
	}

	_ = s.eventBus.PublishJSON(events.EventDraftCreated, events.SlotEventPayload{DraftID: draft.ID})
	s.logger.Info().Str("draft_id", draft.ID).Str("plan_id", plan.ID).Msg("draft created")

	return copyDraft(draft), nil
}

func (s *SchedulingService) GetDraft(ctx context.Context, id string) (*models.Draft, error) {
	entry, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.snapshot(entry), nil
}

func (s *SchedulingService) ChangePlan(ctx context.Context, id, planID string) (*models.Draft, error) {
	plan, ok := s.planIndex[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}

	entry, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}

	// A plan switch always discards the slots, even when the session count
	// happens to match.
	entry.set.Rebuild(plan.Sessions)

	s.mu.Lock()
	entry.draft.PlanID = plan.ID
	s.mu.Unlock()

	_ = s.eventBus.PublishJSON(events.EventDraftRebuilt, events.SlotEventPayload{DraftID: id})

	return s.persist(ctx, entry)
}

func (s *SchedulingService) SetSlotDate(ctx context.Context, id string, index int, date string) (*models.Draft, error) {
	entry, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := entry.set.SetDate(index, date); err != nil {
		return nil, err
	}
	return s.persist(ctx, entry)
}

func (s *SchedulingService) SetSlotStartTime(ctx context.Context, id string, index int, start models.TimeOfDay) (*models.Draft, error) {
	entry, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := entry.set.SetStartTime(index, start); err != nil {
		return nil, err
	}
	return s.persist(ctx, entry)
}

func (s *SchedulingService) SelectSlotRoom(ctx context.Context, id string, index int, roomID int64) (*models.Draft, error) {
	entry, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := entry.set.SelectRoom(index, roomID); err != nil {
		return nil, err
	}
	return s.persist(ctx, entry)
}

func (s *SchedulingService) SelectSlotTherapist(ctx context.Context, id string, index int, therapistID int64) (*models.Draft, error) {
	entry, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := entry.set.SelectTherapist(index, therapistID); err != nil {
		return nil, err
	}
	return s.persist(ctx, entry)
}

func (s *SchedulingService) Submit(ctx context.Context, id string) (*models.Submission, error) {
	entry, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}

	payload, err := entry.set.Payload()
	if err != nil {
		if errors.Is(err, schedule.ErrIncomplete) {
			return nil, &IncompleteError{Problems: entry.set.Incomplete()}
		}
		return nil, err
	}

	s.mu.Lock()
	patientRef := entry.draft.PatientRef
	planID := entry.draft.PlanID
	s.mu.Unlock()

	submission := &models.Submission{
		ID:         uuid.NewString(),
		PatientRef: patientRef,
		PlanID:     planID,
		Sessions:   payload,
		Status:     models.SubmissionPending,
	}

	if err := s.db.CreateSubmission(ctx, submission); err != nil {
		return nil, fmt.Errorf("failed to journal submission: %w", err)
	}

	if err := s.forwarder.Enqueue(ctx, submission); err != nil {
		// The submission is journaled; the worker poll loop will still
		// find it through the sync queue row or operator replay.
		s.logger.Error().Err(err).Str("submission_id", submission.ID).Msg("failed to enqueue submission")
	}

	if err := s.repo.DeleteDraft(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("draft_id", id).Msg("failed to delete submitted draft")
	}
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()

	metrics.IncSubmission("accepted")
	_ = s.eventBus.PublishJSON(events.EventSubmissionAccepted, events.SubmissionEventPayload{
		SubmissionID: submission.ID,
		PatientRef:   submission.PatientRef,
		PlanID:       submission.PlanID,
		Sessions:     len(submission.Sessions),
	})
	s.logger.Info().
		Str("submission_id", submission.ID).
		Str("draft_id", id).
		Int("sessions", len(submission.Sessions)).
		Msg("submission accepted")

	return submission, nil
}

func (s *SchedulingService) DiscardDraft(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()

	if err := s.repo.DeleteDraft(ctx, id); err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	return nil
}

// entry returns the live slot set for a draft, rehydrating from the
// repository after a restart. Restored slots keep their selections but
// requery availability on the next edit.
func (s *SchedulingService) entry(ctx context.Context, id string) (*draftEntry, error) {
	s.mu.Lock()
	if e, ok := s.live[id]; ok {
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()

	draft, err := s.repo.GetDraft(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load draft: %w", err)
	}
	if draft == nil {
		return nil, fmt.Errorf("%w: %s", ErrDraftNotFound, id)
	}

	set := s.newSlotSet(draft.ID)
	set.Restore(draft.Slots)
	entry := &draftEntry{draft: draft, set: set}

	s.mu.Lock()
	if existing, ok := s.live[id]; ok {
		// Lost the race to another request; use theirs.
		entry = existing
	} else {
		s.live[id] = entry
	}
	s.mu.Unlock()

	return entry, nil
}

func (s *SchedulingService) newSlotSet(draftID string) *schedule.SlotSet {
	return schedule.NewSlotSet(s.client, s.logger,
		schedule.WithQueryTimeout(s.queryTimeout),
		schedule.WithEvents(s.eventBus, draftID),
		schedule.WithOnChange(func(slots []models.SessionSlot) {
			s.persistSnapshot(draftID, slots)
		}),
	)
}

// persistSnapshot saves slots updated by a background availability response.
// Detached context: the originating request is long gone.
func (s *SchedulingService) persistSnapshot(draftID string, slots []models.SessionSlot) {
	s.mu.Lock()
	entry, ok := s.live[draftID]
	if !ok {
		s.mu.Unlock()
		return
	}
	entry.draft.Slots = slots
	entry.draft.UpdatedAt = time.Now()
	draft := copyDraft(entry.draft)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.SaveDraft(ctx, draft); err != nil {
		s.logger.Warn().Err(err).Str("draft_id", draftID).Msg("failed to persist draft snapshot")
	}
}

func (s *SchedulingService) persist(ctx context.Context, entry *draftEntry) (*models.Draft, error) {
	s.mu.Lock()
	entry.draft.Slots = entry.set.Snapshot()
	entry.draft.UpdatedAt = time.Now()
	draft := copyDraft(entry.draft)
	s.mu.Unlock()

	if err := s.repo.SaveDraft(ctx, draft); err != nil {
		return nil, fmt.Errorf("failed to save draft: %w", err)
	}
	return draft, nil
}

func (s *SchedulingService) snapshot(entry *draftEntry) *models.Draft {
	s.mu.Lock()
	entry.draft.Slots = entry.set.Snapshot()
	draft := copyDraft(entry.draft)
	s.mu.Unlock()
	return draft
}

func copyDraft(d *models.Draft) *models.Draft {
	out := *d
	out.Slots = make([]models.SessionSlot, len(d.Slots))
	copy(out.Slots, d.Slots)
	return &out
}
