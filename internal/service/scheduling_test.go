package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"terapia/internal/database"
	"terapia/internal/events"
	"terapia/internal/models"
	"terapia/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	roomTherapy = models.Room{ID: 1, Name: "Sala 1", IsTherapeutic: true, Enabled: true}
	roomOffice  = models.Room{ID: 2, Name: "Oficina", IsTherapeutic: false, Enabled: true}
	therapistA  = models.Therapist{ID: 10, Name: "Dra. Ana"}
)

type stubAvailability struct{}

func (stubAvailability) AvailableRooms(ctx context.Context, date string, start, end models.TimeOfDay) ([]models.Room, error) {
	return []models.Room{roomTherapy, roomOffice}, nil
}

func (stubAvailability) AvailableTherapists(ctx context.Context, date string, start, end models.TimeOfDay) ([]models.Therapist, error) {
	return []models.Therapist{therapistA}, nil
}

type captureForwarder struct {
	mu   sync.Mutex
	subs []*models.Submission
}

func (f *captureForwarder) Enqueue(ctx context.Context, submission *models.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, submission)
	return nil
}

func (f *captureForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

var testPlans = []models.Plan{
	{ID: "weekly-2", Name: "Semanal x2", Sessions: 2},
	{ID: "weekly-4", Name: "Semanal x4", Sessions: 4},
}

func newTestService(t *testing.T) (*SchedulingService, *repository.MemoryDraftRepository, *captureForwarder, *database.DB) {
	t.Helper()
	db, err := database.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := repository.NewMemoryDraftRepository(time.Hour)
	fwd := &captureForwarder{}
	logger := zerolog.Nop()
	svc := NewSchedulingService(testPlans, stubAvailability{}, repo, db, fwd, events.NewEventBus(), time.Second, &logger)
	return svc, repo, fwd, db
}

// fillSlot drives one slot to a submittable state.
func fillSlot(t *testing.T, svc *SchedulingService, draftID string, index int, date string) {
	t.Helper()
	ctx := context.Background()

	_, err := svc.SetSlotDate(ctx, draftID, index, date)
	require.NoError(t, err)
	_, err = svc.SetSlotStartTime(ctx, draftID, index, models.TimeOfDay{Hour: 9, Minute: 0})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		draft, err := svc.GetDraft(ctx, draftID)
		return err == nil && draft.Slots[index].State == models.SlotStateReconciled
	}, 2*time.Second, 10*time.Millisecond)

	_, err = svc.SelectSlotRoom(ctx, draftID, index, roomTherapy.ID)
	require.NoError(t, err)
	_, err = svc.SelectSlotTherapist(ctx, draftID, index, therapistA.ID)
	require.NoError(t, err)
}

func TestCreateDraftUnknownPlan(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.CreateDraft(context.Background(), "patient-1", "nope")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestCreateDraftBuildsSlots(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()

	draft, err := svc.CreateDraft(ctx, "patient-1", "weekly-2")
	require.NoError(t, err)
	require.Len(t, draft.Slots, 2)
	for _, slot := range draft.Slots {
		assert.Equal(t, models.SlotStateIdle, slot.State)
		assert.Empty(t, slot.Date)
	}

	persisted, err := repo.GetDraft(ctx, draft.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Len(t, persisted.Slots, 2)
}

func TestChangePlanRebuildsSlots(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	draft, err := svc.CreateDraft(ctx, "patient-1", "weekly-2")
	require.NoError(t, err)
	fillSlot(t, svc, draft.ID, 0, "2026-09-01")

	updated, err := svc.ChangePlan(ctx, draft.ID, "weekly-4")
	require.NoError(t, err)
	assert.Equal(t, "weekly-4", updated.PlanID)
	require.Len(t, updated.Slots, 4)
	for _, slot := range updated.Slots {
		assert.Empty(t, slot.Date)
		assert.Zero(t, slot.RoomID)
	}
}

func TestGetDraftMissing(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.GetDraft(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrDraftNotFound)
}

func TestSubmitIncompleteDraft(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	draft, err := svc.CreateDraft(ctx, "patient-1", "weekly-2")
	require.NoError(t, err)
	fillSlot(t, svc, draft.ID, 0, "2026-09-01")

	_, err = svc.Submit(ctx, draft.ID)
	var incomplete *IncompleteError
	require.ErrorAs(t, err, &incomplete)
	require.Contains(t, incomplete.Problems, 1)
	assert.Equal(t, models.TagRequired, incomplete.Problems[1][models.FieldDate])
}

func TestSubmitJournalsAndEnqueues(t *testing.T) {
	svc, repo, fwd, db := newTestService(t)
	ctx := context.Background()

	draft, err := svc.CreateDraft(ctx, "patient-1", "weekly-2")
	require.NoError(t, err)
	fillSlot(t, svc, draft.ID, 0, "2026-09-01")
	fillSlot(t, svc, draft.ID, 1, "2026-09-03")

	submission, err := svc.Submit(ctx, draft.ID)
	require.NoError(t, err)
	require.Len(t, submission.Sessions, 2)
	assert.Equal(t, models.TimeOfDay{Hour: 9, Minute: 50}, submission.Sessions[0].EndTime)

	journaled, err := db.GetSubmission(ctx, submission.ID)
	require.NoError(t, err)
	require.NotNil(t, journaled)
	assert.Equal(t, models.SubmissionPending, journaled.Status)

	assert.Equal(t, 1, fwd.count())

	// The draft is gone once accepted.
	persisted, err := repo.GetDraft(ctx, draft.ID)
	require.NoError(t, err)
	assert.Nil(t, persisted)
	_, err = svc.GetDraft(ctx, draft.ID)
	assert.ErrorIs(t, err, ErrDraftNotFound)
}

func TestDraftRehydratedAfterRestart(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	draft, err := svc.CreateDraft(ctx, "patient-1", "weekly-2")
	require.NoError(t, err)
	fillSlot(t, svc, draft.ID, 0, "2026-09-01")

	// Simulate a restart: the live slot set is gone, only the repository copy
	// remains.
	svc.mu.Lock()
	delete(svc.live, draft.ID)
	svc.mu.Unlock()

	restored, err := svc.GetDraft(ctx, draft.ID)
	require.NoError(t, err)
	slot := restored.Slots[0]
	assert.Equal(t, "2026-09-01", slot.Date)
	assert.Equal(t, roomTherapy.ID, slot.RoomID)
	assert.Equal(t, models.SlotStateIdle, slot.State)
	assert.Empty(t, slot.AvailableRooms, "availability is stale after restart")
}

func TestDiscardDraft(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()

	draft, err := svc.CreateDraft(ctx, "patient-1", "weekly-2")
	require.NoError(t, err)

	require.NoError(t, svc.DiscardDraft(ctx, draft.ID))
	persisted, err := repo.GetDraft(ctx, draft.ID)
	require.NoError(t, err)
	assert.Nil(t, persisted)
}

func TestPlansListsConfiguredPlans(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	plans := svc.Plans()
	require.Len(t, plans, 2)
	assert.Equal(t, "weekly-2", plans[0].ID)
}

func TestSelectRoomRejectsNonTherapeutic(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	draft, err := svc.CreateDraft(ctx, "patient-1", "weekly-2")
	require.NoError(t, err)

	_, err = svc.SetSlotDate(ctx, draft.ID, 0, "2026-09-01")
	require.NoError(t, err)
	_, err = svc.SetSlotStartTime(ctx, draft.ID, 0, models.TimeOfDay{Hour: 9, Minute: 0})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		d, err := svc.GetDraft(ctx, draft.ID)
		return err == nil && d.Slots[0].State == models.SlotStateReconciled
	}, 2*time.Second, 10*time.Millisecond)

	_, err = svc.SelectSlotRoom(ctx, draft.ID, 0, roomOffice.ID)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDraftNotFound))
}
