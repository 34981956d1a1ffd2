package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"terapia/internal/database"
	"terapia/internal/events"
	"terapia/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	calls    atomic.Int64
	failures atomic.Int64 // fail this many calls before succeeding
}

func (b *fakeBackend) RegisterSessions(ctx context.Context, submission *models.Submission) error {
	n := b.calls.Add(1)
	if n <= b.failures.Load() {
		return errors.New("backend unavailable")
	}
	return nil
}

func newTestForwarder(t *testing.T, backend *fakeBackend, retry RetryPolicy) (*Forwarder, *database.DB) {
	t.Helper()
	db, err := database.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fwd := NewForwarder(db, backend, nil, events.NewEventBus(), retry, zerolog.Nop())
	fwd.SetPollInterval(10 * time.Millisecond)
	return fwd, db
}

func journaledSubmission(t *testing.T, db *database.DB, id string) *models.Submission {
	t.Helper()
	sub := &models.Submission{
		ID:         id,
		PatientRef: "patient-3",
		PlanID:     "plan-weekly-2",
		Sessions: []models.SessionRequest{
			{
				Date:        "2026-09-03",
				StartTime:   models.TimeOfDay{Hour: 10, Minute: 0},
				EndTime:     models.TimeOfDay{Hour: 10, Minute: 50},
				RoomID:      1,
				TherapistID: 2,
			},
		},
		Status: models.SubmissionPending,
	}
	require.NoError(t, db.CreateSubmission(context.Background(), sub))
	return sub
}

func runForwarder(t *testing.T, fwd *Forwarder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		fwd.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestEnqueuePersistsTask(t *testing.T) {
	fwd, db := newTestForwarder(t, &fakeBackend{}, RetryPolicy{})
	ctx := context.Background()

	sub := journaledSubmission(t, db, "sub-1")
	require.NoError(t, fwd.Enqueue(ctx, sub))

	tasks, err := db.GetPendingSyncTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskForwardSubmission, tasks[0].TaskType)
	assert.Equal(t, "sub-1", tasks[0].SubmissionID)
}

func TestEnqueueRejectsEmptySubmission(t *testing.T) {
	fwd, _ := newTestForwarder(t, &fakeBackend{}, RetryPolicy{})

	assert.Error(t, fwd.Enqueue(context.Background(), nil))
	assert.Error(t, fwd.Enqueue(context.Background(), &models.Submission{}))
}

func TestRunForwardsSubmission(t *testing.T) {
	backend := &fakeBackend{}
	fwd, db := newTestForwarder(t, backend, RetryPolicy{})
	ctx := context.Background()

	var forwarded atomic.Int64
	fwd.bus.Subscribe(events.EventSubmissionForwarded, func(e *events.Event) error {
		forwarded.Add(1)
		return nil
	})

	sub := journaledSubmission(t, db, "sub-2")
	require.NoError(t, fwd.Enqueue(ctx, sub))

	runForwarder(t, fwd)

	require.Eventually(t, func() bool {
		got, err := db.GetSubmission(ctx, "sub-2")
		return err == nil && got != nil && got.Status == models.SubmissionForwarded
	}, 2*time.Second, 10*time.Millisecond)

	got, err := db.GetSubmission(ctx, "sub-2")
	require.NoError(t, err)
	require.NotNil(t, got.ForwardedAt)
	assert.EqualValues(t, 1, forwarded.Load())

	tasks, err := db.GetPendingSyncTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestRunRetriesTransientFailure(t *testing.T) {
	backend := &fakeBackend{}
	backend.failures.Store(1)
	fwd, db := newTestForwarder(t, backend, RetryPolicy{
		MaxRetries:    5,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		BackoffFactor: 2,
	})
	ctx := context.Background()

	sub := journaledSubmission(t, db, "sub-3")
	require.NoError(t, fwd.Enqueue(ctx, sub))

	runForwarder(t, fwd)

	require.Eventually(t, func() bool {
		got, err := db.GetSubmission(ctx, "sub-3")
		return err == nil && got != nil && got.Status == models.SubmissionForwarded
	}, 2*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, backend.calls.Load(), int64(2))
}

func TestRunDeadLettersAfterMaxRetries(t *testing.T) {
	backend := &fakeBackend{}
	backend.failures.Store(100)
	fwd, db := newTestForwarder(t, backend, RetryPolicy{
		MaxRetries:    2,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		BackoffFactor: 2,
	})
	ctx := context.Background()

	var dead atomic.Int64
	fwd.bus.Subscribe(events.EventSubmissionDeadLetter, func(e *events.Event) error {
		dead.Add(1)
		return nil
	})

	sub := journaledSubmission(t, db, "sub-4")
	require.NoError(t, fwd.Enqueue(ctx, sub))

	runForwarder(t, fwd)

	require.Eventually(t, func() bool {
		got, err := db.GetSubmission(ctx, "sub-4")
		return err == nil && got != nil && got.Status == models.SubmissionFailed
	}, 2*time.Second, 10*time.Millisecond)

	failed, err := db.GetFailedSyncTasks(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.EqualValues(t, 1, dead.Load())
}
