package domain

import (
	"context"

	"terapia/internal/models"
)

// AvailabilityClient queries the external scheduling availability service
// for a concrete (date, start, end) window. The two queries are independent
// and may be issued concurrently.
type AvailabilityClient interface {
	AvailableRooms(ctx context.Context, date string, start, end models.TimeOfDay) ([]models.Room, error)
	AvailableTherapists(ctx context.Context, date string, start, end models.TimeOfDay) ([]models.Therapist, error)
}

// TokenProvider supplies the bearer credential forwarded on outbound calls.
// Injected at construction instead of being read from ambient state.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// DraftRepository persists in-progress registration drafts.
type DraftRepository interface {
	GetDraft(ctx context.Context, id string) (*models.Draft, error)
	SaveDraft(ctx context.Context, draft *models.Draft) error
	DeleteDraft(ctx context.Context, id string) error
}

// EventPublisher is the in-process event fan-out.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// SubmissionForwarder accepts journaled submissions for asynchronous
// delivery to the clinic backend.
type SubmissionForwarder interface {
	Enqueue(ctx context.Context, submission *models.Submission) error
}

// BackendClient registers an accepted session set with the clinic backend.
type BackendClient interface {
	RegisterSessions(ctx context.Context, submission *models.Submission) error
}

// SchedulingService is the draft lifecycle exposed to the HTTP layer.
type SchedulingService interface {
	Plans() []models.Plan
	CreateDraft(ctx context.Context, patientRef, planID string) (*models.Draft, error)
	GetDraft(ctx context.Context, id string) (*models.Draft, error)
	ChangePlan(ctx context.Context, id, planID string) (*models.Draft, error)
	SetSlotDate(ctx context.Context, id string, index int, date string) (*models.Draft, error)
	SetSlotStartTime(ctx context.Context, id string, index int, start models.TimeOfDay) (*models.Draft, error)
	SelectSlotRoom(ctx context.Context, id string, index int, roomID int64) (*models.Draft, error)
	SelectSlotTherapist(ctx context.Context, id string, index int, therapistID int64) (*models.Draft, error)
	Submit(ctx context.Context, id string) (*models.Submission, error)
	DiscardDraft(ctx context.Context, id string) error
}
