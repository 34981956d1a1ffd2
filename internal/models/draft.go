package models

import "time"

// Draft is a persisted snapshot of an in-progress registration: the plan
// choice plus the current state of every slot. Availability sets inside the
// slots are stale after a restart and are requeried on the next edit.
type Draft struct {
	ID         string        `json:"id"`
	PatientRef string        `json:"patient_ref"`
	PlanID     string        `json:"plan_id"`
	Slots      []SessionSlot `json:"slots"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Submission statuses.
const (
	SubmissionPending   = "pending"
	SubmissionForwarded = "forwarded"
	SubmissionFailed    = "failed"
)

// Submission is an accepted registration payload, journaled before it is
// forwarded to the clinic backend.
type Submission struct {
	ID          string           `json:"id"`
	PatientRef  string           `json:"patient_ref"`
	PlanID      string           `json:"plan_id"`
	Sessions    []SessionRequest `json:"sessions"`
	Status      string           `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	ForwardedAt *time.Time       `json:"forwarded_at,omitempty"`
}
