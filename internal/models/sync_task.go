package models

import "time"

// Sync task statuses.
const (
	TaskPending   = "pending"
	TaskRetry     = "retry"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// SyncTask is one unit of forwarding work persisted in the sync queue.
type SyncTask struct {
	ID           int64      `json:"id"`
	TaskType     string     `json:"task_type"`
	SubmissionID string     `json:"submission_id"`
	Payload      string     `json:"payload"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	LastError    string     `json:"last_error"`
	CreatedAt    time.Time  `json:"created_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
}
