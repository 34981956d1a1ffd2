package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"terapia/internal/models"
)

func (db *DB) CreateSubmission(ctx context.Context, sub *models.Submission) error {
	sessions, err := json.Marshal(sub.Sessions)
	if err != nil {
		return fmt.Errorf("failed to marshal sessions: %w", err)
	}

	query := `INSERT INTO submissions (id, patient_ref, plan_id, sessions, status, created_at)
              VALUES (?, ?, ?, ?, ?, ?)`
	now := time.Now()
	_, err = db.db.ExecContext(ctx, query,
		sub.ID,
		sub.PatientRef,
		sub.PlanID,
		string(sessions),
		sub.Status,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}
	sub.CreatedAt = now

	return nil
}

func (db *DB) GetSubmission(ctx context.Context, id string) (*models.Submission, error) {
	query := `SELECT id, patient_ref, plan_id, sessions, status, created_at, forwarded_at
              FROM submissions WHERE id = ?`

	var sub models.Submission
	var sessions string
	err := db.db.QueryRowContext(ctx, query, id).Scan(
		&sub.ID,
		&sub.PatientRef,
		&sub.PlanID,
		&sessions,
		&sub.Status,
		&sub.CreatedAt,
		&sub.ForwardedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}

	if err := json.Unmarshal([]byte(sessions), &sub.Sessions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sessions: %w", err)
	}

	return &sub, nil
}

func (db *DB) UpdateSubmissionStatus(ctx context.Context, id, status string) error {
	var query string
	var args []interface{}

	if status == models.SubmissionForwarded {
		now := time.Now()
		query = `UPDATE submissions SET status = ?, forwarded_at = ? WHERE id = ?`
		args = []interface{}{status, &now, id}
	} else {
		query = `UPDATE submissions SET status = ? WHERE id = ?`
		args = []interface{}{status, id}
	}

	_, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update submission status: %w", err)
	}
	return nil
}

func (db *DB) GetSubmissionsByStatus(ctx context.Context, status string) ([]models.Submission, error) {
	query := `SELECT id, patient_ref, plan_id, sessions, status, created_at, forwarded_at
              FROM submissions WHERE status = ? ORDER BY created_at ASC`

	rows, err := db.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to get submissions: %w", err)
	}
	defer rows.Close()

	var subs []models.Submission
	for rows.Next() {
		var sub models.Submission
		var sessions string
		err := rows.Scan(
			&sub.ID, &sub.PatientRef, &sub.PlanID, &sessions, &sub.Status, &sub.CreatedAt, &sub.ForwardedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		if err := json.Unmarshal([]byte(sessions), &sub.Sessions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sessions: %w", err)
		}
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate submissions: %w", err)
	}
	return subs, nil
}
