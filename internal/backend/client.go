package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"terapia/internal/domain"
	"terapia/internal/models"
	"terapia/internal/timeslot"

	"github.com/rs/zerolog"
)

const defaultTimeout = 30 * time.Second

// Client talks to the clinic backend that owns the canonical session
// calendar. Registrations are idempotent on the submission id.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     domain.TokenProvider
	logger     *zerolog.Logger
}

func NewClient(baseURL string, tokens domain.TokenProvider, timeout time.Duration, logger *zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		logger:     logger,
	}
}

type registerRequest struct {
	SubmissionID string       `json:"submissionId"`
	PatientRef   string       `json:"patientRef"`
	PlanID       string       `json:"planId"`
	Sessions     []sessionRow `json:"sessions"`
}

type sessionRow struct {
	Date        string `json:"sessionDate"`
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime"`
	RoomID      int64  `json:"roomId"`
	TherapistID int64  `json:"therapistId"`
}

// RegisterSessions posts the whole session set in one request. The backend
// either books every session or rejects the set.
func (c *Client) RegisterSessions(ctx context.Context, submission *models.Submission) error {
	rows := make([]sessionRow, len(submission.Sessions))
	for i, s := range submission.Sessions {
		rows[i] = sessionRow{
			Date:        s.Date,
			StartTime:   timeslot.WireFormat(s.StartTime),
			EndTime:     timeslot.WireFormat(s.EndTime),
			RoomID:      s.RoomID,
			TherapistID: s.TherapistID,
		}
	}

	body, err := json.Marshal(registerRequest{
		SubmissionID: submission.ID,
		PatientRef:   submission.PatientRef,
		PlanID:       submission.PlanID,
		Sessions:     rows,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal register request: %w", err)
	}

	endpoint := c.baseURL + "/sessions/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to resolve credential: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to register sessions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if c.logger != nil {
			c.logger.Warn().
				Int("status", resp.StatusCode).
				Str("submission_id", submission.ID).
				Msg("backend rejected session registration")
		}
		return fmt.Errorf("register sessions: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return nil
}
