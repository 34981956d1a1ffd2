package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"terapia/internal/availability"
	"terapia/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSubmission() *models.Submission {
	return &models.Submission{
		ID:         "sub-1",
		PatientRef: "patient-9",
		PlanID:     "plan-weekly-2",
		Sessions: []models.SessionRequest{
			{
				Date:        "2026-09-02",
				StartTime:   models.TimeOfDay{Hour: 15, Minute: 30},
				EndTime:     models.TimeOfDay{Hour: 16, Minute: 20},
				RoomID:      2,
				TherapistID: 5,
			},
		},
		Status: models.SubmissionPending,
	}
}

func TestRegisterSessions(t *testing.T) {
	var captured registerRequest
	var authHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sessions/register", r.URL.Path)
		authHeader = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	logger := zerolog.Nop()
	client := NewClient(srv.URL, availability.NewStaticTokenProvider("backend-token"), time.Second, &logger)

	require.NoError(t, client.RegisterSessions(context.Background(), testSubmission()))
	assert.Equal(t, "Bearer backend-token", authHeader)
	assert.Equal(t, "sub-1", captured.SubmissionID)
	require.Len(t, captured.Sessions, 1)
	assert.Equal(t, "2026-09-02", captured.Sessions[0].Date)
	assert.Equal(t, "15:30:00", captured.Sessions[0].StartTime)
	assert.Equal(t, "16:20:00", captured.Sessions[0].EndTime)
}

func TestRegisterSessionsBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "room already booked", http.StatusConflict)
	}))
	defer srv.Close()

	logger := zerolog.Nop()
	client := NewClient(srv.URL, nil, time.Second, &logger)

	err := client.RegisterSessions(context.Background(), testSubmission())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "room already booked")
}
