package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"terapia/internal/config"
	"terapia/internal/domain"
	"terapia/internal/metrics"
	"terapia/internal/models"
	"terapia/internal/schedule"
	"terapia/internal/service"
	"terapia/internal/timeslot"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// HTTPServer exposes the draft lifecycle over REST.
type HTTPServer struct {
	cfg       config.APIConfig
	scheduler domain.SchedulingService
	server    *http.Server
	auth      *HTTPAuth
	logger    *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, scheduler domain.SchedulingService, logger *zerolog.Logger) *HTTPServer {
	mux := http.NewServeMux()
	srv := &HTTPServer{cfg: cfg, scheduler: scheduler, logger: logger}
	srv.auth = NewHTTPAuth(cfg)

	mux.HandleFunc("/api/v1/plans", srv.handlePlans)
	mux.HandleFunc("/api/v1/drafts", srv.handleDrafts)
	mux.HandleFunc("/api/v1/drafts/", srv.handleDraft)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the configured handler chain, for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) handlePlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("plans")
	writeJSON(w, http.StatusOK, map[string]any{"plans": s.scheduler.Plans()})
}

func (s *HTTPServer) handleDrafts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("drafts_create")

	var body struct {
		PatientRef string `json:"patientRef"`
		PlanID     string `json:"planId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.PatientRef) == "" {
		writeError(w, http.StatusBadRequest, "patientRef is required")
		return
	}
	if strings.TrimSpace(body.PlanID) == "" {
		writeError(w, http.StatusBadRequest, "planId is required")
		return
	}

	draft, err := s.scheduler.CreateDraft(r.Context(), body.PatientRef, body.PlanID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, draftView(draft))
}

// handleDraft dispatches /api/v1/drafts/{id}[/plan|/slots/{index}|/submit].
func (s *HTTPServer) handleDraft(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/v1/drafts/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	draftID := parts[0]

	switch {
	case len(parts) == 1:
		s.handleDraftRoot(w, r, draftID)
	case len(parts) == 2 && parts[1] == "plan":
		s.handleDraftPlan(w, r, draftID)
	case len(parts) == 2 && parts[1] == "submit":
		s.handleDraftSubmit(w, r, draftID)
	case len(parts) == 3 && parts[1] == "slots":
		index, err := strconv.Atoi(parts[2])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid slot index")
			return
		}
		s.handleDraftSlot(w, r, draftID, index)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *HTTPServer) handleDraftRoot(w http.ResponseWriter, r *http.Request, draftID string) {
	switch r.Method {
	case http.MethodGet:
		metrics.IncHTTP("drafts_get")
		draft, err := s.scheduler.GetDraft(r.Context(), draftID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, draftView(draft))
	case http.MethodDelete:
		metrics.IncHTTP("drafts_discard")
		if err := s.scheduler.DiscardDraft(r.Context(), draftID); err != nil {
			s.writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) handleDraftPlan(w http.ResponseWriter, r *http.Request, draftID string) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("drafts_change_plan")

	var body struct {
		PlanID string `json:"planId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.PlanID) == "" {
		writeError(w, http.StatusBadRequest, "planId is required")
		return
	}

	draft, err := s.scheduler.ChangePlan(r.Context(), draftID, body.PlanID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draftView(draft))
}

// slotPatch edits one slot field at a time; pointers distinguish "absent"
// from zero values so a null roomId clears the selection.
type slotPatch struct {
	Date        *string `json:"date"`
	StartTime   *string `json:"startTime"`
	RoomID      *int64  `json:"roomId"`
	TherapistID *int64  `json:"therapistId"`
}

func (s *HTTPServer) handleDraftSlot(w http.ResponseWriter, r *http.Request, draftID string, index int) {
	if r.Method != http.MethodPatch {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("drafts_edit_slot")

	var body slotPatch
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	var draft *models.Draft
	var err error

	switch {
	case body.Date != nil:
		draft, err = s.scheduler.SetSlotDate(ctx, draftID, index, strings.TrimSpace(*body.Date))
	case body.StartTime != nil:
		start, perr := parseStartTime(*body.StartTime)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid startTime; expected HH:MM or 12-hour display form")
			return
		}
		draft, err = s.scheduler.SetSlotStartTime(ctx, draftID, index, start)
	case body.RoomID != nil:
		draft, err = s.scheduler.SelectSlotRoom(ctx, draftID, index, *body.RoomID)
	case body.TherapistID != nil:
		draft, err = s.scheduler.SelectSlotTherapist(ctx, draftID, index, *body.TherapistID)
	default:
		writeError(w, http.StatusBadRequest, "no editable field in body")
		return
	}

	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draftView(draft))
}

func (s *HTTPServer) handleDraftSubmit(w http.ResponseWriter, r *http.Request, draftID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("drafts_submit")

	submission, err := s.scheduler.Submit(r.Context(), draftID)
	if err != nil {
		var incomplete *service.IncompleteError
		if errors.As(err, &incomplete) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":    "draft incomplete",
				"problems": incomplete.Problems,
			})
			return
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submission)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrDraftNotFound):
		writeError(w, http.StatusNotFound, "draft not found")
	case errors.Is(err, service.ErrPlanNotFound):
		writeError(w, http.StatusBadRequest, "unknown plan")
	case errors.Is(err, schedule.ErrSlotIndex):
		writeError(w, http.StatusNotFound, "slot index out of range")
	case errors.Is(err, schedule.ErrNotOfferable):
		writeError(w, http.StatusConflict, "choice is not in the offered set")
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// parseStartTime accepts the wire form ("HH:MM" or "HH:MM:SS") and the
// 12-hour display form ("hh:mm AM").
func parseStartTime(raw string) (models.TimeOfDay, error) {
	if t, err := timeslot.ParseDisplayTime(raw); err == nil {
		return t, nil
	}
	var t models.TimeOfDay
	if err := t.UnmarshalJSON([]byte(strconv.Quote(strings.TrimSpace(raw)))); err != nil {
		return models.TimeOfDay{}, err
	}
	return t, nil
}

// slotViewModel augments a slot snapshot with the 12-hour display strings
// clients show next to the pickers.
type slotViewModel struct {
	models.SessionSlot
	StartTimeDisplay string `json:"startTimeDisplay"`
	EndTimeDisplay   string `json:"endTimeDisplay"`
}

type draftViewModel struct {
	ID         string          `json:"id"`
	PatientRef string          `json:"patientRef"`
	PlanID     string          `json:"planId"`
	Slots      []slotViewModel `json:"slots"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

func draftView(d *models.Draft) draftViewModel {
	slots := make([]slotViewModel, len(d.Slots))
	for i, slot := range d.Slots {
		slots[i] = slotViewModel{
			SessionSlot:      slot,
			StartTimeDisplay: timeslot.DisplayFormat(slot.StartTime),
			EndTimeDisplay:   timeslot.DisplayFormat(slot.EndTime),
		}
	}
	return draftViewModel{
		ID:         d.ID,
		PatientRef: d.PatientRef,
		PlanID:     d.PlanID,
		Slots:      slots,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

// HTTPAuth provides API-key auth and per-key rate limiting.
type HTTPAuth struct {
	cfg      config.APIConfig
	clients  map[string]config.APIClientKey
	limiters sync.Map // map[string]*rate.Limiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return &HTTPAuth{cfg: cfg, clients: m}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled || !a.cfg.HTTP.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(r); err != nil {
				statusCode := http.StatusUnauthorized
				if err == errPermissionDenied {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, err.Error())
				return
			}
		}

		if err := a.checkRateLimit(r); err != nil {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

var errPermissionDenied = fmt.Errorf("permission denied")

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKeyHeader := strings.TrimSpace(strings.ToLower(a.cfg.Auth.HeaderAPIKey))
	if apiKeyHeader == "" {
		apiKeyHeader = "x-api-key"
	}
	extraHeader := strings.TrimSpace(strings.ToLower(a.cfg.Auth.HeaderExtra))
	if extraHeader == "" {
		extraHeader = "x-api-extra"
	}

	apiKey := strings.TrimSpace(r.Header.Get(apiKeyHeader))
	extra := strings.TrimSpace(r.Header.Get(extraHeader))
	if apiKey == "" || extra == "" {
		return fmt.Errorf("missing api key headers")
	}

	client, ok := a.clients[apiKey]
	if !ok {
		return fmt.Errorf("invalid api key")
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return fmt.Errorf("invalid extra header")
	}

	return a.checkPermissions(client, r)
}

func (a *HTTPAuth) checkPermissions(client config.APIClientKey, r *http.Request) error {
	required := requiredPermissionHTTP(r)
	if required == "" {
		return nil
	}
	if len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

func requiredPermissionHTTP(r *http.Request) string {
	path := r.URL.Path
	if path == "/api/v1/plans" {
		return "read:plans"
	}
	if strings.HasPrefix(path, "/api/v1/drafts") {
		if r.Method == http.MethodGet {
			return "read:drafts"
		}
		return "write:drafts"
	}
	return ""
}

func (a *HTTPAuth) checkRateLimit(r *http.Request) error {
	if a.cfg.RateLimit.RPS <= 0 {
		return nil
	}

	key := a.clientKey(r)
	lim := a.getLimiter(key)
	if !lim.Allow() {
		return fmt.Errorf("rate limit exceeded")
	}
	return nil
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	apiKeyHeader := strings.TrimSpace(strings.ToLower(a.cfg.Auth.HeaderAPIKey))
	if apiKeyHeader == "" {
		apiKeyHeader = "x-api-key"
	}

	if apiKey := strings.TrimSpace(r.Header.Get(apiKeyHeader)); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return "unknown"
}

func (a *HTTPAuth) getLimiter(key string) *rate.Limiter {
	if v, ok := a.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}

	burst := a.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 5
	}

	lim := rate.NewLimiter(rate.Limit(a.cfg.RateLimit.RPS), burst)
	actual, loaded := a.limiters.LoadOrStore(key, lim)
	if loaded {
		return actual.(*rate.Limiter)
	}
	return lim
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
