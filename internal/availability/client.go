package availability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"terapia/internal/domain"
	"terapia/internal/models"

	"github.com/rs/zerolog"
)

const defaultTimeout = 15 * time.Second

// Client wraps the REST scheduling availability service. It only forwards
// the bearer credential it is given; credential lifecycle lives elsewhere.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     domain.TokenProvider
	logger     *zerolog.Logger
}

// NewClient constructs an availability client.
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

// AvailableRooms returns the raw room set free in the requested window.
// Therapeutic/enabled filtering is the caller's concern.
func (c *Client) AvailableRooms(ctx context.Context, date string, start, end models.TimeOfDay) ([]models.Room, error) {
	var rooms []models.Room
	if err := c.getJSON(ctx, "/available-rooms", date, start, end, &rooms); err != nil {
		return nil, fmt.Errorf("get available rooms: %w", err)
	}
	return rooms, nil
}

// AvailableTherapists returns the therapists free in the requested window.
func (c *Client) AvailableTherapists(ctx context.Context, date string, start, end models.TimeOfDay) ([]models.Therapist, error) {
	var therapists []models.Therapist
	if err := c.getJSON(ctx, "/available-therapists", date, start, end, &therapists); err != nil {
		return nil, fmt.Errorf("get available therapists: %w", err)
	}
	return therapists, nil
}

func (c *Client) getJSON(ctx context.Context, path, date string, start, end models.TimeOfDay, out interface{}) error {
	q := url.Values{}
	q.Set("sessionDate", date)
	q.Set("startTime", start.String())
	q.Set("endTime", end.String())
	endpoint := fmt.Sprintf("%s%s?%s", c.baseURL, path, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("resolve credential: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if c.logger != nil {
			c.logger.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("availability query failed")
		}
		return fmt.Errorf("request %s: unexpected status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
