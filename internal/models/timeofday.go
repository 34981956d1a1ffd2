package models

import (
	"fmt"
	"strconv"
	"strings"
)

// TimeOfDay is a naive wall-clock time. The clinic operates in a single
// timezone, so no location is attached.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// NewTimeOfDay validates the hour/minute ranges.
func NewTimeOfDay(hour, minute int) (TimeOfDay, error) {
	if hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("hour out of range: %d", hour)
	}
	if minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("minute out of range: %d", minute)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// AddMinutes returns the time shifted by m minutes, wrapping modulo 24 hours.
// Time-of-day arithmetic only; the calendar date never rolls over here.
func (t TimeOfDay) AddMinutes(m int) TimeOfDay {
	total := (t.Hour*60 + t.Minute + m) % (24 * 60)
	if total < 0 {
		total += 24 * 60
	}
	return TimeOfDay{Hour: total / 60, Minute: total % 60}
}

// TotalMinutes returns minutes since midnight, used for window comparisons.
func (t TimeOfDay) TotalMinutes() int {
	return t.Hour*60 + t.Minute
}

func (t TimeOfDay) Before(other TimeOfDay) bool {
	return t.TotalMinutes() < other.TotalMinutes()
}

// String renders the short "HH:MM" form used in query parameters and logs.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// MarshalJSON emits the "HH:MM:SS" wire form expected by the backend.
func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", fmt.Sprintf("%02d:%02d:00", t.Hour, t.Minute))), nil
}

// UnmarshalJSON accepts "HH:MM:SS" and "HH:MM".
func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return fmt.Errorf("invalid time value: %s", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return fmt.Errorf("invalid hour in %s: %w", s, err)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("invalid minute in %s: %w", s, err)
	}
	parsed, err := NewTimeOfDay(hour, minute)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
