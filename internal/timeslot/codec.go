package timeslot

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"terapia/internal/models"
)

// ErrFormat is returned when a display-time label cannot be parsed.
var ErrFormat = errors.New("unrecognized time format")

// DisplayPlaceholder is rendered when no valid time is set. The formatter
// feeds passive UI rendering, so it degrades instead of failing.
const DisplayPlaceholder = "--:-- --"

// Accepts 12-hour labels with flexible meridian spelling: "1:30 pm",
// "09:00 A.M.", "12:00p.m.".
var displayTimeRe = regexp.MustCompile(`^\s*(\d{1,2})\s*:\s*(\d{2})\s*([AaPp])\s*\.?\s*[Mm]\s*\.?\s*$`)

// ParseDisplayTime converts a human-entered 12-hour label to a TimeOfDay.
func ParseDisplayTime(text string) (models.TimeOfDay, error) {
	m := displayTimeRe.FindStringSubmatch(text)
	if m == nil {
		return models.TimeOfDay{}, fmt.Errorf("%w: %q", ErrFormat, text)
	}

	hour, err := strconv.Atoi(m[1])
	if err != nil || hour < 1 || hour > 12 {
		return models.TimeOfDay{}, fmt.Errorf("%w: hour %q", ErrFormat, m[1])
	}
	minute, err := strconv.Atoi(m[2])
	if err != nil || minute > 59 {
		return models.TimeOfDay{}, fmt.Errorf("%w: minute %q", ErrFormat, m[2])
	}

	pm := strings.EqualFold(m[3], "p")
	// 12 AM is midnight, 12 PM is noon.
	if hour == 12 {
		hour = 0
	}
	if pm {
		hour += 12
	}

	return models.TimeOfDay{Hour: hour, Minute: minute}, nil
}

// WireFormat renders the "HH:MM:SS" form required by the backend API.
func WireFormat(t models.TimeOfDay) string {
	return fmt.Sprintf("%02d:%02d:00", t.Hour, t.Minute)
}

// DisplayFormat renders "hh:mm AM/PM" for the UI, or the placeholder when
// no time is set.
func DisplayFormat(t *models.TimeOfDay) string {
	if t == nil {
		return DisplayPlaceholder
	}

	suffix := "AM"
	hour := t.Hour
	if hour >= 12 {
		suffix = "PM"
	}
	hour = hour % 12
	if hour == 0 {
		hour = 12
	}

	return fmt.Sprintf("%02d:%02d %s", hour, t.Minute, suffix)
}
