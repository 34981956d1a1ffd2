package timeslot

import (
	"fmt"
	"time"
)

// DateLayout is the ISO date form used on the wire and in drafts.
const DateLayout = "2006-01-02"

// ParseDate parses a session date. The value is a civil date: parsing it
// without a location keeps the weekday tied to the written date, so the
// Sunday rule cannot drift across timezone boundaries.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid session date %q: %w", s, err)
	}
	return d, nil
}

// ValidateDay rejects the clinic's closed day. Evaluated independently of
// the time-of-day policy.
func ValidateDay(date string) error {
	d, err := ParseDate(date)
	if err != nil {
		return err
	}
	if d.Weekday() == time.Sunday {
		return ErrInvalidDay
	}
	return nil
}
