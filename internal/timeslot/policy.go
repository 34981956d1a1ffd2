package timeslot

import (
	"errors"

	"terapia/internal/models"
)

// SessionDuration is the fixed length of a therapy session in minutes.
const SessionDuration = 50

// Bookable shift windows. Each bound is the first bookable hour and the
// hour after the last bookable one.
const (
	MorningOpenHour    = 9
	MorningCloseHour   = 13
	AfternoonOpenHour  = 15
	AfternoonCloseHour = 19
)

var (
	ErrInvalidTimeRange = errors.New("start time outside bookable shifts")
	ErrInvalidDay       = errors.New("sessions cannot be scheduled on this day")
)

// ValidateStart accepts a start time iff it falls inside the morning or
// afternoon shift.
func ValidateStart(t models.TimeOfDay) error {
	if inShift(t.Hour, MorningOpenHour, MorningCloseHour) || inShift(t.Hour, AfternoonOpenHour, AfternoonCloseHour) {
		return nil
	}
	return ErrInvalidTimeRange
}

func inShift(hour, open, close int) bool {
	return hour >= open && hour < close
}

// DeriveEnd adds the fixed session duration, wrapping modulo 24 hours. It
// never rejects on its own: with NormalizeStart applied first, an end past
// the closing hour is unreachable because the last hour of each shift only
// admits minute 00.
func DeriveEnd(start models.TimeOfDay) models.TimeOfDay {
	return start.AddMinutes(SessionDuration)
}

// boundaryHour reports whether the hour is the last bookable hour of a
// shift, where only minute 00 keeps the derived end inside the shift.
func boundaryHour(hour int) bool {
	return hour == MorningCloseHour-1 || hour == AfternoonCloseHour-1
}

// MinuteChoices returns the selectable minutes for an hour: the 10-minute
// grid normally, {00} for the last hour of each shift.
func MinuteChoices(hour int) []int {
	if boundaryHour(hour) {
		return []int{0}
	}
	return []int{0, 10, 20, 30, 40, 50}
}

// NormalizeStart auto-corrects a candidate start instead of rejecting it:
// hours past the afternoon shift clamp to its last bookable hour, and a
// minute invalid for the (possibly new) hour snaps onto the grid. Times
// outside both shifts are left for ValidateStart to reject.
func NormalizeStart(t models.TimeOfDay) models.TimeOfDay {
	if t.Hour > AfternoonCloseHour-1 {
		return models.TimeOfDay{Hour: AfternoonCloseHour - 1, Minute: 0}
	}
	if boundaryHour(t.Hour) {
		return models.TimeOfDay{Hour: t.Hour, Minute: 0}
	}
	if t.Minute%10 != 0 {
		return models.TimeOfDay{Hour: t.Hour, Minute: t.Minute - t.Minute%10}
	}
	return t
}
