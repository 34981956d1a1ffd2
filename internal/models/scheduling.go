package models

// Room as returned by the scheduling availability service. Only rooms that
// are both therapeutic and enabled may be offered for a therapy session.
type Room struct {
	ID            int64  `json:"idRoom"`
	Name          string `json:"name"`
	IsTherapeutic bool   `json:"isTherapeutic"`
	Enabled       bool   `json:"enabled"`
}

// Offerable reports whether the room may be shown as a choice at all,
// regardless of raw backend availability.
func (r Room) Offerable() bool {
	return r.IsTherapeutic && r.Enabled
}

type Therapist struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Slot editor states, per-slot.
const (
	SlotStateIdle       = "idle"
	SlotStateQuerying   = "querying"
	SlotStateReconciled = "reconciled"
)

// Editable slot fields, used as keys in SessionSlot.Errors.
const (
	FieldDate      = "date"
	FieldStartTime = "startTime"
	FieldRoom      = "room"
	FieldTherapist = "therapist"
)

// Validation tags consumed by the presentation layer.
const (
	TagRequired              = "required"
	TagInvalidTimeRange      = "invalidTimeRange"
	TagInvalidDay            = "invalidDay"
	TagNoAvailableRooms      = "noAvailableRooms"
	TagNoAvailableTherapists = "noAvailableTherapists"
	TagLoadError             = "loadError"
)

// SessionSlot is a snapshot of one bookable unit within a multi-session plan.
// EndTime is always derived from StartTime, never edited directly.
type SessionSlot struct {
	Index               int               `json:"index"`
	Date                string            `json:"date,omitempty"`
	StartTime           *TimeOfDay        `json:"startTime,omitempty"`
	EndTime             *TimeOfDay        `json:"endTime,omitempty"`
	RoomID              int64             `json:"roomId,omitempty"`
	TherapistID         int64             `json:"therapistId,omitempty"`
	AvailableRooms      []Room            `json:"availableRooms"`
	AvailableTherapists []Therapist       `json:"availableTherapists"`
	State               string            `json:"state"`
	Errors              map[string]string `json:"errors,omitempty"`
}

// SessionRequest is one line of the registration payload submitted to the
// clinic backend.
type SessionRequest struct {
	Date        string    `json:"sessionDate"`
	StartTime   TimeOfDay `json:"startTime"`
	EndTime     TimeOfDay `json:"endTime"`
	RoomID      int64     `json:"roomId"`
	TherapistID int64     `json:"therapistId"`
}
