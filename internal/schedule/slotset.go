package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"terapia/internal/domain"
	"terapia/internal/events"
	"terapia/internal/metrics"
	"terapia/internal/models"
	"terapia/internal/timeslot"

	"github.com/rs/zerolog"
)

var (
	ErrSlotIndex    = errors.New("slot index out of range")
	ErrNotOfferable = errors.New("selection is not in the current availability set")
	ErrIncomplete   = errors.New("session set is incomplete")
)

const (
	resourceRooms      = "rooms"
	resourceTherapists = "therapists"
)

// slot is the mutable editor state for one session. All fields are owned by
// the enclosing SlotSet and guarded by its mutex; availability responses
// re-enter through applyRooms/applyTherapists under the same lock.
type slot struct {
	index       int
	gen         uint64
	pending     int
	state       string
	date        string
	start       *models.TimeOfDay
	end         *models.TimeOfDay
	roomID      int64
	therapistID int64
	rooms       []models.Room
	therapists  []models.Therapist
	errs        map[string]string
}

func newSlot(index int) *slot {
	return &slot{
		index: index,
		state: models.SlotStateIdle,
		errs:  make(map[string]string),
	}
}

// SlotSet is an ordered collection of slot editors, one per session the
// selected plan requires. Every committed (date, start) change bumps the
// slot's generation and issues two concurrent availability queries; a
// response whose generation no longer matches is discarded, so the last
// issued query always wins.
type SlotSet struct {
	mu           sync.Mutex
	client       domain.AvailabilityClient
	logger       zerolog.Logger
	queryTimeout time.Duration
	onChange     func(slots []models.SessionSlot)
	pub          domain.EventPublisher
	draftID      string
	slots        []*slot
}

type Option func(*SlotSet)

// WithQueryTimeout bounds a single availability query.
func WithQueryTimeout(d time.Duration) Option {
	return func(ss *SlotSet) {
		if d > 0 {
			ss.queryTimeout = d
		}
	}
}

// WithOnChange installs a callback invoked with a fresh snapshot after every
// state change, including asynchronous reconciliations. Called without the
// set lock held.
func WithOnChange(fn func(slots []models.SessionSlot)) Option {
	return func(ss *SlotSet) { ss.onChange = fn }
}

// WithEvents publishes reconciliation outcomes on the bus, attributed to
// the owning draft.
func WithEvents(pub domain.EventPublisher, draftID string) Option {
	return func(ss *SlotSet) {
		ss.pub = pub
		ss.draftID = draftID
	}
}

func NewSlotSet(client domain.AvailabilityClient, logger *zerolog.Logger, opts ...Option) *SlotSet {
	ss := &SlotSet{
		client:       client,
		queryTimeout: time.Duration(models.DefaultQueryTimeout) * time.Second,
	}
	if logger != nil {
		ss.logger = *logger
	}
	for _, opt := range opts {
		opt(ss)
	}
	return ss
}

// Rebuild discards all slots and creates sessionCount fresh empty ones.
// In-flight queries for the old slots are abandoned, not awaited: their
// results fail the identity check on arrival and become no-ops.
func (ss *SlotSet) Rebuild(sessionCount int) {
	ss.mu.Lock()
	slots := make([]*slot, sessionCount)
	for i := range slots {
		slots[i] = newSlot(i)
	}
	ss.slots = slots
	snapshot := ss.snapshotLocked()
	ss.mu.Unlock()

	ss.notify(snapshot)
}

func (ss *SlotSet) Len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.slots)
}

// SetDate commits a date edit. Format problems and the Sunday rule surface
// as field tags, never as returned errors; only a bad index is an error.
func (ss *SlotSet) SetDate(index int, date string) error {
	ss.mu.Lock()
	sl, err := ss.slotLocked(index)
	if err != nil {
		ss.mu.Unlock()
		return err
	}

	sl.date = date
	switch {
	case date == "":
		sl.errs[models.FieldDate] = models.TagRequired
	case timeslot.ValidateDay(date) != nil:
		sl.errs[models.FieldDate] = models.TagInvalidDay
	default:
		delete(sl.errs, models.FieldDate)
	}
	ss.maybeRefreshLocked(sl)
	snapshot := ss.snapshotLocked()
	ss.mu.Unlock()

	ss.notify(snapshot)
	return nil
}

// SetStartTime commits a start-time edit. The candidate is normalized first
// (upper clamp, boundary-minute snap, grid snap); a start still outside the
// bookable shifts is kept but tagged invalidTimeRange and not queried.
func (ss *SlotSet) SetStartTime(index int, start models.TimeOfDay) error {
	ss.mu.Lock()
	sl, err := ss.slotLocked(index)
	if err != nil {
		ss.mu.Unlock()
		return err
	}

	normalized := timeslot.NormalizeStart(start)
	sl.start = &normalized
	if timeslot.ValidateStart(normalized) != nil {
		sl.errs[models.FieldStartTime] = models.TagInvalidTimeRange
		sl.end = nil
	} else {
		delete(sl.errs, models.FieldStartTime)
		end := timeslot.DeriveEnd(normalized)
		sl.end = &end
	}
	ss.maybeRefreshLocked(sl)
	snapshot := ss.snapshotLocked()
	ss.mu.Unlock()

	ss.notify(snapshot)
	return nil
}

// SelectRoom records a room choice; id 0 clears it. The choice must belong
// to the slot's current filtered availability set.
func (ss *SlotSet) SelectRoom(index int, roomID int64) error {
	ss.mu.Lock()
	sl, err := ss.slotLocked(index)
	if err != nil {
		ss.mu.Unlock()
		return err
	}

	if roomID != 0 && !containsRoom(sl.rooms, roomID) {
		ss.mu.Unlock()
		return fmt.Errorf("room %d: %w", roomID, ErrNotOfferable)
	}
	sl.roomID = roomID
	if roomID != 0 {
		delete(sl.errs, models.FieldRoom)
	}
	snapshot := ss.snapshotLocked()
	ss.mu.Unlock()

	ss.notify(snapshot)
	return nil
}

// SelectTherapist records a therapist choice; id 0 clears it.
func (ss *SlotSet) SelectTherapist(index int, therapistID int64) error {
	ss.mu.Lock()
	sl, err := ss.slotLocked(index)
	if err != nil {
		ss.mu.Unlock()
		return err
	}

	if therapistID != 0 && !containsTherapist(sl.therapists, therapistID) {
		ss.mu.Unlock()
		return fmt.Errorf("therapist %d: %w", therapistID, ErrNotOfferable)
	}
	sl.therapistID = therapistID
	if therapistID != 0 {
		delete(sl.errs, models.FieldTherapist)
	}
	snapshot := ss.snapshotLocked()
	ss.mu.Unlock()

	ss.notify(snapshot)
	return nil
}

// Restore rehydrates slots from a persisted draft snapshot. Availability
// sets are not restored: they are stale by definition and requeried on the
// next edit, so selections are kept but resource sets start empty.
func (ss *SlotSet) Restore(slots []models.SessionSlot) {
	ss.mu.Lock()
	restored := make([]*slot, len(slots))
	for i, snap := range slots {
		sl := newSlot(i)
		sl.date = snap.Date
		if snap.StartTime != nil {
			start := *snap.StartTime
			sl.start = &start
		}
		if snap.EndTime != nil {
			end := *snap.EndTime
			sl.end = &end
		}
		sl.roomID = snap.RoomID
		sl.therapistID = snap.TherapistID
		for field, tag := range snap.Errors {
			sl.errs[field] = tag
		}
		restored[i] = sl
	}
	ss.slots = restored
	ss.mu.Unlock()
}

// Slot returns a snapshot of one slot.
func (ss *SlotSet) Slot(index int) (models.SessionSlot, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	sl, err := ss.slotLocked(index)
	if err != nil {
		return models.SessionSlot{}, err
	}
	return sl.snapshot(), nil
}

// Snapshot returns a consistent copy of all slots.
func (ss *SlotSet) Snapshot() []models.SessionSlot {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.snapshotLocked()
}

// Incomplete reports, per slot index, the gating problems that block
// submission: missing fields and date/time tags still in force.
func (ss *SlotSet) Incomplete() map[int]map[string]string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.incompleteLocked()
}

func (ss *SlotSet) incompleteLocked() map[int]map[string]string {
	problems := make(map[int]map[string]string)
	for _, sl := range ss.slots {
		fields := make(map[string]string)
		if tag, ok := sl.errs[models.FieldDate]; ok {
			fields[models.FieldDate] = tag
		} else if sl.date == "" {
			fields[models.FieldDate] = models.TagRequired
		}
		if tag, ok := sl.errs[models.FieldStartTime]; ok {
			fields[models.FieldStartTime] = tag
		} else if sl.start == nil {
			fields[models.FieldStartTime] = models.TagRequired
		}
		if sl.roomID == 0 {
			fields[models.FieldRoom] = models.TagRequired
		}
		if sl.therapistID == 0 {
			fields[models.FieldTherapist] = models.TagRequired
		}
		if len(fields) > 0 {
			problems[sl.index] = fields
		}
	}
	return problems
}

// Payload serializes the ordered session list for registration. It refuses
// to serialize while any slot is incomplete or policy-invalid. The gating
// check and the copy share one lock acquisition: a requery landing in
// between could otherwise clear a selection the check had already passed.
func (ss *SlotSet) Payload() ([]models.SessionRequest, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if problems := ss.incompleteLocked(); len(problems) > 0 {
		return nil, fmt.Errorf("%w: %d slot(s) not ready", ErrIncomplete, len(problems))
	}

	payload := make([]models.SessionRequest, len(ss.slots))
	for i, sl := range ss.slots {
		payload[i] = models.SessionRequest{
			Date:        sl.date,
			StartTime:   *sl.start,
			EndTime:     *sl.end,
			RoomID:      sl.roomID,
			TherapistID: sl.therapistID,
		}
	}
	return payload, nil
}

func (ss *SlotSet) slotLocked(index int) (*slot, error) {
	if index < 0 || index >= len(ss.slots) {
		return nil, fmt.Errorf("%w: %d", ErrSlotIndex, index)
	}
	return ss.slots[index], nil
}

func (ss *SlotSet) snapshotLocked() []models.SessionSlot {
	out := make([]models.SessionSlot, len(ss.slots))
	for i, sl := range ss.slots {
		out[i] = sl.snapshot()
	}
	return out
}

func (sl *slot) snapshot() models.SessionSlot {
	snap := models.SessionSlot{
		Index:               sl.index,
		Date:                sl.date,
		RoomID:              sl.roomID,
		TherapistID:         sl.therapistID,
		AvailableRooms:      append([]models.Room(nil), sl.rooms...),
		AvailableTherapists: append([]models.Therapist(nil), sl.therapists...),
		State:               sl.state,
	}
	if sl.start != nil {
		start := *sl.start
		snap.StartTime = &start
	}
	if sl.end != nil {
		end := *sl.end
		snap.EndTime = &end
	}
	if len(sl.errs) > 0 {
		snap.Errors = make(map[string]string, len(sl.errs))
		for field, tag := range sl.errs {
			snap.Errors[field] = tag
		}
	}
	return snap
}

// maybeRefreshLocked starts a reconciliation round when the slot has a
// committed, valid (date, start) pair. Queries run detached from any caller
// context: the editor stays responsive while they are outstanding.
func (ss *SlotSet) maybeRefreshLocked(sl *slot) {
	if sl.date == "" || sl.start == nil || sl.end == nil {
		return
	}
	if _, bad := sl.errs[models.FieldDate]; bad {
		return
	}
	if _, bad := sl.errs[models.FieldStartTime]; bad {
		return
	}

	sl.gen++
	gen := sl.gen
	sl.state = models.SlotStateQuerying
	sl.pending = 2

	date, start, end := sl.date, *sl.start, *sl.end
	go ss.queryRooms(sl, gen, date, start, end)
	go ss.queryTherapists(sl, gen, date, start, end)
}

func (ss *SlotSet) queryRooms(sl *slot, gen uint64, date string, start, end models.TimeOfDay) {
	ctx, cancel := context.WithTimeout(context.Background(), ss.queryTimeout)
	defer cancel()

	rooms, err := ss.client.AvailableRooms(ctx, date, start, end)
	ss.applyRooms(sl, gen, rooms, err)
}

func (ss *SlotSet) queryTherapists(sl *slot, gen uint64, date string, start, end models.TimeOfDay) {
	ctx, cancel := context.WithTimeout(context.Background(), ss.queryTimeout)
	defer cancel()

	therapists, err := ss.client.AvailableTherapists(ctx, date, start, end)
	ss.applyTherapists(sl, gen, therapists, err)
}

// applyRooms reconciles a room-availability response. Non-therapeutic and
// disabled rooms are never offerable for a therapy session, regardless of
// raw backend availability.
func (ss *SlotSet) applyRooms(sl *slot, gen uint64, rooms []models.Room, err error) {
	ss.mu.Lock()
	if !ss.currentLocked(sl, gen) {
		ss.mu.Unlock()
		metrics.IncStaleDiscard()
		return
	}

	sl.pending--
	reconciled := sl.pending == 0
	if reconciled {
		sl.state = models.SlotStateReconciled
	}
	index, date := sl.index, sl.date

	if err != nil {
		// Keep the previous set: stale-but-visible beats empty.
		metrics.IncAvailabilityQuery(resourceRooms, "error")
		sl.errs[models.FieldRoom] = models.TagLoadError
		ss.logger.Error().Err(err).Int("slot", sl.index).Str("date", sl.date).Msg("room availability query failed")
	} else {
		metrics.IncAvailabilityQuery(resourceRooms, "ok")
		filtered := make([]models.Room, 0, len(rooms))
		for _, room := range rooms {
			if room.Offerable() {
				filtered = append(filtered, room)
			}
		}
		sl.rooms = filtered
		delete(sl.errs, models.FieldRoom)
		if sl.roomID != 0 && !containsRoom(filtered, sl.roomID) {
			sl.roomID = 0
			sl.errs[models.FieldRoom] = models.TagNoAvailableRooms
		}
		if len(filtered) == 0 {
			sl.errs[models.FieldRoom] = models.TagNoAvailableRooms
		}
	}

	snapshot := ss.snapshotLocked()
	ss.mu.Unlock()

	ss.notify(snapshot)
	if err != nil {
		ss.publish(events.EventAvailabilityLoadError, index, date, resourceRooms, err.Error())
	}
	if reconciled {
		ss.publish(events.EventSlotReconciled, index, date, "", "")
	}
}

// applyTherapists reconciles a therapist-availability response. The set is
// replaced verbatim; only the selection is re-validated.
func (ss *SlotSet) applyTherapists(sl *slot, gen uint64, therapists []models.Therapist, err error) {
	ss.mu.Lock()
	if !ss.currentLocked(sl, gen) {
		ss.mu.Unlock()
		metrics.IncStaleDiscard()
		return
	}

	sl.pending--
	reconciled := sl.pending == 0
	if reconciled {
		sl.state = models.SlotStateReconciled
	}
	index, date := sl.index, sl.date

	if err != nil {
		metrics.IncAvailabilityQuery(resourceTherapists, "error")
		sl.errs[models.FieldTherapist] = models.TagLoadError
		ss.logger.Error().Err(err).Int("slot", sl.index).Str("date", sl.date).Msg("therapist availability query failed")
	} else {
		metrics.IncAvailabilityQuery(resourceTherapists, "ok")
		sl.therapists = append([]models.Therapist(nil), therapists...)
		delete(sl.errs, models.FieldTherapist)
		if sl.therapistID != 0 && !containsTherapist(sl.therapists, sl.therapistID) {
			sl.therapistID = 0
			sl.errs[models.FieldTherapist] = models.TagNoAvailableTherapists
		}
		if len(sl.therapists) == 0 {
			sl.errs[models.FieldTherapist] = models.TagNoAvailableTherapists
		}
	}

	snapshot := ss.snapshotLocked()
	ss.mu.Unlock()

	ss.notify(snapshot)
	if err != nil {
		ss.publish(events.EventAvailabilityLoadError, index, date, resourceTherapists, err.Error())
	}
	if reconciled {
		ss.publish(events.EventSlotReconciled, index, date, "", "")
	}
}

// currentLocked reports whether a response still belongs to a live slot and
// to its most recent query generation. Rebuilt sets fail the identity check,
// superseded edits fail the generation check.
func (ss *SlotSet) currentLocked(sl *slot, gen uint64) bool {
	if sl.index >= len(ss.slots) || ss.slots[sl.index] != sl {
		return false
	}
	return sl.gen == gen
}

func (ss *SlotSet) notify(snapshot []models.SessionSlot) {
	if ss.onChange != nil {
		ss.onChange(snapshot)
	}
}

// publish emits a slot event outside the set lock.
func (ss *SlotSet) publish(eventType string, index int, date, resource, detail string) {
	if ss.pub == nil {
		return
	}
	err := ss.pub.PublishJSON(eventType, events.SlotEventPayload{
		DraftID:   ss.draftID,
		SlotIndex: index,
		Date:      date,
		Resource:  resource,
		Detail:    detail,
	})
	if err != nil {
		ss.logger.Warn().Err(err).Str("event", eventType).Msg("failed to publish slot event")
	}
}

func containsRoom(rooms []models.Room, id int64) bool {
	for _, r := range rooms {
		if r.ID == id {
			return true
		}
	}
	return false
}

func containsTherapist(therapists []models.Therapist, id int64) bool {
	for _, t := range therapists {
		if t.ID == id {
			return true
		}
	}
	return false
}
