package booking

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leasebot/pkg/store"
)

type fakeStore struct {
	byKey      map[string]*store.ShowingAppointment
	candidates []store.SlotOption
	insertErr  error
	audits     []string
	lastQuery  store.SlotQuery
}

func newFakeStore() *fakeStore {
	return &fakeStore{byKey: map[string]*store.ShowingAppointment{}}
}

func (f *fakeStore) FindShowingByIdempotencyKey(key string) (*store.ShowingAppointment, error) {
	if appt, ok := f.byKey[key]; ok {
		return appt, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) InsertShowing(appt *store.ShowingAppointment) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	appt.ID = store.NewID()
	f.byKey[appt.IdempotencyKey] = appt
	return nil
}

func (f *fakeStore) FetchSlotCandidates(q store.SlotQuery) ([]store.SlotOption, error) {
	f.lastQuery = q
	return f.candidates, nil
}

func (f *fakeStore) Audit(_, _, _, action string, _ map[string]any) {
	f.audits = append(f.audits, action)
}

func payload() Payload {
	return Payload{
		IdempotencyKey:    "conv-1-2026-03-10T10:00:00Z",
		PlatformAccountID: "acct-1",
		UnitID:            "unit-1",
		AgentID:           "agent-1",
		StartsAt:          time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		EndsAt:            time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC),
		Timezone:          "America/New_York",
		Status:            store.AppointmentConfirmed,
	}
}

func coveringSlot(agentID string) store.SlotOption {
	return store.SlotOption{
		UnitID:    "unit-1",
		AgentID:   agentID,
		AgentName: "Alice",
		StartsAt:  time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		EndsAt:    time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		Timezone:  "America/New_York",
	}
}

func TestBookCreatesAppointment(t *testing.T) {
	fs := newFakeStore()
	fs.candidates = []store.SlotOption{coveringSlot("agent-1")}
	svc := NewService(fs)

	result := svc.Book(Actor{ID: "system", Role: "system"}, payload())

	assert.Equal(t, Created, result.Kind)
	assert.Equal(t, http.StatusCreated, result.HTTPStatus)
	require.NotNil(t, result.Appointment)
	assert.Equal(t, store.AppointmentConfirmed, result.Appointment.Status)
	assert.NotEmpty(t, result.Appointment.PayloadHash)
	assert.Contains(t, fs.audits, "showing_booking_created")
}

func TestBookRejectsAgentBookingForAnother(t *testing.T) {
	fs := newFakeStore()
	fs.candidates = []store.SlotOption{coveringSlot("agent-1")}
	svc := NewService(fs)

	result := svc.Book(Actor{ID: "agent-2", Role: "agent"}, payload())

	assert.Equal(t, Forbidden, result.Kind)
	assert.Equal(t, http.StatusForbidden, result.HTTPStatus)
	assert.Contains(t, fs.audits, "showing_booking_failed")
}

func TestBookReplaysIdenticalPayload(t *testing.T) {
	fs := newFakeStore()
	fs.candidates = []store.SlotOption{coveringSlot("agent-1")}
	svc := NewService(fs)

	first := svc.Book(Actor{ID: "system", Role: "system"}, payload())
	require.Equal(t, Created, first.Kind)

	// Replay must succeed even after availability disappears.
	fs.candidates = nil
	second := svc.Book(Actor{ID: "system", Role: "system"}, payload())

	assert.Equal(t, Replayed, second.Kind)
	assert.True(t, second.IdempotentReplay)
	assert.Equal(t, http.StatusOK, second.HTTPStatus)
	assert.Equal(t, first.Appointment.ID, second.Appointment.ID)
}

func TestBookFlagsIdempotencyConflict(t *testing.T) {
	fs := newFakeStore()
	fs.candidates = []store.SlotOption{coveringSlot("agent-1")}
	svc := NewService(fs)

	first := svc.Book(Actor{ID: "system", Role: "system"}, payload())
	require.Equal(t, Created, first.Kind)

	changed := payload()
	changed.StartsAt = changed.StartsAt.Add(time.Hour)
	changed.EndsAt = changed.EndsAt.Add(time.Hour)
	result := svc.Book(Actor{ID: "system", Role: "system"}, changed)

	assert.Equal(t, IdempotencyConflict, result.Kind)
	assert.True(t, result.AdminReviewRequired)
	assert.Equal(t, http.StatusConflict, result.HTTPStatus)
	assert.Equal(t, first.Appointment.ID, result.Appointment.ID)
}

func TestBookRejectsUncoveredSlot(t *testing.T) {
	fs := newFakeStore()
	// Only another agent covers the interval.
	fs.candidates = []store.SlotOption{coveringSlot("agent-2")}
	svc := NewService(fs)

	result := svc.Book(Actor{ID: "system", Role: "system"}, payload())

	assert.Equal(t, SlotUnavailable, result.Kind)
	assert.True(t, result.AdminReviewRequired)
	assert.Equal(t, http.StatusConflict, result.HTTPStatus)
	assert.Len(t, result.Alternatives, 1)
}

func TestBookMapsOverlapToConflict(t *testing.T) {
	fs := newFakeStore()
	fs.candidates = []store.SlotOption{coveringSlot("agent-1")}
	fs.insertErr = store.ErrShowingOverlap
	svc := NewService(fs)

	result := svc.Book(Actor{ID: "system", Role: "system"}, payload())

	assert.Equal(t, BookingConflict, result.Kind)
	assert.Equal(t, http.StatusConflict, result.HTTPStatus)
	assert.Len(t, result.Alternatives, 1)
	assert.Contains(t, fs.audits, "showing_booking_conflict")
}

func TestBookReportsStoreFailure(t *testing.T) {
	fs := newFakeStore()
	fs.candidates = []store.SlotOption{coveringSlot("agent-1")}
	fs.insertErr = errors.New("disk full")
	svc := NewService(fs)

	result := svc.Book(Actor{ID: "system", Role: "system"}, payload())

	assert.Equal(t, Failed, result.Kind)
	assert.Equal(t, http.StatusInternalServerError, result.HTTPStatus)
}

func TestBookQueriesLocalCalendarDay(t *testing.T) {
	fs := newFakeStore()
	// 23:00 on March 10 in New York is 03:00 UTC on March 11.
	late := payload()
	late.IdempotencyKey = "conv-1-2026-03-11T03:00:00Z"
	late.StartsAt = time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC)
	late.EndsAt = time.Date(2026, 3, 11, 3, 30, 0, 0, time.UTC)
	fs.candidates = []store.SlotOption{{
		UnitID:   "unit-1",
		AgentID:  "agent-1",
		StartsAt: time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC),
		EndsAt:   time.Date(2026, 3, 11, 5, 0, 0, 0, time.UTC),
		Timezone: "America/New_York",
	}}
	svc := NewService(fs)

	result := svc.Book(Actor{ID: "system", Role: "system"}, late)
	require.Equal(t, Created, result.Kind)

	// Candidate window covers the local March 10, not the UTC March 11.
	assert.Equal(t, time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC), fs.lastQuery.From.UTC())
	assert.Equal(t, fs.lastQuery.From.Add(24*time.Hour), fs.lastQuery.To)
}

func TestPayloadHashStability(t *testing.T) {
	a := PayloadHash(payload())
	b := PayloadHash(payload())
	assert.Equal(t, a, b)

	changed := payload()
	changed.Timezone = "America/Chicago"
	assert.NotEqual(t, a, PayloadHash(changed))
}
