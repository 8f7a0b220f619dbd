package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedShowing(t *testing.T, st *Store, unitID, agentID, accountID, key string, start, end time.Time) *ShowingAppointment {
	t.Helper()
	appt := &ShowingAppointment{
		UnitID:            unitID,
		AgentID:           agentID,
		PlatformAccountID: accountID,
		StartsAt:          start,
		EndsAt:            end,
		Timezone:          "America/New_York",
		IdempotencyKey:    key,
		PayloadHash:       "hash-" + key,
	}
	require.NoError(t, st.InsertShowing(appt))
	return appt
}

func TestInsertShowingRejectsOverlap(t *testing.T) {
	st := newTestStore(t)
	account := seedAccount(t, st, PlatformSpareroom)
	unit := seedUnit(t, st)
	agent := seedAgent(t, st, "Sam")

	seedShowing(t, st, unit.ID, agent.ID, account.ID, "key-1", day(14, 0), day(14, 30))

	err := st.InsertShowing(&ShowingAppointment{
		UnitID:            unit.ID,
		AgentID:           agent.ID,
		PlatformAccountID: account.ID,
		StartsAt:          day(14, 15),
		EndsAt:            day(14, 45),
		IdempotencyKey:    "key-2",
		PayloadHash:       "hash-2",
	})
	assert.ErrorIs(t, err, ErrShowingOverlap)

	// Back-to-back bookings are fine.
	seedShowing(t, st, unit.ID, agent.ID, account.ID, "key-3", day(14, 30), day(15, 0))
}

func TestInsertShowingIgnoresCancelledOverlap(t *testing.T) {
	st := newTestStore(t)
	account := seedAccount(t, st, PlatformSpareroom)
	unit := seedUnit(t, st)
	agent := seedAgent(t, st, "Sam")

	appt := seedShowing(t, st, unit.ID, agent.ID, account.ID, "key-1", day(14, 0), day(14, 30))
	require.NoError(t, st.UpdateShowingStatus(appt.ID, AppointmentCancelled))

	seedShowing(t, st, unit.ID, agent.ID, account.ID, "key-2", day(14, 0), day(14, 30))
}

func TestFindShowingByIdempotencyKey(t *testing.T) {
	st := newTestStore(t)
	account := seedAccount(t, st, PlatformSpareroom)
	unit := seedUnit(t, st)
	agent := seedAgent(t, st, "Sam")

	appt := seedShowing(t, st, unit.ID, agent.ID, account.ID, "key-1", day(14, 0), day(14, 30))

	got, err := st.FindShowingByIdempotencyKey("key-1")
	require.NoError(t, err)
	assert.Equal(t, appt.ID, got.ID)
	assert.Equal(t, "hash-key-1", got.PayloadHash)

	_, err = st.FindShowingByIdempotencyKey("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindActiveShowingForConversation(t *testing.T) {
	st := newTestStore(t)
	account := seedAccount(t, st, PlatformSpareroom)
	unit := seedUnit(t, st)
	agent := seedAgent(t, st, "Sam")
	conv := seedConversation(t, st, account.ID)

	appt := &ShowingAppointment{
		UnitID:            unit.ID,
		AgentID:           agent.ID,
		ConversationID:    &conv.ID,
		PlatformAccountID: account.ID,
		StartsAt:          day(14, 0),
		EndsAt:            day(14, 30),
		IdempotencyKey:    "key-1",
		PayloadHash:       "hash-1",
	}
	require.NoError(t, st.InsertShowing(appt))

	got, err := st.FindActiveShowingForConversation(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, appt.ID, got.ID)
	assert.Equal(t, AppointmentPending, got.Status)

	require.NoError(t, st.UpdateShowingStatus(appt.ID, AppointmentCancelled))
	_, err = st.FindActiveShowingForConversation(conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountShowingsByStatus(t *testing.T) {
	st := newTestStore(t)
	account := seedAccount(t, st, PlatformSpareroom)
	unit := seedUnit(t, st)
	agent := seedAgent(t, st, "Sam")

	first := seedShowing(t, st, unit.ID, agent.ID, account.ID, "key-1", day(14, 0), day(14, 30))
	seedShowing(t, st, unit.ID, agent.ID, account.ID, "key-2", day(15, 0), day(15, 30))
	require.NoError(t, st.UpdateShowingStatus(first.ID, AppointmentConfirmed))

	counts, err := st.CountShowingsByStatus(time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, counts[AppointmentPending])
	assert.Equal(t, 1, counts[AppointmentConfirmed])
}

func TestCountShowingsByPlatform(t *testing.T) {
	st := newTestStore(t)
	spareroom := seedAccount(t, st, PlatformSpareroom)
	roomies := seedAccount(t, st, PlatformRoomies)
	unit := seedUnit(t, st)
	agent := seedAgent(t, st, "Sam")

	seedShowing(t, st, unit.ID, agent.ID, spareroom.ID, "key-1", day(14, 0), day(14, 30))
	seedShowing(t, st, unit.ID, agent.ID, spareroom.ID, "key-2", day(15, 0), day(15, 30))
	seedShowing(t, st, unit.ID, agent.ID, roomies.ID, "key-3", day(16, 0), day(16, 30))

	counts, err := st.CountShowingsByPlatform(time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{PlatformSpareroom: 2, PlatformRoomies: 1}, counts)
}
