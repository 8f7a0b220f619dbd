package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUnit(t *testing.T, st *Store) *Unit {
	t.Helper()
	unit := &Unit{UnitNumber: "4B", Timezone: "America/New_York"}
	require.NoError(t, st.UpsertUnit(unit))
	return unit
}

func seedAgent(t *testing.T, st *Store, name string) *Agent {
	t.Helper()
	agent := &Agent{Name: name}
	require.NoError(t, st.UpsertAgent(agent))
	return agent
}

func day(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, time.UTC)
}

func TestAvailabilitySlotOverlapRejected(t *testing.T) {
	st := newTestStore(t)
	unit := seedUnit(t, st)

	require.NoError(t, st.UpsertAvailabilitySlot(&AvailabilitySlot{
		UnitID:   unit.ID,
		StartsAt: day(9, 0),
		EndsAt:   day(12, 0),
		Timezone: unit.Timezone,
	}))

	err := st.UpsertAvailabilitySlot(&AvailabilitySlot{
		UnitID:   unit.ID,
		StartsAt: day(11, 0),
		EndsAt:   day(13, 0),
		Timezone: unit.Timezone,
	})
	assert.ErrorIs(t, err, ErrSlotOverlap)

	// Adjacent windows share a boundary, not an overlap.
	require.NoError(t, st.UpsertAvailabilitySlot(&AvailabilitySlot{
		UnitID:   unit.ID,
		StartsAt: day(12, 0),
		EndsAt:   day(14, 0),
		Timezone: unit.Timezone,
	}))

	// Unavailable blocks may overlap anything.
	require.NoError(t, st.UpsertAvailabilitySlot(&AvailabilitySlot{
		UnitID:   unit.ID,
		StartsAt: day(10, 0),
		EndsAt:   day(11, 0),
		Timezone: unit.Timezone,
		Status:   SlotUnavailable,
	}))
}

func TestFetchSlotCandidatesIntersectsWindows(t *testing.T) {
	st := newTestStore(t)
	unit := seedUnit(t, st)
	agent := seedAgent(t, st, "Sam")

	require.NoError(t, st.UpsertAssignment(&UnitAgentAssignment{UnitID: unit.ID, AgentID: agent.ID, Priority: 1}))
	require.NoError(t, st.UpsertAvailabilitySlot(&AvailabilitySlot{
		UnitID:   unit.ID,
		StartsAt: day(9, 0),
		EndsAt:   day(12, 0),
		Timezone: unit.Timezone,
	}))
	require.NoError(t, st.UpsertAgentAvailabilitySlot(&AgentAvailabilitySlot{
		AgentID:  agent.ID,
		StartsAt: day(10, 0),
		EndsAt:   day(14, 0),
	}))

	candidates, err := st.FetchSlotCandidates(SlotQuery{
		UnitID: unit.ID,
		From:   day(0, 0),
		To:     day(23, 0),
	})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.True(t, candidates[0].StartsAt.Equal(day(10, 0)))
	assert.True(t, candidates[0].EndsAt.Equal(day(12, 0)))
	assert.Equal(t, agent.ID, candidates[0].AgentID)
	assert.Equal(t, "Sam", candidates[0].AgentName)
	assert.Equal(t, unit.Timezone, candidates[0].Timezone)
}

func TestFetchSlotCandidatesExcludesBlockedIntersections(t *testing.T) {
	st := newTestStore(t)
	unit := seedUnit(t, st)
	agent := seedAgent(t, st, "Sam")

	require.NoError(t, st.UpsertAssignment(&UnitAgentAssignment{UnitID: unit.ID, AgentID: agent.ID, Priority: 1}))
	require.NoError(t, st.UpsertAvailabilitySlot(&AvailabilitySlot{
		UnitID:   unit.ID,
		StartsAt: day(9, 0),
		EndsAt:   day(12, 0),
		Timezone: unit.Timezone,
	}))
	require.NoError(t, st.UpsertAgentAvailabilitySlot(&AgentAvailabilitySlot{
		AgentID:  agent.ID,
		StartsAt: day(9, 0),
		EndsAt:   day(12, 0),
	}))
	// Agent blocked mid-window: the whole intersection is excluded.
	require.NoError(t, st.UpsertAgentAvailabilitySlot(&AgentAvailabilitySlot{
		AgentID:  agent.ID,
		StartsAt: day(10, 0),
		EndsAt:   day(10, 30),
		Status:   SlotUnavailable,
	}))

	candidates, err := st.FetchSlotCandidates(SlotQuery{
		UnitID: unit.ID,
		From:   day(0, 0),
		To:     day(23, 0),
	})
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestFetchSlotCandidatesOrdersByAssignment(t *testing.T) {
	st := newTestStore(t)
	unit := seedUnit(t, st)
	primary := seedAgent(t, st, "Primary")
	backup := seedAgent(t, st, "Backup")

	require.NoError(t, st.UpsertAssignment(&UnitAgentAssignment{UnitID: unit.ID, AgentID: backup.ID, Priority: 2}))
	require.NoError(t, st.UpsertAssignment(&UnitAgentAssignment{UnitID: unit.ID, AgentID: primary.ID, Priority: 1}))
	require.NoError(t, st.UpsertAvailabilitySlot(&AvailabilitySlot{
		UnitID:   unit.ID,
		StartsAt: day(9, 0),
		EndsAt:   day(17, 0),
		Timezone: unit.Timezone,
	}))
	for _, agent := range []*Agent{primary, backup} {
		require.NoError(t, st.UpsertAgentAvailabilitySlot(&AgentAvailabilitySlot{
			AgentID:  agent.ID,
			StartsAt: day(10, 0),
			EndsAt:   day(12, 0),
		}))
	}

	candidates, err := st.FetchSlotCandidates(SlotQuery{
		UnitID: unit.ID,
		From:   day(0, 0),
		To:     day(23, 0),
	})
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, primary.ID, candidates[0].AgentID)
	assert.Equal(t, backup.ID, candidates[1].AgentID)
}

func TestFetchSlotCandidatesAgentScope(t *testing.T) {
	st := newTestStore(t)
	unit := seedUnit(t, st)
	assigned := seedAgent(t, st, "Assigned")
	other := seedAgent(t, st, "Other")

	require.NoError(t, st.UpsertAssignment(&UnitAgentAssignment{UnitID: unit.ID, AgentID: assigned.ID, Priority: 1}))
	require.NoError(t, st.UpsertAssignment(&UnitAgentAssignment{UnitID: unit.ID, AgentID: other.ID, Priority: 2}))

	// Partial unique index: one active assignment per (unit, priority).
	third := seedAgent(t, st, "Third")
	require.Error(t, st.UpsertAssignment(&UnitAgentAssignment{UnitID: unit.ID, AgentID: third.ID, Priority: 1}))

	require.NoError(t, st.UpsertAvailabilitySlot(&AvailabilitySlot{
		UnitID:   unit.ID,
		StartsAt: day(9, 0),
		EndsAt:   day(17, 0),
		Timezone: unit.Timezone,
	}))
	for _, agent := range []*Agent{assigned, other} {
		require.NoError(t, st.UpsertAgentAvailabilitySlot(&AgentAvailabilitySlot{
			AgentID:  agent.ID,
			StartsAt: day(10, 0),
			EndsAt:   day(12, 0),
		}))
	}

	candidates, err := st.FetchSlotCandidates(SlotQuery{
		UnitID:  unit.ID,
		AgentID: assigned.ID,
		From:    day(0, 0),
		To:      day(23, 0),
	})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, assigned.ID, candidates[0].AgentID)
}

func TestFetchSlotCandidatesPassiveExcludedByDefault(t *testing.T) {
	st := newTestStore(t)
	unit := seedUnit(t, st)
	agent := seedAgent(t, st, "Passive")

	require.NoError(t, st.UpsertAssignment(&UnitAgentAssignment{
		UnitID:         unit.ID,
		AgentID:        agent.ID,
		AssignmentMode: AssignmentPassive,
		Priority:       1,
	}))
	require.NoError(t, st.UpsertAvailabilitySlot(&AvailabilitySlot{
		UnitID:   unit.ID,
		StartsAt: day(9, 0),
		EndsAt:   day(17, 0),
		Timezone: unit.Timezone,
	}))
	require.NoError(t, st.UpsertAgentAvailabilitySlot(&AgentAvailabilitySlot{
		AgentID:  agent.ID,
		StartsAt: day(10, 0),
		EndsAt:   day(12, 0),
	}))

	candidates, err := st.FetchSlotCandidates(SlotQuery{UnitID: unit.ID, From: day(0, 0), To: day(23, 0)})
	require.NoError(t, err)
	assert.Empty(t, candidates)

	candidates, err = st.FetchSlotCandidates(SlotQuery{UnitID: unit.ID, From: day(0, 0), To: day(23, 0), IncludePassive: true})
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}
