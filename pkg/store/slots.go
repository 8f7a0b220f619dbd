package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Availability slot statuses.
const (
	SlotAvailable   = "available"
	SlotUnavailable = "unavailable"
)

// ErrSlotOverlap is returned when inserting an available slot that overlaps
// an existing available slot for the same owner.
var ErrSlotOverlap = errors.New("availability slot overlaps an existing slot")

// UpsertAvailabilitySlot inserts a unit availability window. Available slots
// for the same unit must not overlap; the check-then-insert runs in one
// transaction over the single-writer connection.
func (s *Store) UpsertAvailabilitySlot(slot *AvailabilitySlot) error {
	if slot.ID == "" {
		slot.ID = NewID()
	}
	if slot.Status == "" {
		slot.Status = SlotAvailable
	}
	if slot.Source == "" {
		slot.Source = "manual"
	}
	return s.inTx(func(tx *sql.Tx) error {
		if slot.Status == SlotAvailable {
			var n int
			err := tx.QueryRow(`
				SELECT COUNT(*) FROM availability_slots
				WHERE unit_id = ? AND id != ? AND status = ? AND starts_at < ? AND ends_at > ?
			`, slot.UnitID, slot.ID, SlotAvailable, fmtTime(slot.EndsAt), fmtTime(slot.StartsAt)).Scan(&n)
			if err != nil {
				return fmt.Errorf("failed to check slot overlap: %w", err)
			}
			if n > 0 {
				return fmt.Errorf("%w: unit %s [%s, %s)", ErrSlotOverlap, slot.UnitID, fmtTime(slot.StartsAt), fmtTime(slot.EndsAt))
			}
		}
		_, err := tx.Exec(`
			INSERT INTO availability_slots (id, unit_id, starts_at, ends_at, timezone, status, source, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET starts_at = excluded.starts_at, ends_at = excluded.ends_at,
				timezone = excluded.timezone, status = excluded.status, source = excluded.source, notes = excluded.notes
		`, slot.ID, slot.UnitID, fmtTime(slot.StartsAt), fmtTime(slot.EndsAt), slot.Timezone, slot.Status, slot.Source, slot.Notes)
		if err != nil {
			return fmt.Errorf("failed to upsert availability slot: %w", err)
		}
		return nil
	})
}

// UpsertAgentAvailabilitySlot inserts an agent availability window with the
// same per-owner overlap invariant.
func (s *Store) UpsertAgentAvailabilitySlot(slot *AgentAvailabilitySlot) error {
	if slot.ID == "" {
		slot.ID = NewID()
	}
	if slot.Status == "" {
		slot.Status = SlotAvailable
	}
	if slot.Source == "" {
		slot.Source = "manual"
	}
	return s.inTx(func(tx *sql.Tx) error {
		if slot.Status == SlotAvailable {
			var n int
			err := tx.QueryRow(`
				SELECT COUNT(*) FROM agent_availability_slots
				WHERE agent_id = ? AND id != ? AND status = ? AND starts_at < ? AND ends_at > ?
			`, slot.AgentID, slot.ID, SlotAvailable, fmtTime(slot.EndsAt), fmtTime(slot.StartsAt)).Scan(&n)
			if err != nil {
				return fmt.Errorf("failed to check agent slot overlap: %w", err)
			}
			if n > 0 {
				return fmt.Errorf("%w: agent %s [%s, %s)", ErrSlotOverlap, slot.AgentID, fmtTime(slot.StartsAt), fmtTime(slot.EndsAt))
			}
		}
		_, err := tx.Exec(`
			INSERT INTO agent_availability_slots (id, agent_id, starts_at, ends_at, timezone, status, source, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET starts_at = excluded.starts_at, ends_at = excluded.ends_at,
				timezone = excluded.timezone, status = excluded.status, source = excluded.source, notes = excluded.notes
		`, slot.ID, slot.AgentID, fmtTime(slot.StartsAt), fmtTime(slot.EndsAt), slot.Timezone, slot.Status, slot.Source, slot.Notes)
		if err != nil {
			return fmt.Errorf("failed to upsert agent availability slot: %w", err)
		}
		return nil
	})
}

// UpsertAssignment links an agent to a unit. The partial unique index rejects
// a second active assignment at the same (unit, priority).
func (s *Store) UpsertAssignment(a *UnitAgentAssignment) error {
	if a.AssignmentMode == "" {
		a.AssignmentMode = AssignmentActive
	}
	_, err := s.db.Exec(`
		INSERT INTO unit_agent_assignments (unit_id, agent_id, assignment_mode, priority)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(unit_id, agent_id) DO UPDATE SET
			assignment_mode = excluded.assignment_mode, priority = excluded.priority
	`, a.UnitID, a.AgentID, a.AssignmentMode, a.Priority)
	if err != nil {
		return fmt.Errorf("failed to upsert assignment %s/%s: %w", a.UnitID, a.AgentID, err)
	}
	return nil
}

// SlotQuery scopes a candidate fetch.
type SlotQuery struct {
	UnitID         string
	AgentID        string // when set, only this agent's assignments are considered
	From           time.Time
	To             time.Time
	IncludePassive bool
}

type assignmentRow struct {
	agentID   string
	agentName string
	mode      string
	priority  int
}

// FetchSlotCandidates computes bookable showing intervals for a unit: the
// intersection of available unit windows and available agent windows, minus
// any unavailable block from either owner that overlaps the intersection.
// Results are ordered active assignments first, then priority ascending,
// then candidate start time.
func (s *Store) FetchSlotCandidates(q SlotQuery) ([]SlotOption, error) {
	assignments, err := s.loadAssignments(q)
	if err != nil {
		return nil, err
	}
	if len(assignments) == 0 {
		return nil, nil
	}

	unitWindows, unitBlocks, unitTZ, err := s.loadUnitWindows(q)
	if err != nil {
		return nil, err
	}
	if len(unitWindows) == 0 {
		return nil, nil
	}

	var candidates []SlotOption
	for _, assignment := range assignments {
		agentWindows, agentBlocks, err := s.loadAgentWindows(assignment.agentID, q)
		if err != nil {
			return nil, err
		}
		blocks := append(append([]interval{}, unitBlocks...), agentBlocks...)

		for _, uw := range unitWindows {
			for _, aw := range agentWindows {
				start := laterOf(uw.start, aw.start)
				end := earlierOf(uw.end, aw.end)
				if !start.Before(end) {
					continue
				}
				if overlapsAny(start, end, blocks) {
					continue
				}
				candidates = append(candidates, SlotOption{
					UnitID:    q.UnitID,
					AgentID:   assignment.agentID,
					AgentName: assignment.agentName,
					StartsAt:  start,
					EndsAt:    end,
					Timezone:  unitTZ,
					Label:     fmtTime(start) + " - " + fmtTime(end),
				})
			}
		}
	}

	order := make(map[string]int, len(assignments))
	for i, a := range assignments {
		order[a.agentID] = i
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if order[candidates[i].AgentID] != order[candidates[j].AgentID] {
			return order[candidates[i].AgentID] < order[candidates[j].AgentID]
		}
		return candidates[i].StartsAt.Before(candidates[j].StartsAt)
	})
	return candidates, nil
}

type interval struct {
	start, end time.Time
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlierOf(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func overlapsAny(start, end time.Time, blocks []interval) bool {
	for _, b := range blocks {
		if b.start.Before(end) && b.end.After(start) {
			return true
		}
	}
	return false
}

func (s *Store) loadAssignments(q SlotQuery) ([]assignmentRow, error) {
	query := `
		SELECT ua.agent_id, ag.name, ua.assignment_mode, ua.priority
		FROM unit_agent_assignments ua
		JOIN agents ag ON ag.id = ua.agent_id
		WHERE ua.unit_id = ?`
	args := []any{q.UnitID}
	if q.AgentID != "" {
		query += ` AND ua.agent_id = ?`
		args = append(args, q.AgentID)
	}
	if !q.IncludePassive {
		query += ` AND ua.assignment_mode = ?`
		args = append(args, AssignmentActive)
	}
	query += ` ORDER BY CASE ua.assignment_mode WHEN 'active' THEN 0 ELSE 1 END, ua.priority ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load assignments for unit %s: %w", q.UnitID, err)
	}
	defer rows.Close()

	var assignments []assignmentRow
	for rows.Next() {
		var a assignmentRow
		if err := rows.Scan(&a.agentID, &a.agentName, &a.mode, &a.priority); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func (s *Store) loadUnitWindows(q SlotQuery) (windows, blocks []interval, timezone string, err error) {
	rows, err := s.db.Query(`
		SELECT starts_at, ends_at, timezone, status
		FROM availability_slots
		WHERE unit_id = ? AND starts_at < ? AND ends_at > ?
		ORDER BY starts_at ASC
	`, q.UnitID, fmtTime(q.To), fmtTime(q.From))
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to load unit slots for %s: %w", q.UnitID, err)
	}
	defer rows.Close()

	timezone = "UTC"
	for rows.Next() {
		var startsAt, endsAt, tz, status string
		if err := rows.Scan(&startsAt, &endsAt, &tz, &status); err != nil {
			return nil, nil, "", fmt.Errorf("failed to scan unit slot: %w", err)
		}
		iv, err := parseInterval(startsAt, endsAt)
		if err != nil {
			return nil, nil, "", err
		}
		if status == SlotAvailable {
			windows = append(windows, iv)
			timezone = tz
		} else {
			blocks = append(blocks, iv)
		}
	}
	return windows, blocks, timezone, rows.Err()
}

func (s *Store) loadAgentWindows(agentID string, q SlotQuery) (windows, blocks []interval, err error) {
	rows, err := s.db.Query(`
		SELECT starts_at, ends_at, status
		FROM agent_availability_slots
		WHERE agent_id = ? AND starts_at < ? AND ends_at > ?
		ORDER BY starts_at ASC
	`, agentID, fmtTime(q.To), fmtTime(q.From))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load agent slots for %s: %w", agentID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var startsAt, endsAt, status string
		if err := rows.Scan(&startsAt, &endsAt, &status); err != nil {
			return nil, nil, fmt.Errorf("failed to scan agent slot: %w", err)
		}
		iv, err := parseInterval(startsAt, endsAt)
		if err != nil {
			return nil, nil, err
		}
		if status == SlotAvailable {
			windows = append(windows, iv)
		} else {
			blocks = append(blocks, iv)
		}
	}
	return windows, blocks, rows.Err()
}

func parseInterval(startsAt, endsAt string) (interval, error) {
	start, err := parseTime(startsAt)
	if err != nil {
		return interval{}, err
	}
	end, err := parseTime(endsAt)
	if err != nil {
		return interval{}, err
	}
	return interval{start: start, end: end}, nil
}
