package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrShowingOverlap is returned when inserting an appointment that overlaps a
// pending or confirmed appointment for the same unit.
var ErrShowingOverlap = errors.New("showing appointment overlaps an existing booking")

// FindShowingByIdempotencyKey returns the appointment previously written
// under key, or ErrNotFound.
func (s *Store) FindShowingByIdempotencyKey(key string) (*ShowingAppointment, error) {
	row := s.db.QueryRow(showingSelect+` WHERE idempotency_key = ?`, key)
	appt, err := scanShowing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return appt, err
}

// InsertShowing writes a new appointment. The overlap check against pending
// and confirmed appointments for the same unit runs in the same transaction
// as the insert; ErrShowingOverlap reports a conflicting booking. The unique
// index on idempotency_key is the last line of defense against concurrent
// duplicate keys.
func (s *Store) InsertShowing(appt *ShowingAppointment) error {
	if appt.ID == "" {
		appt.ID = NewID()
	}
	if appt.Status == "" {
		appt.Status = AppointmentPending
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = s.now()
	}
	return s.inTx(func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRow(`
			SELECT COUNT(*) FROM showing_appointments
			WHERE unit_id = ? AND status IN (?, ?) AND starts_at < ? AND ends_at > ?
		`, appt.UnitID, AppointmentPending, AppointmentConfirmed,
			fmtTime(appt.EndsAt), fmtTime(appt.StartsAt)).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to check showing overlap: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: unit %s [%s, %s)", ErrShowingOverlap, appt.UnitID, fmtTime(appt.StartsAt), fmtTime(appt.EndsAt))
		}

		_, err = tx.Exec(`
			INSERT INTO showing_appointments (id, unit_id, agent_id, conversation_id, listing_id,
				platform_account_id, starts_at, ends_at, timezone, status, idempotency_key,
				external_booking_ref, payload_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, appt.ID, appt.UnitID, appt.AgentID, appt.ConversationID, appt.ListingID,
			appt.PlatformAccountID, fmtTime(appt.StartsAt), fmtTime(appt.EndsAt), appt.Timezone,
			appt.Status, appt.IdempotencyKey, appt.ExternalBookingRef, appt.PayloadHash, fmtTime(appt.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert showing appointment: %w", err)
		}
		return nil
	})
}

// UpdateShowingStatus moves an appointment to a new status.
func (s *Store) UpdateShowingStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE showing_appointments SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update showing %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindActiveShowingForConversation returns the most recent pending or
// confirmed appointment tied to a conversation, or ErrNotFound. Used when a
// workflow outcome cancels or reschedules an existing showing.
func (s *Store) FindActiveShowingForConversation(conversationID string) (*ShowingAppointment, error) {
	row := s.db.QueryRow(showingSelect+`
		WHERE conversation_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1
	`, conversationID, AppointmentPending, AppointmentConfirmed)
	appt, err := scanShowing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return appt, err
}

// CountShowingsByStatus groups appointments created since the cutoff by
// status. Snapshot feed.
func (s *Store) CountShowingsByStatus(since time.Time) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM showing_appointments WHERE created_at >= ? GROUP BY status
	`, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to count showings: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan showing count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountShowingsByPlatform groups appointments created since the cutoff by
// the owning account's platform. Snapshot feed.
func (s *Store) CountShowingsByPlatform(since time.Time) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT pa.platform, COUNT(*)
		FROM showing_appointments sa
		JOIN platform_accounts pa ON pa.id = sa.platform_account_id
		WHERE sa.created_at >= ?
		GROUP BY pa.platform
	`, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to count showings by platform: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var platform string
		var n int
		if err := rows.Scan(&platform, &n); err != nil {
			return nil, fmt.Errorf("failed to scan showing platform count: %w", err)
		}
		counts[platform] = n
	}
	return counts, rows.Err()
}

const showingSelect = `
	SELECT id, unit_id, agent_id, conversation_id, listing_id, platform_account_id,
	       starts_at, ends_at, timezone, status, idempotency_key, external_booking_ref,
	       payload_hash, created_at
	FROM showing_appointments`

func scanShowing(row rowScanner) (*ShowingAppointment, error) {
	var appt ShowingAppointment
	var conversationID, listingID, bookingRef sql.NullString
	var startsAt, endsAt, createdAt string

	err := row.Scan(&appt.ID, &appt.UnitID, &appt.AgentID, &conversationID, &listingID,
		&appt.PlatformAccountID, &startsAt, &endsAt, &appt.Timezone, &appt.Status,
		&appt.IdempotencyKey, &bookingRef, &appt.PayloadHash, &createdAt)
	if err != nil {
		return nil, err
	}

	if conversationID.Valid {
		appt.ConversationID = &conversationID.String
	}
	if listingID.Valid {
		appt.ListingID = &listingID.String
	}
	if bookingRef.Valid {
		appt.ExternalBookingRef = &bookingRef.String
	}
	if appt.StartsAt, err = parseTime(startsAt); err != nil {
		return nil, err
	}
	if appt.EndsAt, err = parseTime(endsAt); err != nil {
		return nil, err
	}
	if appt.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &appt, nil
}
