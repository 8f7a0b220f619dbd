package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit actor types.
const (
	ActorSystem = "system"
	ActorWorker = "worker"
	ActorAgent  = "agent"
)

// AppendAudit writes one append-only audit entry. Audit writes never fail the
// surrounding operation; callers that want that behavior log and continue.
func (s *Store) AppendAudit(entry *AuditLog) error {
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}
	detailsJSON, err := marshalJSON(entry.Details)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO audit_logs (id, actor_type, actor_id, entity_type, entity_id, action, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.ActorType, entry.ActorID, entry.EntityType, entry.EntityID,
		entry.Action, detailsJSON, fmtTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append audit entry %s: %w", entry.Action, err)
	}
	return nil
}

// Audit is the convenience form used by the worker: best-effort append with
// a warning on failure instead of an error return.
func (s *Store) Audit(actorType, entityType, entityID, action string, details map[string]any) {
	err := s.AppendAudit(&AuditLog{
		ActorType:  actorType,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Details:    details,
	})
	if err != nil {
		s.logger.Warn("audit append failed for %s: %v", action, err)
	}
}

// ListAuditSince returns audit entries created at or after since, newest
// first, capped at limit.
func (s *Store) ListAuditSince(since time.Time, limit int) ([]AuditLog, error) {
	rows, err := s.db.Query(`
		SELECT id, actor_type, actor_id, entity_type, entity_id, action, details, created_at
		FROM audit_logs
		WHERE created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?
	`, fmtTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditLog
	for rows.Next() {
		var entry AuditLog
		var actorID sql.NullString
		var detailsRaw, createdAt string
		if err := rows.Scan(&entry.ID, &entry.ActorType, &actorID, &entry.EntityType, &entry.EntityID,
			&entry.Action, &detailsRaw, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if actorID.Valid {
			entry.ActorID = &actorID.String
		}
		if err := json.Unmarshal([]byte(detailsRaw), &entry.Details); err != nil {
			return nil, fmt.Errorf("failed to parse audit details: %w", err)
		}
		if entry.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CountAuditByAction groups entries since the cutoff by action.
func (s *Store) CountAuditByAction(since time.Time) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT action, COUNT(*) FROM audit_logs WHERE created_at >= ? GROUP BY action
	`, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to count audit entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("failed to scan audit count: %w", err)
		}
		counts[action] = n
	}
	return counts, rows.Err()
}

// CountAuditByEntityType groups entries since the cutoff by entity type.
func (s *Store) CountAuditByEntityType(since time.Time) (map[string]int, error) {
	return s.countAuditGrouped("entity_type", since)
}

// CountAuditByActorType groups entries since the cutoff by actor type.
func (s *Store) CountAuditByActorType(since time.Time) (map[string]int, error) {
	return s.countAuditGrouped("actor_type", since)
}

func (s *Store) countAuditGrouped(column string, since time.Time) (map[string]int, error) {
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT %s, COUNT(*) FROM audit_logs WHERE created_at >= ? GROUP BY %s
	`, column, column), fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to count audit entries by %s: %w", column, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var value string
		var n int
		if err := rows.Scan(&value, &n); err != nil {
			return nil, fmt.Errorf("failed to scan audit group count: %w", err)
		}
		counts[value] = n
	}
	return counts, rows.Err()
}

// CountAuditDetailField groups entries for one action since the cutoff by a
// string field inside details. Entries without the field land under "".
func (s *Store) CountAuditDetailField(action, field string, since time.Time) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT COALESCE(json_extract(details, '$.'||?), ''), COUNT(*)
		FROM audit_logs
		WHERE action = ? AND created_at >= ?
		GROUP BY 1
	`, field, action, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to count audit details: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var value string
		var n int
		if err := rows.Scan(&value, &n); err != nil {
			return nil, fmt.Errorf("failed to scan audit detail count: %w", err)
		}
		counts[value] = n
	}
	return counts, rows.Err()
}
