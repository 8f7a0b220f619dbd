package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion tracks the schema for migration support.
const CurrentSchemaVersion = 1

func initializeSchema(db *sql.DB) error {
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return fmt.Errorf("unknown schema version %d (current is %d)", currentVersion, CurrentSchemaVersion)
}

func createSchema(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS platform_accounts (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL CHECK (platform IN ('spareroom','roomies','leasebreak','renthop','furnishedfinder')),
			is_active INTEGER NOT NULL DEFAULT 1,
			send_mode TEXT NOT NULL DEFAULT 'auto_send' CHECK (send_mode IN ('auto_send','draft_only')),
			integration_mode TEXT NOT NULL DEFAULT 'rpa',
			credential_refs TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS units (
			id TEXT PRIMARY KEY,
			unit_number TEXT NOT NULL,
			listing_id TEXT,
			timezone TEXT NOT NULL DEFAULT 'UTC'
		)`,

		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'agent'
		)`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			platform_account_id TEXT NOT NULL REFERENCES platform_accounts(id),
			external_thread_id TEXT NOT NULL,
			unit_id TEXT REFERENCES units(id),
			assigned_agent_id TEXT REFERENCES agents(id),
			lead_name TEXT,
			status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open','archived')),
			workflow_state TEXT NOT NULL DEFAULT 'lead',
			workflow_outcome TEXT,
			showing_state TEXT,
			follow_up_stage TEXT,
			pending_slot TEXT,
			last_message_at TEXT,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			direction TEXT NOT NULL CHECK (direction IN ('inbound','outbound')),
			external_message_id TEXT,
			body TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			sent_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS automation_rules (
			id TEXT PRIMARY KEY,
			platform_account_id TEXT NOT NULL REFERENCES platform_accounts(id),
			trigger_type TEXT NOT NULL,
			action_type TEXT NOT NULL,
			condition_intent TEXT,
			template_name TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			is_enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			platform_account_id TEXT REFERENCES platform_accounts(id),
			name TEXT NOT NULL,
			locale TEXT NOT NULL DEFAULT 'en',
			body TEXT NOT NULL,
			variables TEXT NOT NULL DEFAULT '[]',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS availability_slots (
			id TEXT PRIMARY KEY,
			unit_id TEXT NOT NULL REFERENCES units(id),
			starts_at TEXT NOT NULL,
			ends_at TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			status TEXT NOT NULL DEFAULT 'available',
			source TEXT NOT NULL DEFAULT 'manual',
			notes TEXT,
			CHECK (starts_at < ends_at)
		)`,

		`CREATE TABLE IF NOT EXISTS agent_availability_slots (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			starts_at TEXT NOT NULL,
			ends_at TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			status TEXT NOT NULL DEFAULT 'available',
			source TEXT NOT NULL DEFAULT 'manual',
			notes TEXT,
			CHECK (starts_at < ends_at)
		)`,

		`CREATE TABLE IF NOT EXISTS unit_agent_assignments (
			unit_id TEXT NOT NULL REFERENCES units(id),
			agent_id TEXT NOT NULL REFERENCES agents(id),
			assignment_mode TEXT NOT NULL DEFAULT 'active' CHECK (assignment_mode IN ('active','passive')),
			priority INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (unit_id, agent_id)
		)`,

		`CREATE TABLE IF NOT EXISTS showing_appointments (
			id TEXT PRIMARY KEY,
			unit_id TEXT NOT NULL REFERENCES units(id),
			agent_id TEXT NOT NULL REFERENCES agents(id),
			conversation_id TEXT REFERENCES conversations(id),
			listing_id TEXT,
			platform_account_id TEXT NOT NULL REFERENCES platform_accounts(id),
			starts_at TEXT NOT NULL,
			ends_at TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','confirmed','cancelled','no_show','completed')),
			idempotency_key TEXT NOT NULL,
			external_booking_ref TEXT,
			payload_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			CHECK (starts_at < ends_at)
		)`,

		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			actor_type TEXT NOT NULL,
			actor_id TEXT,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
	}

	indices := []string{
		// Natural idempotency keys.
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_thread ON conversations(platform_account_id, external_thread_id)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external ON messages(conversation_id, external_message_id) WHERE external_message_id IS NOT NULL",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_showings_idempotency ON showing_appointments(idempotency_key)",
		// At most one active assignment per (unit, priority).
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_active_priority ON unit_agent_assignments(unit_id, priority) WHERE assignment_mode = 'active'",

		// Queue scan path: inbound, unprocessed, ordered by sent time.
		"CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, sent_at)",
		"CREATE INDEX IF NOT EXISTS idx_messages_direction_sent ON messages(direction, sent_at)",
		"CREATE INDEX IF NOT EXISTS idx_conversations_account ON conversations(platform_account_id)",
		"CREATE INDEX IF NOT EXISTS idx_rules_account ON automation_rules(platform_account_id, is_enabled)",
		"CREATE INDEX IF NOT EXISTS idx_templates_name ON templates(name)",
		"CREATE INDEX IF NOT EXISTS idx_unit_slots_unit ON availability_slots(unit_id, starts_at)",
		"CREATE INDEX IF NOT EXISTS idx_agent_slots_agent ON agent_availability_slots(agent_id, starts_at)",
		"CREATE INDEX IF NOT EXISTS idx_showings_unit_time ON showing_appointments(unit_id, starts_at)",
		"CREATE INDEX IF NOT EXISTS idx_audit_action_time ON audit_logs(action, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_logs(entity_type, entity_id)",
		"CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_logs(created_at)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

func getSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
