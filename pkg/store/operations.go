package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by single-row lookups with no match.
var ErrNotFound = errors.New("record not found")

func unmarshalSlot(raw string) (*SlotOption, error) {
	var slot SlotOption
	if err := json.Unmarshal([]byte(raw), &slot); err != nil {
		return nil, fmt.Errorf("failed to parse slot option: %w", err)
	}
	return &slot, nil
}

// UpsertPlatformAccount inserts or updates a platform account. The platform
// must be in the fixed supported set and every credential value must be a
// symbolic reference; inline literals are rejected here, before anything is
// persisted.
func (s *Store) UpsertPlatformAccount(account *PlatformAccount) error {
	if !IsValidPlatform(account.Platform) {
		return fmt.Errorf("unknown platform %q", account.Platform)
	}
	for key, ref := range account.CredentialRefs {
		if !isCredentialRef(ref) {
			return fmt.Errorf("credential %q for account %s is an inline literal; env:/secret: references required", key, account.ID)
		}
	}
	if account.ID == "" {
		account.ID = NewID()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = s.now()
	}
	refsJSON, err := marshalJSON(account.CredentialRefs)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO platform_accounts (id, platform, is_active, send_mode, integration_mode, credential_refs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			platform = excluded.platform,
			is_active = excluded.is_active,
			send_mode = excluded.send_mode,
			integration_mode = excluded.integration_mode,
			credential_refs = excluded.credential_refs
	`, account.ID, account.Platform, account.IsActive, account.SendMode,
		account.IntegrationMode, refsJSON, fmtTime(account.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert platform account %s: %w", account.ID, err)
	}
	return nil
}

func isCredentialRef(value string) bool {
	return strings.HasPrefix(value, "env:") || strings.HasPrefix(value, "secret:")
}

// ListActiveAccounts returns active accounts, optionally filtered by
// platform.
func (s *Store) ListActiveAccounts(platformFilter string) ([]PlatformAccount, error) {
	query := `SELECT id, platform, is_active, send_mode, integration_mode, credential_refs, created_at
	          FROM platform_accounts WHERE is_active = 1`
	args := []any{}
	if platformFilter != "" {
		query += ` AND platform = ?`
		args = append(args, platformFilter)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []PlatformAccount
	for rows.Next() {
		var a PlatformAccount
		var refsRaw, createdAt string
		if err := rows.Scan(&a.ID, &a.Platform, &a.IsActive, &a.SendMode, &a.IntegrationMode, &refsRaw, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		if err := json.Unmarshal([]byte(refsRaw), &a.CredentialRefs); err != nil {
			return nil, fmt.Errorf("failed to parse credential refs for %s: %w", a.ID, err)
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// GetPlatformAccount fetches one account by id.
func (s *Store) GetPlatformAccount(id string) (*PlatformAccount, error) {
	var a PlatformAccount
	var refsRaw, createdAt string
	err := s.db.QueryRow(`
		SELECT id, platform, is_active, send_mode, integration_mode, credential_refs, created_at
		FROM platform_accounts WHERE id = ?
	`, id).Scan(&a.ID, &a.Platform, &a.IsActive, &a.SendMode, &a.IntegrationMode, &refsRaw, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(refsRaw), &a.CredentialRefs); err != nil {
		return nil, fmt.Errorf("failed to parse credential refs for %s: %w", id, err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertUnit inserts or updates a unit.
func (s *Store) UpsertUnit(unit *Unit) error {
	if unit.ID == "" {
		unit.ID = NewID()
	}
	_, err := s.db.Exec(`
		INSERT INTO units (id, unit_number, listing_id, timezone) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET unit_number = excluded.unit_number,
			listing_id = excluded.listing_id, timezone = excluded.timezone
	`, unit.ID, unit.UnitNumber, unit.ListingID, unit.Timezone)
	if err != nil {
		return fmt.Errorf("failed to upsert unit %s: %w", unit.ID, err)
	}
	return nil
}

// UpsertAgent inserts or updates an agent.
func (s *Store) UpsertAgent(agent *Agent) error {
	if agent.ID == "" {
		agent.ID = NewID()
	}
	if agent.Role == "" {
		agent.Role = "agent"
	}
	_, err := s.db.Exec(`
		INSERT INTO agents (id, name, role) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role
	`, agent.ID, agent.Name, agent.Role)
	if err != nil {
		return fmt.Errorf("failed to upsert agent %s: %w", agent.ID, err)
	}
	return nil
}

// UpsertConversation inserts or updates a conversation.
func (s *Store) UpsertConversation(conv *Conversation) error {
	if conv.ID == "" {
		conv.ID = NewID()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.now()
	}
	if conv.Status == "" {
		conv.Status = ConversationOpen
	}
	if conv.WorkflowState == "" {
		conv.WorkflowState = WorkflowStateLead
	}

	var pendingSlotJSON any
	if conv.PendingSlot != nil {
		slotJSON, err := marshalJSON(conv.PendingSlot)
		if err != nil {
			return err
		}
		pendingSlotJSON = slotJSON
	}
	var lastMessageAt any
	if conv.LastMessageAt != nil {
		lastMessageAt = fmtTime(*conv.LastMessageAt)
	}

	_, err := s.db.Exec(`
		INSERT INTO conversations (id, platform_account_id, external_thread_id, unit_id, assigned_agent_id,
			lead_name, status, workflow_state, workflow_outcome, showing_state, follow_up_stage,
			pending_slot, last_message_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			unit_id = excluded.unit_id,
			assigned_agent_id = excluded.assigned_agent_id,
			lead_name = excluded.lead_name,
			status = excluded.status,
			workflow_state = excluded.workflow_state,
			workflow_outcome = excluded.workflow_outcome,
			showing_state = excluded.showing_state,
			follow_up_stage = excluded.follow_up_stage,
			pending_slot = excluded.pending_slot,
			last_message_at = excluded.last_message_at
	`, conv.ID, conv.PlatformAccountID, conv.ExternalThreadID, conv.UnitID, conv.AssignedAgentID,
		conv.LeadName, conv.Status, conv.WorkflowState, conv.WorkflowOutcome, conv.ShowingState,
		conv.FollowUpStage, pendingSlotJSON, lastMessageAt, fmtTime(conv.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert conversation %s: %w", conv.ID, err)
	}
	return nil
}

// GetConversation fetches one conversation by id.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, platform_account_id, external_thread_id, unit_id, assigned_agent_id, lead_name,
		       status, workflow_state, workflow_outcome, showing_state, follow_up_stage,
		       pending_slot, last_message_at, created_at
		FROM conversations WHERE id = ?
	`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return conv, err
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var unitID, assignedAgentID, leadName, workflowOutcome, showingState, followUpStage sql.NullString
	var pendingSlot, lastMessageAt sql.NullString
	var createdAt string

	err := row.Scan(&conv.ID, &conv.PlatformAccountID, &conv.ExternalThreadID, &unitID, &assignedAgentID,
		&leadName, &conv.Status, &conv.WorkflowState, &workflowOutcome, &showingState, &followUpStage,
		&pendingSlot, &lastMessageAt, &createdAt)
	if err != nil {
		return nil, err
	}

	if unitID.Valid {
		conv.UnitID = &unitID.String
	}
	if assignedAgentID.Valid {
		conv.AssignedAgentID = &assignedAgentID.String
	}
	if leadName.Valid {
		conv.LeadName = &leadName.String
	}
	if workflowOutcome.Valid {
		conv.WorkflowOutcome = &workflowOutcome.String
	}
	if showingState.Valid {
		conv.ShowingState = &showingState.String
	}
	if followUpStage.Valid {
		conv.FollowUpStage = &followUpStage.String
	}
	if pendingSlot.Valid && pendingSlot.String != "" {
		slot, err := unmarshalSlot(pendingSlot.String)
		if err != nil {
			return nil, err
		}
		conv.PendingSlot = slot
	}
	if lastMessageAt.Valid {
		t, err := parseTime(lastMessageAt.String)
		if err != nil {
			return nil, err
		}
		conv.LastMessageAt = &t
	}
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &conv, nil
}

// SetPendingSlot stores or clears the conversation's pending slot
// confirmation.
func (s *Store) SetPendingSlot(conversationID string, slot *SlotOption) error {
	var slotJSON any
	if slot != nil {
		raw, err := marshalJSON(slot)
		if err != nil {
			return err
		}
		slotJSON = raw
	}
	_, err := s.db.Exec(`UPDATE conversations SET pending_slot = ? WHERE id = ?`, slotJSON, conversationID)
	if err != nil {
		return fmt.Errorf("failed to set pending slot for conversation %s: %w", conversationID, err)
	}
	return nil
}

// InsertMessage inserts a message row directly. Used for seeding inbound
// messages in tests and by ingest.
func (s *Store) InsertMessage(msg *Message) error {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	metaJSON, err := marshalJSON(msg.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO messages (id, conversation_id, direction, external_message_id, body, metadata, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.Direction, msg.ExternalMessageID, msg.Body,
		metaJSON, fmtTime(msg.SentAt), fmtTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(id string) (*Message, error) {
	var msg Message
	var extMsgID sql.NullString
	var metaRaw, sentAt, createdAt string
	err := s.db.QueryRow(`
		SELECT id, conversation_id, direction, external_message_id, body, metadata, sent_at, created_at
		FROM messages WHERE id = ?
	`, id).Scan(&msg.ID, &msg.ConversationID, &msg.Direction, &extMsgID, &msg.Body, &metaRaw, &sentAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	if extMsgID.Valid {
		msg.ExternalMessageID = &extMsgID.String
	}
	if msg.Metadata, err = unmarshalMetadata(metaRaw); err != nil {
		return nil, err
	}
	if msg.SentAt, err = parseTime(sentAt); err != nil {
		return nil, err
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns a conversation's messages filtered by direction
// ("" for both), ordered by sent time.
func (s *Store) ListMessages(conversationID, direction string) ([]Message, error) {
	query := `SELECT id, conversation_id, direction, external_message_id, body, metadata, sent_at, created_at
	          FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if direction != "" {
		query += ` AND direction = ?`
		args = append(args, direction)
	}
	query += ` ORDER BY sent_at ASC, created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var extMsgID sql.NullString
		var metaRaw, sentAt, createdAt string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Direction, &extMsgID, &msg.Body, &metaRaw, &sentAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if extMsgID.Valid {
			msg.ExternalMessageID = &extMsgID.String
		}
		if msg.Metadata, err = unmarshalMetadata(metaRaw); err != nil {
			return nil, err
		}
		if msg.SentAt, err = parseTime(sentAt); err != nil {
			return nil, err
		}
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// UpsertAutomationRule inserts or updates a rule.
func (s *Store) UpsertAutomationRule(rule *AutomationRule) error {
	if rule.ID == "" {
		rule.ID = NewID()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO automation_rules (id, platform_account_id, trigger_type, action_type, condition_intent,
			template_name, priority, is_enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			trigger_type = excluded.trigger_type,
			action_type = excluded.action_type,
			condition_intent = excluded.condition_intent,
			template_name = excluded.template_name,
			priority = excluded.priority,
			is_enabled = excluded.is_enabled
	`, rule.ID, rule.PlatformAccountID, rule.TriggerType, rule.ActionType, rule.ConditionIntent,
		rule.TemplateName, rule.Priority, rule.IsEnabled, fmtTime(rule.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert rule %s: %w", rule.ID, err)
	}
	return nil
}

// FindRule returns the best rule for an account and intent: lowest priority
// wins, then oldest. Disabled rules are returned too; the policy gate
// downgrades them to draft rather than ignoring them.
func (s *Store) FindRule(accountID, intent string) (*AutomationRule, error) {
	var rule AutomationRule
	var condIntent sql.NullString
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, platform_account_id, trigger_type, action_type, condition_intent, template_name,
		       priority, is_enabled, created_at
		FROM automation_rules
		WHERE platform_account_id = ? AND (condition_intent IS NULL OR condition_intent = ?)
		ORDER BY priority ASC, created_at ASC
		LIMIT 1
	`, accountID, intent).Scan(&rule.ID, &rule.PlatformAccountID, &rule.TriggerType, &rule.ActionType,
		&condIntent, &rule.TemplateName, &rule.Priority, &rule.IsEnabled, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find rule: %w", err)
	}
	if condIntent.Valid {
		rule.ConditionIntent = &condIntent.String
	}
	if rule.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &rule, nil
}

// UpsertTemplate inserts or updates a template.
func (s *Store) UpsertTemplate(tmpl *Template) error {
	if tmpl.ID == "" {
		tmpl.ID = NewID()
	}
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = s.now()
	}
	if tmpl.Locale == "" {
		tmpl.Locale = "en"
	}
	varsJSON, err := marshalJSON(tmpl.Variables)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO templates (id, platform_account_id, name, locale, body, variables, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			locale = excluded.locale,
			body = excluded.body,
			variables = excluded.variables,
			is_active = excluded.is_active
	`, tmpl.ID, tmpl.PlatformAccountID, tmpl.Name, tmpl.Locale, tmpl.Body, varsJSON, tmpl.IsActive, fmtTime(tmpl.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert template %s: %w", tmpl.ID, err)
	}
	return nil
}

// FindTemplate resolves a template by name for an account. Platform-scoped
// templates shadow global templates with the same name.
func (s *Store) FindTemplate(accountID, name string) (*Template, error) {
	var tmpl Template
	var scopedAccount sql.NullString
	var varsRaw, createdAt string
	err := s.db.QueryRow(`
		SELECT id, platform_account_id, name, locale, body, variables, is_active, created_at
		FROM templates
		WHERE name = ? AND is_active = 1 AND (platform_account_id = ? OR platform_account_id IS NULL)
		ORDER BY platform_account_id IS NULL ASC
		LIMIT 1
	`, name, accountID).Scan(&tmpl.ID, &scopedAccount, &tmpl.Name, &tmpl.Locale, &tmpl.Body,
		&varsRaw, &tmpl.IsActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find template %q: %w", name, err)
	}
	if scopedAccount.Valid {
		tmpl.PlatformAccountID = &scopedAccount.String
	}
	if err := json.Unmarshal([]byte(varsRaw), &tmpl.Variables); err != nil {
		return nil, fmt.Errorf("failed to parse template variables: %w", err)
	}
	if tmpl.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &tmpl, nil
}
