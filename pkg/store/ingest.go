package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InboundEnvelope is the normalized inbound shape produced by platform
// adapters. The store owns the type so adapters and the worker can share it
// without a dependency cycle.
type InboundEnvelope struct {
	ExternalThreadID  string         `json:"externalThreadId"`
	ExternalMessageID string         `json:"externalMessageId"`
	Body              string         `json:"body"`
	LeadName          string         `json:"leadName,omitempty"`
	LeadContact       string         `json:"leadContact,omitempty"`
	Channel           string         `json:"channel"`
	SentAt            time.Time      `json:"sentAt"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// IngestResult summarizes one account's ingest batch.
type IngestResult struct {
	Inserted   int
	Duplicates int
	Reopened   int
	Recovered  int
}

// IngestMessages persists an adapter batch for one account. Per envelope:
// resolve or create the conversation by (account, externalThreadId), reopen
// it when archived, recover it from no_reply, and insert the message with
// (conversationId, externalMessageId) dedup. Each envelope commits on its
// own so one bad row does not discard the batch.
func (s *Store) IngestMessages(account *PlatformAccount, envelopes []InboundEnvelope) (IngestResult, error) {
	var result IngestResult
	for _, env := range envelopes {
		if env.ExternalThreadID == "" || env.ExternalMessageID == "" {
			s.logger.Warn("skipping envelope without external ids for account %s", account.ID)
			continue
		}
		err := s.inTx(func(tx *sql.Tx) error {
			return s.ingestOne(tx, account, env, &result)
		})
		if err != nil {
			return result, fmt.Errorf("failed to ingest message %s for account %s: %w", env.ExternalMessageID, account.ID, err)
		}
	}
	return result, nil
}

func (s *Store) ingestOne(tx *sql.Tx, account *PlatformAccount, env InboundEnvelope, result *IngestResult) error {
	convID, status, err := s.resolveConversation(tx, account, env)
	if err != nil {
		return err
	}

	if status == ConversationArchived {
		if _, err := tx.Exec(`UPDATE conversations SET status = ? WHERE id = ?`, ConversationOpen, convID); err != nil {
			return fmt.Errorf("failed to reopen conversation %s: %w", convID, err)
		}
		result.Reopened++
	}

	recovered, err := s.RecoverNoReply(tx, convID)
	if err != nil {
		return err
	}
	if recovered {
		result.Recovered++
	}

	meta := MessageMetadata{}
	if env.LeadName != "" || env.LeadContact != "" {
		meta.Lead = map[string]any{}
		if env.LeadName != "" {
			meta.Lead["name"] = env.LeadName
		}
		if env.LeadContact != "" {
			meta.Lead["contact"] = env.LeadContact
		}
	}
	metaJSON, err := marshalJSON(meta)
	if err != nil {
		return err
	}

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO messages (id, conversation_id, direction, external_message_id, body, metadata, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, NewID(), convID, DirectionInbound, env.ExternalMessageID, env.Body, metaJSON,
		fmtTime(env.SentAt), fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to insert inbound message: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if inserted == 0 {
		result.Duplicates++
		return nil
	}
	result.Inserted++

	_, err = tx.Exec(`
		UPDATE conversations SET last_message_at = ?
		WHERE id = ? AND (last_message_at IS NULL OR last_message_at < ?)
	`, fmtTime(env.SentAt), convID, fmtTime(env.SentAt))
	if err != nil {
		return fmt.Errorf("failed to bump conversation last_message_at: %w", err)
	}
	return nil
}

// resolveConversation finds or creates the conversation for an envelope and
// emits the linkage audit entry.
func (s *Store) resolveConversation(tx *sql.Tx, account *PlatformAccount, env InboundEnvelope) (string, string, error) {
	var convID, status string
	err := tx.QueryRow(`
		SELECT id, status FROM conversations
		WHERE platform_account_id = ? AND external_thread_id = ?
	`, account.ID, env.ExternalThreadID).Scan(&convID, &status)

	if err == nil {
		auditErr := s.appendAuditTx(tx, &AuditLog{
			ActorType:  ActorSystem,
			EntityType: "conversation",
			EntityID:   convID,
			Action:     "ingest_conversation_linkage_resolved",
			Details: map[string]any{
				"platform":         account.Platform,
				"platformAccount":  account.ID,
				"externalThreadId": env.ExternalThreadID,
			},
		})
		return convID, status, auditErr
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("failed to resolve conversation: %w", err)
	}

	convID = NewID()
	var leadName any
	if env.LeadName != "" {
		leadName = env.LeadName
	}
	_, err = tx.Exec(`
		INSERT INTO conversations (id, platform_account_id, external_thread_id, lead_name,
			status, workflow_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, convID, account.ID, env.ExternalThreadID, leadName,
		ConversationOpen, WorkflowStateLead, fmtTime(s.now()))
	if err != nil {
		return "", "", fmt.Errorf("failed to create conversation: %w", err)
	}

	auditErr := s.appendAuditTx(tx, &AuditLog{
		ActorType:  ActorSystem,
		EntityType: "conversation",
		EntityID:   convID,
		Action:     "ingest_conversation_linkage_unresolved",
		Details: map[string]any{
			"platform":         account.Platform,
			"platformAccount":  account.ID,
			"externalThreadId": env.ExternalThreadID,
			"created":          true,
		},
	})
	return convID, ConversationOpen, auditErr
}
