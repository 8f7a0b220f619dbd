package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ClaimedMessage is the joined projection returned by ClaimPendingMessages:
// the inbound message plus the platform policy and unit context the pipeline
// needs, so processing never re-queries per message.
//
//nolint:govet // struct alignment optimization not critical for this type
type ClaimedMessage struct {
	Message           Message
	Conversation      Conversation
	Account           PlatformAccount
	Unit              *Unit
	HasRecentOutbound bool
}

// ClaimPendingMessages selects up to limit inbound messages that have not
// been processed and whose worker claim is absent or expired, and stamps a
// fresh claim lease for workerID. The claim predicate is evaluated SQL-side
// on the JSON document, so two workers racing on the same row see exactly
// one successful claim.
func (s *Store) ClaimPendingMessages(workerID string, limit int, claimTTL time.Duration) ([]ClaimedMessage, error) {
	now := s.now()
	nowStr := fmtTime(now)

	var claimed []ClaimedMessage
	err := s.inTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT m.id, m.conversation_id, m.direction, m.external_message_id, m.body, m.metadata, m.sent_at, m.created_at,
			       c.platform_account_id, c.external_thread_id, c.unit_id, c.assigned_agent_id, c.lead_name,
			       c.status, c.workflow_state, c.workflow_outcome, c.showing_state, c.follow_up_stage, c.pending_slot,
			       a.platform, a.is_active, a.send_mode, a.integration_mode,
			       u.id, u.unit_number, u.listing_id, u.timezone,
			       EXISTS(
			           SELECT 1 FROM messages o
			           WHERE o.conversation_id = m.conversation_id
			             AND o.direction = 'outbound'
			             AND o.sent_at < m.sent_at
			       )
			FROM messages m
			JOIN conversations c ON c.id = m.conversation_id
			JOIN platform_accounts a ON a.id = c.platform_account_id
			LEFT JOIN units u ON u.id = c.unit_id
			WHERE m.direction = 'inbound'
			  AND json_extract(m.metadata, '$.aiProcessedAt') IS NULL
			  AND (json_extract(m.metadata, '$.workerClaim.claimExpiresAt') IS NULL
			       OR json_extract(m.metadata, '$.workerClaim.claimExpiresAt') <= ?)
			ORDER BY m.sent_at ASC, m.created_at ASC
			LIMIT ?
		`, nowStr, limit)
		if err != nil {
			return fmt.Errorf("failed to query pending messages: %w", err)
		}
		defer rows.Close()

		var candidates []ClaimedMessage
		for rows.Next() {
			cm, scanErr := scanClaimedMessage(rows)
			if scanErr != nil {
				return scanErr
			}
			candidates = append(candidates, cm)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("pending message row error: %w", err)
		}

		claim := WorkerClaim{
			WorkerID:       workerID,
			ClaimedAt:      now,
			ClaimExpiresAt: now.Add(claimTTL),
		}
		claimJSON, err := marshalJSON(claimTimes(claim))
		if err != nil {
			return err
		}

		for i := range candidates {
			// Re-check the claim predicate in the UPDATE guard; a row another
			// worker claimed between SELECT and UPDATE is skipped, which is
			// the skip-locked behavior the queue contract asks for.
			res, err := tx.Exec(`
				UPDATE messages
				SET metadata = json_set(metadata, '$.workerClaim', json(?))
				WHERE id = ?
				  AND json_extract(metadata, '$.aiProcessedAt') IS NULL
				  AND (json_extract(metadata, '$.workerClaim.claimExpiresAt') IS NULL
				       OR json_extract(metadata, '$.workerClaim.claimExpiresAt') <= ?)
			`, claimJSON, candidates[i].Message.ID, nowStr)
			if err != nil {
				return fmt.Errorf("failed to claim message %s: %w", candidates[i].Message.ID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read claim result: %w", err)
			}
			if affected == 1 {
				candidates[i].Message.Metadata.WorkerClaim = &claim
				claimed = append(claimed, candidates[i])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// claimTimes keeps the JSON claim timestamps in the store's fixed layout so
// the SQL-side expiry comparison stays lexicographic.
type claimDoc struct {
	WorkerID       string `json:"workerId"`
	ClaimedAt      string `json:"claimedAt"`
	ClaimExpiresAt string `json:"claimExpiresAt"`
}

func claimTimes(c WorkerClaim) claimDoc {
	return claimDoc{
		WorkerID:       c.WorkerID,
		ClaimedAt:      fmtTime(c.ClaimedAt),
		ClaimExpiresAt: fmtTime(c.ClaimExpiresAt),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

//nolint:gocognit // Straight-line column mapping
func scanClaimedMessage(rows rowScanner) (ClaimedMessage, error) {
	var cm ClaimedMessage
	var extMsgID, workflowOutcome, showingState, followUpStage, pendingSlot sql.NullString
	var unitID, assignedAgentID, leadName sql.NullString
	var uID, uNumber, uListing, uTimezone sql.NullString
	var metaRaw, sentAt, createdAt string
	var isActive bool
	var hasRecentOutbound bool

	err := rows.Scan(
		&cm.Message.ID, &cm.Message.ConversationID, &cm.Message.Direction, &extMsgID,
		&cm.Message.Body, &metaRaw, &sentAt, &createdAt,
		&cm.Conversation.PlatformAccountID, &cm.Conversation.ExternalThreadID,
		&unitID, &assignedAgentID, &leadName,
		&cm.Conversation.Status, &cm.Conversation.WorkflowState,
		&workflowOutcome, &showingState, &followUpStage, &pendingSlot,
		&cm.Account.Platform, &isActive, &cm.Account.SendMode, &cm.Account.IntegrationMode,
		&uID, &uNumber, &uListing, &uTimezone,
		&hasRecentOutbound,
	)
	if err != nil {
		return cm, fmt.Errorf("failed to scan claimed message: %w", err)
	}

	cm.Conversation.ID = cm.Message.ConversationID
	cm.Account.ID = cm.Conversation.PlatformAccountID
	cm.Account.IsActive = isActive
	cm.HasRecentOutbound = hasRecentOutbound

	if extMsgID.Valid {
		cm.Message.ExternalMessageID = &extMsgID.String
	}
	if unitID.Valid {
		cm.Conversation.UnitID = &unitID.String
	}
	if assignedAgentID.Valid {
		cm.Conversation.AssignedAgentID = &assignedAgentID.String
	}
	if leadName.Valid {
		cm.Conversation.LeadName = &leadName.String
	}
	if workflowOutcome.Valid {
		cm.Conversation.WorkflowOutcome = &workflowOutcome.String
	}
	if showingState.Valid {
		cm.Conversation.ShowingState = &showingState.String
	}
	if followUpStage.Valid {
		cm.Conversation.FollowUpStage = &followUpStage.String
	}
	if pendingSlot.Valid && pendingSlot.String != "" {
		slot, slotErr := unmarshalSlot(pendingSlot.String)
		if slotErr != nil {
			return cm, slotErr
		}
		cm.Conversation.PendingSlot = slot
	}
	if uID.Valid {
		cm.Unit = &Unit{ID: uID.String, UnitNumber: uNumber.String, Timezone: uTimezone.String}
		if uListing.Valid {
			cm.Unit.ListingID = &uListing.String
		}
	}

	if cm.Message.Metadata, err = unmarshalMetadata(metaRaw); err != nil {
		return cm, err
	}
	if cm.Message.SentAt, err = parseTime(sentAt); err != nil {
		return cm, err
	}
	if cm.Message.CreatedAt, err = parseTime(createdAt); err != nil {
		return cm, err
	}
	return cm, nil
}

// BeginDispatchResult reports the outcome of a dispatch compare-and-set.
type BeginDispatchResult struct {
	ShouldDispatch bool
	Prior          *DispatchState
}

// BeginDispatchAttempt atomically promotes the message's dispatch state to
// in_progress, but only when the stored key differs from dispatchKey or the
// stored state is neither in_progress nor completed. A false ShouldDispatch
// returns the prior state so callers can reuse the winner's delivery record.
// This is the duplicate-suppression primitive.
func (s *Store) BeginDispatchAttempt(messageID, dispatchKey string) (BeginDispatchResult, error) {
	var result BeginDispatchResult
	now := s.now()

	err := s.inTx(func(tx *sql.Tx) error {
		meta, err := s.messageMetadata(tx, messageID)
		if err != nil {
			return err
		}

		if d := meta.Dispatch; d != nil && d.Key == dispatchKey &&
			(d.State == DispatchInProgress || d.State == DispatchCompleted) {
			prior := *d
			result.Prior = &prior
			return nil
		}

		attempts := 1
		if meta.Dispatch != nil && meta.Dispatch.Key == dispatchKey {
			attempts = meta.Dispatch.Attempts + 1
		}
		next := &DispatchState{
			Key:           dispatchKey,
			State:         DispatchInProgress,
			Attempts:      attempts,
			LastAttemptAt: now,
		}
		dispatchJSON, err := marshalJSON(next)
		if err != nil {
			return err
		}

		// The guard predicate mirrors the decision above so a concurrent
		// winner between SELECT and UPDATE still loses exactly one of us.
		res, err := tx.Exec(`
			UPDATE messages
			SET metadata = json_set(metadata, '$.dispatch', json(?))
			WHERE id = ?
			  AND (json_extract(metadata, '$.dispatch.key') IS NULL
			       OR json_extract(metadata, '$.dispatch.key') != ?
			       OR json_extract(metadata, '$.dispatch.state') NOT IN ('in_progress','completed'))
		`, dispatchJSON, messageID, dispatchKey)
		if err != nil {
			return fmt.Errorf("failed to begin dispatch for %s: %w", messageID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read dispatch CAS result: %w", err)
		}
		if affected == 1 {
			result.ShouldDispatch = true
		} else if meta.Dispatch != nil {
			prior := *meta.Dispatch
			result.Prior = &prior
		}
		return nil
	})
	if err != nil {
		return BeginDispatchResult{}, err
	}
	return result, nil
}

// CompleteDispatchAttempt marks the dispatch completed and records the
// provider delivery acknowledgment.
func (s *Store) CompleteDispatchAttempt(messageID, dispatchKey string, delivery DeliveryRecord) error {
	now := s.now()
	return s.patchDispatch(messageID, dispatchKey, func(d *DispatchState) {
		d.State = DispatchCompleted
		d.CompletedAt = &now
		d.Delivery = &delivery
		d.FailedStage = ""
		d.LastError = ""
	})
}

// FailDispatchAttempt marks the dispatch failed, or dlq when the retry
// budget was exhausted, recording the failed stage and escalation reason.
func (s *Store) FailDispatchAttempt(messageID, dispatchKey, failedStage, lastError string, retryExhausted bool, escalationReason string) error {
	now := s.now()
	return s.patchDispatch(messageID, dispatchKey, func(d *DispatchState) {
		d.State = DispatchFailed
		d.FailedStage = failedStage
		d.LastError = lastError
		d.Retry = &RetryRecord{Attempts: d.Attempts, RetryExhausted: retryExhausted}
		if retryExhausted {
			d.State = DispatchDLQ
			d.DLQ = &DLQRecord{EscalationReasonCode: escalationReason, At: now}
		}
	})
}

func (s *Store) patchDispatch(messageID, dispatchKey string, mutate func(*DispatchState)) error {
	return s.inTx(func(tx *sql.Tx) error {
		meta, err := s.messageMetadata(tx, messageID)
		if err != nil {
			return err
		}
		if meta.Dispatch == nil || meta.Dispatch.Key != dispatchKey {
			return fmt.Errorf("dispatch state for message %s does not match key", messageID)
		}
		mutate(meta.Dispatch)

		dispatchJSON, err := marshalJSON(meta.Dispatch)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`UPDATE messages SET metadata = json_set(metadata, '$.dispatch', json(?)) WHERE id = ?`,
			dispatchJSON, messageID,
		); err != nil {
			return fmt.Errorf("failed to update dispatch state for %s: %w", messageID, err)
		}
		return nil
	})
}

func (s *Store) messageMetadata(tx *sql.Tx, messageID string) (MessageMetadata, error) {
	var raw string
	err := tx.QueryRow(`SELECT metadata FROM messages WHERE id = ?`, messageID).Scan(&raw)
	if err != nil {
		return MessageMetadata{}, fmt.Errorf("failed to load metadata for message %s: %w", messageID, err)
	}
	return unmarshalMetadata(raw)
}

// InsertOutbound inserts an outbound message row. The unique index on
// (conversation_id, external_message_id) makes retries idempotent: a
// conflicting insert is a no-op and reports inserted=false. Inserted rows
// bump the conversation's last_message_at.
func (s *Store) InsertOutbound(msg *Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.Direction = DirectionOutbound

	metaJSON, err := marshalJSON(msg.Metadata)
	if err != nil {
		return false, err
	}

	var inserted bool
	err = s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO messages (id, conversation_id, direction, external_message_id, body, metadata, sent_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, msg.ID, msg.ConversationID, msg.Direction, msg.ExternalMessageID, msg.Body,
			metaJSON, fmtTime(msg.SentAt), fmtTime(msg.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert outbound message: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read outbound insert result: %w", err)
		}
		if affected == 0 {
			return nil
		}
		inserted = true

		if _, err := tx.Exec(
			`UPDATE conversations SET last_message_at = ? WHERE id = ?`,
			fmtTime(msg.SentAt), msg.ConversationID,
		); err != nil {
			return fmt.Errorf("failed to bump conversation last_message_at: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// MarkInboundProcessed stamps aiProcessedAt and the decision record on the
// message metadata and removes the worker claim. The dispatch document is
// left intact for later inspection.
func (s *Store) MarkInboundProcessed(messageID string, decision *DecisionRecord) error {
	now := s.now()
	return s.inTx(func(tx *sql.Tx) error {
		meta, err := s.messageMetadata(tx, messageID)
		if err != nil {
			return err
		}
		meta.AIProcessedAt = &now
		meta.Decision = decision
		meta.WorkerClaim = nil

		metaJSON, err := marshalJSON(meta)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE messages SET metadata = ? WHERE id = ?`, metaJSON, messageID); err != nil {
			return fmt.Errorf("failed to mark message %s processed: %w", messageID, err)
		}
		return nil
	})
}
