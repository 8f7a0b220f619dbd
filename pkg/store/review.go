package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrReviewStateInvalid is returned when approving or rejecting an outbound
// row that is not awaiting review.
var ErrReviewStateInvalid = errors.New("message is not awaiting review")

// ApproveOutbound moves a draft or held outbound row to approved and emits
// inbox_message_approved. agentID is the reviewing actor.
func (s *Store) ApproveOutbound(messageID, agentID string) error {
	return s.reviewOutbound(messageID, agentID, ReviewStatusApproved, "inbox_message_approved")
}

// RejectOutbound moves a draft or held outbound row to rejected and emits
// inbox_message_rejected.
func (s *Store) RejectOutbound(messageID, agentID string) error {
	return s.reviewOutbound(messageID, agentID, ReviewStatusRejected, "inbox_message_rejected")
}

func (s *Store) reviewOutbound(messageID, agentID, nextStatus, action string) error {
	return s.inTx(func(tx *sql.Tx) error {
		var direction string
		var metaRaw string
		err := tx.QueryRow(`SELECT direction, metadata FROM messages WHERE id = ?`, messageID).
			Scan(&direction, &metaRaw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load message %s for review: %w", messageID, err)
		}
		if direction != DirectionOutbound {
			return fmt.Errorf("%w: message %s is not outbound", ErrReviewStateInvalid, messageID)
		}
		meta, err := unmarshalMetadata(metaRaw)
		if err != nil {
			return err
		}
		if meta.ReviewStatus != ReviewStatusDraft && meta.ReviewStatus != ReviewStatusHold {
			return fmt.Errorf("%w: message %s has reviewStatus %q", ErrReviewStateInvalid, messageID, meta.ReviewStatus)
		}

		if _, err := tx.Exec(
			`UPDATE messages SET metadata = json_set(metadata, '$.reviewStatus', ?) WHERE id = ?`,
			nextStatus, messageID,
		); err != nil {
			return fmt.Errorf("failed to update review status for %s: %w", messageID, err)
		}

		return s.appendAuditTx(tx, &AuditLog{
			ActorType:  ActorAgent,
			ActorID:    &agentID,
			EntityType: "message",
			EntityID:   messageID,
			Action:     action,
			Details:    map[string]any{"previousStatus": meta.ReviewStatus, "reviewStatus": nextStatus},
		})
	})
}

// RecordManualDispatch inserts a manually sent outbound row and emits
// inbox_manual_reply_dispatched. Used when an agent replies from the inbox
// instead of the pipeline.
func (s *Store) RecordManualDispatch(msg *Message, agentID string) error {
	msg.Metadata.ReviewStatus = ReviewStatusSent
	inserted, err := s.InsertOutbound(msg)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	return s.AppendAudit(&AuditLog{
		ActorType:  ActorAgent,
		ActorID:    &agentID,
		EntityType: "message",
		EntityID:   msg.ID,
		Action:     "inbox_manual_reply_dispatched",
		Details:    map[string]any{"conversationId": msg.ConversationID},
	})
}
