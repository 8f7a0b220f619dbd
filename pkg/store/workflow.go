package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a workflow transition violates the
// state machine. The worker treats it as an invariant violation: the message
// aborts, the worker keeps going.
var ErrInvalidTransition = errors.New("invalid workflow transition")

// allowedWorkflowTransitions guards conversation workflow state changes at
// persistence time. A confirmed showing never falls back into follow-up.
var allowedWorkflowTransitions = map[string][]string{
	WorkflowStateLead:             {WorkflowStateFollowUp1, WorkflowStateShowingConfirmed, WorkflowStateClosed},
	WorkflowStateFollowUp1:        {WorkflowStateFollowUp2, WorkflowStateShowingConfirmed, WorkflowStateClosed, WorkflowStateLead},
	WorkflowStateFollowUp2:        {WorkflowStateShowingConfirmed, WorkflowStateClosed, WorkflowStateLead},
	WorkflowStateShowingConfirmed: {WorkflowStateClosed, WorkflowStateLead},
	WorkflowStateClosed:           {WorkflowStateLead},
}

func transitionAllowed(from, to string) bool {
	if from == to {
		return true
	}
	for _, next := range allowedWorkflowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WorkflowUpdate carries the persisted side of one pipeline outcome.
// Nil pointer fields are left untouched; ClearFollowUpStage and
// ClearOutcome null the columns explicitly.
type WorkflowUpdate struct {
	State              string
	Outcome            *string
	ShowingState       *string
	FollowUpStage      *string
	ClearFollowUpStage bool
	ClearOutcome       bool
}

// TransitionConversationWorkflow applies a guarded workflow transition and
// emits a workflow_state_transitioned audit entry. The read-check-write runs
// in one transaction; with the single-writer connection that makes the guard
// atomic.
func (s *Store) TransitionConversationWorkflow(conversationID string, update WorkflowUpdate) error {
	return s.inTx(func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRow(`SELECT workflow_state FROM conversations WHERE id = ?`, conversationID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read workflow state for %s: %w", conversationID, err)
		}

		if !transitionAllowed(current, update.State) {
			return fmt.Errorf("%w: %s -> %s for conversation %s", ErrInvalidTransition, current, update.State, conversationID)
		}

		setClauses := "workflow_state = ?"
		args := []any{update.State}
		if update.Outcome != nil {
			setClauses += ", workflow_outcome = ?"
			args = append(args, *update.Outcome)
		} else if update.ClearOutcome {
			setClauses += ", workflow_outcome = NULL"
		}
		if update.ShowingState != nil {
			setClauses += ", showing_state = ?"
			args = append(args, *update.ShowingState)
		}
		if update.FollowUpStage != nil {
			setClauses += ", follow_up_stage = ?"
			args = append(args, *update.FollowUpStage)
		} else if update.ClearFollowUpStage {
			setClauses += ", follow_up_stage = NULL"
		}
		args = append(args, conversationID)

		if _, err := tx.Exec(`UPDATE conversations SET `+setClauses+` WHERE id = ?`, args...); err != nil {
			return fmt.Errorf("failed to transition conversation %s: %w", conversationID, err)
		}

		details := map[string]any{"from": current, "to": update.State}
		if update.Outcome != nil {
			details["workflowOutcome"] = *update.Outcome
		}
		return s.appendAuditTx(tx, &AuditLog{
			ActorType:  ActorWorker,
			EntityType: "conversation",
			EntityID:   conversationID,
			Action:     "workflow_state_transitioned",
			Details:    details,
		})
	})
}

// RecoverNoReply transitions a no_reply conversation back to lead when a new
// inbound arrives. Returns true when the recovery fired.
func (s *Store) RecoverNoReply(tx *sql.Tx, conversationID string) (bool, error) {
	var state string
	var outcome sql.NullString
	err := tx.QueryRow(`SELECT workflow_state, workflow_outcome FROM conversations WHERE id = ?`, conversationID).
		Scan(&state, &outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read conversation %s: %w", conversationID, err)
	}
	if !outcome.Valid || outcome.String != OutcomeNoReply {
		return false, nil
	}

	_, err = tx.Exec(`
		UPDATE conversations SET workflow_state = ?, workflow_outcome = NULL, follow_up_stage = NULL
		WHERE id = ?
	`, WorkflowStateLead, conversationID)
	if err != nil {
		return false, fmt.Errorf("failed to recover conversation %s from no_reply: %w", conversationID, err)
	}

	err = s.appendAuditTx(tx, &AuditLog{
		ActorType:  ActorSystem,
		EntityType: "conversation",
		EntityID:   conversationID,
		Action:     "workflow_no_reply_recovered",
		Details:    map[string]any{"from": state, "to": WorkflowStateLead},
	})
	return err == nil, err
}

func (s *Store) appendAuditTx(tx *sql.Tx, entry *AuditLog) error {
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
	_, err = tx.Exec(`
		INSERT INTO audit_logs (id, actor_type, actor_id, entity_type, entity_id, action, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.ActorType, entry.ActorID, entry.EntityType, entry.EntityID,
		entry.Action, detailsJSON, fmtTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append audit entry %s: %w", entry.Action, err)
	}
	return nil
}
