// Package worker runs the poll loop: ingest, claim, decide, dispatch,
// persist. One replica runs one cooperative cycle at a time; multiple
// replicas coordinate only through the store's claim leases and dispatch
// keys.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"leasebot/pkg/booking"
	"leasebot/pkg/config"
	"leasebot/pkg/connector"
	"leasebot/pkg/logx"
	"leasebot/pkg/metrics"
	"leasebot/pkg/pipeline"
	"leasebot/pkg/policy"
	"leasebot/pkg/retry"
	"leasebot/pkg/store"
)

// Worker wires the pipeline stages together.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Worker struct {
	cfg      *config.Config
	store    *store.Store
	registry *connector.Registry
	pipeline *pipeline.Pipeline
	booking  *booking.Service
	recorder *metrics.Recorder
	logger   *logx.Logger
	now      func() time.Time
	running  atomic.Bool

	// CycleStats accumulates across the process lifetime; snapshot reads it.
	repliesCreated       atomic.Int64
	duplicatesSuppressed atomic.Int64
}

// New builds a worker.
func New(cfg *config.Config, st *store.Store, registry *connector.Registry, pl *pipeline.Pipeline, bk *booking.Service, recorder *metrics.Recorder) *Worker {
	return &Worker{
		cfg:      cfg,
		store:    st,
		registry: registry,
		pipeline: pl,
		booking:  bk,
		recorder: recorder,
		logger:   logx.NewLogger("worker"),
		now:      time.Now,
	}
}

// SetClock overrides time for tests.
func (w *Worker) SetClock(now func() time.Time) {
	w.now = now
}

// RepliesCreated returns the lifetime outbound reply count.
func (w *Worker) RepliesCreated() int64 { return w.repliesCreated.Load() }

// DuplicatesSuppressed returns the lifetime dedup hit count.
func (w *Worker) DuplicatesSuppressed() int64 { return w.duplicatesSuppressed.Load() }

// Run executes the interval loop until ctx is cancelled. With RunOnce set it
// performs exactly one cycle. Cancellation stops the next cycle, never the
// current one; the caller closes the store afterward.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.RunOnce {
		w.Cycle(ctx)
		return nil
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker %s shutting down", w.cfg.InstanceID)
			return nil
		case <-ticker.C:
			w.Cycle(ctx)
		}
	}
}

// Cycle runs one poll cycle. The running latch drops re-entrant ticks when a
// cycle outlives the poll interval.
func (w *Worker) Cycle(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Debug("previous cycle still running, skipping tick")
		return
	}
	defer w.running.Store(false)

	started := w.now()
	w.ingestAll(ctx)

	claimed, err := w.store.ClaimPendingMessages(w.cfg.InstanceID, w.cfg.BatchSize, w.cfg.ClaimTTL)
	if err != nil {
		w.logger.Error("claim failed: %v", err)
		return
	}
	for i := range claimed {
		w.processMessage(ctx, &claimed[i])
	}
	w.recorder.ObserveCycle(w.now().Sub(started))
}

func (w *Worker) ingestAll(ctx context.Context) {
	accounts, err := w.store.ListActiveAccounts("")
	if err != nil {
		w.logger.Error("account listing failed: %v", err)
		return
	}
	for i := range accounts {
		account := &accounts[i]
		started := w.now()
		envelopes, err := w.registry.IngestMessagesForAccount(ctx, account)
		if err != nil {
			w.logger.Warn("ingest for account %s (%s) failed: %v", account.ID, account.Platform, err)
			continue
		}
		result, err := w.store.IngestMessages(account, envelopes)
		if err != nil {
			w.logger.Error("ingest persistence for account %s failed: %v", account.ID, err)
			continue
		}
		w.recorder.ObserveIngest(account.Platform, w.now().Sub(started), result.Inserted, result.Duplicates)
	}
}

// processMessage runs the §-ordered per-message steps. Failures in any stage
// stamp failureStage and emit the error audits; errors never propagate to
// the surrounding cycle.
func (w *Worker) processMessage(ctx context.Context, cm *store.ClaimedMessage) {
	stage, dispatchKey, err := w.process(ctx, cm)
	if err == nil {
		return
	}

	if errors.Is(err, store.ErrInvalidTransition) {
		w.logger.Error("message %s: invariant violation at %s: %v", cm.Message.ID, stage, err)
	} else {
		w.logger.Error("message %s: stage %s failed: %v", cm.Message.ID, stage, err)
	}
	w.store.Audit(store.ActorWorker, "message", cm.Message.ID, "ai_reply_error", map[string]any{
		"failureStage": stage,
		"error":        err.Error(),
	})

	if !strings.HasPrefix(stage, "dispatch_") {
		return
	}
	w.store.Audit(store.ActorWorker, "message", cm.Message.ID, "platform_dispatch_error", map[string]any{
		"failureStage": stage,
		"platform":     cm.Account.Platform,
		"error":        err.Error(),
	})
	w.recorder.IncDispatch(cm.Account.Platform, "failed")

	exhausted := retry.IsExhausted(err)
	if dispatchKey != "" {
		escalation := ""
		if exhausted {
			escalation = "platform_dispatch_retry_exhausted"
		}
		if failErr := w.store.FailDispatchAttempt(cm.Message.ID, dispatchKey, stage, err.Error(), exhausted, escalation); failErr != nil {
			w.logger.Error("failed to record dispatch failure for %s: %v", cm.Message.ID, failErr)
		}
	}
	if exhausted {
		w.recorder.IncDispatch(cm.Account.Platform, "dlq")
		w.store.Audit(store.ActorWorker, "message", cm.Message.ID, "platform_dispatch_dlq", map[string]any{
			"failureStage": stage,
			"platform":     cm.Account.Platform,
		})
		w.store.Audit(store.ActorWorker, "message", cm.Message.ID, "ai_reply_dispatch_escalated", map[string]any{
			"escalationReasonCode": "platform_dispatch_retry_exhausted",
		})
	}
}

//nolint:gocognit,gocyclo // The step order mirrors the processing contract
func (w *Worker) process(ctx context.Context, cm *store.ClaimedMessage) (stage, dispatchKey string, err error) {
	msg := &cm.Message

	// 1. Inactive platform short-circuits before any classification.
	if !cm.Account.IsActive {
		w.recorder.IncReply(cm.Account.Platform, policy.OutcomeBlocked)
		w.store.Audit(store.ActorWorker, "message", msg.ID, "ai_reply_policy_blocked", map[string]any{
			"reason":   policy.ReasonPlatformInactive,
			"platform": cm.Account.Platform,
		})
		return "mark_processed", "", w.store.MarkInboundProcessed(msg.ID, &store.DecisionRecord{
			Outcome:             policy.OutcomeBlocked,
			ReplyDecisionReason: policy.ReasonPlatformInactive,
			Provider:            "policy",
		})
	}

	// 2. Dev allowlist and message-age cutoff.
	if reason := w.testGate(cm); reason != "" {
		w.store.Audit(store.ActorWorker, "message", msg.ID, "ai_reply_test_allowlist_blocked", map[string]any{
			"reason": reason,
		})
		return "mark_processed", "", w.store.MarkInboundProcessed(msg.ID, &store.DecisionRecord{
			Outcome:             policy.OutcomeBlocked,
			ReplyDecisionReason: reason,
			Provider:            "policy",
		})
	}

	// 3. Slot fetch: assigned-agent scope first, unit-wide fallback.
	candidates, err := w.fetchSlots(cm)
	if err != nil {
		return "slot_fetch", "", err
	}

	// 4. Pipeline.
	decision, err := w.pipeline.Run(ctx, cm, candidates)
	if err != nil {
		return "pipeline", "", err
	}
	w.recorder.IncReply(cm.Account.Platform, decision.Outcome)

	// 5. Workflow transition and showing sync.
	if err := w.persistWorkflow(cm, &decision); err != nil {
		return "workflow_persist", "", err
	}

	// 6. Decision audit.
	w.store.Audit(store.ActorWorker, "message", msg.ID, "ai_reply_decision", map[string]any{
		"intent":          decision.Intent,
		"effectiveIntent": decision.EffectiveIntent,
		"followUp":        decision.FollowUp,
		"outcome":         decision.Outcome,
		"workflowOutcome": decision.WorkflowOutcome,
		"confidence":      decision.Confidence,
		"riskLevel":       decision.RiskLevel,
		"provider":        decision.Provider,
		"replyEligible":   decision.Eligible,
		"reason":          decision.Reason,
		"platform":        cm.Account.Platform,
	})

	// 7. Escalation audits.
	if decision.Outcome == policy.OutcomeEscalate {
		w.store.Audit(store.ActorWorker, "message", msg.ID, "ai_reply_escalated", map[string]any{
			"escalationReasonCode": decision.EscalationReasonCode,
			"guardrailReasons":     decision.GuardrailReasons,
		})
		if decision.WorkflowOutcome == store.OutcomeHumanRequired {
			w.store.Audit(store.ActorWorker, "message", msg.ID, "ai_reply_human_required_queued", map[string]any{
				"actionQueue": decision.ActionQueue,
			})
		}
	}

	// 8. Dispatch.
	outboundInserted := false
	if decision.Eligible {
		inserted, key, dispatchErr := w.dispatch(ctx, cm, &decision)
		dispatchKey = key
		if dispatchErr != nil {
			return dispatchErr.stage, key, dispatchErr.err
		}
		outboundInserted = inserted
	}

	// 9. Metadata patch removes the claim and stamps the decision.
	record := decisionRecord(&decision)
	if err := w.store.MarkInboundProcessed(msg.ID, record); err != nil {
		return "mark_processed", dispatchKey, err
	}

	// 10. Terminal audit.
	if outboundInserted {
		w.repliesCreated.Add(1)
		w.store.Audit(store.ActorWorker, "message", msg.ID, "ai_reply_created", map[string]any{
			"outcome":  decision.Outcome,
			"platform": cm.Account.Platform,
		})
	} else {
		w.store.Audit(store.ActorWorker, "message", msg.ID, "ai_reply_skipped", map[string]any{
			"outcome": decision.Outcome,
			"reason":  decision.Reason,
		})
	}
	return "", dispatchKey, nil
}

// testGate applies the dev allowlist and message-age cutoff. An empty result
// means the message may proceed.
func (w *Worker) testGate(cm *store.ClaimedMessage) string {
	if len(w.cfg.AllowedLeadNames) > 0 {
		name := ""
		if cm.Conversation.LeadName != nil {
			name = *cm.Conversation.LeadName
		}
		allowed := false
		for _, n := range w.cfg.AllowedLeadNames {
			if strings.EqualFold(n, name) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "lead_not_in_allowlist"
		}
	}
	if w.cfg.MaxMessageAge > 0 && w.now().Sub(cm.Message.SentAt) > w.cfg.MaxMessageAge {
		return "message_too_old"
	}
	return ""
}

func (w *Worker) fetchSlots(cm *store.ClaimedMessage) ([]store.SlotOption, error) {
	if cm.Unit == nil {
		return nil, nil
	}
	from := w.now()
	to := from.Add(14 * 24 * time.Hour)

	if cm.Conversation.AssignedAgentID != nil {
		candidates, err := w.store.FetchSlotCandidates(store.SlotQuery{
			UnitID:  cm.Unit.ID,
			AgentID: *cm.Conversation.AssignedAgentID,
			From:    from,
			To:      to,
		})
		if err != nil {
			return nil, err
		}
		if len(candidates) > 0 {
			return candidates, nil
		}
	}
	return w.store.FetchSlotCandidates(store.SlotQuery{
		UnitID: cm.Unit.ID,
		From:   from,
		To:     to,
	})
}

// outcomePersistence maps an AI workflow outcome onto the conversation
// fields it writes.
type outcomePersistence struct {
	state        string // "" keeps the current state
	showingState string
}

//nolint:gochecknoglobals // Fixed persistence map
var outcomeMap = map[string]outcomePersistence{
	store.OutcomeHumanRequired:    {},
	store.OutcomeShowingConfirmed: {state: store.WorkflowStateShowingConfirmed, showingState: store.ShowingStateConfirmed},
	store.OutcomeWantsReschedule:  {showingState: store.ShowingStateRescheduleRequested},
	store.OutcomeNoReply:          {},
	store.OutcomeNotInterested:    {state: store.WorkflowStateClosed, showingState: store.ShowingStateCancelled},
}

func (w *Worker) persistWorkflow(cm *store.ClaimedMessage, decision *pipeline.Decision) error {
	outcome := decision.WorkflowOutcome
	if outcome == "" || outcome == store.OutcomeGeneralQuestion {
		return w.persistSlotState(cm, decision)
	}
	persistence, ok := outcomeMap[outcome]
	if !ok {
		return fmt.Errorf("workflow outcome %q outside the taxonomy", outcome)
	}

	update := store.WorkflowUpdate{
		State:              cm.Conversation.WorkflowState,
		Outcome:            &outcome,
		ClearFollowUpStage: true,
	}
	if persistence.state != "" {
		update.State = persistence.state
	}
	if persistence.showingState != "" {
		showingState := persistence.showingState
		update.ShowingState = &showingState
	}
	if err := w.store.TransitionConversationWorkflow(cm.Conversation.ID, update); err != nil {
		return err
	}
	if err := w.syncShowing(cm, outcome); err != nil {
		return err
	}
	return w.persistSlotState(cm, decision)
}

// syncShowing reconciles any active appointment with the workflow outcome.
func (w *Worker) syncShowing(cm *store.ClaimedMessage, outcome string) error {
	switch outcome {
	case store.OutcomeShowingConfirmed, store.OutcomeNotInterested:
	default:
		return nil
	}

	appt, err := w.store.FindActiveShowingForConversation(cm.Conversation.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if outcome == store.OutcomeShowingConfirmed && appt.Status == store.AppointmentPending {
		return w.store.UpdateShowingStatus(appt.ID, store.AppointmentConfirmed)
	}
	if outcome == store.OutcomeNotInterested {
		return w.store.UpdateShowingStatus(appt.ID, store.AppointmentCancelled)
	}
	return nil
}

// persistSlotState stores a newly proposed slot, or books and clears an
// accepted one.
func (w *Worker) persistSlotState(cm *store.ClaimedMessage, decision *pipeline.Decision) error {
	if decision.ProposedSlot != nil {
		return w.store.SetPendingSlot(cm.Conversation.ID, decision.ProposedSlot)
	}
	if decision.AcceptedSlot == nil {
		return nil
	}

	slot := decision.AcceptedSlot
	conversationID := cm.Conversation.ID
	result := w.booking.Book(booking.Actor{ID: w.cfg.InstanceID, Role: "system"}, booking.Payload{
		IdempotencyKey:    fmt.Sprintf("conv-%s-%s", conversationID, slot.StartsAt.UTC().Format(time.RFC3339)),
		PlatformAccountID: cm.Account.ID,
		ConversationID:    &conversationID,
		UnitID:            slot.UnitID,
		AgentID:           slot.AgentID,
		StartsAt:          slot.StartsAt,
		EndsAt:            slot.EndsAt,
		Timezone:          slot.Timezone,
		Status:            store.AppointmentConfirmed,
	})
	w.recorder.IncBooking(result.Kind)
	switch result.Kind {
	case booking.Created, booking.Replayed:
		return w.store.SetPendingSlot(conversationID, nil)
	default:
		return fmt.Errorf("slot confirmation booking failed: %s (%s)", result.Kind, result.Reason)
	}
}

type stageError struct {
	stage string
	err   error
}

// dispatch runs the begin/send/complete/insert sequence for an eligible
// decision. Draft outcomes skip the platform call but still pass through the
// dispatch state machine so retries stay idempotent.
func (w *Worker) dispatch(ctx context.Context, cm *store.ClaimedMessage, decision *pipeline.Decision) (inserted bool, key string, serr *stageError) {
	msg := &cm.Message
	key = DispatchKey(
		msg.ID, cm.Conversation.ID, cm.Conversation.ExternalThreadID,
		cm.Account.ID, cm.Account.Platform,
		decision.ReviewStatus, decision.ReplyBody,
		decision.Intent, decision.EffectiveIntent,
	)

	begin, err := w.store.BeginDispatchAttempt(msg.ID, key)
	if err != nil {
		return false, key, &stageError{stage: "dispatch_begin", err: err}
	}
	if !begin.ShouldDispatch {
		w.duplicatesSuppressed.Add(1)
		w.recorder.IncDuplicateSuppressed(cm.Account.Platform)
		w.store.Audit(store.ActorWorker, "message", msg.ID, "ai_reply_dispatch_duplicate_suppressed", map[string]any{
			"dispatchKey": key,
		})
		return false, key, nil
	}

	var delivery connector.Delivery
	if decision.Outcome == policy.OutcomeSend {
		w.store.Audit(store.ActorWorker, "message", msg.ID, "ai_reply_send_attempted", map[string]any{
			"platform": cm.Account.Platform,
		})
		delivery, err = w.registry.SendMessageForAccount(ctx, &cm.Account, connector.Outbound{
			ExternalThreadID: cm.Conversation.ExternalThreadID,
			Body:             decision.ReplyBody,
		})
		if err != nil {
			return false, key, &stageError{stage: "dispatch_send", err: err}
		}
	} else {
		delivery = connector.Delivery{Channel: "draft", ProviderStatus: "drafted"}
		w.store.Audit(store.ActorWorker, "message", msg.ID, "ai_reply_draft_created", map[string]any{
			"platform": cm.Account.Platform,
		})
	}

	record := store.DeliveryRecord{
		ExternalMessageID: delivery.ExternalMessageID,
		Channel:           delivery.Channel,
		ProviderStatus:    delivery.ProviderStatus,
	}
	if err := w.store.CompleteDispatchAttempt(msg.ID, key, record); err != nil {
		return false, key, &stageError{stage: "dispatch_complete", err: err}
	}
	w.recorder.IncDispatch(cm.Account.Platform, "completed")

	outbound := &store.Message{
		ConversationID: cm.Conversation.ID,
		Body:           decision.ReplyBody,
		SentAt:         w.now(),
		Metadata: store.MessageMetadata{
			ReviewStatus: decision.ReviewStatus,
			PendingSlot:  decision.ProposedSlot,
		},
	}
	if delivery.ExternalMessageID != "" {
		extID := delivery.ExternalMessageID
		outbound.ExternalMessageID = &extID
	}
	rowInserted, err := w.store.InsertOutbound(outbound)
	if err != nil {
		return false, key, &stageError{stage: "dispatch_outbound_insert", err: err}
	}
	return rowInserted, key, nil
}

func decisionRecord(d *pipeline.Decision) *store.DecisionRecord {
	return &store.DecisionRecord{
		Intent:               d.Intent,
		EffectiveIntent:      d.EffectiveIntent,
		FollowUp:             d.FollowUp,
		Outcome:              d.Outcome,
		WorkflowOutcome:      d.WorkflowOutcome,
		Confidence:           d.Confidence,
		RiskLevel:            d.RiskLevel,
		Provider:             d.Provider,
		ReplyEligible:        d.Eligible,
		ReplyDecisionReason:  d.Reason,
		EscalationReasonCode: d.EscalationReasonCode,
		GuardrailReasons:     d.GuardrailReasons,
		SelectedSlotIndex:    d.SelectedSlotIndex,
	}
}
