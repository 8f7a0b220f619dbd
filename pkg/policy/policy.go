// Package policy is the guardrail gate between classification and dispatch.
// Stages run in a fixed order; the first negative result decides eligibility
// and the reason code.
package policy

import (
	"regexp"

	"leasebot/pkg/classify"
	"leasebot/pkg/store"
)

// Outcomes a gated decision can take.
const (
	OutcomeSend     = "send"
	OutcomeDraft    = "draft"
	OutcomeEscalate = "escalate"
	OutcomeBlocked  = "blocked"
)

// Reason codes. Policy reasons record why a reply was held or suppressed;
// escalate reasons map one-to-one onto guardrail stages.
const (
	ReasonPlatformInactive     = "policy_platform_inactive"
	ReasonDraftRequired        = "policy_draft_required"
	ReasonUnsubscribeRequested = "escalate_unsubscribe_requested"
	ReasonLegalThreat          = "escalate_legal_threat"
	ReasonAbusiveLanguage      = "escalate_abusive_language"
	ReasonNonTourIntent        = "escalate_non_tour_intent"
	ReasonNoSlotCandidates     = "escalate_no_slot_candidates"
	ReasonHumanRequired        = "escalate_human_required"
	ReasonSendEligible         = "send_eligible"
)

// ActionQueueAgent marks held replies that land in the agent review queue.
const ActionQueueAgent = "agent_action"

const minConfidence = 0.5

// Input is everything the gate inspects for one message.
//
//nolint:govet // struct alignment optimization not critical for this type
type Input struct {
	Account         *store.PlatformAccount
	Rule            *store.AutomationRule // nil when no rule matched
	HasTemplate     bool
	Intent          string
	EffectiveIntent string
	Body            string
	SlotCount       int
	AI              classify.Result
}

// Decision is the gate verdict.
//
//nolint:govet // struct alignment optimization not critical for this type
type Decision struct {
	Eligible             bool
	Outcome              string
	Reason               string
	EscalationReasonCode string
	WorkflowOutcome      string // coerced outcome; empty leaves the AI outcome as-is
	ReviewStatus         string
	ActionQueue          string
	GuardrailReasons     []string
}

var unsafePatterns = []struct {
	reason  string
	pattern *regexp.Regexp
}{
	{ReasonLegalThreat, regexp.MustCompile(`(?i)\b(lawyer|attorney|lawsuit|sue you|suing|legal action|small claims|report you to)\b`)},
	{ReasonAbusiveLanguage, regexp.MustCompile(`(?i)\b(fuck|bitch|asshole|moron|idiot|scam(mer)?s?\b.*\byou|piece of (shit|crap))\b`)},
}

// Evaluate runs the gate. Stage order is part of the contract: platform
// policy, unsubscribe, unsafe content, rule/template coverage, slot
// coverage, AI risk, then send-mode demotion.
func Evaluate(in Input) Decision {
	// 1. Inactive platform short-circuits everything.
	if in.Account == nil || !in.Account.IsActive {
		return Decision{
			Outcome: OutcomeBlocked,
			Reason:  ReasonPlatformInactive,
		}
	}

	// 2. Unsubscribe always escalates, even as a follow-up.
	if in.Intent == classify.IntentUnsubscribe {
		return escalate(ReasonUnsubscribeRequested, Decision{})
	}

	// 3. Unsafe content holds for a human.
	for _, p := range unsafePatterns {
		if p.pattern.MatchString(in.Body) {
			d := escalate(p.reason, Decision{
				ReviewStatus: store.ReviewStatusHold,
				ActionQueue:  ActionQueueAgent,
			})
			return d
		}
	}

	// 4. Non-tour intent with nothing to say.
	if in.EffectiveIntent != classify.IntentTourRequest && (in.Rule == nil || !in.HasTemplate) {
		return escalate(ReasonNonTourIntent, Decision{})
	}

	// 5. Tour intent with no bookable slot.
	if in.EffectiveIntent == classify.IntentTourRequest && in.SlotCount == 0 {
		return escalate(ReasonNoSlotCandidates, Decision{})
	}

	// 6. AI risk gate: explicit human_required, low confidence, or high risk
	// all coerce the outcome to human_required and hold for an agent.
	if in.AI.WorkflowOutcome == store.OutcomeHumanRequired ||
		in.AI.Confidence < minConfidence ||
		in.AI.RiskLevel == classify.RiskHigh || in.AI.RiskLevel == classify.RiskCritical {
		d := escalate(ReasonHumanRequired, Decision{
			WorkflowOutcome: store.OutcomeHumanRequired,
			ReviewStatus:    store.ReviewStatusHold,
			ActionQueue:     ActionQueueAgent,
		})
		return d
	}

	// 7. Draft-only platforms and disabled rules still render a reply, but it
	// waits for review instead of dispatching.
	if in.Account.SendMode == store.SendModeDraftOnly || (in.Rule != nil && !in.Rule.IsEnabled) {
		return Decision{
			Eligible:     true,
			Outcome:      OutcomeDraft,
			Reason:       ReasonDraftRequired,
			ReviewStatus: store.ReviewStatusDraft,
		}
	}

	// 8. Clear to send.
	return Decision{
		Eligible:     true,
		Outcome:      OutcomeSend,
		Reason:       ReasonSendEligible,
		ReviewStatus: store.ReviewStatusSent,
	}
}

func escalate(reason string, base Decision) Decision {
	base.Outcome = OutcomeEscalate
	base.Reason = reason
	base.EscalationReasonCode = reason
	base.GuardrailReasons = append(base.GuardrailReasons, reason)
	return base
}
