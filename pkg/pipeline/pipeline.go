// Package pipeline runs the per-message decision funnel: classification,
// slot arbitration, guardrail policy, and template rendering. It owns no
// I/O beyond rule and template lookup; dispatch belongs to the worker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"leasebot/pkg/classify"
	"leasebot/pkg/logx"
	"leasebot/pkg/policy"
	"leasebot/pkg/store"
	"leasebot/pkg/templates"
)

// DefaultMaxSlotOptions caps the candidate list offered in a reply.
const DefaultMaxSlotOptions = 4

// RuleSource is the store capability the pipeline depends on.
type RuleSource interface {
	FindRule(accountID, intent string) (*store.AutomationRule, error)
	FindTemplate(accountID, name string) (*store.Template, error)
}

// Pipeline holds the per-process decision dependencies. The classifier is
// optional; when absent or failing, the heuristic decides alone.
//
//nolint:govet // struct alignment optimization not critical for this type
type Pipeline struct {
	Rules          RuleSource
	AI             classify.Classifier
	AIEnabled      bool
	FallbackIntent string
	MaxSlotOptions int
	logger         *logx.Logger
}

// New builds a pipeline. fallbackIntent is the effective intent used for
// follow-up messages.
func New(rules RuleSource, ai classify.Classifier, aiEnabled bool, fallbackIntent string, maxSlotOptions int) *Pipeline {
	if maxSlotOptions <= 0 {
		maxSlotOptions = DefaultMaxSlotOptions
	}
	if fallbackIntent == "" {
		fallbackIntent = classify.IntentTourRequest
	}
	return &Pipeline{
		Rules:          rules,
		AI:             ai,
		AIEnabled:      aiEnabled,
		FallbackIntent: fallbackIntent,
		MaxSlotOptions: maxSlotOptions,
		logger:         logx.NewLogger("pipeline"),
	}
}

// Decision is the full pipeline verdict for one message.
//
//nolint:govet // struct alignment optimization not critical for this type
type Decision struct {
	Intent               string
	EffectiveIntent      string
	FollowUp             bool
	Outcome              string // send | draft | escalate | blocked
	ReplyBody            string
	WorkflowOutcome      string
	Confidence           float64
	RiskLevel            string
	Provider             string
	EscalationReasonCode string
	SelectedSlotIndex    *int
	GuardrailReasons     []string
	Eligible             bool
	Reason               string
	ReviewStatus         string
	ActionQueue          string
	SlotOptions          []store.SlotOption
	AcceptedSlot         *store.SlotOption // pending slot confirmed by this message
	ProposedSlot         *store.SlotOption // slot offered for confirmation on the outbound
}

var (
	positiveConfirmPattern  = regexp.MustCompile(`(?i)\b(yes|yep|yeah|sure|confirm(ed)?|sounds good|works for me|that works|perfect|ok(ay)?|see you (then|there))\b`)
	negativeModifierPattern = regexp.MustCompile(`(?i)\b(no\b|not\b|can'?t|cannot|won'?t|doesn'?t work|another|different|instead|reschedul|earlier|later|change)`)
)

// Run decides one claimed message.
func (p *Pipeline) Run(ctx context.Context, cm *store.ClaimedMessage, candidates []store.SlotOption) (Decision, error) {
	if len(candidates) > p.MaxSlotOptions {
		candidates = candidates[:p.MaxSlotOptions]
	}

	result := p.classify(ctx, cm)
	followUp := classify.DetectFollowUp(cm.Message.Body, cm.HasRecentOutbound)
	effectiveIntent := classify.EffectiveIntent(result.Intent, followUp, p.FallbackIntent)

	d := Decision{
		Intent:          result.Intent,
		EffectiveIntent: effectiveIntent,
		FollowUp:        followUp,
		WorkflowOutcome: result.WorkflowOutcome,
		Confidence:      result.Confidence,
		RiskLevel:       result.RiskLevel,
		Provider:        result.Provider,
		SlotOptions:     candidates,
	}

	p.arbitrateSlots(cm, &d)

	rule, err := p.Rules.FindRule(cm.Account.ID, d.EffectiveIntent)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return d, fmt.Errorf("rule lookup failed: %w", err)
	}
	var tmpl *store.Template
	if rule != nil {
		tmpl, err = p.Rules.FindTemplate(cm.Account.ID, rule.TemplateName)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return d, fmt.Errorf("template lookup failed: %w", err)
		}
	}

	gate := policy.Evaluate(policy.Input{
		Account:         &cm.Account,
		Rule:            rule,
		HasTemplate:     tmpl != nil,
		Intent:          d.Intent,
		EffectiveIntent: d.EffectiveIntent,
		Body:            cm.Message.Body,
		SlotCount:       len(d.SlotOptions),
		AI: classify.Result{
			WorkflowOutcome: d.WorkflowOutcome,
			Confidence:      d.Confidence,
			RiskLevel:       d.RiskLevel,
		},
	})

	d.Eligible = gate.Eligible
	d.Outcome = gate.Outcome
	d.Reason = gate.Reason
	d.EscalationReasonCode = gate.EscalationReasonCode
	d.GuardrailReasons = gate.GuardrailReasons
	d.ReviewStatus = gate.ReviewStatus
	d.ActionQueue = gate.ActionQueue
	if gate.WorkflowOutcome != "" {
		d.WorkflowOutcome = gate.WorkflowOutcome
	}

	if d.Eligible && tmpl != nil {
		d.ReplyBody = p.render(cm, tmpl, &d)
	}
	if d.Eligible && d.ReplyBody == "" {
		// An eligible decision with nothing to say is a misconfigured rule;
		// demote to escalation rather than dispatching an empty body.
		d.Eligible = false
		d.Outcome = policy.OutcomeEscalate
		d.Reason = policy.ReasonNonTourIntent
		d.EscalationReasonCode = policy.ReasonNonTourIntent
	}
	return d, nil
}

func (p *Pipeline) classify(ctx context.Context, cm *store.ClaimedMessage) classify.Result {
	in := classify.Input{
		InboundBody:       cm.Message.Body,
		HasRecentOutbound: cm.HasRecentOutbound,
	}
	heuristic, _ := classify.Heuristic{}.Classify(ctx, in)

	if !p.AIEnabled || p.AI == nil {
		return heuristic
	}
	result, err := p.AI.Classify(ctx, in)
	if err != nil {
		p.logger.Warn("AI classification failed, falling back to heuristic: %v", err)
		heuristic.Provider = "heuristic"
		return heuristic
	}
	return result
}

// arbitrateSlots resolves showing confirmation against the candidate list
// and any slot already offered to the lead.
func (p *Pipeline) arbitrateSlots(cm *store.ClaimedMessage, d *Decision) {
	confirmed := d.WorkflowOutcome == store.OutcomeShowingConfirmed

	if cm.Conversation.PendingSlot != nil {
		if confirmed && isPositiveConfirmation(cm.Message.Body) {
			accepted := *cm.Conversation.PendingSlot
			d.AcceptedSlot = &accepted
			idx := 0
			d.SelectedSlotIndex = &idx
		}
		return
	}

	// A confirmation with no slot on the table and several candidates is
	// ambiguous: pick the earliest deterministically, downgrade to a
	// question, and offer exactly that one slot back.
	if confirmed && len(d.SlotOptions) >= 2 {
		selected := earliestCandidate(d.SlotOptions)
		proposed := d.SlotOptions[selected]
		d.ProposedSlot = &proposed
		d.SelectedSlotIndex = &selected
		d.WorkflowOutcome = store.OutcomeGeneralQuestion
	}
}

func isPositiveConfirmation(body string) bool {
	return positiveConfirmPattern.MatchString(body) && !negativeModifierPattern.MatchString(body)
}

// earliestCandidate picks the index of the earliest slot with a full
// lexicographic tie-break so concurrent replicas agree on the choice.
func earliestCandidate(options []store.SlotOption) int {
	indices := make([]int, len(options))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool {
		x, y := options[indices[a]], options[indices[b]]
		if !x.StartsAt.Equal(y.StartsAt) {
			return x.StartsAt.Before(y.StartsAt)
		}
		if !x.EndsAt.Equal(y.EndsAt) {
			return x.EndsAt.Before(y.EndsAt)
		}
		if x.AgentName != y.AgentName {
			return x.AgentName < y.AgentName
		}
		if x.AgentID != y.AgentID {
			return x.AgentID < y.AgentID
		}
		return x.Label < y.Label
	})
	return indices[0]
}

func (p *Pipeline) render(cm *store.ClaimedMessage, tmpl *store.Template, d *Decision) string {
	context := map[string]string{}
	if cm.Conversation.LeadName != nil {
		context["lead_name"] = *cm.Conversation.LeadName
	}
	if cm.Unit != nil {
		context["unit_number"] = cm.Unit.UnitNumber
		if cm.Unit.ListingID != nil {
			context["listing_id"] = *cm.Unit.ListingID
		}
	}

	switch {
	case d.AcceptedSlot != nil:
		context["slot_options"] = d.AcceptedSlot.Label
		context["slot_time"] = d.AcceptedSlot.Label
		context["agent_name"] = d.AcceptedSlot.AgentName
	case d.ProposedSlot != nil:
		context["slot_options"] = d.ProposedSlot.Label
		context["slot_time"] = d.ProposedSlot.Label
		context["agent_name"] = d.ProposedSlot.AgentName
	default:
		labels := make([]string, len(d.SlotOptions))
		for i, opt := range d.SlotOptions {
			labels[i] = opt.Label
		}
		context["slot_options"] = templates.FormatSlotOptions(labels)
		if len(d.SlotOptions) > 0 {
			context["agent_name"] = d.SlotOptions[0].AgentName
		}
	}

	return templates.Render(tmpl.Body, context)
}
