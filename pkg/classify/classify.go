// Package classify determines the intent and workflow outcome of an inbound
// leasing message. A heuristic token classifier always runs; a Gemini-backed
// classifier can override it when configured, falling back to the heuristic
// on any generation failure.
package classify

import (
	"context"
	"regexp"
	"strings"
)

// Intents. The fixed set rule lookup understands.
const (
	IntentTourRequest          = "tour_request"
	IntentPricingQuestion      = "pricing_question"
	IntentAvailabilityQuestion = "availability_question"
	IntentUnsubscribe          = "unsubscribe"
	IntentUnknown              = "unknown"
)

// Risk levels emitted by classifiers.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Input is the full context handed to a classifier.
type Input struct {
	InboundBody         string
	HasRecentOutbound   bool
	ConversationContext []ContextMessage
	FewShotExamples     []Example
	Playbook            string
	GeminiModel         string
}

// ContextMessage is one prior message in the thread, oldest first.
type ContextMessage struct {
	Direction string `json:"direction"`
	Body      string `json:"body"`
}

// Example is a labeled few-shot sample for the AI classifier.
type Example struct {
	Body    string `json:"body"`
	Intent  string `json:"intent"`
	Outcome string `json:"outcome,omitempty"`
}

// Result is the tagged classifier output. Provider records which classifier
// actually produced it.
//
//nolint:govet // struct alignment optimization not critical for this type
type Result struct {
	Intent          string  `json:"intent"`
	Ambiguity       bool    `json:"ambiguity"`
	SuggestedReply  string  `json:"suggestedReply,omitempty"`
	ReasonCode      string  `json:"reasonCode,omitempty"`
	WorkflowOutcome string  `json:"workflowOutcome,omitempty"`
	Confidence      float64 `json:"confidence"`
	RiskLevel       string  `json:"riskLevel"`
	Provider        string  `json:"provider"`
}

// Classifier is the AI classifier contract. Implementations return an error
// to signal the caller should fall back to the heuristic.
type Classifier interface {
	Classify(ctx context.Context, in Input) (Result, error)
}

var (
	unsubscribePattern = regexp.MustCompile(`(?i)\b(unsubscribe|opt\s*out|remove me|stop (messaging|contacting|emailing|texting)|do not contact|don'?t contact)\b`)
	tourPattern        = regexp.MustCompile(`(?i)\b(tour|viewing|showing|visit|see (the|it)|check (it|the \w+) out|stop by|come by|in person|walk.?through)\b`)
	pricingPattern     = regexp.MustCompile(`(?i)\b(price|pricing|rent|cost|how much|deposit|fee|per month|monthly|utilities include)\b`)
	availPattern       = regexp.MustCompile(`(?i)\b(available|availability|still open|still on the market|move.?in|vacan|lease start|when can i)\b`)
	followUpPattern    = regexp.MustCompile(`(?i)\b(any update|just checking|checking in|following up|follow up|still (waiting|interested|there)|did you (see|get)|circling back|bump)\b`)
)

// ClassifyIntent maps a message body onto the fixed intent set from token
// patterns. Unsubscribe wins over everything else.
func ClassifyIntent(body string) string {
	switch {
	case unsubscribePattern.MatchString(body):
		return IntentUnsubscribe
	case tourPattern.MatchString(body):
		return IntentTourRequest
	case pricingPattern.MatchString(body):
		return IntentPricingQuestion
	case availPattern.MatchString(body):
		return IntentAvailabilityQuestion
	default:
		return IntentUnknown
	}
}

// DetectFollowUp reports whether the message is a check-in on a thread where
// an outbound was already sent. Both conditions are required; a check-in on
// a thread we never replied to is just a new inquiry.
func DetectFollowUp(body string, hasRecentOutbound bool) bool {
	return hasRecentOutbound && followUpPattern.MatchString(body)
}

// EffectiveIntent is the intent used for rule lookup: the classified intent
// unless the message is a follow-up, in which case the fallback applies.
func EffectiveIntent(intent string, followUp bool, fallback string) string {
	if followUp && fallback != "" {
		return fallback
	}
	return intent
}

// Heuristic is the always-available baseline classifier.
type Heuristic struct{}

// Classify implements Classifier with token patterns only. It never errors.
func (Heuristic) Classify(_ context.Context, in Input) (Result, error) {
	intent := ClassifyIntent(in.InboundBody)
	confidence := 0.8
	if intent == IntentUnknown {
		confidence = 0.3
	}
	return Result{
		Intent:     intent,
		Ambiguity:  intent == IntentUnknown,
		Confidence: confidence,
		RiskLevel:  RiskLow,
		Provider:   "heuristic",
	}, nil
}

// ValidOutcome checks membership in the fixed workflow outcome taxonomy.
func ValidOutcome(outcome string) bool {
	switch outcome {
	case "general_question", "human_required", "no_reply", "not_interested", "showing_confirmed", "wants_reschedule":
		return true
	}
	return false
}

// NormalizeRisk coerces unexpected risk strings to medium so a malformed AI
// response cannot accidentally read as low risk.
func NormalizeRisk(risk string) string {
	switch strings.ToLower(strings.TrimSpace(risk)) {
	case RiskLow:
		return RiskLow
	case RiskMedium:
		return RiskMedium
	case RiskHigh:
		return RiskHigh
	case RiskCritical:
		return RiskCritical
	default:
		return RiskMedium
	}
}
