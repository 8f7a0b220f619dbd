package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"leasebot/pkg/logx"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiClassifier calls the Gemini API with a structured-output schema and
// parses the JSON verdict. Any failure surfaces as an error so the pipeline
// falls back to the heuristic.
type GeminiClassifier struct {
	client *genai.Client
	apiKey string
	model  string
	logger *logx.Logger
}

// NewGeminiClassifier builds a classifier for model. The underlying client is
// created lazily on first use because genai.NewClient needs a context.
func NewGeminiClassifier(apiKey, model string) *GeminiClassifier {
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiClassifier{
		apiKey: apiKey,
		model:  model,
		logger: logx.NewLogger("classify"),
	}
}

type geminiVerdict struct {
	Intent          string  `json:"intent"`
	Ambiguity       bool    `json:"ambiguity"`
	SuggestedReply  string  `json:"suggestedReply"`
	ReasonCode      string  `json:"reasonCode"`
	WorkflowOutcome string  `json:"workflowOutcome"`
	Confidence      float64 `json:"confidence"`
	RiskLevel       string  `json:"riskLevel"`
}

// Classify implements Classifier.
func (g *GeminiClassifier) Classify(ctx context.Context, in Input) (Result, error) {
	if g.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return Result{}, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		g.client = client
	}

	model := in.GeminiModel
	if model == "" {
		model = g.model
	}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   verdictSchema(),
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt(in)}},
		},
	}

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: userPrompt(in)}},
	}}

	result, err := g.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return Result{}, fmt.Errorf("Gemini classification call failed: %w", err)
	}
	if result == nil || result.Text() == "" {
		return Result{}, fmt.Errorf("empty response from Gemini API")
	}

	var verdict geminiVerdict
	if err := json.Unmarshal([]byte(result.Text()), &verdict); err != nil {
		return Result{}, fmt.Errorf("failed to parse Gemini verdict: %w", err)
	}

	intent := verdict.Intent
	switch intent {
	case IntentTourRequest, IntentPricingQuestion, IntentAvailabilityQuestion, IntentUnsubscribe, IntentUnknown:
	default:
		g.logger.Warn("Gemini returned unknown intent %q, coercing to unknown", intent)
		intent = IntentUnknown
	}
	outcome := verdict.WorkflowOutcome
	if outcome != "" && !ValidOutcome(outcome) {
		g.logger.Warn("Gemini returned outcome %q outside the taxonomy, dropping", outcome)
		outcome = ""
	}

	return Result{
		Intent:          intent,
		Ambiguity:       verdict.Ambiguity,
		SuggestedReply:  verdict.SuggestedReply,
		ReasonCode:      verdict.ReasonCode,
		WorkflowOutcome: outcome,
		Confidence:      verdict.Confidence,
		RiskLevel:       NormalizeRisk(verdict.RiskLevel),
		Provider:        "gemini",
	}, nil
}

func verdictSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"intent": {
				Type: genai.TypeString,
				Enum: []string{IntentTourRequest, IntentPricingQuestion, IntentAvailabilityQuestion, IntentUnsubscribe, IntentUnknown},
			},
			"ambiguity":      {Type: genai.TypeBoolean},
			"suggestedReply": {Type: genai.TypeString},
			"reasonCode":     {Type: genai.TypeString},
			"workflowOutcome": {
				Type: genai.TypeString,
				Enum: []string{"", "general_question", "human_required", "no_reply", "not_interested", "showing_confirmed", "wants_reschedule"},
			},
			"confidence": {Type: genai.TypeNumber},
			"riskLevel": {
				Type: genai.TypeString,
				Enum: []string{RiskLow, RiskMedium, RiskHigh, RiskCritical},
			},
		},
		Required: []string{"intent", "confidence", "riskLevel"},
	}
}

func systemPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("You classify inbound messages from prospective tenants on apartment listing platforms. ")
	b.WriteString("Return the intent, an optional workflow outcome, a confidence between 0 and 1, and a risk level. ")
	b.WriteString("Use human_required for anything legal, threatening, or that a bot should not answer.")
	if in.Playbook != "" {
		b.WriteString("\n\nPlaybook:\n")
		b.WriteString(in.Playbook)
	}
	if len(in.FewShotExamples) > 0 {
		b.WriteString("\n\nExamples:\n")
		for _, ex := range in.FewShotExamples {
			data, _ := json.Marshal(ex)
			b.Write(data)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func userPrompt(in Input) string {
	var b strings.Builder
	if len(in.ConversationContext) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, msg := range in.ConversationContext {
			b.WriteString(msg.Direction)
			b.WriteString(": ")
			b.WriteString(msg.Body)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if in.HasRecentOutbound {
		b.WriteString("We have already replied earlier in this thread.\n\n")
	}
	b.WriteString("New inbound message:\n")
	b.WriteString(in.InboundBody)
	return b.String()
}
