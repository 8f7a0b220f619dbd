package store

import (
	"time"

	"github.com/google/uuid"
)

// Platform names supported by the connector registry. The set is fixed;
// unknown platforms fail fast at account load time.
const (
	PlatformSpareroom       = "spareroom"
	PlatformRoomies         = "roomies"
	PlatformLeasebreak      = "leasebreak"
	PlatformRenthop         = "renthop"
	PlatformFurnishedFinder = "furnishedfinder"
)

// ValidPlatforms returns the fixed platform set.
func ValidPlatforms() []string {
	return []string{
		PlatformSpareroom,
		PlatformRoomies,
		PlatformLeasebreak,
		PlatformRenthop,
		PlatformFurnishedFinder,
	}
}

// IsValidPlatform checks membership in the fixed platform set.
func IsValidPlatform(platform string) bool {
	for _, p := range ValidPlatforms() {
		if p == platform {
			return true
		}
	}
	return false
}

// Send modes for platform accounts.
const (
	SendModeAutoSend  = "auto_send"
	SendModeDraftOnly = "draft_only"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Conversation statuses.
const (
	ConversationOpen     = "open"
	ConversationArchived = "archived"
)

// Workflow states. Transitions are guarded at persistence time; see
// allowedWorkflowTransitions in workflow.go.
const (
	WorkflowStateLead             = "lead"
	WorkflowStateFollowUp1        = "follow_up_1"
	WorkflowStateFollowUp2        = "follow_up_2"
	WorkflowStateShowingConfirmed = "showing_confirmed"
	WorkflowStateClosed           = "closed"
)

// Workflow outcome taxonomy. Fixed set; the classifier never emits anything
// outside it.
const (
	OutcomeGeneralQuestion  = "general_question"
	OutcomeHumanRequired    = "human_required"
	OutcomeNoReply          = "no_reply"
	OutcomeNotInterested    = "not_interested"
	OutcomeShowingConfirmed = "showing_confirmed"
	OutcomeWantsReschedule  = "wants_reschedule"
)

// Showing states carried on conversations.
const (
	ShowingStateConfirmed           = "confirmed"
	ShowingStateRescheduleRequested = "reschedule_requested"
	ShowingStateCancelled           = "cancelled"
)

// Showing appointment statuses.
const (
	AppointmentPending   = "pending"
	AppointmentConfirmed = "confirmed"
	AppointmentCancelled = "cancelled"
	AppointmentNoShow    = "no_show"
	AppointmentCompleted = "completed"
)

// Dispatch states recorded in Message metadata.
const (
	DispatchInProgress = "in_progress"
	DispatchCompleted  = "completed"
	DispatchFailed     = "failed"
	DispatchDLQ        = "dlq"
)

// Review statuses for outbound rows.
const (
	ReviewStatusSent     = "sent"
	ReviewStatusDraft    = "draft"
	ReviewStatusHold     = "hold"
	ReviewStatusApproved = "approved"
	ReviewStatusRejected = "rejected"
)

// Assignment modes for unit agent assignments.
const (
	AssignmentActive  = "active"
	AssignmentPassive = "passive"
)

// PlatformAccount is one credentialed account on a listing platform.
// CredentialRefs values are always env:/secret: references.
//
//nolint:govet // struct alignment optimization not critical for this type
type PlatformAccount struct {
	ID              string            `json:"id"`
	Platform        string            `json:"platform"`
	IsActive        bool              `json:"is_active"`
	SendMode        string            `json:"send_mode"`
	IntegrationMode string            `json:"integration_mode"`
	CredentialRefs  map[string]string `json:"credential_refs"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Conversation is a message thread with one lead on one platform account.
//
//nolint:govet // struct alignment optimization not critical for this type
type Conversation struct {
	ID                string     `json:"id"`
	PlatformAccountID string     `json:"platform_account_id"`
	ExternalThreadID  string     `json:"external_thread_id"`
	UnitID            *string    `json:"unit_id,omitempty"`
	AssignedAgentID   *string    `json:"assigned_agent_id,omitempty"`
	LeadName          *string    `json:"lead_name,omitempty"`
	Status            string     `json:"status"`
	WorkflowState     string     `json:"workflow_state"`
	WorkflowOutcome   *string    `json:"workflow_outcome,omitempty"`
	ShowingState      *string    `json:"showing_state,omitempty"`
	FollowUpStage     *string    `json:"follow_up_stage,omitempty"`
	PendingSlot       *SlotOption `json:"pending_slot,omitempty"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Message is one inbound or outbound message in a conversation.
// (ConversationID, ExternalMessageID) is the natural idempotency key for
// both ingest and outbound when the external id is present.
//
//nolint:govet // struct alignment optimization not critical for this type
type Message struct {
	ID                string          `json:"id"`
	ConversationID    string          `json:"conversation_id"`
	Direction         string          `json:"direction"`
	ExternalMessageID *string         `json:"external_message_id,omitempty"`
	Body              string          `json:"body"`
	Metadata          MessageMetadata `json:"metadata"`
	SentAt            time.Time       `json:"sent_at"`
	CreatedAt         time.Time       `json:"created_at"`
}

// MessageMetadata is the typed shape of the messages.metadata JSON document.
// The worker claim and dispatch state live here; compare-and-set predicates
// against them run SQL-side over json_extract.
type MessageMetadata struct {
	AIProcessedAt *time.Time      `json:"aiProcessedAt,omitempty"`
	WorkerClaim   *WorkerClaim    `json:"workerClaim,omitempty"`
	Dispatch      *DispatchState  `json:"dispatch,omitempty"`
	Decision      *DecisionRecord `json:"decision,omitempty"`
	ReviewStatus  string          `json:"reviewStatus,omitempty"`
	PendingSlot   *SlotOption     `json:"pendingSlotConfirmation,omitempty"`
	Lead          map[string]any  `json:"lead,omitempty"`
}

// WorkerClaim is the TTL-bounded soft lock identifying the worker currently
// processing a message.
type WorkerClaim struct {
	WorkerID       string    `json:"workerId"`
	ClaimedAt      time.Time `json:"claimedAt"`
	ClaimExpiresAt time.Time `json:"claimExpiresAt"`
}

// DispatchState tracks the at-most-once outbound dispatch for a message.
//
//nolint:govet // struct alignment optimization not critical for this type
type DispatchState struct {
	Key           string          `json:"key"`
	State         string          `json:"state"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt time.Time       `json:"lastAttemptAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	Delivery      *DeliveryRecord `json:"delivery,omitempty"`
	FailedStage   string          `json:"failedStage,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	Retry         *RetryRecord    `json:"retry,omitempty"`
	DLQ           *DLQRecord      `json:"dlq,omitempty"`
}

// DeliveryRecord is the provider acknowledgment for a dispatched reply.
type DeliveryRecord struct {
	ExternalMessageID string `json:"externalMessageId"`
	Channel           string `json:"channel"`
	ProviderStatus    string `json:"providerStatus"`
}

// RetryRecord captures the terminal retry posture of a failed dispatch.
type RetryRecord struct {
	Attempts       int  `json:"attempts"`
	RetryExhausted bool `json:"retryExhausted"`
}

// DLQRecord marks a retry-exhausted dispatch for admin escalation.
type DLQRecord struct {
	EscalationReasonCode string    `json:"escalationReasonCode"`
	At                   time.Time `json:"at"`
}

// DecisionRecord is the pipeline decision patched onto a processed inbound.
//
//nolint:govet // struct alignment optimization not critical for this type
type DecisionRecord struct {
	Intent               string   `json:"intent"`
	EffectiveIntent      string   `json:"effectiveIntent"`
	FollowUp             bool     `json:"followUp"`
	Outcome              string   `json:"outcome"`
	WorkflowOutcome      string   `json:"workflowOutcome,omitempty"`
	Confidence           float64  `json:"confidence"`
	RiskLevel            string   `json:"riskLevel"`
	Provider             string   `json:"provider"`
	ReplyEligible        bool     `json:"replyEligible"`
	ReplyDecisionReason  string   `json:"replyDecisionReason,omitempty"`
	EscalationReasonCode string   `json:"escalationReasonCode,omitempty"`
	GuardrailReasons     []string `json:"guardrailReasons,omitempty"`
	SelectedSlotIndex    *int     `json:"selectedSlotIndex,omitempty"`
}

// AutomationRule maps an intent to a reply template for one account.
// Lowest priority wins, then oldest.
//
//nolint:govet // struct alignment optimization not critical for this type
type AutomationRule struct {
	ID                string    `json:"id"`
	PlatformAccountID string    `json:"platform_account_id"`
	TriggerType       string    `json:"trigger_type"`
	ActionType        string    `json:"action_type"`
	ConditionIntent   *string   `json:"condition_intent,omitempty"`
	TemplateName      string    `json:"template_name"`
	Priority          int       `json:"priority"`
	IsEnabled         bool      `json:"is_enabled"`
	CreatedAt         time.Time `json:"created_at"`
}

// Template is a reply body with {{variable}} tokens. Platform-scoped
// templates shadow global templates with the same name.
//
//nolint:govet // struct alignment optimization not critical for this type
type Template struct {
	ID                string    `json:"id"`
	PlatformAccountID *string   `json:"platform_account_id,omitempty"`
	Name              string    `json:"name"`
	Locale            string    `json:"locale"`
	Body              string    `json:"body"`
	Variables         []string  `json:"variables"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
}

// Unit carries the listing context rendered into replies.
type Unit struct {
	ID         string  `json:"id"`
	UnitNumber string  `json:"unit_number"`
	ListingID  *string `json:"listing_id,omitempty"`
	Timezone   string  `json:"timezone"`
}

// Agent is a leasing agent who can host showings.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// AvailabilitySlot is a unit-owned availability window. For available slots
// no two records for the same unit may overlap in [StartsAt, EndsAt).
//
//nolint:govet // struct alignment optimization not critical for this type
type AvailabilitySlot struct {
	ID       string    `json:"id"`
	UnitID   string    `json:"unit_id"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
	Timezone string    `json:"timezone"`
	Status   string    `json:"status"`
	Source   string    `json:"source"`
	Notes    string    `json:"notes,omitempty"`
}

// AgentAvailabilitySlot is an agent-owned availability window with the same
// overlap invariant per agent.
//
//nolint:govet // struct alignment optimization not critical for this type
type AgentAvailabilitySlot struct {
	ID       string    `json:"id"`
	AgentID  string    `json:"agent_id"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
	Timezone string    `json:"timezone"`
	Status   string    `json:"status"`
	Source   string    `json:"source"`
	Notes    string    `json:"notes,omitempty"`
}

// UnitAgentAssignment links an agent to a unit. At most one active record
// may exist per (unit, priority).
type UnitAgentAssignment struct {
	UnitID         string `json:"unit_id"`
	AgentID        string `json:"agent_id"`
	AssignmentMode string `json:"assignment_mode"`
	Priority       int    `json:"priority"`
}

// SlotOption is a normalized candidate interval offered to a lead: the
// intersection of a unit window and an agent window, minus unavailable
// blocks.
//
//nolint:govet // struct alignment optimization not critical for this type
type SlotOption struct {
	UnitID    string    `json:"unitId"`
	AgentID   string    `json:"agentId"`
	AgentName string    `json:"agentName"`
	StartsAt  time.Time `json:"startsAt"`
	EndsAt    time.Time `json:"endsAt"`
	Timezone  string    `json:"timezone"`
	Label     string    `json:"label"`
}

// ShowingAppointment is a booked showing. Write-once by IdempotencyKey;
// replays return the prior record unchanged.
//
//nolint:govet // struct alignment optimization not critical for this type
type ShowingAppointment struct {
	ID                 string    `json:"id"`
	UnitID             string    `json:"unit_id"`
	AgentID            string    `json:"agent_id"`
	ConversationID     *string   `json:"conversation_id,omitempty"`
	ListingID          *string   `json:"listing_id,omitempty"`
	PlatformAccountID  string    `json:"platform_account_id"`
	StartsAt           time.Time `json:"starts_at"`
	EndsAt             time.Time `json:"ends_at"`
	Timezone           string    `json:"timezone"`
	Status             string    `json:"status"`
	IdempotencyKey     string    `json:"idempotency_key"`
	ExternalBookingRef *string   `json:"external_booking_ref,omitempty"`
	PayloadHash        string    `json:"payload_hash"`
	CreatedAt          time.Time `json:"created_at"`
}

// AuditLog is one append-only audit entry.
//
//nolint:govet // struct alignment optimization not critical for this type
type AuditLog struct {
	ID         string         `json:"id"`
	ActorType  string         `json:"actor_type"`
	ActorID    *string        `json:"actor_id,omitempty"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewID generates an opaque UUID identifier.
func NewID() string {
	return uuid.New().String()
}
