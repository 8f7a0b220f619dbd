// Package snapshot aggregates a rolling operational window for the admin
// endpoint: reply and dispatch counters from the audit trail, booking
// breakdowns by status and platform, dispatch failures by stage, audit
// volume by entity and actor, recent error and audit feeds, and (when a
// Prometheus endpoint is configured) ingest latency percentiles.
package snapshot

import (
	"context"
	"strconv"
	"time"

	"leasebot/pkg/logx"
	"leasebot/pkg/metrics"
	"leasebot/pkg/store"
)

const (
	// DefaultWindowMinutes is the window when the caller does not pass one.
	DefaultWindowMinutes = 60
	// MaxWindowMinutes caps the window at one week.
	MaxWindowMinutes = 7 * 24 * 60

	ingestP95TargetMs = 20_000
	recentAuditLimit  = 20
)

// Counters is the lifetime-counter surface the worker exposes.
type Counters interface {
	RepliesCreated() int64
	DuplicatesSuppressed() int64
}

// Replies summarizes reply decisions inside the window.
type Replies struct {
	Created              int            `json:"created"`
	Drafted              int            `json:"drafted"`
	SendAttempted        int            `json:"sendAttempted"`
	Escalated            int            `json:"escalated"`
	HumanRequiredQueued  int            `json:"humanRequiredQueued"`
	PolicyBlocked        int            `json:"policyBlocked"`
	Skipped              int            `json:"skipped"`
	Errors               int            `json:"errors"`
	DuplicatesSuppressed int            `json:"duplicatesSuppressed"`
	EscalationReasons    map[string]int `json:"escalationReasons,omitempty"`
}

// Dispatch summarizes outbound delivery inside the window.
type Dispatch struct {
	Errors          int            `json:"errors"`
	DeadLetter      int            `json:"deadLetter"`
	FailuresByStage map[string]int `json:"failuresByStage,omitempty"`
}

// Bookings summarizes showing bookings inside the window.
type Bookings struct {
	Created    int            `json:"created"`
	Replayed   int            `json:"replayed"`
	Conflicts  int            `json:"conflicts"`
	Failed     int            `json:"failed"`
	ByStatus   map[string]int `json:"byStatus"`
	ByPlatform map[string]int `json:"byPlatform,omitempty"`
}

// AuditBreakdown summarizes window audit volume by entity and actor.
type AuditBreakdown struct {
	Total        int            `json:"total"`
	ByEntityType map[string]int `json:"byEntityType,omitempty"`
	ByActorType  map[string]int `json:"byActorType,omitempty"`
}

// Ingest summarizes conversation linkage inside the window.
type Ingest struct {
	LinkageResolved   int                     `json:"linkageResolved"`
	LinkageUnresolved int                     `json:"linkageUnresolved"`
	Latency           []metrics.IngestLatency `json:"latency,omitempty"`
}

// Snapshot is the admin view of one rolling window.
//
//nolint:govet // struct alignment optimization not critical for this type
type Snapshot struct {
	GeneratedAt   time.Time        `json:"generatedAt"`
	WindowMinutes int              `json:"windowMinutes"`
	Replies       Replies          `json:"replies"`
	Dispatch      Dispatch         `json:"dispatch"`
	Ingest        Ingest           `json:"ingest"`
	Bookings      Bookings         `json:"bookings"`
	Workflow      map[string]int   `json:"workflow"`
	Inbox         map[string]int   `json:"inbox"`
	Audit         AuditBreakdown   `json:"audit"`
	Lifetime      Lifetime         `json:"lifetime"`
	RecentErrors  []logx.Entry     `json:"recentErrors,omitempty"`
	RecentAudit   []store.AuditLog `json:"recentAudit,omitempty"`
}

// Lifetime carries process-lifetime counters, not windowed ones.
type Lifetime struct {
	RepliesCreated       int64 `json:"repliesCreated"`
	DuplicatesSuppressed int64 `json:"duplicatesSuppressed"`
}

// Service builds snapshots.
type Service struct {
	store    *store.Store
	counters Counters
	query    *metrics.QueryService // nil when PROMETHEUS_URL is unset
	logger   *logx.Logger
	now      func() time.Time
}

// NewService builds a snapshot service. query may be nil.
func NewService(st *store.Store, counters Counters, query *metrics.QueryService) *Service {
	return &Service{
		store:    st,
		counters: counters,
		query:    query,
		logger:   logx.NewLogger("snapshot"),
		now:      time.Now,
	}
}

// Build aggregates the window ending now. Partial failures degrade the
// snapshot rather than failing it: a missing feed leaves its section empty.
func (s *Service) Build(ctx context.Context, windowMinutes int) Snapshot {
	window := time.Duration(windowMinutes) * time.Minute
	since := s.now().Add(-window)

	snap := Snapshot{
		GeneratedAt:   s.now().UTC(),
		WindowMinutes: windowMinutes,
		Bookings:      Bookings{ByStatus: map[string]int{}},
		Workflow:      map[string]int{},
		Inbox:         map[string]int{},
		Lifetime: Lifetime{
			RepliesCreated:       s.counters.RepliesCreated(),
			DuplicatesSuppressed: s.counters.DuplicatesSuppressed(),
		},
		RecentErrors: logx.RecentErrors(20),
	}

	actions, err := s.store.CountAuditByAction(since)
	if err != nil {
		s.logger.Warn("audit aggregation failed: %v", err)
		return snap
	}
	snap.Replies = Replies{
		Created:              actions["ai_reply_created"],
		Drafted:              actions["ai_reply_draft_created"],
		SendAttempted:        actions["ai_reply_send_attempted"],
		Escalated:            actions["ai_reply_escalated"],
		HumanRequiredQueued:  actions["ai_reply_human_required_queued"],
		PolicyBlocked:        actions["ai_reply_policy_blocked"],
		Skipped:              actions["ai_reply_skipped"],
		Errors:               actions["ai_reply_error"],
		DuplicatesSuppressed: actions["ai_reply_dispatch_duplicate_suppressed"],
	}
	snap.Dispatch = Dispatch{
		Errors:     actions["platform_dispatch_error"],
		DeadLetter: actions["platform_dispatch_dlq"],
	}
	snap.Bookings.Created = actions["showing_booking_created"]
	snap.Bookings.Replayed = actions["showing_booking_replayed"]
	snap.Bookings.Conflicts = actions["showing_booking_conflict"] +
		actions["showing_booking_idempotency_conflict"] +
		actions["showing_booking_slot_unavailable"]
	snap.Bookings.Failed = actions["showing_booking_failed"]
	for _, n := range actions {
		snap.Audit.Total += n
	}
	snap.Ingest = Ingest{
		LinkageResolved:   actions["ingest_conversation_linkage_resolved"],
		LinkageUnresolved: actions["ingest_conversation_linkage_unresolved"],
	}
	for action, prefix := range map[string]string{
		"workflow_state_transitioned": "transitioned",
		"workflow_no_reply_recovered": "noReplyRecovered",
	} {
		if n := actions[action]; n > 0 {
			snap.Workflow[prefix] = n
		}
	}
	for action, key := range map[string]string{
		"inbox_message_approved":        "approved",
		"inbox_message_rejected":        "rejected",
		"inbox_manual_reply_dispatched": "manualReplies",
	} {
		if n := actions[action]; n > 0 {
			snap.Inbox[key] = n
		}
	}

	if reasons, err := s.store.CountAuditDetailField("ai_reply_escalated", "escalationReasonCode", since); err != nil {
		s.logger.Warn("escalation reason aggregation failed: %v", err)
	} else if len(reasons) > 0 {
		snap.Replies.EscalationReasons = reasons
	}
	if stages, err := s.store.CountAuditDetailField("platform_dispatch_error", "failureStage", since); err != nil {
		s.logger.Warn("dispatch stage aggregation failed: %v", err)
	} else if len(stages) > 0 {
		snap.Dispatch.FailuresByStage = stages
	}

	if byStatus, err := s.store.CountShowingsByStatus(since); err != nil {
		s.logger.Warn("booking aggregation failed: %v", err)
	} else {
		snap.Bookings.ByStatus = byStatus
	}
	if byPlatform, err := s.store.CountShowingsByPlatform(since); err != nil {
		s.logger.Warn("booking platform aggregation failed: %v", err)
	} else if len(byPlatform) > 0 {
		snap.Bookings.ByPlatform = byPlatform
	}

	if byEntity, err := s.store.CountAuditByEntityType(since); err != nil {
		s.logger.Warn("audit entity aggregation failed: %v", err)
	} else if len(byEntity) > 0 {
		snap.Audit.ByEntityType = byEntity
	}
	if byActor, err := s.store.CountAuditByActorType(since); err != nil {
		s.logger.Warn("audit actor aggregation failed: %v", err)
	} else if len(byActor) > 0 {
		snap.Audit.ByActorType = byActor
	}
	if recent, err := s.store.ListAuditSince(since, recentAuditLimit); err != nil {
		s.logger.Warn("recent audit feed failed: %v", err)
	} else {
		snap.RecentAudit = recent
	}

	if s.query != nil {
		latency, err := s.query.GetIngestLatencyP95(ctx, window, ingestP95TargetMs)
		if err != nil {
			s.logger.Warn("ingest latency query failed: %v", err)
		} else {
			snap.Ingest.Latency = latency
		}
	}
	return snap
}

// ParseWindowMinutes parses the windowMinutes query value, clamping it to
// [1, MaxWindowMinutes]. Empty or unparseable values fall back to the
// default.
func ParseWindowMinutes(value string) int {
	if value == "" {
		return DefaultWindowMinutes
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return DefaultWindowMinutes
	}
	if n > MaxWindowMinutes {
		return MaxWindowMinutes
	}
	return n
}
