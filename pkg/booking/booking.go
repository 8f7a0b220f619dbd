// Package booking books showing appointments: agent scope enforcement,
// idempotency-key replay, candidate-slot coverage validation, and conflict
// mapping with alternatives. Results are explicit variants, never panics or
// sentinel control flow.
package booking

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"leasebot/pkg/logx"
	"leasebot/pkg/store"
)

// Result kinds.
const (
	Created             = "created"
	Replayed            = "replayed"
	IdempotencyConflict = "idempotency_conflict"
	SlotUnavailable     = "slot_unavailable"
	BookingConflict     = "booking_conflict"
	Forbidden           = "forbidden"
	Failed              = "failed"
)

// Payload is the booking request contract.
//
//nolint:govet // struct alignment optimization not critical for this type
type Payload struct {
	IdempotencyKey    string    `json:"idempotencyKey"`
	PlatformAccountID string    `json:"platformAccountId"`
	ConversationID    *string   `json:"conversationId,omitempty"`
	UnitID            string    `json:"unitId"`
	ListingID         *string   `json:"listingId,omitempty"`
	AgentID           string    `json:"agentId"`
	StartsAt          time.Time `json:"startsAt"`
	EndsAt            time.Time `json:"endsAt"`
	Timezone          string    `json:"timezone"`
	Status            string    `json:"status,omitempty"`
}

// Actor is the session identity performing the booking.
type Actor struct {
	ID   string
	Role string // "agent" actors may only book for themselves
}

// Result is the booking verdict.
//
//nolint:govet // struct alignment optimization not critical for this type
type Result struct {
	Kind                string
	Appointment         *store.ShowingAppointment
	Alternatives        []store.SlotOption
	IdempotentReplay    bool
	AdminReviewRequired bool
	HTTPStatus          int
	Reason              string
}

// Store is the persistence capability the service depends on.
type Store interface {
	FindShowingByIdempotencyKey(key string) (*store.ShowingAppointment, error)
	InsertShowing(appt *store.ShowingAppointment) error
	FetchSlotCandidates(q store.SlotQuery) ([]store.SlotOption, error)
	Audit(actorType, entityType, entityID, action string, details map[string]any)
}

// Service books showings.
type Service struct {
	store  Store
	logger *logx.Logger
}

// NewService builds a booking service.
func NewService(st Store) *Service {
	return &Service{
		store:  st,
		logger: logx.NewLogger("booking"),
	}
}

// Book runs the §-ordered booking checks: agent scope, idempotency lookup,
// candidate coverage, then the guarded insert. Idempotency precedes slot
// validation so a replay still succeeds after availability changed.
func (s *Service) Book(actor Actor, payload Payload) Result {
	if actor.Role == "agent" && actor.ID != payload.AgentID {
		s.audit(actor, payload, "showing_booking_failed", map[string]any{
			"reason": "agent scope violation",
		})
		return Result{
			Kind:       Forbidden,
			HTTPStatus: http.StatusForbidden,
			Reason:     "agents may only book for themselves",
		}
	}

	hash := PayloadHash(payload)

	existing, err := s.store.FindShowingByIdempotencyKey(payload.IdempotencyKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return s.failed(actor, payload, fmt.Errorf("idempotency lookup failed: %w", err))
	}
	if existing != nil {
		if existing.PayloadHash == hash {
			s.audit(actor, payload, "showing_booking_replayed", map[string]any{
				"appointmentId": existing.ID,
			})
			return Result{
				Kind:             Replayed,
				Appointment:      existing,
				IdempotentReplay: true,
				HTTPStatus:       http.StatusOK,
			}
		}
		s.audit(actor, payload, "showing_booking_idempotency_conflict", map[string]any{
			"appointmentId": existing.ID,
		})
		return Result{
			Kind:                IdempotencyConflict,
			Appointment:         existing,
			AdminReviewRequired: true,
			HTTPStatus:          http.StatusConflict,
			Reason:              "idempotency key reused with a different payload",
		}
	}

	from := dayStart(payload.StartsAt, payload.Timezone)
	candidates, err := s.store.FetchSlotCandidates(store.SlotQuery{
		UnitID:         payload.UnitID,
		From:           from,
		To:             from.Add(24 * time.Hour),
		IncludePassive: true,
	})
	if err != nil {
		return s.failed(actor, payload, fmt.Errorf("candidate fetch failed: %w", err))
	}
	if !covered(candidates, payload) {
		s.audit(actor, payload, "showing_booking_slot_unavailable", map[string]any{
			"alternatives": len(candidates),
		})
		return Result{
			Kind:                SlotUnavailable,
			Alternatives:        candidates,
			AdminReviewRequired: true,
			HTTPStatus:          http.StatusConflict,
			Reason:              "requested interval is not covered by any candidate slot",
		}
	}

	status := payload.Status
	if status == "" {
		status = store.AppointmentPending
	}
	appt := &store.ShowingAppointment{
		UnitID:            payload.UnitID,
		AgentID:           payload.AgentID,
		ConversationID:    payload.ConversationID,
		ListingID:         payload.ListingID,
		PlatformAccountID: payload.PlatformAccountID,
		StartsAt:          payload.StartsAt,
		EndsAt:            payload.EndsAt,
		Timezone:          payload.Timezone,
		Status:            status,
		IdempotencyKey:    payload.IdempotencyKey,
		PayloadHash:       hash,
	}
	if err := s.store.InsertShowing(appt); err != nil {
		if errors.Is(err, store.ErrShowingOverlap) {
			s.audit(actor, payload, "showing_booking_conflict", map[string]any{
				"alternatives": len(candidates),
			})
			return Result{
				Kind:         BookingConflict,
				Alternatives: candidates,
				HTTPStatus:   http.StatusConflict,
				Reason:       "an overlapping appointment already exists",
			}
		}
		return s.failed(actor, payload, fmt.Errorf("appointment insert failed: %w", err))
	}

	s.audit(actor, payload, "showing_booking_created", map[string]any{
		"appointmentId": appt.ID,
	})
	return Result{
		Kind:        Created,
		Appointment: appt,
		HTTPStatus:  http.StatusCreated,
	}
}

func (s *Service) failed(actor Actor, payload Payload, err error) Result {
	s.logger.Error("booking for unit %s failed: %v", payload.UnitID, err)
	s.audit(actor, payload, "showing_booking_failed", map[string]any{
		"error": err.Error(),
	})
	return Result{
		Kind:       Failed,
		HTTPStatus: http.StatusInternalServerError,
		Reason:     err.Error(),
	}
}

func (s *Service) audit(actor Actor, payload Payload, action string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["idempotencyKey"] = payload.IdempotencyKey
	details["unitId"] = payload.UnitID
	details["agentId"] = payload.AgentID
	actorType := store.ActorSystem
	if actor.Role == "agent" {
		actorType = store.ActorAgent
	}
	s.store.Audit(actorType, "showing_appointment", payload.IdempotencyKey, action, details)
}

// covered reports whether some candidate for the requested agent fully
// contains [StartsAt, EndsAt).
func covered(candidates []store.SlotOption, payload Payload) bool {
	for _, c := range candidates {
		if c.AgentID != payload.AgentID {
			continue
		}
		if !c.StartsAt.After(payload.StartsAt) && !c.EndsAt.Before(payload.EndsAt) {
			return true
		}
	}
	return false
}

// dayStart is midnight of t's calendar day in the payload timezone. A
// late-evening local slot would otherwise fall on the adjacent UTC day and
// miss its candidates. Unknown timezones fall back to UTC.
func dayStart(t time.Time, timezone string) time.Time {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// payloadDoc fixes the canonical field order for hashing; changing it would
// change every hash and break replay detection.
//
//nolint:govet // field order is the hash contract
type payloadDoc struct {
	IdempotencyKey    string  `json:"idempotencyKey"`
	PlatformAccountID string  `json:"platformAccountId"`
	ConversationID    *string `json:"conversationId"`
	UnitID            string  `json:"unitId"`
	ListingID         *string `json:"listingId"`
	AgentID           string  `json:"agentId"`
	StartsAt          string  `json:"startsAt"`
	EndsAt            string  `json:"endsAt"`
	Timezone          string  `json:"timezone"`
	Status            string  `json:"status"`
}

// PayloadHash computes the canonical SHA-256 hex digest of a payload.
func PayloadHash(p Payload) string {
	doc := payloadDoc{
		IdempotencyKey:    p.IdempotencyKey,
		PlatformAccountID: p.PlatformAccountID,
		ConversationID:    p.ConversationID,
		UnitID:            p.UnitID,
		ListingID:         p.ListingID,
		AgentID:           p.AgentID,
		StartsAt:          p.StartsAt.UTC().Format(time.RFC3339),
		EndsAt:            p.EndsAt.UTC().Format(time.RFC3339),
		Timezone:          p.Timezone,
		Status:            p.Status,
	}
	data, _ := json.Marshal(doc)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
