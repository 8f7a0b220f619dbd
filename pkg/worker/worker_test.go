package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leasebot/pkg/booking"
	"leasebot/pkg/classify"
	"leasebot/pkg/config"
	"leasebot/pkg/connector"
	"leasebot/pkg/metrics"
	"leasebot/pkg/pipeline"
	"leasebot/pkg/policy"
	"leasebot/pkg/retry"
	"leasebot/pkg/store"
)

// Prometheus vectors register once per process; every fixture shares them.
//
//nolint:gochecknoglobals // test-wide singleton
var testRecorder = metrics.NewRecorder()

type fixture struct {
	st      *store.Store
	runner  *connector.MockRunner
	w       *Worker
	account *store.PlatformAccount
	unit    *store.Unit
	agent   *store.Agent
	conv    *store.Conversation
}

type stubAI struct {
	result classify.Result
}

func (s *stubAI) Classify(context.Context, classify.Input) (classify.Result, error) {
	return s.result, nil
}

// newFixture seeds a store with one account, unit, agent, availability, rule,
// and template, and wires a worker around a scripted runner. ai is optional.
func newFixture(t *testing.T, ai classify.Classifier) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "leasebot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	t.Setenv("SPAREROOM_TEST_USERNAME", "lister")
	t.Setenv("SPAREROOM_TEST_PASSWORD", "correct-horse")
	account := &store.PlatformAccount{
		ID:       store.NewID(),
		Platform: store.PlatformSpareroom,
		IsActive: true,
		SendMode: store.SendModeAutoSend,
		CredentialRefs: map[string]string{
			"username": "env:SPAREROOM_TEST_USERNAME",
			"password": "env:SPAREROOM_TEST_PASSWORD",
		},
	}
	require.NoError(t, st.UpsertPlatformAccount(account))

	unit := &store.Unit{ID: store.NewID(), UnitNumber: "4B", Timezone: "America/New_York"}
	require.NoError(t, st.UpsertUnit(unit))
	agent := &store.Agent{ID: store.NewID(), Name: "Alice", Role: "agent"}
	require.NoError(t, st.UpsertAgent(agent))
	require.NoError(t, st.UpsertAssignment(&store.UnitAgentAssignment{
		UnitID: unit.ID, AgentID: agent.ID, AssignmentMode: store.AssignmentActive, Priority: 1,
	}))

	start := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Hour)
	require.NoError(t, st.UpsertAvailabilitySlot(&store.AvailabilitySlot{
		ID: store.NewID(), UnitID: unit.ID,
		StartsAt: start, EndsAt: start.Add(4 * time.Hour),
		Timezone: unit.Timezone, Source: "manual",
	}))
	require.NoError(t, st.UpsertAgentAvailabilitySlot(&store.AgentAvailabilitySlot{
		ID: store.NewID(), AgentID: agent.ID,
		StartsAt: start, EndsAt: start.Add(4 * time.Hour),
		Timezone: unit.Timezone, Source: "manual",
	}))

	require.NoError(t, st.UpsertTemplate(&store.Template{
		ID: store.NewID(), Name: "tour_reply", Locale: "en",
		Body:     "Hi {{lead_name}}, here are some times:\n{{slot_options}}",
		IsActive: true,
	}))
	intent := classify.IntentTourRequest
	require.NoError(t, st.UpsertAutomationRule(&store.AutomationRule{
		ID: store.NewID(), PlatformAccountID: account.ID,
		TriggerType: "inbound_message", ActionType: "reply_with_template",
		ConditionIntent: &intent, TemplateName: "tour_reply",
		Priority: 1, IsEnabled: true,
	}))

	leadName := "Jordan"
	conv := &store.Conversation{
		ID:                store.NewID(),
		PlatformAccountID: account.ID,
		ExternalThreadID:  "thread-1",
		UnitID:            &unit.ID,
		AssignedAgentID:   &agent.ID,
		LeadName:          &leadName,
		Status:            store.ConversationOpen,
		WorkflowState:     store.WorkflowStateLead,
	}
	require.NoError(t, st.UpsertConversation(conv))

	catalog, err := config.LoadPlatformCatalog("")
	require.NoError(t, err)
	runner := connector.NewMockRunner()
	registry := connector.NewRegistry(runner, catalog, nil)
	registry.SetRetryConfig(retry.Config{
		Retries:   1,
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Second,
		Factor:    2,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	})

	cfg := &config.Config{
		PollInterval:    time.Minute,
		BatchSize:       10,
		RunOnce:         true,
		ClaimTTL:        time.Minute,
		InstanceID:      "worker-test",
		SlotOptionLimit: 4,
	}
	pl := pipeline.New(st, ai, ai != nil, "", cfg.SlotOptionLimit)
	w := New(cfg, st, registry, pl, booking.NewService(st), testRecorder)

	return &fixture{st: st, runner: runner, w: w, account: account, unit: unit, agent: agent, conv: conv}
}

func (f *fixture) queueInbound(body string) {
	f.runner.QueueInbound(f.account.ID, store.InboundEnvelope{
		ExternalThreadID:  f.conv.ExternalThreadID,
		ExternalMessageID: store.NewID(),
		Body:              body,
		LeadName:          "Jordan",
		Channel:           "spareroom_messages",
		SentAt:            time.Now().UTC(),
	})
}

func (f *fixture) auditCounts(t *testing.T) map[string]int {
	t.Helper()
	counts, err := f.st.CountAuditByAction(time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	return counts
}

func TestCycleSendsTourReply(t *testing.T) {
	f := newFixture(t, nil)
	f.queueInbound("Hi! Can I schedule a tour this weekend?")

	f.w.Cycle(context.Background())

	sent := f.runner.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "thread-1", sent[0].ExternalThreadID)
	assert.Contains(t, sent[0].Body, "Hi Jordan")

	outbound, err := f.st.ListMessages(f.conv.ID, store.DirectionOutbound)
	require.NoError(t, err)
	require.Len(t, outbound, 1)
	assert.Equal(t, store.ReviewStatusSent, outbound[0].Metadata.ReviewStatus)

	counts := f.auditCounts(t)
	assert.Equal(t, 1, counts["ai_reply_send_attempted"])
	assert.Equal(t, 1, counts["ai_reply_created"])
	assert.Equal(t, int64(1), f.w.RepliesCreated())

	// The processed message is not picked up again.
	f.w.Cycle(context.Background())
	assert.Len(t, f.runner.Sent(), 1)
}

func TestCycleDraftOnlyAccountSkipsPlatformSend(t *testing.T) {
	f := newFixture(t, nil)
	f.account.SendMode = store.SendModeDraftOnly
	require.NoError(t, f.st.UpsertPlatformAccount(f.account))
	f.queueInbound("Can I tour the unit?")

	f.w.Cycle(context.Background())

	assert.Empty(t, f.runner.Sent())
	outbound, err := f.st.ListMessages(f.conv.ID, store.DirectionOutbound)
	require.NoError(t, err)
	require.Len(t, outbound, 1)
	assert.Equal(t, store.ReviewStatusDraft, outbound[0].Metadata.ReviewStatus)

	counts := f.auditCounts(t)
	assert.Equal(t, 1, counts["ai_reply_draft_created"])
	assert.Equal(t, 1, counts["ai_reply_created"])
}

func TestCycleEscalatesWithoutSlotCandidates(t *testing.T) {
	f := newFixture(t, nil)
	f.conv.UnitID = nil
	f.conv.AssignedAgentID = nil
	require.NoError(t, f.st.UpsertConversation(f.conv))
	f.queueInbound("Can I tour the unit?")

	f.w.Cycle(context.Background())

	assert.Empty(t, f.runner.Sent())
	counts := f.auditCounts(t)
	assert.Equal(t, 1, counts["ai_reply_escalated"])
	assert.Equal(t, 1, counts["ai_reply_skipped"])

	reasons, err := f.st.CountAuditDetailField("ai_reply_escalated", "escalationReasonCode", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, reasons[policy.ReasonNoSlotCandidates])
}

func TestCycleEscalatesUnsubscribe(t *testing.T) {
	f := newFixture(t, nil)
	f.queueInbound("Please stop messaging me.")

	f.w.Cycle(context.Background())

	assert.Empty(t, f.runner.Sent())
	reasons, err := f.st.CountAuditDetailField("ai_reply_escalated", "escalationReasonCode", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, reasons[policy.ReasonUnsubscribeRequested])
}

func TestCycleBlocksInactiveAccount(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.st.IngestMessages(f.account, []store.InboundEnvelope{{
		ExternalThreadID:  f.conv.ExternalThreadID,
		ExternalMessageID: "msg-inactive",
		Body:              "Can I tour?",
		Channel:           "spareroom_messages",
		SentAt:            time.Now().UTC(),
	}})
	require.NoError(t, err)

	f.account.IsActive = false
	require.NoError(t, f.st.UpsertPlatformAccount(f.account))

	f.w.Cycle(context.Background())

	assert.Empty(t, f.runner.Sent())
	counts := f.auditCounts(t)
	assert.Equal(t, 1, counts["ai_reply_policy_blocked"])
	assert.Zero(t, counts["ai_reply_created"])
}

func TestCycleConfirmsPendingSlotAndBooks(t *testing.T) {
	ai := &stubAI{result: classify.Result{
		Intent:          classify.IntentTourRequest,
		WorkflowOutcome: store.OutcomeShowingConfirmed,
		Confidence:      0.9,
		RiskLevel:       classify.RiskLow,
		Provider:        "gemini",
	}}
	f := newFixture(t, ai)

	start := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Hour)
	pending := &store.SlotOption{
		UnitID:    f.unit.ID,
		AgentID:   f.agent.ID,
		AgentName: f.agent.Name,
		StartsAt:  start,
		EndsAt:    start.Add(30 * time.Minute),
		Timezone:  f.unit.Timezone,
		Label:     "tomorrow at the top of the hour",
	}
	require.NoError(t, f.st.SetPendingSlot(f.conv.ID, pending))
	f.queueInbound("Yes, that works for me!")

	f.w.Cycle(context.Background())

	require.Len(t, f.runner.Sent(), 1)

	appt, err := f.st.FindActiveShowingForConversation(f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AppointmentConfirmed, appt.Status)
	assert.Equal(t, f.agent.ID, appt.AgentID)
	assert.True(t, appt.StartsAt.Equal(start))

	conv, err := f.st.GetConversation(f.conv.ID)
	require.NoError(t, err)
	assert.Nil(t, conv.PendingSlot)
	assert.Equal(t, store.WorkflowStateShowingConfirmed, conv.WorkflowState)
	require.NotNil(t, conv.ShowingState)
	assert.Equal(t, store.ShowingStateConfirmed, *conv.ShowingState)
}

func TestCycleRoutesExhaustedDispatchToDLQ(t *testing.T) {
	f := newFixture(t, nil)
	// Two transient failures exhaust the single-retry budget.
	f.runner.QueueSendError(f.account.ID, &statusFailure{status: 503, msg: "upstream maintenance"})
	f.runner.QueueSendError(f.account.ID, &statusFailure{status: 503, msg: "upstream maintenance"})
	f.queueInbound("Can I schedule a tour?")

	f.w.Cycle(context.Background())

	assert.Empty(t, f.runner.Sent())
	counts := f.auditCounts(t)
	assert.Equal(t, 1, counts["platform_dispatch_error"])
	assert.Equal(t, 1, counts["platform_dispatch_dlq"])
	assert.Equal(t, 1, counts["ai_reply_dispatch_escalated"])
	assert.Equal(t, 1, counts["ai_reply_error"])

	inbound, err := f.st.ListMessages(f.conv.ID, store.DirectionInbound)
	require.NoError(t, err)
	require.Len(t, inbound, 1)
	require.NotNil(t, inbound[0].Metadata.Dispatch)
	assert.Equal(t, store.DispatchDLQ, inbound[0].Metadata.Dispatch.State)
	// The message stays unprocessed; the claim lease expires and a later
	// cycle may retry under a fresh dispatch key.
	assert.Nil(t, inbound[0].Metadata.AIProcessedAt)
}

type statusFailure struct {
	status int
	msg    string
}

func (e *statusFailure) Error() string   { return e.msg }
func (e *statusFailure) HTTPStatus() int { return e.status }

func TestDispatchSuppressesDuplicateKey(t *testing.T) {
	f := newFixture(t, nil)
	f.queueInbound("Can I tour?")
	f.w.ingestAll(context.Background())

	claimed, err := f.st.ClaimPendingMessages("worker-test", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	cm := &claimed[0]

	decision := &pipeline.Decision{
		Intent:          classify.IntentTourRequest,
		EffectiveIntent: classify.IntentTourRequest,
		Eligible:        true,
		Outcome:         policy.OutcomeSend,
		Reason:          policy.ReasonSendEligible,
		ReviewStatus:    store.ReviewStatusSent,
		ReplyBody:       "Here are some times.",
	}

	inserted, key, serr := f.w.dispatch(context.Background(), cm, decision)
	require.Nil(t, serr)
	assert.True(t, inserted)
	assert.NotEmpty(t, key)
	require.Len(t, f.runner.Sent(), 1)

	// A replayed attempt with the same key never reaches the platform.
	inserted, key2, serr := f.w.dispatch(context.Background(), cm, decision)
	require.Nil(t, serr)
	assert.False(t, inserted)
	assert.Equal(t, key, key2)
	assert.Len(t, f.runner.Sent(), 1)
	assert.Equal(t, int64(1), f.w.DuplicatesSuppressed())

	counts := f.auditCounts(t)
	assert.Equal(t, 1, counts["ai_reply_dispatch_duplicate_suppressed"])
}

func TestTestGate(t *testing.T) {
	cfg := &config.Config{
		AllowedLeadNames: []string{"Jordan"},
		MaxMessageAge:    time.Hour,
	}
	w := New(cfg, nil, nil, nil, nil, testRecorder)

	name := "jordan"
	fresh := &store.ClaimedMessage{
		Message:      store.Message{SentAt: time.Now().UTC()},
		Conversation: store.Conversation{LeadName: &name},
	}
	assert.Empty(t, w.testGate(fresh))

	other := "Sam"
	fresh.Conversation.LeadName = &other
	assert.Equal(t, "lead_not_in_allowlist", w.testGate(fresh))

	fresh.Conversation.LeadName = &name
	fresh.Message.SentAt = time.Now().UTC().Add(-2 * time.Hour)
	assert.Equal(t, "message_too_old", w.testGate(fresh))

	anonymous := &store.ClaimedMessage{Message: store.Message{SentAt: time.Now().UTC()}}
	assert.Equal(t, "lead_not_in_allowlist", w.testGate(anonymous))
}
