package connector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leasebot/pkg/config"
	"leasebot/pkg/metrics"
	"leasebot/pkg/retry"
	"leasebot/pkg/store"
)

// Prometheus vectors register once per process; every fixture shares them.
//
//nolint:gochecknoglobals // test-wide singleton
var testRecorder = metrics.NewRecorder()

type eventLog struct {
	mu      sync.Mutex
	entries []struct {
		action  string
		details map[string]any
	}
}

func (e *eventLog) sink(action string, details map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, struct {
		action  string
		details map[string]any
	}{action, details})
}

func (e *eventLog) count(action string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, entry := range e.entries {
		if entry.action == action {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T) (*Registry, *MockRunner, *eventLog, *fakeClock) {
	t.Helper()
	catalog, err := config.LoadPlatformCatalog("")
	require.NoError(t, err)

	runner := NewMockRunner()
	events := &eventLog{}
	r := NewRegistry(runner, catalog, events.sink)
	r.SetRecorder(testRecorder)

	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	r.SetClock(clock.now)
	r.pacer.sleep = func(_ context.Context, d time.Duration) error {
		clock.advance(d)
		return nil
	}
	r.SetRetryConfig(retry.Config{
		Retries:   2,
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Second,
		Factor:    2,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	})
	return r, runner, events, clock
}

func testAccount(t *testing.T) *store.PlatformAccount {
	t.Helper()
	t.Setenv("SPAREROOM_TEST_USERNAME", "lister")
	t.Setenv("SPAREROOM_TEST_PASSWORD", "correct-horse")
	return &store.PlatformAccount{
		ID:       "acct-1",
		Platform: store.PlatformSpareroom,
		IsActive: true,
		SendMode: store.SendModeAutoSend,
		CredentialRefs: map[string]string{
			"username": "env:SPAREROOM_TEST_USERNAME",
			"password": "env:SPAREROOM_TEST_PASSWORD",
		},
	}
}

func TestRegistryIngest(t *testing.T) {
	r, runner, events, _ := newTestRegistry(t)
	account := testAccount(t)
	runner.QueueInbound(account.ID,
		store.InboundEnvelope{ExternalThreadID: "thread-1", ExternalMessageID: "msg-1", Body: "Can I tour?"},
	)

	envelopes, err := r.IngestMessagesForAccount(context.Background(), account)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	assert.Equal(t, "msg-1", envelopes[0].ExternalMessageID)
	assert.Equal(t, 1, events.count(EventIngestLatencyMeasured))
}

func TestRegistrySendFillsChannel(t *testing.T) {
	r, runner, _, _ := newTestRegistry(t)
	account := testAccount(t)

	delivery, err := r.SendMessageForAccount(context.Background(), account, Outbound{
		ExternalThreadID: "thread-1",
		Body:             "Here are some tour times.",
	})
	require.NoError(t, err)
	assert.Equal(t, "spareroom_messages", delivery.Channel)
	assert.NotEmpty(t, delivery.ExternalMessageID)
	require.Len(t, runner.Sent(), 1)
	assert.Equal(t, "thread-1", runner.Sent()[0].ExternalThreadID)
}

func TestRegistryRejectsInlineCredentialLiteral(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	account := testAccount(t)
	account.CredentialRefs["password"] = "hunter2"

	_, err := r.IngestMessagesForAccount(context.Background(), account)
	require.Error(t, err)
	assert.Equal(t, CodeCredentialPlaintext, ErrorCode(err))
}

func TestRegistryReportsMissingCredential(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	account := testAccount(t)
	delete(account.CredentialRefs, "password")

	_, err := r.IngestMessagesForAccount(context.Background(), account)
	require.Error(t, err)
	assert.Equal(t, CodeCredentialMissing, ErrorCode(err))
}

func TestRegistryRejectsUnknownPlatform(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	account := testAccount(t)
	account.Platform = "zillow"

	_, err := r.IngestMessagesForAccount(context.Background(), account)
	require.Error(t, err)
	assert.Equal(t, CodeUnknownPlatform, ErrorCode(err))
}

func TestRegistryRefreshesSessionOnExpiry(t *testing.T) {
	r, runner, events, _ := newTestRegistry(t)
	account := testAccount(t)
	runner.QueueSendError(account.ID, errors.New("session has expired, please log in"))

	delivery, err := r.SendMessageForAccount(context.Background(), account, Outbound{
		ExternalThreadID: "thread-1",
		Body:             "Retry after refresh",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, delivery.ExternalMessageID)
	assert.Equal(t, 1, runner.Logins())
	assert.Equal(t, 1, events.count(EventRetryScheduled))
	assert.Equal(t, 1, events.count(EventSessionRefreshRequested))
}

func TestRegistryBoundsCaptchaRetries(t *testing.T) {
	r, runner, _, _ := newTestRegistry(t)
	account := testAccount(t)
	// spareroom allows one captcha retry; the second captcha is terminal.
	runner.QueueSendError(account.ID, errors.New("please solve the CAPTCHA to continue"))
	runner.QueueSendError(account.ID, errors.New("please solve the CAPTCHA to continue"))

	_, err := r.SendMessageForAccount(context.Background(), account, Outbound{
		ExternalThreadID: "thread-1",
		Body:             "never delivered",
	})
	require.Error(t, err)
	assert.Equal(t, CodeCaptchaRequired, ErrorCode(err))
	assert.False(t, retry.IsExhausted(err))
	assert.Equal(t, 1, runner.Logins())
	assert.Empty(t, runner.Sent())
}

// transitionCount reads the circuit transition counter for one label set from
// the default registry.
func transitionCount(t *testing.T, platform, action, state string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "leasebot_circuit_transitions_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["platform"] == platform && labels["action"] == action && labels["state"] == state {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestRegistryCircuitOpensAndRecovers(t *testing.T) {
	r, runner, events, clock := newTestRegistry(t)
	account := testAccount(t)
	r.SetRetryConfig(retry.Config{Retries: 0, BaseDelay: time.Millisecond, Factor: 2,
		Sleep: func(context.Context, time.Duration) error { return nil }})

	openedBefore := transitionCount(t, account.Platform, "send", "open")
	closedBefore := transitionCount(t, account.Platform, "send", "closed")

	for i := 0; i < DefaultBreakerConfig.FailureThreshold; i++ {
		runner.QueueSendError(account.ID, errors.New("message form submit rejected"))
		_, err := r.SendMessageForAccount(context.Background(), account, Outbound{ExternalThreadID: "thread-1", Body: "x"})
		require.Error(t, err)
	}
	assert.Equal(t, 1, events.count(EventCircuitOpened))
	assert.InDelta(t, openedBefore+1, transitionCount(t, account.Platform, "send", "open"), 0.01)

	// While open, calls fail fast without touching the platform.
	_, err := r.SendMessageForAccount(context.Background(), account, Outbound{ExternalThreadID: "thread-1", Body: "x"})
	require.Error(t, err)
	assert.Equal(t, CodeCircuitOpen, ErrorCode(err))
	var pe *PlatformError
	require.ErrorAs(t, err, &pe)
	assert.Positive(t, pe.RetryAfterMs)
	assert.Equal(t, 1, events.count(EventCircuitOpenFailFast))
	assert.Empty(t, runner.Sent())

	// After cooldown a successful probe closes the circuit again.
	clock.advance(DefaultBreakerConfig.Cooldown + time.Second)
	_, err = r.SendMessageForAccount(context.Background(), account, Outbound{ExternalThreadID: "thread-1", Body: "probe"})
	require.NoError(t, err)
	_, err = r.SendMessageForAccount(context.Background(), account, Outbound{ExternalThreadID: "thread-1", Body: "steady"})
	require.NoError(t, err)
	assert.Len(t, runner.Sent(), 2)
	assert.InDelta(t, closedBefore+1, transitionCount(t, account.Platform, "send", "closed"), 0.01)
}
