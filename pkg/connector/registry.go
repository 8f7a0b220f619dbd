package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"leasebot/pkg/config"
	"leasebot/pkg/logx"
	"leasebot/pkg/metrics"
	"leasebot/pkg/retry"
	"leasebot/pkg/store"
)

// Observability event names emitted by the registry.
const (
	EventRetryScheduled          = "rpa_retry_scheduled"
	EventSessionRefreshRequested = "rpa_session_refresh_requested"
	EventCircuitOpened           = "rpa_circuit_opened"
	EventCircuitOpenFailFast     = "rpa_circuit_open_fail_fast"
	EventIngestLatencyMeasured   = "rpa_ingest_latency_measured"
)

// Default p95 latency target for one account ingest.
const defaultIngestP95Target = 20 * time.Second

// EventSink receives registry observability events. The worker wires this to
// the audit log.
type EventSink func(action string, details map[string]any)

// Registry owns the per-platform adapters and the resilience policy wrapped
// around every platform call.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Registry struct {
	adapters        map[string]Adapter
	catalog         *config.PlatformCatalog
	sessions        sync.Map // accountID -> *Session
	pacer           *pacer
	breakers        *breakerSet
	sessionManager  SessionManager
	retryConfig     retry.Config
	events          EventSink
	recorder        *metrics.Recorder
	logger          *logx.Logger
	now             func() time.Time
	ingestP95Target time.Duration
}

// NewRegistry builds a registry over runner for the catalog's platform set.
func NewRegistry(runner Runner, catalog *config.PlatformCatalog, events EventSink) *Registry {
	now := time.Now
	if events == nil {
		events = func(string, map[string]any) {}
	}
	return &Registry{
		adapters:        buildAdapters(runner),
		catalog:         catalog,
		pacer:           newPacer(now),
		breakers:        newBreakerSet(DefaultBreakerConfig, now),
		sessionManager:  &runnerSessionManager{runner: runner, now: now},
		retryConfig:     retry.DefaultConfig,
		events:          events,
		logger:          logx.NewLogger("connector"),
		now:             now,
		ingestP95Target: defaultIngestP95Target,
	}
}

// SetRetryConfig overrides the retry policy. Tests inject deterministic
// sleep and random here.
func (r *Registry) SetRetryConfig(cfg retry.Config) {
	r.retryConfig = cfg
}

// SetClock overrides time for pacing and breaker cooldowns. Used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
	r.pacer.now = now
	r.breakers.now = now
}

// SetSessionManager replaces the session refresh strategy.
func (r *Registry) SetSessionManager(m SessionManager) {
	r.sessionManager = m
}

// SetRecorder wires breaker transition metrics. recorder may be nil.
func (r *Registry) SetRecorder(recorder *metrics.Recorder) {
	r.recorder = recorder
}

// IngestMessagesForAccount pulls the account's unread inbound messages
// through its platform adapter under the full resilience policy.
func (r *Registry) IngestMessagesForAccount(ctx context.Context, account *store.PlatformAccount) ([]store.InboundEnvelope, error) {
	adapter, settings, session, err := r.prepare(account)
	if err != nil {
		return nil, err
	}

	started := r.now()
	envelopes, err := callWithResilience(ctx, r, account, settings, "ingest", func(ctx context.Context) ([]store.InboundEnvelope, error) {
		return adapter.Ingest(ctx, session)
	})
	elapsed := r.now().Sub(started)
	r.events(EventIngestLatencyMeasured, map[string]any{
		"platform":       account.Platform,
		"accountId":      account.ID,
		"latencyMs":      elapsed.Milliseconds(),
		"p95TargetMs":    r.ingestP95Target.Milliseconds(),
		"targetExceeded": elapsed > r.ingestP95Target,
	})
	return envelopes, err
}

// SendMessageForAccount delivers one outbound reply through the account's
// platform adapter under the full resilience policy.
func (r *Registry) SendMessageForAccount(ctx context.Context, account *store.PlatformAccount, outbound Outbound) (Delivery, error) {
	adapter, settings, session, err := r.prepare(account)
	if err != nil {
		return Delivery{}, err
	}
	return callWithResilience(ctx, r, account, settings, "send", func(ctx context.Context) (Delivery, error) {
		return adapter.Send(ctx, session, outbound)
	})
}

// prepare resolves the adapter, platform settings, and authenticated session
// for an account. Credential resolution failures map to the normalized
// credential error codes before anything touches the platform.
func (r *Registry) prepare(account *store.PlatformAccount) (Adapter, config.PlatformSettings, *Session, error) {
	adapter, ok := r.adapters[account.Platform]
	if !ok {
		return nil, config.PlatformSettings{}, nil, &PlatformError{
			Code:     CodeUnknownPlatform,
			Platform: account.Platform,
			Message:  fmt.Sprintf("no adapter for platform %q", account.Platform),
		}
	}
	settings, err := r.catalog.Settings(account.Platform)
	if err != nil {
		return nil, config.PlatformSettings{}, nil, &PlatformError{
			Code:     CodeUnknownPlatform,
			Platform: account.Platform,
			Message:  err.Error(),
			Cause:    err,
		}
	}

	if cached, ok := r.sessions.Load(account.ID); ok {
		return adapter, settings, cached.(*Session), nil
	}

	creds, err := config.ResolveCredentialSet(settings.CredentialKeys, account.CredentialRefs)
	if err != nil {
		code := CodeCredentialMissing
		if errors.Is(err, config.ErrCredentialPlaintext) {
			code = CodeCredentialPlaintext
		}
		return nil, config.PlatformSettings{}, nil, &PlatformError{
			Code:     code,
			Platform: account.Platform,
			Message:  err.Error(),
			Cause:    err,
		}
	}

	session := &Session{
		Platform:    account.Platform,
		AccountID:   account.ID,
		Credentials: creds,
	}
	r.sessions.Store(account.ID, session)
	return adapter, settings, session, nil
}

// callWithResilience composes breaker, pacing, retry, and session refresh
// around one adapter call. The breaker key is platform:account:action.
func callWithResilience[T any](
	ctx context.Context,
	r *Registry,
	account *store.PlatformAccount,
	settings config.PlatformSettings,
	action string,
	op func(ctx context.Context) (T, error),
) (T, error) {
	var zero T
	key := fmt.Sprintf("%s:%s:%s", account.Platform, account.ID, action)
	br := r.breakers.get(key)

	allowed, retryAfter := br.allow()
	if !allowed {
		r.events(EventCircuitOpenFailFast, map[string]any{
			"platform":     account.Platform,
			"accountId":    account.ID,
			"action":       action,
			"retryAfterMs": retryAfter.Milliseconds(),
		})
		return zero, &PlatformError{
			Code:         CodeCircuitOpen,
			Platform:     account.Platform,
			Message:      fmt.Sprintf("circuit open for %s", key),
			RetryAfterMs: retryAfter.Milliseconds(),
		}
	}

	session, _ := r.sessions.Load(account.ID)
	captchaRetries := 0

	cfg := r.retryConfig
	baseShouldRetry := cfg.ShouldRetry
	if baseShouldRetry == nil {
		baseShouldRetry = retry.DefaultShouldRetry
	}
	cfg.ShouldRetry = func(err error, attempt int) bool {
		switch ErrorCode(err) {
		case CodeSessionExpired:
			return true
		case CodeCaptchaRequired, CodeBotChallenge:
			if captchaRetries >= settings.MaxCaptchaRetries {
				return false
			}
			captchaRetries++
			return true
		}
		return baseShouldRetry(err, attempt)
	}
	baseOnRetry := cfg.OnRetry
	cfg.OnRetry = func(err error, attempt int, delay time.Duration) {
		r.events(EventRetryScheduled, map[string]any{
			"platform":  account.Platform,
			"accountId": account.ID,
			"action":    action,
			"attempt":   attempt,
			"delayMs":   delay.Milliseconds(),
			"error":     err.Error(),
		})
		if IsAuthError(err) {
			reason := refreshReason(err)
			r.events(EventSessionRefreshRequested, map[string]any{
				"platform":  account.Platform,
				"accountId": account.ID,
				"reason":    reason,
			})
			if s, ok := session.(*Session); ok {
				if refreshErr := r.sessionManager.Refresh(ctx, s, reason); refreshErr != nil {
					r.logger.Warn("session refresh for %s failed: %v", key, refreshErr)
				}
			}
		}
		if baseOnRetry != nil {
			baseOnRetry(err, attempt, delay)
		}
	}

	result, err := retry.Do(ctx, cfg, func(ctx context.Context) (T, error) {
		minInterval := time.Duration(settings.MinIntervalMs) * time.Millisecond
		jitter := time.Duration(settings.JitterMs) * time.Millisecond
		if _, paceErr := r.pacer.wait(ctx, key, minInterval, jitter); paceErr != nil {
			return zero, paceErr
		}
		out, opErr := op(ctx)
		if opErr != nil {
			return zero, Normalize(account.Platform, opErr)
		}
		return out, nil
	})

	success := err == nil
	priorState := br.currentState()
	br.record(success)
	if !success && priorState != stateOpen && br.currentState() == stateOpen {
		r.events(EventCircuitOpened, map[string]any{
			"platform":  account.Platform,
			"accountId": account.ID,
			"action":    action,
			"error":     err.Error(),
		})
		if r.recorder != nil {
			r.recorder.IncBreakerTransition(account.Platform, action, "open")
		}
	}
	if success && priorState == stateHalfOpen && r.recorder != nil {
		r.recorder.IncBreakerTransition(account.Platform, action, "closed")
	}
	if err != nil {
		return zero, err
	}
	return result, nil
}
