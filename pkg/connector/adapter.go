package connector

import (
	"context"
	"fmt"
	"time"

	"leasebot/pkg/store"
)

// Session is an authenticated platform session handed to adapters. The
// registry owns the lifecycle; adapters treat it as opaque state plus the
// resolved credentials.
//
//nolint:govet // struct alignment optimization not critical for this type
type Session struct {
	Platform    string
	AccountID   string
	Credentials map[string]string
	RefreshedAt time.Time
	Generation  int
}

// Outbound is the reply payload an adapter delivers.
type Outbound struct {
	ExternalThreadID string
	Body             string
}

// Delivery is the provider acknowledgment for a sent reply.
type Delivery struct {
	ExternalMessageID string
	Channel           string
	ProviderStatus    string
}

// Adapter is the per-platform automation contract. Implementations drive
// the platform's messaging surface through a Runner and return normalized
// shapes; error normalization happens in the registry.
type Adapter interface {
	Platform() string
	Ingest(ctx context.Context, session *Session) ([]store.InboundEnvelope, error)
	Send(ctx context.Context, session *Session, outbound Outbound) (Delivery, error)
}

// Runner executes browser automation against a platform. The playwright
// runtime drives a real browser; tests substitute a scripted runner.
type Runner interface {
	// Ingest pulls unread thread messages from the platform inbox.
	Ingest(ctx context.Context, req RunnerRequest) ([]store.InboundEnvelope, error)
	// Send posts a reply into a platform thread.
	Send(ctx context.Context, req RunnerRequest, outbound Outbound) (Delivery, error)
	// Login establishes a fresh authenticated session.
	Login(ctx context.Context, req RunnerRequest) error
}

// RunnerRequest scopes one automation run.
//
//nolint:govet // struct alignment optimization not critical for this type
type RunnerRequest struct {
	Platform    string
	AccountID   string
	Credentials map[string]string
	EntryURL    string
	Channel     string
}

// SessionManager refreshes platform sessions when captcha or auth failures
// interrupt a call.
type SessionManager interface {
	Refresh(ctx context.Context, session *Session, reason string) error
}

// runnerSessionManager refreshes by re-running the platform login flow.
type runnerSessionManager struct {
	runner Runner
	now    func() time.Time
}

func (m *runnerSessionManager) Refresh(ctx context.Context, session *Session, reason string) error {
	err := m.runner.Login(ctx, RunnerRequest{
		Platform:    session.Platform,
		AccountID:   session.AccountID,
		Credentials: session.Credentials,
	})
	if err != nil {
		return fmt.Errorf("session refresh (%s) failed: %w", reason, err)
	}
	session.RefreshedAt = m.now()
	session.Generation++
	return nil
}

// platformAdapter is the shared adapter shape: each platform differs only in
// its entry URL and message channel.
type platformAdapter struct {
	platform string
	entryURL string
	channel  string
	runner   Runner
}

func (a *platformAdapter) Platform() string { return a.platform }

func (a *platformAdapter) Ingest(ctx context.Context, session *Session) ([]store.InboundEnvelope, error) {
	return a.runner.Ingest(ctx, a.request(session))
}

func (a *platformAdapter) Send(ctx context.Context, session *Session, outbound Outbound) (Delivery, error) {
	delivery, err := a.runner.Send(ctx, a.request(session), outbound)
	if err != nil {
		return Delivery{}, err
	}
	if delivery.Channel == "" {
		delivery.Channel = a.channel
	}
	return delivery, nil
}

func (a *platformAdapter) request(session *Session) RunnerRequest {
	return RunnerRequest{
		Platform:    a.platform,
		AccountID:   session.AccountID,
		Credentials: session.Credentials,
		EntryURL:    a.entryURL,
		Channel:     a.channel,
	}
}

// buildAdapters wires the fixed platform set. Entry URLs point at each
// platform's message inbox.
func buildAdapters(runner Runner) map[string]Adapter {
	return map[string]Adapter{
		store.PlatformSpareroom: &platformAdapter{
			platform: store.PlatformSpareroom,
			entryURL: "https://www.spareroom.com/flatshare/mythreads",
			channel:  "spareroom_messages",
			runner:   runner,
		},
		store.PlatformRoomies: &platformAdapter{
			platform: store.PlatformRoomies,
			entryURL: "https://www.roomies.com/conversations",
			channel:  "roomies_messages",
			runner:   runner,
		},
		store.PlatformLeasebreak: &platformAdapter{
			platform: store.PlatformLeasebreak,
			entryURL: "https://www.leasebreak.com/account/messages",
			channel:  "leasebreak_messages",
			runner:   runner,
		},
		store.PlatformRenthop: &platformAdapter{
			platform: store.PlatformRenthop,
			entryURL: "https://www.renthop.com/inbox",
			channel:  "renthop_messages",
			runner:   runner,
		},
		store.PlatformFurnishedFinder: &platformAdapter{
			platform: store.PlatformFurnishedFinder,
			entryURL: "https://www.furnishedfinder.com/members/messages",
			channel:  "furnishedfinder_messages",
			runner:   runner,
		},
	}
}
