package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"leasebot/pkg/store"
)

// DefaultDriverCommand is the playwright driver binary the exec runner
// shells out to. One invocation performs one action and speaks JSON on
// stdin/stdout.
const DefaultDriverCommand = "leasebot-rpa"

// NewRunner builds the runner for the configured RPA runtime.
func NewRunner(runtime, driverCommand string) (Runner, error) {
	switch runtime {
	case "playwright":
		if driverCommand == "" {
			driverCommand = DefaultDriverCommand
		}
		return &execRunner{command: driverCommand}, nil
	case "mock":
		return NewMockRunner(), nil
	default:
		return nil, fmt.Errorf("unknown RPA runtime %q", runtime)
	}
}

// execRunner drives a platform through an external playwright process. The
// driver receives one JSON request on stdin and writes one JSON response on
// stdout; a non-empty error field carries the raw platform failure text,
// which the registry normalizes.
type execRunner struct {
	command string
}

//nolint:govet // struct alignment optimization not critical for this type
type driverRequest struct {
	Action      string            `json:"action"`
	Platform    string            `json:"platform"`
	AccountID   string            `json:"accountId"`
	EntryURL    string            `json:"entryUrl"`
	Channel     string            `json:"channel,omitempty"`
	Credentials map[string]string `json:"credentials"`
	Outbound    *Outbound         `json:"outbound,omitempty"`
}

type driverResponse struct {
	Messages []store.InboundEnvelope `json:"messages,omitempty"`
	Delivery *Delivery               `json:"delivery,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

func (r *execRunner) Ingest(ctx context.Context, req RunnerRequest) ([]store.InboundEnvelope, error) {
	resp, err := r.invoke(ctx, driverRequest{
		Action:      "ingest",
		Platform:    req.Platform,
		AccountID:   req.AccountID,
		EntryURL:    req.EntryURL,
		Channel:     req.Channel,
		Credentials: req.Credentials,
	})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (r *execRunner) Send(ctx context.Context, req RunnerRequest, outbound Outbound) (Delivery, error) {
	resp, err := r.invoke(ctx, driverRequest{
		Action:      "send",
		Platform:    req.Platform,
		AccountID:   req.AccountID,
		EntryURL:    req.EntryURL,
		Channel:     req.Channel,
		Credentials: req.Credentials,
		Outbound:    &outbound,
	})
	if err != nil {
		return Delivery{}, err
	}
	if resp.Delivery == nil {
		return Delivery{}, fmt.Errorf("driver returned no delivery record")
	}
	return *resp.Delivery, nil
}

func (r *execRunner) Login(ctx context.Context, req RunnerRequest) error {
	_, err := r.invoke(ctx, driverRequest{
		Action:      "login",
		Platform:    req.Platform,
		AccountID:   req.AccountID,
		Credentials: req.Credentials,
	})
	return err
}

func (r *execRunner) invoke(ctx context.Context, req driverRequest) (*driverResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode driver request: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.command, req.Action)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("driver %s %s failed: %v: %s", r.command, req.Action, err, stderr.String())
	}

	var resp driverResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse driver response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return &resp, nil
}

// MockRunner is a scripted in-memory runner for development and tests. Not
// allowed in production; config rejects the mock runtime there.
//
//nolint:govet // struct alignment optimization not critical for this type
type MockRunner struct {
	mu        sync.Mutex
	inbox     map[string][]store.InboundEnvelope // accountID -> pending envelopes
	sendErrs  map[string][]error                 // accountID -> scripted failures, consumed in order
	sent      []Outbound
	logins    int
	sendCount int
}

// NewMockRunner builds an empty scripted runner.
func NewMockRunner() *MockRunner {
	return &MockRunner{
		inbox:    make(map[string][]store.InboundEnvelope),
		sendErrs: make(map[string][]error),
	}
}

// QueueInbound stages envelopes the next Ingest for accountID will return.
func (m *MockRunner) QueueInbound(accountID string, envelopes ...store.InboundEnvelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbox[accountID] = append(m.inbox[accountID], envelopes...)
}

// QueueSendError scripts a failure for the next Send on accountID.
func (m *MockRunner) QueueSendError(accountID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErrs[accountID] = append(m.sendErrs[accountID], err)
}

// Sent returns everything delivered so far.
func (m *MockRunner) Sent() []Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Outbound, len(m.sent))
	copy(out, m.sent)
	return out
}

// Logins returns how many session refreshes ran.
func (m *MockRunner) Logins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logins
}

func (m *MockRunner) Ingest(_ context.Context, req RunnerRequest) ([]store.InboundEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	envelopes := m.inbox[req.AccountID]
	m.inbox[req.AccountID] = nil
	return envelopes, nil
}

func (m *MockRunner) Send(_ context.Context, req RunnerRequest, outbound Outbound) (Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if errs := m.sendErrs[req.AccountID]; len(errs) > 0 {
		err := errs[0]
		m.sendErrs[req.AccountID] = errs[1:]
		return Delivery{}, err
	}
	m.sent = append(m.sent, outbound)
	m.sendCount++
	return Delivery{
		ExternalMessageID: fmt.Sprintf("mock-ext-%d", m.sendCount),
		Channel:           req.Channel,
		ProviderStatus:    "delivered",
	}, nil
}

func (m *MockRunner) Login(_ context.Context, _ RunnerRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins++
	return nil
}
