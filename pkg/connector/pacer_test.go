package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPacer() (*pacer, *fakeClock, *[]time.Duration) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	var slept []time.Duration
	p := newPacer(clock.now)
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		clock.advance(d)
		return nil
	}
	p.random = func() float64 { return 0.5 }
	return p, clock, &slept
}

func TestPacerFirstAttemptIsImmediate(t *testing.T) {
	p, _, slept := newTestPacer()

	delay, err := p.wait(context.Background(), "spareroom:acct-1:send", time.Second, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, delay)
	assert.Empty(t, *slept)
}

func TestPacerSpacesConsecutiveAttempts(t *testing.T) {
	p, _, slept := newTestPacer()
	key := "spareroom:acct-1:send"

	_, err := p.wait(context.Background(), key, time.Second, 200*time.Millisecond)
	require.NoError(t, err)

	// minInterval + 0.5 * jitter = 1.1s from the first attempt.
	delay, err := p.wait(context.Background(), key, time.Second, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1100*time.Millisecond, delay)
	assert.Equal(t, []time.Duration{1100 * time.Millisecond}, *slept)
}

func TestPacerElapsedWindowNeedsNoWait(t *testing.T) {
	p, clock, slept := newTestPacer()
	key := "spareroom:acct-1:send"

	_, err := p.wait(context.Background(), key, time.Second, 0)
	require.NoError(t, err)

	clock.advance(5 * time.Second)
	delay, err := p.wait(context.Background(), key, time.Second, 0)
	require.NoError(t, err)
	assert.Zero(t, delay)
	assert.Empty(t, *slept)
}

func TestPacerKeysAreIndependent(t *testing.T) {
	p, _, _ := newTestPacer()

	_, err := p.wait(context.Background(), "spareroom:acct-1:send", time.Second, 0)
	require.NoError(t, err)

	delay, err := p.wait(context.Background(), "roomies:acct-2:send", time.Second, 0)
	require.NoError(t, err)
	assert.Zero(t, delay)
}

func TestPacerPropagatesCancelledSleep(t *testing.T) {
	p, _, _ := newTestPacer()
	p.sleep = func(ctx context.Context, _ time.Duration) error { return context.Canceled }
	key := "spareroom:acct-1:send"

	_, err := p.wait(context.Background(), key, time.Second, 0)
	require.NoError(t, err)

	_, err = p.wait(context.Background(), key, time.Second, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
