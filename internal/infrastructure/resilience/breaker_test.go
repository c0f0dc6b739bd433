package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tripAfter(n uint32) func(Counts) bool {
	return func(counts Counts) bool { return counts.ConsecutiveFailures >= n }
}

func fail(b *Breaker) {
	_, _ = b.Execute(func() (any, error) { return nil, errors.New("boom") })
}

func succeed(t *testing.T, b *Breaker) {
	t.Helper()
	_, err := b.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err)
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b := New("test", Settings{})
	for i := 0; i < 5; i++ {
		succeed(t, b)
	}
	assert.Equal(t, StateClosed, b.State())

	counts := b.Counts()
	assert.Equal(t, uint32(5), counts.Requests)
	assert.Equal(t, uint32(5), counts.ConsecutiveSuccesses)
	assert.Equal(t, uint32(0), counts.TotalFailures)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("test", Settings{ReadyToTrip: tripAfter(3)})

	fail(b)
	fail(b)
	assert.Equal(t, StateClosed, b.State())
	fail(b)
	assert.Equal(t, StateOpen, b.State())

	_, err := b.Execute(func() (any, error) { return "ok", nil })
	assert.Equal(t, ErrCircuitOpen, err)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := New("test", Settings{ReadyToTrip: tripAfter(3)})

	fail(b)
	fail(b)
	succeed(t, b)
	fail(b)
	fail(b)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New("test", Settings{
		MaxRequests: 2,
		Timeout:     30 * time.Millisecond,
		ReadyToTrip: tripAfter(2),
	})

	fail(b)
	fail(b)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(40 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	succeed(t, b)
	succeed(t, b)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("test", Settings{
		Timeout:     30 * time.Millisecond,
		ReadyToTrip: tripAfter(1),
	})

	fail(b)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(40 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	fail(b)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenProbeBudget(t *testing.T) {
	b := New("test", Settings{
		MaxRequests: 1,
		Timeout:     30 * time.Millisecond,
		ReadyToTrip: tripAfter(1),
	})

	fail(b)
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = b.Execute(func() (any, error) {
			close(started)
			<-release
			return "ok", nil
		})
	}()

	// The single probe slot is taken; a second call is rejected.
	<-started
	assert.Eventually(t, func() bool {
		_, err := b.Execute(func() (any, error) { return "ok", nil })
		return err == ErrTooManyRequests
	}, time.Second, 5*time.Millisecond)

	close(release)
	<-done
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	b := New("test", Settings{
		Timeout:     10 * time.Millisecond,
		ReadyToTrip: tripAfter(1),
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	fail(b)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	assert.Contains(t, transitions, "closed->open")
	assert.Contains(t, transitions, "open->half-open")
}
