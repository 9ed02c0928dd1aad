package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errDown    = errors.New("lookup unavailable")
	errMissing = errors.New("not found")
)

func testConfig() Config {
	cfg := DefaultConfig("directory")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	cfg.Ignore = func(err error) bool { return errors.Is(err, errMissing) }
	return cfg
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []State
	)
	cfg := testConfig()
	cfg.OnStateChange = func(_ string, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, to)
	}
	cb, err := New(cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := Do(ctx, cb, func(context.Context) (string, error) { return "", errDown })
		assert.ErrorIs(t, err, errDown)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	_, err = Do(ctx, cb, func(context.Context) (string, error) {
		called = true
		return "ok", nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	cb, err := New(testConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := Do(ctx, cb, func(context.Context) (int, error) { return 0, errMissing })
		assert.ErrorIs(t, err, errMissing)
	}
	assert.Equal(t, StateClosed, cb.State())

	v, err := Do(ctx, cb, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestManager(t *testing.T) {
	m := NewManager(testConfig(), nil)
	a, err := m.GetOrCreate("prescribers")
	require.NoError(t, err)
	again, err := m.GetOrCreate("prescribers")
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, err = m.GetOrCreate("patients")
	require.NoError(t, err)

	statuses := m.HealthStatus()
	require.Len(t, statuses, 2)
	assert.Equal(t, "patients", statuses[0].Name)
	assert.True(t, statuses[1].Healthy)
}
