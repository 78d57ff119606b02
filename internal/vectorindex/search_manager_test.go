package vectorindex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentSearchManager_AcquireRelease_FreesSlot(t *testing.T) {
	m := NewConcurrentSearchManager(1)
	release, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, m.InFlight())
	release()
	assert.Equal(t, 0, m.InFlight())
}

func TestConcurrentSearchManager_IsUnderPressure_WhenSaturated(t *testing.T) {
	m := NewConcurrentSearchManager(1)
	release, err := m.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	assert.True(t, m.IsUnderPressure())
}

func TestConcurrentSearchManager_Acquire_RespectsContextCancellation(t *testing.T) {
	m := NewConcurrentSearchManager(1)
	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx)
	require.Error(t, err)
}

func TestConcurrentSearchManager_ReleaseIsIdempotent(t *testing.T) {
	m := NewConcurrentSearchManager(2)
	release, err := m.Acquire(context.Background())
	require.NoError(t, err)
	release()
	release()
	assert.Equal(t, 0, m.InFlight())
}
