package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, Timeout: time.Hour}, nil)

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := b.Execute(func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, Open, b.State())

	err := b.Execute(func() error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open")
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Millisecond}, nil)

	require.Error(t, b.Execute(func() error { return errors.New("boom") }))
	assert.Equal(t, Open, b.State())

	time.Sleep(2 * time.Millisecond)

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Millisecond}, nil)

	require.Error(t, b.Execute(func() error { return errors.New("boom") }))
	time.Sleep(2 * time.Millisecond)

	require.Error(t, b.Execute(func() error { return errors.New("still broken") }))
	assert.Equal(t, Open, b.State())
}

func TestBreaker_ClosedStaysClosedOnSuccess(t *testing.T) {
	b := New(Config{}, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Execute(func() error { return nil }))
	}
	assert.Equal(t, Closed, b.State())
}
