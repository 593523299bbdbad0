package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextTimes(t *testing.T) {
	s := NewAlignedScheduler(context.Background(), time.Minute, 5*time.Second)

	now := time.Date(2024, 3, 1, 12, 30, 40, 0, time.UTC)
	boundary, wakeAt, wait := s.nextTimes(now)

	assert.Equal(t, time.Date(2024, 3, 1, 12, 31, 0, 0, time.UTC), boundary)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 31, 5, 0, time.UTC), wakeAt)
	assert.Equal(t, 25*time.Second, wait)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewAlignedScheduler(ctx, time.Hour, 0)

	done := make(chan struct{})
	go func() {
		s.Start(func() {})
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not exit after cancellation")
	}
}

func TestRunImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewAlignedScheduler(ctx, time.Hour, 0)
	s.RunImmediately = true

	ran := make(chan struct{}, 1)
	go s.Start(func() {
		select {
		case ran <- struct{}{}:
		default:
		}
		cancel()
	})

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("immediate task never ran")
	}
}

func TestStartRejectsInvalidSetup(t *testing.T) {
	require.NotPanics(t, func() {
		NewAlignedScheduler(context.Background(), 0, 0).Start(func() {})
	})
	require.NotPanics(t, func() {
		NewAlignedScheduler(context.Background(), time.Minute, 0).Start(nil)
	})
}
