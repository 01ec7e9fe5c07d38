package freshness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureRefreshIsNoOpWhileInFlight(t *testing.T) {
	c := NewCoordinator()
	release := make(chan struct{})
	var calls atomic.Int32
	fn := func() error {
		calls.Add(1)
		<-release
		return nil
	}

	require.True(t, c.EnsureRefresh("k", fn))
	assert.True(t, c.InFlight("k"))
	for i := 0; i < 10; i++ {
		assert.False(t, c.EnsureRefresh("k", fn))
	}

	close(release)
	require.Eventually(t, func() bool { return !c.InFlight("k") }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())

	// admitted again once the previous fetch settled
	assert.True(t, c.EnsureRefresh("k", func() error { calls.Add(1); return nil }))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestEnsureRefreshRacingCallersStartOneFetch(t *testing.T) {
	c := NewCoordinator()
	release := make(chan struct{})
	var calls atomic.Int32
	var started atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.EnsureRefresh("k", func() error { calls.Add(1); <-release; return nil }) {
				started.Add(1)
			}
		}()
	}
	wg.Wait()
	close(release)

	assert.EqualValues(t, 1, started.Load())
	require.Eventually(t, func() bool { return !c.InFlight("k") }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRefreshJoinsBackgroundFetch(t *testing.T) {
	c := NewCoordinator()
	release := make(chan struct{})
	boom := errors.New("boom")

	require.True(t, c.EnsureRefresh("k", func() error { <-release; return boom }))

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	err := c.Refresh(context.Background(), "k", func() error {
		t.Error("joined caller must not start its own fetch")
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestRefreshRecoversPanics(t *testing.T) {
	c := NewCoordinator()
	err := c.Refresh(context.Background(), "k", func() error { panic("bad row") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad row")
	assert.False(t, c.InFlight("k"))
}
