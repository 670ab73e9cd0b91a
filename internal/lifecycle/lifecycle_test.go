package lifecycle

import (
	"sync"
	"testing"
	"time"

	"github.com/npiesco/absurder/internal/absurderr"
	"github.com/stretchr/testify/require"
)

func TestEnterRejectedBeforeLive(t *testing.T) {
	c := New()
	_, err := c.Enter()
	require.ErrorIs(t, err, absurderr.Aborted)
}

func TestEnterAdmittedWhenLive(t *testing.T) {
	c := New()
	c.MarkLive()
	a, err := c.Enter()
	require.NoError(t, err)
	c.Release(a)
}

func TestBeginDrainIdempotentWhenNotLive(t *testing.T) {
	c := New()
	require.False(t, c.BeginDrain(), "cannot drain from Initializing")
	c.MarkLive()
	require.True(t, c.BeginDrain())
	require.False(t, c.BeginDrain(), "already draining")
}

func TestWaitDrainedBlocksUntilInFlightZero(t *testing.T) {
	c := New()
	c.MarkLive()

	a, err := c.Enter()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c.BeginDrain()
		c.WaitDrained()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitDrained returned before in-flight operation released")
	case <-time.After(50 * time.Millisecond):
	}

	c.Release(a)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitDrained never returned after release")
	}
}

func TestEnterRejectedDuringDraining(t *testing.T) {
	c := New()
	c.MarkLive()
	c.BeginDrain()

	_, err := c.Enter()
	require.ErrorIs(t, err, absurderr.Aborted)
}

func TestMarkClosedAfterDrain(t *testing.T) {
	c := New()
	c.MarkLive()
	c.BeginDrain()
	c.WaitDrained()
	c.MarkClosed()
	require.Equal(t, Closed, c.State())

	_, err := c.Enter()
	require.ErrorIs(t, err, absurderr.Aborted)
}

func TestEnterConcurrentWithDrainNeverLeavesNegativeInFlight(t *testing.T) {
	c := New()
	c.MarkLive()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := c.Enter()
			if err == nil {
				c.Release(a)
			}
		}()
	}
	c.BeginDrain()
	wg.Wait()
	c.WaitDrained()
	require.Equal(t, int64(0), c.inflight.Load())
}

func TestCallbackArenaRegisterDispatchUnregister(t *testing.T) {
	a := NewCallbackArena[func(int)]()
	var calls []int
	h1 := a.Register(func(n int) { calls = append(calls, n) })
	_ = a.Register(func(n int) { calls = append(calls, n*10) })

	a.Each(func(handle int, cb func(int)) { cb(1) })
	require.ElementsMatch(t, []int{1, 10}, calls)

	a.Unregister(h1)
	calls = nil
	a.Each(func(handle int, cb func(int)) { cb(2) })
	require.Equal(t, []int{20}, calls)
}

func TestCallbackArenaClear(t *testing.T) {
	a := NewCallbackArena[func()]()
	a.Register(func() {})
	a.Register(func() {})
	require.Equal(t, 2, a.Len())
	a.Clear()
	require.Equal(t, 0, a.Len())
}
