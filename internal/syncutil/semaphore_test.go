package syncutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSemaphore_PostThenWait(t *testing.T) {
	t.Parallel()

	s := NewSemaphore()
	s.Post()
	require.True(t, s.TimedWait(time.Second))
	require.False(t, s.TimedWait(20*time.Millisecond))
}

func TestSemaphore_WaitBeforePost(t *testing.T) {
	t.Parallel()

	s := NewSemaphore()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	s.Post()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestSemaphore_CountsPosts(t *testing.T) {
	t.Parallel()

	s := NewSemaphore()
	s.Post()
	s.Post()
	s.Post()
	require.True(t, s.TimedWait(time.Second))
	require.True(t, s.TimedWait(time.Second))
	require.True(t, s.TimedWait(time.Second))
	require.False(t, s.TimedWait(20*time.Millisecond))
}

func TestSemaphore_ClearDiscardsPending(t *testing.T) {
	t.Parallel()

	s := NewSemaphore()
	s.Post()
	s.Post()
	s.Clear()
	require.False(t, s.TimedWait(20*time.Millisecond))

	// Posts after a clear still wake waiters.
	s.Post()
	require.True(t, s.TimedWait(time.Second))
}
