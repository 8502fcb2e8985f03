package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletionSetIdempotent(t *testing.T) {
	c := NewCompletion()
	assert.False(t, c.Done())

	c.Set()
	c.Set()
	assert.True(t, c.Done())
	require.NoError(t, c.Wait(context.Background()))
}

func TestCompletionWakesAllWaiters(t *testing.T) {
	c := NewCompletion()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Wait(context.Background())
		}()
	}
	c.Set()
	wg.Wait()
}

func TestCompletionWaitHonorsContext(t *testing.T) {
	c := NewCompletion()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)
}

func TestSignalSetResetCycle(t *testing.T) {
	s := NewSignal()
	assert.False(t, s.IsSet())

	s.Set()
	assert.True(t, s.IsSet())
	require.NoError(t, s.Wait(context.Background()))

	s.Reset()
	assert.False(t, s.IsSet())

	// A waiter parked across Reset must be released by the next Set.
	done := make(chan struct{})
	go func() {
		_ = s.Wait(context.Background())
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	s.Set()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Set")
	}
}

func TestSignalResetWithoutSetIsNoop(t *testing.T) {
	s := NewSignal()
	s.Reset()
	assert.False(t, s.IsSet())
}
