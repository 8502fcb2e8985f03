package ring

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrder(t *testing.T) {
	r := New(4)
	r.Produce([]byte{1})
	r.Produce([]byte{2})
	r.Produce([]byte{3})

	for want := byte(1); want <= 3; want++ {
		frame, ok := r.Consume()
		require.True(t, ok)
		assert.Equal(t, want, frame[0])
	}
	assert.Equal(t, 0, r.Len())
}

func TestProduceBlocksAtCapacity(t *testing.T) {
	r := New(2)
	require.True(t, r.Produce([]byte{1}))
	require.True(t, r.Produce([]byte{2}))

	unblocked := make(chan struct{})
	go func() {
		r.Produce([]byte{3})
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("Produce returned while ring was full")
	case <-time.After(30 * time.Millisecond):
	}

	_, ok := r.Consume()
	require.True(t, ok)
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("Produce not released after Consume")
	}
	assert.Equal(t, 2, r.Len())
}

func TestConsumeBlocksWhenEmpty(t *testing.T) {
	r := New(2)
	got := make(chan []byte, 1)
	go func() {
		frame, _ := r.Consume()
		got <- frame
	}()

	select {
	case <-got:
		t.Fatal("Consume returned on empty ring")
	case <-time.After(30 * time.Millisecond):
	}

	r.Produce([]byte{9})
	select {
	case frame := <-got:
		assert.Equal(t, byte(9), frame[0])
	case <-time.After(time.Second):
		t.Fatal("Consume not released after Produce")
	}
}

func TestShutdownWakesAllWaiters(t *testing.T) {
	// A consumer parks on an empty ring and a producer on a full one, so
	// each side waits on its own ring.
	empty := New(1)
	full := New(1)
	var wg sync.WaitGroup

	// Parked consumer.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, ok := empty.Consume()
		assert.False(t, ok)
	}()

	// Parked producer behind a full ring.
	full.Produce([]byte{1})
	wg.Add(1)
	go func() {
		defer wg.Done()
		ok := full.Produce([]byte{2})
		assert.False(t, ok)
	}()

	time.Sleep(20 * time.Millisecond)
	empty.Shutdown()
	empty.Shutdown() // idempotent
	full.Shutdown()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters not released by Shutdown")
	}
}

func TestConsumeDrainsAfterShutdown(t *testing.T) {
	r := New(4)
	r.Produce([]byte{1})
	r.Produce([]byte{2})
	r.Shutdown()

	_, ok := r.Consume()
	require.True(t, ok)
	_, ok = r.Consume()
	require.True(t, ok)
	_, ok = r.Consume()
	assert.False(t, ok)
}

func TestDrainDiscard(t *testing.T) {
	r := New(4)
	r.Produce([]byte{1})
	r.Produce([]byte{2})
	assert.Equal(t, 2, r.DrainDiscard())
	assert.Equal(t, 0, r.Len())
}
