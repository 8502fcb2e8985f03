// Package ring holds the bounded queue of encoded Opus frames sitting
// between the encode loop and the paced sender. Producers block when the
// ring is full, consumers block when it is empty, and Shutdown wakes
// every waiter exactly once so both sides can exit.
package ring

import "sync"

// DefaultCapacity is the frame capacity used by the pipeline: 25 frames
// of 40 ms each, one second of audio.
const DefaultCapacity = 25

// Ring is a fixed-capacity FIFO of encoded frames. It is safe for one
// producer and one consumer plus control-plane Shutdown/DrainDiscard.
type Ring struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames [][]byte
	head   int
	count  int
	down   bool
}

func New(capacity int) *Ring {
	r := &Ring{frames: make([][]byte, capacity)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Produce appends a frame, blocking while the ring is full. It returns
// false once the ring has been shut down; the frame is dropped.
func (r *Ring) Produce(frame []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.count == len(r.frames) && !r.down {
		r.cond.Wait()
	}
	if r.down {
		return false
	}
	r.frames[(r.head+r.count)%len(r.frames)] = frame
	r.count++
	r.cond.Broadcast()
	return true
}

// Consume removes the oldest frame, blocking while the ring is empty.
// After Shutdown it keeps draining buffered frames and returns false
// only once the ring is empty.
func (r *Ring) Consume() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.count == 0 && !r.down {
		r.cond.Wait()
	}
	if r.count == 0 {
		return nil, false
	}
	return r.pop(), true
}

// TryConsume removes the oldest frame without blocking.
func (r *Ring) TryConsume() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return nil, false
	}
	return r.pop(), true
}

func (r *Ring) pop() []byte {
	frame := r.frames[r.head]
	r.frames[r.head] = nil
	r.head = (r.head + 1) % len(r.frames)
	r.count--
	r.cond.Broadcast()
	return frame
}

// Len returns the number of buffered frames.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// DrainDiscard throws away every buffered frame. Used by the seek path
// to drop stale audio without emitting it.
func (r *Ring) DrainDiscard() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.count
	for r.count > 0 {
		r.pop()
	}
	return n
}

// Shutdown wakes all waiters. Producers fail immediately; consumers
// drain what is buffered and then observe the shutdown. Idempotent.
func (r *Ring) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.down {
		r.down = true
		r.cond.Broadcast()
	}
}

// Down reports whether Shutdown has been called.
func (r *Ring) Down() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.down
}
