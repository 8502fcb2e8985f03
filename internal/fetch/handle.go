// Package fetch drives all HTTP transfers through one process-wide
// driver: per-task handles are added with a completion callback, can be
// cancelled, and stream their body through a write callback with
// pause/resume, an optional receive-rate cap, and a low-speed guard.
package fetch

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// Code classifies how a transfer completed.
type Code int

const (
	CodeOK Code = iota
	CodeCancelled
	CodeAborted
	CodeTransport
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeCancelled:
		return "cancelled"
	case CodeAborted:
		return "aborted"
	case CodeTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Result is handed to the completion callback, exactly once per handle.
type Result struct {
	Code    Code
	Status  int
	Message string
	Bytes   int64
}

// CompletionFunc receives the transfer result. It is always invoked
// outside the driver's lock.
type CompletionFunc func(Result)

// readChunkSize is the transfer buffer size for one body read.
const readChunkSize = 16 * 1024

// Low-speed guard: abort when throughput stays under 320 kbit/s for a
// full 10 s window. File-mode only; stream mode is paced by the rate
// cap instead. The window is checked each time a body read returns, so
// a transfer that stalls inside a read is not aborted by the guard.
const (
	lowSpeedBytesPerWindow = 320 * 1024 / 8 * 10
	lowSpeedWindowSec      = 10
)

// Handle describes one transfer. Configure it fully before Add; the
// driver owns it afterwards.
type Handle struct {
	URL    string
	Header http.Header
	// Write receives body bytes in arrival order. Returning true asks
	// the driver to pause reception until PauseRecvCont.
	Write func(p []byte) (pause bool)
	// Limiter caps the receive rate (stream mode).
	Limiter *rate.Limiter
	// LowSpeedGuard enables the low-speed abort (file mode).
	LowSpeedGuard bool

	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	woken  bool
}

func NewHandle(url string) *Handle {
	h := &Handle{URL: url, Header: make(http.Header)}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// PauseRecv stops body reception after the current chunk.
func (h *Handle) PauseRecv() {
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
}

// PauseRecvCont resumes a paused reception.
func (h *Handle) PauseRecvCont() {
	h.mu.Lock()
	h.paused = false
	h.mu.Unlock()
	h.cond.Broadcast()
}

// wake interrupts a paused transfer so it can observe cancellation.
func (h *Handle) wake() {
	h.mu.Lock()
	h.woken = true
	h.mu.Unlock()
	h.cond.Broadcast()
}

// waitResumed parks while the handle is paused. Returns the context
// error when the transfer was cancelled meanwhile.
func (h *Handle) waitResumed(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.paused && !h.woken {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.cond.Wait()
	}
	h.woken = false
	return ctx.Err()
}
