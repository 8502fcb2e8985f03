package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omni-media/omnistream/internal/metrics"
)

// ErrStopped is returned by Add after Stop.
var ErrStopped = errors.New("fetch: driver stopped")

// Driver is the process-wide transfer multiplexer. One manager
// goroutine dispatches added handles onto bounded transfer goroutines;
// completion callbacks fire exactly once each, outside the lock.
type Driver struct {
	client *http.Client
	logger *zap.Logger

	mu      sync.Mutex
	jobs    map[*Handle]*job
	stopped bool

	queue chan *job
	sem   chan struct{}
	quit  chan struct{}
	wg    sync.WaitGroup
}

type job struct {
	h      *Handle
	cb     CompletionFunc
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	abort  bool
}

func NewDriver(maxConnections int, logger *zap.Logger) *Driver {
	if maxConnections < 1 {
		maxConnections = 1
	}
	d := &Driver{
		client: &http.Client{},
		logger: logger,
		jobs:   make(map[*Handle]*job),
		queue:  make(chan *job, 256),
		sem:    make(chan struct{}, maxConnections),
		quit:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Add registers a handle. The callback fires exactly once when the
// transfer completes, is cancelled, or the driver stops.
func (d *Driver) Add(h *Handle, cb CompletionFunc) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{h: h, cb: cb, ctx: ctx, cancel: cancel}
	d.jobs[h] = j
	d.mu.Unlock()

	d.queue <- j
	return nil
}

// Cancel aborts a handle's transfer. The callback fires with the
// cancelled code; unknown handles are ignored.
func (d *Driver) Cancel(h *Handle) {
	d.mu.Lock()
	j := d.jobs[h]
	d.mu.Unlock()
	if j != nil {
		j.cancel()
		h.wake()
	}
}

// Stop cancels every pending transfer (callbacks fire with the aborted
// code), then joins the manager and all transfer goroutines.
func (d *Driver) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	pending := make([]*job, 0, len(d.jobs))
	for _, j := range d.jobs {
		pending = append(pending, j)
	}
	d.mu.Unlock()

	for _, j := range pending {
		j.abort = true
		j.cancel()
		j.h.wake()
	}
	close(d.quit)
	d.wg.Wait()
}

func (d *Driver) run() {
	defer d.wg.Done()
	for {
		select {
		case j := <-d.queue:
			d.wg.Add(1)
			go d.transfer(j)
		case <-d.quit:
			// Drain whatever was queued; their contexts are already
			// cancelled so they complete as aborted.
			for {
				select {
				case j := <-d.queue:
					d.wg.Add(1)
					go d.transfer(j)
				default:
					return
				}
			}
		}
	}
}

func (d *Driver) complete(j *job, res Result) {
	j.once.Do(func() {
		d.mu.Lock()
		delete(d.jobs, j.h)
		d.mu.Unlock()
		j.cancel()
		j.cb(res)
	})
}

func (d *Driver) interrupted(j *job) Result {
	if j.abort {
		return Result{Code: CodeAborted, Message: "driver stopped"}
	}
	return Result{Code: CodeCancelled, Message: "cancelled"}
}

func (d *Driver) transfer(j *job) {
	defer d.wg.Done()

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-j.ctx.Done():
		d.complete(j, d.interrupted(j))
		return
	}

	h := j.h
	req, err := http.NewRequestWithContext(j.ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		d.complete(j, Result{Code: CodeTransport, Message: fmt.Sprintf("build request: %v", err)})
		return
	}
	for k, vs := range h.Header {
		req.Header[k] = vs
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if j.ctx.Err() != nil {
			d.complete(j, d.interrupted(j))
			return
		}
		d.complete(j, Result{Code: CodeTransport, Message: err.Error()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		d.complete(j, Result{Code: CodeTransport, Status: resp.StatusCode,
			Message: fmt.Sprintf("http status %d", resp.StatusCode)})
		return
	}

	var (
		total       int64
		windowStart = time.Now()
		windowBytes int64
		buf         = make([]byte, readChunkSize)
	)
	for {
		if err := h.waitResumed(j.ctx); err != nil {
			d.complete(j, d.interrupted(j))
			return
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			windowBytes += int64(n)
			metrics.FetchBytesTotal.Add(float64(n))
			if h.Write != nil && h.Write(buf[:n]) {
				h.PauseRecv()
			}
			if h.Limiter != nil {
				if werr := h.Limiter.WaitN(j.ctx, n); werr != nil {
					d.complete(j, d.interrupted(j))
					return
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				d.complete(j, Result{Code: CodeOK, Status: resp.StatusCode, Bytes: total})
				return
			}
			if j.ctx.Err() != nil {
				d.complete(j, d.interrupted(j))
				return
			}
			d.complete(j, Result{Code: CodeTransport, Status: resp.StatusCode, Message: err.Error(), Bytes: total})
			return
		}

		if h.LowSpeedGuard && time.Since(windowStart) >= lowSpeedWindowSec*time.Second {
			if windowBytes < lowSpeedBytesPerWindow {
				d.logger.Warn("low speed abort",
					zap.String("url", h.URL),
					zap.Int64("windowBytes", windowBytes))
				d.complete(j, Result{Code: CodeTransport, Status: resp.StatusCode,
					Message: "low speed abort", Bytes: total})
				return
			}
			windowStart = time.Now()
			windowBytes = 0
		}
	}
}
