package engine

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/omni-media/omnistream/internal/fetch"
	"github.com/omni-media/omnistream/internal/metrics"
	"github.com/omni-media/omnistream/internal/playlist"
	"github.com/omni-media/omnistream/internal/rtpout"
)

var (
	ErrStreamExists   = errors.New("engine: stream already exists")
	ErrStreamNotFound = errors.New("engine: stream not found")
)

// Registry owns every stream instance, addressed by its string id.
type Registry struct {
	driver *fetch.Driver
	opts   Options
	logger *zap.Logger

	mu sync.RWMutex
	m  map[string]*Instance

	publish func(streamID string, playList bool)
}

func NewRegistry(driver *fetch.Driver, opts Options, logger *zap.Logger) *Registry {
	return &Registry{
		driver:  driver,
		opts:    opts,
		logger:  logger,
		m:       make(map[string]*Instance),
		publish: func(string, bool) {},
	}
}

// SetPublishFunc installs the control plane's event publisher; it must
// be set before the first StartStream.
func (r *Registry) SetPublishFunc(fn func(streamID string, playList bool)) {
	if fn != nil {
		r.publish = fn
	}
}

// Publish emits a state event for a stream through the installed
// publisher.
func (r *Registry) Publish(id string, playList bool) {
	r.publish(id, playList)
}

// Count returns the number of live instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// Get looks up an instance by id.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.m[id]
	return inst, ok
}

// StartStream creates, registers, and runs a stream instance for the
// given destination with its initial play list.
func (r *Registry) StartStream(id string, info rtpout.StreamInfo, tasks []playlist.Task, order []string) error {
	r.mu.Lock()
	if _, ok := r.m[id]; ok {
		r.mu.Unlock()
		return ErrStreamExists
	}
	r.mu.Unlock()

	sess, err := rtpout.Dial(info, r.logger)
	if err != nil {
		return fmt.Errorf("start stream %s: %w", id, err)
	}

	inst := NewInstance(id, sess, r.driver, r.opts, r.logger)
	inst.SetPublishFunc(r.publish)
	inst.SetRemoveCallback(func(removeID string) { r.remove(removeID, inst) })
	if len(order) > 0 {
		if err := inst.Playlist().Update(tasks, order); err != nil {
			sess.Close()
			return err
		}
	}

	r.mu.Lock()
	if _, ok := r.m[id]; ok {
		r.mu.Unlock()
		sess.Close()
		return ErrStreamExists
	}
	r.m[id] = inst
	r.mu.Unlock()

	metrics.ActiveStreams.Inc()
	metrics.StreamsStartedTotal.Inc()
	inst.Run()
	r.publish(id, true)
	r.logger.Info("stream started",
		zap.String("stream", id),
		zap.String("dest", fmt.Sprintf("%s:%d", info.IP, info.Port)),
		zap.Int("tasks", len(order)))
	return nil
}

// StopStream tears a stream down and removes it. Stopping an already
// removed stream reports not-found; the teardown itself is idempotent.
func (r *Registry) StopStream(id string) error {
	r.mu.Lock()
	inst, ok := r.m[id]
	if ok {
		delete(r.m, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrStreamNotFound
	}
	metrics.ActiveStreams.Dec()
	inst.Stop()
	return nil
}

// remove is the instance self-removal hook (error-threshold halt).
func (r *Registry) remove(id string, inst *Instance) {
	r.mu.Lock()
	cur, ok := r.m[id]
	if ok && cur == inst {
		delete(r.m, id)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		metrics.ActiveStreams.Dec()
		r.logger.Warn("stream removed after repeated errors", zap.String("stream", id))
	}
}

// UpdatePlaylist atomically replaces a stream's play list and returns
// the new order.
func (r *Registry) UpdatePlaylist(id string, tasks []playlist.Task, order []string) ([]string, error) {
	inst, ok := r.Get(id)
	if !ok {
		return nil, ErrStreamNotFound
	}
	if err := inst.Playlist().Update(tasks, order); err != nil {
		return nil, err
	}
	r.publish(id, true)
	return inst.Playlist().Order(), nil
}

// Shutdown stops every instance and waits for their pipelines.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.m))
	for _, inst := range r.m {
		instances = append(instances, inst)
	}
	r.m = make(map[string]*Instance)
	r.mu.Unlock()

	for _, inst := range instances {
		inst.StopAndWait()
	}
	metrics.ActiveStreams.Set(0)
	r.logger.Info("registry shutdown complete")
}
