package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hraban/opus"
	"go.uber.org/zap"

	"github.com/omni-media/omnistream/internal/decode"
	"github.com/omni-media/omnistream/internal/event"
	"github.com/omni-media/omnistream/internal/fetch"
	"github.com/omni-media/omnistream/internal/metrics"
	"github.com/omni-media/omnistream/internal/playlist"
	"github.com/omni-media/omnistream/internal/ring"
	"github.com/omni-media/omnistream/internal/rtpout"
)

// Pipeline constants: one Opus frame is 40 ms of 48 kHz audio.
const (
	opusFrameMS      = 40
	opusFrameSamples = rtpout.ClockRate * opusFrameMS / 1000 // per channel
	ringCapacity     = ring.DefaultCapacity

	// backlogBytes is how much source data must be buffered before
	// format resolution starts; avoids false-start errors on slow
	// links.
	backlogBytes = 480 * 1024

	// maxConsecutiveCycleErrors halts the instance.
	maxConsecutiveCycleErrors = 4
)

var errStopped = errors.New("engine: instance stopped")

// ErrNoTask is returned by task-scoped operations when nothing is
// playing.
var ErrNoTask = errors.New("engine: no running task")

// Instance is one stream: a play list, one RTP destination, one active
// task at a time, and the four pipeline goroutines.
type Instance struct {
	ID string

	logger *zap.Logger
	driver *fetch.Driver
	rtp    *rtpout.Session
	list   *playlist.Manager
	props  *AudioProps
	ring   *ring.Ring

	bufferSize int

	// Pipeline wakeups.
	newDownload   *event.Signal
	feedDecoder   *event.Signal
	stateUpdate   *event.Signal
	readCycleDone *event.Signal
	dropRing      atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool

	curMu   sync.Mutex
	current *RunningTask

	// decMu guards the decoder against concurrent pull and reset.
	decMu sync.Mutex
	dec   decode.Decoder

	encMu       sync.Mutex
	enc         *opus.Encoder
	encChannels int

	onRemove func(id string)
	publish  func(streamID string, playList bool)
}

// Options carries the process-level knobs an instance needs.
type Options struct {
	DefaultBufferSize int
}

// NewInstance wires a stream around an open RTP session. Call Run to
// start the pipeline.
func NewInstance(id string, rtp *rtpout.Session, driver *fetch.Driver, opts Options, logger *zap.Logger) *Instance {
	ctx, cancel := context.WithCancel(context.Background())
	return &Instance{
		ID:            id,
		logger:        logger.With(zap.String("stream", id)),
		driver:        driver,
		rtp:           rtp,
		list:          playlist.New(playlist.RoundRobin),
		props:         newAudioProps(),
		ring:          ring.New(ringCapacity),
		bufferSize:    opts.DefaultBufferSize,
		newDownload:   event.NewSignal(),
		feedDecoder:   event.NewSignal(),
		stateUpdate:   event.NewSignal(),
		readCycleDone: event.NewSignal(),
		ctx:           ctx,
		cancel:        cancel,
		publish:       func(string, bool) {},
		onRemove:      func(string) {},
	}
}

// Playlist exposes the play-list manager for control operations.
func (inst *Instance) Playlist() *playlist.Manager { return inst.list }

// SetRemoveCallback installs the registry's self-removal hook.
func (inst *Instance) SetRemoveCallback(fn func(id string)) {
	if fn != nil {
		inst.onRemove = fn
	}
}

// SetPublishFunc installs the state-event publisher.
func (inst *Instance) SetPublishFunc(fn func(streamID string, playList bool)) {
	if fn != nil {
		inst.publish = fn
	}
}

// Run starts the pipeline goroutines.
func (inst *Instance) Run() {
	inst.wg.Add(4)
	go inst.runFetcher()
	go inst.runProducer()
	go inst.runConsumer()
	go inst.runSender()
}

// Stop tears the instance down: in-flight HTTP is cancelled, all task
// waiters unblock, the ring is signalled, and the sender exits once the
// ring runs dry. Idempotent and asynchronous; the RTP session closes
// after the goroutines finish.
func (inst *Instance) Stop() {
	if !inst.stopped.CompareAndSwap(false, true) {
		return
	}
	inst.logger.Info("stopping stream")
	inst.cancel()

	if rt := inst.currentTask(); rt != nil {
		if rt.Handle != nil {
			inst.driver.Cancel(rt.Handle)
		}
		rt.Src.Fail(errStopped)
		rt.DownloadDone.Set()
		rt.ReadDone.Set()
	}
	inst.newDownload.Set()
	inst.feedDecoder.Set()
	inst.stateUpdate.Set()
	inst.readCycleDone.Set()
	inst.ring.Shutdown()

	go func() {
		inst.wg.Wait()
		inst.rtp.Close()
		inst.logger.Info("stream stopped")
	}()
}

// StopAndWait stops and blocks until the pipeline has exited.
func (inst *Instance) StopAndWait() {
	inst.Stop()
	inst.wg.Wait()
}

func (inst *Instance) isStopped() bool { return inst.stopped.Load() }

func (inst *Instance) currentTask() *RunningTask {
	inst.curMu.Lock()
	defer inst.curMu.Unlock()
	return inst.current
}

func (inst *Instance) setCurrentTask(rt *RunningTask) {
	inst.curMu.Lock()
	inst.current = rt
	inst.curMu.Unlock()
}

func (inst *Instance) setDecoder(dec decode.Decoder) {
	inst.decMu.Lock()
	inst.dec = dec
	inst.decMu.Unlock()
}

// configureEncoder (re)creates the Opus encoder for the published
// channel count: complexity 10, FEC off, bitrate from the channel
// description.
func (inst *Instance) configureEncoder(channels int) error {
	inst.encMu.Lock()
	defer inst.encMu.Unlock()
	if inst.enc != nil && inst.encChannels == channels {
		return nil
	}
	enc, err := opus.NewEncoder(rtpout.ClockRate, channels, opus.AppAudio)
	if err != nil {
		return fmt.Errorf("create opus encoder: %w", err)
	}
	if br := inst.rtp.Info().Bitrate; br > 0 {
		if err := enc.SetBitrate(br); err != nil {
			return fmt.Errorf("set opus bitrate: %w", err)
		}
	}
	if err := enc.SetComplexity(10); err != nil {
		return fmt.Errorf("set opus complexity: %w", err)
	}
	if err := enc.SetInBandFEC(false); err != nil {
		return fmt.Errorf("disable opus fec: %w", err)
	}
	inst.enc = enc
	inst.encChannels = channels
	return nil
}

func (inst *Instance) encoder() (*opus.Encoder, int) {
	inst.encMu.Lock()
	defer inst.encMu.Unlock()
	return inst.enc, inst.encChannels
}

// doSkip flushes the current cycle: the transfer is cancelled, the
// decode feed is disarmed, and the producer is released to retire the
// task. Frames already in the ring may still emit.
func (inst *Instance) doSkip(user bool) bool {
	rt := inst.currentTask()
	if rt == nil {
		return false
	}
	inst.logger.Info("skip requested", zap.String("task", rt.Task.Name), zap.Bool("manual", user))
	rt.MarkSkip(user)
	if rt.Handle != nil {
		inst.driver.Cancel(rt.Handle)
	}
	rt.SetPhase(PhaseDownloadAndWriteFinished)
	inst.feedDecoder.Reset()
	rt.Src.CloseEOF()
	inst.readCycleDone.Set()
	return true
}

// Seek repositions the current decoder, updates the sample cursor, and
// arms the one-shot ring drop so stale frames never reach the wire.
func (inst *Instance) Seek(seconds float64) error {
	inst.decMu.Lock()
	dec := inst.dec
	if dec == nil {
		inst.decMu.Unlock()
		return ErrNoTask
	}
	err := dec.Seek(seconds)
	cur := dec.CurrentSamples()
	inst.decMu.Unlock()
	if err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	inst.props.setCurrentSamples(cur)
	inst.dropRing.Store(true)
	return nil
}

// Skip applies an absolute and/or relative play-list jump, then flushes
// the current cycle so the fetcher picks up the new position.
func (inst *Instance) Skip(next string, offset int) error {
	if next != "" {
		if err := inst.list.SkipTo(next); err != nil {
			return err
		}
	}
	if offset != 0 {
		if err := inst.list.SkipRelative(offset); err != nil {
			return err
		}
	}
	inst.doSkip(true)
	return nil
}

func (inst *Instance) SetPlayState(s PlayState) {
	inst.props.SetPlayState(s)
	inst.stateUpdate.Set()
}

func (inst *Instance) SetPlayMode(m playlist.Mode) {
	inst.list.SetMode(m)
}

func (inst *Instance) SetVolume(v float64) {
	inst.props.SetVolume(v)
}

// Status is the control-surface view of the stream.
type Status struct {
	Current      *playlist.Task
	TimePlayedMS int64
	TimeTotalMS  int64
	PlayState    PlayState
	Volume       float64
	Mode         playlist.Mode
}

func (inst *Instance) Status() Status {
	st := Status{
		PlayState: inst.props.PlayState(),
		Volume:    inst.props.Volume(),
		Mode:      inst.list.GetMode(),
	}
	if rt := inst.currentTask(); rt != nil {
		task := rt.Task
		st.Current = &task
	}
	st.TimePlayedMS, st.TimeTotalMS = inst.props.times()
	return st
}

func (inst *Instance) publishState()    { inst.publish(inst.ID, false) }
func (inst *Instance) publishPlaylist() { inst.publish(inst.ID, true) }

func cycleOutcome(rt *RunningTask) string {
	switch {
	case rt.ReadError() != nil:
		return rt.ReadError().Kind.String()
	case rt.UserSkip():
		return "skipped"
	case rt.ShouldSkip():
		return "transport_error"
	default:
		return "ok"
	}
}

func recordCycle(rt *RunningTask) {
	metrics.TaskCyclesTotal.WithLabelValues(cycleOutcome(rt)).Inc()
}
