// Package engine hosts the per-stream pipeline: the fetcher loop pulling
// tasks off the play list, the producer driving each task's lifecycle,
// the consumer decoding/converting/encoding, and the paced RTP sender.
package engine

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/omni-media/omnistream/internal/bytesource"
	"github.com/omni-media/omnistream/internal/decode"
	"github.com/omni-media/omnistream/internal/event"
	"github.com/omni-media/omnistream/internal/fetch"
	"github.com/omni-media/omnistream/internal/playlist"
)

type PlayState int

const (
	Playing PlayState = iota
	Paused
)

func (p PlayState) String() string {
	if p == Paused {
		return "paused"
	}
	return "playing"
}

// Phase tracks a running task through its cycle.
type Phase int32

const (
	PhaseDownloading Phase = iota
	PhaseDownloadAndWriteFinished
	PhaseDrainFinished
)

type ReadErrorKind int

const (
	ReadErrInvalidFormat ReadErrorKind = iota
	ReadErrCannotFindInfo
	ReadErrDecoder
	ReadErrTransport
)

func (k ReadErrorKind) String() string {
	switch k {
	case ReadErrInvalidFormat:
		return "invalid_format"
	case ReadErrCannotFindInfo:
		return "cannot_find_info"
	case ReadErrDecoder:
		return "decoder_error"
	case ReadErrTransport:
		return "transport_error"
	default:
		return "unknown"
	}
}

// ReadError is the per-cycle failure record surfaced through ReadDone.
type ReadError struct {
	Kind    ReadErrorKind
	Message string
}

// RunningTask is the live state of one task cycle: created by the
// fetcher, fed by the transfer, drained by the decoder, destroyed once
// both completions have fired and the fetcher advanced.
type RunningTask struct {
	Task   playlist.Task
	Src    *bytesource.Source
	Handle *fetch.Handle

	DownloadDone *event.Completion
	ReadDone     *event.Completion

	phase atomic.Int32

	mu         sync.Mutex
	readErr    *ReadError
	shouldSkip bool
	userSkip   bool
	totalSize  int64
}

func newRunningTask(task playlist.Task, bufferSize int) *RunningTask {
	var src *bytesource.Source
	if task.StreamMode {
		src = bytesource.NewChained()
	} else {
		src = bytesource.NewFixed(bufferSize)
	}
	return &RunningTask{
		Task:         task,
		Src:          src,
		DownloadDone: event.NewCompletion(),
		ReadDone:     event.NewCompletion(),
	}
}

func (rt *RunningTask) Phase() Phase     { return Phase(rt.phase.Load()) }
func (rt *RunningTask) SetPhase(p Phase) { rt.phase.Store(int32(p)) }

// SetReadError records the cycle failure; the first record wins.
func (rt *RunningTask) SetReadError(kind ReadErrorKind, msg string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.readErr == nil {
		rt.readErr = &ReadError{Kind: kind, Message: msg}
	}
}

func (rt *RunningTask) ReadError() *ReadError {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.readErr
}

// MarkSkip flags the cycle for skipping; user marks a manual skip so it
// is not counted against the error threshold.
func (rt *RunningTask) MarkSkip(user bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.shouldSkip = true
	if user {
		rt.userSkip = true
	}
}

func (rt *RunningTask) ShouldSkip() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.shouldSkip
}

func (rt *RunningTask) UserSkip() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.userSkip
}

func (rt *RunningTask) SetTotalSize(n int64) {
	rt.mu.Lock()
	rt.totalSize = n
	rt.mu.Unlock()
}

// AudioProps is the per-task audio state shared between producer,
// consumer, sender, and the control surface.
type AudioProps struct {
	mu             sync.Mutex
	rate           int
	channels       int
	encoding       decode.Encoding
	bytesPerSample int
	bitsPerSample  int
	currentSamples int64
	totalSamples   int64
	playState      PlayState
	volume         float64
	infoFound      bool
}

func newAudioProps() *AudioProps {
	return &AudioProps{volume: 1.0}
}

// propsSnapshot is a consistent copy taken once per decode pull.
type propsSnapshot struct {
	rate           int
	channels       int
	encoding       decode.Encoding
	bytesPerSample int
	volume         float64
}

func (p *AudioProps) snapshot() propsSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return propsSnapshot{
		rate:           p.rate,
		channels:       p.channels,
		encoding:       p.encoding,
		bytesPerSample: p.bytesPerSample,
		volume:         p.volume,
	}
}

// publishFormat installs (or re-publishes) the decoded stream format.
func (p *AudioProps) publishFormat(f decode.Format) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rate = f.SampleRate
	p.channels = f.Channels
	p.encoding = f.Encoding
	p.bytesPerSample = f.BytesPerSample
	p.bitsPerSample = f.BitsPerSample
	p.infoFound = true
}

func (p *AudioProps) addSamples(frames int64) {
	p.mu.Lock()
	p.currentSamples += frames
	p.mu.Unlock()
}

func (p *AudioProps) setCurrentSamples(n int64) {
	p.mu.Lock()
	p.currentSamples = n
	p.mu.Unlock()
}

func (p *AudioProps) setTotalSamples(n int64) {
	p.mu.Lock()
	p.totalSamples = n
	p.mu.Unlock()
}

// SetVolume stores the volume rounded to 0.01.
func (p *AudioProps) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	p.mu.Lock()
	p.volume = math.Round(v*100) / 100
	p.mu.Unlock()
}

func (p *AudioProps) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

func (p *AudioProps) SetPlayState(s PlayState) {
	p.mu.Lock()
	p.playState = s
	p.mu.Unlock()
}

func (p *AudioProps) PlayState() PlayState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playState
}

// times returns the played/total durations in milliseconds.
func (p *AudioProps) times() (playedMS, totalMS int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rate == 0 {
		return 0, 0
	}
	return p.currentSamples * 1000 / int64(p.rate), p.totalSamples * 1000 / int64(p.rate)
}

// resetTask clears per-task state at retirement; play state and volume
// survive across tasks.
func (p *AudioProps) resetTask() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rate = 0
	p.channels = 0
	p.encoding = decode.EncodingS16
	p.bytesPerSample = 0
	p.bitsPerSample = 0
	p.currentSamples = 0
	p.totalSamples = 0
	p.infoFound = false
}
