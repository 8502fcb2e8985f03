package engine

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/omni-media/omnistream/internal/event"
	"github.com/omni-media/omnistream/internal/metrics"
	"github.com/omni-media/omnistream/internal/ring"
)

// Pacing constants: one frame every 40 ms, 1920 RTP ticks per frame,
// look-ahead between 2 and 4 frames adjusted by a 5-sample moving
// average of batch send durations.
const (
	frameMS          = 40
	frameUS          = frameMS * 1000
	rtpTicksPerFrame = 1920
	minAdvanceFrames = 2
	maxAdvanceFrames = 4
	advanceStep      = 1
	avgWindowSize    = 5
)

// senderConfig wires the pacing loop to its collaborators; tests inject
// a fake push and zero startup delay.
type senderConfig struct {
	ring         *ring.Ring
	push         func(payload []byte, timestamp uint32) error
	props        *AudioProps
	stateUpdate  *event.Signal
	dropRing     *atomic.Bool
	logger       *zap.Logger
	startupDelay time.Duration
	startTS      uint32
}

func (inst *Instance) runSender() {
	defer inst.wg.Done()
	runSenderLoop(inst.ctx, senderConfig{
		ring:         inst.ring,
		push:         inst.rtp.PushFrame,
		props:        inst.props,
		stateUpdate:  inst.stateUpdate,
		dropRing:     &inst.dropRing,
		logger:       inst.logger,
		startupDelay: time.Second,
		startTS:      uint32(time.Now().UnixNano()),
	})
}

// runSenderLoop drains the ring at a steady 40 ms cadence. Deadlines
// are computed from a fixed epoch; when the loop falls behind it drops
// the missed slots (advancing both the frame index and the RTP
// timestamp) instead of bursting to catch up. The look-ahead adapts to
// recent send latency and stays within [min, max] frames.
func runSenderLoop(ctx context.Context, sc senderConfig) {
	if sc.startupDelay > 0 {
		select {
		case <-time.After(sc.startupDelay):
		case <-ctx.Done():
			return
		}
	}

	var (
		timestamp  = sc.startTS
		advance    = minAdvanceFrames
		start      = time.Now()
		frameIndex = 0

		durations [avgWindowSize]int64
		durIdx    int
		durCount  int
		durTotal  int64
	)

	for {
		if ctx.Err() != nil {
			return
		}

		// Park while paused; zero frames flow until resumed.
		for sc.props.PlayState() == Paused {
			if err := sc.stateUpdate.Wait(ctx); err != nil {
				return
			}
			sc.stateUpdate.Reset()
			if ctx.Err() != nil {
				return
			}
		}

		// One-shot ring drop after a seek: discard without emitting.
		if sc.dropRing.CompareAndSwap(true, false) {
			dropped := sc.ring.DrainDiscard()
			sc.logger.Info("ring dropped", zap.Int("frames", dropped))
		}

		target := start.
			Add(time.Duration(frameIndex) * frameMS * time.Millisecond).
			Add(-time.Duration(advance) * frameMS * time.Millisecond)
		now := time.Now()
		if now.Before(target) {
			select {
			case <-time.After(target.Sub(now)):
			case <-ctx.Done():
				return
			}
		} else if late := int(now.Sub(target) / (frameMS * time.Millisecond)); late > 0 {
			// Behind schedule: drop the missed slots rather than
			// back-catching.
			frameIndex += late
			timestamp += uint32(late) * rtpTicksPerFrame
			metrics.FramesDroppedLateTotal.Add(float64(late))
		}

		// Gather the batch: block for one frame on an empty ring,
		// otherwise take up to the look-ahead.
		var frames [][]byte
		if sc.ring.Len() == 0 {
			frame, ok := sc.ring.Consume()
			if !ok {
				return
			}
			frames = append(frames, frame)
		} else {
			batch := advance
			if l := sc.ring.Len(); l < batch {
				batch = l
			}
			for i := 0; i < batch; i++ {
				frame, ok := sc.ring.Consume()
				if !ok {
					return
				}
				frames = append(frames, frame)
			}
		}

		batchStart := time.Now()
		for _, frame := range frames {
			if err := sc.push(frame, timestamp); err != nil {
				sc.logger.Error("rtp push failed", zap.Error(err))
				metrics.SendErrorsTotal.Inc()
			} else {
				metrics.FramesSentTotal.Inc()
			}
			// Timestamp advances unconditionally to preserve cadence.
			timestamp += rtpTicksPerFrame
			frameIndex++
		}
		durUS := time.Since(batchStart).Microseconds()
		metrics.BatchSendDuration.Observe(float64(durUS))

		// Moving average of batch send duration.
		if durCount < avgWindowSize {
			durations[durIdx] = durUS
			durTotal += durUS
			durCount++
		} else {
			durTotal -= durations[durIdx]
			durations[durIdx] = durUS
			durTotal += durUS
		}
		durIdx = (durIdx + 1) % avgWindowSize
		avg := float64(durTotal) / float64(durCount)

		switch {
		case avg > float64(frameUS*advance):
			advance -= advanceStep
		case avg < float64(frameUS*(advance-advanceStep)):
			advance += advanceStep
		}
		if advance < minAdvanceFrames {
			advance = minAdvanceFrames
		} else if advance > maxAdvanceFrames {
			advance = maxAdvanceFrames
		}
	}
}
