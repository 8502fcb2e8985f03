package engine

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/omni-media/omnistream/internal/bytesource"
	"github.com/omni-media/omnistream/internal/decode"
)

// streamFeedInterval re-arms the decode feed during long-running
// stream-mode downloads so a consumer parked on NeedMore never starves.
const streamFeedInterval = 2 * time.Second

// runProducer drives each running task through its lifecycle: probe the
// container, wait for enough backlog, resolve the stream format, open
// the decode feed, await download completion, and retire the task once
// the consumer has drained it.
func (inst *Instance) runProducer() {
	defer inst.wg.Done()

	var last *RunningTask
	for !inst.isStopped() {
		rt := inst.currentTask()
		if rt == nil || rt == last {
			if err := inst.newDownload.Wait(inst.ctx); err != nil {
				return
			}
			inst.newDownload.Reset()
			continue
		}
		last = rt
		inst.runTaskCycle(rt)
	}
}

func (inst *Instance) runTaskCycle(rt *RunningTask) {
	logger := inst.logger.With(zap.String("task", rt.Task.Name))
	src := rt.Src

	inst.readCycleDone.Reset()

	// Probing.
	if err := src.WaitLen(decode.ProbeWindow); err != nil {
		inst.finishCycle(rt, nil)
		return
	}
	head := make([]byte, decode.ProbeWindow)
	n := src.ReadFront(head)
	if rt.ShouldSkip() {
		inst.finishCycle(rt, nil)
		return
	}
	container := decode.Probe(head[:n])
	if container == decode.ContainerUnknown {
		logger.Error("format probe failed", zap.Int("probeBytes", n))
		rt.SetReadError(ReadErrInvalidFormat, "unrecognized container format")
		inst.finishCycle(rt, nil)
		return
	}
	logger.Info("probed container", zap.String("container", container.String()))

	var dec decode.Decoder
	if container == decode.ContainerMP3 {
		dec = decode.NewMP3Decoder()
	} else {
		dec = decode.NewGeneralDecoder(container)
	}

	// MP4-family containers keep their index at the tail; setup must
	// wait for the whole byte range, and a forward-only source cannot
	// provide it.
	if container == decode.ContainerMP4 {
		if src.Kind() == bytesource.KindChained {
			rt.SetReadError(ReadErrInvalidFormat, "mp4 family requires file mode")
			inst.finishCycle(rt, dec)
			return
		}
		if err := rt.DownloadDone.Wait(inst.ctx); err != nil {
			inst.finishCycle(rt, dec)
			return
		}
	}

	// Enough bytes to start safely; EOF releases the wait early for
	// short files.
	if err := src.WaitLen(backlogBytes); err != nil {
		inst.finishCycle(rt, dec)
		return
	}
	if rt.ShouldSkip() {
		inst.finishCycle(rt, dec)
		return
	}

	if err := dec.Open(src); err != nil {
		rt.SetReadError(ReadErrDecoder, err.Error())
		inst.finishCycle(rt, dec)
		return
	}
	inst.setDecoder(dec)

	if err := dec.Setup(); err != nil {
		logger.Error("decoder setup failed", zap.Error(err))
		_ = rt.DownloadDone.Wait(inst.ctx)
		if errors.Is(err, decode.ErrUnsupportedContainer) {
			rt.SetReadError(ReadErrDecoder, err.Error())
		} else {
			rt.SetReadError(ReadErrCannotFindInfo, err.Error())
		}
		inst.finishCycle(rt, dec)
		return
	}

	// ResolvingFormat.
	var format decode.Format
	resolved := false
	for try := 0; try < 3 && !resolved; try++ {
		if f, ok := dec.Format(); ok && f.SampleRate > 0 && f.Channels > 0 {
			format = f
			resolved = true
		}
	}
	if !resolved {
		_ = rt.DownloadDone.Wait(inst.ctx)
		if f, ok := dec.Format(); ok && f.SampleRate > 0 && f.Channels > 0 {
			format = f
			resolved = true
		}
	}
	if !resolved {
		logger.Error("no stream info", zap.String("container", container.String()))
		rt.SetReadError(ReadErrCannotFindInfo, "decoder produced no stream info")
		inst.finishCycle(rt, dec)
		return
	}

	inst.props.publishFormat(format)
	if err := inst.configureEncoder(format.Channels); err != nil {
		logger.Error("encoder setup failed", zap.Error(err))
		rt.SetReadError(ReadErrDecoder, err.Error())
		inst.finishCycle(rt, dec)
		return
	}
	logger.Info("audio format resolved",
		zap.Int("rate", format.SampleRate),
		zap.Int("channels", format.Channels),
		zap.String("encoding", format.Encoding.String()))

	inst.feedDecoder.Set()
	inst.publishState()

	// Feeding.
	if rt.Task.StreamMode {
		ticker := time.NewTicker(streamFeedInterval)
		defer ticker.Stop()
	feeding:
		for {
			select {
			case <-rt.DownloadDone.C():
				break feeding
			case <-ticker.C:
				inst.feedDecoder.Set()
			case <-inst.ctx.Done():
				inst.finishCycle(rt, dec)
				return
			}
		}
	} else {
		if err := rt.DownloadDone.Wait(inst.ctx); err != nil {
			inst.finishCycle(rt, dec)
			return
		}
	}

	// The byte range is final; publish the now-known total length and
	// let the consumer drain to EOF.
	src.CloseEOF()
	if ts := dec.TotalSamples(); ts > 0 {
		inst.props.setTotalSamples(ts)
	}
	// Re-arm the feed in case the consumer parked on NeedMore right
	// before the byte range became final.
	inst.feedDecoder.Set()
	inst.publishState()

	if err := inst.readCycleDone.Wait(inst.ctx); err != nil {
		inst.finishCycle(rt, dec)
		return
	}

	inst.retire(rt, dec, zapOutcome(rt))
}

// finishCycle is the error/cancel path: make the byte range final,
// disarm the feed, make sure the download has settled, then retire.
func (inst *Instance) finishCycle(rt *RunningTask, dec decode.Decoder) {
	if rt.Handle != nil {
		inst.driver.Cancel(rt.Handle)
	}
	rt.Src.CloseEOF()
	inst.feedDecoder.Reset()
	_ = rt.DownloadDone.Wait(inst.ctx)
	inst.retire(rt, dec, zapOutcome(rt))
}

// retire finalizes the cycle: decoder state cleared under the buffer
// lock, audio props reset, ReadFinished fired.
func (inst *Instance) retire(rt *RunningTask, dec decode.Decoder, outcome zap.Field) {
	rt.SetPhase(PhaseDrainFinished)

	inst.decMu.Lock()
	if dec != nil {
		dec.Reset()
	}
	inst.dec = nil
	inst.decMu.Unlock()

	inst.feedDecoder.Reset()
	inst.readCycleDone.Reset()
	inst.props.resetTask()
	rt.ReadDone.Set()
	inst.publishState()
	inst.logger.Info("task retired", zap.String("task", rt.Task.Name), outcome)
}

func zapOutcome(rt *RunningTask) zap.Field {
	return zap.String("outcome", cycleOutcome(rt))
}
