package engine

import (
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/omni-media/omnistream/internal/fetch"
	"github.com/omni-media/omnistream/internal/playlist"
)

// runFetcher is the task runner: it pulls the current play-list entry,
// drives its download through the HTTP driver, and advances the list
// when the cycle retires. Four consecutive errored cycles halt the
// instance.
func (inst *Instance) runFetcher() {
	defer inst.wg.Done()

	errCount := 0
	for !inst.isStopped() {
		if errCount >= maxConsecutiveCycleErrors {
			inst.logger.Error("consecutive task errors reached threshold, halting stream",
				zap.Int("errors", errCount))
			inst.onRemove(inst.ID)
			go inst.Stop()
			return
		}

		task, ok := inst.list.PeekCurrent()
		if !ok {
			if err := inst.list.UpdateSignal().Wait(inst.ctx); err != nil {
				return
			}
			inst.list.UpdateSignal().Reset()
			continue
		}

		switch inst.runTask(task) {
		case cycleExit:
			return
		case cycleErrored:
			errCount++
		default:
			errCount = 0
		}

		inst.setCurrentTask(nil)
		if !inst.list.ConsumeManualSkip() {
			inst.list.AutoNext()
		}
	}
}

type cycleResult int

const (
	cycleOK cycleResult = iota
	cycleErrored
	cycleExit
)

func (inst *Instance) runTask(task playlist.Task) cycleResult {
	logger := inst.logger.With(zap.String("task", task.Name), zap.String("url", task.URL))

	header := make(http.Header)
	header.Set("InstanceId", inst.ID)

	mediaURL := task.URL
	if task.Kind == playlist.TaskCached {
		env, err := inst.driver.ResolveCached(inst.ctx, task.URL, header)
		if err != nil {
			if inst.isStopped() {
				return cycleExit
			}
			logger.Error("cached url preflight failed", zap.Error(err))
			return cycleErrored
		}
		env.Decorate(header)
		mediaURL = env.URL
	}

	if err := fetch.ValidateURL(mediaURL); err != nil {
		logger.Error("rejected task url", zap.Error(err))
		return cycleErrored
	}

	rt := newRunningTask(task, inst.bufferSize)
	h := fetch.NewHandle(mediaURL)
	h.Header = header
	if task.StreamMode {
		// The sender is the pacing authority; cap reception at the
		// target bitrate so the network cannot run ahead of playback.
		if br := inst.rtp.Info().Bitrate; br > 0 {
			h.Limiter = rate.NewLimiter(rate.Limit(br/8), 64*1024)
		}
	} else {
		h.LowSpeedGuard = true
	}
	src := rt.Src
	h.Write = func(p []byte) bool {
		pause, err := src.Append(p)
		if err != nil {
			logger.Error("byte source append failed", zap.Error(err))
			rt.MarkSkip(false)
			inst.driver.Cancel(h)
			return false
		}
		// Bytes arrived: wake a consumer parked on NeedMore.
		inst.feedDecoder.Set()
		return pause
	}
	src.SetResumeHook(h.PauseRecvCont)
	rt.Handle = h

	inst.setCurrentTask(rt)
	inst.newDownload.Set()

	err := inst.driver.Add(h, func(res fetch.Result) {
		switch res.Code {
		case fetch.CodeOK:
			rt.SetPhase(PhaseDownloadAndWriteFinished)
			rt.SetTotalSize(res.Bytes)
			logger.Info("download finished", zap.Int64("bytes", res.Bytes))
		case fetch.CodeCancelled, fetch.CodeAborted:
			rt.MarkSkip(false)
			logger.Info("download interrupted", zap.String("code", res.Code.String()))
		default:
			rt.SetReadError(ReadErrTransport, res.Message)
			rt.MarkSkip(false)
			logger.Error("download failed",
				zap.Int("status", res.Status), zap.String("message", res.Message))
		}
		// The byte count is final either way; let readers drain.
		rt.Src.CloseEOF()
		rt.DownloadDone.Set()
	})
	if err != nil {
		return cycleExit
	}

	if err := rt.DownloadDone.Wait(inst.ctx); err != nil {
		return cycleExit
	}
	if rt.ShouldSkip() {
		inst.doSkip(rt.UserSkip())
	}
	if err := rt.ReadDone.Wait(inst.ctx); err != nil {
		return cycleExit
	}

	recordCycle(rt)
	if rt.ReadError() != nil || (rt.ShouldSkip() && !rt.UserSkip()) {
		return cycleErrored
	}
	return cycleOK
}
