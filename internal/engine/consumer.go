package engine

import (
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/omni-media/omnistream/internal/audio"
	"github.com/omni-media/omnistream/internal/decode"
	"github.com/omni-media/omnistream/internal/metrics"
)

// maxOpusPacket bounds one encoded 40 ms frame.
const maxOpusPacket = 4000

// runConsumer pulls decoded PCM, converts it to 48 kHz s16 with the
// volume applied exactly once, cuts 40 ms Opus frames with a carry
// buffer for straddling samples, and produces them into the ring.
func (inst *Instance) runConsumer() {
	defer inst.wg.Done()

	bufs := audio.NewBuffers()
	var rs audio.Resampler
	carry := make([]int16, 0, opusFrameSamples*2)
	encBuf := make([]byte, maxOpusPacket)

	for {
		if inst.isStopped() {
			inst.ring.Shutdown()
			return
		}
		if err := inst.feedDecoder.Wait(inst.ctx); err != nil {
			inst.ring.Shutdown()
			return
		}

		rt := inst.currentTask()
		inst.decMu.Lock()
		dec := inst.dec
		if dec == nil || rt == nil {
			inst.decMu.Unlock()
			// Stale wakeup between cycles; the next producer cycle
			// re-arms the feed.
			time.Sleep(5 * time.Millisecond)
			continue
		}

		n, err := dec.Read(bufs.Decode)
		switch {
		case err == io.EOF:
			inst.feedDecoder.Reset()
			inst.readCycleDone.Set()
			inst.decMu.Unlock()
			carry = carry[:0]
			rs.Reset()
			continue
		case errors.Is(err, decode.ErrNeedMore):
			inst.feedDecoder.Reset()
			inst.decMu.Unlock()
			rt.Src.Resume()
			continue
		case errors.Is(err, decode.ErrNotReady):
			inst.decMu.Unlock()
			time.Sleep(5 * time.Millisecond)
			continue
		case err != nil:
			inst.logger.Error("decode failed",
				zap.String("task", rt.Task.Name), zap.Error(err))
			metrics.DecodeErrorsTotal.Inc()
			rt.SetReadError(ReadErrDecoder, err.Error())
			inst.feedDecoder.Reset()
			inst.readCycleDone.Set()
			inst.decMu.Unlock()
			carry = carry[:0]
			rs.Reset()
			continue
		}
		inst.decMu.Unlock()

		if n == 0 {
			continue
		}
		snap := inst.props.snapshot()
		if snap.channels == 0 || snap.bytesPerSample == 0 {
			continue
		}

		pcm := convertChunk(bufs, &rs, snap, n)
		srcFrames := n / snap.bytesPerSample / snap.channels
		inst.props.addSamples(int64(srcFrames))

		carry = inst.encodeAndProduce(pcm, snap.channels, carry, encBuf)
	}
}

// convertChunk applies the conversion matrix for one decode chunk:
// source encoding → s16 at 48 kHz, volume applied exactly once (in the
// float→s16 step, or by the dedicated s16 kernel on the pass-through
// path).
func convertChunk(bufs *audio.Buffers, rs *audio.Resampler, snap propsSnapshot, n int) []int16 {
	needResample := snap.rate != audio.TargetSampleRate

	switch snap.encoding {
	case decode.EncodingS16:
		pcm := audio.BytesToInt16Into(bufs.Decode[:n], bufs.PCM)
		if !needResample {
			if snap.volume != 1.0 {
				return audio.ApplyVolumeInt16Into(pcm, bufs.Out, snap.volume)
			}
			return pcm
		}
		fin := audio.Int16ToFloat32Into(pcm, bufs.FloatIn)
		rs.Configure(snap.rate, audio.TargetSampleRate, snap.channels)
		m := rs.Process(fin, bufs.FloatOut)
		return audio.Float32ToInt16Into(bufs.FloatOut[:m], bufs.Out, snap.volume)

	case decode.EncodingS32:
		fin := audio.Int32BytesToFloat32Into(bufs.Decode[:n], bufs.FloatIn)
		if !needResample {
			return audio.Float32ToInt16Into(fin, bufs.Out, snap.volume)
		}
		rs.Configure(snap.rate, audio.TargetSampleRate, snap.channels)
		m := rs.Process(fin, bufs.FloatOut)
		return audio.Float32ToInt16Into(bufs.FloatOut[:m], bufs.Out, snap.volume)

	default: // F32 and F32P; planar input is interleaved by the adapter
		fin := audio.Float32FromBytesInto(bufs.Decode[:n], bufs.FloatIn)
		if !needResample {
			return audio.Float32ToInt16Into(fin, bufs.Out, snap.volume)
		}
		rs.Configure(snap.rate, audio.TargetSampleRate, snap.channels)
		m := rs.Process(fin, bufs.FloatOut)
		return audio.Float32ToInt16Into(bufs.FloatOut[:m], bufs.Out, snap.volume)
	}
}

// encodeAndProduce cuts full 40 ms frames out of carry+pcm, encodes
// them, and produces them into the ring. Leftover samples are returned
// as the new carry. An encode failure drops that frame and continues.
func (inst *Instance) encodeAndProduce(pcm []int16, channels int, carry []int16, encBuf []byte) []int16 {
	enc, encCh := inst.encoder()
	if enc == nil || encCh != channels {
		return carry[:0]
	}
	want := opusFrameSamples * channels

	data := pcm
	for len(carry)+len(data) >= want {
		var frame []int16
		if len(carry) > 0 {
			need := want - len(carry)
			carry = append(carry, data[:need]...)
			data = data[need:]
			frame = carry
		} else {
			frame = data[:want]
			data = data[want:]
		}

		nb, err := enc.Encode(frame, encBuf)
		if err != nil || nb <= 0 {
			metrics.EncodeErrorsTotal.Inc()
			inst.logger.Error("opus encode failed", zap.Error(err))
		} else {
			out := make([]byte, nb)
			copy(out, encBuf[:nb])
			if !inst.ring.Produce(out) {
				return carry[:0]
			}
		}
		carry = carry[:0]
	}

	carry = append(carry, data...)
	return carry
}
