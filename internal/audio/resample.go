package audio

import "math"

// resampler taps per side. 8 gives a short windowed-sinc kernel that is
// cheap enough for the decode loop and flat enough for music.
const taps = 8

// Resampler converts interleaved float32 PCM to a new rate with a
// Hann-windowed sinc kernel. It carries kernel history across Process
// calls so chunk boundaries are seamless; channel count is preserved.
type Resampler struct {
	srcRate  int
	dstRate  int
	channels int

	step float64
	pos  float64   // read position in frames, relative to hist start
	hist []float32 // trailing input frames kept for kernel support
}

// Configure prepares the resampler for a stream. Calling it again with
// the same parameters is a no-op; changed parameters reset history.
func (r *Resampler) Configure(srcRate, dstRate, channels int) {
	if r.srcRate == srcRate && r.dstRate == dstRate && r.channels == channels {
		return
	}
	r.srcRate = srcRate
	r.dstRate = dstRate
	r.channels = channels
	r.step = float64(srcRate) / float64(dstRate)
	r.pos = taps
	r.hist = r.hist[:0]
}

// Reset drops carried history, e.g. after a seek.
func (r *Resampler) Reset() {
	r.pos = taps
	r.hist = r.hist[:0]
}

// OutputLen bounds the frames Process can produce for inFrames input
// frames. Callers size dst with it.
func (r *Resampler) OutputLen(inFrames int) int {
	return int(float64(inFrames)/r.step) + taps
}

// Process consumes interleaved input frames and writes resampled
// interleaved frames into dst, returning the sample count written
// (frames × channels). dst must hold OutputLen(frames)×channels.
func (r *Resampler) Process(in []float32, dst []float32) int {
	ch := r.channels
	inFrames := len(in) / ch
	histFrames := len(r.hist) / ch
	total := histFrames + inFrames

	// Downsampling widens the kernel by the step to keep it band
	// limited below the new Nyquist.
	scale := 1.0
	if r.step > 1 {
		scale = r.step
	}
	span := int(math.Ceil(float64(taps) * scale))

	at := func(frame, c int) float32 {
		if frame < 0 {
			return 0
		}
		if frame < histFrames {
			return r.hist[frame*ch+c]
		}
		return in[(frame-histFrames)*ch+c]
	}

	out := 0
	for r.pos+float64(span) <= float64(total-1) {
		center := r.pos
		base := int(math.Floor(center))
		var wsum float64
		weights := make([]float64, 0, 2*span)
		for k := base - span + 1; k <= base+span; k++ {
			x := (center - float64(k)) / scale
			w := hannSinc(x)
			weights = append(weights, w)
			wsum += w
		}
		for c := 0; c < ch; c++ {
			var acc float64
			wi := 0
			for k := base - span + 1; k <= base+span; k++ {
				acc += float64(at(k, c)) * weights[wi]
				wi++
			}
			dst[out*ch+c] = float32(acc / wsum)
		}
		out++
		r.pos += r.step
	}

	// Keep the kernel support window as history for the next chunk.
	keep := 2*span + 2
	if keep > total {
		keep = total
	}
	dropped := total - keep
	next := make([]float32, 0, keep*ch)
	for f := dropped; f < total; f++ {
		for c := 0; c < ch; c++ {
			next = append(next, at(f, c))
		}
	}
	r.hist = next
	r.pos -= float64(dropped)

	return out * ch
}

func hannSinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	if x < -taps || x > taps {
		return 0
	}
	px := math.Pi * x
	return (math.Sin(px) / px) * (0.5 + 0.5*math.Cos(px/taps))
}
