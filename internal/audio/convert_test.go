package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInt16BytesRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 12345}
	bytes := Int16ToBytesInto(samples, make([]byte, len(samples)*2))
	back := BytesToInt16Into(bytes, make([]int16, len(samples)))
	assert.Equal(t, samples, back)
}

func TestFloat32ToInt16Clamps(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 1.5, -1.5}
	out := Float32ToInt16Into(in, make([]int16, len(in)), 1.0)
	assert.Equal(t, int16(0), out[0])
	assert.InDelta(t, 16383, out[1], 1)
	assert.InDelta(t, -16383, out[2], 1)
	assert.Equal(t, int16(32767), out[3], "positive overflow clamps")
	assert.Equal(t, int16(-32768), out[4], "negative overflow clamps")
}

func TestVolumeKernelHalvesMagnitude(t *testing.T) {
	sine := GenerateSineWave(0.1, 440, TargetSampleRate, 16000)
	halved := ApplyVolumeInt16Into(sine, make([]int16, len(sine)), 0.5)

	rms := func(s []int16) float64 {
		var sum float64
		for _, v := range s {
			sum += float64(v) * float64(v)
		}
		return math.Sqrt(sum / float64(len(s)))
	}
	ratio := rms(halved) / rms(sine)
	assert.InDelta(t, 0.5, ratio, 0.005, "halved sine must be within 1%% of half magnitude")
}

func TestVolumeAppliedInFloatConversion(t *testing.T) {
	in := []float32{0.25, -0.25}
	out := Float32ToInt16Into(in, make([]int16, 2), 0.5)
	assert.InDelta(t, 0.125*32767, float64(out[0]), 1)
	assert.InDelta(t, -0.125*32767, float64(out[1]), 1)
}

func TestInt32BytesToFloat32(t *testing.T) {
	data := make([]byte, 8)
	// 2^30 → 0.5, -2^30 → -0.5
	putInt32 := func(off int, v int32) {
		data[off] = byte(v)
		data[off+1] = byte(v >> 8)
		data[off+2] = byte(v >> 16)
		data[off+3] = byte(v >> 24)
	}
	putInt32(0, 1<<30)
	putInt32(4, -(1 << 30))
	out := Int32BytesToFloat32Into(data, make([]float32, 2))
	assert.InDelta(t, 0.5, out[0], 1e-6)
	assert.InDelta(t, -0.5, out[1], 1e-6)
}

func TestResamplerRatioAndContinuity(t *testing.T) {
	var r Resampler
	r.Configure(44100, 48000, 2)

	inFrames := 4410 // 100ms stereo
	in := make([]float32, inFrames*2)
	for i := 0; i < inFrames; i++ {
		v := float32(math.Sin(2 * math.Pi * 440 * float64(i) / 44100))
		in[i*2] = v
		in[i*2+1] = v
	}

	dst := make([]float32, r.OutputLen(inFrames)*2)
	var total int
	// Feed in two chunks to exercise the carried history.
	half := inFrames / 2 * 2
	total += r.Process(in[:half], dst)
	total += r.Process(in[half:], dst[total:])

	gotFrames := total / 2
	wantFrames := int(float64(inFrames) * 48000 / 44100)
	assert.InDelta(t, wantFrames, gotFrames, float64(taps*4),
		"output frame count tracks the rate ratio")
}

func TestResamplerPreservesAmplitude(t *testing.T) {
	var r Resampler
	r.Configure(24000, 48000, 1)

	inFrames := 2400
	in := make([]float32, inFrames)
	for i := range in {
		in[i] = float32(0.5 * math.Sin(2*math.Pi*200*float64(i)/24000))
	}
	dst := make([]float32, r.OutputLen(inFrames))
	n := r.Process(in, dst)
	require.Greater(t, n, 0)

	var peak float64
	for _, v := range dst[:n] {
		if a := math.Abs(float64(v)); a > peak {
			peak = a
		}
	}
	assert.InDelta(t, 0.5, peak, 0.05)
}

func TestResamplerConfigureIdempotent(t *testing.T) {
	var r Resampler
	r.Configure(44100, 48000, 2)
	in := make([]float32, 2048)
	dst := make([]float32, r.OutputLen(1024)*2)
	r.Process(in, dst)
	histLen := len(r.hist)

	r.Configure(44100, 48000, 2)
	assert.Equal(t, histLen, len(r.hist), "re-configure with same params keeps history")

	r.Configure(22050, 48000, 2)
	assert.Zero(t, len(r.hist), "changed params reset history")
}
