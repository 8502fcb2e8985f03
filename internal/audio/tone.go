package audio

import "math"

// GenerateSineWave produces a mono sine wave as int16 PCM at the given
// sample rate. Test helper for the conversion and volume kernels.
func GenerateSineWave(durationSec, frequency float64, sampleRate int, amplitude int16) []int16 {
	numSamples := int(durationSec * float64(sampleRate))
	samples := make([]int16, numSamples)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(float64(amplitude) * math.Sin(2*math.Pi*frequency*t))
	}
	return samples
}
