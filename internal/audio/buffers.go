package audio

// Worst-case sizes per decode invocation, allocated once per running
// task.
const (
	MaxDecodeBytes = 73728
	MaxPCMBytes    = 131072
	MaxSamples     = MaxPCMBytes / 2

	// maxUpsampleRatio bounds the resampler expansion (8 kHz → 48 kHz).
	maxUpsampleRatio = 6
)

// Buffers holds the scratch memory of one consumer loop: decoder
// output, float conversion scratch, resampler output, and the final s16
// frames handed to the encoder.
type Buffers struct {
	Decode   []byte    // raw decoder output
	FloatIn  []float32 // converted source samples
	FloatOut []float32 // resampled samples
	PCM      []int16   // s16 view of pass-through decode output
	Out      []int16   // final samples handed to the Opus encoder
}

func NewBuffers() *Buffers {
	return &Buffers{
		Decode:   make([]byte, MaxDecodeBytes),
		FloatIn:  make([]float32, MaxSamples),
		FloatOut: make([]float32, MaxSamples*maxUpsampleRatio+taps*2),
		PCM:      make([]int16, MaxSamples),
		Out:      make([]int16, MaxSamples*maxUpsampleRatio+taps*2),
	}
}
