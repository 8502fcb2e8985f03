package decode

import (
	"fmt"
	"io"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"

	"github.com/omni-media/omnistream/internal/bytesource"
)

// scratchFrames is the per-pull decode granularity in frames.
const scratchFrames = 2048

// MP3Decoder decodes MPEG audio into interleaved s16. Seeking works on
// fixed (file-mode) sources; chained sources decode forward only.
type MP3Decoder struct {
	src      *bytesource.Source
	streamer beep.StreamSeekCloser
	format   beep.Format
	scratch  [][2]float64
}

func NewMP3Decoder() *MP3Decoder {
	return &MP3Decoder{scratch: make([][2]float64, scratchFrames)}
}

func (d *MP3Decoder) Open(src *bytesource.Source) error {
	d.src = src
	return nil
}

func (d *MP3Decoder) Setup() error {
	if d.src == nil {
		return ErrNotReady
	}
	streamer, format, err := mp3.Decode(d.src.Reader())
	if err != nil {
		return fmt.Errorf("open mp3 stream: %w", err)
	}
	d.streamer = streamer
	d.format = format
	return nil
}

func (d *MP3Decoder) Read(p []byte) (int, error) {
	if d.streamer == nil {
		return 0, ErrNotReady
	}
	if sourceNeedsBytes(d.src) {
		return 0, ErrNeedMore
	}

	ch := d.format.NumChannels
	frames := len(p) / (2 * ch)
	if frames > len(d.scratch) {
		frames = len(d.scratch)
	}
	n, ok := d.streamer.Stream(d.scratch[:frames])
	if n == 0 {
		if !ok {
			if err := d.streamer.Err(); err != nil {
				return 0, fmt.Errorf("mp3 decode: %w", err)
			}
			return 0, io.EOF
		}
		return 0, ErrNeedMore
	}
	return interleaveS16(d.scratch[:n], ch, p), nil
}

func (d *MP3Decoder) Format() (Format, bool) {
	if d.streamer == nil {
		return Format{}, false
	}
	return Format{
		SampleRate:     int(d.format.SampleRate),
		Channels:       d.format.NumChannels,
		Encoding:       EncodingS16,
		BytesPerSample: 2,
		BitsPerSample:  16,
	}, true
}

func (d *MP3Decoder) Seek(seconds float64) error {
	if d.streamer == nil {
		return ErrNotReady
	}
	pos := int(seconds * float64(d.format.SampleRate))
	if l := d.streamer.Len(); l > 0 && pos >= l {
		pos = l - 1
	}
	if pos < 0 {
		pos = 0
	}
	return d.streamer.Seek(pos)
}

func (d *MP3Decoder) CurrentSamples() int64 {
	if d.streamer == nil {
		return 0
	}
	return int64(d.streamer.Position())
}

func (d *MP3Decoder) TotalSamples() int64 {
	if d.streamer == nil {
		return 0
	}
	if l := d.streamer.Len(); l > 0 {
		return int64(l)
	}
	return 0
}

func (d *MP3Decoder) Reset() {
	if d.streamer != nil {
		d.streamer.Close()
		d.streamer = nil
	}
	d.src = nil
}

// interleaveS16 packs beep's normalized stereo frames into little-endian
// s16 with the stream's channel count.
func interleaveS16(frames [][2]float64, channels int, p []byte) int {
	idx := 0
	for _, f := range frames {
		for c := 0; c < channels; c++ {
			v := f[c&1]
			s := int32(v * 32767)
			if s > 32767 {
				s = 32767
			} else if s < -32768 {
				s = -32768
			}
			p[idx] = byte(uint16(s))
			p[idx+1] = byte(uint16(s) >> 8)
			idx += 2
		}
	}
	return idx
}
