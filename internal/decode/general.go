package decode

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"

	"github.com/omni-media/omnistream/internal/bytesource"
)

// maxConsecutiveErrors bounds zero-progress decode attempts within a
// single Read before giving up on the stream.
const maxConsecutiveErrors = 5

// GeneralDecoder decodes the non-MP3 container families through a
// probe → open → stream-info → pull pipeline. Output is interleaved
// f32. MP4-family containers are recognized by the prober but carry no
// codec in this build; Setup reports that explicitly.
type GeneralDecoder struct {
	container Container
	src       *bytesource.Source
	streamer  beep.StreamSeekCloser
	format    beep.Format
	scratch   [][2]float64
}

func NewGeneralDecoder(container Container) *GeneralDecoder {
	return &GeneralDecoder{
		container: container,
		scratch:   make([][2]float64, scratchFrames),
	}
}

func (d *GeneralDecoder) Open(src *bytesource.Source) error {
	d.src = src
	return nil
}

func (d *GeneralDecoder) Setup() error {
	if d.src == nil {
		return ErrNotReady
	}
	reader := d.src.Reader()

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
		err      error
	)
	switch d.container {
	case ContainerWAV:
		streamer, format, err = wav.Decode(reader)
	case ContainerFLAC:
		streamer, format, err = flac.Decode(reader)
	case ContainerOGG:
		streamer, format, err = vorbis.Decode(reader)
	case ContainerMP4:
		return ErrUnsupportedContainer
	default:
		return ErrUnsupportedContainer
	}
	if err != nil {
		return fmt.Errorf("open %s stream: %w", d.container, err)
	}
	d.streamer = streamer
	d.format = format
	return nil
}

func (d *GeneralDecoder) Read(p []byte) (int, error) {
	if d.streamer == nil {
		return 0, ErrNotReady
	}
	if sourceNeedsBytes(d.src) {
		return 0, ErrNeedMore
	}

	ch := d.format.NumChannels
	frames := len(p) / (4 * ch)
	if frames > len(d.scratch) {
		frames = len(d.scratch)
	}

	for attempt := 0; attempt < maxConsecutiveErrors; attempt++ {
		n, ok := d.streamer.Stream(d.scratch[:frames])
		if n > 0 {
			return interleaveF32(d.scratch[:n], ch, p), nil
		}
		if !ok {
			if err := d.streamer.Err(); err != nil {
				return 0, fmt.Errorf("%s decode: %w", d.container, err)
			}
			return 0, io.EOF
		}
	}
	return 0, fmt.Errorf("%s decode: no progress after %d attempts", d.container, maxConsecutiveErrors)
}

func (d *GeneralDecoder) Format() (Format, bool) {
	if d.streamer == nil {
		return Format{}, false
	}
	return Format{
		SampleRate:     int(d.format.SampleRate),
		Channels:       d.format.NumChannels,
		Encoding:       EncodingF32,
		BytesPerSample: 4,
		BitsPerSample:  32,
	}, true
}

func (d *GeneralDecoder) Seek(seconds float64) error {
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

func (d *GeneralDecoder) CurrentSamples() int64 {
	if d.streamer == nil {
		return 0
	}
	return int64(d.streamer.Position())
}

func (d *GeneralDecoder) TotalSamples() int64 {
	if d.streamer == nil {
		return 0
	}
	if l := d.streamer.Len(); l > 0 {
		return int64(l)
	}
	return 0
}

func (d *GeneralDecoder) Reset() {
	if d.streamer != nil {
		d.streamer.Close()
		d.streamer = nil
	}
	d.src = nil
}

func interleaveF32(frames [][2]float64, channels int, p []byte) int {
	idx := 0
	for _, f := range frames {
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint32(p[idx:], math.Float32bits(float32(f[c&1])))
			idx += 4
		}
	}
	return idx
}
