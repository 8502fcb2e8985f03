// Package decode gives the pipeline a uniform pull interface over the
// underlying audio decoders: format probing, format info, sample pull,
// seek, and reset. Two implementations exist: an MP3 decoder and a
// general container decoder (WAV, FLAC, Ogg Vorbis).
package decode

import (
	"errors"

	"github.com/omni-media/omnistream/internal/bytesource"
)

// Encoding tags the sample format a decoder produces.
type Encoding int

const (
	EncodingS16 Encoding = iota
	EncodingS32
	EncodingF32
	EncodingF32P
)

func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingS16:
		return 2
	default:
		return 4
	}
}

func (e Encoding) String() string {
	switch e {
	case EncodingS16:
		return "s16"
	case EncodingS32:
		return "s32"
	case EncodingF32:
		return "f32"
	case EncodingF32P:
		return "f32p"
	default:
		return "unknown"
	}
}

// Format describes the decoded stream.
type Format struct {
	SampleRate     int
	Channels       int
	Encoding       Encoding
	BytesPerSample int
	BitsPerSample  int
}

var (
	// ErrNeedMore means the source ran dry mid-stream; re-invoke Read
	// once bytes have arrived.
	ErrNeedMore = errors.New("decode: need more data")
	// ErrNotReady means Setup has not completed.
	ErrNotReady = errors.New("decode: decoder not set up")
	// ErrUnsupportedContainer means the probed container has no codec
	// in this build.
	ErrUnsupportedContainer = errors.New("decode: unsupported container")
)

// Decoder is the uniform pull contract the producer and consumer drive.
// Read fills p with PCM in the decoder's native encoding and returns
// ErrNeedMore when the source would block, io.EOF at end of stream.
type Decoder interface {
	Open(src *bytesource.Source) error
	Setup() error
	Read(p []byte) (int, error)
	Format() (Format, bool)
	Seek(seconds float64) error
	CurrentSamples() int64
	TotalSamples() int64
	Reset()
}

// Container is the probed container family.
type Container int

const (
	ContainerUnknown Container = iota
	ContainerMP3
	ContainerMP4
	ContainerWAV
	ContainerFLAC
	ContainerOGG
)

func (c Container) String() string {
	switch c {
	case ContainerMP3:
		return "mp3"
	case ContainerMP4:
		return "mp4"
	case ContainerWAV:
		return "wav"
	case ContainerFLAC:
		return "flac"
	case ContainerOGG:
		return "ogg"
	default:
		return "unknown"
	}
}

// ProbeWindow is the maximum byte count a format probe inspects.
const ProbeWindow = 4096

// Probe inspects the head bytes and reports the container family.
func Probe(head []byte) Container {
	if len(head) >= 4 {
		switch {
		case string(head[:4]) == "fLaC":
			return ContainerFLAC
		case string(head[:4]) == "OggS":
			return ContainerOGG
		case string(head[:4]) == "RIFF":
			return ContainerWAV
		}
	}
	if len(head) >= 12 && string(head[4:8]) == "ftyp" {
		return ContainerMP4
	}
	if len(head) >= 3 && string(head[:3]) == "ID3" {
		return ContainerMP3
	}
	if len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0 {
		return ContainerMP3
	}
	return ContainerUnknown
}

// needMoreThreshold is the unread-byte level below which a decoder
// reports ErrNeedMore instead of entering the codec, so the consumer
// can resume reception and park rather than stall mid-frame.
const needMoreThreshold = 16 * 1024

func sourceNeedsBytes(src *bytesource.Source) bool {
	return !src.EOFLatched() && src.Available() < needMoreThreshold
}
