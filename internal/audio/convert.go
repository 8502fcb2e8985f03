// Package audio holds the hot-path PCM kernels: sample format
// conversion, volume, and sample-rate conversion to the 48 kHz encode
// rate. All kernels write into caller-owned buffers; the pipeline
// allocates them once per running task.
package audio

import (
	"encoding/binary"
	"math"
)

// TargetSampleRate is the encode-side rate.
const TargetSampleRate = 48000

// BytesToInt16Into reinterprets little-endian s16 bytes as samples.
// dst must have capacity >= len(data)/2. Returns the used portion.
func BytesToInt16Into(data []byte, dst []int16) []int16 {
	n := len(data) / 2
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return dst[:n]
}

// Int16ToBytesInto writes samples as little-endian s16 bytes.
// dst must have capacity >= len(samples)*2. Returns the used portion.
func Int16ToBytesInto(samples []int16, dst []byte) []byte {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
	return dst[:len(samples)*2]
}

// Int16ToFloat32Into converts s16 samples to normalized float32.
func Int16ToFloat32Into(in []int16, dst []float32) []float32 {
	for i, s := range in {
		dst[i] = float32(s) / 32768.0
	}
	return dst[:len(in)]
}

// Int32BytesToFloat32Into converts little-endian s32 bytes to
// normalized float32. dst must have capacity >= len(data)/4.
func Int32BytesToFloat32Into(data []byte, dst []float32) []float32 {
	n := len(data) / 4
	for i := 0; i < n; i++ {
		v := int32(binary.LittleEndian.Uint32(data[i*4:]))
		dst[i] = float32(float64(v) / 2147483648.0)
	}
	return dst[:n]
}

// Float32FromBytesInto reinterprets little-endian f32 bytes as samples.
// dst must have capacity >= len(data)/4.
func Float32FromBytesInto(data []byte, dst []float32) []float32 {
	n := len(data) / 4
	for i := 0; i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return dst[:n]
}

// Float32ToInt16Into converts normalized float32 to s16 with the volume
// gain applied, clamping at full scale. dst must have capacity >=
// len(in). Volume is applied exactly here on converted paths.
func Float32ToInt16Into(in []float32, dst []int16, volume float64) []int16 {
	v := float32(volume)
	for i, s := range in {
		f := s * v * 32767.0
		switch {
		case f > 32767:
			dst[i] = 32767
		case f < -32768:
			dst[i] = -32768
		default:
			dst[i] = int16(f)
		}
	}
	return dst[:len(in)]
}

// ApplyVolumeInt16Into scales s16 samples by the volume gain, clamping
// at full scale. The volume kernel for the S16 pass-through path.
func ApplyVolumeInt16Into(in []int16, dst []int16, volume float64) []int16 {
	for i, s := range in {
		f := float64(s) * volume
		switch {
		case f > 32767:
			dst[i] = 32767
		case f < -32768:
			dst[i] = -32768
		default:
			dst[i] = int16(f)
		}
	}
	return dst[:len(in)]
}
