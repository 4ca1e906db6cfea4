// Package audio holds PCM helpers shared by capture and playback: level
// metering, PCM16LE conversion, decoded buffers and resampling.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// DefaultVolumeGain scales capture RMS into the 0..1 meter range.
const DefaultVolumeGain = 5.0

// CalculateRMSEnergy computes the root-mean-square energy of PCM audio.
// Input is assumed to be 16-bit signed little-endian PCM.
// Returns a value between 0.0 and 1.0.
func CalculateRMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i:]))
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// RMS computes the root-mean-square of float samples in [-1, 1].
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// CalculatePeakAmplitude returns the maximum absolute amplitude in the PCM data.
func CalculatePeakAmplitude(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var maxAbs float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i:]))
		// float64 avoids overflow when negating -32768
		abs := math.Abs(float64(sample))
		if abs > maxAbs {
			maxAbs = abs
		}
	}
	return maxAbs / 32768.0
}

// Volume maps an RMS level to a meter value: rms*gain clamped to [0, 1].
func Volume(rms, gain float64) float64 {
	return Clamp01(rms * gain)
}

func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 1
	}
	return v
}

// EncodePCM16LE converts float samples to 16-bit little-endian PCM,
// clamping out-of-range values.
func EncodePCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// DecodePCM16LE converts 16-bit little-endian PCM to float samples.
// A trailing odd byte is ignored.
func DecodePCM16LE(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

func floatToInt16(s float32) int16 {
	switch {
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	case s >= 0:
		return int16(s * math.MaxInt16)
	default:
		return int16(s * 32768)
	}
}

// Buffer is decoded mono audio ready to be scheduled.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Frames returns the number of samples in the buffer.
func (b *Buffer) Frames() int {
	if b == nil {
		return 0
	}
	return len(b.Samples)
}

// Seconds returns the buffer duration in seconds.
func (b *Buffer) Seconds() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

func (b *Buffer) Duration() time.Duration {
	return time.Duration(b.Seconds() * float64(time.Second))
}

// Resample converts samples between rates with linear interpolation.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(samples) == 0 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}
	n := int(math.Round(float64(len(samples)) * float64(toRate) / float64(fromRate)))
	if n <= 0 {
		return nil
	}
	out := make([]float32, n)
	step := float64(fromRate) / float64(toRate)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + (samples[idx+1]-samples[idx])*frac
	}
	return out
}
