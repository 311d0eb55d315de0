package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

const (
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
)

var ErrOddPCMLength = errors.New("audio: pcm16 payload has odd length")

// Float32ToPCM16LE clamps samples to [-1, 1] and encodes them as little-endian int16.
func Float32ToPCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(float64(s)*math.MaxInt16))))
	}
	return out
}

// PCM16LEToFloat32 decodes little-endian int16 samples into [-1, 1).
func PCM16LEToFloat32(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddPCMLength
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out, nil
}

// PeakAbs returns the largest absolute sample value.
func PeakAbs(samples []float32) float32 {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

// NormalizePeak scales samples in place so the peak absolute value is 1.
// Silent input is left untouched.
func NormalizePeak(samples []float32) []float32 {
	peak := PeakAbs(samples)
	if peak == 0 {
		return samples
	}
	for i := range samples {
		samples[i] /= peak
	}
	return samples
}

// RMS returns the root mean square of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DurationMS converts a sample count to milliseconds. It assumes one element
// per mono sample; interleaved or byte-addressed buffers will be mis-timed.
func DurationMS(samples, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(samples) * 1000 / float64(sampleRate)
}
