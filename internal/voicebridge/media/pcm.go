package media

import (
	"encoding/binary"
	"time"
)

const (
	// EnergyWindow bounds how many samples the energy check inspects.
	EnergyWindow = 4000

	// EnergyThreshold is the mean absolute sample value above which a buffer
	// is considered to contain speech.
	EnergyThreshold = 150
)

// PCM16FromBytes reads little-endian 16-bit samples.
func PCM16FromBytes(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, &FrameError{Codec: Codec{Encoding: EncodingPCM16}, Length: len(b), Reason: "odd byte count for 16-bit samples"}
	}
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out, nil
}

// PCM16ToBytes writes samples as little-endian 16-bit values.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Resample converts samples between sample rates.
//
// Integer up-ratios repeat each sample (8k -> 16k doubles every sample), integer
// down-ratios average each group of input samples (16k -> 8k averages adjacent
// pairs), and any other ratio falls back to linear interpolation. No
// anti-aliasing filter is applied.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(samples) == 0 {
		return samples
	}

	switch {
	case toRate%fromRate == 0:
		return upsample(samples, toRate/fromRate)
	case fromRate%toRate == 0:
		return downsample(samples, fromRate/toRate)
	default:
		return interpolate(samples, fromRate, toRate)
	}
}

func upsample(samples []int16, factor int) []int16 {
	out := make([]int16, 0, len(samples)*factor)
	for _, s := range samples {
		for j := 0; j < factor; j++ {
			out = append(out, s)
		}
	}
	return out
}

func downsample(samples []int16, factor int) []int16 {
	out := make([]int16, 0, (len(samples)+factor-1)/factor)
	for i := 0; i < len(samples); i += factor {
		end := i + factor
		if end > len(samples) {
			end = len(samples)
		}
		var sum int32
		for _, s := range samples[i:end] {
			sum += int32(s)
		}
		out = append(out, int16(sum/int32(end-i)))
	}
	return out
}

// interpolate is linear interpolation for non-integer ratios.
func interpolate(samples []int16, fromRate, toRate int) []int16 {
	ratio := float64(fromRate) / float64(toRate)
	outputSamples := int(float64(len(samples)) / ratio)
	out := make([]int16, outputSamples)

	for i := 0; i < outputSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 >= len(samples) {
			out[i] = samples[len(samples)-1]
			continue
		}
		out[i] = int16(float64(samples[srcIdx])*(1-frac) + float64(samples[srcIdx+1])*frac)
	}
	return out
}

// MeanEnergy returns the mean absolute decoded sample value over at most
// EnergyWindow samples of a µ-law buffer.
func MeanEnergy(ulaw []byte) float64 {
	n := len(ulaw)
	if n > EnergyWindow {
		n = EnergyWindow
	}
	if n == 0 {
		return 0
	}
	var total int64
	for _, u := range ulaw[:n] {
		s := int64(ulawDecodeTable[u])
		if s < 0 {
			s = -s
		}
		total += s
	}
	return float64(total) / float64(n)
}

// HasSpeechEnergy reports whether a µ-law buffer is loud enough to be worth
// transcribing.
func HasSpeechEnergy(ulaw []byte) bool {
	return MeanEnergy(ulaw) > EnergyThreshold
}

// Silence returns d worth of encoded µ-law silence.
func Silence(d time.Duration) []byte {
	out := make([]byte, CodecMulaw8k.BytesFor(d))
	for i := range out {
		out[i] = MulawSilence
	}
	return out
}
