package media

import "github.com/zaf/g711"

const (
	// ulawClip is the largest magnitude g711 encodes before clipping.
	ulawClip = 0x7F7B

	// MulawSilence is the encoded value of a zero sample.
	MulawSilence byte = 0xFF
)

var ulawDecodeTable [256]int16

func init() {
	for i := range ulawDecodeTable {
		ulawDecodeTable[i] = g711.DecodeUlawFrame(uint8(i))
	}
}

// DecodeMuLaw expands one µ-law byte to a 16-bit linear sample.
func DecodeMuLaw(u byte) int16 {
	return ulawDecodeTable[u]
}

// EncodeMuLaw compresses a 16-bit linear sample to µ-law.
func EncodeMuLaw(sample int16) byte {
	// g711 negates negative samples, which overflows for the minimum.
	if sample == -32768 {
		sample = -32767
	}
	return g711.EncodeUlawFrame(sample)
}

// QuantizationStep returns the width of the µ-law segment that u belongs to,
// in 16-bit linear units.
func QuantizationStep(u byte) int {
	exponent := (^u >> 4) & 0x07
	return 8 << exponent
}

// MulawToPCM16 decodes every byte of a µ-law buffer. The result has one
// sample per input byte.
func MulawToPCM16(ulaw []byte) []int16 {
	out := make([]int16, len(ulaw))
	for i, u := range ulaw {
		out[i] = ulawDecodeTable[u]
	}
	return out
}

// PCM16ToMulaw encodes every sample. The result has one byte per input sample.
func PCM16ToMulaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = EncodeMuLaw(s)
	}
	return out
}
