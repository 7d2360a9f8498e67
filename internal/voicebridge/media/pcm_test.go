package media

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResampleDuplicatesOnUpsample(t *testing.T) {
	out := Resample([]int16{1, -2, 3}, 8000, 16000)
	assert.Equal(t, []int16{1, 1, -2, -2, 3, 3}, out)
}

func TestResampleAveragesOnDownsample(t *testing.T) {
	out := Resample([]int16{10, 20, -4, -8, 7}, 16000, 8000)
	assert.Equal(t, []int16{15, -6, 7}, out)
}

func TestResampleRoundTripKeepsLength(t *testing.T) {
	in := MulawToPCM16(bytes.Repeat([]byte{0x12, 0x93, 0xFF, 0x40}, 40))
	up := Resample(in, 8000, 16000)
	require.Len(t, up, 2*len(in))
	assert.Equal(t, in, Resample(up, 16000, 8000))
}

func TestResampleInterpolatesOtherRatios(t *testing.T) {
	in := make([]int16, 240)
	for i := range in {
		in[i] = int16(i * 10)
	}
	out := Resample(in, 24000, 16000)
	require.Len(t, out, 160)
	assert.Equal(t, int16(0), out[0])
	assert.Equal(t, int16(15), out[1])
}

func TestResampleSameRate(t *testing.T) {
	in := []int16{1, 2, 3}
	assert.Equal(t, in, Resample(in, 8000, 8000))
}

func TestPCM16Bytes(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	b := PCM16ToBytes(samples)
	require.Len(t, b, 10)
	assert.Equal(t, []byte{0x01, 0x00}, b[2:4])
	assert.Equal(t, []byte{0xFF, 0xFF}, b[4:6])

	back, err := PCM16FromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, samples, back)

	_, err = PCM16FromBytes([]byte{1, 2, 3})
	assert.True(t, errors.Is(err, ErrMalformedFrame))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(CodecMulaw8k, []byte{0xFF}))
	assert.ErrorIs(t, Validate(CodecMulaw8k, nil), ErrMalformedFrame)
	assert.ErrorIs(t, Validate(CodecPCM16k, []byte{1, 2, 3}), ErrMalformedFrame)

	var fe *FrameError
	require.ErrorAs(t, Validate(CodecPCM16k, []byte{1}), &fe)
	assert.Equal(t, 1, fe.Length)
}

func TestSpeechEnergy(t *testing.T) {
	assert.False(t, HasSpeechEnergy(Silence(time.Second)))
	assert.False(t, HasSpeechEnergy(nil))

	loud := PCM16ToMulaw(bytesOfValue(4000, 2000))
	assert.True(t, HasSpeechEnergy(loud))
	assert.InDelta(t, 2000, MeanEnergy(loud), 128)

	// Only the first EnergyWindow samples count.
	quietTail := append(Silence(time.Second), loud...)
	assert.False(t, HasSpeechEnergy(quietTail))
}

func TestCodecFrames(t *testing.T) {
	assert.Equal(t, 160, CodecMulaw8k.SamplesPerFrame())
	assert.Equal(t, 160, CodecMulaw8k.BytesPerFrame())
	assert.Equal(t, 640, CodecPCM16k.BytesPerFrame())
	assert.Equal(t, 20*time.Millisecond, CodecMulaw8k.Duration(160))
	assert.Equal(t, 20*time.Millisecond, CodecPCM16k.Duration(640))
	assert.Equal(t, 320, CodecPCM8k.BytesFor(20*time.Millisecond))
	assert.Equal(t, "mulaw-8k", CodecMulaw8k.String())
	assert.Equal(t, "pcm16-16k", CodecPCM16k.String())
}

func TestParseFormat(t *testing.T) {
	c, err := ParseFormat("pcm_16000")
	require.NoError(t, err)
	assert.Equal(t, CodecPCM16k, c)

	c, err = ParseFormat("pcm_24000")
	require.NoError(t, err)
	assert.Equal(t, 24000, c.SampleRate)

	c, err = ParseFormat("ulaw_8000")
	require.NoError(t, err)
	assert.Equal(t, CodecMulaw8k, c)

	for _, bad := range []string{"", "mp3_44100", "pcm", "pcm_x", "ulaw_16000"} {
		_, err := ParseFormat(bad)
		assert.ErrorIs(t, err, ErrUnsupportedFormat, bad)
	}
}

func bytesOfValue(n int, v int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = v
		} else {
			out[i] = -v
		}
	}
	return out
}
