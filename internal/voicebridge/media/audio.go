package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/zaf/g711"
)

const wavHeaderSize = 44

// AudioFile represents parsed audio file metadata and data
type AudioFile struct {
	AudioFormat   uint16
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	PCMData       []byte
}

// ReadWAVFile parses a WAV file and returns metadata + PCM audio data
func ReadWAVFile(filePath string) (*AudioFile, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	audioFile, err := ParseWAV(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	slog.Info("[WAV] Loaded audio data", "file", filePath, "size_bytes", len(audioFile.PCMData))
	return audioFile, nil
}

// ParseWAV reads a RIFF/WAVE stream with a PCM fmt chunk.
func ParseWAV(r io.ReadSeeker) (*AudioFile, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" {
		return nil, fmt.Errorf("not a valid RIFF file")
	}
	if string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a valid WAVE file")
	}

	audioFile := &AudioFile{}
	for {
		var chunkID [4]byte
		if _, err := io.ReadFull(r, chunkID[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to read chunk ID: %w", err)
		}

		var chunkSize uint32
		if err := binary.Read(r, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("failed to read chunk size: %w", err)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too short: %d", chunkSize)
			}
			fmtChunk := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, fmtChunk); err != nil {
				return nil, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			audioFile.AudioFormat = binary.LittleEndian.Uint16(fmtChunk[0:])
			if audioFile.AudioFormat != 1 {
				return nil, fmt.Errorf("only PCM audio format (1) is supported, got %d", audioFile.AudioFormat)
			}
			audioFile.NumChannels = binary.LittleEndian.Uint16(fmtChunk[2:])
			audioFile.SampleRate = binary.LittleEndian.Uint32(fmtChunk[4:])
			// byte rate and block align are derived, skip them
			audioFile.BitsPerSample = binary.LittleEndian.Uint16(fmtChunk[14:])

			slog.Debug("[WAV] Parsed format chunk", "sampleRate", audioFile.SampleRate, "channels", audioFile.NumChannels, "bitsPerSample", audioFile.BitsPerSample)

		case "data":
			audioData := make([]byte, chunkSize)
			n, err := io.ReadFull(r, audioData)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("failed to read audio data: %w", err)
			}
			audioFile.PCMData = audioData[:n]
			return audioFile, nil

		default:
			if _, err := r.Seek(int64(chunkSize), io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("failed to skip chunk: %w", err)
			}
		}
	}

	return nil, fmt.Errorf("data chunk not found in WAV file")
}

// EncodeWAV wraps mono 16-bit samples in a canonical 44-byte RIFF header.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	dataSize := uint32(len(samples) * 2)

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+int(dataSize)))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, dataSize+36)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2))
	_ = binary.Write(buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, dataSize)
	buf.Write(PCM16ToBytes(samples))
	return buf.Bytes()
}

// MulawToWAV decodes a µ-law buffer into an 8kHz WAV container.
func MulawToWAV(ulaw []byte) []byte {
	return EncodeWAV(MulawToPCM16(ulaw), CodecMulaw8k.SampleRate)
}

// ResampleAudio converts 16-bit audio to mono at the target sample rate
func ResampleAudio(audioFile *AudioFile, targetRate int) ([]int16, error) {
	if audioFile.BitsPerSample != 0 && audioFile.BitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bits per sample: %d", audioFile.BitsPerSample)
	}
	samples, err := PCM16FromBytes(audioFile.PCMData[:len(audioFile.PCMData)&^1])
	if err != nil {
		return nil, err
	}

	var mono []int16
	switch audioFile.NumChannels {
	case 1:
		mono = samples
	case 2:
		// Simple stereo to mono conversion (average channels)
		mono = make([]int16, len(samples)/2)
		for i := range mono {
			mono[i] = int16((int32(samples[2*i]) + int32(samples[2*i+1])) / 2)
		}
	default:
		return nil, fmt.Errorf("unsupported number of channels: %d", audioFile.NumChannels)
	}

	if int(audioFile.SampleRate) == targetRate {
		return mono, nil
	}

	slog.Debug("[AUDIO] Resampling", "from", audioFile.SampleRate, "to", targetRate, "samples", len(mono))
	return Resample(mono, int(audioFile.SampleRate), targetRate), nil
}

// PCMToPCMU converts 16-bit PCM samples to PCMU (µ-law) encoding using g711 library
func PCMToPCMU(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// LoadHoldAudio returns 8kHz µ-law audio to loop while a caller waits. An
// empty path yields one second of silence.
func LoadHoldAudio(path string) ([]byte, error) {
	if path == "" {
		return Silence(time.Second), nil
	}

	audioFile, err := ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	pcm, err := ResampleAudio(audioFile, CodecMulaw8k.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to resample hold audio: %w", err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("hold audio %s is empty", path)
	}
	return PCMToPCMU(PCM16ToBytes(pcm)), nil
}
