package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const wavHeaderSize = 44

// EncodeWAV wraps raw 16-bit little-endian PCM in a canonical RIFF/WAVE
// container with a single fmt and data chunk.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	blockAlign := channels * 2
	byteRate := sampleRate * blockAlign

	out := make([]byte, wavHeaderSize+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}

// WAVInfo describes the PCM payload of a decoded WAV file.
type WAVInfo struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// DecodeWAV parses a RIFF/WAVE container and returns its 16-bit PCM payload.
// Only uncompressed 16-bit PCM is supported. Chunks other than fmt and data
// are skipped.
func DecodeWAV(wav []byte) (WAVInfo, error) {
	var info WAVInfo
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return info, errors.New("audio: not a RIFF/WAVE file")
	}

	pos := 12
	haveFmt := false
	for pos+8 <= len(wav) {
		id := string(wav[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(wav[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(wav) {
			size = len(wav) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return info, errors.New("audio: fmt chunk too short")
			}
			format := binary.LittleEndian.Uint16(wav[body : body+2])
			bits := binary.LittleEndian.Uint16(wav[body+14 : body+16])
			if format != 1 || bits != 16 {
				return info, fmt.Errorf("audio: unsupported WAV format (format=%d, bits=%d)", format, bits)
			}
			info.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			haveFmt = true
		case "data":
			info.PCM = wav[body : body+size]
		}

		// Chunks are word-aligned.
		pos = body + size
		if size%2 == 1 {
			pos++
		}
	}

	if !haveFmt {
		return info, errors.New("audio: missing fmt chunk")
	}
	if info.PCM == nil {
		return info, errors.New("audio: missing data chunk")
	}
	return info, nil
}

// trimSilenceThreshold is the absolute 16-bit amplitude below which a sample
// counts as silence when trimming.
const trimSilenceThreshold = 256

// TrimLeadingSilence removes near-silent frames from the start of a 16-bit
// PCM WAV. Some synthesizers emit a brief silent prefix that adds perceived
// latency to the first sentence. If the clip is entirely silent or cannot be
// parsed, the input is returned unchanged.
func TrimLeadingSilence(wav []byte) []byte {
	info, err := DecodeWAV(wav)
	if err != nil || info.Channels <= 0 {
		return wav
	}

	frameSize := info.Channels * 2
	firstAudible := -1
	for i := 0; i+frameSize <= len(info.PCM); i += frameSize {
		for ch := range info.Channels {
			s := int16(info.PCM[i+ch*2]) | int16(info.PCM[i+ch*2+1])<<8
			if s >= trimSilenceThreshold || s <= -trimSilenceThreshold {
				firstAudible = i
				break
			}
		}
		if firstAudible >= 0 {
			break
		}
	}
	if firstAudible <= 0 {
		return wav
	}
	return EncodeWAV(info.PCM[firstAudible:], info.SampleRate, info.Channels)
}
