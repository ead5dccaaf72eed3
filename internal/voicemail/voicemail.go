// Package voicemail renders text into Discord voice messages: a TTS clip
// re-encoded as OGG/Opus with the duration and waveform metadata the client
// needs to draw the inline player.
package voicemail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"layeh.com/gopus"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
)

// Voice messages carry 48 kHz stereo Opus in 20 ms frames, like the rest of
// Discord voice.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * 20 / 1000 // 960
	opusMaxBytes  = 4000

	// waveformBars is the number of amplitude bars the client renders.
	waveformBars = 256
)

// Clip is an encoded voice message ready for upload.
type Clip struct {
	OGG          []byte
	DurationSecs float64
	// Waveform is the base64 encoded bar amplitudes for the visualizer.
	Waveform string
}

// Encode converts a 16-bit PCM WAV into a voice message clip.
func Encode(wav []byte) (Clip, error) {
	var clip Clip
	info, err := audio.DecodeWAV(wav)
	if err != nil {
		return clip, fmt.Errorf("voicemail: decode wav: %w", err)
	}
	if info.Channels != 1 && info.Channels != 2 {
		return clip, fmt.Errorf("voicemail: unsupported channel count %d", info.Channels)
	}

	frames := len(info.PCM) / (2 * info.Channels)
	clip.DurationSecs = float64(frames) / float64(info.SampleRate)
	clip.Waveform = Waveform(info.PCM, info.Channels, waveformBars)

	mono := info.PCM
	if info.Channels == 2 {
		mono = audio.StereoToMono(mono)
	}
	stereo := audio.MonoToStereo(audio.ResampleMono16(mono, info.SampleRate, opusSampleRate))

	clip.OGG, err = encodeOgg(stereo)
	if err != nil {
		return clip, err
	}
	return clip, nil
}

// encodeOgg packs 48 kHz stereo PCM into an OGG/Opus container. The last
// frame is padded with silence to the full 20 ms.
func encodeOgg(stereo []byte) ([]byte, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("voicemail: create opus encoder: %w", err)
	}

	var buf bytes.Buffer
	w, err := oggwriter.NewWith(&buf, opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("voicemail: create ogg writer: %w", err)
	}

	frameBytes := opusFrameSize * opusChannels * 2
	var seq uint16
	var ts uint32
	for off := 0; off < len(stereo); off += frameBytes {
		end := off + frameBytes
		if end > len(stereo) {
			end = len(stereo)
		}
		frame := stereo[off:end]
		if len(frame) < frameBytes {
			padded := make([]byte, frameBytes)
			copy(padded, frame)
			frame = padded
		}

		pkt, err := enc.Encode(bytesToInt16s(frame), opusFrameSize, opusMaxBytes)
		if err != nil {
			return nil, fmt.Errorf("voicemail: opus encode: %w", err)
		}
		p := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           1,
			},
			Payload: pkt,
		}
		if err := w.WriteRTP(p); err != nil {
			return nil, fmt.Errorf("voicemail: write ogg page: %w", err)
		}
		seq++
		ts += opusFrameSize
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("voicemail: close ogg writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Waveform renders the base64 encoded 0-255 amplitude bars the client uses
// for the voice message visualizer. Stereo input is averaged to mono first.
func Waveform(pcm []byte, channels, bars int) string {
	if channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	out := make([]byte, bars)
	samples := len(pcm) / 2
	if samples == 0 {
		return base64.StdEncoding.EncodeToString(out)
	}

	chunk := samples / bars
	if chunk < 1 {
		chunk = 1
	}
	for i := range out {
		start := i * chunk
		if start >= samples {
			break
		}
		end := start + chunk
		if end > samples {
			end = samples
		}
		// Amplified for visibility; quiet speech would otherwise render flat.
		bar := int(audio.RMS(pcm[start*2:end*2]) / 32768 * 255 * 4)
		if bar > 255 {
			bar = 255
		}
		out[i] = byte(bar)
	}
	return base64.StdEncoding.EncodeToString(out)
}

func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// ─── Delivery ───

// Platform uploads the finished clip to a user's DM channel.
type Platform interface {
	SendVoicemailDM(ctx context.Context, userID string, ogg []byte, durationSecs float64, waveform string) error
}

// Option is a functional option for configuring a Sender.
type Option func(*Sender)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Sender) { s.log = log }
}

// Sender synthesizes text and delivers it as a voice message.
type Sender struct {
	tts      tts.Provider
	platform Platform
	log      *slog.Logger
}

// NewSender creates a Sender on top of a shared TTS provider.
func NewSender(synth tts.Provider, p Platform, opts ...Option) *Sender {
	s := &Sender{tts: synth, platform: p, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send synthesizes the text and uploads it as a voice message to the user's
// DMs.
func (s *Sender) Send(ctx context.Context, userID, text string) error {
	wav, err := s.tts.Synthesize(ctx, text, "")
	if err != nil {
		return fmt.Errorf("voicemail: synthesize: %w", err)
	}
	if len(wav) == 0 {
		return fmt.Errorf("voicemail: text has no speakable content")
	}

	clip, err := Encode(wav)
	if err != nil {
		return err
	}
	if err := s.platform.SendVoicemailDM(ctx, userID, clip.OGG, clip.DurationSecs, clip.Waveform); err != nil {
		return err
	}
	s.log.Info("voicemail delivered",
		"user_id", userID, "duration_secs", clip.DurationSecs, "ogg_bytes", len(clip.OGG))
	return nil
}
