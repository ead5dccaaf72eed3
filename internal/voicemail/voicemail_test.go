package voicemail_test

import (
	"context"
	"encoding/base64"
	"math"
	"strings"
	"testing"

	"github.com/MrWong99/voxgate/internal/voicemail"
	"github.com/MrWong99/voxgate/pkg/audio"
	ttsmock "github.com/MrWong99/voxgate/pkg/provider/tts/mock"
)

// tonePCM generates 16-bit mono PCM of a sine tone.
func tonePCM(sampleRate int, seconds, amplitude float64) []byte {
	n := int(float64(sampleRate) * seconds)
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		s := int16(amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

func TestEncode(t *testing.T) {
	t.Parallel()
	wav := audio.EncodeWAV(tonePCM(16000, 1.5, 0.5), 16000, 1)

	clip, err := voicemail.Encode(wav)
	if err != nil {
		t.Fatal(err)
	}
	if clip.DurationSecs < 1.49 || clip.DurationSecs > 1.51 {
		t.Errorf("duration = %.3f, want 1.5", clip.DurationSecs)
	}
	if len(clip.OGG) < 4 || string(clip.OGG[:4]) != "OggS" {
		t.Error("output is not an OGG container")
	}
	bars, err := base64.StdEncoding.DecodeString(clip.Waveform)
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 256 {
		t.Errorf("waveform has %d bars, want 256", len(bars))
	}
}

func TestEncodeRejectsGarbage(t *testing.T) {
	t.Parallel()
	if _, err := voicemail.Encode([]byte("not a wav")); err == nil {
		t.Error("garbage input accepted")
	}
}

func TestWaveform(t *testing.T) {
	t.Parallel()

	silent := voicemail.Waveform(make([]byte, 16000), 1, 256)
	bars, err := base64.StdEncoding.DecodeString(silent)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range bars {
		if b != 0 {
			t.Fatalf("silent audio produced bar %d at index %d", b, i)
		}
	}

	// Full-scale audio clamps at 255 because of the 4x amplification.
	loud := voicemail.Waveform(tonePCM(16000, 1, 1.0), 1, 256)
	bars, err = base64.StdEncoding.DecodeString(loud)
	if err != nil {
		t.Fatal(err)
	}
	if bars[10] != 255 {
		t.Errorf("full-scale bar = %d, want 255", bars[10])
	}

	empty := voicemail.Waveform(nil, 1, 256)
	if decoded, _ := base64.StdEncoding.DecodeString(empty); len(decoded) != 256 {
		t.Error("empty input did not produce a full zero waveform")
	}
}

type fakePlatform struct {
	userID   string
	ogg      []byte
	duration float64
	waveform string
	err      error
}

func (p *fakePlatform) SendVoicemailDM(_ context.Context, userID string, ogg []byte, durationSecs float64, waveform string) error {
	p.userID = userID
	p.ogg = ogg
	p.duration = durationSecs
	p.waveform = waveform
	return p.err
}

func TestSenderSend(t *testing.T) {
	t.Parallel()
	synth := &ttsmock.Provider{
		Result: audio.EncodeWAV(tonePCM(16000, 1, 0.5), 16000, 1),
	}
	p := &fakePlatform{}
	s := voicemail.NewSender(synth, p)

	if err := s.Send(context.Background(), "u1", "see you tomorrow"); err != nil {
		t.Fatal(err)
	}
	if p.userID != "u1" {
		t.Errorf("delivered to %q, want u1", p.userID)
	}
	if len(p.ogg) == 0 || p.duration < 0.9 {
		t.Errorf("clip ogg=%d bytes duration=%.2f", len(p.ogg), p.duration)
	}
	calls := synth.Calls()
	if len(calls) != 1 || calls[0].Text != "see you tomorrow" {
		t.Errorf("synthesize calls = %+v", calls)
	}
}

func TestSenderRejectsUnspeakableText(t *testing.T) {
	t.Parallel()
	synth := &ttsmock.Provider{Result: nil}
	s := voicemail.NewSender(synth, &fakePlatform{})

	err := s.Send(context.Background(), "u1", ":shrug:")
	if err == nil || !strings.Contains(err.Error(), "no speakable content") {
		t.Errorf("err = %v, want no speakable content", err)
	}
}
