package audio

import "testing"

func TestGenerateThinkingSound_LoopsWithoutClick(t *testing.T) {
	t.Parallel()
	wav := GenerateThinkingSound(DefaultThinkingSound())

	info, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if info.SampleRate != WireSampleRate {
		t.Errorf("sample rate = %d, want %d", info.SampleRate, WireSampleRate)
	}
	if info.Channels != 1 {
		t.Errorf("channels = %d, want 1", info.Channels)
	}
	if len(info.PCM) != int(2.5*WireSampleRate)*2 {
		t.Errorf("PCM length = %d bytes", len(info.PCM))
	}

	// The envelope must start and end near zero so looped playback is
	// click-free.
	first := samples16(info.PCM[:2])[0]
	last := samples16(info.PCM[len(info.PCM)-2:])[0]
	if first != 0 {
		t.Errorf("first sample = %d, want 0", first)
	}
	if last > 50 || last < -50 {
		t.Errorf("last sample = %d, want near 0", last)
	}

	if RMS(info.PCM) == 0 {
		t.Error("clip is entirely silent")
	}
}
