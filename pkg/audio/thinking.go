package audio

import "math"

// ThinkingSoundOptions tunes [GenerateThinkingSound]. The zero value is not
// usable; start from [DefaultThinkingSound].
type ThinkingSoundOptions struct {
	Tone1Hz    float64 // primary tone frequency
	Tone2Hz    float64 // secondary tone frequency
	ToneMix    float64 // share of tone1 in the mix, 0..1
	PulseHz    float64 // envelope pulse rate
	Volume     float64 // overall volume, 0..1
	Duration   float64 // clip length in seconds (played on loop)
	SampleRate int
}

// DefaultThinkingSound returns the standard soft C3 pulse used as audible
// "working on it" feedback between utterance capture and first speech.
func DefaultThinkingSound() ThinkingSoundOptions {
	return ThinkingSoundOptions{
		Tone1Hz:    130,
		Tone2Hz:    130,
		ToneMix:    0.7,
		PulseHz:    0.3,
		Volume:     0.2,
		Duration:   2.5,
		SampleRate: WireSampleRate,
	}
}

// GenerateThinkingSound renders a gentle pulsed tone as mono 16-bit WAV.
// The (1-cos) envelope starts and ends at zero amplitude so the clip loops
// without click artifacts.
func GenerateThinkingSound(opts ThinkingSoundOptions) []byte {
	numSamples := int(float64(opts.SampleRate) * opts.Duration)
	pcm := make([]byte, numSamples*2)

	tone2Mix := 1.0 - opts.ToneMix
	for i := range numSamples {
		t := float64(i) / float64(opts.SampleRate)

		pulse := 0.5 * (1.0 - math.Cos(2*math.Pi*opts.PulseHz*t))
		t1 := math.Sin(2 * math.Pi * opts.Tone1Hz * t)
		t2 := math.Sin(2 * math.Pi * opts.Tone2Hz * t)

		sample := (opts.ToneMix*t1 + tone2Mix*t2) * pulse * opts.Volume
		v := int32(sample * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}

	return EncodeWAV(pcm, opts.SampleRate, 1)
}
