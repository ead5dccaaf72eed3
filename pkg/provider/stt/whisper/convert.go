package whisper

// pcmToFloat32 converts 16-bit little-endian signed PCM to the float32
// samples in [-1, 1] that whisper.cpp expects.
func pcmToFloat32(pcm []byte) []float32 {
	samples := len(pcm) / 2
	out := make([]float32, samples)
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}
