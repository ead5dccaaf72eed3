package piper

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// fakePiper writes a shell script that emits the WAV clip stored at the path
// in $PIPER_FAKE_WAV, standing in for the real piper CLI.
func fakePiper(t *testing.T, wav []byte) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture requires a POSIX shell")
	}
	dir := t.TempDir()
	wavPath := filepath.Join(dir, "clip.wav")
	if err := os.WriteFile(wavPath, wav, 0o644); err != nil {
		t.Fatal(err)
	}
	script := filepath.Join(dir, "piper")
	if err := os.WriteFile(script, []byte("#!/bin/sh\ncat \"$PIPER_FAKE_WAV\"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PIPER_FAKE_WAV", wavPath)
	return script
}

func TestSynthesize(t *testing.T) {
	pcm := make([]byte, 3200)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i+1] = 0x08
	}
	wav := audio.EncodeWAV(pcm, 22050, 1)
	bin := fakePiper(t, wav)

	p, err := New("model.onnx", WithBinary(bin))
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.Synthesize(context.Background(), "Hello there.", "")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, wav) {
		t.Errorf("got %d bytes, want the %d byte fixture", len(got), len(wav))
	}
}

func TestSynthesize_EmptyAfterCleaning(t *testing.T) {
	t.Parallel()
	p, err := New("model.onnx", WithBinary("/nonexistent/piper"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.Synthesize(context.Background(), "```code only```", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil audio, got %d bytes", len(got))
	}
}

func TestNew_EmptyModelPath(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Error("expected error for empty model path")
	}
}

func TestWarmUp_MissingModel(t *testing.T) {
	t.Parallel()
	p, err := New(filepath.Join(t.TempDir(), "missing.onnx"))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.WarmUp(context.Background()); err == nil {
		t.Error("expected error for missing voice model")
	}
}
