package wakeword

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// The model consumes 80 ms frames of 16 kHz mono audio and emits one score
// per frame.
const (
	frameSamples = 1280
	frameBytes   = frameSamples * 2
)

// Compile-time assertion that ONNXDetector satisfies Detector.
var _ Detector = (*ONNXDetector)(nil)

// ONNXOption is a functional option for configuring an ONNXDetector.
type ONNXOption func(*ONNXDetector)

// WithThreshold sets the detection score threshold in [0, 1]. Defaults to 0.5.
func WithThreshold(threshold float64) ONNXOption {
	return func(d *ONNXDetector) { d.threshold = float32(threshold) }
}

// WithInputName sets the model's input tensor name. Defaults to "input".
func WithInputName(name string) ONNXOption {
	return func(d *ONNXDetector) { d.inputName = name }
}

// WithOutputName sets the model's output tensor name. Defaults to "output".
func WithOutputName(name string) ONNXOption {
	return func(d *ONNXDetector) { d.outputName = name }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) ONNXOption {
	return func(d *ONNXDetector) { d.log = log }
}

// ONNXDetector scores fixed-size audio frames with a wake word model.
type ONNXDetector struct {
	modelPath  string
	threshold  float32
	inputName  string
	outputName string
	log        *slog.Logger

	// The session and its tensors are reused across calls, so Run must be
	// serialised.
	mu      sync.Mutex
	session *ort.Session[float32]
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewONNX creates an ONNXDetector for the model at modelPath. The session is
// created lazily by WarmUp or the first Detect call.
func NewONNX(modelPath string, opts ...ONNXOption) (*ONNXDetector, error) {
	if modelPath == "" {
		return nil, errors.New("wakeword: modelPath must not be empty")
	}
	d := &ONNXDetector{
		modelPath:  modelPath,
		threshold:  0.5,
		inputName:  "input",
		outputName: "output",
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// WarmUp creates the ONNX session.
func (d *ONNXDetector) WarmUp(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ensureSessionLocked()
}

func (d *ONNXDetector) ensureSessionLocked() error {
	if d.session != nil {
		return nil
	}
	if _, err := os.Stat(d.modelPath); err != nil {
		return fmt.Errorf("wakeword: model not readable: %w", err)
	}
	if err := ensureOrtEnv(); err != nil {
		return fmt.Errorf("wakeword: initialise onnxruntime: %w", err)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, frameSamples))
	if err != nil {
		return fmt.Errorf("wakeword: create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		input.Destroy()
		return fmt.Errorf("wakeword: create output tensor: %w", err)
	}
	session, err := ort.NewSession[float32](
		d.modelPath,
		[]string{d.inputName},
		[]string{d.outputName},
		[]*ort.Tensor[float32]{input},
		[]*ort.Tensor[float32]{output},
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return fmt.Errorf("wakeword: create session: %w", err)
	}

	d.session = session
	d.input = input
	d.output = output
	d.log.Info("wake word model loaded", "path", d.modelPath, "threshold", d.threshold)
	return nil
}

// Detect slides an 80 ms window over the utterance and reports whether any
// frame scores at or above the threshold. Trailing audio shorter than one
// frame is ignored.
func (d *ONNXDetector) Detect(ctx context.Context, pcm []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureSessionLocked(); err != nil {
		return false, err
	}

	in := d.input.GetData()
	for off := 0; off+frameBytes <= len(pcm); off += frameBytes {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		frame := pcm[off : off+frameBytes]
		for i := 0; i < frameSamples; i++ {
			s := int16(frame[i*2]) | int16(frame[i*2+1])<<8
			in[i] = float32(s) / 32768.0
		}
		if err := d.session.Run(); err != nil {
			return false, fmt.Errorf("wakeword: inference: %w", err)
		}
		score := d.output.GetData()[0]
		if score >= d.threshold {
			d.log.Info("wake word detected", "score", score, "offset_bytes", off)
			return true, nil
		}
	}
	return false, nil
}

// Reset is a no-op; the model carries no state between frames.
func (d *ONNXDetector) Reset() {}

// Close destroys the session and its tensors.
func (d *ONNXDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		d.session.Destroy()
		d.input.Destroy()
		d.output.Destroy()
		d.session = nil
		d.input = nil
		d.output = nil
	}
	return nil
}
