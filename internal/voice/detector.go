package voice

import (
	"context"

	"github.com/ent0n29/companion/internal/audio"
)

// Detection is the voice-activity verdict for one batch of samples.
type Detection struct {
	Speech     bool
	Confidence float32
}

// Detector classifies a batch of mono float32 samples.
type Detector interface {
	Detect(ctx context.Context, samples []float32, sampleRate int) (Detection, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, samples []float32, sampleRate int) (Detection, error)

func (f DetectorFunc) Detect(ctx context.Context, samples []float32, sampleRate int) (Detection, error) {
	return f(ctx, samples, sampleRate)
}

// EnergyDetector flags speech when the batch RMS reaches Threshold. It is the
// fallback used when no model-backed detector is wired in.
type EnergyDetector struct {
	Threshold float64
}

func NewEnergyDetector(threshold float64) *EnergyDetector {
	if threshold <= 0 {
		threshold = 0.01
	}
	return &EnergyDetector{Threshold: threshold}
}

func (d *EnergyDetector) Detect(ctx context.Context, samples []float32, _ int) (Detection, error) {
	if err := ctx.Err(); err != nil {
		return Detection{}, err
	}
	rms := audio.RMS(samples)
	conf := rms / d.Threshold / 2
	if conf > 1 {
		conf = 1
	}
	return Detection{Speech: rms >= d.Threshold, Confidence: float32(conf)}, nil
}
