package voice

import (
	"context"
	"fmt"

	"github.com/ent0n29/companion/internal/audio"
)

type State string

const (
	StateIdle      State = "idle"
	StateCapturing State = "capturing"
)

// SegmenterConfig tunes utterance detection.
type SegmenterConfig struct {
	SampleRate      int
	MinBatchSamples int
	// PauseThresholdMS is the trailing silence that closes an utterance.
	PauseThresholdMS float64
	// MinSpeechMS is the shortest voiced span worth emitting on a pause.
	MinSpeechMS float64
}

func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		SampleRate:       audio.DefaultInputSampleRate,
		MinBatchSamples:  1024,
		PauseThresholdMS: 650,
		MinSpeechMS:      200,
	}
}

// Segment is one emitted utterance, peak-normalized.
type Segment struct {
	Samples    []float32
	SampleRate int
	DurationMS float64
	// Forced is set when the segment was flushed by an end-of-session event.
	Forced bool
}

// Segmenter turns a frame stream into utterances. It is owned by a single
// connection and is not safe for concurrent use.
type Segmenter struct {
	cfg      SegmenterConfig
	detector Detector

	state   State
	pending []float32
	speech  []float32
	pauseMS float64
}

func NewSegmenter(cfg SegmenterConfig, detector Detector) *Segmenter {
	def := DefaultSegmenterConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.MinBatchSamples <= 0 {
		cfg.MinBatchSamples = def.MinBatchSamples
	}
	if cfg.PauseThresholdMS <= 0 {
		cfg.PauseThresholdMS = def.PauseThresholdMS
	}
	if cfg.MinSpeechMS < 0 {
		cfg.MinSpeechMS = def.MinSpeechMS
	}
	if detector == nil {
		detector = NewEnergyDetector(0)
	}
	return &Segmenter{cfg: cfg, detector: detector, state: StateIdle}
}

func (s *Segmenter) State() State { return s.state }

// Buffered returns the number of samples held for the current utterance.
func (s *Segmenter) Buffered() int { return len(s.speech) }

// Push appends frames and classifies them once at least MinBatchSamples are
// pending. On a detector failure the utterance buffer is dropped and the
// error returned.
func (s *Segmenter) Push(ctx context.Context, frames []float32) ([]Segment, error) {
	s.pending = append(s.pending, frames...)
	if len(s.pending) < s.cfg.MinBatchSamples {
		return nil, nil
	}
	batch := s.pending
	s.pending = nil

	det, err := s.detector.Detect(ctx, batch, s.cfg.SampleRate)
	if err != nil {
		s.Reset()
		return nil, fmt.Errorf("voice activity detection: %w", err)
	}

	switch s.state {
	case StateIdle:
		if !det.Speech {
			return nil, nil
		}
		s.state = StateCapturing
		s.speech = append(s.speech[:0], batch...)
		s.pauseMS = 0
		return nil, nil
	default:
		s.speech = append(s.speech, batch...)
		if det.Speech {
			s.pauseMS = 0
			return nil, nil
		}
		s.pauseMS += audio.DurationMS(len(batch), s.cfg.SampleRate)
		if s.pauseMS <= s.cfg.PauseThresholdMS {
			return nil, nil
		}
		// Trailing silence does not count towards the minimum.
		if audio.DurationMS(len(s.speech), s.cfg.SampleRate)-s.pauseMS <= s.cfg.MinSpeechMS {
			s.Reset()
			return nil, nil
		}
		return []Segment{s.emit(false)}, nil
	}
}

// Flush emits whatever is buffered regardless of duration, for an explicit
// end of the audio session.
func (s *Segmenter) Flush() (Segment, bool) {
	if s.state == StateCapturing {
		s.speech = append(s.speech, s.pending...)
	}
	if len(s.speech) == 0 {
		s.Reset()
		return Segment{}, false
	}
	return s.emit(true), true
}

// Reset discards all buffered audio and returns to Idle.
func (s *Segmenter) Reset() {
	s.state = StateIdle
	s.pending = nil
	s.speech = nil
	s.pauseMS = 0
}

func (s *Segmenter) emit(forced bool) Segment {
	samples := s.speech
	s.speech = nil
	s.Reset()
	return Segment{
		Samples:    audio.NormalizePeak(samples),
		SampleRate: s.cfg.SampleRate,
		DurationMS: audio.DurationMS(len(samples), s.cfg.SampleRate),
		Forced:     forced,
	}
}
