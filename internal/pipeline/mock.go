package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/ent0n29/companion/internal/audio"
)

// MockBuilder provides deterministic local replies when no inference backend
// is configured.
type MockBuilder struct {
	sampleRate int
	builds     atomic.Int64
}

func NewMockBuilder(outputSampleRate int) *MockBuilder {
	if outputSampleRate <= 0 {
		outputSampleRate = audio.DefaultOutputSampleRate
	}
	return &MockBuilder{sampleRate: outputSampleRate}
}

// Builds returns how many executors have been built.
func (b *MockBuilder) Builds() int64 { return b.builds.Load() }

func (b *MockBuilder) Build(ctx context.Context, opts Options) (Executor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.builds.Add(1)
	return &mockExecutor{voiceID: opts.VoiceID, sampleRate: b.sampleRate}, nil
}

type mockExecutor struct {
	voiceID    string
	sampleRate int
	closed     atomic.Bool
}

func (e *mockExecutor) VoiceID() string { return e.voiceID }

func (e *mockExecutor) Execute(ctx context.Context, in Input) (Stream, error) {
	if e.closed.Load() {
		return nil, fmt.Errorf("executor for voice %q is closed", e.voiceID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := buildMockReply(in)
	return NewSliceStream(
		Chunk{Kind: ChunkText, Text: text},
		Chunk{Kind: ChunkAudio, Audio: tone(len(text), e.sampleRate), SampleRate: e.sampleRate},
	), nil
}

func (e *mockExecutor) Close() error {
	e.closed.Store(true)
	return nil
}

func buildMockReply(in Input) string {
	var base string
	switch in.Kind {
	case InputAudio:
		base = fmt.Sprintf("I heard %.0fms of audio.", audio.DurationMS(len(in.Audio), in.SampleRate))
	case InputImageChat:
		base = "I see your image. " + strings.TrimSpace(in.Text)
	default:
		base = "I heard you: " + strings.TrimSpace(in.Text)
	}
	base = strings.TrimSpace(base)
	if len(in.History) == 0 {
		return base
	}
	last := strings.TrimSpace(in.History[len(in.History)-1])
	if last == "" {
		return base
	}
	return fmt.Sprintf("%s\nI also remember: %s", base, last)
}

// tone renders a short 220Hz beep, 10ms per reply character capped at one second.
func tone(chars, sampleRate int) []float32 {
	ms := chars * 10
	if ms > 1000 {
		ms = 1000
	}
	if ms < 50 {
		ms = 50
	}
	n := sampleRate * ms / 1000
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*220*float64(i)/float64(sampleRate)))
	}
	return out
}
