package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type InputKind string

const (
	InputText      InputKind = "text"
	InputAudio     InputKind = "audio"
	InputImageChat InputKind = "image_chat"
)

type ChunkKind string

const (
	ChunkText  ChunkKind = "text"
	ChunkAudio ChunkKind = "audio"
)

// Options select how an executor is built.
type Options struct {
	VoiceID string
}

// Input is one user turn handed to an executor.
type Input struct {
	Kind          InputKind
	SessionKey    string
	InteractionID string
	Text          string
	Audio         []float32
	SampleRate    int
	ImageBase64   string
	VoiceID       string
	// History holds recent transcript lines, oldest first.
	History []string
}

// Chunk is one piece of streamed output.
type Chunk struct {
	Kind       ChunkKind
	Text       string
	Audio      []float32
	SampleRate int
}

// Builder constructs executors bound to a voice.
type Builder interface {
	Build(ctx context.Context, opts Options) (Executor, error)
}

// Executor runs turns. An executor is owned by one connection at a time.
type Executor interface {
	VoiceID() string
	Execute(ctx context.Context, in Input) (Stream, error)
	Close() error
}

// Stream yields output chunks until io.EOF. Close must always be called.
type Stream interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// Config controls builder construction.
type Config struct {
	Mode             string
	HTTPURL          string
	HTTPTimeout      time.Duration
	HTTPStreamStrict bool
	HTTPRetries      int
	OutputSampleRate int
}

func NewBuilder(cfg Config) (Builder, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "mock"
	}
	switch mode {
	case "mock":
		return NewMockBuilder(cfg.OutputSampleRate), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("pipeline HTTP url is required for http mode")
		}
		return NewHTTPBuilder(cfg.HTTPURL, HTTPOptions{
			Timeout:          cfg.HTTPTimeout,
			Strict:           cfg.HTTPStreamStrict,
			OutputSampleRate: cfg.OutputSampleRate,
			Retries:          cfg.HTTPRetries,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported pipeline mode %q", cfg.Mode)
	}
}
