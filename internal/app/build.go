package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ent0n29/companion/internal/auth"
	"github.com/ent0n29/companion/internal/config"
	"github.com/ent0n29/companion/internal/gateway"
	"github.com/ent0n29/companion/internal/httpapi"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/pipeline"
	"github.com/ent0n29/companion/internal/session"
	"github.com/ent0n29/companion/internal/voice"
)

type BuildResult struct {
	Config   config.Config
	Logger   *slog.Logger
	API      *httpapi.Server
	Gateway  *gateway.Gateway
	Sessions *session.Manager
	Tokens   *session.TokenBroker
	Verifier *auth.Verifier
	Store    memory.Store
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB, replay cache).
	Cleanup func() error
}

// Build wires every component from cfg. metrics may be nil, in which case
// collectors are registered on the default Prometheus registry.
func Build(ctx context.Context, cfg config.Config, metrics *observability.Metrics) (*BuildResult, error) {
	logger := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	verifier := auth.NewVerifier(cfg.Credentials,
		auth.WithReplayWindow(cfg.AuthReplayWindow),
		auth.WithLogger(logger),
	)

	store, err := memory.NewStore(ctx, memory.Config{DatabaseURL: cfg.DatabaseURL})
	if err != nil {
		verifier.Close()
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	builder, err := pipeline.NewBuilder(pipeline.Config{
		Mode:             cfg.PipelineMode,
		HTTPURL:          cfg.PipelineHTTPURL,
		HTTPTimeout:      cfg.PipelineHTTPTimeout,
		HTTPStreamStrict: cfg.PipelineHTTPStrict,
		HTTPRetries:      cfg.PipelineHTTPRetries,
		OutputSampleRate: cfg.AudioOutputSampleRate,
	})
	if err != nil {
		verifier.Close()
		_ = store.Close()
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	tokens := session.NewTokenBroker(cfg.SessionTokenTTL)
	sessions := session.NewManager(cfg.SessionInactivityTimeout, tokens)

	gw := gateway.New(gateway.Deps{
		Verifier: verifier,
		Sessions: sessions,
		Tokens:   tokens,
		Builder:  builder,
		Detector: voice.NewEnergyDetector(cfg.VADEnergyThreshold),
		Store:    store,
		Metrics:  metrics,
		Logger:   logger,
	}, gateway.Config{
		Segmenter: voice.SegmenterConfig{
			SampleRate:       cfg.AudioInputSampleRate,
			MinBatchSamples:  cfg.VADMinBatchSamples,
			PauseThresholdMS: float64(cfg.VADPauseThreshold.Milliseconds()),
			MinSpeechMS:      float64(cfg.VADMinSpeech.Milliseconds()),
		},
		DefaultVoiceID:    cfg.DefaultVoiceID,
		OutputSampleRate:  cfg.AudioOutputSampleRate,
		QueueDepth:        cfg.TaskQueueDepth,
		HistoryTurns:      cfg.MemoryHistoryTurns,
		RedactTranscripts: cfg.MemoryRedactPII,
	})
	sessions.SetExpireHook(gw.SessionExpired)

	api := httpapi.New(cfg, httpapi.Deps{
		Gateway:  gw,
		Sessions: sessions,
		Tokens:   tokens,
		Verifier: verifier,
		Store:    store,
		Metrics:  metrics,
		Logger:   logger,
	})

	cleanup := func() error {
		verifier.Close()
		var errs []error
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close memory store: %w", err))
		}
		return errors.Join(errs...)
	}

	logger.Info("components ready",
		"pipeline_mode", cfg.PipelineMode,
		"store", storeMode(store),
		"auth_configured", verifier.Configured(),
	)

	return &BuildResult{
		Config:   cfg,
		Logger:   logger,
		API:      api,
		Gateway:  gw,
		Sessions: sessions,
		Tokens:   tokens,
		Verifier: verifier,
		Store:    store,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}

func storeMode(s memory.Store) string {
	if _, ok := s.(*memory.PostgresStore); ok {
		return "postgres"
	}
	return "in-memory"
}
