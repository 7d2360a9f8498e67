package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/semaphore"

	"github.com/sebas/voicebridge/internal/banner"
	"github.com/sebas/voicebridge/internal/logger"
	"github.com/sebas/voicebridge/internal/voicebridge/agent"
	"github.com/sebas/voicebridge/internal/voicebridge/bridge"
	"github.com/sebas/voicebridge/internal/voicebridge/config"
	"github.com/sebas/voicebridge/internal/voicebridge/events"
	"github.com/sebas/voicebridge/internal/voicebridge/media"
	"github.com/sebas/voicebridge/internal/voicebridge/metrics"
	"github.com/sebas/voicebridge/internal/voicebridge/server"
	"github.com/sebas/voicebridge/internal/voicebridge/store"
	"github.com/sebas/voicebridge/internal/voicebridge/transcribe"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("voicebridge", []banner.ConfigLine{
		{Label: "HTTP", Value: cfg.HTTPAddr},
		{Label: "gRPC", Value: orDisabled(cfg.GRPCAddr)},
		{Label: "Agent", Value: cfg.AgentKind},
		{Label: "Fallback", Value: cfg.Fallback},
		{Label: "Database", Value: orDisabled(cfg.DBPath)},
		{Label: "Node", Value: cfg.NodeID},
	})

	if err := run(cfg); err != nil {
		slog.Error("voicebridge failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := slog.Default()
	m := metrics.New()

	// Notifications: log every event, persist when a database is configured.
	notifiers := []events.Notifier{events.NewLoggingNotifier(log)}
	var st *store.Store
	if cfg.DBPath != "" {
		var err error
		st, err = store.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		notifiers = append(notifiers, st)
		slog.Info("Call store opened", "path", cfg.DBPath)
	}
	notifier := events.NewMultiNotifier(notifiers...)
	defer notifier.Close()

	// Transcription providers, shared by the pipeline agent and the
	// transcription sibling.
	var streaming transcribe.StreamingProvider
	if cfg.DeepgramAPIKey != "" {
		streaming = transcribe.NewDeepgram(transcribe.DeepgramConfig{
			APIKey: cfg.DeepgramAPIKey,
			URL:    cfg.DeepgramURL,
			Logger: log,
		})
	}
	var batch transcribe.BatchProvider
	if cfg.GroqAPIKey != "" {
		batch = transcribe.NewWhisper(transcribe.WhisperConfig{
			APIKey: cfg.GroqAPIKey,
			URL:    cfg.GroqURL,
		})
	}

	factory, err := agentFactory(cfg, streaming, m, log)
	if err != nil {
		return err
	}

	hold, err := media.LoadHoldAudio(cfg.HoldAudioPath)
	if err != nil {
		return fmt.Errorf("hold audio: %w", err)
	}

	srv := server.New(server.Options{
		HTTPAddr: cfg.HTTPAddr,
		GRPCAddr: cfg.GRPCAddr,
		Bridge: bridge.Config{
			Agent:          factory,
			AgentKind:      cfg.AgentKind,
			ConnectTimeout: cfg.AgentConnectTimeout,
			Fallback:       cfg.Fallback,
			HoldAudio:      hold,
			MaxHold:        cfg.MaxHold,
			PlaybackChunk:  cfg.PlaybackChunk,
			DrainTimeout:   cfg.DrainTimeout,
			Notifier:       notifier,
			Events:         events.NewBuilder(cfg.NodeID),
		},
		Streaming: streaming,
		Batch:     batch,
		Transcribe: transcribe.Config{
			Window:         cfg.TranscribeWindow,
			ConnectTimeout: cfg.STTConnectTimeout,
			Limiter:        semaphore.NewWeighted(int64(cfg.MaxTranscriptions)),
		},
		Store:           st,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Metrics:         m,
		Logger:          log,
	})

	// Wait for signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}
	slog.Info("voicebridge stopped")
	return nil
}

func agentFactory(cfg *config.Config, stt transcribe.StreamingProvider, m *metrics.Metrics, log *slog.Logger) (agent.Factory, error) {
	switch cfg.AgentKind {
	case config.AgentElevenLabs:
		input := media.CodecPCM16k
		input.SampleRate = cfg.AgentSampleRate
		return agent.NewElevenLabsFactory(agent.ElevenLabsConfig{
			APIKey:     cfg.ElevenLabsAPIKey,
			AgentID:    cfg.ElevenLabsAgentID,
			BaseURL:    cfg.ElevenLabsURL,
			InputCodec: input,
			Retries:    cfg.AgentRetries,
			Metrics:    m,
			Logger:     log,
		}), nil

	case config.AgentPipeline:
		return agent.NewPipelineFactory(agent.PipelineConfig{
			STT:       stt,
			Responder: &agent.HTTPResponder{URL: cfg.ResponderURL},
			TTS: &agent.ElevenLabsTTS{
				APIKey:  cfg.ElevenLabsAPIKey,
				BaseURL: cfg.ElevenLabsURL,
				VoiceID: cfg.ElevenLabsVoiceID,
				ModelID: cfg.ElevenLabsTTSModel,
			},
			Greeting: cfg.Greeting,
			Metrics:  m,
			Logger:   log,
		}), nil

	default:
		return nil, fmt.Errorf("unknown agent kind %q", cfg.AgentKind)
	}
}

func orDisabled(v string) string {
	if v == "" {
		return "disabled"
	}
	return v
}
