package config

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Agent kinds.
const (
	AgentElevenLabs = "elevenlabs"
	AgentPipeline   = "pipeline"
)

// Fallback policies when the agent cannot be reached.
const (
	FallbackHangup = "hangup"
	FallbackHold   = "hold"
)

// Config holds the voicebridge configuration
type Config struct {
	HTTPAddr string
	GRPCAddr string // empty disables the health service
	LogLevel string
	NodeID   string

	AgentKind           string
	ElevenLabsAPIKey    string
	ElevenLabsAgentID   string
	ElevenLabsURL       string
	ElevenLabsVoiceID   string
	ElevenLabsTTSModel  string
	AgentSampleRate     int
	AgentConnectTimeout time.Duration
	AgentRetries        int
	Greeting            string
	ResponderURL        string

	Fallback      string
	HoldAudioPath string
	MaxHold       time.Duration
	PlaybackChunk time.Duration
	DrainTimeout  time.Duration

	DeepgramAPIKey    string
	DeepgramURL       string
	GroqAPIKey        string
	GroqURL           string
	TranscribeWindow  time.Duration
	STTConnectTimeout time.Duration
	MaxTranscriptions int

	DBPath          string
	ShutdownTimeout time.Duration
}

// Load loads configuration from command line flags, environment variables
// and a .env file in the working directory, in that order of precedence
// for environment keys.
func Load() (*Config, error) {
	dotenv, _ := ReadDotEnv(".env")
	return Parse(os.Args[1:], func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	})
}

// Parse builds a Config from args and an environment lookup. Environment
// values override flags.
func Parse(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("voicebridge", flag.ContinueOnError)

	hostname, _ := os.Hostname()

	fs.StringVar(&cfg.HTTPAddr, "http-addr", ":8080", "HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", ":9090", "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level")
	fs.StringVar(&cfg.NodeID, "node-id", hostname, "Node name stamped on events")

	fs.StringVar(&cfg.AgentKind, "agent", AgentElevenLabs, "Agent kind: elevenlabs or pipeline")
	fs.StringVar(&cfg.ElevenLabsURL, "elevenlabs-url", "https://api.elevenlabs.io", "ElevenLabs API base URL")
	fs.StringVar(&cfg.ElevenLabsTTSModel, "tts-model", "eleven_turbo_v2", "ElevenLabs TTS model (pipeline agent)")
	fs.IntVar(&cfg.AgentSampleRate, "agent-rate", 16000, "Agent PCM sample rate until the agent declares one")
	fs.DurationVar(&cfg.AgentConnectTimeout, "agent-connect-timeout", 10*time.Second, "Agent negotiation timeout")
	fs.IntVar(&cfg.AgentRetries, "agent-retries", 1, "Extra agent handshakes after a failure")
	fs.StringVar(&cfg.Greeting, "greeting", "", "Greeting spoken by the pipeline agent")
	fs.StringVar(&cfg.ResponderURL, "responder-url", "", "Text responder URL (pipeline agent)")

	fs.StringVar(&cfg.Fallback, "fallback", FallbackHangup, "Agent failure policy: hangup or hold")
	fs.StringVar(&cfg.HoldAudioPath, "hold-audio", "", "WAV file played while holding (empty plays silence)")
	fs.DurationVar(&cfg.MaxHold, "max-hold", 2*time.Minute, "Longest hold before hanging up")
	fs.DurationVar(&cfg.PlaybackChunk, "chunk", 20*time.Millisecond, "Outbound playback chunk")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", 3*time.Second, "Playback drain limit after the agent ends")

	fs.StringVar(&cfg.DeepgramURL, "deepgram-url", "wss://api.deepgram.com/v1/listen", "Deepgram live URL")
	fs.StringVar(&cfg.GroqURL, "groq-url", "https://api.groq.com/openai/v1/audio/transcriptions", "Whisper-compatible transcription URL")
	fs.DurationVar(&cfg.TranscribeWindow, "transcribe-window", 5*time.Second, "Batch transcription window")
	fs.DurationVar(&cfg.STTConnectTimeout, "stt-connect-timeout", 5*time.Second, "Streaming recognizer connect timeout")
	fs.IntVar(&cfg.MaxTranscriptions, "max-transcriptions", 8, "Concurrent batch transcription requests")

	fs.StringVar(&cfg.DBPath, "db", "voicebridge.db", "SQLite path (empty disables)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "Graceful shutdown limit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Environment overrides
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("HTTP_ADDR", &cfg.HTTPAddr)
	if v, ok := lookupEnv("GRPC_ADDR"); ok {
		cfg.GRPCAddr = v
	}
	str("LOGLEVEL", &cfg.LogLevel)
	str("NODE_ID", &cfg.NodeID)

	str("AGENT_KIND", &cfg.AgentKind)
	str("ELEVENLABS_API_KEY", &cfg.ElevenLabsAPIKey)
	str("ELEVENLABS_AGENT_ID", &cfg.ElevenLabsAgentID)
	str("ELEVENLABS_API_URL", &cfg.ElevenLabsURL)
	str("ELEVENLABS_VOICE_ID", &cfg.ElevenLabsVoiceID)
	str("ELEVENLABS_TTS_MODEL", &cfg.ElevenLabsTTSModel)
	integer("AGENT_SAMPLE_RATE", &cfg.AgentSampleRate)
	duration("AGENT_CONNECT_TIMEOUT", &cfg.AgentConnectTimeout)
	integer("AGENT_RETRIES", &cfg.AgentRetries)
	str("AGENT_GREETING", &cfg.Greeting)
	str("RESPONDER_URL", &cfg.ResponderURL)

	str("AGENT_FALLBACK", &cfg.Fallback)
	str("HOLD_AUDIO_PATH", &cfg.HoldAudioPath)
	duration("MAX_HOLD", &cfg.MaxHold)
	duration("PLAYBACK_CHUNK", &cfg.PlaybackChunk)
	duration("DRAIN_TIMEOUT", &cfg.DrainTimeout)

	str("DEEPGRAM_API_KEY", &cfg.DeepgramAPIKey)
	str("DEEPGRAM_URL", &cfg.DeepgramURL)
	str("GROQ_API_KEY", &cfg.GroqAPIKey)
	str("GROQ_URL", &cfg.GroqURL)
	duration("TRANSCRIBE_WINDOW", &cfg.TranscribeWindow)
	duration("STT_CONNECT_TIMEOUT", &cfg.STTConnectTimeout)
	integer("MAX_TRANSCRIPTIONS", &cfg.MaxTranscriptions)

	if v, ok := lookupEnv("DB_PATH"); ok {
		cfg.DBPath = v
	}
	duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail at call time.
func (c *Config) Validate() error {
	var errs []error
	switch c.AgentKind {
	case AgentElevenLabs:
		if c.ElevenLabsAgentID == "" {
			errs = append(errs, errors.New("ELEVENLABS_AGENT_ID is required for the elevenlabs agent"))
		}
	case AgentPipeline:
		if c.DeepgramAPIKey == "" || c.ResponderURL == "" || c.ElevenLabsVoiceID == "" {
			errs = append(errs, errors.New("pipeline agent needs DEEPGRAM_API_KEY, RESPONDER_URL and ELEVENLABS_VOICE_ID"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown agent kind %q", c.AgentKind))
	}
	switch c.Fallback {
	case FallbackHangup, FallbackHold:
	default:
		errs = append(errs, fmt.Errorf("unknown fallback policy %q", c.Fallback))
	}
	if c.AgentSampleRate <= 0 {
		errs = append(errs, errors.New("agent sample rate must be positive"))
	}
	if c.PlaybackChunk < 10*time.Millisecond || c.PlaybackChunk > time.Second {
		errs = append(errs, fmt.Errorf("playback chunk %s out of range", c.PlaybackChunk))
	}
	if c.MaxTranscriptions < 1 {
		errs = append(errs, errors.New("max transcriptions must be at least 1"))
	}
	return errors.Join(errs...)
}

// ReadDotEnv parses KEY=VALUE lines. Blank lines and # comments are skipped,
// an "export " prefix is allowed and matching outer quotes are stripped.
func ReadDotEnv(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vals := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
			val = val[1 : len(val)-1]
		}
		vals[key] = val
	}
	return vals, sc.Err()
}
