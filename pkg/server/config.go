package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/callwise/callwise/pkg/call/fastpath"
)

// Provider selector values.
const (
	STTDeepgram   = "deepgram"
	STTAssemblyAI = "assemblyai"

	LLMAnthropic = "anthropic"
	LLMGemini    = "gemini"
)

type Config struct {
	Addr string

	// GraphPath points at the conversation graph document loaded at startup.
	GraphPath string

	// Speech-to-text.
	STTProvider      string
	DeepgramAPIKey   string
	AssemblyAIAPIKey string
	STTModel         string
	// STTEncoding selects the audio form sent upstream: mulaw passes
	// telephony frames through, linear16 expands them to PCM first.
	STTEncoding string

	// End-of-turn tuning. Zero values take provider defaults.
	EndOfTurnConfidence float64
	MinEndOfTurnSilence time.Duration
	MaxTurnSilence      time.Duration

	// Text-to-speech.
	ElevenLabsAPIKey string
	VoiceID          string
	TTSModel         string
	// TTSFormat is the provider's output format label. Empty means 8kHz
	// mulaw; pcm formats are companded back to mulaw per frame.
	TTSFormat string

	// Style selects objection response variants.
	Style string

	// Answer generation.
	LLMProvider     string
	AnthropicAPIKey string
	GeminiAPIKey    string
	GeneratorModel  string
	// ClassifierModel drives the cheap first stage on expensive nodes.
	// Empty disables two-stage resolution.
	ClassifierModel string

	// Cross-worker flag store. Empty means in-process flags only.
	RedisAddr string
	// Transcript persistence. Empty disables it.
	PostgresDSN string

	// Per-call limits.
	MaxCallDuration time.Duration
	IdleThreshold   time.Duration
	MaxCheckins     int
	GenerateTimeout time.Duration
	DrainTimeout    time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("CALLWISE_ADDR", ":8080"),
		GraphPath:           envOr("CALLWISE_GRAPH_PATH", ""),
		STTProvider:         envOr("CALLWISE_STT_PROVIDER", STTDeepgram),
		DeepgramAPIKey:      envOr("CALLWISE_DEEPGRAM_API_KEY", ""),
		AssemblyAIAPIKey:    envOr("CALLWISE_ASSEMBLYAI_API_KEY", ""),
		STTModel:            envOr("CALLWISE_STT_MODEL", ""),
		STTEncoding:         envOr("CALLWISE_STT_ENCODING", ""),
		EndOfTurnConfidence: envFloat64Or("CALLWISE_END_OF_TURN_CONFIDENCE", 0),
		MinEndOfTurnSilence: envDurationOr("CALLWISE_MIN_END_OF_TURN_SILENCE", 0),
		MaxTurnSilence:      envDurationOr("CALLWISE_MAX_TURN_SILENCE", 0),
		ElevenLabsAPIKey:    envOr("CALLWISE_ELEVENLABS_API_KEY", ""),
		VoiceID:             envOr("CALLWISE_VOICE_ID", ""),
		TTSModel:            envOr("CALLWISE_TTS_MODEL", ""),
		TTSFormat:           envOr("CALLWISE_TTS_FORMAT", ""),
		Style:               envOr("CALLWISE_STYLE", ""),
		LLMProvider:         envOr("CALLWISE_LLM_PROVIDER", LLMAnthropic),
		AnthropicAPIKey:     envOr("CALLWISE_ANTHROPIC_API_KEY", ""),
		GeminiAPIKey:        envOr("CALLWISE_GEMINI_API_KEY", ""),
		GeneratorModel:      envOr("CALLWISE_GENERATOR_MODEL", "claude-3-5-haiku-latest"),
		ClassifierModel:     envOr("CALLWISE_CLASSIFIER_MODEL", ""),
		RedisAddr:           envOr("CALLWISE_REDIS_ADDR", ""),
		PostgresDSN:         envOr("CALLWISE_POSTGRES_DSN", ""),
		MaxCallDuration:     envDurationOr("CALLWISE_MAX_CALL_DURATION", 10*time.Minute),
		IdleThreshold:       envDurationOr("CALLWISE_IDLE_THRESHOLD", 6*time.Second),
		MaxCheckins:         envIntOr("CALLWISE_MAX_CHECKINS", 3),
		GenerateTimeout:     envDurationOr("CALLWISE_GENERATE_TIMEOUT", 4*time.Second),
		DrainTimeout:        envDurationOr("CALLWISE_DRAIN_TIMEOUT", 5*time.Second),
		ReadHeaderTimeout:   envDurationOr("CALLWISE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("CALLWISE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.GraphPath == "" {
		return Config{}, fmt.Errorf("CALLWISE_GRAPH_PATH is required")
	}

	switch cfg.STTProvider {
	case STTDeepgram:
		if cfg.DeepgramAPIKey == "" {
			return Config{}, fmt.Errorf("CALLWISE_DEEPGRAM_API_KEY is required for the deepgram provider")
		}
	case STTAssemblyAI:
		if cfg.AssemblyAIAPIKey == "" {
			return Config{}, fmt.Errorf("CALLWISE_ASSEMBLYAI_API_KEY is required for the assemblyai provider")
		}
	default:
		return Config{}, fmt.Errorf("CALLWISE_STT_PROVIDER must be one of deepgram|assemblyai")
	}

	switch cfg.STTEncoding {
	case "", "mulaw", "linear16":
	default:
		return Config{}, fmt.Errorf("CALLWISE_STT_ENCODING must be one of mulaw|linear16")
	}
	if cfg.EndOfTurnConfidence < 0 || cfg.EndOfTurnConfidence > 1 {
		return Config{}, fmt.Errorf("CALLWISE_END_OF_TURN_CONFIDENCE must be in [0,1]")
	}

	switch fastpath.Style(cfg.Style) {
	case fastpath.StyleDefault, fastpath.StyleDirect, fastpath.StyleAnalytical,
		fastpath.StyleAmiable, fastpath.StyleExpressive:
	default:
		return Config{}, fmt.Errorf("CALLWISE_STYLE must be one of direct|analytical|amiable|expressive")
	}

	if cfg.ElevenLabsAPIKey == "" {
		return Config{}, fmt.Errorf("CALLWISE_ELEVENLABS_API_KEY is required")
	}
	if cfg.VoiceID == "" {
		return Config{}, fmt.Errorf("CALLWISE_VOICE_ID is required")
	}

	switch cfg.LLMProvider {
	case LLMAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return Config{}, fmt.Errorf("CALLWISE_ANTHROPIC_API_KEY is required for the anthropic provider")
		}
	case LLMGemini:
		if cfg.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("CALLWISE_GEMINI_API_KEY is required for the gemini provider")
		}
	default:
		return Config{}, fmt.Errorf("CALLWISE_LLM_PROVIDER must be one of anthropic|gemini")
	}

	if cfg.MaxCallDuration <= 0 {
		return Config{}, fmt.Errorf("CALLWISE_MAX_CALL_DURATION must be > 0")
	}
	if cfg.IdleThreshold <= 0 {
		return Config{}, fmt.Errorf("CALLWISE_IDLE_THRESHOLD must be > 0")
	}
	if cfg.MaxCheckins <= 0 {
		return Config{}, fmt.Errorf("CALLWISE_MAX_CHECKINS must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLWISE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLWISE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
