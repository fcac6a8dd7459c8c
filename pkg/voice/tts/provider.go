// Package tts provides live text-to-speech over provider websockets.
package tts

import "context"

// Chunk is a piece of synthesized audio. A Final chunk carries no audio and
// marks completion of the currently flushed text.
type Chunk struct {
	Audio []byte
	Final bool
}

// VoiceSettings is the voice tuning sent before any text.
type VoiceSettings struct {
	Stability       float64
	SimilarityBoost float64
	Style           float64
	UseSpeakerBoost bool
}

// DefaultVoiceSettings is a neutral telephony voice.
var DefaultVoiceSettings = VoiceSettings{
	Stability:       0.5,
	SimilarityBoost: 0.75,
	UseSpeakerBoost: true,
}

// Options configures a synthesis stream.
type Options struct {
	VoiceID string
	Model   string
	// OutputFormat is the provider's audio format label. Empty means 8kHz
	// mulaw for telephony.
	OutputFormat string
	Settings     *VoiceSettings
}

// Stream is one live synthesis session. Text is streamed in sentence-sized
// pieces; audio arrives on Chunks as it is produced.
type Stream interface {
	// SendText queues a text piece. trigger requests immediate generation
	// rather than waiting for the provider's internal buffering.
	SendText(text string, trigger bool) error
	// Flush forces generation of all queued text. Completion is observed
	// as a Final chunk.
	Flush() error
	// Chunks emits synthesized audio. Closed when the session ends.
	Chunks() <-chan Chunk
	// Done is closed when the read loop exits.
	Done() <-chan struct{}
	// Close ends the session and releases the connection.
	Close() error
}

// Provider opens live synthesis streams.
type Provider interface {
	Name() string
	OpenStream(ctx context.Context, opts Options) (Stream, error)
}
