// Package stt provides live speech-to-text over provider websockets.
package stt

import (
	"context"
	"time"
)

// Delta is a streaming transcript update.
type Delta struct {
	Text string
	// EndOfTurn is the provider's turn-boundary signal.
	EndOfTurn bool
	// Formatted reports that the hypothesis is finalized text, not an
	// interim guess.
	Formatted  bool
	Confidence float64
}

// Actionable reports whether the delta should be fed to turn processing.
// Interim hypotheses and unformatted turn boundaries are display-only.
func (d Delta) Actionable() bool { return d.EndOfTurn && d.Formatted }

// Options configures a live transcription stream.
type Options struct {
	// SampleRate in Hz. Zero means telephony default, 8000.
	SampleRate int
	// Encoding is the raw audio encoding, mulaw for telephony.
	Encoding string
	// Model is the provider-specific model identifier.
	Model string

	// End-of-turn tuning. Zero values take provider defaults.
	EndOfTurnConfidence float64
	MinEndOfTurnSilence time.Duration
	MaxTurnSilence      time.Duration
}

// Stream is one live transcription session.
type Stream interface {
	// SendAudio forwards raw audio bytes in the negotiated encoding.
	SendAudio(data []byte) error
	// Deltas emits transcript updates. Closed when the session ends.
	Deltas() <-chan Delta
	// Done is closed when the read loop exits.
	Done() <-chan struct{}
	// Close requests graceful termination and releases the connection.
	Close() error
}

// Provider opens live transcription streams.
type Provider interface {
	Name() string
	OpenStream(ctx context.Context, opts Options) (Stream, error)
}
