// Package telephony implements the media-stream wire protocol spoken by the
// telephony provider: small JSON envelopes carrying base64 mulaw audio frames
// over a websocket, plus DTMF and lifecycle events.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Event names used by the media-stream protocol.
const (
	EventStart = "start"
	EventMedia = "media"
	EventStop  = "stop"
	EventDTMF  = "dtmf"
	EventMark  = "mark"
	EventClear = "clear"
)

// Audio format constants. Telephony audio is mulaw, 8kHz, mono by convention.
const (
	SampleRate = 8000
	// FrameBytes is one 20ms mulaw frame at 8kHz.
	FrameBytes = 160
)

// Envelope is one message on the media stream.
type Envelope struct {
	Event string `json:"event"`
	Start *Start `json:"start,omitempty"`
	Media *Media `json:"media,omitempty"`
	DTMF  *DTMF  `json:"dtmf,omitempty"`
	Mark  *Mark  `json:"mark,omitempty"`
	// StreamSID identifies the media stream; present on all provider events.
	StreamSID string `json:"streamSid,omitempty"`
}

// Start carries call metadata on the first event of a stream.
type Start struct {
	CallSID    string            `json:"callSid"`
	AccountSID string            `json:"accountSid"`
	StreamSID  string            `json:"streamSid"`
	Custom     map[string]string `json:"customParameters,omitempty"`
}

// Media carries one base64-encoded mulaw audio frame.
type Media struct {
	Payload string `json:"payload"`
}

// DTMF carries a single pressed digit.
type DTMF struct {
	Digit string `json:"digit"`
}

// Mark is a playback checkpoint echoed back by the provider once all audio
// queued before it has been played.
type Mark struct {
	Name string `json:"name"`
}

// DecodeEnvelope parses a raw websocket message into an Envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode media envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("media envelope missing event")
	}
	return &env, nil
}

// AudioPayload decodes the base64 audio of a media envelope.
func (e *Envelope) AudioPayload() ([]byte, error) {
	if e.Media == nil {
		return nil, fmt.Errorf("envelope %q has no media", e.Event)
	}
	raw, err := base64.StdEncoding.DecodeString(e.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return raw, nil
}

// MediaEnvelope builds an outbound media envelope from raw mulaw bytes.
func MediaEnvelope(streamSID string, mulaw []byte) ([]byte, error) {
	env := Envelope{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &Media{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}
	return json.Marshal(env)
}

// DTMFEnvelope builds an outbound DTMF envelope for a single digit.
func DTMFEnvelope(streamSID, digit string) ([]byte, error) {
	env := Envelope{
		Event:     EventDTMF,
		StreamSID: streamSID,
		DTMF:      &DTMF{Digit: digit},
	}
	return json.Marshal(env)
}

// MarkEnvelope builds an outbound playback-checkpoint envelope.
func MarkEnvelope(streamSID, name string) ([]byte, error) {
	env := Envelope{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &Mark{Name: name},
	}
	return json.Marshal(env)
}

// ClearEnvelope builds an envelope that asks the provider to drop any audio
// still queued for playback. Used when a response is cancelled mid-utterance.
func ClearEnvelope(streamSID string) ([]byte, error) {
	env := Envelope{Event: EventClear, StreamSID: streamSID}
	return json.Marshal(env)
}

// Frames splits mulaw audio into protocol-sized frames. The final frame may
// be shorter than FrameBytes.
func Frames(mulaw []byte) [][]byte {
	if len(mulaw) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(mulaw)+FrameBytes-1)/FrameBytes)
	for off := 0; off < len(mulaw); off += FrameBytes {
		end := off + FrameBytes
		if end > len(mulaw) {
			end = len(mulaw)
		}
		frames = append(frames, mulaw[off:end])
	}
	return frames
}
