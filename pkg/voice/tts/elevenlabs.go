package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	elevenLabsBaseURL      = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input"
	elevenLabsDefaultModel = "eleven_flash_v2_5"
	// telephonyOutputFormat is 8kHz mulaw, fed to the call leg unmodified.
	telephonyOutputFormat = "ulaw_8000"

	// SilenceDone is the no-message window after a flush that signals the
	// flushed text finished generating. The protocol has no reliable
	// explicit done message.
	SilenceDone = 500 * time.Millisecond

	silencePoll       = 100 * time.Millisecond
	keepAliveInterval = 15 * time.Second
)

// ElevenLabsProvider implements Provider over the stream-input websocket.
type ElevenLabsProvider struct {
	apiKey  string
	baseURL string
}

// NewElevenLabs creates an ElevenLabs live TTS provider.
func NewElevenLabs(apiKey string) *ElevenLabsProvider {
	return &ElevenLabsProvider{apiKey: apiKey, baseURL: elevenLabsBaseURL}
}

// NewElevenLabsWithBaseURL overrides the websocket endpoint, for tests.
func NewElevenLabsWithBaseURL(apiKey, baseURL string) *ElevenLabsProvider {
	return &ElevenLabsProvider{apiKey: apiKey, baseURL: baseURL}
}

// Name returns the provider identifier.
func (p *ElevenLabsProvider) Name() string { return "elevenlabs" }

// OpenStream connects and sends the beginning-of-stream voice settings. Text
// may be streamed immediately after.
func (p *ElevenLabsProvider) OpenStream(ctx context.Context, opts Options) (Stream, error) {
	if strings.TrimSpace(opts.VoiceID) == "" {
		return nil, fmt.Errorf("elevenlabs voice id is required")
	}

	base := strings.ReplaceAll(p.baseURL, "{voice_id}", url.PathEscape(opts.VoiceID))
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse elevenlabs url: %w", err)
	}
	q := u.Query()
	model := opts.Model
	if model == "" {
		model = elevenLabsDefaultModel
	}
	q.Set("model_id", model)
	format := opts.OutputFormat
	if format == "" {
		format = telephonyOutputFormat
	}
	q.Set("output_format", format)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("xi-api-key", p.apiKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs connect: %w", err)
	}

	s := &elevenLabsStream{
		conn:     conn,
		chunks:   make(chan Chunk, 256),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		closeCh:  make(chan struct{}),
	}

	settings := opts.Settings
	if settings == nil {
		settings = &DefaultVoiceSettings
	}
	bos := map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":         settings.Stability,
			"similarity_boost":  settings.SimilarityBoost,
			"style":             settings.Style,
			"use_speaker_boost": settings.UseSpeakerBoost,
		},
	}
	if err := s.writeJSON(bos); err != nil {
		conn.Close()
		return nil, fmt.Errorf("elevenlabs voice settings: %w", err)
	}

	s.wg.Add(2)
	go s.silenceLoop()
	go s.keepAliveLoop()
	go s.readLoop()
	return s, nil
}

type elevenLabsStream struct {
	conn    *websocket.Conn
	chunks  chan Chunk
	done    chan struct{}
	writeMu sync.Mutex
	closed  atomic.Bool

	// readDone stops the helper loops; chunks is closed only after they
	// drain, so helpers never send on a closed channel. closeCh unblocks
	// sends once Close has been called.
	readDone chan struct{}
	closeCh  chan struct{}
	wg       sync.WaitGroup

	// awaiting is set by Flush and cleared when completion is observed.
	awaiting atomic.Bool
	// lastMsg is the unix-nano arrival time of the most recent message.
	lastMsg atomic.Int64
}

type elevenLabsMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
}

func (s *elevenLabsStream) readLoop() {
	defer func() {
		close(s.readDone)
		s.wg.Wait()
		close(s.chunks)
		close(s.done)
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.emitFinal()
			return
		}
		s.lastMsg.Store(time.Now().UnixNano())

		var msg elevenLabsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != "" || msg.IsFinal {
			s.emitFinal()
			continue
		}
		if msg.Audio == "" {
			continue
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			continue
		}
		select {
		case s.chunks <- Chunk{Audio: audio}:
		case <-s.closeCh:
			return
		}
	}
}

// silenceLoop converts post-flush silence into a completion marker.
func (s *elevenLabsStream) silenceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(silencePoll)
	defer ticker.Stop()
	for {
		select {
		case <-s.readDone:
			return
		case <-ticker.C:
			if !s.awaiting.Load() {
				continue
			}
			last := s.lastMsg.Load()
			if last == 0 {
				continue
			}
			if time.Since(time.Unix(0, last)) >= SilenceDone {
				s.emitFinal()
			}
		}
	}
}

func (s *elevenLabsStream) keepAliveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.readDone:
			return
		case <-ticker.C:
			// A lone space keeps the connection open without triggering
			// generation.
			s.writeJSON(map[string]any{"text": " "})
		}
	}
}

func (s *elevenLabsStream) emitFinal() {
	if !s.awaiting.Swap(false) {
		return
	}
	select {
	case s.chunks <- Chunk{Final: true}:
	case <-s.readDone:
	case <-s.closeCh:
	}
}

// SendText queues a text piece for synthesis.
func (s *elevenLabsStream) SendText(text string, trigger bool) error {
	if s.closed.Load() {
		return fmt.Errorf("elevenlabs stream closed")
	}
	if text != "" && !strings.HasSuffix(text, " ") {
		text += " "
	}
	msg := map[string]any{"text": text}
	if trigger {
		msg["try_trigger_generation"] = true
	}
	return s.writeJSON(msg)
}

// Flush forces generation of all queued text and arms completion tracking.
func (s *elevenLabsStream) Flush() error {
	if s.closed.Load() {
		return fmt.Errorf("elevenlabs stream closed")
	}
	s.awaiting.Store(true)
	s.lastMsg.Store(time.Now().UnixNano())
	return s.writeJSON(map[string]any{"text": "", "flush": true})
}

// Chunks returns the audio channel.
func (s *elevenLabsStream) Chunks() <-chan Chunk { return s.chunks }

// Done is closed when the read loop exits.
func (s *elevenLabsStream) Done() <-chan struct{} { return s.done }

// Close sends end-of-stream and releases the connection.
func (s *elevenLabsStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.closeCh)
	s.writeMu.Lock()
	s.conn.WriteJSON(map[string]any{"text": ""})
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *elevenLabsStream) writeJSON(payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(payload)
}
