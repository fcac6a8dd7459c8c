package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	assemblyAIBaseURL = "wss://streaming.assemblyai.com/v3/ws"

	// beginTimeout bounds the wait for the session-begin acknowledgment.
	// The protocol forbids sending audio before it arrives.
	beginTimeout = 5 * time.Second
)

// AssemblyAIProvider implements Provider over AssemblyAI's realtime API.
type AssemblyAIProvider struct {
	apiKey  string
	baseURL string
}

// NewAssemblyAI creates an AssemblyAI live STT provider.
func NewAssemblyAI(apiKey string) *AssemblyAIProvider {
	return &AssemblyAIProvider{apiKey: apiKey, baseURL: assemblyAIBaseURL}
}

// NewAssemblyAIWithBaseURL overrides the websocket endpoint, for tests.
func NewAssemblyAIWithBaseURL(apiKey, baseURL string) *AssemblyAIProvider {
	return &AssemblyAIProvider{apiKey: apiKey, baseURL: baseURL}
}

// Name returns the provider identifier.
func (p *AssemblyAIProvider) Name() string { return "assemblyai" }

// OpenStream connects and waits for the session-begin acknowledgment before
// returning; callers may send audio immediately after.
func (p *AssemblyAIProvider) OpenStream(ctx context.Context, opts Options) (Stream, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse assemblyai url: %w", err)
	}

	q := u.Query()
	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 8000
	}
	q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	encoding := opts.Encoding
	if encoding == "" || encoding == "mulaw" {
		encoding = "pcm_mulaw"
	}
	q.Set("encoding", encoding)
	q.Set("format_turns", "true")
	if opts.EndOfTurnConfidence > 0 {
		q.Set("end_of_turn_confidence_threshold", fmt.Sprintf("%.2f", opts.EndOfTurnConfidence))
	}
	if opts.MinEndOfTurnSilence > 0 {
		q.Set("min_end_of_turn_silence_when_confident", fmt.Sprintf("%d", opts.MinEndOfTurnSilence.Milliseconds()))
	}
	if opts.MaxTurnSilence > 0 {
		q.Set("max_turn_silence", fmt.Sprintf("%d", opts.MaxTurnSilence.Milliseconds()))
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", p.apiKey)

	conn, err := dialWithRetry(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("assemblyai connect: %w", err)
	}

	if err := awaitBegin(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("assemblyai session begin: %w", err)
	}

	s := &assemblyAIStream{
		conn:   conn,
		deltas: make(chan Delta, 64),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// awaitBegin reads until the Begin message arrives.
func awaitBegin(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(beginTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg assemblyAIMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "Begin":
			return nil
		case "Error":
			return fmt.Errorf("server error: %s", msg.Error)
		}
	}
}

type assemblyAIStream struct {
	conn    *websocket.Conn
	deltas  chan Delta
	done    chan struct{}
	writeMu sync.Mutex
	closed  atomic.Bool
}

type assemblyAIMessage struct {
	Type            string  `json:"type"`
	Transcript      string  `json:"transcript"`
	EndOfTurn       bool    `json:"end_of_turn"`
	TurnIsFormatted bool    `json:"turn_is_formatted"`
	EndOfTurnConf   float64 `json:"end_of_turn_confidence"`
	Error           string  `json:"error"`
}

func (s *assemblyAIStream) readLoop() {
	defer func() {
		close(s.deltas)
		close(s.done)
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg assemblyAIMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "Turn":
			if msg.Transcript == "" {
				continue
			}
			// The formatted copy of a turn arrives as a second event after
			// the unformatted end-of-turn one.
			s.deltas <- Delta{
				Text:       msg.Transcript,
				EndOfTurn:  msg.EndOfTurn,
				Formatted:  msg.TurnIsFormatted,
				Confidence: msg.EndOfTurnConf,
			}
		case "Termination":
			return
		case "Error":
			return
		}
	}
}

// SendAudio forwards raw audio bytes.
func (s *assemblyAIStream) SendAudio(data []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("assemblyai stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Deltas returns the transcript channel.
func (s *assemblyAIStream) Deltas() <-chan Delta { return s.deltas }

// Done is closed when the read loop exits.
func (s *assemblyAIStream) Done() <-chan struct{} { return s.done }

// Close requests graceful termination and releases the connection.
func (s *assemblyAIStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.writeMu.Lock()
	s.conn.WriteJSON(map[string]string{"type": "Terminate"})
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}
