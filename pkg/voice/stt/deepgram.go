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
	"github.com/sethvargo/go-retry"
)

const (
	deepgramBaseURL      = "wss://api.deepgram.com/v1/listen"
	deepgramDefaultModel = "nova-2-phonecall"

	// dialAttempts bounds reconnect-style retries on the initial dial.
	dialAttempts = 3
	dialBackoff  = 250 * time.Millisecond
)

// DeepgramProvider implements Provider over Deepgram's live websocket.
type DeepgramProvider struct {
	apiKey  string
	baseURL string
}

// NewDeepgram creates a Deepgram live STT provider.
func NewDeepgram(apiKey string) *DeepgramProvider {
	return &DeepgramProvider{apiKey: apiKey, baseURL: deepgramBaseURL}
}

// NewDeepgramWithBaseURL overrides the websocket endpoint, for tests.
func NewDeepgramWithBaseURL(apiKey, baseURL string) *DeepgramProvider {
	return &DeepgramProvider{apiKey: apiKey, baseURL: baseURL}
}

// Name returns the provider identifier.
func (p *DeepgramProvider) Name() string { return "deepgram" }

// OpenStream connects a live transcription session.
func (p *DeepgramProvider) OpenStream(ctx context.Context, opts Options) (Stream, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse deepgram url: %w", err)
	}

	q := u.Query()
	model := opts.Model
	if model == "" {
		model = deepgramDefaultModel
	}
	q.Set("model", model)
	encoding := opts.Encoding
	if encoding == "" {
		encoding = "mulaw"
	}
	q.Set("encoding", encoding)
	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 8000
	}
	q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")
	if opts.MinEndOfTurnSilence > 0 {
		q.Set("endpointing", fmt.Sprintf("%d", opts.MinEndOfTurnSilence.Milliseconds()))
	}
	if opts.MaxTurnSilence > 0 {
		q.Set("utterance_end_ms", fmt.Sprintf("%d", opts.MaxTurnSilence.Milliseconds()))
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+p.apiKey)

	conn, err := dialWithRetry(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("deepgram connect: %w", err)
	}

	s := &deepgramStream{
		conn:   conn,
		deltas: make(chan Delta, 64),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type deepgramStream struct {
	conn    *websocket.Conn
	deltas  chan Delta
	done    chan struct{}
	writeMu sync.Mutex
	closed  atomic.Bool
}

type deepgramResult struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramStream) readLoop() {
	defer func() {
		close(s.deltas)
		close(s.done)
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg deepgramResult
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
			continue
		}
		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		// Deepgram's formatted-final and turn-end flags arrive on the same
		// message; a hypothesis is actionable only with both set.
		s.deltas <- Delta{
			Text:       alt.Transcript,
			EndOfTurn:  msg.SpeechFinal,
			Formatted:  msg.IsFinal,
			Confidence: alt.Confidence,
		}
	}
}

// SendAudio forwards raw audio bytes.
func (s *deepgramStream) SendAudio(data []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("deepgram stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Deltas returns the transcript channel.
func (s *deepgramStream) Deltas() <-chan Delta { return s.deltas }

// Done is closed when the read loop exits.
func (s *deepgramStream) Done() <-chan struct{} { return s.done }

// Close sends CloseStream and releases the connection.
func (s *deepgramStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.writeMu.Lock()
	s.conn.WriteJSON(map[string]string{"type": "CloseStream"})
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}

// dialWithRetry dials with bounded exponential backoff. A failed handshake
// mid-call is retried a few times before the call is declared unhealthy.
func dialWithRetry(ctx context.Context, wsURL string, header http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	var conn *websocket.Conn
	backoff := retry.WithMaxRetries(dialAttempts-1, retry.NewExponential(dialBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var dialErr error
		conn, _, dialErr = dialer.DialContext(ctx, wsURL, header)
		if dialErr != nil {
			return retry.RetryableError(dialErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
