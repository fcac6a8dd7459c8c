package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callwise/callwise/pkg/call/flags"
	"github.com/callwise/callwise/pkg/call/graph"
	"github.com/callwise/callwise/pkg/call/session"
	"github.com/callwise/callwise/pkg/telephony"
	"github.com/callwise/callwise/pkg/voice/stt"
	"github.com/callwise/callwise/pkg/voice/tts"
)

const testGraphDoc = `{
  "id": "server-test",
  "entry": "greet",
  "nodes": [
    {
      "id": "greet",
      "kind": "response",
      "content": "Hello! Is now a good time?",
      "transitions": [
        {"condition": "caller agrees", "target": "bye"},
        {"condition": "caller declines", "target": "bye"}
      ]
    },
    {"id": "bye", "kind": "end", "content": "Great, goodbye!"}
  ]
}`

type fakeSTTStream struct {
	deltas    chan stt.Delta
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeSTTStream() *fakeSTTStream {
	return &fakeSTTStream{deltas: make(chan stt.Delta, 16), done: make(chan struct{})}
}

func (s *fakeSTTStream) SendAudio([]byte) error   { return nil }
func (s *fakeSTTStream) Deltas() <-chan stt.Delta { return s.deltas }
func (s *fakeSTTStream) Done() <-chan struct{}    { return s.done }
func (s *fakeSTTStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.deltas)
		close(s.done)
	})
	return nil
}

type fakeSTTProvider struct {
	stream *fakeSTTStream
}

func (p *fakeSTTProvider) Name() string { return "fake-stt" }
func (p *fakeSTTProvider) OpenStream(context.Context, stt.Options) (stt.Stream, error) {
	return p.stream, nil
}

type fakeTTSStream struct {
	chunks    chan tts.Chunk
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeTTSStream() *fakeTTSStream {
	return &fakeTTSStream{chunks: make(chan tts.Chunk, 32), done: make(chan struct{})}
}

func (s *fakeTTSStream) SendText(string, bool) error { return nil }

func (s *fakeTTSStream) Flush() error {
	s.chunks <- tts.Chunk{Audio: make([]byte, 160)}
	s.chunks <- tts.Chunk{Final: true}
	return nil
}

func (s *fakeTTSStream) Chunks() <-chan tts.Chunk { return s.chunks }
func (s *fakeTTSStream) Done() <-chan struct{}    { return s.done }
func (s *fakeTTSStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.chunks)
		close(s.done)
	})
	return nil
}

type fakeTTSProvider struct {
	stream *fakeTTSStream
}

func (p *fakeTTSProvider) Name() string { return "fake-tts" }
func (p *fakeTTSProvider) OpenStream(context.Context, tts.Options) (tts.Stream, error) {
	return p.stream, nil
}

type cannedGenerator struct{}

func (cannedGenerator) Generate(context.Context, session.GenerateRequest) (*session.GenerateResult, error) {
	return &session.GenerateResult{Reply: "Could you say more?"}, nil
}

func newTestServer(t *testing.T) (*Server, *fakeSTTStream, *fakeTTSStream) {
	t.Helper()
	g, err := graph.Load([]byte(testGraphDoc))
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	sttStream := newFakeSTTStream()
	ttsStream := newFakeTTSStream()
	srv := New(Config{
		DrainTimeout: 100 * time.Millisecond,
	}, Deps{
		Graph:     g,
		STT:       &fakeSTTProvider{stream: sttStream},
		TTS:       &fakeTTSProvider{stream: ttsStream},
		Generator: cannedGenerator{},
		Flags:     flags.NewMemoryStore(),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return srv, sttStream, ttsStream
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if strings.TrimSpace(string(body)) != "ok" {
		t.Errorf("body = %q, want ok", body)
	}

	srv.SetDraining()
	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz draining: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("draining status = %d, want 503", resp.StatusCode)
	}
}

func TestMedia_RefusedWhileDraining(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.SetDraining()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/media")
	if err != nil {
		t.Fatalf("GET /media: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *telephony.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	var env telephony.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope %q: %v", data, err)
	}
	return &env
}

func TestMedia_CallFlow(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/media?call_id=call-media-test"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial media: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(&telephony.Envelope{
		Event: telephony.EventStart,
		Start: &telephony.Start{StreamSID: "MZ-test"},
	}); err != nil {
		t.Fatalf("write start: %v", err)
	}

	// The greeting arrives as synthesized audio followed by a playback
	// checkpoint.
	var sawMedia bool
	var mark string
	for mark == "" {
		env := readEnvelope(t, ws)
		switch env.Event {
		case telephony.EventMedia:
			sawMedia = true
		case telephony.EventMark:
			mark = env.Mark.Name
		}
	}
	if !sawMedia {
		t.Error("no greeting audio before the mark")
	}

	// Acknowledge playback, then hang up.
	if err := ws.WriteJSON(&telephony.Envelope{
		Event: telephony.EventMark,
		Mark:  &telephony.Mark{Name: mark},
	}); err != nil {
		t.Fatalf("write mark ack: %v", err)
	}
	if err := ws.WriteJSON(&telephony.Envelope{Event: telephony.EventStop}); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.LiveCalls() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("call did not unregister after stop")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCancelLiveCalls(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/media?call_id=call-cancel-test"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial media: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.LiveCalls() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("call never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	srv.CancelLiveCalls()

	deadline = time.Now().Add(2 * time.Second)
	for srv.LiveCalls() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("canceled call did not unregister")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !srv.WaitLiveCalls(context.Background()) {
		t.Error("WaitLiveCalls must report completion once calls are gone")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CALLWISE_GRAPH_PATH", "/etc/callwise/graph.json")
	t.Setenv("CALLWISE_DEEPGRAM_API_KEY", "dg-key")
	t.Setenv("CALLWISE_ELEVENLABS_API_KEY", "el-key")
	t.Setenv("CALLWISE_VOICE_ID", "voice-1")
	t.Setenv("CALLWISE_ANTHROPIC_API_KEY", "an-key")
	t.Setenv("CALLWISE_MAX_CALL_DURATION", "7m")
	t.Setenv("CALLWISE_STT_ENCODING", "linear16")
	t.Setenv("CALLWISE_END_OF_TURN_CONFIDENCE", "0.8")
	t.Setenv("CALLWISE_MIN_END_OF_TURN_SILENCE", "160ms")
	t.Setenv("CALLWISE_MAX_TURN_SILENCE", "2400ms")
	t.Setenv("CALLWISE_STYLE", "direct")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.STTProvider != STTDeepgram {
		t.Errorf("STTProvider = %q, want deepgram", cfg.STTProvider)
	}
	if cfg.MaxCallDuration != 7*time.Minute {
		t.Errorf("MaxCallDuration = %v, want 7m", cfg.MaxCallDuration)
	}
	if cfg.MaxCheckins != 3 {
		t.Errorf("MaxCheckins = %d, want 3", cfg.MaxCheckins)
	}
	if cfg.STTEncoding != "linear16" {
		t.Errorf("STTEncoding = %q, want linear16", cfg.STTEncoding)
	}
	if cfg.EndOfTurnConfidence != 0.8 {
		t.Errorf("EndOfTurnConfidence = %v, want 0.8", cfg.EndOfTurnConfidence)
	}
	if cfg.MinEndOfTurnSilence != 160*time.Millisecond {
		t.Errorf("MinEndOfTurnSilence = %v, want 160ms", cfg.MinEndOfTurnSilence)
	}
	if cfg.MaxTurnSilence != 2400*time.Millisecond {
		t.Errorf("MaxTurnSilence = %v, want 2400ms", cfg.MaxTurnSilence)
	}
	if cfg.Style != "direct" {
		t.Errorf("Style = %q, want direct", cfg.Style)
	}
}

func TestLoadFromEnv_MissingGraphPath(t *testing.T) {
	t.Setenv("CALLWISE_GRAPH_PATH", "")
	t.Setenv("CALLWISE_DEEPGRAM_API_KEY", "dg-key")
	t.Setenv("CALLWISE_ELEVENLABS_API_KEY", "el-key")
	t.Setenv("CALLWISE_VOICE_ID", "voice-1")
	t.Setenv("CALLWISE_ANTHROPIC_API_KEY", "an-key")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("missing graph path must fail")
	}
}

func TestLoadFromEnv_UnknownProvider(t *testing.T) {
	t.Setenv("CALLWISE_GRAPH_PATH", "/etc/callwise/graph.json")
	t.Setenv("CALLWISE_STT_PROVIDER", "whisperx")
	t.Setenv("CALLWISE_ELEVENLABS_API_KEY", "el-key")
	t.Setenv("CALLWISE_VOICE_ID", "voice-1")
	t.Setenv("CALLWISE_ANTHROPIC_API_KEY", "an-key")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("unknown stt provider must fail")
	}
}

func TestLoadFromEnv_InvalidEncodingAndStyle(t *testing.T) {
	t.Setenv("CALLWISE_GRAPH_PATH", "/etc/callwise/graph.json")
	t.Setenv("CALLWISE_DEEPGRAM_API_KEY", "dg-key")
	t.Setenv("CALLWISE_ELEVENLABS_API_KEY", "el-key")
	t.Setenv("CALLWISE_VOICE_ID", "voice-1")
	t.Setenv("CALLWISE_ANTHROPIC_API_KEY", "an-key")

	t.Setenv("CALLWISE_STT_ENCODING", "opus")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("unknown stt encoding must fail")
	}

	t.Setenv("CALLWISE_STT_ENCODING", "mulaw")
	t.Setenv("CALLWISE_STYLE", "sarcastic")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("unknown style must fail")
	}
}
