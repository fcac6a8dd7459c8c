// Package server exposes the worker's HTTP surface: the websocket media
// endpoint that runs one bridged call per connection, plus health and
// drain handling for rolling deploys.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/callwise/callwise/pkg/bridge"
	"github.com/callwise/callwise/pkg/call/fastpath"
	"github.com/callwise/callwise/pkg/call/flags"
	"github.com/callwise/callwise/pkg/call/graph"
	"github.com/callwise/callwise/pkg/call/health"
	"github.com/callwise/callwise/pkg/call/session"
	"github.com/callwise/callwise/pkg/call/store"
	"github.com/callwise/callwise/pkg/core/llm/anthropic"
	"github.com/callwise/callwise/pkg/core/llm/gemini"
	"github.com/callwise/callwise/pkg/telephony"
	"github.com/callwise/callwise/pkg/voice/stt"
	"github.com/callwise/callwise/pkg/voice/tts"
)

// saveTimeout bounds the transcript write after a call ends.
const saveTimeout = 10 * time.Second

// Deps are the per-process collaborators shared by every call.
type Deps struct {
	Graph     *graph.Graph
	STT       stt.Provider
	TTS       tts.Provider
	Generator session.Generator
	// TwoStage is optional; nil disables the cheap classifier stage.
	TwoStage *fastpath.TwoStage
	// Knowledge is optional retrieval context for the generator.
	Knowledge session.Knowledge
	Functions map[string]session.FunctionHandler
	Flags     flags.Store
	// Store is optional transcript persistence.
	Store *store.Store
}

type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux

	upgrader websocket.Upgrader

	draining atomic.Bool

	liveMu sync.Mutex
	live   map[string]context.CancelFunc
	liveWG sync.WaitGroup
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Media streams come from the telephony provider, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		live: make(map[string]context.CancelFunc),
	}
	s.routes()
	return s
}

// BuildDeps constructs the shared collaborators from configuration. The
// returned cleanup releases provider connections and the store pool.
func BuildDeps(ctx context.Context, cfg Config, logger *slog.Logger) (Deps, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(cfg.GraphPath)
	if err != nil {
		return Deps{}, nil, fmt.Errorf("read graph: %w", err)
	}
	g, err := graph.Load(data)
	if err != nil {
		return Deps{}, nil, fmt.Errorf("load graph %q: %w", cfg.GraphPath, err)
	}

	var sttProvider stt.Provider
	switch cfg.STTProvider {
	case STTAssemblyAI:
		sttProvider = stt.NewAssemblyAI(cfg.AssemblyAIAPIKey)
	default:
		sttProvider = stt.NewDeepgram(cfg.DeepgramAPIKey)
	}
	ttsProvider := tts.NewElevenLabs(cfg.ElevenLabsAPIKey)

	deps := Deps{
		Graph: g,
		STT:   sttProvider,
		TTS:   ttsProvider,
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	switch cfg.LLMProvider {
	case LLMGemini:
		client, err := gemini.New(ctx, cfg.GeminiAPIKey, cfg.GeneratorModel)
		if err != nil {
			return Deps{}, nil, fmt.Errorf("gemini client: %w", err)
		}
		deps.Generator = NewNodeGenerator(client, cfg.GeneratorModel, logger)
		if cfg.ClassifierModel != "" {
			deps.TwoStage = fastpath.NewTwoStage(client, cfg.ClassifierModel)
		}
	default:
		client := anthropic.New(cfg.AnthropicAPIKey, cfg.GeneratorModel)
		deps.Generator = NewNodeGenerator(client, cfg.GeneratorModel, logger)
		if cfg.ClassifierModel != "" {
			deps.TwoStage = fastpath.NewTwoStage(client, cfg.ClassifierModel)
		}
	}

	if cfg.RedisAddr != "" {
		rs := flags.NewRedisStore(cfg.RedisAddr)
		cleanups = append(cleanups, func() { rs.Close() })
		deps.Flags = rs
	} else {
		deps.Flags = flags.NewMemoryStore()
	}

	st, err := store.Open(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		cleanup()
		return Deps{}, nil, fmt.Errorf("open store: %w", err)
	}
	cleanups = append(cleanups, st.Close)
	deps.Store = st

	return deps, cleanup, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /media", s.handleMedia)
}

// Handler returns the middleware-wrapped HTTP surface.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = recoverer(s.logger, h)
	h = accessLog(s.logger, h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "draining")
		return
	}
	fmt.Fprintln(w, "ok")
}

// handleMedia upgrades the connection and runs one call end to end. The
// handler returns only when the call is over.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		callID = ulid.Make().String()
	}
	accountID := r.URL.Query().Get("account_id")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("media upgrade failed", "error", err)
		return
	}
	conn := telephony.NewConn(ws)
	logger := s.logger.With("call_id", callID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.registerCall(callID, cancel)
	defer s.unregisterCall(callID)

	sttStream, err := s.deps.STT.OpenStream(ctx, stt.Options{
		Model:               s.cfg.STTModel,
		Encoding:            s.cfg.STTEncoding,
		EndOfTurnConfidence: s.cfg.EndOfTurnConfidence,
		MinEndOfTurnSilence: s.cfg.MinEndOfTurnSilence,
		MaxTurnSilence:      s.cfg.MaxTurnSilence,
	})
	if err != nil {
		logger.Error("stt stream open failed", "provider", s.deps.STT.Name(), "error", err)
		conn.Close()
		return
	}
	ttsStream, err := s.deps.TTS.OpenStream(ctx, tts.Options{
		VoiceID:      s.cfg.VoiceID,
		Model:        s.cfg.TTSModel,
		OutputFormat: s.cfg.TTSFormat,
	})
	if err != nil {
		logger.Error("tts stream open failed", "provider", s.deps.TTS.Name(), "error", err)
		sttStream.Close()
		conn.Close()
		return
	}

	sess, err := session.New(session.Config{
		CallID:          callID,
		AccountID:       accountID,
		Graph:           s.deps.Graph,
		Generator:       s.deps.Generator,
		TwoStage:        s.deps.TwoStage,
		Knowledge:       s.deps.Knowledge,
		Functions:       s.deps.Functions,
		Style:           fastpath.Style(s.cfg.Style),
		GenerateTimeout: s.cfg.GenerateTimeout,
		Logger:          s.logger,
	})
	if err != nil {
		logger.Error("session create failed", "error", err)
		sttStream.Close()
		ttsStream.Close()
		conn.Close()
		return
	}

	mon := health.New(health.Config{
		Call:            sess,
		Flags:           s.deps.Flags,
		IdleThreshold:   s.cfg.IdleThreshold,
		MaxCallDuration: s.cfg.MaxCallDuration,
		MaxCheckins:     s.cfg.MaxCheckins,
		Logger:          s.logger,
	})

	logger.Info("call started", "account_id", accountID, "graph", s.deps.Graph.ID)
	b := bridge.New(bridge.Config{
		Transport:       conn,
		STT:             sttStream,
		TTS:             ttsStream,
		Session:         sess,
		Monitor:         mon,
		Flags:           s.deps.Flags,
		DrainTimeout:    s.cfg.DrainTimeout,
		STTEncoding:     s.cfg.STTEncoding,
		TTSOutputFormat: s.cfg.TTSFormat,
		Logger:          s.logger,
	})
	b.Run(ctx)

	s.persist(sess, logger)
	logger.Info("call finished", "node", sess.CurrentNodeID(), "turns", len(sess.History()))
}

// persist writes the completed call's transcript and snapshot. Runs on its
// own context: the request context is already canceled by the time the call
// ends.
func (s *Server) persist(sess *session.Session, logger *slog.Logger) {
	if s.deps.Store == nil || !s.deps.Store.Enabled() {
		return
	}
	snapshot, err := sess.Snapshot()
	if err != nil {
		logger.Error("session snapshot failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.deps.Store.Save(ctx, sess.Record(), snapshot); err != nil {
		logger.Error("transcript save failed", "error", err)
	}
}

// SetDraining flips the server into drain mode: health checks fail and new
// media connections are refused, while live calls keep running.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

// LiveCalls returns the number of calls currently bridged.
func (s *Server) LiveCalls() int {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	return len(s.live)
}

// WaitLiveCalls blocks until every live call has finished or ctx expires.
// It reports whether the wait completed.
func (s *Server) WaitLiveCalls(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		s.liveWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// CancelLiveCalls force-terminates every live call.
func (s *Server) CancelLiveCalls() {
	s.liveMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.live))
	for _, cancel := range s.live {
		cancels = append(cancels, cancel)
	}
	s.liveMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *Server) registerCall(callID string, cancel context.CancelFunc) {
	s.liveMu.Lock()
	s.live[callID] = cancel
	s.liveMu.Unlock()
	s.liveWG.Add(1)
}

func (s *Server) unregisterCall(callID string) {
	s.liveMu.Lock()
	delete(s.live, callID)
	s.liveMu.Unlock()
	s.liveWG.Done()
}
