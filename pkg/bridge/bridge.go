// Package bridge multiplexes one call's telephony media stream with its STT
// and TTS provider connections, and drives the conversation session from
// finalized transcripts.
package bridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/callwise/callwise/pkg/call/flags"
	"github.com/callwise/callwise/pkg/call/health"
	"github.com/callwise/callwise/pkg/call/session"
	"github.com/callwise/callwise/pkg/telephony"
	"github.com/callwise/callwise/pkg/voice/stt"
	"github.com/callwise/callwise/pkg/voice/tts"
)

// DefaultDrainTimeout bounds how long a terminal reply may keep playing
// before the call is torn down anyway.
const DefaultDrainTimeout = 5 * time.Second

// SpeechEnergyThreshold is the normalized frame energy above which inbound
// audio counts as the caller speaking, before any transcript arrives.
const SpeechEnergyThreshold = 0.02

// duplicateFinalWindow is how long an identical finalized transcript is
// treated as a provider re-delivery rather than the caller repeating
// themselves.
const duplicateFinalWindow = time.Second

// Transport is the telephony side of the bridge.
type Transport interface {
	ReadEnvelope() (*telephony.Envelope, error)
	SetStreamSID(sid string)
	WriteAudio(ctx context.Context, mulaw []byte) error
	WriteDTMF(digit string) error
	WriteMark(name string) error
	WriteClear() error
	Close() error
}

// Config wires a bridge.
type Config struct {
	Transport Transport
	STT       stt.Stream
	TTS       tts.Stream
	Session   *session.Session
	Monitor   *health.Monitor
	// Flags, when set, publishes playback-finished signals for monitor
	// loops running on other workers.
	Flags        flags.Store
	DrainTimeout time.Duration
	// STTEncoding is the audio form forwarded to STT: empty or "mulaw"
	// passes telephony frames through, "linear16" expands them to PCM.
	STTEncoding string
	// TTSOutputFormat mirrors the TTS stream's configured output format.
	// Formats with a "pcm" prefix are companded back to mulaw for the
	// call leg.
	TTSOutputFormat string
	Logger          *slog.Logger
}

// Bridge owns the per-call forwarding loops.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	sttLinear bool
	ttsPCM    bool

	cancel  context.CancelFunc
	endOnce sync.Once

	markMu      sync.Mutex
	pendingMark string
	playbackAck chan struct{}
}

// New creates a bridge for one call.
func New(cfg Config) *Bridge {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "bridge", "call_id", cfg.Session.CallID()),
		sttLinear:   cfg.STTEncoding == "linear16",
		ttsPCM:      strings.HasPrefix(cfg.TTSOutputFormat, "pcm"),
		playbackAck: make(chan struct{}, 1),
	}
}

// Run speaks the greeting and forwards media until the call ends. The
// monitor loop is started here and stopped after the forwarding loops, so
// the shutdown order is always bridge first, monitor second.
func (b *Bridge) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	defer cancel()

	mctx, mcancel := context.WithCancel(ctx)
	go b.cfg.Monitor.Run(mctx)

	// ReadEnvelope blocks on the socket; closing the transport is the only
	// way to unblock it once the call is being torn down.
	go func() {
		<-ctx.Done()
		b.cfg.Transport.Close()
	}()

	b.speak(ctx, b.cfg.Session.Greeting())

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); b.telephonyLoop(ctx) }()
	go func() { defer wg.Done(); b.sttLoop(ctx) }()
	go func() { defer wg.Done(); b.ttsLoop(ctx) }()
	go func() { defer wg.Done(); b.monitorLoop(ctx) }()
	wg.Wait()

	mcancel()
	b.cfg.STT.Close()
	b.cfg.TTS.Close()
	b.cfg.Transport.Close()
	b.logger.Info("bridge stopped")
}

// telephonyLoop reads envelopes from the call leg: inbound audio to STT,
// mark acknowledgments to playback tracking.
func (b *Bridge) telephonyLoop(ctx context.Context) {
	for {
		env, err := b.cfg.Transport.ReadEnvelope()
		if err != nil {
			// Telephony link loss is terminal for the call.
			if ctx.Err() == nil {
				b.logger.Info("telephony stream closed", "error", err)
			}
			b.cfg.Session.Terminate()
			b.cancel()
			return
		}
		switch env.Event {
		case telephony.EventStart:
			if env.Start != nil {
				b.cfg.Transport.SetStreamSID(env.Start.StreamSID)
			}
		case telephony.EventMedia:
			// Suppress forwarding while the agent speaks; the echo filter
			// downstream catches what slips through.
			if agent, _ := b.cfg.Session.Speaking(); agent {
				continue
			}
			payload, err := env.AudioPayload()
			if err != nil {
				continue
			}
			pcm := telephony.MulawToPCM16(payload)
			if telephony.PCM16Energy(pcm) >= SpeechEnergyThreshold {
				// Frame energy flags speech before the first interim
				// transcript arrives, keeping the silence clock honest.
				b.cfg.Session.SetUserSpeaking(true)
			}
			audio := payload
			if b.sttLinear {
				audio = pcm
			}
			if err := b.cfg.STT.SendAudio(audio); err != nil {
				b.logger.Warn("stt send failed", "error", err)
			}
		case telephony.EventMark:
			if env.Mark != nil {
				b.markPlayed(env.Mark.Name)
			}
		case telephony.EventDTMF:
			if env.DTMF != nil {
				b.logger.Debug("inbound dtmf", "digit", env.DTMF.Digit)
			}
		case telephony.EventStop:
			b.cfg.Session.Terminate()
			b.cancel()
			return
		}
	}
}

// sttLoop consumes transcript deltas and runs finalized ones through the
// session, one turn at a time.
func (b *Bridge) sttLoop(ctx context.Context) {
	turnIndex := 0
	var lastFinal string
	var lastFinalAt time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case delta, ok := <-b.cfg.STT.Deltas():
			if !ok {
				return
			}
			if !delta.Actionable() {
				if delta.Text != "" {
					b.cfg.Session.SetUserSpeaking(true)
				}
				continue
			}
			b.cfg.Session.SetUserSpeaking(false)
			// Providers occasionally re-deliver a finalized turn event;
			// an identical transcript inside the window is not a new turn.
			if delta.Text == lastFinal && time.Since(lastFinalAt) < duplicateFinalWindow {
				b.logger.Debug("dropping re-delivered transcript", "text", delta.Text)
				continue
			}
			lastFinal, lastFinalAt = delta.Text, time.Now()
			if last := b.cfg.Session.LastAgentText(); IsEcho(delta.Text, last) {
				b.logger.Debug("dropping self-echo", "text", delta.Text)
				continue
			}
			turnIndex++
			b.handleTurn(ctx, turnIndex, delta.Text)
		}
	}
}

func (b *Bridge) handleTurn(ctx context.Context, turnIndex int, text string) {
	b.cfg.Monitor.SetPending(true)
	started := time.Now()
	res, err := b.cfg.Session.ProcessTurn(ctx, turnIndex, text)
	b.cfg.Monitor.SetPending(false)
	if err != nil {
		b.logger.Error("turn processing failed", "error", err)
		return
	}
	b.logger.Debug("turn processed",
		"turn", turnIndex, "resolved_by", res.ResolvedBy,
		"node", res.NodeID, "latency_ms", time.Since(started).Milliseconds())

	if res.DTMF != "" {
		if err := b.cfg.Transport.WriteDTMF(res.DTMF); err != nil {
			b.logger.Warn("dtmf send failed", "error", err)
		}
	}
	if res.Reply != "" {
		b.speak(ctx, res.Reply)
	}
	if res.EndCall {
		b.endCall(res.Reply != "")
	}
}

// ttsLoop forwards synthesized audio to the call leg and converts TTS
// completion into a playback checkpoint.
func (b *Bridge) ttsLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-b.cfg.TTS.Chunks():
			if !ok {
				return
			}
			if chunk.Final {
				b.sendMark()
				continue
			}
			audio := chunk.Audio
			if b.ttsPCM {
				audio = telephony.PCM16ToMulaw(audio)
			}
			if err := b.cfg.Transport.WriteAudio(ctx, audio); err != nil {
				if ctx.Err() == nil {
					b.logger.Warn("audio forward failed", "error", err)
				}
			}
		}
	}
}

// monitorLoop acts on health decisions: check-ins are spoken, hangups tear
// the call down.
func (b *Bridge) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.cfg.Monitor.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case health.EventCheckin:
				b.speak(ctx, ev.Text)
			case health.EventHangup:
				b.logger.Info("monitor requested hangup", "reason", ev.Reason)
				b.cfg.Session.Terminate()
				b.cancel()
				return
			}
		}
	}
}

// speak streams reply text to TTS sentence by sentence, so synthesis starts
// before the full reply is queued.
func (b *Bridge) speak(ctx context.Context, text string) {
	if text == "" {
		return
	}
	// Drop a stale ack from the previous utterance so a later drain waits
	// for this one.
	select {
	case <-b.playbackAck:
	default:
	}
	b.cfg.Monitor.NotifyAgentSpeech(text, time.Now())
	for _, chunk := range SplitSentences(text) {
		if err := b.cfg.TTS.SendText(chunk, true); err != nil {
			b.logger.Warn("tts send failed", "error", err)
			return
		}
	}
	if err := b.cfg.TTS.Flush(); err != nil {
		b.logger.Warn("tts flush failed", "error", err)
	}
}

// sendMark writes a playback checkpoint after the last audio of an
// utterance. The provider echoes it back once playback reaches it.
func (b *Bridge) sendMark() {
	name := ulid.Make().String()
	b.markMu.Lock()
	b.pendingMark = name
	b.markMu.Unlock()
	if err := b.cfg.Transport.WriteMark(name); err != nil {
		b.logger.Warn("mark send failed", "error", err)
		// No checkpoint ack will come; treat playback as done now.
		b.markPlayed(name)
	}
}

// markPlayed handles a playback checkpoint acknowledgment.
func (b *Bridge) markPlayed(name string) {
	b.markMu.Lock()
	if b.pendingMark != name {
		b.markMu.Unlock()
		return
	}
	b.pendingMark = ""
	b.markMu.Unlock()

	now := time.Now()
	b.cfg.Monitor.NotifyPlaybackDone(now)
	if b.cfg.Flags != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := b.cfg.Flags.Set(ctx, b.cfg.Session.CallID(), flags.PlaybackFinished, "1", 0); err != nil {
			b.logger.Debug("playback flag publish failed", "error", err)
		}
		cancel()
	}
	select {
	case b.playbackAck <- struct{}{}:
	default:
	}
}

// endCall tears the call down. With drain set it first waits for the final
// utterance's playback checkpoint, bounded by the drain timeout.
func (b *Bridge) endCall(drain bool) {
	b.endOnce.Do(func() {
		go func() {
			if drain {
				select {
				case <-b.playbackAck:
				case <-time.After(b.cfg.DrainTimeout):
				}
			}
			b.cfg.Session.Terminate()
			b.cancel()
		}()
	})
}
