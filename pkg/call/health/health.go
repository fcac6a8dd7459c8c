// Package health runs the per-call monitor loop: it tracks who is speaking,
// estimates when agent playback ends, sends check-in utterances into long
// silences, and enforces the call's terminal limits.
package health

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/callwise/callwise/pkg/call/flags"
)

// Defaults. PollInterval is the monitor cadence; everything else is a limit
// or a timing estimate input.
const (
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultIdleThreshold   = 6 * time.Second
	DefaultMaxCallDuration = 10 * time.Minute
	DefaultMaxCheckins     = 3
	DefaultCheckinGrace    = 15 * time.Second

	// DefaultWordsPerMinute is the speech rate used to estimate playback
	// duration from text length when no explicit completion signal arrives.
	DefaultWordsPerMinute = 150
	// PlaybackPadding absorbs synthesis startup and network delivery time.
	PlaybackPadding = 500 * time.Millisecond
)

// Hangup reasons carried on hangup events.
const (
	ReasonMaxDuration  = "max call duration exceeded"
	ReasonCheckinLimit = "check-in limit exceeded"
	ReasonRequested    = "hangup requested"
)

// Call is the session surface the monitor observes and nudges.
type Call interface {
	CallID() string
	Speaking() (agent, user bool)
	SetAgentSpeaking(bool)
	StartTime() time.Time
	CheckinCount() int
	NextCheckin() string
	Terminated() bool
}

// EventKind tags a monitor event.
type EventKind string

const (
	// EventCheckin asks the bridge to synthesize a check-in utterance.
	EventCheckin EventKind = "checkin"
	// EventHangup asks the bridge to terminate the call.
	EventHangup EventKind = "hangup"
)

// Event is a monitor decision, consumed by the call's bridge goroutine.
type Event struct {
	Kind   EventKind
	Text   string
	Reason string
}

// Config wires a monitor.
type Config struct {
	Call Call
	// Flags is the cross-worker flag store. Nil means local timing only.
	Flags flags.Store

	PollInterval    time.Duration
	IdleThreshold   time.Duration
	MaxCallDuration time.Duration
	MaxCheckins     int
	CheckinGrace    time.Duration
	WordsPerMinute  int
	Logger          *slog.Logger
}

// Monitor is the per-call health loop. One goroutine runs Run; the bridge
// calls the Notify methods from its own goroutines.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	events chan Event

	mu          sync.Mutex
	lastSpeech  time.Time
	expectedEnd time.Time
	pending     bool
	limitAt     time.Time
	flagWarned  bool
	stopped     bool
}

// New creates a monitor. Run must be called to start the loop.
func New(cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = DefaultIdleThreshold
	}
	if cfg.MaxCallDuration <= 0 {
		cfg.MaxCallDuration = DefaultMaxCallDuration
	}
	if cfg.MaxCheckins <= 0 {
		cfg.MaxCheckins = DefaultMaxCheckins
	}
	if cfg.CheckinGrace <= 0 {
		cfg.CheckinGrace = DefaultCheckinGrace
	}
	if cfg.WordsPerMinute <= 0 {
		cfg.WordsPerMinute = DefaultWordsPerMinute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "health", "call_id", cfg.Call.CallID()),
		events:     make(chan Event, 4),
		lastSpeech: cfg.Call.StartTime(),
	}
}

// Events is the monitor's decision channel. Closed when the loop exits.
func (m *Monitor) Events() <-chan Event { return m.events }

// Run polls until the context is cancelled or the call terminates.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.events)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !m.tick(ctx, now) {
				return
			}
		}
	}
}

// NotifyAgentSpeech records that playback of text has started and estimates
// when it will end from the text length and the configured speech rate.
func (m *Monitor) NotifyAgentSpeech(text string, now time.Time) {
	m.cfg.Call.SetAgentSpeaking(true)
	m.mu.Lock()
	m.lastSpeech = now
	m.expectedEnd = now.Add(m.estimateDuration(text))
	m.mu.Unlock()
}

// NotifyPlaybackDone clears the speaking state immediately, for workers that
// observe the playback-finished event locally instead of via the flag store.
func (m *Monitor) NotifyPlaybackDone(now time.Time) {
	m.markPlaybackDone(now)
}

// SetPending marks an in-flight generation or webhook call; check-ins are
// suppressed while one is pending.
func (m *Monitor) SetPending(v bool) {
	m.mu.Lock()
	m.pending = v
	m.mu.Unlock()
}

// tick runs one monitor iteration. Returns false when the loop should stop.
func (m *Monitor) tick(ctx context.Context, now time.Time) bool {
	if m.cfg.Call.Terminated() {
		return false
	}

	if now.Sub(m.cfg.Call.StartTime()) > m.cfg.MaxCallDuration {
		m.logger.Info("hanging up", "reason", ReasonMaxDuration)
		m.emit(Event{Kind: EventHangup, Reason: ReasonMaxDuration})
		return false
	}

	if m.consumeHangupFlag(ctx) {
		m.logger.Info("hanging up", "reason", ReasonRequested)
		m.emit(Event{Kind: EventHangup, Reason: ReasonRequested})
		return false
	}

	m.consumePlaybackFlag(ctx, now)

	agent, user := m.cfg.Call.Speaking()

	m.mu.Lock()
	if agent || user {
		m.lastSpeech = now
	}
	if agent && !m.expectedEnd.IsZero() && now.After(m.expectedEnd) {
		m.mu.Unlock()
		m.markPlaybackDone(now)
		agent = false
		m.mu.Lock()
	}
	idle := !agent && !user && !m.pending && now.Sub(m.lastSpeech) > m.cfg.IdleThreshold
	limitAt := m.limitAt
	m.mu.Unlock()

	if m.cfg.Call.CheckinCount() >= m.cfg.MaxCheckins {
		if limitAt.IsZero() {
			m.mu.Lock()
			m.limitAt = now
			m.mu.Unlock()
		} else if now.Sub(limitAt) > m.cfg.CheckinGrace {
			m.logger.Info("hanging up", "reason", ReasonCheckinLimit, "checkins", m.cfg.Call.CheckinCount())
			m.emit(Event{Kind: EventHangup, Reason: ReasonCheckinLimit})
			return false
		}
		return true
	}

	if idle {
		text := m.cfg.Call.NextCheckin()
		m.logger.Debug("sending check-in", "count", m.cfg.Call.CheckinCount())
		m.mu.Lock()
		m.lastSpeech = now
		m.mu.Unlock()
		m.emit(Event{Kind: EventCheckin, Text: text})
	}
	return true
}

// consumeHangupFlag reports whether another worker requested this call's
// termination through the flag store.
func (m *Monitor) consumeHangupFlag(ctx context.Context) bool {
	if m.cfg.Flags == nil {
		return false
	}
	_, ok, err := m.cfg.Flags.Consume(ctx, m.cfg.Call.CallID(), flags.HangupRequested)
	if err != nil {
		return false
	}
	return ok
}

// consumePlaybackFlag drains a cross-worker playback-finished signal, if any.
// Flags are consumed exactly once; a store outage degrades to local timing.
func (m *Monitor) consumePlaybackFlag(ctx context.Context, now time.Time) {
	if m.cfg.Flags == nil {
		return
	}
	_, ok, err := m.cfg.Flags.Consume(ctx, m.cfg.Call.CallID(), flags.PlaybackFinished)
	if err != nil {
		m.mu.Lock()
		warned := m.flagWarned
		m.flagWarned = true
		m.mu.Unlock()
		if !warned {
			m.logger.Warn("flag store unavailable, using local timing only", "error", err)
		}
		return
	}
	if ok {
		m.markPlaybackDone(now)
	}
}

func (m *Monitor) markPlaybackDone(now time.Time) {
	m.cfg.Call.SetAgentSpeaking(false)
	m.mu.Lock()
	m.lastSpeech = now
	m.expectedEnd = time.Time{}
	m.mu.Unlock()
}

func (m *Monitor) estimateDuration(text string) time.Duration {
	words := len(strings.Fields(text))
	if words == 0 {
		return PlaybackPadding
	}
	perWord := time.Minute / time.Duration(m.cfg.WordsPerMinute)
	return time.Duration(words)*perWord + PlaybackPadding
}

func (m *Monitor) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		// A stalled consumer must not wedge the monitor.
		m.logger.Warn("dropping monitor event", "kind", ev.Kind)
	}
}
