// Package flags implements the cross-worker flag store: short-lived advisory
// signals (playback finished, hangup requested) shared between worker
// processes handling the same call. Flags are hints consumed exactly once,
// never the source of truth for session state.
package flags

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL bounds how long an unconsumed flag survives. Stale signals are
// worse than missing ones.
const DefaultTTL = 30 * time.Second

// Well-known flag names.
const (
	PlaybackFinished = "playback_finished"
	HangupRequested  = "hangup_requested"
)

// ErrUnavailable is returned when the backing store cannot be reached.
// Consumers degrade to local heuristics rather than blocking on it.
var ErrUnavailable = errors.New("flag store unavailable")

// Store is the cross-worker flag interface. Consume is read-and-delete:
// at most one worker ever observes a given flag value.
type Store interface {
	// Set records a flag for a call with the given TTL. A zero ttl uses
	// DefaultTTL.
	Set(ctx context.Context, callID, name, value string, ttl time.Duration) error

	// Consume returns a flag's value and deletes it atomically. ok=false
	// means no flag was present.
	Consume(ctx context.Context, callID, name string) (value string, ok bool, err error)
}

func key(callID, name string) string {
	return "callwise:flag:" + callID + ":" + name
}
