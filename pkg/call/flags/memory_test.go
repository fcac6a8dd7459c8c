package flags

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_ConsumeOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "call1", PlaybackFinished, "1", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	val, ok, err := s.Consume(ctx, "call1", PlaybackFinished)
	if err != nil || !ok || val != "1" {
		t.Fatalf("Consume = %q, %v, %v", val, ok, err)
	}

	// Second consume observes nothing: flags are consumed exactly once.
	_, ok, err = s.Consume(ctx, "call1", PlaybackFinished)
	if err != nil || ok {
		t.Errorf("second Consume ok=%v err=%v, want miss", ok, err)
	}
}

func TestMemoryStore_Isolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Set(ctx, "call1", PlaybackFinished, "a", 0)
	s.Set(ctx, "call2", PlaybackFinished, "b", 0)
	s.Set(ctx, "call1", HangupRequested, "c", 0)

	val, ok, _ := s.Consume(ctx, "call2", PlaybackFinished)
	if !ok || val != "b" {
		t.Errorf("got %q %v, want b", val, ok)
	}
	val, ok, _ = s.Consume(ctx, "call1", HangupRequested)
	if !ok || val != "c" {
		t.Errorf("got %q %v, want c", val, ok)
	}
}

func TestMemoryStore_TTL(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	s.Set(ctx, "call1", PlaybackFinished, "1", time.Second)
	now = now.Add(2 * time.Second)

	if _, ok, _ := s.Consume(ctx, "call1", PlaybackFinished); ok {
		t.Error("expired flag must not be observed")
	}
}
