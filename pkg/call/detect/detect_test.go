package detect

import (
	"testing"
	"time"
)

func TestScore_VoicemailTwoMatches(t *testing.T) {
	// "leave a message" and "after the tone" are two distinct pattern hits.
	res := Score("hi you've reached jamie please leave a message after the tone", 5*time.Second)
	if res.Kind != KindVoicemail {
		t.Fatalf("kind = %q, want voicemail", res.Kind)
	}
	if res.Confidence < VoicemailFloor {
		t.Errorf("confidence = %.2f, want >= %.2f", res.Confidence, VoicemailFloor)
	}
	if !res.Disconnect {
		t.Error("expected disconnect recommendation")
	}
}

func TestScore_SingleAmbiguousMatchLogsOnly(t *testing.T) {
	res := Score("sorry the mailbox is full", 5*time.Second)
	if res.Kind != KindVoicemail {
		t.Fatalf("kind = %q, want voicemail", res.Kind)
	}
	if res.Confidence != BaseConfidence {
		t.Errorf("confidence = %.2f, want %.2f", res.Confidence, BaseConfidence)
	}
	if res.Disconnect {
		t.Error("single match must not recommend disconnect")
	}
}

func TestScore_IVR(t *testing.T) {
	res := Score("thank you for calling main menu press 1 for sales press 2 for support", 3*time.Second)
	if res.Kind != KindIVR {
		t.Fatalf("kind = %q, want ivr", res.Kind)
	}
	if res.Confidence < IVRFloor {
		t.Errorf("confidence = %.2f, want >= %.2f", res.Confidence, IVRFloor)
	}
	if !res.Disconnect {
		t.Error("expected disconnect recommendation")
	}
}

func TestScore_Gatekeeper(t *testing.T) {
	tests := []struct {
		transcript string
		digit      string
	}{
		{"Press 1 to connect this call", "1"},
		{"press 3 to accept", "3"},
		{"press one to answer the call", "1"},
		{"press 5 now to connect", "5"},
	}
	for _, tt := range tests {
		res := Score(tt.transcript, time.Second)
		if res.Kind != KindGatekeeper {
			t.Errorf("Score(%q).Kind = %q, want gatekeeper", tt.transcript, res.Kind)
			continue
		}
		if res.Digit != tt.digit {
			t.Errorf("Score(%q).Digit = %q, want %q", tt.transcript, res.Digit, tt.digit)
		}
	}
}

func TestScore_GatekeeperPriorityOverIVR(t *testing.T) {
	// Press-to-connect phrasing wins even when IVR keywords are present.
	res := Score("main menu press 1 to connect press 2 for voicemail", time.Second)
	if res.Kind != KindGatekeeper {
		t.Fatalf("kind = %q, want gatekeeper", res.Kind)
	}
	if res.Digit != "1" {
		t.Errorf("digit = %q, want 1", res.Digit)
	}
}

func TestScore_LongMonologue(t *testing.T) {
	words := ""
	for i := 0; i < 60; i++ {
		words += "word "
	}
	res := Score(words, 10*time.Second)
	if res.Kind != KindIVR || res.Confidence != MonologueConfidence {
		t.Errorf("got %+v, want ivr at %.1f", res, MonologueConfidence)
	}
	if res.Disconnect {
		t.Error("monologue rule is below the disconnect threshold")
	}

	// Outside the opening window the rule does not apply.
	late := Score(words, 30*time.Second)
	if late.Kind != KindNone {
		t.Errorf("late monologue classified as %q, want none", late.Kind)
	}
}

func TestDetector_LocksDecision(t *testing.T) {
	start := time.Now()
	d := NewDetector(start)

	res := d.Observe("please leave a message", start.Add(time.Second))
	if d.Decided() {
		t.Fatal("single ambiguous match must not lock a decision")
	}
	if res.Disconnect {
		t.Fatal("unexpected disconnect")
	}

	res = d.Observe("after the beep", start.Add(2*time.Second))
	if !res.Disconnect || res.Kind != KindVoicemail {
		t.Fatalf("got %+v, want locked voicemail disconnect", res)
	}
	if !d.Decided() {
		t.Fatal("decision should be locked")
	}

	// Later observations do not change the frozen decision.
	res2 := d.Observe("hello is anyone there", start.Add(3*time.Second))
	if res2 != res {
		t.Errorf("decision changed after lock: %+v -> %+v", res, res2)
	}
}
