package bridge

import "testing"

func TestEchoOverlap(t *testing.T) {
	agent := "Hi Sam, do you have a minute to talk about your electric bill?"

	cases := []struct {
		name string
		hyp  string
		echo bool
	}{
		{"full line bleed", "do you have a minute to talk about your electric bill", true},
		{"partial bleed over threshold", "have a minute to talk about your electric bill", true},
		{"genuine short answer", "yeah sure", false},
		{"genuine question", "who is this and why are you calling me", false},
		{"empty hypothesis", "", false},
		{"shares a few words only", "I pay my electric bill online", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsEcho(tc.hyp, agent); got != tc.echo {
				t.Errorf("IsEcho(%q) = %v, overlap %.2f", tc.hyp, got, EchoOverlap(tc.hyp, agent))
			}
		})
	}
}

func TestEchoOverlap_NoAgentText(t *testing.T) {
	if IsEcho("hello there", "") {
		t.Error("no prior agent speech means nothing can be an echo")
	}
}
