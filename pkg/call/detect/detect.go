// Package detect classifies accumulated call transcripts as voicemail
// greetings, IVR menus, or press-to-connect gatekeepers. All scoring is pure
// string matching; the thresholds are tuned values and changing them changes
// live hangup behavior.
package detect

import (
	"regexp"
	"strings"
	"time"
)

// Kind is the category a transcript was classified into.
type Kind string

const (
	KindNone       Kind = ""
	KindVoicemail  Kind = "voicemail"
	KindIVR        Kind = "ivr"
	KindGatekeeper Kind = "gatekeeper"
)

// Tuned scoring constants.
const (
	// BaseConfidence is the confidence of a single keyword match. A lone
	// match lands in the log-only band and never hangs up on its own.
	BaseConfidence = 0.5
	// MatchIncrement is added for each keyword match beyond the first.
	MatchIncrement = 0.2
	// VoicemailFloor overrides the score at >=2 voicemail matches.
	VoicemailFloor = 0.9
	// IVRFloor overrides the score at >=2 IVR matches.
	IVRFloor = 0.85
	// DisconnectThreshold is the confidence at which disconnect is recommended.
	DisconnectThreshold = 0.7
	// LogOnlyThreshold is the confidence at which a detection is logged but
	// takes no action. Below it a result is discarded entirely.
	LogOnlyThreshold = 0.5

	// MonologueWords and MonologueWindow define the long-monologue IVR rule:
	// a transcript over MonologueWords words inside the first MonologueWindow
	// of the call, with no keyword hits, is itself an IVR signal.
	MonologueWords      = 50
	MonologueWindow     = 20 * time.Second
	MonologueConfidence = 0.6
)

var voicemailPatterns = []*regexp.Regexp{
	regexp.MustCompile(`leave (?:a|your) message`),
	regexp.MustCompile(`after the (?:tone|beep)`),
	regexp.MustCompile(`record your message`),
	regexp.MustCompile(`mailbox is full`),
	regexp.MustCompile(`not available.{0,30}(?:message|tone|beep)`),
	regexp.MustCompile(`you(?:'ve| have) reached the voice ?mail`),
	regexp.MustCompile(`at the sound of the (?:tone|beep)`),
}

var ivrPatterns = []*regexp.Regexp{
	regexp.MustCompile(`press \d+ for`),
	regexp.MustCompile(`press (?:one|two|three|four|five|six|seven|eight|nine|zero|star|pound) for`),
	regexp.MustCompile(`main menu`),
	regexp.MustCompile(`(?:our|normal) business hours`),
	regexp.MustCompile(`for (?:english|spanish)`),
	regexp.MustCompile(`your call (?:is important|may be monitored|may be recorded)`),
	regexp.MustCompile(`please (?:hold|stay on the line)`),
}

// gatekeeperPattern matches press-to-connect phrasing and captures the digit.
var gatekeeperPattern = regexp.MustCompile(`press (\d|one|two|three|four|five|six|seven|eight|nine|zero)\s?(?:now\s)?to (?:connect|accept|answer|receive)`)

var digitWords = map[string]string{
	"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
}

// Result is a classification with its confidence and, for gatekeepers, the
// digit to send as DTMF.
type Result struct {
	Kind       Kind
	Confidence float64
	// Digit is set only for KindGatekeeper.
	Digit string
	// Disconnect reports whether the policy recommends hanging up.
	Disconnect bool
}

// Detector accumulates transcript text for one call and locks in the first
// confident decision. Not safe for concurrent use; owned by the turn loop.
type Detector struct {
	callStart  time.Time
	transcript strings.Builder
	decided    bool
	decision   Result
}

// NewDetector creates a detector for a call that started at callStart.
func NewDetector(callStart time.Time) *Detector {
	return &Detector{callStart: callStart}
}

// Decided reports whether a decision has been locked in.
func (d *Detector) Decided() bool { return d.decided }

// Decision returns the locked decision, if any.
func (d *Detector) Decision() (Result, bool) { return d.decision, d.decided }

// Transcript returns the accumulated lower-cased transcript.
func (d *Detector) Transcript() string { return d.transcript.String() }

// Observe appends a new utterance and re-scores. Once a decision with
// confidence >= LogOnlyThreshold locks in at disconnect level, it is frozen
// for the call's lifetime and returned unchanged on later calls.
func (d *Detector) Observe(text string, now time.Time) Result {
	if d.decided {
		return d.decision
	}
	if d.transcript.Len() > 0 {
		d.transcript.WriteByte(' ')
	}
	d.transcript.WriteString(strings.ToLower(strings.TrimSpace(text)))

	res := Score(d.transcript.String(), now.Sub(d.callStart))
	if res.Kind != KindNone && (res.Disconnect || res.Kind == KindGatekeeper) {
		d.decided = true
		d.decision = res
	}
	return res
}

// Score classifies a lower-cased transcript. elapsed is time since the call
// was answered, used by the long-monologue rule. Gatekeeper detection is
// independent of and takes priority over voicemail/IVR scoring.
func Score(transcript string, elapsed time.Duration) Result {
	transcript = strings.ToLower(transcript)

	if m := gatekeeperPattern.FindStringSubmatch(transcript); m != nil {
		digit := m[1]
		if d, ok := digitWords[digit]; ok {
			digit = d
		}
		return Result{Kind: KindGatekeeper, Confidence: 1.0, Digit: digit}
	}

	vmMatches := countMatches(voicemailPatterns, transcript)
	ivrMatches := countMatches(ivrPatterns, transcript)

	switch {
	case vmMatches > 0 && vmMatches >= ivrMatches:
		conf := confidence(vmMatches, VoicemailFloor)
		return Result{Kind: KindVoicemail, Confidence: conf, Disconnect: conf >= DisconnectThreshold}
	case ivrMatches > 0:
		conf := confidence(ivrMatches, IVRFloor)
		return Result{Kind: KindIVR, Confidence: conf, Disconnect: conf >= DisconnectThreshold}
	}

	// A long uninterrupted monologue early in the call is itself a signal.
	if elapsed <= MonologueWindow && len(strings.Fields(transcript)) > MonologueWords {
		return Result{Kind: KindIVR, Confidence: MonologueConfidence}
	}

	return Result{}
}

func countMatches(patterns []*regexp.Regexp, s string) int {
	n := 0
	for _, p := range patterns {
		if p.MatchString(s) {
			n++
		}
	}
	return n
}

func confidence(matches int, floor float64) float64 {
	conf := BaseConfidence + MatchIncrement*float64(matches-1)
	if conf > 1.0 {
		conf = 1.0
	}
	if matches >= 2 && conf < floor {
		conf = floor
	}
	return conf
}
