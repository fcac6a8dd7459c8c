package fastpath

import (
	"regexp"
	"strings"
)

// Style is the caller's inferred behavioral style, used to pick a response
// variant for a matched objection.
type Style string

const (
	StyleDefault    Style = ""
	StyleDirect     Style = "direct"
	StyleAnalytical Style = "analytical"
	StyleAmiable    Style = "amiable"
	StyleExpressive Style = "expressive"
)

// Objection categories.
type Category string

const (
	CategoryPrice    Category = "price"
	CategoryTrust    Category = "trust"
	CategoryStall    Category = "stall"
	CategoryQuestion Category = "question"
)

// Pattern scoring constants. These encode tuned behavior: a bare pattern hit
// alone (10/15 ≈ 0.667) stays just under the acceptance floor, so a booster
// or a second pattern is always required.
const (
	PatternPoints       = 10
	BoosterPoints       = 5
	ScoreDivisor        = 15.0
	AcceptanceThreshold = 0.67
)

type objectionPattern struct {
	category Category
	patterns []*regexp.Regexp
	boosters []string
}

var objectionLibrary = []objectionPattern{
	{
		category: CategoryPrice,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?:too |that'?s )?expensive`),
			regexp.MustCompile(`how much (?:does|is|will)`),
			regexp.MustCompile(`can'?t afford`),
			regexp.MustCompile(`what(?:'s| is) the (?:cost|price)`),
		},
		boosters: []string{"cost", "price", "money", "pay", "afford", "cheap"},
	},
	{
		category: CategoryTrust,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\bscam\b`),
			regexp.MustCompile(`\bfraud\b`),
			regexp.MustCompile(`is this legit`),
			regexp.MustCompile(`how did you get (?:my|this) number`),
			regexp.MustCompile(`telemarket`),
		},
		boosters: []string{"sounds like", "trust", "suspicious", "real person", "robot", "legit"},
	},
	{
		category: CategoryStall,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`call (?:me )?back`),
			regexp.MustCompile(`(?:not a|bad) (?:good )?time`),
			regexp.MustCompile(`(?:i'?m|we'?re) busy`),
			regexp.MustCompile(`in the middle of`),
		},
		boosters: []string{"later", "tomorrow", "next week", "right now", "busy"},
	},
	{
		category: CategoryQuestion,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`what(?:'s| is) this (?:about|regarding|for)`),
			regexp.MustCompile(`who (?:is this|are you)`),
			regexp.MustCompile(`why are you calling`),
			regexp.MustCompile(`where are you calling from`),
		},
		boosters: []string{"about", "calling", "company", "who", "why"},
	},
}

// Objection responses by category and style. A matched objection answers in
// place and keeps the session on its current node; it never advances the
// graph, because an objection is a detour, not an answer.
var objectionResponses = map[Category]map[Style]string{
	CategoryPrice: {
		StyleDefault:    "That's a fair question. There's no cost for this call, and I can get you exact numbers in about a minute. Fair enough?",
		StyleDirect:     "Zero cost to find out. One minute and you'll have real numbers. Want them?",
		StyleAnalytical: "Good question. The figure depends on a couple of inputs I can collect in under a minute, and the quote itself is free. Shall we?",
		StyleAmiable:    "Totally understand wanting to know the numbers first. The good news is checking costs nothing, and it only takes a minute.",
		StyleExpressive: "Love that you asked! Here's the best part: finding out costs absolutely nothing, and it takes one minute.",
	},
	CategoryTrust: {
		StyleDefault:    "I completely understand the caution. I'm not asking for any payment or personal details today, just sharing information you can verify yourself.",
		StyleDirect:     "Fair. No payment, no account numbers, nothing like that. You can verify everything independently before deciding anything.",
		StyleAnalytical: "That's healthy skepticism. Nothing I'm offering requires payment information, and everything I say can be verified through public records before you commit to anything.",
		StyleAmiable:    "I totally get it, there are a lot of bad actors out there. I'm not asking for anything sensitive, promise, just sharing something you can check yourself.",
		StyleExpressive: "Smart of you to ask! Honestly, I'd ask the same thing. No payments, no personal info, just information you can double check yourself.",
	},
	CategoryStall: {
		StyleDefault:    "Of course, I'll be quick. Can I take thirty seconds to explain why I called, and you can decide from there?",
		StyleDirect:     "Thirty seconds, then you decide. Deal?",
		StyleAnalytical: "Understood. The short version takes thirty seconds, and then you'll have what you need to decide whether a follow-up makes sense.",
		StyleAmiable:    "No worries at all, I know you're busy. Give me just thirty seconds and then I'll let you go, sound okay?",
		StyleExpressive: "I hear you, life is busy! Thirty seconds, I promise, and then you're free.",
	},
	CategoryQuestion: {
		StyleDefault:    "Great question. I'm calling about your home's energy costs. We help homeowners cut their electric bill, and it takes about a minute to see if you qualify.",
		StyleDirect:     "I'm calling about your electric bill. One minute tells us if we can cut it. Interested?",
		StyleAnalytical: "Sure. Specifically, I'm calling about residential energy costs. Based on your area's rates there may be a measurable saving, and qualifying takes about a minute.",
		StyleAmiable:    "Happy to explain! I'm reaching out about your home's electric bill. Lots of your neighbors have been able to lower theirs, and checking only takes a minute.",
		StyleExpressive: "So glad you asked! I'm calling about something that's been saving folks real money on their electric bills. Takes a minute to see if you qualify!",
	},
}

// Match is an accepted pattern resolution.
type Match struct {
	Category   Category
	Confidence float64
	Reply      string
}

// MatchObjection scores the utterance against the objection library and
// returns a match when confidence clears AcceptanceThreshold. style selects
// the response variant, falling back to the default phrasing.
func MatchObjection(utterance string, style Style) (Match, bool) {
	norm := strings.ToLower(utterance)

	best := Match{}
	for _, obj := range objectionLibrary {
		score := 0
		for _, p := range obj.patterns {
			if p.MatchString(norm) {
				score += PatternPoints
			}
		}
		for _, b := range obj.boosters {
			if strings.Contains(norm, b) {
				score += BoosterPoints
			}
		}
		conf := float64(score) / ScoreDivisor
		if conf > 1.0 {
			conf = 1.0
		}
		if conf > best.Confidence {
			best = Match{Category: obj.category, Confidence: conf}
		}
	}

	if best.Confidence < AcceptanceThreshold {
		return Match{}, false
	}

	variants := objectionResponses[best.Category]
	reply, ok := variants[style]
	if !ok || reply == "" {
		reply = variants[StyleDefault]
	}
	best.Reply = reply
	return best, true
}
