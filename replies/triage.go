package replies

import (
	"regexp"
	"strconv"
	"strings"

	"prospectflow/textnorm"
)

type Intent string

const (
	IntentStop       Intent = "stop"
	IntentLater      Intent = "later"
	IntentInterested Intent = "interested"
	IntentNotFit     Intent = "not_fit"
	IntentUnknown    Intent = "unknown"
)

type Action string

const (
	ActionSuppressContact Action = "suppress_contact"
	ActionDeferSequence   Action = "defer_sequence"
	ActionBookTeardown    Action = "book_teardown"
	ActionCloseLost       Action = "close_lost"
	ActionManualReview    Action = "manual_review"
)

const (
	DefaultDeferDays = 14
	maxDeferDays     = 180
)

// Triage is the classification of one reply.
type Triage struct {
	Intent    Intent `json:"intent"`
	Action    Action `json:"action"`
	Language  string `json:"language"`
	Matched   string `json:"matched,omitempty"`
	DeferDays int    `json:"deferDays,omitempty"`
}

type rule struct {
	intent  Intent
	action  Action
	phrases map[string][]string
	// whole matches only when the reply is nothing but the phrase.
	whole []string
}

// rules are evaluated in order; the first match wins. stop comes first so a
// polite unsubscribe is never read as a soft defer, and not_fit precedes
// interested so a rejection that mentions a demo is never booked.
var rules = []rule{
	{
		intent: IntentStop,
		action: ActionSuppressContact,
		phrases: map[string][]string{
			"en": {"unsubscribe", "remove me", "remove us", "take me off", "take us off", "off your list", "off the list",
				"mailing list", "opt out", "do not contact", "don't contact", "do not email", "don't email", "stop emailing",
				"stop contacting", "stop sending", "no more emails", "no more e-mails", "never contact"},
			"nl": {"afmelden", "uitschrijven", "uitgeschreven", "verwijder mij", "verwijder me", "verwijder ons",
				"geen contact meer", "niet meer mailen", "niet meer gemaild", "niet meer benaderen", "stop met mailen",
				"geen mails meer", "geen e-mails meer", "geen emails meer", "haal mij van", "haal me van", "haal ons van",
				"van de lijst", "van jullie lijst", "van uw lijst"},
		},
		whole: []string{"stop", "stop please", "please stop", "stoppen", "stop aub", "stop alsjeblieft"},
	},
	{
		intent: IntentLater,
		action: ActionDeferSequence,
		phrases: map[string][]string{
			"en": {"not right now", "not now", "next month", "next quarter", "next week", "later this year", "reach out later",
				"circle back", "follow up later", "get back to me", "after the summer", "too busy", "in a few weeks", "maybe later"},
			"nl": {"nu niet", "niet nu", "op dit moment niet", "volgende maand", "volgend kwartaal", "volgende week",
				"kom hier", "later dit jaar", "na de zomer", "te druk", "over een paar weken", "later terug", "benader me later"},
		},
	},
	{
		intent: IntentNotFit,
		action: ActionCloseLost,
		phrases: map[string][]string{
			"en": {"not interested", "no interest", "not interesting", "not relevant", "no budget", "not a fit", "not a good fit",
				"wrong person", "no need", "we already have", "not for us", "no thanks"},
			"nl": {"niet relevant", "geen budget", "geen interesse", "niet interessant", "niet zo interessant", "geen behoefte",
				"past niet", "hebben al", "niet voor ons", "nee dank", "geen tijd voor", "hier maar bij laten"},
		},
	},
	{
		intent: IntentInterested,
		action: ActionBookTeardown,
		phrases: map[string][]string{
			"en": {"sounds good", "interested", "let's talk", "schedule a call", "book a call", "set up a call", "demo",
				"happy to chat", "tell me more", "send me more", "let's meet", "sounds interesting"},
			"nl": {"klinkt goed", "klinkt interessant", "interessant", "graag meer", "call plannen", "afspraak", "demo",
				"laten we", "bel me", "bel mij", "wil graag", "vertel meer", "kennismaken"},
		},
	},
}

type compiledRule struct {
	rule
	phrases []compiledPhrase
	whole   []string
}

type compiledPhrase struct {
	lang string
	text string
	raw  string
}

var compiled = compileRules(rules)

func compileRules(in []rule) []compiledRule {
	out := make([]compiledRule, 0, len(in))
	for _, r := range in {
		cr := compiledRule{rule: r}
		for _, lang := range []string{"en", "nl"} {
			for _, p := range r.phrases[lang] {
				cr.phrases = append(cr.phrases, compiledPhrase{lang: lang, text: textnorm.Words(p), raw: p})
			}
		}
		for _, w := range r.whole {
			cr.whole = append(cr.whole, textnorm.Words(w))
		}
		out = append(out, cr)
	}
	return out
}

// Classify triages reply text. Quoted history is removed first so the
// footer of our own message cannot trigger a match.
func Classify(body string) Triage {
	text := textnorm.Words(StripQuoted(body))
	lang := detectLanguage(text)

	for _, r := range compiled {
		if p, ok := r.match(text, lang); ok {
			t := Triage{Intent: r.intent, Action: r.action, Language: p.lang, Matched: p.raw}
			if r.intent == IntentLater {
				t.DeferDays = ParseDeferDays(text)
			}
			return t
		}
	}
	return Triage{Intent: IntentUnknown, Action: ActionManualReview, Language: lang}
}

// match tries phrases of the detected language before the others.
func (r compiledRule) match(text, lang string) (compiledPhrase, bool) {
	for i, w := range r.whole {
		if text == w {
			return compiledPhrase{lang: lang, text: w, raw: r.rule.whole[i]}, true
		}
	}
	for _, preferred := range []bool{true, false} {
		for _, p := range r.phrases {
			if (p.lang == lang) == preferred && strings.Contains(text, p.text) {
				return p, true
			}
		}
	}
	return compiledPhrase{}, false
}

var (
	relativeWeeks  = regexp.MustCompile(` (?:in|over) (\d{1,2}) (?:weeks?|weken) `)
	relativeMonths = regexp.MustCompile(` (?:in|over) (\d{1,2}) (?:months?|maanden|maand) `)
	relativeDays   = regexp.MustCompile(` (?:in|over) (\d{1,3}) (?:days?|dagen) `)
)

var deferPhrases = []struct {
	phrase string
	days   int
}{
	{" next quarter ", 90}, {" volgend kwartaal ", 90}, {" after the summer ", 90}, {" na de zomer ", 90},
	{" later this year ", 90}, {" later dit jaar ", 90},
	{" next month ", 30}, {" volgende maand ", 30}, {" in a month ", 30}, {" over een maand ", 30},
	{" next week ", 7}, {" volgende week ", 7}, {" in a week ", 7}, {" over een week ", 7},
	{" few weeks ", 14}, {" couple of weeks ", 14}, {" paar weken ", 14},
}

// ParseDeferDays reads a relative time reference from normalized text,
// falling back to DefaultDeferDays.
func ParseDeferDays(text string) int {
	if !strings.HasPrefix(text, " ") {
		text = textnorm.Words(text)
	}
	if m := relativeDays.FindStringSubmatch(text); m != nil {
		return clampDays(atoi(m[1]))
	}
	if m := relativeWeeks.FindStringSubmatch(text); m != nil {
		return clampDays(atoi(m[1]) * 7)
	}
	if m := relativeMonths.FindStringSubmatch(text); m != nil {
		return clampDays(atoi(m[1]) * 30)
	}
	for _, p := range deferPhrases {
		if strings.Contains(text, p.phrase) {
			return p.days
		}
	}
	return DefaultDeferDays
}

func clampDays(d int) int {
	switch {
	case d < 1:
		return 1
	case d > maxDeferDays:
		return maxDeferDays
	default:
		return d
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

var (
	nlMarkers = []string{" de ", " het ", " een ", " niet ", " wij ", " ons ", " graag ", " voor ", " je ", " jullie ", " geen ", " maar ", " met ", " op ", " kom "}
	enMarkers = []string{" the ", " and ", " not ", " we ", " us ", " please ", " me ", " you ", " for ", " with ", " but ", " thanks ", " our "}
)

func detectLanguage(text string) string {
	nl, en := 0, 0
	for _, m := range nlMarkers {
		nl += strings.Count(text, m)
	}
	for _, m := range enMarkers {
		en += strings.Count(text, m)
	}
	if nl > en {
		return "nl"
	}
	return "en"
}

var quoteHeader = regexp.MustCompile(`(?i)^\s*(on .+ wrote:|op .+ (schreef|geschreven).*:|-+\s*(original message|oorspronkelijk bericht)\s*-+|(from|van):\s.+@.+)\s*$`)

// StripQuoted drops quoted history: lines starting with '>' and everything
// after a reply header such as "On ... wrote:" or "Op ... schreef ...:".
func StripQuoted(body string) string {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if quoteHeader.MatchString(line) {
			break
		}
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
