// Package intent classifies inbound user text into one of the bot's
// handling paths. Classification is keyword-driven and deterministic:
// given the same text and trigger set it always yields the same intent.
package intent

import "strings"

// Intent is a handling path for one inbound message.
type Intent string

const (
	// IntentDocument asks for a formatted document to be drafted.
	IntentDocument Intent = "document"
	// IntentTicket asks for an issue to be filed in the tracker.
	IntentTicket Intent = "ticket"
	// IntentTrigger matched a user-defined trigger phrase.
	IntentTrigger Intent = "trigger"
	// IntentSummarize asks for a channel summary.
	IntentSummarize Intent = "summarize"
	// IntentChat is the default conversational path.
	IntentChat Intent = "chat"
)

var documentKeywords = []string{
	"create a document",
	"create document",
	"write a document",
	"draft a document",
	"make a document",
	"create a doc",
	"write a doc",
	"draft a doc",
}

var ticketKeywords = []string{
	"create ticket",
	"make ticket",
	"ticket for",
	"file ticket",
	"log ticket",
	"create jira",
	"make jira",
}

// questionKeywords override ticket phrasing: "how do I create a ticket"
// is a question about the process, not a request to file one.
var questionKeywords = []string{
	"how do i",
	"how to",
	"what is",
	"how can i",
	"help me",
	"show me",
	"explain",
}

var summarizeKeywords = []string{
	"summarize",
	"summarise",
	"summary of",
	"catch me up",
	"recap",
}

// Classification carries the chosen intent plus any match detail a
// handler needs.
type Classification struct {
	Intent Intent
	// Topic is the document subject when Intent is IntentDocument, e.g.
	// "onboarding" for "create a document about onboarding".
	Topic string
	// TriggerPhrase is the matched phrase when Intent is IntentTrigger.
	TriggerPhrase string
}

// TriggerMatcher reports whether text matches any of a user's trigger
// phrases, returning the matched phrase.
type TriggerMatcher interface {
	Match(text string) (phrase string, ok bool)
}

// Classify routes text to an intent. Precedence is fixed: document
// creation, then ticket creation, then trigger phrases, then channel
// summarization, then plain chat. Ticket phrasing loses to question
// phrasing within the same text.
func Classify(text string, triggers TriggerMatcher) Classification {
	lower := strings.ToLower(text)

	if kw, ok := matchAny(lower, documentKeywords); ok {
		return Classification{Intent: IntentDocument, Topic: documentTopic(text, lower, kw)}
	}
	if containsAny(lower, ticketKeywords) && !containsAny(lower, questionKeywords) {
		return Classification{Intent: IntentTicket}
	}
	if triggers != nil {
		if phrase, ok := triggers.Match(lower); ok {
			return Classification{Intent: IntentTrigger, TriggerPhrase: phrase}
		}
	}
	if containsAny(lower, summarizeKeywords) {
		return Classification{Intent: IntentSummarize}
	}
	return Classification{Intent: IntentChat}
}

// IsQuestion reports whether text reads as a how-to question.
func IsQuestion(text string) bool {
	return containsAny(strings.ToLower(text), questionKeywords)
}

// topicLeadIns are fillers between the document keyword and its subject.
var topicLeadIns = []string{"about", "on", "for", "regarding", "titled", ":", "-"}

// documentTopic extracts the subject following the matched document
// keyword, preserving the user's casing. "create a document about X"
// yields "X"; a bare "create a document" yields "".
func documentTopic(text, lower, keyword string) string {
	idx := strings.Index(lower, keyword)
	if idx < 0 {
		return ""
	}
	topic := strings.TrimSpace(text[idx+len(keyword):])
	for changed := true; changed; {
		changed = false
		for _, lead := range topicLeadIns {
			if len(topic) < len(lead) || !strings.EqualFold(topic[:len(lead)], lead) {
				continue
			}
			rest := topic[len(lead):]
			wordy := lead != ":" && lead != "-"
			if wordy && rest != "" && !strings.HasPrefix(rest, " ") {
				continue
			}
			topic = strings.TrimSpace(rest)
			changed = true
		}
	}
	return strings.TrimRight(topic, ".!?")
}

func containsAny(lower string, keywords []string) bool {
	_, ok := matchAny(lower, keywords)
	return ok
}

func matchAny(lower string, keywords []string) (string, bool) {
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return k, true
		}
	}
	return "", false
}
