package intent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticTriggers []string

func (s staticTriggers) Match(text string) (string, bool) {
	for _, p := range s {
		if strings.Contains(text, p) {
			return p, true
		}
	}
	return "", false
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		triggers staticTriggers
		want     Intent
	}{
		{"plain chat", "hey, what's the plan for today?", nil, IntentChat},
		{"document request", "Create a document outlining the Q3 roadmap", nil, IntentDocument},
		{"doc shorthand", "can you write a doc about onboarding", nil, IntentDocument},
		{"ticket request", "create ticket for the login timeout bug", nil, IntentTicket},
		{"jira phrasing", "please make jira about this", nil, IntentTicket},
		{"question overrides ticket", "how do I create ticket in this project?", nil, IntentChat},
		{"explain overrides ticket", "explain how to file ticket here", nil, IntentChat},
		{"trigger phrase", "deploy status please", staticTriggers{"deploy status"}, IntentTrigger},
		{"summarize", "summarize #general for me", nil, IntentSummarize},
		{"british spelling", "can you summarise the channel", nil, IntentSummarize},
		{"catch me up", "catch me up on engineering", nil, IntentSummarize},
		{"case insensitive", "CREATE TICKET for flaky tests", nil, IntentTicket},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.text, tt.triggers)
			assert.Equal(t, tt.want, got.Intent)
		})
	}
}

func TestClassify_Precedence(t *testing.T) {
	// Document beats ticket when both phrasings appear.
	got := Classify("create a document and create ticket for it", nil)
	assert.Equal(t, IntentDocument, got.Intent)

	// Ticket beats trigger phrases.
	trig := staticTriggers{"ticket"}
	got = Classify("create ticket for the outage", trig)
	assert.Equal(t, IntentTicket, got.Intent)

	// Trigger beats summarize.
	trig = staticTriggers{"recap"}
	got = Classify("recap please", trig)
	assert.Equal(t, IntentTrigger, got.Intent)
	assert.Equal(t, "recap", got.TriggerPhrase)

	// Question flips a ticket request into chat, not into summarize.
	got = Classify("what is the process to create ticket", nil)
	assert.Equal(t, IntentChat, got.Intent)
}

func TestClassify_DocumentTopic(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		topic string
	}{
		{"about lead-in", "create a document about Q3 onboarding", "Q3 onboarding"},
		{"on lead-in", "write a doc on incident response", "incident response"},
		{"no lead-in", "draft a document release checklist", "release checklist"},
		{"colon lead-in", "create document: API style guide", "API style guide"},
		{"bare request", "create a document", ""},
		{"trailing punctuation", "make a document about the rollout plan.", "the rollout plan"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.text, nil)
			assert.Equal(t, IntentDocument, got.Intent)
			assert.Equal(t, tt.topic, got.Topic)
		})
	}
}

func TestIsQuestion(t *testing.T) {
	assert.True(t, IsQuestion("How do I rotate these keys?"))
	assert.True(t, IsQuestion("show me the dashboard"))
	assert.False(t, IsQuestion("rotate the keys now"))
}
