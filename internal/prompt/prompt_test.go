package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"deskmate/internal/monitor"
)

func TestBuild_SurfaceSelectsBase(t *testing.T) {
	channel := Build(Params{Surface: SurfaceChannel})
	panel := Build(Params{Surface: SurfacePanel})

	assert.Contains(t, channel, "answer in the thread")
	assert.Contains(t, panel, "Assistant panel")
	assert.NotEqual(t, channel, panel)

	// Guardrails appear on both surfaces.
	for _, p := range []string{channel, panel} {
		assert.Contains(t, p, "Rules:")
		assert.Contains(t, p, "Do not repeat or summarize previous messages")
	}
}

func TestBuild_OptionalSections(t *testing.T) {
	p := Build(Params{
		Surface:        SurfaceChannel,
		ChannelContext: "Recent activity in #eng:\n- U1: deploy done",
		DocContext:     "runbook excerpt",
	})
	assert.Contains(t, p, "Slack context:\nRecent activity in #eng:")
	assert.Contains(t, p, "Docs context:\nrunbook excerpt")

	bare := Build(Params{Surface: SurfaceChannel})
	assert.NotContains(t, bare, "Slack context:")
	assert.NotContains(t, bare, "Docs context:")
}

func TestDocument(t *testing.T) {
	withTopic := Document("incident response")
	assert.Contains(t, withTopic, "drafting a document")
	assert.Contains(t, withTopic, "The document topic is: incident response")

	bare := Document("")
	assert.Contains(t, bare, "drafting a document")
	assert.NotContains(t, bare, "The document topic is:")
}

func TestMonitored_VoicePerResponseType(t *testing.T) {
	seen := map[string]bool{}
	for _, rt := range []monitor.ResponseType{
		monitor.ResponseAnalytical, monitor.ResponseSummary,
		monitor.ResponseQuestions, monitor.ResponseInsights,
	} {
		p := Monitored(rt)
		assert.False(t, seen[p], "voice for %s duplicates another", rt)
		seen[p] = true
	}
	// Unknown types fall back to analytical.
	assert.Equal(t, Monitored(monitor.ResponseAnalytical), Monitored("bogus"))
}

func TestChannelContext(t *testing.T) {
	got := ChannelContext("eng", []string{"U1: shipped", "U2: reviewing"})
	assert.True(t, strings.HasPrefix(got, "Recent activity in #eng:"))
	assert.Contains(t, got, "- U2: reviewing")

	assert.Empty(t, ChannelContext("eng", nil))
}
