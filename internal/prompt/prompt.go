// Package prompt builds system prompts and guardrails in one place so
// every generation path speaks with the same voice.
package prompt

import (
	"fmt"
	"strings"

	"deskmate/internal/monitor"
)

// Surface is where the reply will appear.
type Surface string

const (
	// SurfaceChannel is a reply inside a channel or thread.
	SurfaceChannel Surface = "channel"
	// SurfacePanel is a reply in the assistant side panel.
	SurfacePanel Surface = "panel"
)

// Params feed one system prompt build.
type Params struct {
	Surface Surface
	// ChannelContext is recent-channel-activity text, when resolved.
	ChannelContext string
	// DocContext is retrieved document text, when any.
	DocContext string
}

var guardrails = []string{
	"If you are unsure, say you do not know and offer next steps.",
	"Prefer short paragraphs and bullet points.",
	"Never fabricate internal policy; if docs context is provided, cite or summarize it.",
	"IMPORTANT: Do not repeat or summarize previous messages in the conversation. Only answer the current question.",
	"Do not echo back what the user just said or previous Q&As unless specifically asked to recall something.",
}

// Build assembles the system prompt for a generation call.
func Build(p Params) string {
	base := `You are a Slack assistant in the Assistant panel. Be brief, conversational, and helpful. You can help users create Jira tickets by suggesting they use "/ticket [description]" or mention you in a channel with "create ticket [description]".`
	if p.Surface == SurfaceChannel {
		base = `You are a helpful Slack assistant. Keep replies concise and answer in the thread. You can help users create Jira tickets by suggesting they use "/ticket [description]" or @mention me with create ticket [description].`
	}

	sections := []string{base, "Rules:\n- " + strings.Join(guardrails, "\n- ")}
	if p.ChannelContext != "" {
		sections = append(sections, "Slack context:\n"+p.ChannelContext)
	}
	if p.DocContext != "" {
		sections = append(sections, "Docs context:\n"+p.DocContext)
	}
	return strings.Join(sections, "\n\n")
}

// Document is the system prompt for document-drafting runs. topic may
// be empty when the request named no subject.
func Document(topic string) string {
	base := "You are a Slack assistant drafting a document. Produce a well-structured document in Slack markdown: a bold title line, short section headings, and concise content under each. Do not add commentary before or after the document."
	if topic != "" {
		base += "\n\nThe document topic is: " + topic
	}
	return base
}

// Summarize is the system prompt for channel summarization runs.
func Summarize() string {
	return "You are a Slack assistant. Provide a helpful summary of the channel based on the provided information."
}

// Monitored returns the system prompt for a proactive reply in a
// monitored channel, voiced by the channel's response type.
func Monitored(rt monitor.ResponseType) string {
	voice := map[monitor.ResponseType]string{
		monitor.ResponseAnalytical: "Analyze the discussion for patterns and key points. Respond only when you add signal.",
		monitor.ResponseSummary:    "Offer a concise summary of the recent discussion.",
		monitor.ResponseQuestions:  "Ask one or two clarifying questions that move the discussion forward.",
		monitor.ResponseInsights:   "Share a brief, actionable observation about the discussion.",
	}
	v, ok := voice[rt]
	if !ok {
		v = voice[monitor.ResponseAnalytical]
	}
	return fmt.Sprintf("You are a Slack assistant watching this channel. %s Keep it to a few sentences.", v)
}

// ChannelContext renders recent messages into the Slack-context section
// fed to Build.
func ChannelContext(channelName string, lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recent activity in #%s:\n", channelName)
	for _, l := range lines {
		b.WriteString("- ")
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
