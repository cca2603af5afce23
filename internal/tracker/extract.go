package tracker

import (
	"fmt"
	"strings"

	"deskmate/internal/streamer"
)

var urgentKeywords = []string{"urgent", "critical", "emergency", "asap", "blocking"}
var highKeywords = []string{"important", "high", "soon", "bug", "broken"}
var issueKeywords = []string{"bug", "error", "broken", "crash", "failing", "doesn't work", "not working"}

// ContextMessage is one recent channel message included in a ticket
// description for context.
type ContextMessage struct {
	User string
	Text string
}

// ExtractTicket derives a ticket from the user's request and up to five
// recent messages. Priority and issue type come from keyword scans of
// the request text.
func ExtractTicket(userMessage string, recent []ContextMessage) Ticket {
	summary := strings.TrimSpace(streamer.Truncate(strings.TrimSpace(userMessage), 100))

	var b strings.Builder
	b.WriteString("*From Slack conversation:*\n\n")
	fmt.Fprintf(&b, "User request: %s\n\n", userMessage)
	if len(recent) > 0 {
		b.WriteString("*Recent context:*\n")
		if len(recent) > 5 {
			recent = recent[len(recent)-5:]
		}
		for _, m := range recent {
			if m.Text == "" || m.User == "" {
				continue
			}
			text := streamer.Truncate(m.Text, 200)
			fmt.Fprintf(&b, "- %s: %s\n", m.User, text)
		}
	}

	lower := strings.ToLower(userMessage)
	priority := "Medium"
	if containsAny(lower, urgentKeywords) {
		priority = "Critical"
	} else if containsAny(lower, highKeywords) {
		priority = "High"
	}

	issueType := "Task"
	switch {
	case strings.Contains(lower, "bug"), strings.Contains(lower, "error"), strings.Contains(lower, "broken"):
		issueType = "Bug"
	case strings.Contains(lower, "feature"), strings.Contains(lower, "enhancement"):
		issueType = "Story"
	}

	return Ticket{
		Summary:     summary,
		Description: b.String(),
		Priority:    priority,
		IssueType:   issueType,
	}
}

// LooksLikeIssue reports whether free-form channel text reads like an
// actionable problem report, gating automatic ticket creation.
func LooksLikeIssue(text string) bool {
	return containsAny(strings.ToLower(text), issueKeywords)
}

func containsAny(lower string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
