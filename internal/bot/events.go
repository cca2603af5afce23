package bot

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"go.uber.org/zap"

	"deskmate/internal/channels"
	"deskmate/internal/convo"
	"deskmate/internal/intent"
	"deskmate/internal/llm"
	"deskmate/internal/monitor"
	"deskmate/internal/prompt"
	"deskmate/internal/streamer"
	"deskmate/internal/tracker"
)

// mentionRef strips the leading @bot mention from channel mentions.
var mentionRef = regexp.MustCompile(`<@[^>]+>\s*`)

const thinkingText = "Thinking…"

// clampUserText trims and caps inbound text to the configured limit.
func (b *Bot) clampUserText(text string) string {
	text = strings.TrimSpace(text)
	if max := b.cfg.Convo.MaxUserChars; max > 0 && len(text) > max {
		text = streamer.Truncate(text, max)
	}
	return text
}

// handleAppMention serves @bot mentions in channels: ticket requests,
// trigger phrases, then threaded chat generation with a Stop button.
func (b *Bot) handleAppMention(ctx context.Context, team string, ev *slackevents.AppMentionEvent) {
	thread := ev.ThreadTimeStamp
	if thread == "" {
		thread = ev.TimeStamp
	}
	text := b.clampUserText(mentionRef.ReplaceAllString(ev.Text, ""))
	if text == "" {
		return
	}

	matcher := b.triggers.MatcherFor(ctx, team, ev.User)
	cls := intent.Classify(text, matcher)
	b.metrics.IntentsRouted.WithLabelValues(string(cls.Intent)).Inc()

	switch cls.Intent {
	case intent.IntentDocument:
		b.handleDocumentRequest(ctx, team, ev.Channel, thread, ev.User, text, cls)
		return
	case intent.IntentTicket:
		b.handleTicketRequest(ctx, team, ev.Channel, thread, text)
		return
	case intent.IntentTrigger:
		if t, ok := matcher.Find(text); ok {
			b.say(ctx, ev.Channel, thread, "⚡ "+t.Response)
			return
		}
	}

	key := convo.Key(team, ev.Channel, thread, ev.User)
	if err := b.convo.AppendTurn(ctx, key, convo.RoleUser, text); err != nil {
		b.log.Warn("recording user turn failed", zap.Error(err))
	}

	system := prompt.Build(prompt.Params{
		Surface:        prompt.SurfaceChannel,
		ChannelContext: b.channelContext(ctx, ev.Channel),
	})
	history, err := b.convo.History(ctx, key, 0)
	if err != nil {
		b.log.Warn("loading history failed", zap.Error(err))
		history = []convo.Turn{{Role: convo.RoleUser, Content: text}}
	}

	b.streamReply(ctx, key, ev.Channel, thread,
		llm.Request{System: system, History: history},
		streamer.Options{
			Placeholder:   thinkingText,
			FlushInterval: b.cfg.GetFlushInterval(),
			MaxLen:        b.cfg.Stream.MaxLen,
			WithStop:      true,
		})
}

// handleDocumentRequest streams a drafted document into the thread,
// seeded with the extracted topic. The exchange is recorded like any
// other conversational turn.
func (b *Bot) handleDocumentRequest(ctx context.Context, team, channel, thread, user, text string, cls intent.Classification) {
	key := convo.Key(team, channel, thread, user)
	if err := b.convo.AppendTurn(ctx, key, convo.RoleUser, text); err != nil {
		b.log.Warn("recording user turn failed", zap.Error(err))
	}
	history, err := b.convo.History(ctx, key, 0)
	if err != nil {
		b.log.Warn("loading history failed", zap.Error(err))
		history = []convo.Turn{{Role: convo.RoleUser, Content: text}}
	}

	b.streamReply(ctx, key, channel, thread,
		llm.Request{System: prompt.Document(cls.Topic), History: history},
		streamer.Options{
			Placeholder:   thinkingText,
			FlushInterval: b.cfg.GetFlushInterval(),
			MaxLen:        b.cfg.Stream.MaxLen,
			WithStop:      true,
		})
}

// handleTicketRequest drives the ticket path: config check, description
// extraction, filing, confirmation. The tracker is never invoked when
// the workspace has no configuration.
func (b *Bot) handleTicketRequest(ctx context.Context, team, channel, thread, text string) {
	if b.tracker == nil {
		b.say(ctx, channel, thread, tracker.NotConfiguredMessage)
		return
	}
	if _, err := b.tracker.ConfigFor(ctx, team); err != nil {
		b.say(ctx, channel, thread, tracker.NotConfiguredMessage)
		return
	}

	description := stripTicketKeywords(text)
	if len(description) < 3 {
		b.say(ctx, channel, thread,
			"⚠️ Please provide a description for the ticket.\nExample: `@deskmate create ticket for login bug - users cannot authenticate`")
		return
	}

	ticket := tracker.ExtractTicket(description, b.recentContext(ctx, channel, 5))
	created, err := b.tracker.CreateTicket(ctx, team, ticket)
	if err != nil {
		b.say(ctx, channel, thread, "❌ Failed to create Jira ticket: "+err.Error())
		return
	}
	b.metrics.TicketsCreated.Inc()
	b.say(ctx, channel, thread, fmt.Sprintf(
		"✅ Jira ticket created successfully!\n🎫 *%s*: %s\n🔗 <%s|View ticket>",
		created.Key, created.Summary, created.URL))
}

var ticketKeywordPattern = regexp.MustCompile(`(?i)create ticket|make ticket|ticket for|file ticket|log ticket|create jira|make jira`)
var ticketLeadIn = regexp.MustCompile(`(?i)^(for|about|regarding|on|:|-)+\s*`)

// stripTicketKeywords removes the request phrasing, leaving the issue
// description.
func stripTicketKeywords(text string) string {
	out := ticketKeywordPattern.ReplaceAllString(text, "")
	out = strings.TrimSpace(out)
	return strings.TrimSpace(ticketLeadIn.ReplaceAllString(out, ""))
}

// handleMessage serves direct messages (the assistant pane). Bot and
// edited messages are ignored; monitored-channel messages take the
// proactive path instead.
func (b *Bot) handleMessage(ctx context.Context, team string, ev *slackevents.MessageEvent) {
	if ev.SubType != "" || ev.BotID != "" || ev.Text == "" || ev.User == b.botID {
		return
	}
	if ev.ChannelType != "im" {
		b.maybeMonitoredReply(ctx, team, ev)
		return
	}

	text := b.clampUserText(ev.Text)
	anchor, _ := b.convo.Anchor(ev.Channel)

	if anchor != "" {
		if err := b.api.SetAssistantThreadsStatusContext(ctx, slack.AssistantThreadsSetStatusParameters{
			ChannelID: ev.Channel,
			ThreadTS:  anchor,
			Status:    "is thinking...",
		}); err != nil {
			b.log.Debug("assistant status update failed", zap.Error(err))
		}
	}

	matcher := b.triggers.MatcherFor(ctx, team, ev.User)
	cls := intent.Classify(text, matcher)
	b.metrics.IntentsRouted.WithLabelValues(string(cls.Intent)).Inc()

	switch cls.Intent {
	case intent.IntentDocument:
		b.handleDocumentRequest(ctx, team, ev.Channel, anchor, ev.User, text, cls)
		return
	case intent.IntentTrigger:
		if t, ok := matcher.Find(text); ok {
			b.say(ctx, ev.Channel, anchor, "⚡ "+t.Response)
			return
		}
	case intent.IntentSummarize:
		b.handleSummarize(ctx, team, ev.Channel, anchor, ev.User, text)
		return
	}

	key := convo.Key(team, ev.Channel, anchor, ev.User)
	if err := b.convo.AppendTurn(ctx, key, convo.RoleUser, text); err != nil {
		b.log.Warn("recording user turn failed", zap.Error(err))
	}

	history, err := b.convo.History(ctx, key, 0)
	if err != nil {
		b.log.Warn("loading history failed", zap.Error(err))
		history = []convo.Turn{{Role: convo.RoleUser, Content: text}}
	}

	b.streamReply(ctx, key, ev.Channel, anchor,
		llm.Request{System: prompt.Build(prompt.Params{Surface: prompt.SurfacePanel}), History: history},
		streamer.Options{
			FlushInterval: b.cfg.GetFlushInterval(),
			MaxLen:        b.cfg.Stream.MaxLen,
		})
}

// handleSummarize resolves the target channel and streams a summary of
// its recent activity. An unresolved target asks for clarification and
// never reaches content generation.
func (b *Bot) handleSummarize(ctx context.Context, team, replyChannel, anchor, user, text string) {
	res, err := b.resolver.Resolve(ctx, user, text)
	if err != nil {
		b.log.Warn("channel resolution failed", zap.Error(err))
		res = channels.Resolution{Status: channels.StatusUnresolved}
	}

	switch res.Status {
	case channels.StatusUnresolved:
		b.say(ctx, replyChannel, anchor,
			"I don't have access to the current channel context. Please specify which channel you'd like me to summarize (e.g., \"#general\" or the channel you're viewing).")
		return
	case channels.StatusNotFound:
		b.say(ctx, replyChannel, anchor, fmt.Sprintf(
			"I couldn't find a channel named \"#%s\". Please check the spelling or make sure I have access to that channel.", res.AttemptedName))
		return
	}

	corpus := b.summaryCorpus(ctx, res.ChannelID)
	if corpus == "" {
		corpus = "(no messages found)"
	}

	b.streamReply(ctx, "", replyChannel, anchor,
		llm.Request{
			System:  prompt.Summarize(),
			History: []convo.Turn{{Role: convo.RoleUser, Content: corpus}},
		},
		streamer.Options{
			FlushInterval: b.cfg.GetFlushInterval(),
			MaxLen:        b.cfg.Stream.MaxLen,
		})
}

// maybeMonitoredReply posts a proactive reply in a monitored channel,
// capped per thread so the bot never dominates a discussion.
func (b *Bot) maybeMonitoredReply(ctx context.Context, team string, ev *slackevents.MessageEvent) {
	if b.monitor == nil {
		return
	}
	mc, ok := b.monitor.Lookup(ctx, team, ev.Channel)
	if !ok {
		return
	}
	thread := ev.ThreadTimeStamp
	if thread == "" {
		thread = ev.TimeStamp
	}

	// Problem reports can file a ticket regardless of the reply cap.
	// Questions about a problem are discussion, not reports.
	if mc.AutoCreateTickets && b.tracker != nil &&
		tracker.LooksLikeIssue(ev.Text) && !intent.IsQuestion(ev.Text) {
		b.autoTicket(ctx, team, ev.Channel, thread, ev.Text)
	}

	if b.monitor.ThreadCount(ctx, team, ev.Channel, thread) >= monitor.MaxThreadResponses {
		return
	}

	corpus := b.summaryCorpus(ctx, ev.Channel)
	if corpus == "" {
		return
	}
	if _, err := b.monitor.IncrementThreadCount(ctx, team, ev.Channel, thread); err != nil {
		b.log.Warn("thread counter bump failed", zap.Error(err))
	}

	b.streamReply(ctx, "", ev.Channel, thread,
		llm.Request{
			System:  prompt.Monitored(mc.ResponseType),
			History: []convo.Turn{{Role: convo.RoleUser, Content: corpus}},
		},
		streamer.Options{
			FlushInterval: b.cfg.GetFlushInterval(),
			MaxLen:        b.cfg.Stream.MaxLen,
		})
}

// autoTicket files an issue from a monitored-channel problem report and
// announces it in the thread. Failures are logged only; the proactive
// path must never surface tracker errors to bystanders.
func (b *Bot) autoTicket(ctx context.Context, team, channel, thread, text string) {
	if _, err := b.tracker.ConfigFor(ctx, team); err != nil {
		b.log.Debug("auto-ticket skipped, tracker unconfigured", zap.String("team", team))
		return
	}
	ticket := tracker.ExtractTicket(text, b.recentContext(ctx, channel, 5))
	created, err := b.tracker.CreateTicket(ctx, team, ticket)
	if err != nil {
		b.log.Warn("auto-ticket creation failed",
			zap.String("channel", channel), zap.Error(err))
		return
	}
	b.metrics.TicketsCreated.Inc()
	b.say(ctx, channel, thread, fmt.Sprintf(
		"🎫 I filed <%s|%s> for this: %s", created.URL, created.Key, created.Summary))
}

// handleAssistantThreadStarted anchors pane replies to the new thread.
func (b *Bot) handleAssistantThreadStarted(_ context.Context, ev *slackevents.AssistantThreadStartedEvent) {
	ch := ev.AssistantThread.ChannelID
	ts := ev.AssistantThread.ThreadTimeStamp
	if ch == "" || ts == "" {
		return
	}
	if err := b.convo.SetAnchor(ch, ts); err != nil {
		b.log.Warn("saving assistant thread anchor failed", zap.Error(err))
	}
}

// handleAssistantContextChanged caches which channel the user is
// looking at, feeding the resolver's most authoritative signal.
func (b *Bot) handleAssistantContextChanged(_ context.Context, ev *slackevents.AssistantThreadContextChangedEvent) {
	user := ev.AssistantThread.UserID
	channel := ev.AssistantThread.Context.ChannelID
	if user == "" || channel == "" {
		return
	}
	if err := b.convo.SetViewed(user, channel); err != nil {
		b.log.Warn("saving viewed channel failed", zap.Error(err))
	}
}

// channelContext assembles the Slack-context prompt section for a
// channel: name, topic, purpose, and optionally recent messages.
func (b *Bot) channelContext(ctx context.Context, channelID string) string {
	if !b.cfg.Features.ChannelContext {
		return ""
	}
	info, err := b.channelInfo(ctx, channelID)
	if err != nil {
		return fmt.Sprintf("Limited channel access (%s): %v", channelID, err)
	}

	name := "#" + info.Name
	if info.IsPrivate {
		name = "(private) " + info.Name
	}
	parts := []string{"Current channel: " + name}
	if info.Topic.Value != "" {
		parts = append(parts, "Topic: "+info.Topic.Value)
	}
	if info.Purpose.Value != "" {
		parts = append(parts, "Purpose: "+info.Purpose.Value)
	}
	out := strings.Join(parts, "\n")

	if b.cfg.Features.RecentMessages {
		if lines := b.recentLines(ctx, channelID, 12); len(lines) > 0 {
			out += "\n\n" + prompt.ChannelContext(info.Name, lines)
		}
	}
	return out
}

// channelInfo fetches channel metadata, joining public channels the bot
// is not yet a member of.
func (b *Bot) channelInfo(ctx context.Context, channelID string) (*slack.Channel, error) {
	input := &slack.GetConversationInfoInput{ChannelID: channelID}
	info, err := b.api.GetConversationInfoContext(ctx, input)
	if err != nil && strings.Contains(err.Error(), "not_in_channel") {
		if _, _, _, jerr := b.api.JoinConversationContext(ctx, channelID); jerr == nil {
			info, err = b.api.GetConversationInfoContext(ctx, input)
		}
	}
	return info, err
}

// recentLines renders the channel's recent messages as "user: text"
// lines, most recent first.
func (b *Bot) recentLines(ctx context.Context, channelID string, limit int) []string {
	hist, err := b.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Limit:     limit,
	})
	if err != nil {
		b.log.Debug("channel history fetch failed", zap.String("channel", channelID), zap.Error(err))
		return nil
	}
	var lines []string
	for _, m := range hist.Messages {
		if m.Type != "message" || m.Text == "" {
			continue
		}
		user := m.User
		if user == "" {
			user = "someone"
		}
		lines = append(lines, user+": "+m.Text)
	}
	return lines
}

// recentContext adapts recent messages to the tracker's context shape.
func (b *Bot) recentContext(ctx context.Context, channelID string, limit int) []tracker.ContextMessage {
	var out []tracker.ContextMessage
	for _, line := range b.recentLines(ctx, channelID, limit) {
		user, text, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		out = append(out, tracker.ContextMessage{User: user, Text: text})
	}
	return out
}

// summaryCorpus gathers channel metadata and recent messages into the
// text summarized for the user. Capped to keep prompts bounded.
func (b *Bot) summaryCorpus(ctx context.Context, channelID string) string {
	const corpusCap = 12000

	var parts []string
	if info, err := b.channelInfo(ctx, channelID); err == nil && info != nil {
		name := "#" + info.Name
		if info.IsPrivate {
			name = "(private) " + info.Name
		}
		header := "Channel: " + name
		if info.Topic.Value != "" {
			header += "\nTopic: " + info.Topic.Value
		}
		if info.Purpose.Value != "" {
			header += "\nPurpose: " + info.Purpose.Value
		}
		parts = append(parts, header)
	}
	if lines := b.recentLines(ctx, channelID, 48); len(lines) > 0 {
		parts = append(parts, "Recent messages:\n- "+strings.Join(lines, "\n- "))
	}
	return streamer.Truncate(strings.Join(parts, "\n\n"), corpusCap)
}
