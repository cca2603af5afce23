package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"deskmate/internal/convo"
	"deskmate/internal/llm"
	"deskmate/internal/monitor"
	"deskmate/internal/prompt"
	"deskmate/internal/streamer"
	"deskmate/internal/tracker"
)

func (b *Bot) handleSlashCommand(ctx context.Context, cmd slack.SlashCommand) {
	team := cmd.TeamID
	if team == "" {
		team = b.teamID
	}
	switch cmd.Command {
	case "/ask":
		b.cmdAsk(ctx, team, cmd)
	case "/ticket":
		b.cmdTicket(ctx, team, cmd)
	case "/forget":
		b.cmdForget(ctx, team, cmd)
	case "/trigger":
		b.cmdTrigger(ctx, team, cmd)
	case "/monitor":
		b.cmdMonitor(ctx, team, cmd)
	case "/jira":
		b.cmdJira(ctx, team, cmd)
	default:
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "Unknown command: "+cmd.Command)
	}
}

// cmdAsk answers a one-off question in the invoking channel, with the
// same channel context and history the mention path uses.
func (b *Bot) cmdAsk(ctx context.Context, team string, cmd slack.SlashCommand) {
	text := b.clampUserText(cmd.Text)
	if text == "" {
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "Usage: `/ask <question>`")
		return
	}

	key := convo.Key(team, cmd.ChannelID, "", cmd.UserID)
	if err := b.convo.AppendTurn(ctx, key, convo.RoleUser, text); err != nil {
		b.log.Warn("recording user turn failed", zap.Error(err))
	}

	system := prompt.Build(prompt.Params{
		Surface:        prompt.SurfaceChannel,
		ChannelContext: b.channelContext(ctx, cmd.ChannelID),
	})
	history, err := b.convo.History(ctx, key, 0)
	if err != nil {
		history = []convo.Turn{{Role: convo.RoleUser, Content: text}}
	}

	b.streamReply(ctx, key, cmd.ChannelID, "",
		llm.Request{System: system, History: history},
		streamer.Options{
			Placeholder:   thinkingText,
			FlushInterval: b.cfg.GetFlushInterval(),
			MaxLen:        b.cfg.Stream.MaxLen,
			WithStop:      true,
		})
}

// cmdTicket files a tracker issue from the command text.
func (b *Bot) cmdTicket(ctx context.Context, team string, cmd slack.SlashCommand) {
	text := b.clampUserText(cmd.Text)
	if text == "" {
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "Usage: `/ticket <description>`")
		return
	}
	b.handleTicketRequest(ctx, team, cmd.ChannelID, "", text)
}

// cmdForget wipes the user's conversation history across the team and
// drops the channel's assistant-thread anchor so the next pane message
// starts a fresh thread.
func (b *Bot) cmdForget(ctx context.Context, team string, cmd slack.SlashCommand) {
	removed, err := b.convo.Clear(ctx, team, cmd.UserID)
	if err != nil {
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "Sorry — I couldn't clear your history right now.")
		return
	}
	if err := b.convo.DeleteAnchor(cmd.ChannelID); err != nil {
		b.log.Debug("dropping assistant anchor failed", zap.Error(err))
	}
	b.ephemeral(ctx, cmd.ChannelID, cmd.UserID,
		fmt.Sprintf("🧹 Forgotten. Removed %d stored turns.", removed))
}

// cmdTrigger manages trigger phrases:
//
//	/trigger add <phrase> | <response>
//	/trigger list
//	/trigger remove <id>
func (b *Bot) cmdTrigger(ctx context.Context, team string, cmd slack.SlashCommand) {
	const usage = "Usage: `/trigger add <phrase> | <response>`, `/trigger list`, `/trigger remove <id>`"

	sub, rest, _ := strings.Cut(strings.TrimSpace(cmd.Text), " ")
	switch sub {
	case "add":
		phrase, response, ok := strings.Cut(rest, "|")
		if !ok || strings.TrimSpace(response) == "" {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, usage)
			return
		}
		t, err := b.triggers.Add(ctx, team, cmd.UserID, phrase, strings.TrimSpace(response))
		if err != nil {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "Couldn't add trigger: "+err.Error())
			return
		}
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID,
			fmt.Sprintf("⚡ Trigger added: \"%s\" (id `%s`)", t.Phrase, t.ID))

	case "list":
		list, err := b.triggers.List(ctx, team, cmd.UserID)
		if err != nil {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "Couldn't list triggers right now.")
			return
		}
		if len(list) == 0 {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "You have no triggers. "+usage)
			return
		}
		var sb strings.Builder
		sb.WriteString("Your triggers:\n")
		for _, t := range list {
			fmt.Fprintf(&sb, "• `%s` — \"%s\" → %s\n", t.ID, t.Phrase, t.Response)
		}
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, sb.String())

	case "remove":
		id := strings.TrimSpace(rest)
		if id == "" {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, usage)
			return
		}
		if err := b.triggers.Delete(ctx, team, cmd.UserID, id); err != nil {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "Couldn't remove trigger: "+err.Error())
			return
		}
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "Trigger removed.")

	default:
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, usage)
	}
}

// cmdMonitor manages proactive monitoring for the invoking channel:
//
//	/monitor add [analytical|summary|questions|insights]
//	/monitor remove
//	/monitor set <response-type>
//	/monitor tickets on|off
//	/monitor list
//	/monitor types
func (b *Bot) cmdMonitor(ctx context.Context, team string, cmd slack.SlashCommand) {
	const usage = "Usage: `/monitor add [response-type]`, `/monitor remove`, `/monitor set <response-type>`, `/monitor tickets on|off`, `/monitor list`, `/monitor types`"
	if b.monitor == nil {
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "Channel monitoring is not enabled.")
		return
	}

	sub, rest, _ := strings.Cut(strings.TrimSpace(cmd.Text), " ")
	rest = strings.TrimSpace(rest)
	switch sub {
	case "add":
		ch := monitor.Channel{
			ChannelID:    cmd.ChannelID,
			ChannelName:  cmd.ChannelName,
			ResponseType: monitor.ResponseType(rest),
			AddedBy:      cmd.UserID,
		}
		added, err := b.monitor.Add(ctx, team, ch)
		if err != nil {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "Couldn't start monitoring: "+err.Error())
			return
		}
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID,
			fmt.Sprintf("👀 Now monitoring #%s with %s responses.", added.ChannelName, added.ResponseType))

	case "remove":
		if err := b.monitor.Remove(ctx, team, cmd.ChannelID); err != nil {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "Couldn't stop monitoring: "+err.Error())
			return
		}
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "Monitoring stopped for this channel.")

	case "set":
		valid := false
		for _, rt := range monitor.ResponseTypes() {
			if rt.Value == rest {
				valid = true
			}
		}
		if !valid {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, usage)
			return
		}
		updated, err := b.monitor.Update(ctx, team, cmd.ChannelID, func(ch *monitor.Channel) {
			ch.ResponseType = monitor.ResponseType(rest)
		})
		if err != nil {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "Couldn't update monitoring: "+err.Error())
			return
		}
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID,
			fmt.Sprintf("Response type for #%s is now %s.", updated.ChannelName, updated.ResponseType))

	case "tickets":
		if rest != "on" && rest != "off" {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, usage)
			return
		}
		_, err := b.monitor.Update(ctx, team, cmd.ChannelID, func(ch *monitor.Channel) {
			ch.AutoCreateTickets = rest == "on"
		})
		if err != nil {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "Couldn't update monitoring: "+err.Error())
			return
		}
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "Auto-ticketing is now "+rest+" for this channel.")

	case "list":
		list, err := b.monitor.List(ctx, team)
		if err != nil {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "Couldn't list monitored channels right now.")
			return
		}
		if len(list) == 0 {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "No channels are being monitored. "+usage)
			return
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "Monitored channels (%d/%d):\n", len(list), monitor.MaxChannels)
		for _, ch := range list {
			state := "enabled"
			if !ch.Enabled {
				state = "disabled"
			}
			tickets := ""
			if ch.AutoCreateTickets {
				tickets = ", auto-tickets"
			}
			fmt.Fprintf(&sb, "• <#%s> — %s (%s%s)\n", ch.ChannelID, ch.ResponseType, state, tickets)
		}
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, sb.String())

	case "types":
		var sb strings.Builder
		sb.WriteString("Response types:\n")
		for _, rt := range monitor.ResponseTypes() {
			fmt.Fprintf(&sb, "• `%s` — %s: %s\n", rt.Value, rt.Label, rt.Description)
		}
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, sb.String())

	default:
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, usage)
	}
}

// cmdJira connects the workspace to Jira:
//
//	/jira set <base-url> <email> <api-token> <project> [issue-type]
//	/jira test
func (b *Bot) cmdJira(ctx context.Context, team string, cmd slack.SlashCommand) {
	const usage = "Usage: `/jira set <base-url> <email> <api-token> <project> [issue-type]`, `/jira test`"
	if b.tracker == nil {
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "The issue tracker is not enabled.")
		return
	}

	sub, rest, _ := strings.Cut(strings.TrimSpace(cmd.Text), " ")
	switch sub {
	case "set":
		args := strings.Fields(rest)
		if len(args) < 4 {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, usage)
			return
		}
		cfg := tracker.Config{
			BaseURL:        args[0],
			Email:          args[1],
			APIToken:       args[2],
			DefaultProject: args[3],
		}
		if len(args) > 4 {
			cfg.DefaultIssueType = args[4]
		}
		if err := b.tracker.TestConnection(ctx, cfg); err != nil {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "❌ Jira connection check failed: "+err.Error())
			return
		}
		if err := b.tracker.SaveConfig(ctx, team, cfg); err != nil {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "Couldn't save Jira settings: "+err.Error())
			return
		}
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID,
			fmt.Sprintf("✅ Jira connected: %s (project %s).", cfg.BaseURL, cfg.DefaultProject))

	case "test":
		cfg, err := b.tracker.ConfigFor(ctx, team)
		if err != nil {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, tracker.NotConfiguredMessage)
			return
		}
		if err := b.tracker.TestConnection(ctx, cfg); err != nil {
			b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "❌ Jira connection check failed: "+err.Error())
			return
		}
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, "✅ Jira connection looks good.")

	default:
		b.ephemeral(ctx, cmd.ChannelID, cmd.UserID, usage)
	}
}

func (b *Bot) ephemeral(ctx context.Context, channel, user, text string) {
	if _, err := b.api.PostEphemeralContext(ctx, channel, user, slack.MsgOptionText(text, false)); err != nil {
		b.log.Warn("posting ephemeral failed", zap.String("channel", channel), zap.Error(err))
	}
}
