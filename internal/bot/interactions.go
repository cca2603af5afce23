package bot

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// handleInteraction routes Block Kit actions.
func (b *Bot) handleInteraction(ctx context.Context, callback slack.InteractionCallback) {
	if callback.Type != slack.InteractionTypeBlockActions {
		return
	}
	for _, action := range callback.ActionCallback.BlockActions {
		switch action.ActionID {
		case stopActionID:
			b.handleStopGeneration(callback)
		case "reset_memory":
			b.handleResetMemory(ctx, callback)
		}
	}
}

// handleStopGeneration signals the stream that owns the message the
// button lives on. The streamer replaces the content with the stopped
// marker; pressing Stop on a finished message does nothing.
func (b *Bot) handleStopGeneration(callback slack.InteractionCallback) {
	channel := callback.Channel.ID
	ts := callback.Message.Timestamp
	if channel == "" || ts == "" {
		return
	}
	if b.stops.fire(channel, ts) {
		b.log.Info("generation stopped by user",
			zap.String("channel", channel),
			zap.String("user", callback.User.ID))
	}
}

// handleResetMemory clears the pressing user's conversation history.
func (b *Bot) handleResetMemory(ctx context.Context, callback slack.InteractionCallback) {
	team := callback.Team.ID
	if team == "" {
		team = b.teamID
	}
	removed, err := b.convo.Clear(ctx, team, callback.User.ID)
	if err != nil {
		b.log.Warn("memory reset failed", zap.String("user", callback.User.ID), zap.Error(err))
		return
	}
	if err := b.convo.DeleteAnchor(callback.Channel.ID); err != nil {
		b.log.Debug("dropping assistant anchor failed", zap.Error(err))
	}
	b.ephemeral(ctx, callback.Channel.ID, callback.User.ID,
		fmt.Sprintf("🧹 Memory cleared. Removed %d stored turns.", removed))
}
