// Package bot wires the Slack Socket Mode event loop to intent
// routing, conversation storage and streaming generation.
package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"

	"deskmate/internal/channels"
	"deskmate/internal/config"
	"deskmate/internal/convo"
	"deskmate/internal/llm"
	"deskmate/internal/metrics"
	"deskmate/internal/monitor"
	"deskmate/internal/streamer"
	"deskmate/internal/tracker"
	"deskmate/internal/triggers"
)

// Deps are the collaborators a Bot needs. All fields are required
// except Monitor and Tracker, which disable their features when nil.
type Deps struct {
	API      SlackAPI
	Socket   *socketmode.Client
	Convo    *convo.Store
	Triggers *triggers.Store
	Monitor  *monitor.Store
	Tracker  *tracker.Client
	LLM      llm.Client
	Metrics  *metrics.Metrics
	Config   *config.Config
	Log      *zap.Logger
}

// Bot is the Slack assistant.
type Bot struct {
	api      SlackAPI
	socket   *socketmode.Client
	convo    *convo.Store
	triggers *triggers.Store
	monitor  *monitor.Store
	tracker  *tracker.Client
	llm      llm.Client
	metrics  *metrics.Metrics
	cfg      *config.Config
	log      *zap.Logger

	resolver *channels.Resolver
	surface  *slackSurface
	stops    *stopRegistry

	teamID string
	botID  string
}

// New assembles a Bot from its dependencies.
func New(d Deps) *Bot {
	surface := newSurface(d.API, d.Log)
	b := &Bot{
		api:      d.API,
		socket:   d.Socket,
		convo:    d.Convo,
		triggers: d.Triggers,
		monitor:  d.Monitor,
		tracker:  d.Tracker,
		llm:      d.LLM,
		metrics:  d.Metrics,
		cfg:      d.Config,
		log:      d.Log,
		surface:  surface,
		stops:    newStopRegistry(),
	}
	b.resolver = channels.NewResolver(d.API, viewedAdapter{b.convo}, d.Log)
	return b
}

// viewedAdapter narrows the convo store to the resolver's lookup.
type viewedAdapter struct{ s *convo.Store }

func (v viewedAdapter) Viewed(_ context.Context, userID string) (string, bool, error) {
	id, ok := v.s.Viewed(userID)
	return id, ok, nil
}

// Run authenticates, then pumps Socket Mode events until ctx ends.
func (b *Bot) Run(ctx context.Context) error {
	auth, err := b.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	b.teamID = auth.TeamID
	b.botID = auth.UserID
	b.log.Info("authenticated with slack",
		zap.String("team", auth.Team),
		zap.String("bot_user", auth.User))

	go func() {
		for evt := range b.socket.Events {
			b.handleEvent(ctx, evt)
		}
	}()

	if err := b.socket.RunContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("socket mode: %w", err)
	}
	return nil
}

func (b *Bot) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.log.Info("connecting to slack")
	case socketmode.EventTypeConnected:
		b.log.Info("connected to slack")
	case socketmode.EventTypeConnectionError:
		b.log.Warn("slack connection error", zap.Any("data", evt.Data))

	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			b.socket.Ack(*evt.Request)
		}
		b.metrics.EventsReceived.WithLabelValues(string(apiEvent.InnerEvent.Type)).Inc()
		go b.dispatchEventsAPI(ctx, apiEvent)

	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(slack.SlashCommand)
		if !ok {
			return
		}
		if evt.Request != nil {
			b.socket.Ack(*evt.Request)
		}
		b.metrics.EventsReceived.WithLabelValues("slash_command").Inc()
		go b.handleSlashCommand(ctx, cmd)

	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slack.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			b.socket.Ack(*evt.Request)
		}
		b.metrics.EventsReceived.WithLabelValues("interactive").Inc()
		go b.handleInteraction(ctx, callback)
	}
}

func (b *Bot) dispatchEventsAPI(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	team := apiEvent.TeamID
	if team == "" {
		team = b.teamID
	}
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		b.handleAppMention(ctx, team, ev)
	case *slackevents.MessageEvent:
		b.handleMessage(ctx, team, ev)
	case *slackevents.AssistantThreadStartedEvent:
		b.handleAssistantThreadStarted(ctx, ev)
	case *slackevents.AssistantThreadContextChangedEvent:
		b.handleAssistantContextChanged(ctx, ev)
	}
}

// streamReply drains one generation stream into a chat message and
// records both metrics and the completed assistant turn. key may be
// empty for replies that should leave no history. WithStop in opts
// wires the Stop button and registry.
func (b *Bot) streamReply(ctx context.Context, key, channel, thread string, req llm.Request, opts streamer.Options) {
	stop := make(chan struct{})
	opts.Stop = stop
	runSurface := b.surface.withHook(func(ch, ts string) {
		b.stops.register(ch, ts, stop)
	})
	run := streamer.New(runSurface, b.log)

	genCtx := ctx
	if watchdog := b.cfg.GetWatchdog(); watchdog > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, watchdog)
		defer cancel()
	}

	started := time.Now()
	content, errs := b.llm.StreamGenerate(genCtx, req)
	res, err := run.Run(ctx, channel, thread, content, errs, opts)
	if res.MessageTS != "" {
		b.stops.unregister(channel, res.MessageTS)
	}

	switch {
	case errors.Is(err, streamer.ErrStopped):
		b.metrics.ObserveStream("stopped", time.Since(started))
	case err != nil:
		b.metrics.ObserveStream("error", time.Since(started))
		b.log.Warn("generation stream failed",
			zap.String("channel", channel), zap.Error(err))
		b.reportStreamFailure(ctx, channel, thread, res, opts.MaxLen)
		return
	default:
		b.metrics.ObserveStream("ok", time.Since(started))
	}

	if res.Text != "" && key != "" {
		if aerr := b.convo.AppendTurn(ctx, key, convo.RoleAssistant, res.Text); aerr != nil {
			b.log.Warn("recording assistant turn failed", zap.Error(aerr))
		}
	}
}

// generationFailedNote is appended after whatever partial content a
// broken stream left visible.
const generationFailedNote = "⚠️ Sorry, I couldn't finish that response. Please try again."

// reportStreamFailure tells the user the stream broke. Partial content
// stays visible with the note appended; a bare placeholder (or no
// message at all) is replaced by the note alone.
func (b *Bot) reportStreamFailure(ctx context.Context, channel, thread string, res streamer.Result, maxLen int) {
	if res.MessageTS == "" {
		b.say(ctx, channel, thread, generationFailedNote)
		return
	}
	if maxLen <= 0 {
		maxLen = streamer.DefaultMaxLen
	}
	text := generationFailedNote
	if partial := streamer.Truncate(res.Text, maxLen); partial != "" {
		text = partial + "\n\n" + generationFailedNote
	}
	if err := b.surface.UpdateMessage(ctx, channel, res.MessageTS, text, false); err != nil {
		b.log.Warn("rendering failure note failed",
			zap.String("channel", channel), zap.Error(err))
	}
}

// say posts a plain one-shot reply.
func (b *Bot) say(ctx context.Context, channel, thread, text string) {
	if _, err := b.surface.PostMessage(ctx, channel, thread, text, false); err != nil {
		b.log.Warn("posting reply failed", zap.String("channel", channel), zap.Error(err))
	}
}
