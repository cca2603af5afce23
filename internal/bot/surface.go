package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"deskmate/internal/streamer"
)

// stopActionID is the Block Kit action fired by the Stop button.
const stopActionID = "stop_generation"

// sectionLimit is Slack's per-section mrkdwn text cap, minus headroom.
const sectionLimit = 2900

const slackRetries = 3

// slackSurface implements the streamer's Surface over the Slack API,
// with a shared rate limiter and retry-after handling so streams never
// burn the workspace's chat.update budget.
type slackSurface struct {
	api     SlackAPI
	limiter *rate.Limiter
	log     *zap.Logger

	// onPost learns the message handle as soon as it exists so the stop
	// registry can route button presses to the right run.
	onPost func(channel, ts string)
}

func newSurface(api SlackAPI, log *zap.Logger) *slackSurface {
	return &slackSurface{
		api:     api,
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		log:     log,
	}
}

// withHook derives a per-run view of the surface that reports posted
// message handles. The limiter stays shared.
func (s *slackSurface) withHook(fn func(channel, ts string)) *slackSurface {
	run := *s
	run.onPost = fn
	return &run
}

func (s *slackSurface) PostMessage(ctx context.Context, channel, thread, text string, withStop bool) (string, error) {
	opts := renderOptions(text, withStop)
	if thread != "" {
		opts = append(opts, slack.MsgOptionTS(thread))
	}
	var ts string
	err := s.call(ctx, func() error {
		var err error
		_, ts, err = s.api.PostMessageContext(ctx, channel, opts...)
		return err
	})
	if err != nil {
		return "", err
	}
	if s.onPost != nil {
		s.onPost(channel, ts)
	}
	return ts, nil
}

func (s *slackSurface) UpdateMessage(ctx context.Context, channel, ts, text string, withStop bool) error {
	opts := renderOptions(text, withStop)
	return s.call(ctx, func() error {
		_, _, _, err := s.api.UpdateMessageContext(ctx, channel, ts, opts...)
		return err
	})
}

// call runs fn under the shared limiter, honoring Retry-After on rate
// limit errors.
func (s *slackSurface) call(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= slackRetries; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var rle *slack.RateLimitedError
		if !errors.As(lastErr, &rle) {
			return lastErr
		}
		s.log.Debug("slack rate limited",
			zap.Duration("retry_after", rle.RetryAfter),
			zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rle.RetryAfter):
		}
	}
	return lastErr
}

// renderOptions builds the message body: content as sections (chunked
// under the per-section cap) plus the Stop button while generating.
// The plain text option doubles as the notification fallback.
func renderOptions(text string, withStop bool) []slack.MsgOption {
	var blocks []slack.Block
	for rest := text; rest != ""; {
		chunk := streamer.Truncate(rest, sectionLimit)
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, chunk, false, false), nil, nil))
		rest = rest[len(chunk):]
	}
	if withStop {
		stop := slack.NewButtonBlockElement(stopActionID, "stop",
			slack.NewTextBlockObject(slack.PlainTextType, "Stop", false, false))
		stop.Style = slack.StyleDanger
		blocks = append(blocks, slack.NewActionBlock("generation_controls", stop))
	}
	return []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(blocks...),
	}
}

// stopRegistry routes Stop button presses to the in-flight stream that
// owns the message.
type stopRegistry struct {
	mu   sync.Mutex
	runs map[string]chan struct{}
}

func newStopRegistry() *stopRegistry {
	return &stopRegistry{runs: make(map[string]chan struct{})}
}

func stopKey(channel, ts string) string { return channel + ":" + ts }

func (r *stopRegistry) register(channel, ts string, ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[stopKey(channel, ts)] = ch
}

func (r *stopRegistry) unregister(channel, ts string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, stopKey(channel, ts))
}

// fire signals the run owning channel:ts. Pressing Stop on a finished
// message is a no-op.
func (r *stopRegistry) fire(channel, ts string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.runs[stopKey(channel, ts)]
	if !ok {
		return false
	}
	close(ch)
	delete(r.runs, stopKey(channel, ts))
	return true
}
