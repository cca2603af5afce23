// Package streamer renders a generation stream into a single evolving
// chat message. It consumes chunks as fast as the backend produces them
// and throttles only the UI-facing updates: the accumulator always holds
// everything received so far, and each rendered string is a prefix
// extension of the previous one (up to the display-length cap).
package streamer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Defaults mirror the original assistant surface limits.
const (
	DefaultFlushInterval = 700 * time.Millisecond
	DefaultMaxLen        = 3900
	DefaultStoppedText   = "⏹️ Generation stopped by user."
)

// ErrStopped is returned when a user stop signal ended the stream early.
var ErrStopped = errors.New("generation stopped by user")

// emptyStreamText replaces a placeholder whose backend produced nothing,
// so the message never ends on "Thinking…" with a live stop control.
const emptyStreamText = "(no response)"

// Surface is the chat-surface boundary the streamer renders into.
// Implementations own retries for rate limits and transient failures.
type Surface interface {
	PostMessage(ctx context.Context, channel, thread, text string, withStop bool) (ts string, err error)
	UpdateMessage(ctx context.Context, channel, ts, text string, withStop bool) error
}

// Options tunes one streaming run.
type Options struct {
	// Placeholder, when non-empty, is posted before any chunk is consumed
	// and overwritten by the first flush. When empty the message is
	// created lazily, seeded with the first chunk's content (assistant
	// pane UX, which expects no "Thinking…" label).
	Placeholder string

	FlushInterval time.Duration
	MaxLen        int

	// Stop, when non-nil, aborts the run before the next flush. The
	// message content is replaced with StoppedText and the remaining
	// backend output is discarded without being awaited.
	Stop        <-chan struct{}
	StoppedText string

	// WithStop attaches a stop control to intermediate updates; it is
	// always removed on the final one.
	WithStop bool
}

// Result reports what one run rendered.
type Result struct {
	// Text is the full accumulated text, untruncated. On failure it holds
	// whatever had been received before the stream broke.
	Text string
	// MessageTS is the handle of the rendered message, empty if nothing
	// was ever posted.
	MessageTS string
	// Stopped reports a user-initiated stop.
	Stopped bool
}

// Streamer runs streaming renders against a surface.
type Streamer struct {
	surface Surface
	log     *zap.Logger
}

// New creates a Streamer.
func New(surface Surface, log *zap.Logger) *Streamer {
	return &Streamer{surface: surface, log: log}
}

// Truncate clips s to max bytes without splitting a UTF-8 sequence.
// Truncating an already-truncated string is a no-op.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}

// Run drains content into one chat message. It returns once the stream
// is exhausted, errors out, or is stopped. Backend failures are returned
// to the caller after the last successfully flushed content is left
// visible; Run itself never panics past this package.
func (s *Streamer) Run(ctx context.Context, channel, thread string, content <-chan string, errs <-chan error, opts Options) (Result, error) {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = DefaultMaxLen
	}
	if opts.StoppedText == "" {
		opts.StoppedText = DefaultStoppedText
	}

	runID := uuid.NewString()[:8]
	log := s.log.With(zap.String("stream", runID), zap.String("channel", channel))
	started := time.Now()

	var (
		res         Result
		buf         string
		lastFlushed string
		lastFlush   time.Time
	)

	// Placeholder mode posts before consuming anything.
	if opts.Placeholder != "" {
		ts, err := s.surface.PostMessage(ctx, channel, thread, opts.Placeholder, opts.WithStop)
		if err != nil {
			return res, err
		}
		res.MessageTS = ts
	}

	finish := func() (Result, error) {
		// Mandatory final flush: the rendered message must equal the full
		// truncated accumulator even if the interval never elapsed. Skipped
		// only when the last flush already rendered 100% of it.
		final := Truncate(buf, opts.MaxLen)
		if res.MessageTS != "" && final != "" && final != lastFlushed {
			if err := s.surface.UpdateMessage(ctx, channel, res.MessageTS, final, false); err != nil {
				return res, err
			}
		} else if res.MessageTS != "" && final == lastFlushed && opts.WithStop && final != "" {
			// Content is complete but the stop control is still attached;
			// re-render without it.
			if err := s.surface.UpdateMessage(ctx, channel, res.MessageTS, final, false); err != nil {
				return res, err
			}
		} else if res.MessageTS != "" && final == "" && opts.Placeholder != "" {
			// Backend produced nothing; the placeholder must not stay up.
			if err := s.surface.UpdateMessage(ctx, channel, res.MessageTS, emptyStreamText, false); err != nil {
				return res, err
			}
		}
		res.Text = buf
		log.Debug("stream finished",
			zap.Duration("elapsed", time.Since(started)),
			zap.Int("len", len(buf)))
		return res, nil
	}

	stopNow := func() (Result, error) {
		res.Stopped = true
		res.Text = buf
		if res.MessageTS != "" {
			if err := s.surface.UpdateMessage(ctx, channel, res.MessageTS, opts.StoppedText, false); err != nil {
				log.Warn("stopped-marker update failed", zap.Error(err))
			}
		}
		log.Info("stream stopped by user", zap.Duration("elapsed", time.Since(started)))
		return res, ErrStopped
	}

	for content != nil {
		select {
		case <-opts.Stop:
			return stopNow()

		case <-ctx.Done():
			res.Text = buf
			return res, ctx.Err()

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				// Leave the last flushed content visible; report upward.
				res.Text = buf
				log.Warn("backend failed mid-stream",
					zap.Duration("elapsed", time.Since(started)),
					zap.Error(err))
				return res, err
			}

		case chunk, ok := <-content:
			if !ok {
				content = nil
				continue
			}
			buf += chunk

			if res.MessageTS == "" {
				// Lazy mode: first chunk seeds the message.
				seed := Truncate(buf, opts.MaxLen)
				ts, err := s.surface.PostMessage(ctx, channel, thread, seed, opts.WithStop)
				if err != nil {
					res.Text = buf
					return res, err
				}
				res.MessageTS = ts
				lastFlushed = seed
				lastFlush = time.Now()
				continue
			}

			if time.Since(lastFlush) >= opts.FlushInterval {
				rendered := Truncate(buf, opts.MaxLen)
				if err := s.surface.UpdateMessage(ctx, channel, res.MessageTS, rendered, opts.WithStop); err != nil {
					res.Text = buf
					return res, err
				}
				lastFlushed = rendered
				lastFlush = time.Now()
			}
		}
	}

	// Stream exhausted; drain a trailing error if the backend reported
	// one after its last chunk.
	if errs != nil {
		select {
		case err, ok := <-errs:
			if ok && err != nil {
				res.Text = buf
				log.Warn("backend failed at end of stream", zap.Error(err))
				return res, err
			}
		default:
		}
	}

	select {
	case <-opts.Stop:
		return stopNow()
	default:
	}

	return finish()
}
