package streamer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type surfaceCall struct {
	Channel  string
	Thread   string
	TS       string
	Text     string
	WithStop bool
}

type fakeSurface struct {
	mu      sync.Mutex
	posts   []surfaceCall
	updates []surfaceCall
	nextTS  int

	postErr   error
	updateErr error
}

func (f *fakeSurface) PostMessage(_ context.Context, channel, thread, text string, withStop bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", f.postErr
	}
	f.nextTS++
	ts := fmt.Sprintf("1234567890.%06d", f.nextTS)
	f.posts = append(f.posts, surfaceCall{Channel: channel, Thread: thread, TS: ts, Text: text, WithStop: withStop})
	return ts, nil
}

func (f *fakeSurface) UpdateMessage(_ context.Context, channel, ts, text string, withStop bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, surfaceCall{Channel: channel, TS: ts, Text: text, WithStop: withStop})
	return nil
}

func (f *fakeSurface) snapshot() (posts, updates []surfaceCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]surfaceCall(nil), f.posts...), append([]surfaceCall(nil), f.updates...)
}

// feed closes over a finished stream: all chunks buffered, channels closed.
func feed(chunks ...string) (<-chan string, <-chan error) {
	content := make(chan string, len(chunks))
	errs := make(chan error, 1)
	for _, c := range chunks {
		content <- c
	}
	close(content)
	close(errs)
	return content, errs
}

func TestRun_SlowIntervalCoalescesToOneUpdate(t *testing.T) {
	surface := &fakeSurface{}
	s := New(surface, zap.NewNop())

	content, errs := feed("Hel", "lo ", "wor", "ld", "!")
	res, err := s.Run(context.Background(), "C123", "", content, errs, Options{
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)

	posts, updates := surface.snapshot()
	require.Len(t, posts, 1)
	require.Len(t, updates, 1)
	assert.Equal(t, "Hel", posts[0].Text)
	assert.Equal(t, "Hello world!", updates[0].Text)
	assert.Equal(t, posts[0].TS, updates[0].TS)
	assert.Equal(t, "Hello world!", res.Text)
	assert.Equal(t, posts[0].TS, res.MessageTS)
}

func TestRun_RenderedTextsAreMonotonicPrefixes(t *testing.T) {
	surface := &fakeSurface{}
	s := New(surface, zap.NewNop())

	content := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(content)
		defer close(errs)
		for _, c := range []string{"alpha ", "beta ", "gamma ", "delta ", "epsilon"} {
			content <- c
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res, err := s.Run(context.Background(), "C123", "", content, errs, Options{
		FlushInterval: time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha beta gamma delta epsilon", res.Text)

	posts, updates := surface.snapshot()
	require.Len(t, posts, 1)
	prev := posts[0].Text
	for _, u := range updates {
		assert.True(t, strings.HasPrefix(u.Text, prev),
			"rendered %q does not extend %q", u.Text, prev)
		prev = u.Text
	}
	require.NotEmpty(t, updates)
	assert.Equal(t, res.Text, updates[len(updates)-1].Text)
}

func TestRun_PlaceholderModePostsBeforeFirstChunk(t *testing.T) {
	surface := &fakeSurface{}
	s := New(surface, zap.NewNop())

	content, errs := feed("answer")
	res, err := s.Run(context.Background(), "C123", "171.001", content, errs, Options{
		Placeholder:   ":hourglass: Thinking…",
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)

	posts, updates := surface.snapshot()
	require.Len(t, posts, 1)
	assert.Equal(t, ":hourglass: Thinking…", posts[0].Text)
	assert.Equal(t, "171.001", posts[0].Thread)
	require.Len(t, updates, 1)
	assert.Equal(t, "answer", updates[0].Text)
	assert.Equal(t, "answer", res.Text)
}

func TestRun_EmptyStreamReplacesPlaceholder(t *testing.T) {
	surface := &fakeSurface{}
	s := New(surface, zap.NewNop())

	content, errs := feed()
	res, err := s.Run(context.Background(), "C123", "", content, errs, Options{
		Placeholder: "Thinking…",
		WithStop:    true,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Text)

	posts, updates := surface.snapshot()
	require.Len(t, posts, 1)
	// The placeholder (and its stop control) must not be the final state.
	require.Len(t, updates, 1)
	assert.Equal(t, emptyStreamText, updates[0].Text)
	assert.False(t, updates[0].WithStop)
}

func TestRun_EmptyStreamLazyModePostsNothing(t *testing.T) {
	surface := &fakeSurface{}
	s := New(surface, zap.NewNop())

	content, errs := feed()
	res, err := s.Run(context.Background(), "C123", "", content, errs, Options{})
	require.NoError(t, err)

	posts, updates := surface.snapshot()
	assert.Empty(t, posts)
	assert.Empty(t, updates)
	assert.Empty(t, res.MessageTS)
}

func TestRun_TruncatesRenderedTextButKeepsFullResult(t *testing.T) {
	surface := &fakeSurface{}
	s := New(surface, zap.NewNop())

	long := strings.Repeat("x", 5000)
	content, errs := feed(long)
	res, err := s.Run(context.Background(), "C123", "", content, errs, Options{
		FlushInterval: time.Hour,
		MaxLen:        3900,
	})
	require.NoError(t, err)

	posts, updates := surface.snapshot()
	require.Len(t, posts, 1)
	assert.Len(t, posts[0].Text, 3900)
	// Post already rendered the full truncated view; no redundant final update.
	assert.Empty(t, updates)
	assert.Len(t, res.Text, 5000)
}

func TestRun_MidStreamErrorKeepsPartialVisible(t *testing.T) {
	surface := &fakeSurface{}
	s := New(surface, zap.NewNop())

	backendErr := errors.New("upstream closed connection")
	content := make(chan string)
	errs := make(chan error, 1)
	go func() {
		content <- "partial"
		errs <- backendErr
		close(content)
		close(errs)
	}()

	res, err := s.Run(context.Background(), "C123", "", content, errs, Options{
		FlushInterval: time.Hour,
	})
	require.ErrorIs(t, err, backendErr)
	assert.Equal(t, "partial", res.Text)

	posts, updates := surface.snapshot()
	require.Len(t, posts, 1)
	assert.Equal(t, "partial", posts[0].Text)
	// Nothing replaced or cleared what was already rendered.
	for _, u := range updates {
		assert.NotEmpty(t, u.Text)
	}
}

func TestRun_StopReplacesMessageWithStoppedMarker(t *testing.T) {
	surface := &fakeSurface{}
	s := New(surface, zap.NewNop())

	content := make(chan string)
	errs := make(chan error, 1)
	stop := make(chan struct{})
	go func() {
		defer close(content)
		defer close(errs)
		content <- "first"
		close(stop)
		// Simulate a backend that keeps producing after the user stopped.
		for i := 0; i < 3; i++ {
			select {
			case content <- "more":
			default:
			}
		}
	}()

	res, err := s.Run(context.Background(), "C123", "", content, errs, Options{
		FlushInterval: time.Hour,
		Stop:          stop,
		WithStop:      true,
	})
	require.ErrorIs(t, err, ErrStopped)
	assert.True(t, res.Stopped)

	_, updates := surface.snapshot()
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, DefaultStoppedText, last.Text)
	assert.False(t, last.WithStop)
}

func TestRun_ContextCancelReturnsAccumulated(t *testing.T) {
	surface := &fakeSurface{}
	s := New(surface, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	content := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(content)
		defer close(errs)
		content <- "begun"
		cancel()
		time.Sleep(10 * time.Millisecond)
	}()

	res, err := s.Run(ctx, "C123", "", content, errs, Options{FlushInterval: time.Hour})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "begun", res.Text)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"under cap", "short", 3900, "short"},
		{"exact cap", "abcd", 4, "abcd"},
		{"over cap", "abcdef", 4, "abcd"},
		{"zero cap passes through", "abc", 0, "abc"},
		{"multibyte boundary", "aé", 2, "a"},
		{"emoji boundary", "hi👍", 4, "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.in, tt.max)
			assert.Equal(t, tt.want, got)
			// Idempotent on its own output.
			assert.Equal(t, got, Truncate(got, tt.max))
		})
	}
}
