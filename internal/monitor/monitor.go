// Package monitor manages proactive channel monitoring: which channels
// the bot watches, how it responds in them, and per-thread response
// caps so it never dominates a discussion.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"deskmate/internal/kv"
)

// MaxChannels caps how many channels one workspace can monitor.
const MaxChannels = 5

// MaxThreadResponses caps unprompted bot replies within one thread.
const MaxThreadResponses = 3

var (
	// ErrLimitReached means the workspace already monitors MaxChannels.
	ErrLimitReached = fmt.Errorf("maximum of %d channels can be monitored", MaxChannels)
	// ErrAlreadyMonitored means the channel is already on the list.
	ErrAlreadyMonitored = errors.New("channel is already being monitored")
	// ErrNotMonitored means the channel is not on the list.
	ErrNotMonitored = errors.New("channel is not being monitored")
)

// ResponseType selects the voice the bot uses in a monitored channel.
type ResponseType string

const (
	ResponseAnalytical ResponseType = "analytical"
	ResponseSummary    ResponseType = "summary"
	ResponseQuestions  ResponseType = "questions"
	ResponseInsights   ResponseType = "insights"
)

// ResponseTypes lists the selectable voices with their UI labels.
func ResponseTypes() []struct{ Value, Label, Description string } {
	return []struct{ Value, Label, Description string }{
		{string(ResponseAnalytical), "Analytical", "Analyze messages for insights, patterns, and key points"},
		{string(ResponseSummary), "Summary", "Provide concise summaries of recent activity"},
		{string(ResponseQuestions), "Questions", "Ask clarifying questions to facilitate discussion"},
		{string(ResponseInsights), "Insights", "Share observations and actionable insights"},
	}
}

// Channel is one monitored channel's settings.
type Channel struct {
	ChannelID         string       `json:"channel_id"`
	ChannelName       string       `json:"channel_name"`
	ResponseType      ResponseType `json:"response_type"`
	Enabled           bool         `json:"enabled"`
	AutoCreateTickets bool         `json:"auto_create_tickets"`
	AddedBy           string       `json:"added_by"`
	AddedAt           time.Time    `json:"added_at"`
	UpdatedAt         time.Time    `json:"updated_at,omitempty"`
}

const (
	listTTL    = 365 * 24 * time.Hour
	counterTTL = 30 * 24 * time.Hour
)

// Store persists monitoring settings and thread counters.
type Store struct {
	kv  *kv.Store
	log *zap.Logger

	// The channel list is read-modify-write; serialize writers so a
	// concurrent add and remove cannot drop each other's change.
	mu sync.Mutex
}

// NewStore creates a monitoring store.
func NewStore(db *kv.Store, log *zap.Logger) *Store {
	return &Store{kv: db, log: log}
}

func listKey(team string) string { return "monitored:" + team }

func counterKey(team, channel, thread string) string {
	return fmt.Sprintf("threadcount:%s:%s:%s", team, channel, thread)
}

// List returns the workspace's monitored channels. A missing key is an
// empty list.
func (s *Store) List(ctx context.Context, team string) ([]Channel, error) {
	var channels []Channel
	if err := s.kv.Get(listKey(team), &channels); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading monitored channels: %w", err)
	}
	return channels, nil
}

// Add puts a channel under monitoring.
func (s *Store) Add(ctx context.Context, team string, ch Channel) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channels, err := s.List(ctx, team)
	if err != nil {
		return Channel{}, err
	}
	if len(channels) >= MaxChannels {
		return Channel{}, ErrLimitReached
	}
	for _, existing := range channels {
		if existing.ChannelID == ch.ChannelID {
			return Channel{}, ErrAlreadyMonitored
		}
	}

	if ch.ResponseType == "" {
		ch.ResponseType = ResponseAnalytical
	}
	ch.Enabled = true
	ch.AddedAt = time.Now().UTC()

	channels = append(channels, ch)
	if err := s.kv.SetTTL(listKey(team), channels, listTTL); err != nil {
		return Channel{}, fmt.Errorf("saving monitored channels: %w", err)
	}
	s.log.Info("channel monitoring enabled",
		zap.String("team", team),
		zap.String("channel", ch.ChannelID),
		zap.String("response_type", string(ch.ResponseType)))
	return ch, nil
}

// Update applies fn to the named channel's settings and persists the
// list. fn receives a pointer so it can change any field.
func (s *Store) Update(ctx context.Context, team, channelID string, fn func(*Channel)) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channels, err := s.List(ctx, team)
	if err != nil {
		return Channel{}, err
	}
	for i := range channels {
		if channels[i].ChannelID != channelID {
			continue
		}
		fn(&channels[i])
		channels[i].UpdatedAt = time.Now().UTC()
		if err := s.kv.SetTTL(listKey(team), channels, listTTL); err != nil {
			return Channel{}, fmt.Errorf("saving monitored channels: %w", err)
		}
		return channels[i], nil
	}
	return Channel{}, ErrNotMonitored
}

// Remove takes a channel off the monitored list.
func (s *Store) Remove(ctx context.Context, team, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	channels, err := s.List(ctx, team)
	if err != nil {
		return err
	}
	kept := channels[:0]
	for _, ch := range channels {
		if ch.ChannelID != channelID {
			kept = append(kept, ch)
		}
	}
	if len(kept) == len(channels) {
		return ErrNotMonitored
	}
	if err := s.kv.SetTTL(listKey(team), kept, listTTL); err != nil {
		return fmt.Errorf("saving monitored channels: %w", err)
	}
	s.log.Info("channel monitoring disabled",
		zap.String("team", team),
		zap.String("channel", channelID))
	return nil
}

// Lookup returns the channel's settings when it is monitored and
// enabled. Lookup failures read as "not monitored" so inbound message
// handling never hard-fails on the proactive path.
func (s *Store) Lookup(ctx context.Context, team, channelID string) (Channel, bool) {
	channels, err := s.List(ctx, team)
	if err != nil {
		s.log.Warn("monitored-channel lookup failed", zap.String("team", team), zap.Error(err))
		return Channel{}, false
	}
	for _, ch := range channels {
		if ch.ChannelID == channelID && ch.Enabled {
			return ch, true
		}
	}
	return Channel{}, false
}

// IncrementThreadCount bumps the bot's response counter for a thread
// and returns the new count. Counters expire after 30 days.
func (s *Store) IncrementThreadCount(ctx context.Context, team, channel, thread string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey(team, channel, thread)
	count := 0
	if err := s.kv.Get(key, &count); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return 0, fmt.Errorf("reading thread counter: %w", err)
	}
	count++
	if err := s.kv.SetTTL(key, count, counterTTL); err != nil {
		return 0, fmt.Errorf("saving thread counter: %w", err)
	}
	return count, nil
}

// ThreadCount reads the bot's response counter for a thread.
func (s *Store) ThreadCount(ctx context.Context, team, channel, thread string) int {
	count := 0
	if err := s.kv.Get(counterKey(team, channel, thread), &count); err != nil && !errors.Is(err, kv.ErrNotFound) {
		s.log.Warn("thread counter read failed", zap.Error(err))
	}
	return count
}
