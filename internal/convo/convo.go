// Package convo owns conversation state: the per-conversation turn
// history, assistant thread anchors, and the per-user viewed-channel
// context. Turn sequences are append-only; no other package writes them.
package convo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"deskmate/internal/kv"
)

// Roles for conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrStorageUnavailable wraps any backing-store failure so callers can
// surface a generic apology without leaking store internals.
var ErrStorageUnavailable = errors.New("conversation storage unavailable")

// Turn is one role-tagged message in a conversation's history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Key derives the deterministic storage key for a logical conversation.
// An empty thread is a distinct conversation from any threaded one.
func Key(team, channel, thread, user string) string {
	if thread == "" {
		thread = "-"
	}
	return strings.Join([]string{"convo", team, channel, thread, user}, ":")
}

// DefaultHistoryCap bounds how many turns History returns when the
// caller passes no explicit limit. Unbounded history would grow the
// generation prompt without limit, which is a correctness bug, not just
// a cost problem.
const DefaultHistoryCap = 20

// Store persists turn history and the small per-conversation mappings.
type Store struct {
	kv         *kv.Store
	log        *zap.Logger
	historyCap int
	anchorTTL  time.Duration
	viewedTTL  time.Duration

	seq uint64 // tie-breaker for same-nanosecond appends
}

// Options tunes a Store. Zero values fall back to defaults.
type Options struct {
	HistoryCap int
	AnchorTTL  time.Duration
	ViewedTTL  time.Duration
}

// NewStore creates a conversation store over the given KV store.
func NewStore(db *kv.Store, log *zap.Logger, opts Options) *Store {
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = DefaultHistoryCap
	}
	if opts.AnchorTTL <= 0 {
		opts.AnchorTTL = 24 * time.Hour
	}
	if opts.ViewedTTL <= 0 {
		opts.ViewedTTL = time.Hour
	}
	return &Store{
		kv:         db,
		log:        log,
		historyCap: opts.HistoryCap,
		anchorTTL:  opts.AnchorTTL,
		viewedTTL:  opts.ViewedTTL,
	}
}

// AppendTurn appends one turn to the conversation identified by key.
// Turn keys carry a sortable timestamp suffix so a prefix scan returns
// them in insertion order.
func (s *Store) AppendTurn(ctx context.Context, key, role, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ts := time.Now().UTC().UnixNano()
	n := atomic.AddUint64(&s.seq, 1)
	turnKey := fmt.Sprintf("%s:turn:%020d-%06d", key, ts, n%1000000)

	if err := s.kv.SetTTL(turnKey, Turn{Role: role, Content: content}, 0); err != nil {
		s.log.Error("append turn failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// History returns the conversation's turns oldest-first, capped to the
// most recent limit turns. limit <= 0 uses the store's configured cap.
func (s *Store) History(ctx context.Context, key string, limit int) ([]Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.historyCap
	}

	entries, err := s.kv.List(key + ":turn:")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	turns := make([]Turn, 0, len(entries))
	for _, e := range entries {
		var t Turn
		if err := json.Unmarshal(e.Value, &t); err != nil {
			s.log.Warn("skipping corrupt turn", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		turns = append(turns, t)
	}

	// Sliding cap: keep the most recent turns, still oldest-first.
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// Clear removes every conversation the user holds in the team and
// returns the number of turns removed. Clearing a user with no history
// returns 0, not an error.
func (s *Store) Clear(ctx context.Context, team, user string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	entries, err := s.kv.List("convo:" + team + ":")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	// Collect the user's conversation prefixes, then drop each whole
	// turn sequence in one sweep.
	prefixes := map[string]struct{}{}
	for _, e := range entries {
		// Key shape: convo:<team>:<channel>:<thread>:<user>:turn:<suffix>
		parts := strings.Split(e.Key, ":")
		if len(parts) < 7 || parts[4] != user {
			continue
		}
		prefixes[strings.Join(parts[:5], ":")+":turn:"] = struct{}{}
	}

	removed := 0
	for p := range prefixes {
		n, err := s.kv.DeletePrefix(p)
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		removed += n
	}

	s.log.Info("conversation cleared",
		zap.String("team", team),
		zap.String("user", user),
		zap.Int("removed", removed))
	return removed, nil
}

// SetAnchor caches the assistant-pane thread a channel's replies must
// target. Created on assistant_thread_started.
func (s *Store) SetAnchor(channel, threadTS string) error {
	return s.kv.SetTTL("anchor:"+channel, threadTS, s.anchorTTL)
}

// Anchor returns the cached assistant thread for a channel, if any.
func (s *Store) Anchor(channel string) (string, bool) {
	var ts string
	if err := s.kv.Get("anchor:"+channel, &ts); err != nil {
		return "", false
	}
	return ts, ts != ""
}

// DeleteAnchor drops the cached assistant thread for a channel.
func (s *Store) DeleteAnchor(channel string) error {
	return s.kv.Delete("anchor:" + channel)
}

// SetViewed records the channel the user is currently looking at in the
// assistant panel. Best-effort: staleness is acceptable.
func (s *Store) SetViewed(user, channelID string) error {
	return s.kv.SetTTL("viewed:"+user, channelID, s.viewedTTL)
}

// Viewed returns the user's last-known viewed channel, if fresh.
func (s *Store) Viewed(user string) (string, bool) {
	var ch string
	if err := s.kv.Get("viewed:"+user, &ch); err != nil {
		return "", false
	}
	return ch, ch != ""
}
