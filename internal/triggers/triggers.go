// Package triggers stores user-defined trigger phrases with canned
// responses. Matching is substring, case-insensitive, against lowered
// message text; user phrases are checked before workspace seeds.
package triggers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deskmate/internal/kv"
)

// Trigger is one phrase→response rule.
type Trigger struct {
	ID        string    `json:"id"`
	Phrase    string    `json:"phrase"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists per-user triggers.
type Store struct {
	kv    *kv.Store
	seeds *SeedWatcher
	log   *zap.Logger
}

// NewStore creates a trigger store. seeds may be nil when no seed file
// is configured.
func NewStore(db *kv.Store, seeds *SeedWatcher, log *zap.Logger) *Store {
	return &Store{kv: db, seeds: seeds, log: log}
}

func userPrefix(team, user string) string {
	return strings.Join([]string{"trigger", team, user}, ":") + ":"
}

// Add registers a new trigger for a user. Phrases are stored lowered so
// matching never re-normalizes stored data.
func (s *Store) Add(ctx context.Context, team, user, phrase, response string) (Trigger, error) {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	if phrase == "" {
		return Trigger{}, fmt.Errorf("trigger phrase is empty")
	}
	t := Trigger{
		ID:        uuid.NewString(),
		Phrase:    phrase,
		Response:  response,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.kv.Set(userPrefix(team, user)+t.ID, t); err != nil {
		return Trigger{}, fmt.Errorf("saving trigger: %w", err)
	}
	return t, nil
}

// List returns all triggers a user registered.
func (s *Store) List(ctx context.Context, team, user string) ([]Trigger, error) {
	entries, err := s.kv.List(userPrefix(team, user))
	if err != nil {
		return nil, fmt.Errorf("listing triggers: %w", err)
	}
	out := make([]Trigger, 0, len(entries))
	for _, e := range entries {
		var t Trigger
		if err := e.Decode(&t); err != nil {
			s.log.Warn("skipping undecodable trigger", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Delete removes one trigger by ID.
func (s *Store) Delete(ctx context.Context, team, user, id string) error {
	return s.kv.Delete(userPrefix(team, user)+id)
}

// MatcherFor snapshots the user's triggers plus workspace seeds into a
// Matcher. The snapshot is taken once per inbound message; a lookup
// failure yields an empty matcher so routing degrades to plain chat.
func (s *Store) MatcherFor(ctx context.Context, team, user string) *Matcher {
	list, err := s.List(ctx, team, user)
	if err != nil {
		s.log.Warn("trigger lookup failed, matching seeds only",
			zap.String("user", user), zap.Error(err))
	}
	if s.seeds != nil {
		list = append(list, s.seeds.Seeds()...)
	}
	return &Matcher{triggers: list}
}

// Matcher matches message text against a fixed trigger snapshot.
type Matcher struct {
	triggers []Trigger
}

// Find returns the first trigger whose phrase occurs in text.
func (m *Matcher) Find(text string) (Trigger, bool) {
	lower := strings.ToLower(text)
	for _, t := range m.triggers {
		if t.Phrase != "" && strings.Contains(lower, t.Phrase) {
			return t, true
		}
	}
	return Trigger{}, false
}

// Match implements the router's TriggerMatcher contract.
func (m *Matcher) Match(text string) (string, bool) {
	t, ok := m.Find(text)
	return t.Phrase, ok
}
