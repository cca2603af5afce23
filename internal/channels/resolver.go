// Package channels resolves "which channel does the user mean" from a
// fixed ladder of signals: the user's last viewed channel, an inline
// #name token, a raw channel ID, then a case-insensitive name search.
package channels

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// inlineRef captures a "#channel-name" shaped token. Names may carry
// spaces because chat clients expand channel mentions into display text.
var inlineRef = regexp.MustCompile(`#([a-zA-Z0-9\s-]+)`)

// Status tags a resolution outcome. Callers branch on it; there is no
// implicit "proceed anyway" on an unresolved result.
type Status int

const (
	// StatusResolved means ChannelID is usable.
	StatusResolved Status = iota
	// StatusNotFound means a name was referenced but matched nothing;
	// AttemptedName holds what the user wrote.
	StatusNotFound
	// StatusUnresolved means no signal produced a candidate at all.
	StatusUnresolved
)

// Resolution is the tagged outcome of one resolve attempt.
type Resolution struct {
	Status        Status
	ChannelID     string
	ChannelName   string
	AttemptedName string
}

// ViewedLookup reports the channel a user is currently looking at,
// recorded from the last context-change signal. Best effort.
type ViewedLookup interface {
	Viewed(ctx context.Context, userID string) (channelID string, ok bool, err error)
}

// ChannelLister is the subset of the Slack client the resolver needs.
type ChannelLister interface {
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
}

// Resolver turns free-form channel references into channel IDs.
type Resolver struct {
	api    ChannelLister
	viewed ViewedLookup
	log    *zap.Logger
}

// NewResolver creates a Resolver. viewed may be nil when no panel
// context source exists.
func NewResolver(api ChannelLister, viewed ViewedLookup, log *zap.Logger) *Resolver {
	return &Resolver{api: api, viewed: viewed, log: log}
}

// Resolve determines the target channel for userID's message text.
// Signals are tried in fixed order; the first that yields a candidate
// wins, and candidate lookup failures fall to StatusNotFound rather
// than continuing down the ladder.
func (r *Resolver) Resolve(ctx context.Context, userID, text string) (Resolution, error) {
	// Signal 1: the channel the user is looking at right now. Most
	// authoritative, beats anything written in the message.
	if r.viewed != nil {
		id, ok, err := r.viewed.Viewed(ctx, userID)
		if err != nil {
			r.log.Warn("viewed-channel lookup failed", zap.String("user", userID), zap.Error(err))
		} else if ok && id != "" {
			return Resolution{Status: StatusResolved, ChannelID: id}, nil
		}
	}

	// Signal 2: an inline #name token.
	ref := ""
	if m := inlineRef.FindStringSubmatch(text); m != nil {
		ref = strings.TrimSpace(m[1])
	}
	if ref == "" {
		return Resolution{Status: StatusUnresolved}, nil
	}

	// Signal 3: the token is already a platform channel ID.
	if looksLikeChannelID(ref) {
		return Resolution{Status: StatusResolved, ChannelID: ref}, nil
	}

	// Signal 4: case-insensitive substring search over visible channels.
	// Ties resolve to list order.
	res, err := r.findByName(ctx, ref)
	if err != nil {
		return Resolution{}, err
	}
	return res, nil
}

// looksLikeChannelID reports whether ref matches Slack's channel ID
// shape: C prefix and more than 8 characters.
func looksLikeChannelID(ref string) bool {
	return strings.HasPrefix(ref, "C") && len(ref) > 8
}

func (r *Resolver) findByName(ctx context.Context, name string) (Resolution, error) {
	needle := strings.ToLower(name)
	params := &slack.GetConversationsParameters{
		Types:           []string{"public_channel", "private_channel"},
		ExcludeArchived: true,
		Limit:           200,
	}
	for {
		chans, cursor, err := r.api.GetConversationsContext(ctx, params)
		if err != nil {
			return Resolution{}, fmt.Errorf("listing channels: %w", err)
		}
		for _, ch := range chans {
			if strings.Contains(strings.ToLower(ch.Name), needle) {
				return Resolution{Status: StatusResolved, ChannelID: ch.ID, ChannelName: ch.Name}, nil
			}
		}
		if cursor == "" {
			break
		}
		params.Cursor = cursor
	}
	r.log.Debug("channel name matched nothing", zap.String("name", name))
	return Resolution{Status: StatusNotFound, AttemptedName: name}, nil
}
