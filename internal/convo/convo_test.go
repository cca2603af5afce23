package convo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"deskmate/internal/kv"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "kv"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, zap.NewNop(), opts)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "convo:T1:C1:171.1:U1", Key("T1", "C1", "171.1", "U1"))
	// Empty thread is its own conversation, not a collision with any ts.
	assert.Equal(t, "convo:T1:C1:-:U1", Key("T1", "C1", "", "U1"))
	// Deterministic.
	assert.Equal(t, Key("T1", "C1", "", "U1"), Key("T1", "C1", "", "U1"))
}

func TestAppendAndHistoryOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	key := Key("T1", "C1", "", "U1")

	require.NoError(t, s.AppendTurn(ctx, key, RoleUser, "first"))
	require.NoError(t, s.AppendTurn(ctx, key, RoleAssistant, "second"))
	require.NoError(t, s.AppendTurn(ctx, key, RoleUser, "third"))

	got, err := s.History(ctx, key, 0)
	require.NoError(t, err)
	want := []Turn{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "second"},
		{Role: RoleUser, Content: "third"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestHistoryCapKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{HistoryCap: 4})
	key := Key("T1", "C1", "", "U1")

	for i := 1; i <= 10; i++ {
		require.NoError(t, s.AppendTurn(ctx, key, RoleUser, fmt.Sprintf("turn %d", i)))
	}

	got, err := s.History(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "turn 7", got[0].Content)
	assert.Equal(t, "turn 10", got[3].Content)

	// Explicit limit overrides the configured cap.
	got, err = s.History(ctx, key, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "turn 9", got[0].Content)
}

func TestHistoryIsolationBetweenConversations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	require.NoError(t, s.AppendTurn(ctx, Key("T1", "C1", "", "U1"), RoleUser, "channel talk"))
	require.NoError(t, s.AppendTurn(ctx, Key("T1", "C1", "171.5", "U1"), RoleUser, "thread talk"))
	require.NoError(t, s.AppendTurn(ctx, Key("T1", "C1", "", "U2"), RoleUser, "someone else"))

	got, err := s.History(ctx, Key("T1", "C1", "", "U1"), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "channel talk", got[0].Content)
}

func TestClearRemovesOnlyThatUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	require.NoError(t, s.AppendTurn(ctx, Key("T1", "C1", "", "U1"), RoleUser, "a"))
	require.NoError(t, s.AppendTurn(ctx, Key("T1", "C2", "171.9", "U1"), RoleUser, "b"))
	require.NoError(t, s.AppendTurn(ctx, Key("T1", "C1", "", "U2"), RoleUser, "keep"))

	removed, err := s.Clear(ctx, "T1", "U1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	got, err := s.History(ctx, Key("T1", "C1", "", "U1"), 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.History(ctx, Key("T1", "C1", "", "U2"), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Idempotent: clearing again removes nothing and does not fail.
	removed, err = s.Clear(ctx, "T1", "U1")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestAnchorRoundtrip(t *testing.T) {
	s := newTestStore(t, Options{})

	_, ok := s.Anchor("D1")
	assert.False(t, ok)

	require.NoError(t, s.SetAnchor("D1", "171.777"))
	ts, ok := s.Anchor("D1")
	require.True(t, ok)
	assert.Equal(t, "171.777", ts)

	require.NoError(t, s.DeleteAnchor("D1"))
	_, ok = s.Anchor("D1")
	assert.False(t, ok)
}

func TestViewedExpires(t *testing.T) {
	s := newTestStore(t, Options{ViewedTTL: 30 * time.Millisecond})

	require.NoError(t, s.SetViewed("U1", "C9"))
	ch, ok := s.Viewed("U1")
	require.True(t, ok)
	assert.Equal(t, "C9", ch)

	time.Sleep(60 * time.Millisecond)
	_, ok = s.Viewed("U1")
	assert.False(t, ok)
}

func TestConcurrentAppendsAllLand(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{HistoryCap: 100})
	key := Key("T1", "C1", "", "U1")

	const writers = 8
	done := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			done <- s.AppendTurn(ctx, key, RoleUser, fmt.Sprintf("writer %d", i))
		}(i)
	}
	for i := 0; i < writers; i++ {
		require.NoError(t, <-done)
	}

	got, err := s.History(ctx, key, 0)
	require.NoError(t, err)
	assert.Len(t, got, writers, "append-only writes must not clobber each other")
}
