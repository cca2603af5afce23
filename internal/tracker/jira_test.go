package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"deskmate/internal/kv"
)

func newTestKV(t *testing.T) *kv.Store {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "kv"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConfigFor_Unconfigured(t *testing.T) {
	c := NewClient(newTestKV(t), Config{}, zap.NewNop())
	_, err := c.ConfigFor(context.Background(), "T1")
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestConfigFor_SavedBeatsStatic(t *testing.T) {
	db := newTestKV(t)
	static := Config{BaseURL: "https://static.example.com", Email: "s@x.com", APIToken: "tok", DefaultProject: "ST"}
	c := NewClient(db, static, zap.NewNop())
	ctx := context.Background()

	got, err := c.ConfigFor(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "ST", got.DefaultProject)

	saved := Config{BaseURL: "https://team.example.com", Email: "t@x.com", APIToken: "tok2", DefaultProject: "TM"}
	require.NoError(t, c.SaveConfig(ctx, "T1", saved))

	got, err = c.ConfigFor(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "TM", got.DefaultProject)
}

func TestSaveConfig_RejectsIncomplete(t *testing.T) {
	c := NewClient(newTestKV(t), Config{}, zap.NewNop())
	err := c.SaveConfig(context.Background(), "T1", Config{BaseURL: "https://x"})
	require.Error(t, err)
}

func TestCreateTicket(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/api/2/issue", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "me@example.com", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"10001","key":"ENG-42"}`))
	}))
	defer srv.Close()

	db := newTestKV(t)
	c := NewClient(db, Config{}, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, c.SaveConfig(ctx, "T1", Config{
		BaseURL: srv.URL, Email: "me@example.com", APIToken: "secret", DefaultProject: "ENG",
	}))

	created, err := c.CreateTicket(ctx, "T1", Ticket{
		Summary: "login broken", Description: "details", Priority: "High",
	})
	require.NoError(t, err)
	assert.Equal(t, "ENG-42", created.Key)
	assert.Equal(t, srv.URL+"/browse/ENG-42", created.URL)

	fields := gotBody["fields"].(map[string]any)
	assert.Equal(t, "login broken", fields["summary"])
	assert.Equal(t, map[string]any{"key": "ENG"}, fields["project"])
	assert.Equal(t, map[string]any{"name": "High"}, fields["priority"])
}

func TestCreateTicket_UnconfiguredNeverCallsJira(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(newTestKV(t), Config{}, zap.NewNop())
	_, err := c.CreateTicket(context.Background(), "T1", Ticket{Summary: "x"})
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, called)
}

func TestCreateTicket_FieldErrorIsPermanent(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errorMessages":[],"errors":{"summary":"Summary is required"}}`))
	}))
	defer srv.Close()

	db := newTestKV(t)
	c := NewClient(db, Config{}, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, c.SaveConfig(ctx, "T1", Config{
		BaseURL: srv.URL, Email: "me@example.com", APIToken: "secret", DefaultProject: "ENG",
	}))

	_, err := c.CreateTicket(ctx, "T1", Ticket{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "summary: Summary is required")
	assert.Equal(t, 1, calls, "4xx responses must not be retried")
}

func TestCreateTicket_RetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"key":"ENG-7"}`))
	}))
	defer srv.Close()

	db := newTestKV(t)
	c := NewClient(db, Config{}, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, c.SaveConfig(ctx, "T1", Config{
		BaseURL: srv.URL, Email: "me@example.com", APIToken: "secret", DefaultProject: "ENG",
	}))

	created, err := c.CreateTicket(ctx, "T1", Ticket{Summary: "flaky"})
	require.NoError(t, err)
	assert.Equal(t, "ENG-7", created.Key)
	assert.Equal(t, 3, calls)
}

func TestExtractTicket(t *testing.T) {
	msg := "urgent: login page broken for all users, please create ticket"
	recent := []ContextMessage{
		{User: "U1", Text: "anyone else seeing 500s?"},
		{User: "U2", Text: "yes, since the deploy"},
	}
	tk := ExtractTicket(msg, recent)

	assert.Equal(t, "Critical", tk.Priority)
	assert.Equal(t, "Bug", tk.IssueType)
	assert.True(t, strings.HasPrefix(msg, tk.Summary))
	assert.LessOrEqual(t, len(tk.Summary), 100)
	assert.Contains(t, tk.Description, "U2: yes, since the deploy")
}

func TestExtractTicket_MultibyteClipsStayValid(t *testing.T) {
	// Clip boundaries must never split a UTF-8 sequence.
	msg := strings.Repeat("é", 120) + " bug"
	recent := []ContextMessage{{User: "U1", Text: strings.Repeat("👍", 150)}}
	tk := ExtractTicket(msg, recent)

	assert.True(t, utf8.ValidString(tk.Summary))
	assert.LessOrEqual(t, len(tk.Summary), 100)
	assert.True(t, utf8.ValidString(tk.Description))
}

func TestLooksLikeIssue(t *testing.T) {
	assert.True(t, LooksLikeIssue("the export job is failing again"))
	assert.True(t, LooksLikeIssue("search is BROKEN on mobile"))
	assert.False(t, LooksLikeIssue("great demo today everyone"))
}

func TestExtractTicket_Defaults(t *testing.T) {
	tk := ExtractTicket("please add dark mode toggle as a feature", nil)
	assert.Equal(t, "Medium", tk.Priority)
	assert.Equal(t, "Story", tk.IssueType)

	tk = ExtractTicket("tidy the docs", nil)
	assert.Equal(t, "Task", tk.IssueType)
}
