package kv

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "kv"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSetGetDelete(t *testing.T) {
	db := newTestStore(t)

	in := record{Name: "alpha", Count: 3}
	require.NoError(t, db.Set("r:1", in))

	var out record
	require.NoError(t, db.Get("r:1", &out))
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("roundtrip mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, db.Delete("r:1"))
	assert.ErrorIs(t, db.Get("r:1", &out), ErrNotFound)

	// Deleting a missing key is not an error.
	assert.NoError(t, db.Delete("r:1"))
}

func TestGetMissing(t *testing.T) {
	db := newTestStore(t)
	var out record
	assert.ErrorIs(t, db.Get("absent", &out), ErrNotFound)
}

func TestTTLExpiry(t *testing.T) {
	db := newTestStore(t)

	require.NoError(t, db.SetTTL("short", record{Name: "gone"}, 30*time.Millisecond))
	require.NoError(t, db.SetTTL("long", record{Name: "kept"}, time.Hour))

	var out record
	require.NoError(t, db.Get("short", &out))

	time.Sleep(60 * time.Millisecond)
	assert.ErrorIs(t, db.Get("short", &out), ErrNotFound)
	require.NoError(t, db.Get("long", &out))
	assert.Equal(t, "kept", out.Name)
}

func TestListByPrefix(t *testing.T) {
	db := newTestStore(t)

	require.NoError(t, db.Set("a:1", record{Name: "one"}))
	require.NoError(t, db.Set("a:2", record{Name: "two"}))
	require.NoError(t, db.Set("b:1", record{Name: "other"}))

	entries, err := db.List("a:")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Key order.
	assert.Equal(t, "a:1", entries[0].Key)
	assert.Equal(t, "a:2", entries[1].Key)

	var out record
	require.NoError(t, entries[1].Decode(&out))
	assert.Equal(t, "two", out.Name)
}

func TestListSkipsExpired(t *testing.T) {
	db := newTestStore(t)

	require.NoError(t, db.SetTTL("p:dead", record{}, 10*time.Millisecond))
	require.NoError(t, db.Set("p:live", record{Name: "live"}))
	time.Sleep(30 * time.Millisecond)

	entries, err := db.List("p:")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "p:live", entries[0].Key)
}

func TestDeletePrefix(t *testing.T) {
	db := newTestStore(t)

	require.NoError(t, db.Set("x:1", 1))
	require.NoError(t, db.Set("x:2", 2))
	require.NoError(t, db.Set("y:1", 3))

	n, err := db.DeletePrefix("x:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := db.List("")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "y:1", entries[0].Key)
}
