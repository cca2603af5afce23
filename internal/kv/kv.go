// Package kv provides the durable key-value store backing conversation
// history, thread anchors, triggers, and per-team settings. It wraps a
// Pebble database with a small envelope that adds TTL semantics (Pebble
// has none natively): expired records are filtered on read and lazily
// deleted.
package kv

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// envelope wraps every stored value. ExpiresAt is a Unix timestamp in
// seconds; zero means the record never expires.
type envelope struct {
	ExpiresAt int64           `json:"exp,omitempty"`
	Value     json.RawMessage `json:"v"`
}

// Store is a Pebble-backed key-value store. All writes are synced.
type Store struct {
	db  *pebble.DB
	log *zap.Logger
}

// Open opens (or creates) a Pebble database at path.
func Open(path string, log *zap.Logger) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		log.Error("pebble open failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	log.Info("pebble opened", zap.String("path", path))
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Set stores value (JSON-marshaled) under key with no expiry.
func (s *Store) Set(key string, value any) error {
	return s.SetTTL(key, value, 0)
}

// SetTTL stores value under key, expiring after ttl. ttl <= 0 means no
// expiry.
func (s *Store) SetTTL(key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %s: %w", key, err)
	}
	env := envelope{Value: raw}
	if ttl > 0 {
		env.ExpiresAt = time.Now().Add(ttl).Unix()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope for %s: %w", key, err)
	}
	if err := s.db.Set([]byte(key), data, pebble.Sync); err != nil {
		s.log.Error("kv set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Get unmarshals the value stored under key into out. Returns ErrNotFound
// for missing or expired keys.
func (s *Store) Get(key string, out any) error {
	data, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	env, ok := s.decode(key, data)
	closer.Close()
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(env.Value, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Entry is one record returned by List.
type Entry struct {
	Key   string
	Value json.RawMessage
}

// Decode unmarshals the entry value into v.
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.Value, v)
}

// List returns all live entries whose key starts with prefix, in key
// order. Expired entries are skipped.
func (s *Store) List(prefix string) ([]Entry, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("iterator: %w", err)
	}
	defer iter.Close()

	p := []byte(prefix)
	var out []Entry
	for iter.SeekGE(p); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), p) {
			break
		}
		env, ok := s.decode(string(iter.Key()), iter.Value())
		if !ok {
			continue
		}
		out = append(out, Entry{
			Key:   string(iter.Key()),
			Value: append(json.RawMessage(nil), env.Value...),
		})
	}
	return out, iter.Error()
}

// DeletePrefix removes every key starting with prefix and returns the
// number of keys removed.
func (s *Store) DeletePrefix(prefix string) (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, fmt.Errorf("iterator: %w", err)
	}
	p := []byte(prefix)
	var keys [][]byte
	for iter.SeekGE(p); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), p) {
			break
		}
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := s.db.Delete(k, pebble.Sync); err != nil {
			return 0, fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return len(keys), nil
}

// decode parses an envelope and reports whether the record is live. An
// expired record is deleted in passing; a corrupt one is treated as dead.
func (s *Store) decode(key string, data []byte) (envelope, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Warn("kv corrupt record", zap.String("key", key), zap.Error(err))
		return env, false
	}
	if env.ExpiresAt > 0 && time.Now().Unix() >= env.ExpiresAt {
		if err := s.db.Delete([]byte(key), pebble.NoSync); err != nil {
			s.log.Warn("kv expired delete failed", zap.String("key", key), zap.Error(err))
		}
		return env, false
	}
	return env, true
}
