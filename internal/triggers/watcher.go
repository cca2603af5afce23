package triggers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk layout of a workspace seed file.
type seedFile struct {
	Triggers []struct {
		Phrase   string `yaml:"phrase"`
		Response string `yaml:"response"`
	} `yaml:"triggers"`
}

// SeedWatcher loads workspace-wide trigger seeds from a YAML file and
// hot-reloads them when the file changes. Missing or malformed files
// leave the previous snapshot in place.
type SeedWatcher struct {
	path     string
	log      *zap.Logger
	debounce time.Duration

	mu    sync.RWMutex
	seeds []Trigger
}

// NewSeedWatcher loads path once. Call Watch to keep it fresh.
func NewSeedWatcher(path string, log *zap.Logger) (*SeedWatcher, error) {
	w := &SeedWatcher{path: path, log: log, debounce: 200 * time.Millisecond}
	if err := w.reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Seeds returns the current seed snapshot.
func (w *SeedWatcher) Seeds() []Trigger {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.seeds
}

func (w *SeedWatcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			w.mu.Lock()
			w.seeds = nil
			w.mu.Unlock()
			return nil
		}
		return fmt.Errorf("reading seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing seed file %s: %w", w.path, err)
	}
	seeds := make([]Trigger, 0, len(f.Triggers))
	for i, t := range f.Triggers {
		phrase := strings.ToLower(strings.TrimSpace(t.Phrase))
		if phrase == "" {
			continue
		}
		seeds = append(seeds, Trigger{
			ID:       fmt.Sprintf("seed-%d", i),
			Phrase:   phrase,
			Response: t.Response,
		})
	}
	w.mu.Lock()
	w.seeds = seeds
	w.mu.Unlock()
	w.log.Info("trigger seeds loaded", zap.String("path", w.path), zap.Int("count", len(seeds)))
	return nil
}

// Watch blocks until ctx is canceled, reloading the seed file on
// change. The parent directory is watched because editors replace
// files instead of writing them in place.
func (w *SeedWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}

	var timer *time.Timer
	pending := make(chan struct{}, 1)
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			select {
			case pending <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("seed watcher error", zap.Error(err))
		case <-pending:
			if err := w.reload(); err != nil {
				w.log.Warn("seed reload failed, keeping previous snapshot", zap.Error(err))
			}
		}
	}
}
