package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/technosupport/nvr-router/internal/data"
)

type seedFile struct {
	Rules []Draft `yaml:"rules"`
}

// ParseSeed decodes a rules YAML document.
func ParseSeed(raw []byte) ([]*data.Rule, error) {
	var doc seedFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	out := make([]*data.Rule, 0, len(doc.Rules))
	for i, d := range doc.Rules {
		r, err := d.Rule()
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Watcher applies a YAML rules file to the store at startup and whenever the
// file changes. Rules created through the API are left alone.
type Watcher struct {
	store    *Store
	path     string
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	lastMod time.Time
}

func NewWatcher(store *Store, path string, interval time.Duration, log *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Watcher{store: store, path: path, interval: interval, log: log.Named("rules_watcher")}
}

// Apply reads the file and upserts every rule that differs from the stored one.
func (w *Watcher) Apply(ctx context.Context) error {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	seeded, err := ParseSeed(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", w.path, err)
	}

	changed := 0
	for _, r := range seeded {
		if cur, err := w.store.Get(r.ID); err == nil && sameRule(cur, r) {
			continue
		}
		if _, err := w.store.Upsert(ctx, r); err != nil {
			w.log.Error("seed rule rejected", zap.String("rule_id", r.ID), zap.Error(err))
			continue
		}
		changed++
	}
	w.log.Info("rules file applied", zap.String("path", w.path), zap.Int("rules", len(seeded)), zap.Int("changed", changed))
	return nil
}

// Start watches the file with fsnotify and also polls its mtime, so edits are
// picked up even where file events are unreliable (bind mounts).
func (w *Watcher) Start(ctx context.Context) {
	if st, err := os.Stat(w.path); err == nil {
		w.setLastMod(st.ModTime())
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify unavailable, polling only", zap.Error(err))
	} else if err := fw.Add(filepath.Dir(w.path)); err != nil {
		w.log.Warn("cannot watch rules directory, polling only", zap.String("path", w.path), zap.Error(err))
		fw.Close()
		fw = nil
	}

	if fw != nil {
		go func() {
			defer fw.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-fw.Events:
					if !ok {
						return
					}
					if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
						continue
					}
					if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
						// editors write in several steps
						time.Sleep(100 * time.Millisecond)
						w.reload(ctx)
					}
				case err, ok := <-fw.Errors:
					if !ok {
						return
					}
					w.log.Warn("watcher error", zap.Error(err))
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st, err := os.Stat(w.path)
				if err != nil || !st.ModTime().After(w.getLastMod()) {
					continue
				}
				w.reload(ctx)
			}
		}
	}()
}

func (w *Watcher) setLastMod(t time.Time) {
	w.mu.Lock()
	w.lastMod = t
	w.mu.Unlock()
}

func (w *Watcher) getLastMod() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastMod
}

func (w *Watcher) reload(ctx context.Context) {
	if st, err := os.Stat(w.path); err == nil {
		w.setLastMod(st.ModTime())
	}
	if err := w.Apply(ctx); err != nil {
		w.log.Error("rules reload failed", zap.Error(err))
	}
}

func sameRule(a, b *data.Rule) bool {
	x, y := *a, *b
	x.CreatedAt, x.UpdatedAt = time.Time{}, time.Time{}
	y.CreatedAt, y.UpdatedAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(cloneRule(&x), cloneRule(&y))
}
