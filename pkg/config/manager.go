package config

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	bridge "github.com/goliatone/go-statebridge"
)

// Registry is the part of a bridge registry a Manager drives.
type Registry interface {
	SetStore(key string, st bridge.Store)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for reload results and store producers.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithDebounce sets how long Watch waits for a burst of file events to
// settle before reloading.
func WithDebounce(d time.Duration) Option {
	return func(m *Manager) {
		m.debounce = d
	}
}

// Manager keeps the stores declared in a File registered. Only stores whose
// declaration changed are rebuilt; keys dropped from the file are removed.
type Manager struct {
	reg      Registry
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	managed map[string]string
}

// NewManager creates a manager that registers stores on reg.
func NewManager(reg Registry, opts ...Option) *Manager {
	m := &Manager{
		reg:      reg,
		debounce: defaultDebounce,
		managed:  map[string]string{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Apply registers f. Every changed store is built before any is registered,
// so an invalid file leaves the registry untouched.
func (m *Manager) Apply(f *File) error {
	if err := f.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	type pending struct {
		key   string
		store bridge.Store
	}
	var changed []pending
	next := map[string]string{}
	for _, spec := range f.Stores {
		fp := spec.fingerprint()
		next[spec.Key] = fp
		if previous, ok := m.managed[spec.Key]; ok && previous == fp && fp != "" {
			continue
		}
		st, err := spec.Build(m.logger)
		if err != nil {
			return err
		}
		changed = append(changed, pending{key: spec.Key, store: st})
	}

	removed := make([]string, 0)
	for key := range m.managed {
		if _, ok := next[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)

	for _, p := range changed {
		m.reg.SetStore(p.key, p.store)
	}
	for _, key := range removed {
		m.reg.SetStore(key, nil)
	}
	m.managed = next

	if len(changed) > 0 || len(removed) > 0 {
		m.logger.Info("config: stores applied", "changed", len(changed), "removed", len(removed), "total", len(next))
	}
	return nil
}

// ApplyFile loads path and applies it.
func (m *Manager) ApplyFile(path string) error {
	f, err := Load(path)
	if err != nil {
		return err
	}
	return m.Apply(f)
}

// Keys lists the keys currently managed.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.managed))
	for key := range m.managed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Watch applies path and re-applies it whenever it changes until ctx is
// done. A reload that fails is logged and the previous stores stay in place.
func (m *Manager) Watch(ctx context.Context, path string) error {
	w, err := NewWatcher(path, m.debounce, m.logger)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := m.ApplyFile(path); err != nil {
		return fmt.Errorf("config: initial load: %w", err)
	}
	return w.Run(ctx, func() {
		if err := m.ApplyFile(path); err != nil {
			m.logger.Error("config: reload failed, keeping previous stores", "path", path, "error", err)
		}
	})
}
