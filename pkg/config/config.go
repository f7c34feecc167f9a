// Package config declares host stores in YAML.
//
//	stores:
//	  - key: counter
//	    initial: {value: 0}
//	    handlers:
//	      INCREMENT: draft.value += event.by || 1
//	      RESET: return {value: 0}
//	  - key: todos
//	    initial: {items: []}
//	    producer: |
//	      (draft, event) => { if (event.type === "ADD") draft.items.push(event.text) }
//	    timeout: 100ms
//
// Each declaration becomes a map-shaped store driven by a JavaScript
// producer (see pkg/script). A Manager applies a File to a bridge registry
// and can hot-reload it when the file changes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-statebridge/pkg/patch"
	"github.com/goliatone/go-statebridge/pkg/script"
	"github.com/goliatone/go-statebridge/pkg/store"
)

var (
	ErrMissingKey          = errors.New("config: store key is required")
	ErrDuplicateKey        = errors.New("config: duplicate store key")
	ErrConflictingProducer = errors.New("config: producer and handlers are mutually exclusive")
	ErrNegativeTimeout     = errors.New("config: timeout must not be negative")
)

// File is the root of a store declaration document.
type File struct {
	Stores []StoreSpec `yaml:"stores" json:"stores"`
}

// StoreSpec declares one store.
type StoreSpec struct {
	Key      string            `yaml:"key" json:"key"`
	Initial  map[string]any    `yaml:"initial,omitempty" json:"initial,omitempty"`
	Producer string            `yaml:"producer,omitempty" json:"producer,omitempty"`
	Handlers map[string]string `yaml:"handlers,omitempty" json:"handlers,omitempty"`
	Timeout  time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Load reads and validates the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: invalid YAML: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate reports every invalid declaration.
func (f *File) Validate() error {
	if f == nil {
		return nil
	}
	var errs []error
	seen := map[string]bool{}
	for i, spec := range f.Stores {
		key := strings.TrimSpace(spec.Key)
		if key == "" {
			errs = append(errs, fmt.Errorf("stores[%d]: %w", i, ErrMissingKey))
			continue
		}
		if seen[key] {
			errs = append(errs, fmt.Errorf("stores[%d] %q: %w", i, key, ErrDuplicateKey))
		}
		seen[key] = true
		if err := spec.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("stores[%d] %q: %w", i, key, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks one declaration in isolation.
func (s StoreSpec) Validate() error {
	if strings.TrimSpace(s.Key) == "" {
		return ErrMissingKey
	}
	if strings.TrimSpace(s.Producer) != "" && len(s.Handlers) > 0 {
		return ErrConflictingProducer
	}
	if s.Timeout < 0 {
		return ErrNegativeTimeout
	}
	return nil
}

// Build creates the store described by s. Declarations without a producer
// or handlers build a store that only reports dispatched events.
func (s StoreSpec) Build(logger *slog.Logger) (*store.Store[map[string]any, store.RawEvent], error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	initial, err := normalize(s.Initial)
	if err != nil {
		return nil, fmt.Errorf("config: store %q initial state: %w", s.Key, err)
	}

	var opts []script.Option
	if s.Timeout > 0 {
		opts = append(opts, script.WithTimeout(s.Timeout))
	}

	var producer store.Producer[map[string]any, store.RawEvent]
	switch {
	case strings.TrimSpace(s.Producer) != "":
		p, err := script.Compile(s.Producer, opts...)
		if err != nil {
			return nil, fmt.Errorf("config: store %q producer: %w", s.Key, err)
		}
		producer = p.Func(logger)
	case len(s.Handlers) > 0:
		p, err := script.CompileHandlers(s.Handlers, opts...)
		if err != nil {
			return nil, fmt.Errorf("config: store %q handlers: %w", s.Key, err)
		}
		producer = p.Func(logger)
	}

	return store.New(initial, producer,
		store.WithLogger(logger.With("storeKey", s.Key)),
		store.WithEqual(func(a, b map[string]any) bool { return patch.Equal(a, b) }),
	), nil
}

// fingerprint identifies a declaration so reloads can skip unchanged stores.
func (s StoreSpec) fingerprint() string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(data)
}

// normalize converts YAML-decoded values to their JSON form so scripted
// producers and mirrors see the same number types.
func normalize(initial map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if len(initial) == 0 {
		return out, nil
	}
	data, err := json.Marshal(initial)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
