package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// HandlerFunc executes a func action. It receives the raw JSON payload
// the task was enqueued with; the returned string is stored as the
// attempt's output.
type HandlerFunc func(ctx context.Context, payload []byte) (string, error)

// Registry maps func action targets to their handlers. Handlers are
// registered by the embedding program before the worker starts.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds name to fn. Names must be unique.
func (r *Registry) Register(name string, fn HandlerFunc) error {
	if name == "" {
		return fmt.Errorf("handler name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("handler %q must not be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.handlers[name] = fn
	return nil
}

// Get returns the handler bound to name.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Names returns all registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry with the builtin handlers the CLI
// ships: "sleep" and "fail". Embedding programs register their own.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	// sleep: wait out payload {"duration":"1s"} or 200ms, then succeed.
	_ = r.Register("sleep", func(ctx context.Context, payload []byte) (string, error) {
		d := 200 * time.Millisecond
		if len(payload) > 0 {
			var p struct {
				Duration string `json:"duration"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return "", Permanent(fmt.Errorf("bad sleep payload: %w", err))
			}
			if p.Duration != "" {
				parsed, err := time.ParseDuration(p.Duration)
				if err != nil {
					return "", Permanent(fmt.Errorf("bad sleep duration: %w", err))
				}
				d = parsed
			}
		}

		select {
		case <-time.After(d):
			return fmt.Sprintf("slept %s", d), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	// fail: always fail, transiently by default, permanently with
	// payload {"permanent":true}. Exists to exercise retry and breaker
	// behavior from the command line.
	_ = r.Register("fail", func(_ context.Context, payload []byte) (string, error) {
		if len(payload) > 0 {
			var p struct {
				Permanent bool `json:"permanent"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return "", Permanent(fmt.Errorf("bad fail payload: %w", err))
			}
			if p.Permanent {
				return "", Permanent(errors.New("requested permanent failure"))
			}
		}
		return "", errors.New("requested failure")
	})

	return r
}
