// Package facts resolves named host facts such as marker-file flags,
// device presence checks and boot disk details. Facts are registered
// explicitly in a Registry and resolved against an Executor, which may be
// the local machine or a remote host reached over SSH.
package facts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrAlreadyRegistered is returned when a fact name is registered twice.
	ErrAlreadyRegistered = errors.New("fact already registered")

	// ErrUnknownFact is returned when resolving a name nobody registered.
	ErrUnknownFact = errors.New("unknown fact")

	// ErrInvalidFact is returned for facts without a name or resolver.
	ErrInvalidFact = errors.New("invalid fact")
)

// Executor is the set of host primitives facts are built from.
type Executor interface {
	// Run executes command through a shell. A non-zero exit is reported
	// in exitCode with a nil err.
	Run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)

	// Exists reports whether path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// ReadDir returns the entry names of a directory.
	ReadDir(ctx context.Context, path string) ([]string, error)

	// ReadFile returns the contents of a file.
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// Resolver computes the value of a fact.
type Resolver func(ctx context.Context, ex Executor) (any, error)

// Fact is a named, resolvable piece of host state.
type Fact struct {
	Name        string
	Description string
	Resolve     Resolver
}

// Registry holds facts by name.
type Registry struct {
	mu    sync.RWMutex
	facts map[string]Fact
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		facts: make(map[string]Fact),
	}
}

// NewDefaultRegistry creates a registry holding every built-in fact.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

// Register adds a fact to the registry.
func (r *Registry) Register(f Fact) error {
	if f.Name == "" || f.Resolve == nil {
		return fmt.Errorf("%w: name and resolver are required", ErrInvalidFact)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.facts[f.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, f.Name)
	}

	r.facts[f.Name] = f
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(f Fact) {
	if err := r.Register(f); err != nil {
		panic(err)
	}
}

// Get returns the fact registered under name.
func (r *Registry) Get(name string) (Fact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.facts[name]
	return f, ok
}

// Names returns all registered fact names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.facts))
	for name := range r.facts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve computes a single fact against ex.
func (r *Registry) Resolve(ctx context.Context, name string, ex Executor) (any, error) {
	f, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFact, name)
	}

	value, err := f.Resolve(ctx, ex)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve fact %s: %w", name, err)
	}
	return value, nil
}
