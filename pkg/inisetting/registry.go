// Package inisetting manages individual "section/setting" entries of
// platform service ini files. Each setting type is bound to one file and
// one key/value separator; reads and writes go through gopkg.in/ini.v1 and
// files are replaced atomically.
package inisetting

import (
	"sort"
	"sync"

	"github.com/platformconf/platformconf/pkg/engine"
)

// DefaultSeparator is written between key and value.
const DefaultSeparator = "="

// Definition binds a setting type to the file it manages.
type Definition struct {
	Name        string `json:"name" yaml:"name" validate:"required"`
	Path        string `json:"path" yaml:"path" validate:"required,startswith=/"`
	Separator   string `json:"separator,omitempty" yaml:"separator,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

func (d Definition) separator() string {
	if d.Separator == "" {
		return DefaultSeparator
	}
	return d.Separator
}

// Builtins are the setting types shipped with the platform.
var Builtins = []Definition{
	{
		Name:        "dcagent_config",
		Path:        "/etc/dcagent/dcagent.conf",
		Description: "Distributed cloud agent configuration",
	},
	{
		Name:        "nfv_plugin_nfvi_config",
		Path:        "/etc/nfv/nfv_plugins/nfvi_plugins/config.ini",
		Description: "NFVI plugin configuration",
	},
	{
		Name:        "usm_config",
		Path:        "/etc/software/software.conf",
		Description: "Unified software management configuration",
	},
	{
		Name:        "certalarm_config",
		Path:        "/etc/sysinv/cert-alarm.conf",
		Description: "Certificate alarm configuration",
	},
}

// Registry maps setting type names to definitions.
type Registry struct {
	root string

	mu        sync.RWMutex
	defs      map[string]Definition
	providers map[string]*IniProvider
}

// NewRegistry creates an empty registry. Every provider it hands out
// resolves its path under root; an empty root means "/".
func NewRegistry(root string) *Registry {
	return &Registry{
		root:      root,
		defs:      make(map[string]Definition),
		providers: make(map[string]*IniProvider),
	}
}

// NewDefaultRegistry creates a registry holding the built-in types.
func NewDefaultRegistry(root string) *Registry {
	r := NewRegistry(root)
	for _, def := range Builtins {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a setting type.
func (r *Registry) Register(def Definition) error {
	if err := validate.Struct(def); err != nil {
		return engine.NewValidationError("invalid setting type definition", err).
			WithResource(def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		return engine.NewConflictError("setting type already registered", nil).
			WithResource(def.Name).
			WithCode(engine.ErrCodeAlreadyExists)
	}

	r.defs[def.Name] = def
	return nil
}

// Get returns the definition of a setting type.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	return def, ok
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Provider returns the provider for the named setting type. Repeated
// calls share one provider so writes to a file are serialized.
func (r *Registry) Provider(name string) (*IniProvider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[name]; ok {
		return p, nil
	}

	def, ok := r.defs[name]
	if !ok {
		return nil, engine.NewNotFoundError("unknown setting type", name)
	}

	p := NewIniProvider(def, r.root)
	r.providers[name] = p
	return p, nil
}
