package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Module is a runtime object built from one config section.
type Module interface {
	GetName() string
}

// ModuleFactory builds a module from its section.
type ModuleFactory func(section *Section) (Module, error)

// Registry maps section names to factories and keeps the modules it built.
type Registry struct {
	mu sync.RWMutex

	// exact matches the whole section name ("metrics").
	exact map[string]ModuleFactory

	// prefixes matches named sections ("module " for [module rotor]).
	prefixes map[string]ModuleFactory

	loaded map[string]Module
}

// NewRegistry creates a new module registry.
func NewRegistry() *Registry {
	return &Registry{
		exact:    make(map[string]ModuleFactory),
		prefixes: make(map[string]ModuleFactory),
		loaded:   make(map[string]Module),
	}
}

// Register adds a factory for an exact section name.
func (r *Registry) Register(name string, factory ModuleFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[name] = factory
}

// RegisterPrefix adds a factory for every section starting with prefix,
// including the separating space: RegisterPrefix("module ", f).
func (r *Registry) RegisterPrefix(prefix string, factory ModuleFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes[prefix] = factory
}

// GetFactory returns the factory for a section name, or nil if not found.
func (r *Registry) GetFactory(sectionName string) ModuleFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factoryLocked(sectionName)
}

// factoryLocked prefers exact names, then the longest matching prefix.
func (r *Registry) factoryLocked(sectionName string) ModuleFactory {
	if factory, ok := r.exact[sectionName]; ok {
		return factory
	}
	var best string
	for prefix := range r.prefixes {
		if strings.HasPrefix(sectionName, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return nil
	}
	return r.prefixes[best]
}

// HasFactory checks if a factory is registered for the section name.
func (r *Registry) HasFactory(sectionName string) bool {
	return r.GetFactory(sectionName) != nil
}

// LoadModules builds a module for every section with a factory, in file
// order. Sections already loaded are returned as is.
func (r *Registry) LoadModules(cfg *Config) (map[string]Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	modules := make(map[string]Module)
	for _, section := range cfg.GetSections() {
		name := section.GetName()
		if m, ok := r.loaded[name]; ok {
			modules[name] = m
			continue
		}
		factory := r.factoryLocked(name)
		if factory == nil {
			continue
		}
		m, err := factory(section)
		if err != nil {
			return nil, fmt.Errorf("failed to load module [%s]: %w", name, err)
		}
		modules[name] = m
		r.loaded[name] = m
	}
	return modules, nil
}

// Add records a module built outside LoadModules.
func (r *Registry) Add(sectionName string, m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded[sectionName] = m
}

// GetModule returns a loaded module by section name, or nil.
func (r *Registry) GetModule(name string) Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded[name]
}

// LoadedNames returns the sorted section names of loaded modules.
func (r *Registry) LoadedNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.loaded))
	for name := range r.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
