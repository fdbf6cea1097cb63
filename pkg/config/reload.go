package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Reloadable is a module whose section can change while running.
type Reloadable interface {
	Module

	// CanReload reports whether the module accepts a reload at all.
	CanReload() bool

	// Reload applies a changed section. On error the module keeps its
	// previous state.
	Reload(newConfig *Section) error
}

// ReloadResult is the outcome of reloading one section.
type ReloadResult struct {
	Section     string
	Success     bool
	Error       error
	CanReload   bool
	WasReloaded bool
}

// ReloadManager re-reads the config file and hands changed sections to the
// modules built from them.
type ReloadManager struct {
	mu sync.Mutex

	registry      *Registry
	currentConfig *Config
	configPath    string

	debounceTime time.Duration
	lastReload   time.Time

	onReloadComplete func(results []ReloadResult, err error)
}

// NewReloadManager creates a reload manager for cfg, loaded from path.
func NewReloadManager(registry *Registry, cfg *Config, path string) *ReloadManager {
	return &ReloadManager{
		registry:      registry,
		currentConfig: cfg,
		configPath:    path,
		debounceTime:  100 * time.Millisecond,
	}
}

// OnReload sets a callback run after every reload attempt from Watch.
func (rm *ReloadManager) OnReload(fn func(results []ReloadResult, err error)) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.onReloadComplete = fn
}

// DetectChanges returns the sections that were added, removed or modified
// relative to the current config: new/modified in new-file order, then
// deleted in old-file order.
func (rm *ReloadManager) DetectChanges(newConfig *Config) []string {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return diffSections(rm.currentConfig, newConfig)
}

func diffSections(oldConfig, newConfig *Config) []string {
	var changed []string
	for _, newSec := range newConfig.GetSections() {
		name := newSec.GetName()
		oldConfig.mu.RLock()
		oldSec := oldConfig.sections[name]
		oldConfig.mu.RUnlock()
		if !oldSec.Equal(newSec) {
			changed = append(changed, name)
		}
	}
	for _, name := range oldConfig.GetSectionNames() {
		if !newConfig.HasSection(name) {
			changed = append(changed, name)
		}
	}
	return changed
}

// ReloadFromFile re-reads the config file and reloads what changed. Calls
// closer together than the debounce time are ignored.
func (rm *ReloadManager) ReloadFromFile() ([]ReloadResult, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if time.Since(rm.lastReload) < rm.debounceTime {
		return nil, nil
	}
	newConfig, err := Load(rm.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return rm.reloadLocked(newConfig), nil
}

// ReloadWithConfig reloads from an already parsed config.
func (rm *ReloadManager) ReloadWithConfig(newConfig *Config) ([]ReloadResult, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.reloadLocked(newConfig), nil
}

func (rm *ReloadManager) reloadLocked(newConfig *Config) []ReloadResult {
	var results []ReloadResult
	for _, name := range diffSections(rm.currentConfig, newConfig) {
		results = append(results, rm.reloadSection(name, newConfig.GetSectionOptional(name)))
	}
	rm.currentConfig = newConfig
	rm.lastReload = time.Now()
	return results
}

func (rm *ReloadManager) reloadSection(name string, newSec *Section) ReloadResult {
	result := ReloadResult{Section: name}

	module := rm.registry.GetModule(name)
	if module == nil {
		// Sections nothing was built from are accepted silently; new
		// named sections would need a restart to get wired.
		result.Success = newSec != nil && !rm.registry.HasFactory(name)
		if !result.Success {
			result.Error = fmt.Errorf("section [%s] requires restart", name)
		}
		return result
	}

	reloadable, ok := module.(Reloadable)
	if !ok {
		result.Error = fmt.Errorf("section [%s] requires restart", name)
		return result
	}
	result.CanReload = reloadable.CanReload()
	if !result.CanReload {
		result.Error = fmt.Errorf("section [%s] requires restart", name)
		return result
	}
	if newSec == nil {
		result.Error = fmt.Errorf("section deleted")
		return result
	}
	if err := reloadable.Reload(newSec); err != nil {
		result.Error = err
		return result
	}
	result.Success = true
	result.WasReloaded = true
	return result
}

// Watch reloads from file every time a signal arrives (SIGHUP in the
// daemon) until ctx is done.
func (rm *ReloadManager) Watch(ctx context.Context, signals <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			results, err := rm.ReloadFromFile()
			rm.mu.Lock()
			fn := rm.onReloadComplete
			rm.mu.Unlock()
			if fn != nil {
				fn(results, err)
			}
		}
	}
}

// GetCurrentConfig returns the config of the last successful reload.
func (rm *ReloadManager) GetCurrentConfig() *Config {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.currentConfig
}

// GetConfigPath returns the config file path.
func (rm *ReloadManager) GetConfigPath() string {
	return rm.configPath
}
