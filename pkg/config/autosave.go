package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	backupStamp = "20060102_150405"

	// DefaultKeepBackups is how many timestamped copies of the config
	// file survive a save.
	DefaultKeepBackups = 3
)

// AutosaveConfig is a Config that accepts live edits (power, region,
// colors) and writes them back to disk on request.
type AutosaveConfig struct {
	*Config

	mu   sync.Mutex
	path string

	// edits is section -> option -> value for values that differ from
	// what was last loaded or saved.
	edits map[string]map[string]string

	keepBackups int
	now         func() time.Time
}

// NewAutosaveConfig wraps cfg, which was loaded from path.
func NewAutosaveConfig(cfg *Config, path string) *AutosaveConfig {
	return &AutosaveConfig{
		Config:      cfg,
		path:        path,
		edits:       make(map[string]map[string]string),
		keepBackups: DefaultKeepBackups,
		now:         time.Now,
	}
}

// LoadAutosave loads a config file with autosave capabilities.
func LoadAutosave(path string) (*AutosaveConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewAutosaveConfig(cfg, path), nil
}

// SetKeepBackups sets how many backups are retained; 0 disables backups.
func (c *AutosaveConfig) SetKeepBackups(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepBackups = n
}

// SetOption stores value, creating the section if needed, and reports
// whether it changed anything. Writing back an unchanged value is not an
// edit.
func (c *AutosaveConfig) SetOption(section, option, value string) bool {
	key := strings.ToLower(option)

	c.mu.Lock()
	defer c.mu.Unlock()

	sec := c.Config.GetSectionOptional(section)
	if sec != nil {
		if cur, ok := sec.RawOptions()[key]; ok && cur == value {
			return false
		}
		sec.set(key, value)
	} else {
		c.Config.addSection(section, map[string]string{key: value})
	}
	opts := c.edits[section]
	if opts == nil {
		opts = make(map[string]string)
		c.edits[section] = opts
	}
	opts[key] = value
	return true
}

// Rebase replaces the wrapped config with one loaded after a reload and
// drops pending edits. Live values are written again on the next save, so
// sections edited on disk are not overwritten with stale values.
func (c *AutosaveConfig) Rebase(cfg *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Config = cfg
	c.edits = make(map[string]map[string]string)
}

// EditedSections returns the sorted names of sections with unsaved edits.
func (c *AutosaveConfig) EditedSections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.edits)
}

func sortedKeys[V any](m map[string]V) []string {
	result := make([]string, 0, len(m))
	for k := range m {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// HasChanges reports whether anything was edited since the last save.
func (c *AutosaveConfig) HasChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.edits) > 0
}

// Discard forgets the edit log; the in-memory values stay as they are.
func (c *AutosaveConfig) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits = make(map[string]map[string]string)
}

// SaveChanges writes the whole config to path, or to the file it was
// loaded from when path is empty. Saving over that file without edits is
// a no-op; with edits the previous file is kept as a timestamped backup.
// Included files are flattened into the output.
func (c *AutosaveConfig) SaveChanges(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if path == "" {
		path = c.path
	}
	if path == "" {
		return fmt.Errorf("config: no path to save to")
	}
	overwrite := path == c.path
	if overwrite && len(c.edits) == 0 {
		return nil
	}
	if overwrite && c.keepBackups > 0 {
		if err := c.backupLocked(); err != nil {
			return fmt.Errorf("config: backup %s: %w", c.path, err)
		}
	}
	if err := writeFileAtomic(path, []byte(c.render())); err != nil {
		return fmt.Errorf("config: save %s: %w", path, err)
	}
	c.edits = make(map[string]map[string]string)
	return nil
}

// writeFileAtomic replaces path through a temp file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".hapticd-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(name, path)
	}
	if werr != nil {
		os.Remove(name)
	}
	return werr
}

// backupLocked copies haptics.cfg to haptics-20060102_150405.cfg and
// prunes all but the newest keepBackups copies.
func (c *AutosaveConfig) backupLocked() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	ext := filepath.Ext(c.path)
	base := strings.TrimSuffix(c.path, ext)
	if err := os.WriteFile(base+"-"+c.now().Format(backupStamp)+ext, data, 0o644); err != nil {
		return err
	}

	old, err := filepath.Glob(base + "-" + strings.Repeat("?", len(backupStamp)) + ext)
	if err != nil || len(old) <= c.keepBackups {
		return nil
	}
	// The stamp sorts chronologically.
	sort.Strings(old)
	for _, p := range old[:len(old)-c.keepBackups] {
		os.Remove(p)
	}
	return nil
}

// render writes sections in file order with sorted options.
func (c *AutosaveConfig) render() string {
	var sb strings.Builder
	for i, sec := range c.Config.GetSections() {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "[%s]\n", sec.GetName())
		options := sec.RawOptions()
		for _, opt := range sortedKeys(options) {
			fmt.Fprintf(&sb, "%s: %s\n", opt, options[opt])
		}
	}
	return sb.String()
}

// OriginalPath returns the path the config was loaded from.
func (c *AutosaveConfig) OriginalPath() string {
	return c.path
}
