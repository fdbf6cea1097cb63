package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Section is one [name] block with access tracking. Option names are
// case-insensitive.
type Section struct {
	name string

	mu       sync.RWMutex
	options  map[string]string
	accessed map[string]struct{}
}

func newSection(name string, options map[string]string) *Section {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[strings.ToLower(k)] = v
	}
	return &Section{
		name:     name,
		options:  opts,
		accessed: make(map[string]struct{}),
	}
}

// GetName returns the section name.
func (s *Section) GetName() string {
	return s.name
}

// Suffix returns the part of the name after the first space, so
// "module rotor" yields "rotor".
func (s *Section) Suffix() string {
	if i := strings.IndexByte(s.name, ' '); i >= 0 {
		return strings.TrimSpace(s.name[i+1:])
	}
	return ""
}

func (s *Section) set(option, value string) {
	s.mu.Lock()
	s.options[strings.ToLower(option)] = value
	s.mu.Unlock()
}

// lookup returns the raw value and marks the option accessed whether or
// not it is present, so defaults count as used.
func (s *Section) lookup(option string) (string, bool) {
	key := strings.ToLower(option)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessed[key] = struct{}{}
	v, ok := s.options[key]
	return v, ok
}

// GetUnusedOptions returns options that were never read, sorted.
func (s *Section) GetUnusedOptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []string
	for opt := range s.options {
		if _, ok := s.accessed[opt]; !ok {
			result = append(result, opt)
		}
	}
	sort.Strings(result)
	return result
}

// HasOption checks if an option exists in this section.
func (s *Section) HasOption(option string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// Get returns a string option value, the fallback when absent, or an error
// when absent without a fallback.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	if v, ok := s.lookup(option); ok {
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", ErrMissingOption(s.name, option)
}

// GetInt returns an integer option value.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, ErrMissingOption(s.name, option)
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, ErrInvalidValue(s.name, option, v, "integer")
	}
	return i, nil
}

// GetIntWithBounds returns an integer option within [minVal, maxVal].
func (s *Section) GetIntWithBounds(option string, minVal, maxVal int, fallback ...int) (int, error) {
	v, err := s.GetInt(option, fallback...)
	if err != nil {
		return 0, err
	}
	if v < minVal || v > maxVal {
		return 0, ErrOutOfRange(s.name, option, v, minVal, maxVal)
	}
	return v, nil
}

// GetBool returns a boolean option value.
// Accepts: 1, true, yes, on (true) and 0, false, no, off (false).
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return false, ErrMissingOption(s.name, option)
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, ErrInvalidValue(s.name, option, v, "boolean (true/false/yes/no/on/off/1/0)")
}

// GetDuration parses a Go duration ("10ms", "1s"). A bare integer is taken
// as milliseconds.
func (s *Section) GetDuration(option string, fallback ...time.Duration) (time.Duration, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, ErrMissingOption(s.name, option)
	}
	v = strings.TrimSpace(v)
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, ErrInvalidValue(s.name, option, v, "duration")
	}
	return d, nil
}

// GetChoice returns a string option that must be one of the valid choices.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(strings.TrimSpace(v), c) {
			return c, nil
		}
	}
	return "", ErrInvalidChoice(s.name, option, v, choices)
}

// GetList splits an option on sep, trimming and dropping empty items.
func (s *Section) GetList(option string, sep string, fallback ...[]string) ([]string, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return nil, ErrMissingOption(s.name, option)
	}
	return splitList(v, sep), nil
}

func splitList(v, sep string) []string {
	result := []string{}
	for _, p := range strings.Split(v, sep) {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// GetPrefixOptions returns the sorted option names starting with prefix.
func (s *Section) GetPrefixOptions(prefix string) []string {
	prefix = strings.ToLower(prefix)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []string
	for opt := range s.options {
		if strings.HasPrefix(opt, prefix) {
			result = append(result, opt)
		}
	}
	sort.Strings(result)
	return result
}

// RawOptions returns a copy of the raw options map.
func (s *Section) RawOptions() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]string, len(s.options))
	for k, v := range s.options {
		result[k] = v
	}
	return result
}

// Equal reports whether both sections hold the same options and values.
func (s *Section) Equal(other *Section) bool {
	if s == nil || other == nil {
		return s == other
	}
	a, b := s.RawOptions(), other.RawOptions()
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
