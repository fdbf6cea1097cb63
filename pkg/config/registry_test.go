package config

import (
	"errors"
	"testing"
)

type testModule struct {
	name string
}

func (m *testModule) GetName() string {
	return m.name
}

func TestRegistryMatch(t *testing.T) {
	r := NewRegistry()
	r.Register("metrics", func(sec *Section) (Module, error) {
		return &testModule{name: sec.GetName()}, nil
	})
	r.RegisterPrefix("module ", func(sec *Section) (Module, error) {
		return &testModule{name: sec.Suffix()}, nil
	})

	tests := []struct {
		name    string
		matches bool
	}{
		{"metrics", true},
		{"module rotor", true},
		{"module", false},
		{"modules", false},
		{"device rotor", false},
	}
	for _, tt := range tests {
		if got := r.HasFactory(tt.name); got != tt.matches {
			t.Errorf("HasFactory(%q) got %v want %v", tt.name, got, tt.matches)
		}
	}
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	r := NewRegistry()
	r.RegisterPrefix("color ", func(sec *Section) (Module, error) { return &testModule{name: "generic"}, nil })
	r.RegisterPrefix("color active", func(sec *Section) (Module, error) { return &testModule{name: "active"}, nil })

	cfg, _ := LoadString("[color active]\n[color inactive]\n")
	mods, err := r.LoadModules(cfg)
	if err != nil {
		t.Fatalf("LoadModules: %v", err)
	}
	if mods["color active"].GetName() != "active" || mods["color inactive"].GetName() != "generic" {
		t.Fatalf("got %v", mods)
	}
}

func TestRegistryLoadModules(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.RegisterPrefix("module ", func(sec *Section) (Module, error) {
		calls++
		return &testModule{name: sec.Suffix()}, nil
	})

	cfg, _ := LoadString("[module a]\n[module b]\n[capture]\n")
	mods, err := r.LoadModules(cfg)
	if err != nil {
		t.Fatalf("LoadModules: %v", err)
	}
	if len(mods) != 2 {
		t.Fatalf("expected 2 modules, got %d", len(mods))
	}
	if r.GetModule("module a") == nil {
		t.Fatal("module a not loaded")
	}

	// Loaded modules are reused
	if _, err := r.LoadModules(cfg); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("factory calls got %d want 2", calls)
	}

	names := r.LoadedNames()
	if len(names) != 2 || names[0] != "module a" {
		t.Fatalf("names got %v", names)
	}
}

func TestRegistryFactoryError(t *testing.T) {
	r := NewRegistry()
	r.RegisterPrefix("module ", func(sec *Section) (Module, error) {
		return nil, errors.New("bad grid")
	})
	cfg, _ := LoadString("[module a]\n")
	if _, err := r.LoadModules(cfg); err == nil {
		t.Fatal("expected factory error")
	}
}
