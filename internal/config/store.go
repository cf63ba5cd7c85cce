package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Store holds the live configuration with copy-on-write semantics.
// Readers always see a complete, immutable snapshot; writers build a new
// Config and swap the pointer atomically. The per-store mutex serializes
// writers only.
type Store struct {
	current atomic.Pointer[Config]
	path    string

	mu sync.Mutex // serializes Update and file rewrites
}

// NewStore creates a Store seeded with cfg. path, if non-empty, is the
// file rewritten on updates.
func NewStore(cfg *Config, path string) *Store {
	s := &Store{path: path}
	s.current.Store(cfg)
	return s
}

// Get returns the current configuration snapshot. The returned value must
// be treated as read-only.
func (s *Store) Get() *Config {
	return s.current.Load()
}

// Update applies fn to a deep copy of the current config, validates it,
// and publishes it. The file on disk is rewritten best-effort.
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.Get().clone()
	fn(next)
	if err := next.Validate(); err != nil {
		return fmt.Errorf("rejected config update: %w", err)
	}
	s.current.Store(next)
	s.persist(next)
	return nil
}

// AppendShellAllowlist adds basename to the shell allowlist if absent.
func (s *Store) AppendShellAllowlist(basename string) error {
	if basename == "" {
		return nil
	}
	return s.Update(func(c *Config) {
		for _, existing := range c.Shell.Allowlist {
			if existing == basename {
				return
			}
		}
		c.Shell.Allowlist = append(c.Shell.Allowlist, basename)
	})
}

func (s *Store) persist(cfg *Config) {
	if s.path == "" {
		return
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return
	}
	// Best-effort: a failed rewrite leaves the in-memory config authoritative.
	_ = os.WriteFile(s.path, data, 0o644)
}

func (c *Config) clone() *Config {
	next := *c
	next.Shell.Allowlist = append([]string(nil), c.Shell.Allowlist...)
	next.Models = append([]ModelProfile(nil), c.Models...)
	return &next
}
