package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Manager guards the live configuration. Services read a snapshot with
// Current at the start of each operation so a config save through the API
// takes effect on the next run without a restart.
type Manager struct {
	mu   sync.RWMutex
	cfg  Config
	path string
}

// NewManager wraps an initial config. path is where Save writes; empty
// means ./config.yaml.
func NewManager(cfg *Config, path string) *Manager {
	if path == "" {
		path = "config.yaml"
	}
	return &Manager{cfg: *cfg, path: path}
}

// Current returns a copy of the live configuration.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Update validates, persists and swaps in a new configuration.
func (m *Manager) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := m.save(cfg); err != nil {
		return err
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// Path returns the config file location used by Save.
func (m *Manager) Path() string {
	return m.path
}

// save writes the config as YAML via a temp file and rename so a crash
// mid-write never truncates the previous file.
func (m *Manager) save(cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(m.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
