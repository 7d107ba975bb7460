package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrDefaultsExist is returned by SaveDefaults when a defaults file is
// already present; callers should suggest `reset` or direct editing.
var ErrDefaultsExist = errors.New("defaults file already exists")

// defaultsDocument is the on-disk shape of the defaults file. It mirrors the
// mapstructure layout so viper can read it back directly.
type defaultsDocument struct {
	Remote    RemoteConfig    `json:"remote"`
	Job       JobConfig       `json:"job"`
	Discovery DiscoveryConfig `json:"discovery"`
	Channel   ChannelConfig   `json:"channel"`
	Route     RouteConfig     `json:"route"`
	Logging   LoggingConfig   `json:"logging"`
}

// SaveDefaults writes the given configuration as the defaults file at path.
// Fails with ErrDefaultsExist if the file is already there.
func SaveDefaults(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrDefaultsExist, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	doc := defaultsDocument{
		Remote:    cfg.Remote,
		Job:       cfg.Job,
		Discovery: cfg.Discovery,
		Channel:   cfg.Channel,
		Route:     cfg.Route,
		Logging:   cfg.Logging,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal defaults: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write defaults file: %w", err)
	}
	return nil
}

// ResetDefaults removes the defaults file at path. Returns false if there
// was nothing to remove.
func ResetDefaults(path string) (bool, error) {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to remove defaults file: %w", err)
	}
	return true, nil
}
