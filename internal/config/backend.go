package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Backend is a flat key/value source of configuration.
type Backend interface {
	All() (map[string]string, error)
	Set(key, value string) error
}

// fileBackend stores values as a flat JSON object. A missing file is an
// empty backend.
type fileBackend struct {
	path string
}

func newFileBackend() *fileBackend {
	return &fileBackend{path: configFilePath()}
}

func configFilePath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", "promptd", "config.json")
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "promptd", "config.json")
}

func defaultDataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", "promptd")
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "promptd")
}

func (b *fileBackend) All() (map[string]string, error) {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", b.path, err)
	}
	return values, nil
}

func (b *fileBackend) Set(key, value string) error {
	values, err := b.All()
	if err != nil {
		return err
	}
	values[key] = value

	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o600)
}

// EnsureAPIToken returns the bearer token management endpoints require,
// generating and persisting one on first use. An explicit token from the
// environment or config file wins.
func EnsureAPIToken(cfg Config) (string, error) {
	if cfg.Server.APIToken != "" {
		return cfg.Server.APIToken, nil
	}

	b := newFileBackend()
	token := uuid.New().String()
	if err := b.Set("server.api_token", token); err != nil {
		return "", fmt.Errorf("persisting API token: %w", err)
	}
	return token, nil
}
