package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/legisapp/legis/internal/logging"
	"github.com/legisapp/legis/internal/telemetry"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort             = "3000"
	defaultAPIURL           = "http://localhost:8080"
	defaultPlaybackInterval = 15 * time.Millisecond
)

type config struct {
	Port              string           `yaml:"port"`
	APIURL            string           `yaml:"apiURL"`
	PlaybackInterval  time.Duration    `yaml:"playbackInterval"`
	StreamIdleTimeout time.Duration    `yaml:"streamIdleTimeout"`
	Log               logging.Config   `yaml:"log"`
	Telemetry         telemetry.Config `yaml:"telemetry"`
}

// configPath returns $LEGIS_CONFIG, or server.yaml in the user's legis config directory.
func configPath() (string, error) {
	if p := os.Getenv("LEGIS_CONFIG"); p != "" {
		return p, nil
	}
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, "legis", "server.yaml"), nil
}

// loadConfig reads the file at path over the defaults. A missing file is not an error. API_URL
// overrides the configured backend.
func loadConfig(path string) (config, error) {
	cfg := config{
		Port:             defaultPort,
		APIURL:           defaultAPIURL,
		PlaybackInterval: defaultPlaybackInterval,
	}

	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if v := os.Getenv("API_URL"); v != "" {
		cfg.APIURL = v
	}
	if cfg.PlaybackInterval <= 0 {
		return config{}, fmt.Errorf("playbackInterval must be positive, got %s", cfg.PlaybackInterval)
	}
	if cfg.StreamIdleTimeout < 0 {
		return config{}, fmt.Errorf("streamIdleTimeout must not be negative, got %s", cfg.StreamIdleTimeout)
	}
	return cfg, nil
}
