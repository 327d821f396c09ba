package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Config is the player's bootstrap configuration. Everything else arrives
// from the CMS as display settings after registration.
type Config struct {
	CMSURL      string
	CMSKey      string
	DisplayName string
	DataDir     string
	ListenAddr  string
	LogLevel    string

	// HardwareKey uniquely identifies this player to the CMS. Generated on
	// first run and persisted in the data directory.
	HardwareKey string
}

// Validate checks the required flags and normalizes the CMS URL.
func (c *Config) Validate() error {
	if c.CMSURL == "" {
		return fmt.Errorf("--cms-url is required")
	}
	if c.CMSKey == "" {
		return fmt.Errorf("--cms-key is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("--data-dir is required")
	}
	c.CMSURL = strings.TrimRight(c.CMSURL, "/")
	if c.DisplayName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "signage-player"
		}
		c.DisplayName = host
	}
	return nil
}

// LoadHardwareKey reads the persisted hardware key, generating one on first
// run.
func (c *Config) LoadHardwareKey() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(c.DataDir, "hardware-key")

	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		c.HardwareKey = strings.TrimSpace(string(data))
		return nil
	}

	c.HardwareKey = uuid.NewString()
	if err := os.WriteFile(path, []byte(c.HardwareKey+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to persist hardware key: %w", err)
	}
	return nil
}
