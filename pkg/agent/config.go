// Package agent assembles the update agent from its collaborators: channel
// client, dispatcher, orchestrator and the optional status loops, and runs
// them under one shutdown context.
package agent

import (
	"fmt"
	"net/url"
	"os"

	"github.com/pkg/errors"
)

// Variant selects which server endpoints the process talks to. The agent
// variant additionally runs the container status loops; the updater variant
// only services rollout commands.
type Variant string

const (
	VariantAgent   Variant = "agent"
	VariantUpdater Variant = "updater"
)

const (
	envAgentServerURL   = "OTA_AGENT_SERVER_URL"
	envUpdaterServerURL = "OTA_SERVER_URL"
	envAPIKey           = "OM_API_KEY"
	envAPIKeyID         = "OM_API_KEY_ID"
	envUpdatesDir       = "OTA_UPDATES_DIR"
	envStatusURL        = "DOCKER_STATUS_URL"

	defaultAgentServerURL   = "wss://api.openmind.org/api/core/ota/agent"
	defaultUpdaterServerURL = "wss://api.openmind.org/api/core/ota/updater"
	defaultStatusURL        = "https://api.openmind.org/api/core/ota/agent/docker"
	defaultUpdatesDir       = ".ota"
)

// Config is the process configuration resolved from the environment.
type Config struct {
	Variant    Variant
	ServerURL  string
	APIKey     string
	APIKeyID   string
	UpdatesDir string
	// StatusURL is the container status endpoint base; set only for the
	// agent variant.
	StatusURL string
}

// FromEnvironment resolves the configuration for the given variant.
func FromEnvironment(variant Variant) Config {
	cfg := Config{
		Variant:    variant,
		APIKey:     os.Getenv(envAPIKey),
		APIKeyID:   os.Getenv(envAPIKeyID),
		UpdatesDir: envOr(envUpdatesDir, defaultUpdatesDir),
	}
	switch variant {
	case VariantAgent:
		cfg.ServerURL = envOr(envAgentServerURL, defaultAgentServerURL)
		cfg.StatusURL = envOr(envStatusURL, defaultStatusURL)
	default:
		cfg.ServerURL = envOr(envUpdaterServerURL, defaultUpdaterServerURL)
	}
	return cfg
}

// Validate checks the startup invariants. Missing credentials are fatal;
// the caller exits non-zero.
func (c Config) Validate() error {
	switch {
	case c.APIKey == "":
		return errors.Errorf("%s environment variable must be set", envAPIKey)
	case c.APIKeyID == "":
		return errors.Errorf("%s environment variable must be set", envAPIKeyID)
	case c.ServerURL == "":
		return errors.New("server URL must be set")
	}
	return nil
}

// ChannelURL assembles the authenticated control-channel URL.
func (c Config) ChannelURL() string {
	return fmt.Sprintf("%s?api_key_id=%s&api_key=%s",
		c.ServerURL, url.QueryEscape(c.APIKeyID), url.QueryEscape(c.APIKey))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
