// Package config resolves runtime configuration once at startup: environment
// variables for paths and tunables, plus a YAML federation profile naming the
// bootstrap nodes, relays and key files shared by the federation.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds engine configuration.
type Config struct {
	DataDir        string        // permit records + local event copies
	IdentityDir    string        // per-identity directories (handle -> keys)
	ProfilePath    string        // federation profile YAML
	Relays         []string      // relay endpoints
	SQLiteDSN      string        // when set, records are kept in sqlite instead of files
	NetworkTimeout time.Duration // bound on every publish/query call
	PublishRPS     float64       // relay publish rate limit
	PublishBurst   int
	LogLevel       string
}

// Load reads configuration from environment variables with defaults
// matching the original station layout under ~/.zen.
func Load() *Config {
	home, _ := os.UserHomeDir()

	dataDir := os.Getenv("ORACLE_DATA_DIR")
	if dataDir == "" {
		dataDir = filepath.Join(home, ".zen", "game", "permits")
	}

	identityDir := os.Getenv("ORACLE_IDENTITY_DIR")
	if identityDir == "" {
		identityDir = filepath.Join(home, ".zen", "game", "nostr")
	}

	profilePath := os.Getenv("ORACLE_PROFILE")
	if profilePath == "" {
		profilePath = filepath.Join(home, ".zen", "game", "federation.yaml")
	}

	relays := strings.Fields(os.Getenv("NOSTR_RELAYS"))
	if len(relays) == 0 {
		relays = []string{"ws://127.0.0.1:7777", "wss://relay.copylaradio.com"}
	}

	timeout := 30 * time.Second
	if v := os.Getenv("ORACLE_NETWORK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			timeout = d
		}
	}

	rps := 5.0
	if v := os.Getenv("ORACLE_PUBLISH_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			rps = f
		}
	}

	burst := 10
	if v := os.Getenv("ORACLE_PUBLISH_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			burst = n
		}
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		DataDir:        dataDir,
		IdentityDir:    identityDir,
		ProfilePath:    profilePath,
		Relays:         relays,
		SQLiteDSN:      os.Getenv("ORACLE_DB"),
		NetworkTimeout: timeout,
		PublishRPS:     rps,
		PublishBurst:   burst,
		LogLevel:       logLevel,
	}
}
