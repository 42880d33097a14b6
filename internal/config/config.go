// Package config loads the memgate configuration: backend selection,
// audit options, and the per-agent capability grants.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"

	"github.com/nidhogg/memgate/internal/security"
)

// Config is the top-level configuration structure.
type Config struct {
	Backend  BackendConfig               `json:"backend"`
	Audit    AuditConfig                 `json:"audit"`
	Agents   []security.CapabilityConfig `json:"agents"`
	LogLevel string                      `json:"log_level"`
}

// BackendConfig selects and configures the wrapped storage backend.
type BackendConfig struct {
	Type  string      `json:"type"` // "file" or "neo4j"
	File  FileConfig  `json:"file"`
	Neo4j Neo4jConfig `json:"neo4j"`
}

type FileConfig struct {
	Root string `json:"root"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// AuditConfig is the middleware's recognized option surface.
type AuditConfig struct {
	LogPath                string `json:"log_path"` // empty = memory-only buffer
	EnableAnomalyDetection *bool  `json:"enable_anomaly_detection"`
	RatePerMinute          int    `json:"rate_per_minute"`
	MaxConsecutiveFailures int    `json:"max_consecutive_failures"`
}

// AnomalyDetection reports the anomaly flag, defaulting to on.
func (a AuditConfig) AnomalyDetection() bool {
	if a.EnableAnomalyDetection == nil {
		return true
	}
	return *a.EnableAnomalyDetection
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable
// references. A .env file next to the process, when present, is loaded
// first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unusable configurations before anything is constructed.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case "file":
		if c.Backend.File.Root == "" {
			return fmt.Errorf("config: file backend requires a root directory")
		}
	case "neo4j":
		if c.Backend.Neo4j.URI == "" {
			return fmt.Errorf("config: neo4j backend requires a uri")
		}
	default:
		return fmt.Errorf("config: unknown backend type %q", c.Backend.Type)
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("config: at least one agent capability is required")
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if seen[a.AgentID] {
			return fmt.Errorf("config: duplicate capability for agent %s", a.AgentID)
		}
		seen[a.AgentID] = true
		if _, err := security.NewCapability(a); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// Capabilities constructs the capability set for every configured agent.
func (c *Config) Capabilities() (map[string]*security.Capability, error) {
	caps := make(map[string]*security.Capability, len(c.Agents))
	for _, a := range c.Agents {
		cap, err := security.NewCapability(a)
		if err != nil {
			return nil, err
		}
		caps[a.AgentID] = cap
	}
	return caps, nil
}
