// Package config loads gateway settings from the environment and the
// routing file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/awsl-project/agw/internal/domain"
	"github.com/awsl-project/agw/internal/router"
)

// Config is the fully resolved gateway configuration.
type Config struct {
	// Listen address, default ":8080".
	Addr string

	// Database DSN. sqlite file path, or mysql:// / postgres:// URL.
	// Default "agw.db".
	DatabaseDSN string

	// Path to the routing YAML (backends + rules).
	RoutingPath string

	// Bearer token required on proxy endpoints. Empty disables auth.
	AuthToken string

	// Signature cache tuning.
	SignatureTTL             time.Duration
	ClientSignatureTTLs      map[domain.ClientType]time.Duration
	EnableTimeWindowFallback bool
	TimeWindow               time.Duration

	// Conversation state tuning.
	ConversationTTL    time.Duration
	IDEConversationTTL time.Duration

	// Maintenance loop interval.
	MaintenanceInterval time.Duration
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Addr:        envOr("AGW_ADDR", ":8080"),
		DatabaseDSN: envOr("AGW_DB", "agw.db"),
		RoutingPath: envOr("AGW_ROUTING", "routing.yaml"),
		AuthToken:   os.Getenv("AGW_AUTH_TOKEN"),

		SignatureTTL: envDuration("AGW_SIGNATURE_TTL", time.Hour),
		ClientSignatureTTLs: map[domain.ClientType]time.Duration{
			domain.ClientCursor:   envDuration("AGW_SIGNATURE_TTL_CURSOR", 2*time.Hour),
			domain.ClientWindsurf: envDuration("AGW_SIGNATURE_TTL_WINDSURF", 2*time.Hour),
		},
		EnableTimeWindowFallback: envBool("AGW_SIGNATURE_TIME_WINDOW_FALLBACK", false),
		TimeWindow:               envDuration("AGW_SIGNATURE_TIME_WINDOW", 5*time.Minute),

		ConversationTTL:    envDuration("AGW_CONVERSATION_TTL", time.Hour),
		IDEConversationTTL: envDuration("AGW_CONVERSATION_TTL_IDE", 2*time.Hour),

		MaintenanceInterval: envDuration("AGW_MAINTENANCE_INTERVAL", time.Minute),
	}
}

// LoadRoutingTable parses the routing YAML.
func LoadRoutingTable(path string) (*router.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing file: %w", err)
	}
	var table router.Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse routing file: %w", err)
	}
	if len(table.Backends) == 0 {
		return nil, fmt.Errorf("routing file %s defines no backends", path)
	}
	return &table, nil
}
