// --- File: pushregistration/config/config.go ---
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-push-binding/pkg/push"
)

// Mode selects whether the push pipeline is wired at all.
type Mode string

const (
	// ModeRelease registers the full push pipeline.
	ModeRelease Mode = "release"
	// ModeDebug performs no authorization and no registration.
	ModeDebug Mode = "debug"
)

const (
	defaultListenAddr  = ":8080"
	defaultHostTimeout = 5 * time.Second
	defaultFetchBudget = 25 * time.Second
	defaultCacheTTL    = 24 * time.Hour

	defaultRegistrationTimeout = 30 * time.Second
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// RetryConfig controls automatic re-registration after a transport failure.
// Disabled by default: the host decides when to retry.
type RetryConfig struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
}

type APNSConfig struct {
	Enabled      bool
	KeyID        string
	TeamID       string
	BundleID     string
	P8KeyContent string
	Sandbox      bool
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	Mode       Mode
	ProjectID  string
	ListenAddr string

	OwnerURN        string
	InstallationID  string
	HostCallbackURL string
	HostTimeout     time.Duration

	AuthorizationOptions push.AuthorizationOptions
	FetchBudget          time.Duration
	RegistrationTimeout  time.Duration
	Retry                RetryConfig

	PersistBindings    bool
	TokenEventsTopicID string
	FCMTopics          []string

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig
	APNS       APNSConfig
}

// NeedsGoogleCloud reports whether any component needs the project's cloud clients.
func (c *Config) NeedsGoogleCloud() bool {
	return c.PersistBindings || c.TokenEventsTopicID != "" || len(c.FCMTopics) > 0
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PUSH_MODE"); val != "" {
		logger.Debug("Overriding config value", "key", "PUSH_MODE", "source", "env")
		cfg.Mode = Mode(strings.ToLower(val))
	}
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("OWNER_URN"); val != "" {
		logger.Debug("Overriding config value", "key", "OWNER_URN", "source", "env")
		cfg.OwnerURN = val
	}
	if val := os.Getenv("INSTALLATION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "INSTALLATION_ID", "source", "env")
		cfg.InstallationID = val
	}
	if val := os.Getenv("HOST_CALLBACK_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "HOST_CALLBACK_URL", "source", "env")
		cfg.HostCallbackURL = val
	}
	if val := os.Getenv("TOKEN_EVENTS_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "TOKEN_EVENTS_TOPIC_ID", "source", "env")
		cfg.TokenEventsTopicID = val
	}
	if val := os.Getenv("FCM_TOPICS"); val != "" {
		logger.Debug("Overriding config value", "key", "FCM_TOPICS", "source", "env")
		cfg.FCMTopics = splitList(val)
	}
	if val := os.Getenv("PERSIST_BINDINGS"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			cfg.PersistBindings = enabled
		}
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// Retry Overrides
	if val := os.Getenv("RETRY_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Retry.Enabled = enabled
	}
	if val := os.Getenv("RETRY_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Retry.MaxAttempts = n
		}
	}

	// APNs probe Overrides
	if val := os.Getenv("APNS_KEY_ID"); val != "" {
		cfg.APNS.KeyID = val
	}
	if val := os.Getenv("APNS_TEAM_ID"); val != "" {
		cfg.APNS.TeamID = val
	}
	if val := os.Getenv("APNS_BUNDLE_ID"); val != "" {
		cfg.APNS.BundleID = val
	}
	if val := os.Getenv("APNS_P8_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_P8_KEY", "source", "env")
		cfg.APNS.P8KeyContent = val
		cfg.APNS.Enabled = true
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		cfg.CorsConfig.AllowedOrigins = splitList(corsOrigins)
	}

	// 2. Defaults
	if cfg.Mode == "" {
		cfg.Mode = ModeRelease
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.InstallationID == "" && !cfg.PersistBindings {
		cfg.InstallationID = uuid.NewString()
		logger.Info("No installation id configured; generated one", "installation_id", cfg.InstallationID)
	}
	if cfg.HostTimeout <= 0 {
		cfg.HostTimeout = defaultHostTimeout
	}
	if cfg.FetchBudget <= 0 {
		cfg.FetchBudget = defaultFetchBudget
	}
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = defaultRegistrationTimeout
	}
	if cfg.AuthorizationOptions == 0 {
		cfg.AuthorizationOptions = push.DefaultAuthorizationOptions
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = defaultCacheTTL
	}

	// 3. Final Validation
	if cfg.Mode != ModeRelease && cfg.Mode != ModeDebug {
		return nil, fmt.Errorf("mode must be %q or %q, got %q", ModeRelease, ModeDebug, cfg.Mode)
	}
	if cfg.HostCallbackURL == "" {
		return nil, fmt.Errorf("host_callback_url is required (set via YAML or HOST_CALLBACK_URL env var)")
	}
	if cfg.NeedsGoogleCloud() && cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required when bindings, token events or topics are enabled (set via YAML or PROJECT_ID env var)")
	}
	if cfg.PersistBindings && cfg.InstallationID == "" {
		return nil, fmt.Errorf("installation_id is required when persist_bindings is set (set via YAML or INSTALLATION_ID env var)")
	}
	if cfg.PersistBindings || cfg.TokenEventsTopicID != "" {
		if _, err := urn.Parse(cfg.OwnerURN); err != nil {
			return nil, fmt.Errorf("owner_urn is invalid or missing: %w", err)
		}
	}
	if cfg.Redis.Enabled && !cfg.PersistBindings {
		logger.Warn("Redis cache enabled without binding persistence; cache will be unused")
	}
	if cfg.APNS.Enabled && (cfg.APNS.KeyID == "" || cfg.APNS.TeamID == "" || cfg.APNS.BundleID == "") {
		return nil, fmt.Errorf("apns probe requires key_id, team_id and bundle_id")
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
