// --- File: pushregistration/config/yaml_config.go ---
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-push-binding/pkg/push"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

type YamlRetryConfig struct {
	Enabled         bool    `yaml:"enabled"`
	InitialInterval string  `yaml:"initial_interval"`
	MaxInterval     string  `yaml:"max_interval"`
	Multiplier      float64 `yaml:"multiplier"`
	MaxAttempts     int     `yaml:"max_attempts"`
}

type YamlAPNSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	KeyID        string `yaml:"key_id"`
	TeamID       string `yaml:"team_id"`
	BundleID     string `yaml:"bundle_id"`
	P8KeyContent string `yaml:"p8_key"`
	Sandbox      bool   `yaml:"sandbox"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	Mode                 string          `yaml:"mode"`
	ProjectID            string          `yaml:"project_id"`
	ListenAddr           string          `yaml:"listen_addr"`
	OwnerURN             string          `yaml:"owner_urn"`
	InstallationID       string          `yaml:"installation_id"`
	HostCallbackURL      string          `yaml:"host_callback_url"`
	HostTimeout          string          `yaml:"host_timeout"`
	AuthorizationOptions []string        `yaml:"authorization_options"`
	FetchBudget          string          `yaml:"fetch_budget"`
	RegistrationTimeout  string          `yaml:"registration_timeout"`
	PersistBindings      bool            `yaml:"persist_bindings"`
	TokenEventsTopicID   string          `yaml:"token_events_topic_id"`
	FCMTopics            []string        `yaml:"fcm_topics"`
	CorsConfig           YamlCorsConfig  `yaml:"cors"`
	RedisConfig          YamlRedisConfig `yaml:"redis"`
	RetryConfig          YamlRetryConfig `yaml:"retry"`
	APNSConfig           YamlAPNSConfig  `yaml:"apns_probe"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		Mode:               Mode(baseCfg.Mode),
		ProjectID:          baseCfg.ProjectID,
		ListenAddr:         baseCfg.ListenAddr,
		OwnerURN:           baseCfg.OwnerURN,
		InstallationID:     baseCfg.InstallationID,
		HostCallbackURL:    baseCfg.HostCallbackURL,
		PersistBindings:    baseCfg.PersistBindings,
		TokenEventsTopicID: baseCfg.TokenEventsTopicID,
		FCMTopics:          baseCfg.FCMTopics,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
		},
		Retry: RetryConfig{
			Enabled:     baseCfg.RetryConfig.Enabled,
			Multiplier:  baseCfg.RetryConfig.Multiplier,
			MaxAttempts: baseCfg.RetryConfig.MaxAttempts,
		},
		APNS: APNSConfig{
			Enabled:      baseCfg.APNSConfig.Enabled,
			KeyID:        baseCfg.APNSConfig.KeyID,
			TeamID:       baseCfg.APNSConfig.TeamID,
			BundleID:     baseCfg.APNSConfig.BundleID,
			P8KeyContent: baseCfg.APNSConfig.P8KeyContent,
			Sandbox:      baseCfg.APNSConfig.Sandbox,
		},
	}

	if len(baseCfg.AuthorizationOptions) > 0 {
		opts, err := push.ParseAuthorizationOptions(baseCfg.AuthorizationOptions)
		if err != nil {
			return nil, err
		}
		cfg.AuthorizationOptions = opts
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"host_timeout", baseCfg.HostTimeout, &cfg.HostTimeout},
		{"fetch_budget", baseCfg.FetchBudget, &cfg.FetchBudget},
		{"registration_timeout", baseCfg.RegistrationTimeout, &cfg.RegistrationTimeout},
		{"redis.ttl", baseCfg.RedisConfig.TTL, &cfg.Redis.TTL},
		{"retry.initial_interval", baseCfg.RetryConfig.InitialInterval, &cfg.Retry.InitialInterval},
		{"retry.max_interval", baseCfg.RetryConfig.MaxInterval, &cfg.Retry.MaxInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", d.key, d.raw, err)
		}
		*d.dst = v
	}

	logger.Debug("YAML config mapping complete",
		"mode", cfg.Mode,
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
	)

	return cfg, nil
}
