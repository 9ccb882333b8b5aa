// --- File: apnsservice/config/yaml_config.go ---
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

const (
	defaultRequestTimeout       = 30 * time.Second
	defaultTokenRefreshInterval = 40 * time.Minute
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
}

// YamlAPNSConfig holds durations as strings ("30s", "40m"). An empty value
// takes the service default; "0s" disables the feature.
type YamlAPNSConfig struct {
	TeamID               string `yaml:"team_id"`
	KeyID                string `yaml:"key_id"`
	BundleID             string `yaml:"bundle_id"`
	KeyPath              string `yaml:"key_path"`
	Environment          string `yaml:"environment"`
	RequestTimeout       string `yaml:"request_timeout"`
	TokenRefreshInterval string `yaml:"token_refresh_interval"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string          `yaml:"project_id"`
	ListenAddr             string          `yaml:"listen_addr"`
	TopicID                string          `yaml:"topic_id"`
	SubscriptionID         string          `yaml:"subscription_id"`
	SubscriptionDLQTopicID string          `yaml:"subscription_dlq_topic_id"`
	CorsConfig             YamlCorsConfig  `yaml:"cors"`
	RedisConfig            YamlRedisConfig `yaml:"redis"`
	APNSConfig             YamlAPNSConfig  `yaml:"apns"`
	NumPipelineWorkers     int             `yaml:"num_pipeline_workers"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	requestTimeout, err := durationOrDefault(baseCfg.APNSConfig.RequestTimeout, defaultRequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid apns.request_timeout: %w", err)
	}
	refreshInterval, err := durationOrDefault(baseCfg.APNSConfig.TokenRefreshInterval, defaultTokenRefreshInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid apns.token_refresh_interval: %w", err)
	}

	cfg := &Config{
		ProjectID:      baseCfg.ProjectID,
		ListenAddr:     baseCfg.ListenAddr,
		TopicID:        baseCfg.TopicID,
		SubscriptionID: baseCfg.SubscriptionID,
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
		APNS: APNSConfig{
			TeamID:               baseCfg.APNSConfig.TeamID,
			KeyID:                baseCfg.APNSConfig.KeyID,
			BundleID:             baseCfg.APNSConfig.BundleID,
			KeyPath:              baseCfg.APNSConfig.KeyPath,
			EnvironmentName:      baseCfg.APNSConfig.Environment,
			RequestTimeout:       requestTimeout,
			TokenRefreshInterval: refreshInterval,
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"apns_environment", cfg.APNS.EnvironmentName,
	)

	return cfg, nil
}

func durationOrDefault(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}
