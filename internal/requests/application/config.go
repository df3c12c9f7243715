package application

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TrackingConfig tunes the reconciliation poller. The yaml file named by
// TRACKING_CONFIG overrides env, env overrides defaults.
type TrackingConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	JoinTimeout     time.Duration `yaml:"join_timeout"`
	WebhookURL      string        `yaml:"webhook_url"`
	WebhookTimeout  time.Duration `yaml:"webhook_timeout"`
	PurgeOnShutdown bool          `yaml:"purge_on_shutdown"`
}

// LoadTrackingConfig loads tracking configuration from env and an optional
// yaml file.
func LoadTrackingConfig() (TrackingConfig, error) {
	cfg := TrackingConfig{
		PollInterval:   getenvDuration("POLL_INTERVAL", defaultPollInterval),
		JoinTimeout:    getenvDuration("POLL_JOIN_TIMEOUT", defaultJoinTimeout),
		WebhookURL:     os.Getenv("TRACKING_WEBHOOK_URL"),
		WebhookTimeout: getenvDuration("TRACKING_WEBHOOK_TIMEOUT", 5*time.Second),
	}

	if path := os.Getenv("TRACKING_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	return cfg, nil
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
