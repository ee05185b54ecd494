// Package config loads kiteflow settings from defaults, an optional YAML
// file, KITEFLOW_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"kiteflow/internal/domain"
)

type Config struct {
	Addr          string              `mapstructure:"addr"`
	DB            string              `mapstructure:"db"`
	Debug         bool                `mapstructure:"debug"`
	Log           LogConfig           `mapstructure:"log"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Content       ContentConfig       `mapstructure:"content"`
	Keywords      KeywordsConfig      `mapstructure:"keywords"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type QueueConfig struct {
	// Backend is "sqlite" or "redis".
	Backend  string `mapstructure:"backend"`
	RedisURL string `mapstructure:"redis_url"`
	RedisKey string `mapstructure:"redis_key"`
}

type ContentConfig struct {
	Dir string `mapstructure:"dir"`
}

// KeywordsConfig lists keyword targets as pairs rather than a map: viper
// lower-cases map keys and splits them on ".", which would mangle keywords
// such as "kite.camp".
type KeywordsConfig struct {
	Targets []KeywordTarget `mapstructure:"targets"`
}

// KeywordTarget names the page path that should rank for a keyword.
type KeywordTarget struct {
	Keyword string `mapstructure:"keyword"`
	Page    string `mapstructure:"page"`
}

// TargetMap returns keyword to page path. A later duplicate keyword wins.
func (k KeywordsConfig) TargetMap() map[string]string {
	out := make(map[string]string, len(k.Targets))
	for _, t := range k.Targets {
		out[t.Keyword] = t.Page
	}
	return out
}

type SchedulerConfig struct {
	LegacyCronFallback bool `mapstructure:"legacy_cron_fallback"`
	SeedDefaults       bool `mapstructure:"seed_defaults"`
}

type NotificationsConfig struct {
	domain.NotificationSettings `mapstructure:",squash"`
	SendGridAPIKey              string  `mapstructure:"sendgrid_api_key"`
	FromEmail                   string  `mapstructure:"from_email"`
	RatePerSec                  float64 `mapstructure:"rate_per_sec"`
}

// New returns a viper instance with every key defaulted and environment
// lookup enabled. Flags can be bound to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("addr", ":8080")
	v.SetDefault("db", "kiteflow.db")
	v.SetDefault("debug", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("queue.backend", "sqlite")
	v.SetDefault("queue.redis_url", "redis://localhost:6379/0")
	v.SetDefault("queue.redis_key", "kiteflow:changes")
	v.SetDefault("content.dir", "content")
	v.SetDefault("keywords.targets", []KeywordTarget{})
	v.SetDefault("scheduler.legacy_cron_fallback", false)
	v.SetDefault("scheduler.seed_defaults", true)
	v.SetDefault("notifications.email", false)
	v.SetDefault("notifications.webhook", false)
	v.SetDefault("notifications.slack", false)
	v.SetDefault("notifications.in_app", true)
	v.SetDefault("notifications.email_address", "")
	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("notifications.slack_webhook", "")
	v.SetDefault("notifications.sendgrid_api_key", "")
	v.SetDefault("notifications.from_email", "")
	v.SetDefault("notifications.rate_per_sec", 5.0)

	v.SetEnvPrefix("KITEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path into v and decodes the result. An empty path looks for
// kiteflow.yaml in the working directory and falls back to defaults when
// there is none; an explicit path must exist.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kiteflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Queue.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("queue.backend must be sqlite or redis, got %q", c.Queue.Backend)
	}
	if c.Notifications.RatePerSec <= 0 {
		return fmt.Errorf("notifications.rate_per_sec must be positive")
	}
	for i, t := range c.Keywords.Targets {
		if strings.TrimSpace(t.Keyword) == "" || strings.TrimSpace(t.Page) == "" {
			return fmt.Errorf("keywords.targets[%d] needs both keyword and page", i)
		}
	}
	return nil
}
