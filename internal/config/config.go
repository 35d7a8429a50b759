// Package config loads server configuration from defaults, an optional
// config file and ANRAK_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// PublicURL is the externally reachable base used in join links and QR
	// codes; derived from the request host when empty.
	PublicURL string `mapstructure:"public_url"`

	OpenRouterAPIKey  string `mapstructure:"openrouter_api_key"`
	OpenRouterBaseURL string `mapstructure:"openrouter_base_url"`

	// MaxSessions caps the registry; 0 means unlimited.
	MaxSessions int           `mapstructure:"max_sessions"`
	TurnPace    time.Duration `mapstructure:"turn_pace"`
}

// Load reads configuration. path may name a config file; when empty only
// defaults and environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("public_url", "")
	v.SetDefault("openrouter_api_key", "")
	v.SetDefault("openrouter_base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("max_sessions", 0)
	v.SetDefault("turn_pace", 2*time.Second)

	v.SetEnvPrefix("ANRAK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Accept the conventional provider variable too.
	_ = v.BindEnv("openrouter_api_key", "ANRAK_OPENROUTER_API_KEY", "OPENROUTER_API_KEY")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen_addr must not be empty")
	}
	if cfg.TurnPace < 0 {
		return nil, fmt.Errorf("turn_pace must not be negative")
	}
	return &cfg, nil
}
