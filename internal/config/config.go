package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Client struct {
	RelayURL string `mapstructure:"relay_url"`
	Token    string `mapstructure:"token"`
	UserID   string `mapstructure:"user_id"`
	Username string `mapstructure:"username"`
	Avatar   string `mapstructure:"avatar"`

	RingingTimeout   time.Duration `mapstructure:"ringing_timeout"`
	ConnectAttempts  int           `mapstructure:"connect_attempts"`
	ConnectBaseDelay time.Duration `mapstructure:"connect_base_delay"`
	ConnectMaxDelay  time.Duration `mapstructure:"connect_max_delay"`
	STUNServers      []string      `mapstructure:"stun_servers"`
}

type Relay struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	Secret         string        `mapstructure:"secret"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	CallRateLimit  int           `mapstructure:"call_rate_limit"`
	CallRateWindow time.Duration `mapstructure:"call_rate_window"`
}

type Config struct {
	Client Client `mapstructure:"client"`
	Relay  Relay  `mapstructure:"relay"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("relay.mode", "release")
	v.SetDefault("relay.port", 8080)
	v.SetDefault("relay.read_limit", 32768)
	v.SetDefault("relay.call_rate_limit", 5)
	v.SetDefault("relay.call_rate_window", "1m")

	v.SetDefault("client.relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.ringing_timeout", "30s")
	v.SetDefault("client.connect_attempts", 5)
	v.SetDefault("client.connect_base_delay", "500ms")
	v.SetDefault("client.connect_max_delay", "10s")
	v.SetDefault("client.stun_servers", []string{"stun:stun.l.google.com:19302"})

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
