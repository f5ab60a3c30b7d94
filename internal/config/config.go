package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// ConversationSeed pre-populates membership on startup (dev setups, demos).
type ConversationSeed struct {
	ID      string   `mapstructure:"id"`
	Members []string `mapstructure:"members"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	JWTSecret     string   `mapstructure:"jwt_secret"`
	ChannelPrefix string   `mapstructure:"channel_prefix"`
	DatabasePath  string   `mapstructure:"database_path"`
	CORSOrigins   []string `mapstructure:"cors_origins"`

	SignalRateLimit    int           `mapstructure:"signal_rate_limit"`
	SignalRateInterval time.Duration `mapstructure:"signal_rate_interval"`
	BackpressurePolicy string        `mapstructure:"backpressure_policy"`

	Conversations []ConversationSeed `mapstructure:"conversations"`
}

// ClientConfig drives cmd/callctl.
type ClientConfig struct {
	RelayURL           string        `mapstructure:"relay_url"`
	Token              string        `mapstructure:"token"`
	ChannelPrefix      string        `mapstructure:"channel_prefix"`
	ICEServers         []string      `mapstructure:"ice_servers"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	Video              bool          `mapstructure:"video"`
	LogLevel           string        `mapstructure:"log_level"`
}

func newViper(name string) (*viper.Viper, string) {
	// .env is optional; real environment variables win over it
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/%s.%s.yaml", name, env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("CALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, fileName
}

func read(v *viper.Viper, fileName string, out any) error {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func Load() (*Config, error) {
	v, fileName := newViper("config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("channel_prefix", "private")
	v.SetDefault("database_path", "./data/call.db")
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("signal_rate_limit", 50)
	v.SetDefault("signal_rate_interval", "1s")
	v.SetDefault("backpressure_policy", "kick")

	var cfg Config
	if err := read(v, fileName, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).Int("port", cfg.Port).Str("prefix", cfg.ChannelPrefix).
		Msg("server config")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("config: secret is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: jwt_secret is required")
	}
	if c.ChannelPrefix == "" {
		return fmt.Errorf("config: channel_prefix must not be empty")
	}
	if c.SignalRateLimit <= 0 || c.SignalRateInterval <= 0 {
		return fmt.Errorf("config: signal rate limit must be positive")
	}
	return nil
}

func LoadClient() (*ClientConfig, error) {
	v, fileName := newViper("client")

	v.SetDefault("relay_url", "http://localhost:8080")
	v.SetDefault("token", "")
	v.SetDefault("channel_prefix", "private")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("negotiation_timeout", "30s")
	v.SetDefault("video", false)
	v.SetDefault("log_level", "info")

	var cfg ClientConfig
	if err := read(v, fileName, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
