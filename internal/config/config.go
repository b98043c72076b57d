package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Timer    TimerConfig    `yaml:"timer"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	NATS     NATSConfig     `yaml:"nats"`
	Speedrun SpeedrunConfig `yaml:"speedrun"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds the listener addresses
type ServerConfig struct {
	GameAddr string `yaml:"game_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// SessionConfig holds per-connection limits
type SessionConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	InboxSize       int           `yaml:"inbox_size"`
	OutboxSize      int           `yaml:"outbox_size"`
	ReadBuffer      int           `yaml:"read_buffer"`
	MaxFrameBytes   int           `yaml:"max_frame_bytes"`
	LeaderboardSize int           `yaml:"leaderboard_size"`
	BannedNames     []string      `yaml:"banned_names"`
}

// TimerConfig holds run validation settings
type TimerConfig struct {
	ReplayRetryInterval time.Duration `yaml:"replay_retry_interval"`
	StoreTimeout        time.Duration `yaml:"store_timeout"`
	StartSpeedMargin    float64       `yaml:"start_speed_margin"`
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds dashboard token settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

// NATSConfig holds announcement broker settings. An empty URL logs
// announcements instead of publishing them.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// SpeedrunConfig holds speedrun.com lookup settings
type SpeedrunConfig struct {
	Enabled  bool          `yaml:"enabled"`
	BaseURL  string        `yaml:"base_url"`
	Game     string        `yaml:"game"`
	Category string        `yaml:"category"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LogConfig selects the log level and output format (json or console)
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Environment variables that override the file
const (
	EnvJWTSecret = "MODKIT_JWT_SECRET"
	EnvNATSURL   = "MODKIT_NATS_URL"
	EnvDBPath    = "MODKIT_DB_PATH"
	EnvGameAddr  = "MODKIT_GAME_ADDR"
	EnvHTTPAddr  = "MODKIT_HTTP_ADDR"
	EnvLogLevel  = "MODKIT_LOG_LEVEL"
)

// LoadEnv reads KEY=value pairs from a .env file into the environment.
// A missing file is not an error.
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file: %w", err)
	}
	return nil
}

// Load reads configuration from a YAML file. An empty path yields the
// defaults. MODKIT_* environment variables override file values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(&cfg)

	// Set defaults
	if cfg.Server.GameAddr == "" {
		cfg.Server.GameAddr = ":65432"
	}
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = "127.0.0.1:40000"
	}
	if cfg.Session.ReadTimeout == 0 {
		cfg.Session.ReadTimeout = 120 * time.Second
	}
	if cfg.Session.WriteTimeout == 0 {
		cfg.Session.WriteTimeout = 10 * time.Second
	}
	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = time.Second
	}
	if cfg.Session.InboxSize == 0 {
		cfg.Session.InboxSize = 64
	}
	if cfg.Session.OutboxSize == 0 {
		cfg.Session.OutboxSize = 256
	}
	if cfg.Session.ReadBuffer == 0 {
		cfg.Session.ReadBuffer = 4096
	}
	if cfg.Session.MaxFrameBytes == 0 {
		cfg.Session.MaxFrameBytes = 16 << 20
	}
	if cfg.Session.LeaderboardSize == 0 {
		cfg.Session.LeaderboardSize = 10
	}
	// Note: BannedNames left nil means the built-in list

	if cfg.Timer.ReplayRetryInterval == 0 {
		cfg.Timer.ReplayRetryInterval = 20 * time.Second
	}
	if cfg.Timer.StoreTimeout == 0 {
		cfg.Timer.StoreTimeout = 10 * time.Second
	}
	if cfg.Timer.StartSpeedMargin == 0 {
		cfg.Timer.StartSpeedMargin = 2
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "modkit.db"
	}
	if cfg.Auth.TokenDuration == 0 {
		cfg.Auth.TokenDuration = 24 * time.Hour
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "modkit.announce"
	}
	if cfg.NATS.ReconnectWait == 0 {
		cfg.NATS.ReconnectWait = 2 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{EnvJWTSecret, &cfg.Auth.JWTSecret},
		{EnvNATSURL, &cfg.NATS.URL},
		{EnvDBPath, &cfg.Database.Path},
		{EnvGameAddr, &cfg.Server.GameAddr},
		{EnvHTTPAddr, &cfg.Server.HTTPAddr},
		{EnvLogLevel, &cfg.Log.Level},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.env); ok && v != "" {
			*o.target = v
		}
	}
}
