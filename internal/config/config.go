package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type AppConfig struct {
	ListenAddr     string   `env:"LISTEN_ADDR" envDefault:":8080"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`

	JWTSecret    string `env:"JWT_SECRET"`
	JWTIssuer    string `env:"JWT_ISSUER" envDefault:"chess-platform"`
	AuthDisabled bool   `env:"AUTH_DISABLED" envDefault:"false"`

	SessionTTL         time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	ReconnectGrace     time.Duration `env:"RECONNECT_GRACE" envDefault:"30s"`
	MatchSweepInterval time.Duration `env:"MATCH_SWEEP_INTERVAL" envDefault:"2s"`
	IdleSweepInterval  time.Duration `env:"IDLE_SWEEP_INTERVAL" envDefault:"1m"`
	StoreRetries       int           `env:"STORE_RETRIES" envDefault:"3"`
	StoreTimeout       time.Duration `env:"STORE_TIMEOUT" envDefault:"2s"`
	SinkRetries        int           `env:"SINK_RETRIES" envDefault:"5"`
	QueueEntryTTL      time.Duration `env:"QUEUE_ENTRY_TTL" envDefault:"90s"`
	DefaultSkill       int           `env:"DEFAULT_SKILL" envDefault:"1200"`

	RatingFeedURL string `env:"RATING_FEED_URL"`
	MessagesDir   string `env:"MESSAGES_DIR"`

	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"LOG_FORMAT" envDefault:"legacy"`
	LogConsole bool   `env:"LOG_TO_CONSOLE" envDefault:"true"`
	LogToFile  bool   `env:"LOG_TO_FILE" envDefault:"false"`
	LogFile    string `env:"LOG_FILE" envDefault:"logs/arena.log"`
	LogCaller  bool   `env:"LOG_CALLER" envDefault:"false"`
}

// Load reads an optional dotenv file (ENV_FILE, default .env) and then the
// process environment.
func Load() (*AppConfig, error) {
	envFile := strings.TrimSpace(os.Getenv("ENV_FILE"))
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.RedisURL = strings.TrimSpace(cfg.RedisURL)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	cfg.RatingFeedURL = strings.TrimSpace(cfg.RatingFeedURL)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	if !c.AuthDisabled && c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required unless AUTH_DISABLED=true")
	}
	if c.SessionTTL <= 0 {
		return errors.New("SESSION_TTL must be positive")
	}
	if c.ReconnectGrace <= 0 {
		return errors.New("RECONNECT_GRACE must be positive")
	}
	if c.MatchSweepInterval <= 0 || c.IdleSweepInterval <= 0 {
		return errors.New("sweep intervals must be positive")
	}
	if c.StoreRetries < 1 {
		return errors.New("STORE_RETRIES must be at least 1")
	}
	if c.StoreTimeout <= 0 {
		return errors.New("STORE_TIMEOUT must be positive")
	}
	if c.SinkRetries < 1 {
		return errors.New("SINK_RETRIES must be at least 1")
	}
	if c.QueueEntryTTL <= 0 {
		return errors.New("QUEUE_ENTRY_TTL must be positive")
	}
	if u := c.DatabaseURL; u != "" &&
		!strings.HasPrefix(u, "postgres://") && !strings.HasPrefix(u, "postgresql://") && !strings.HasPrefix(u, "sqlite:") {
		return fmt.Errorf("DATABASE_URL scheme not supported: %s", u)
	}
	return nil
}
