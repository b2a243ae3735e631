package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/victornm/classquiz/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Log telemetry.LogConfig

	Admin struct {
		Password string
	}

	Store struct {
		Timeout time.Duration
	}

	Poll struct {
		Interval time.Duration
	}

	Lobby struct {
		Countdown time.Duration
	}

	Clients struct {
		IdleTTL time.Duration `mapstructure:"idle_ttl"`
	}

	// Postgres is optional. Without a DSN sessions live in memory.
	Postgres struct {
		DSN     string
		Migrate bool
	}

	// Redis is optional. Without addresses push notifications stay in process.
	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	CORS struct {
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	}
}

// DefaultConfig returns the configuration used for every key the file leaves out.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.Log = telemetry.LogConfig{Level: "info", Format: "text"}
	c.Store.Timeout = 10 * time.Second
	c.Poll.Interval = 5 * time.Second
	c.Lobby.Countdown = 3 * time.Second
	c.Clients.IdleTTL = 30 * time.Minute
	c.Redis.Prefix = "classquiz"
	return c
}

func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port out of range: %d", c.HTTP.Port))
	}
	if c.Admin.Password == "" {
		errs = append(errs, errors.New("admin.password is required"))
	}
	if c.Store.Timeout <= 0 {
		errs = append(errs, errors.New("store.timeout must be positive"))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	if c.Clients.IdleTTL <= 0 {
		errs = append(errs, errors.New("clients.idle_ttl must be positive"))
	}
	if c.Postgres.Migrate && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.migrate needs postgres.dsn"))
	}

	return errors.Join(errs...)
}
