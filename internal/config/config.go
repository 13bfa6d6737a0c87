// Package config loads settings from the environment, optionally seeded from a
// .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

// Prefix is prepended to every variable name, e.g. COLLAB_SERVER_ADDR.
const Prefix = "COLLAB_"

type Config struct {
	Server Server `envPrefix:"SERVER_"`
	Sync   Sync   `envPrefix:"SYNC_"`
	Log    Log    `envPrefix:"LOG_"`
}

type Server struct {
	Addr string `env:"ADDR" envDefault:":8080"`
	// DatabaseURL selects the Postgres store. Empty keeps boards in memory.
	DatabaseURL     string        `env:"DATABASE_URL"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Sync configures a board session.
type Sync struct {
	ServerURL         string        `env:"SERVER_URL" envDefault:"http://localhost:8080"`
	BoardID           string        `env:"BOARD"`
	UserID            string        `env:"USER_ID"`
	UserName          string        `env:"USER_NAME"`
	UserColor         string        `env:"USER_COLOR" envDefault:"#4f46e5"`
	UpdateThrottle    time.Duration `env:"UPDATE_THROTTLE" envDefault:"50ms"`
	CursorThrottle    time.Duration `env:"CURSOR_THROTTLE" envDefault:"50ms"`
	GestureThrottle   time.Duration `env:"GESTURE_THROTTLE" envDefault:"50ms"`
	ReconcileEnabled  bool          `env:"RECONCILE_ENABLED" envDefault:"true"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"10s"`
	ToleranceMS       int64         `env:"TOLERANCE_MS" envDefault:"100"`
	HistoryLimit      int           `env:"HISTORY_LIMIT" envDefault:"100"`
	// EditBufferDir holds the drag edit buffers. Empty disables them.
	EditBufferDir string `env:"EDIT_BUFFER_DIR"`
}

type Log struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// Load reads the given .env files (".env" when none are named; a missing file
// is not an error) and then parses the environment. Variables already set in
// the environment win over the files.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"SYNC_UPDATE_THROTTLE":    c.Sync.UpdateThrottle,
		"SYNC_CURSOR_THROTTLE":    c.Sync.CursorThrottle,
		"SYNC_GESTURE_THROTTLE":   c.Sync.GestureThrottle,
		"SYNC_RECONCILE_INTERVAL": c.Sync.ReconcileInterval,
		"SERVER_SHUTDOWN_TIMEOUT": c.Server.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s%s must be positive, got %s", Prefix, name, d))
		}
	}
	if c.Sync.ToleranceMS < 0 {
		errs = append(errs, fmt.Errorf("%sSYNC_TOLERANCE_MS must not be negative", Prefix))
	}
	if c.Sync.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("%sSYNC_HISTORY_LIMIT must be positive", Prefix))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("%sLOG_FORMAT must be json or console, got %q", Prefix, c.Log.Format))
	}
	return multierr.Combine(errs...)
}
