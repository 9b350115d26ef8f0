// Package config loads receiver configuration from a file and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/inngest/walreceiver/pkg/consts/pgconsts"
	"github.com/inngest/walreceiver/pkg/replicator"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read, eg. WALRECEIVER_SLOT.
const EnvPrefix = "walreceiver"

type Config struct {
	DatabaseURL string `mapstructure:"database_url"`

	Slot    string                    `mapstructure:"slot"`
	Plugin  string                    `mapstructure:"plugin"`
	Options []replicator.PluginOption `mapstructure:"options"`
	// StartLSN overrides the slot's restart position, eg. "16/B374D848".
	StartLSN string `mapstructure:"start_lsn"`

	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Inngest InngestConfig `mapstructure:"inngest"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	// Listen is the address serving /metrics.  Empty disables metrics.
	Listen string `mapstructure:"listen"`
}

type InngestConfig struct {
	// EventKey enables sending changesets to Inngest.
	EventKey  string `mapstructure:"event_key"`
	BatchSize int    `mapstructure:"batch_size"`
}

// Load reads config from path, if non-empty, overlaid with the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Every key needs a default for AutomaticEnv to apply during Unmarshal.
	v.SetDefault("database_url", "")
	v.SetDefault("slot", "")
	v.SetDefault("plugin", pgconsts.DefaultPlugin)
	v.SetDefault("start_lsn", "")
	v.SetDefault("wait_timeout", pgconsts.DefaultWaitTimeout)
	v.SetDefault("flush_interval", pgconsts.DefaultFlushInterval)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("inngest.event_key", "")
	v.SetDefault("inngest.batch_size", 100)
}

func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("database_url is required"))
	}
	if c.WaitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("wait_timeout must be positive"))
	}
	if c.FlushInterval < 0 {
		errs = append(errs, fmt.Errorf("flush_interval must not be negative"))
	}
	for i, o := range c.Options {
		if o.Name == "" {
			errs = append(errs, fmt.Errorf("options[%d].name is required", i))
		}
	}
	if _, err := c.LSN(); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ConnConfig parses the database URL.
func (c Config) ConnConfig() (pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(c.DatabaseURL)
	if err != nil {
		return pgx.ConnConfig{}, fmt.Errorf("invalid database_url: %w", err)
	}
	return *cfg, nil
}

// LSN returns the configured start position, or nil to resume from the slot.
func (c Config) LSN() (*pglogrepl.LSN, error) {
	if c.StartLSN == "" {
		return nil, nil
	}
	lsn, err := pglogrepl.ParseLSN(c.StartLSN)
	if err != nil {
		return nil, fmt.Errorf("invalid start_lsn %q: %w", c.StartLSN, err)
	}
	return &lsn, nil
}

// Logger returns a logger writing to w in the configured format and level.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log.level %q: %w", s, err)
	}
	return l, nil
}
