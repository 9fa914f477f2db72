// Package config loads evaldb settings: defaults, then an optional YAML
// file, then environment overrides.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is shared by the gateway and its clients; each binary reads the
// sections it needs.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	// DataDir holds one evaluator database file per database.
	DataDir     string        `yaml:"data_dir"`
	BinDir      string        `yaml:"bin_dir"`
	StaticDir   string        `yaml:"static_dir"`
	EvalTimeout time.Duration `yaml:"eval_timeout"`
	// Domain is the gateway's own host; <hostname>.<domain> reaches the
	// database linked to hostname.
	Domain string `yaml:"domain"`
}

type ClientConfig struct {
	URL string `yaml:"url"`
	DB  string `yaml:"db"`
	// Feed is "sse" or "ws".
	Feed string `yaml:"feed"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:        "8080",
			DataDir:     "data",
			BinDir:      ".",
			StaticDir:   "web",
			EvalTimeout: 20 * time.Second,
			Domain:      "localhost:8080",
		},
		Client: ClientConfig{
			URL:  "http://localhost:8080",
			Feed: "sse",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path (if non-empty and present) over the defaults and applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.fromEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) fromEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Server.DatabaseURL = v
	}
	if v := os.Getenv("EVALDB_DATA_DIR"); v != "" {
		c.Server.DataDir = v
	}
	if v := os.Getenv("EVALDB_BIN_DIR"); v != "" {
		c.Server.BinDir = v
	}
	if v := os.Getenv("EVALDB_DOMAIN"); v != "" {
		c.Server.Domain = v
	}
	if v := os.Getenv("EVALDB_EVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Server.EvalTimeout = d
		}
	}
	if v := os.Getenv("EVALDB_URL"); v != "" {
		c.Client.URL = v
	}
	if v := os.Getenv("EVALDB_DB"); v != "" {
		c.Client.DB = v
	}
	if v := os.Getenv("EVALDB_FEED"); v != "" {
		c.Client.Feed = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

func (c Config) Validate() error {
	if c.Server.EvalTimeout <= 0 {
		return fmt.Errorf("eval_timeout must be > 0")
	}
	switch c.Client.Feed {
	case "sse", "ws":
	default:
		return fmt.Errorf("feed must be sse or ws, got %q", c.Client.Feed)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return l, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}

// Logger builds the root logger writing to w.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
