// Package config loads relay and client settings. Layers are applied in
// order, later ones winning: built-in defaults, an optional YAML file, a
// .env file, the process environment and finally explicitly set flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

type Config struct {
	Host           string        `yaml:"host" env:"CHATRELAY_HOST" validate:"required"`
	Port           int           `yaml:"port" env:"CHATRELAY_PORT" validate:"min=0,max=65535"`
	HistorySize    int           `yaml:"history_size" env:"CHATRELAY_HISTORY_SIZE" validate:"min=1"`
	OutboundBuffer int           `yaml:"outbound_buffer" env:"CHATRELAY_OUTBOUND_BUFFER" validate:"min=1"`
	RouterBuffer   int           `yaml:"router_buffer" env:"CHATRELAY_ROUTER_BUFFER" validate:"min=1"`
	MaxFrameBytes  int           `yaml:"max_frame_bytes" env:"CHATRELAY_MAX_FRAME_BYTES" validate:"min=64,max=16777216"`
	FlushTimeout   time.Duration `yaml:"flush_timeout" env:"CHATRELAY_FLUSH_TIMEOUT" validate:"gt=0"`
	MetricsAddr    string        `yaml:"metrics_addr" env:"CHATRELAY_METRICS_ADDR"`
	HistoryBackend string        `yaml:"history_backend" env:"CHATRELAY_HISTORY_BACKEND" validate:"oneof=memory badger"`
	LogLevel       string        `yaml:"log_level" env:"CHATRELAY_LOG_LEVEL" validate:"oneof=debug info warn error"`
	UTCOffsetHours int           `yaml:"utc_offset_hours" env:"CHATRELAY_UTC_OFFSET_HOURS" validate:"min=-12,max=14"`
}

func Default() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           8000,
		HistorySize:    20,
		OutboundBuffer: 64,
		RouterBuffer:   128,
		MaxFrameBytes:  64 << 10,
		FlushTimeout:   2 * time.Second,
		MetricsAddr:    ":9090",
		HistoryBackend: BackendMemory,
		LogLevel:       "info",
		UTCOffsetHours: 3,
	}
}

// Load applies every layer except flags. A missing .env file is not an
// error; a missing YAML file named by path is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	_ = godotenv.Load()
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return cfg, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Location is the fixed zone used for event timestamps.
func (c Config) Location() *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", c.UTCOffsetHours), c.UTCOffsetHours*3600)
}

func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// RegisterFlags declares the server flags on fs with the built-in defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("host", d.Host, "bind host")
	fs.IntP("port", "p", d.Port, "bind port")
	fs.IntP("history-size", "s", d.HistorySize, "number of recent events replayed to new users")
	fs.Int("outbound-buffer", d.OutboundBuffer, "queued frames per session before the oldest is dropped")
	fs.Int("router-buffer", d.RouterBuffer, "router event queue length")
	fs.Int("max-frame-bytes", d.MaxFrameBytes, "largest accepted frame payload")
	fs.Duration("flush-timeout", d.FlushTimeout, "how long shutdown waits for queued frames")
	fs.String("metrics-addr", d.MetricsAddr, "prometheus listen address, empty to disable")
	fs.String("history-backend", d.HistoryBackend, "full history log backend: memory or badger")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.Int("utc-offset", d.UTCOffsetHours, "timestamp zone offset from UTC in hours")
}

// ApplyFlags overrides cfg with every flag the user set explicitly.
func ApplyFlags(cfg *Config, fs *pflag.FlagSet) error {
	var err error
	set := func(name string, apply func() error) {
		if err == nil && fs.Changed(name) {
			err = apply()
		}
	}
	set("host", func() (e error) { cfg.Host, e = fs.GetString("host"); return })
	set("port", func() (e error) { cfg.Port, e = fs.GetInt("port"); return })
	set("history-size", func() (e error) { cfg.HistorySize, e = fs.GetInt("history-size"); return })
	set("outbound-buffer", func() (e error) { cfg.OutboundBuffer, e = fs.GetInt("outbound-buffer"); return })
	set("router-buffer", func() (e error) { cfg.RouterBuffer, e = fs.GetInt("router-buffer"); return })
	set("max-frame-bytes", func() (e error) { cfg.MaxFrameBytes, e = fs.GetInt("max-frame-bytes"); return })
	set("flush-timeout", func() (e error) { cfg.FlushTimeout, e = fs.GetDuration("flush-timeout"); return })
	set("metrics-addr", func() (e error) { cfg.MetricsAddr, e = fs.GetString("metrics-addr"); return })
	set("history-backend", func() (e error) { cfg.HistoryBackend, e = fs.GetString("history-backend"); return })
	set("log-level", func() (e error) { cfg.LogLevel, e = fs.GetString("log-level"); return })
	set("utc-offset", func() (e error) { cfg.UTCOffsetHours, e = fs.GetInt("utc-offset"); return })
	return err
}
