package config

import (
	"fmt"
	"net"
	"strconv"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

type ClientConfig struct {
	User string `env:"CHATRELAY_USER" validate:"required,max=32"`
	Host string `env:"CHATRELAY_SERVER_HOST" validate:"required"`
	Port int    `env:"CHATRELAY_SERVER_PORT" validate:"min=1,max=65535"`
}

func DefaultClient() ClientConfig {
	return ClientConfig{Host: "127.0.0.1", Port: 8000}
}

func LoadClient() (ClientConfig, error) {
	cfg := DefaultClient()
	_ = godotenv.Load()
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return cfg, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func (c ClientConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}
	return nil
}

func (c ClientConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func RegisterClientFlags(fs *pflag.FlagSet) {
	d := DefaultClient()
	fs.StringP("user", "u", "", "user name to connect as")
	fs.StringP("addr", "a", d.Host, "server host")
	fs.IntP("port", "p", d.Port, "server port")
}

func ApplyClientFlags(cfg *ClientConfig, fs *pflag.FlagSet) error {
	var err error
	if fs.Changed("user") {
		if cfg.User, err = fs.GetString("user"); err != nil {
			return err
		}
	}
	if fs.Changed("addr") {
		if cfg.Host, err = fs.GetString("addr"); err != nil {
			return err
		}
	}
	if fs.Changed("port") {
		if cfg.Port, err = fs.GetInt("port"); err != nil {
			return err
		}
	}
	return nil
}
